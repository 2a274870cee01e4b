package payment

import (
	"context"
	"time"
)

// Poller is the single cancellable poll task used by every polling call
// site, parameterized by interval, deadline and attempt cap. It replaces
// the assortment of ad-hoc loops the flow otherwise accumulates.
type Poller struct {
	Interval    time.Duration
	Deadline    time.Duration
	MaxAttempts int
}

// Run invokes fn on every tick until fn reports done, the attempt cap or
// deadline is reached (ErrTimeout), or the context is cancelled. Errors
// from fn are treated as "not yet decided" and polling continues.
func (p Poller) Run(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	deadline := time.Now().Add(p.Deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++
			done, err := fn(ctx)
			if err == nil && done {
				return nil
			}

			if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
				return ErrTimeout
			}
			if p.Deadline > 0 && time.Now().After(deadline) {
				return ErrTimeout
			}
		}
	}
}
