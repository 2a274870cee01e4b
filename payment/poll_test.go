package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoller_DoneStopsPolling(t *testing.T) {
	poller := Poller{Interval: time.Millisecond, Deadline: time.Second}

	calls := 0
	err := poller.Run(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoller_AttemptCap(t *testing.T) {
	poller := Poller{Interval: time.Millisecond, MaxAttempts: 5}

	calls := 0
	err := poller.Run(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 5, calls)
}

func TestPoller_Deadline(t *testing.T) {
	poller := Poller{Interval: time.Millisecond, Deadline: 20 * time.Millisecond}

	err := poller.Run(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPoller_ErrorsDoNotStopPolling(t *testing.T) {
	poller := Poller{Interval: time.Millisecond, MaxAttempts: 10}

	calls := 0
	err := poller.Run(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		if calls < 4 {
			return false, errors.New("gateway hiccup")
		}
		return true, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestPoller_ContextCancellation(t *testing.T) {
	poller := Poller{Interval: time.Millisecond, Deadline: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}
