package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

const (
	// EventIndex holds payment lifecycle events (state transitions, callbacks, completions)
	EventIndex = "paycore-payment-events"
	// SystemIndex holds system-level log entries
	SystemIndex = "paycore-system-logs"
)

// PaymentEvent represents a structured payment lifecycle event
type PaymentEvent struct {
	Timestamp         time.Time      `json:"timestamp"`
	EventID           string         `json:"event_id"`
	MerchantPaymentID string         `json:"merchant_payment_id,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	State             string         `json:"state,omitempty"`
	Event             string         `json:"event"`
	ResponseCode      string         `json:"response_code,omitempty"`
	Amount            float64        `json:"amount,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	ProcessingTimeMs  int64          `json:"processing_time_ms,omitempty"`
	Error             ErrorInfo      `json:"error,omitempty"`
	Fields            map[string]any `json:"fields,omitempty"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Logger handles OpenSearch logging operations
type Logger struct {
	client *Client
}

// NewLogger creates a new OpenSearch logger
func NewLogger(client *Client) *Logger {
	return &Logger{
		client: client,
	}
}

// LogPaymentEvent indexes a payment lifecycle event
func (l *Logger) LogPaymentEvent(ctx context.Context, event PaymentEvent) error {
	if !l.client.IsEnabled() {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}

	return l.index(ctx, EventIndex, event)
}

// LogSystemEvent indexes a system-level log entry
func (l *Logger) LogSystemEvent(ctx context.Context, entry any) error {
	if !l.client.IsEnabled() {
		return nil
	}

	return l.index(ctx, SystemIndex, entry)
}

func (l *Logger) index(ctx context.Context, indexName string, doc any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: indexName,
		Body:  bytes.NewReader(docJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}

// SearchEvents returns recent payment events for a merchant payment id
func (l *Logger) SearchEvents(ctx context.Context, merchantPaymentID string) ([]PaymentEvent, error) {
	if !l.client.IsEnabled() {
		return nil, fmt.Errorf("logging is disabled")
	}

	searchQuery := map[string]any{
		"query": map[string]any{
			"match": map[string]any{
				"merchant_payment_id": merchantPaymentID,
			},
		},
		"sort": []map[string]any{
			{"timestamp": map[string]string{"order": "desc"}},
		},
		"size": 100,
	}

	queryJSON, err := json.Marshal(searchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{EventIndex},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("opensearch search error: %s", res.String())
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				Source PaymentEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	events := make([]PaymentEvent, len(searchResult.Hits.Hits))
	for i, hit := range searchResult.Hits.Hits {
		events[i] = hit.Source
	}

	return events, nil
}

var sensitivePatterns = buildSensitivePatterns()

func buildSensitivePatterns() []*regexp.Regexp {
	fields := []string{
		"cardNumber", "card_number", "pan", "cvv", "cvc", "cardOwner", "holderName",
		"cardHolderName", "card_holder_name", "apiKey", "api_key", "secretKey",
		"secret_key", "password", "MERCHANTPASSWORD", "authorization",
	}

	patterns := make([]*regexp.Regexp, 0, len(fields)*2)
	for _, field := range fields {
		patterns = append(patterns,
			regexp.MustCompile(fmt.Sprintf(`(?i)"%s"\s*:\s*"[^"]*"`, field)),
			regexp.MustCompile(fmt.Sprintf(`(?i)%s=[^&\s]+`, field)),
		)
	}
	return patterns
}

// SanitizeForLog removes card data and credentials from a payload before logging
func SanitizeForLog(data string) string {
	result := data
	for _, re := range sensitivePatterns {
		result = re.ReplaceAllString(result, `"***REDACTED***"`)
	}
	return result
}
