package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigortix/paycore/infra/logger"
	"github.com/sigortix/paycore/payment"
)

// SQLiteTrail is the durable audit trail behind payment.AuditTrail. It
// records every inbound verdict and every terminal outcome for
// back-office reconciliation. Card data never reaches this layer.
type SQLiteTrail struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// retryOperation executes a database operation with retry logic for SQLITE_BUSY errors
func (s *SQLiteTrail) retryOperation(operation func() error, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
			lastErr = err
			if attempt < maxRetries {
				// Exponential backoff: 10ms, 20ms, 40ms, 80ms
				backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
				time.Sleep(backoff)
				continue
			}
		} else {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", maxRetries+1, lastErr)
}

// NewSQLiteTrail opens the audit database, creating it if needed
func NewSQLiteTrail(dbPath string) (*SQLiteTrail, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_timeout=20000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	trail := &SQLiteTrail{
		db:   db,
		path: dbPath,
	}

	if err := trail.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	trail.applyPragmas()

	logger.Info("Audit trail initialized", logger.LogContext{
		Fields: map[string]any{"path": dbPath},
	})
	return trail, nil
}

// initSchema creates the audit tables
func (s *SQLiteTrail) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS callback_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		merchant_payment_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		success INTEGER NOT NULL,
		low_confidence INTEGER NOT NULL DEFAULT 0,
		response_code TEXT,
		response_message TEXT,
		md_status TEXT,
		transaction_id TEXT,
		raw_data TEXT,
		received_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_callback_payment ON callback_results(merchant_payment_id);

	CREATE TABLE IF NOT EXISTS completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		merchant_payment_id TEXT NOT NULL,
		state TEXT NOT NULL,
		policy_number TEXT,
		error_code TEXT,
		error_message TEXT,
		manual_review INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_completion_payment ON completions(merchant_payment_id);
	CREATE INDEX IF NOT EXISTS idx_completion_review ON completions(manual_review);
	`

	_, err := s.db.Exec(query)
	return err
}

// applyPragmas applies SQLite optimizations for concurrent access
func (s *SQLiteTrail) applyPragmas() {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 30000;",
		"PRAGMA temp_store = memory;",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			logger.Warn("Failed to apply pragma", logger.LogContext{
				Fields: map[string]any{"pragma": pragma, "error": err.Error()},
			})
		}
	}
}

// RecordCallback stores an inbound verdict. The raw payload is stripped
// of card-shaped fields before serialization.
func (s *SQLiteTrail) RecordCallback(ctx context.Context, result payment.CallbackResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawJSON, err := json.Marshal(sanitizeRaw(result.Raw))
	if err != nil {
		return fmt.Errorf("failed to marshal raw data: %w", err)
	}

	return s.retryOperation(func() error {
		query := `
		INSERT INTO callback_results
			(merchant_payment_id, channel, success, low_confidence, response_code, response_message, md_status, transaction_id, raw_data, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			result.MerchantPaymentID,
			string(result.OriginChannel),
			boolToInt(result.Success),
			boolToInt(result.LowConfidence),
			result.ResponseCode,
			result.ResponseMessage,
			result.MDStatus,
			result.TransactionID,
			string(rawJSON),
			result.ReceivedAt,
		)
		return err
	}, 3)
}

// RecordCompletion stores a terminal outcome
func (s *SQLiteTrail) RecordCompletion(ctx context.Context, record payment.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryOperation(func() error {
		query := `
		INSERT INTO completions
			(merchant_payment_id, state, policy_number, error_code, error_message, manual_review, attempts, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			record.MerchantPaymentID,
			string(record.State),
			record.PolicyNumber,
			record.ErrorCode,
			record.ErrorMessage,
			boolToInt(record.ManualReview),
			record.Attempts,
			record.CompletedAt,
		)
		return err
	}, 3)
}

// CallbackEntry is a stored verdict row
type CallbackEntry struct {
	MerchantPaymentID string    `json:"merchantPaymentId"`
	Channel           string    `json:"channel"`
	Success           bool      `json:"success"`
	LowConfidence     bool      `json:"lowConfidence"`
	ResponseCode      string    `json:"responseCode"`
	ResponseMessage   string    `json:"responseMessage"`
	MDStatus          string    `json:"mdStatus"`
	TransactionID     string    `json:"transactionId"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// CompletionEntry is a stored terminal outcome row
type CompletionEntry struct {
	MerchantPaymentID string    `json:"merchantPaymentId"`
	State             string    `json:"state"`
	PolicyNumber      string    `json:"policyNumber"`
	ErrorCode         string    `json:"errorCode"`
	ErrorMessage      string    `json:"errorMessage"`
	ManualReview      bool      `json:"manualReview"`
	Attempts          int       `json:"attempts"`
	CompletedAt       time.Time `json:"completedAt"`
}

// History returns everything recorded for a merchant payment id
func (s *SQLiteTrail) History(ctx context.Context, merchantPaymentID string) ([]CallbackEntry, []CompletionEntry, error) {
	callbacks, err := s.callbacks(ctx, merchantPaymentID)
	if err != nil {
		return nil, nil, err
	}

	completions, err := s.completions(ctx, merchantPaymentID)
	if err != nil {
		return nil, nil, err
	}

	return callbacks, completions, nil
}

func (s *SQLiteTrail) callbacks(ctx context.Context, merchantPaymentID string) ([]CallbackEntry, error) {
	query := `
	SELECT merchant_payment_id, channel, success, low_confidence, response_code, response_message, md_status, transaction_id, received_at
	FROM callback_results WHERE merchant_payment_id = ? ORDER BY received_at
	`
	rows, err := s.db.QueryContext(ctx, query, merchantPaymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CallbackEntry
	for rows.Next() {
		var entry CallbackEntry
		var success, lowConfidence int
		if err := rows.Scan(&entry.MerchantPaymentID, &entry.Channel, &success, &lowConfidence,
			&entry.ResponseCode, &entry.ResponseMessage, &entry.MDStatus, &entry.TransactionID, &entry.ReceivedAt); err != nil {
			return nil, err
		}
		entry.Success = success == 1
		entry.LowConfidence = lowConfidence == 1
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteTrail) completions(ctx context.Context, merchantPaymentID string) ([]CompletionEntry, error) {
	query := `
	SELECT merchant_payment_id, state, policy_number, error_code, error_message, manual_review, attempts, completed_at
	FROM completions WHERE merchant_payment_id = ? ORDER BY completed_at
	`
	rows, err := s.db.QueryContext(ctx, query, merchantPaymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CompletionEntry
	for rows.Next() {
		var entry CompletionEntry
		var manualReview int
		if err := rows.Scan(&entry.MerchantPaymentID, &entry.State, &entry.PolicyNumber,
			&entry.ErrorCode, &entry.ErrorMessage, &manualReview, &entry.Attempts, &entry.CompletedAt); err != nil {
			return nil, err
		}
		entry.ManualReview = manualReview == 1
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PendingReview returns completions flagged for manual back-office review
func (s *SQLiteTrail) PendingReview(ctx context.Context) ([]CompletionEntry, error) {
	query := `
	SELECT merchant_payment_id, state, policy_number, error_code, error_message, manual_review, attempts, completed_at
	FROM completions WHERE manual_review = 1 ORDER BY completed_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CompletionEntry
	for rows.Next() {
		var entry CompletionEntry
		var manualReview int
		if err := rows.Scan(&entry.MerchantPaymentID, &entry.State, &entry.PolicyNumber,
			&entry.ErrorCode, &entry.ErrorMessage, &manualReview, &entry.Attempts, &entry.CompletedAt); err != nil {
			return nil, err
		}
		entry.ManualReview = manualReview == 1
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteTrail) Close() error {
	return s.db.Close()
}

// sensitiveRawKeys are payload fields that must never be persisted
var sensitiveRawKeys = []string{"pan", "cardnumber", "card_number", "cvv", "cvv2", "cvc", "merchantpassword"}

func sanitizeRaw(raw map[string]string) map[string]string {
	if raw == nil {
		return nil
	}

	clean := make(map[string]string, len(raw))
	for key, value := range raw {
		lowered := strings.ToLower(key)
		sensitive := false
		for _, blocked := range sensitiveRawKeys {
			if lowered == blocked || strings.Contains(lowered, blocked) {
				sensitive = true
				break
			}
		}
		if sensitive {
			clean[key] = "[REDACTED]"
			continue
		}
		clean[key] = value
	}
	return clean
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
