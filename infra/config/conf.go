package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig represents the application configuration
type AppConfig struct {
	Port    string
	BaseURL string

	// Gateway credentials and endpoints
	GatewayBaseURL    string
	GatewayMerchant   string
	GatewayUser       string
	GatewayPassword   string
	GatewaySecretKey  string
	GatewayName       string
	GatewayProduction bool

	// Downstream policy-issuance API
	PurchaseBaseURL string
	PurchaseAPIKey  string

	// Reconciliation timing
	TransactionTTL     time.Duration
	VaultTTL           time.Duration
	PollInterval       time.Duration
	PollDeadline       time.Duration
	StatusSoftDeadline time.Duration

	// Notifier redirect allow-list and the human-facing confirmation page
	AllowedRedirectHosts []string
	ConfirmationURL      string

	// Observability
	OpenSearchURL  string
	OpenSearchUser string
	OpenSearchPass string
	EnableLogging  bool
	LoggingLevel   string

	// Audit trail
	AuditDBPath string
}

var appConfigInstance *AppConfig

// App returns the application configuration singleton
func App() *AppConfig {
	if appConfigInstance == nil {
		appConfigInstance = &AppConfig{
			Port:    GetEnv("APP_PORT", "9099"),
			BaseURL: GetEnv("APP_URL", "http://localhost:9099"),

			GatewayBaseURL:    GetEnv("GATEWAY_URL", "https://test.merchantsafeunipay.com/msu/api/v2"),
			GatewayMerchant:   GetEnv("GATEWAY_MERCHANT", ""),
			GatewayUser:       GetEnv("GATEWAY_USER", ""),
			GatewayPassword:   GetEnv("GATEWAY_PASSWORD", ""),
			GatewaySecretKey:  GetEnv("GATEWAY_SECRET_KEY", ""),
			GatewayName:       GetEnv("GATEWAY_NAME", "msu"),
			GatewayProduction: GetBoolEnv("GATEWAY_PRODUCTION", false),

			PurchaseBaseURL: GetEnv("PURCHASE_API_URL", "http://localhost:8085"),
			PurchaseAPIKey:  GetEnv("PURCHASE_API_KEY", ""),

			TransactionTTL:     GetDurationEnv("TRANSACTION_TTL", 5*time.Minute),
			VaultTTL:           GetDurationEnv("VAULT_TTL", 10*time.Minute),
			PollInterval:       GetDurationEnv("POLL_INTERVAL", 3*time.Second),
			PollDeadline:       GetDurationEnv("POLL_DEADLINE", 5*time.Minute),
			StatusSoftDeadline: GetDurationEnv("STATUS_SOFT_DEADLINE", 10*time.Second),

			AllowedRedirectHosts: splitList(GetEnv("ALLOWED_REDIRECT_HOSTS", "localhost")),
			ConfirmationURL:      GetEnv("CONFIRMATION_URL", "http://localhost:9099/payment/result"),

			OpenSearchURL:  GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
			OpenSearchUser: GetEnv("OPENSEARCH_USER", ""),
			OpenSearchPass: GetEnv("OPENSEARCH_PASSWORD", ""),
			EnableLogging:  GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
			LoggingLevel:   GetEnv("LOGGING_LEVEL", "info"),

			AuditDBPath: GetEnv("AUDIT_DB_PATH", "data/paycore_audit.db"),
		}
	}
	return appConfigInstance
}

// Reset clears the configuration singleton. Used by tests that mutate the environment.
func Reset() {
	appConfigInstance = nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetDurationEnv returns the duration value of an environment variable or a default value
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
