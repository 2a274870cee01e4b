package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApp(t *testing.T) {
	// Save original env values
	originalValues := map[string]string{
		"APP_PORT":               os.Getenv("APP_PORT"),
		"GATEWAY_NAME":           os.Getenv("GATEWAY_NAME"),
		"GATEWAY_PRODUCTION":     os.Getenv("GATEWAY_PRODUCTION"),
		"TRANSACTION_TTL":        os.Getenv("TRANSACTION_TTL"),
		"ALLOWED_REDIRECT_HOSTS": os.Getenv("ALLOWED_REDIRECT_HOSTS"),
	}

	for key := range originalValues {
		os.Unsetenv(key)
	}
	Reset()

	defer func() {
		for key, value := range originalValues {
			if value != "" {
				os.Setenv(key, value)
			} else {
				os.Unsetenv(key)
			}
		}
		Reset()
	}()

	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, config *AppConfig)
	}{
		{
			name:    "default_values",
			envVars: map[string]string{},
			check: func(t *testing.T, config *AppConfig) {
				assert.Equal(t, "9099", config.Port)
				assert.Equal(t, "msu", config.GatewayName)
				assert.False(t, config.GatewayProduction)
				assert.Equal(t, 5*time.Minute, config.TransactionTTL)
				assert.Equal(t, []string{"localhost"}, config.AllowedRedirectHosts)
			},
		},
		{
			name: "custom_values",
			envVars: map[string]string{
				"APP_PORT":               "8080",
				"GATEWAY_PRODUCTION":     "true",
				"TRANSACTION_TTL":        "90s",
				"ALLOWED_REDIRECT_HOSTS": "shop.example.com, pay.example.com",
			},
			check: func(t *testing.T, config *AppConfig) {
				assert.Equal(t, "8080", config.Port)
				assert.True(t, config.GatewayProduction)
				assert.Equal(t, 90*time.Second, config.TransactionTTL)
				assert.Equal(t, []string{"shop.example.com", "pay.example.com"}, config.AllowedRedirectHosts)
			},
		},
		{
			name: "invalid_values_fall_back_to_defaults",
			envVars: map[string]string{
				"GATEWAY_PRODUCTION": "invalid",
				"TRANSACTION_TTL":    "not-a-duration",
			},
			check: func(t *testing.T, config *AppConfig) {
				assert.False(t, config.GatewayProduction)
				assert.Equal(t, 5*time.Minute, config.TransactionTTL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Reset()

			for key, value := range tt.envVars {
				os.Setenv(key, value)
			}

			config := App()
			require.NotNil(t, config)
			tt.check(t, config)

			// Singleton behavior
			assert.Equal(t, config, App())

			for key := range tt.envVars {
				os.Unsetenv(key)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "env_var_exists",
			key:          "TEST_ENV_VAR",
			defaultValue: "default",
			envValue:     "custom",
			expected:     "custom",
		},
		{
			name:         "env_var_not_exists",
			key:          "NON_EXISTENT_VAR",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv(tt.key)

			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := GetEnv(tt.key, tt.defaultValue)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue bool
		envValue     string
		expected     bool
	}{
		{
			name:         "true_string",
			key:          "TEST_BOOL_VAR",
			defaultValue: false,
			envValue:     "true",
			expected:     true,
		},
		{
			name:         "false_string",
			key:          "TEST_BOOL_VAR",
			defaultValue: true,
			envValue:     "false",
			expected:     false,
		},
		{
			name:         "1_string",
			key:          "TEST_BOOL_VAR",
			defaultValue: false,
			envValue:     "1",
			expected:     true,
		},
		{
			name:         "invalid_string_returns_default",
			key:          "TEST_BOOL_VAR",
			defaultValue: true,
			envValue:     "invalid",
			expected:     true,
		},
		{
			name:         "non_existent_var_returns_default",
			key:          "NON_EXISTENT_BOOL",
			defaultValue: true,
			envValue:     "",
			expected:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv(tt.key)

			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := GetBoolEnv(tt.key, tt.defaultValue)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		expected     int
	}{
		{
			name:         "valid_int",
			key:          "TEST_INT_VAR",
			defaultValue: 0,
			envValue:     "123",
			expected:     123,
		},
		{
			name:         "invalid_string_returns_default",
			key:          "TEST_INT_VAR",
			defaultValue: 42,
			envValue:     "invalid",
			expected:     42,
		},
		{
			name:         "non_existent_var_returns_default",
			key:          "NON_EXISTENT_INT",
			defaultValue: 777,
			envValue:     "",
			expected:     777,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv(tt.key)

			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := GetIntEnv(tt.key, tt.defaultValue)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		expected     time.Duration
	}{
		{
			name:         "valid_duration",
			key:          "TEST_DURATION_VAR",
			defaultValue: time.Second,
			envValue:     "2m30s",
			expected:     2*time.Minute + 30*time.Second,
		},
		{
			name:         "invalid_string_returns_default",
			key:          "TEST_DURATION_VAR",
			defaultValue: 10 * time.Second,
			envValue:     "fast",
			expected:     10 * time.Second,
		},
		{
			name:         "non_existent_var_returns_default",
			key:          "NON_EXISTENT_DURATION",
			defaultValue: time.Minute,
			envValue:     "",
			expected:     time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv(tt.key)

			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := GetDurationEnv(tt.key, tt.defaultValue)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b "))
	assert.Equal(t, []string{"a"}, splitList("a,,"))
	assert.Empty(t, splitList(""))
}
