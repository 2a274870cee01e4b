package middle

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func TestRateLimiter(t *testing.T) {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     2, // 2 requests per window
		window:   time.Second,
	}

	clientIP := "192.168.1.1"

	if !rl.Allow(clientIP) {
		t.Error("First request should be allowed")
	}
	if !rl.Allow(clientIP) {
		t.Error("Second request should be allowed")
	}
	if rl.Allow(clientIP) {
		t.Error("Third request should be blocked")
	}

	// A different client has its own budget
	if !rl.Allow("10.0.0.7") {
		t.Error("Other clients should not be affected")
	}

	// After waiting for the window, requests should be allowed again
	time.Sleep(time.Second + 100*time.Millisecond)
	if !rl.Allow(clientIP) {
		t.Error("Request after window should be allowed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     1,
		window:   time.Second,
	}

	handler := RateLimitMiddleware(rl)(okHandler())

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "192.168.1.2:12345"
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Errorf("First request: expected 200, got %d", rr1.Code)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "192.168.1.2:12345"
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: expected 429, got %d", rr2.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{
			name:       "x_forwarded_for_single",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.5",
		},
		{
			name:       "x_forwarded_for_chain_takes_first",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "203.0.113.5",
		},
		{
			name:       "x_real_ip",
			headers:    map[string]string{"X-Real-IP": "198.51.100.9"},
			remoteAddr: "10.0.0.1:1234",
			expected:   "198.51.100.9",
		},
		{
			name:       "remote_addr_fallback",
			headers:    map[string]string{},
			remoteAddr: "192.0.2.44:5678",
			expected:   "192.0.2.44",
		},
		{
			name:       "ipv6_loopback",
			headers:    map[string]string{},
			remoteAddr: "[::1]:5678",
			expected:   "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}

			if got := GetClientIP(req); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	expected := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for header, value := range expected {
		if got := rr.Header().Get(header); got != value {
			t.Errorf("Expected %s=%s, got %s", header, value, got)
		}
	}
}

func TestRequestValidationMiddleware(t *testing.T) {
	handler := RequestValidationMiddleware()(okHandler())

	tests := []struct {
		name           string
		method         string
		path           string
		contentType    string
		expectedStatus int
	}{
		{
			name:           "json_post_allowed",
			method:         "POST",
			path:           "/v1/checkout",
			contentType:    "application/json",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "form_post_rejected_outside_callbacks",
			method:         "POST",
			path:           "/v1/checkout",
			contentType:    "application/x-www-form-urlencoded",
			expectedStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:           "form_post_allowed_on_callbacks",
			method:         "POST",
			path:           "/v1/callbacks/gateway",
			contentType:    "application/x-www-form-urlencoded",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing_content_type_rejected",
			method:         "POST",
			path:           "/v1/checkout",
			contentType:    "",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing_content_type_allowed_on_callbacks",
			method:         "POST",
			path:           "/v1/callbacks/redirect",
			contentType:    "",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "get_not_validated",
			method:         "GET",
			path:           "/v1/payments/INS-1",
			contentType:    "",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("body"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestRequestValidationMiddleware_BodyTooLarge(t *testing.T) {
	handler := RequestValidationMiddleware()(okHandler())

	req := httptest.NewRequest("POST", "/v1/checkout", strings.NewReader("x"))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 2 * 1024 * 1024

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rr.Code)
	}
}

func TestIPWhitelistMiddleware(t *testing.T) {
	handler := IPWhitelistMiddleware()(okHandler())

	// No whitelist configured: everything passes
	os.Unsetenv("IP_WHITELIST")
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.0.2.1:1000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 without whitelist, got %d", rr.Code)
	}

	os.Setenv("IP_WHITELIST", "203.0.113.5, 198.51.100.9")
	defer os.Unsetenv("IP_WHITELIST")

	allowed := httptest.NewRequest("GET", "/test", nil)
	allowed.RemoteAddr = "203.0.113.5:1000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, allowed)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for whitelisted IP, got %d", rr.Code)
	}

	blocked := httptest.NewRequest("GET", "/test", nil)
	blocked.RemoteAddr = "192.0.2.66:1000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, blocked)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for unknown IP, got %d", rr.Code)
	}
}
