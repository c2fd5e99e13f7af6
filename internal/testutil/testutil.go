package testutil

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
)

// TestConfig creates a gateway configuration suitable for in-process tests:
// memory blacklist, no gRPC listener, tracing off.
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.GRPCPort = 0
	cfg.Blacklist.Store = config.StoreMemory
	cfg.Tracing.Enabled = false
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// BrowserHeaders returns headers a mainstream browser would send, so header
// heuristics score the request as human.
func BrowserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	return h
}

// GatewayRequest builds a request arriving from ip with browser headers.
func GatewayRequest(method, target, ip string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = ip + ":40000"
	for k, v := range BrowserHeaders() {
		req.Header[k] = v
	}
	return req
}

// RandomPublicIP returns an address from 11.0.0.0/8, which no private or
// reserved range covers.
func RandomPublicIP(rng *rand.Rand) string {
	return fmt.Sprintf("11.%d.%d.%d", rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
}

// AssertHTTPStatus verifies that the HTTP response has the expected status code
func AssertHTTPStatus(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	if recorder.Code != expectedStatus {
		t.Errorf("Expected HTTP status %d, got %d: %s", expectedStatus, recorder.Code, recorder.Body.String())
	}
}

// AssertHTTPHeader verifies that the HTTP response has the expected header value
func AssertHTTPHeader(t *testing.T, recorder *httptest.ResponseRecorder, header, expectedValue string) {
	t.Helper()

	actualValue := recorder.Header().Get(header)
	if actualValue != expectedValue {
		t.Errorf("Expected header %s to be %q, got %q", header, expectedValue, actualValue)
	}
}

// AssertContains verifies that a string contains a substring
func AssertContains(t *testing.T, str, substr string) {
	t.Helper()

	if !strings.Contains(str, substr) {
		t.Errorf("Expected string to contain %s, but it doesn't: %s", substr, str)
	}
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}

	t.Fatalf("Condition not met within timeout %v", timeout)
}

// ConcurrentTest runs testFunc on concurrency goroutines and fails if any
// of them panics.
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	done := make(chan bool, concurrency)
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func(index int) {
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
				done <- true
			}()

			testFunc(index)
		}(i)
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}

	select {
	case err := <-errors:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}
