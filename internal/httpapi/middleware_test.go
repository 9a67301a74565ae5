package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fastybird/accounts-module/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") != "1" {
		t.Fatalf("unexpected Retry-After header %q", rr2.Header().Get("Retry-After"))
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per client, got %d", rr3.Code)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	original := obs.Logger()
	var buf bytes.Buffer
	obs.SetLogger(zerolog.New(&buf))
	defer obs.SetLogger(original)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set(requestIDHeader, "req-from-client")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"level", "message", "request_id", "method", "path", "status", "duration"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["message"] != "request_complete" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != "req-from-client" {
		t.Fatalf("expected propagated request id, got %v", entry["request_id"])
	}
	if rr.Header().Get(requestIDHeader) != "req-from-client" {
		t.Fatalf("expected request id echoed, got %q", rr.Header().Get(requestIDHeader))
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected generated request id, got %q / %q", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}
}

func TestMaxBodyBytesRejectsLargeBodies(t *testing.T) {
	var decodeErr error
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		decodeErr = decodeJSON(r, &v)
	}), 8)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"uid":"a-very-long-value"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if decodeErr == nil || !strings.Contains(decodeErr.Error(), "too large") {
		t.Fatalf("expected body too large error, got %v", decodeErr)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || token != tc.token {
			t.Fatalf("header %q: got %q, %v", tc.header, token, err)
		}
	}
}

func TestClientAddrTrustsConfiguredProxiesOnly(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	var seen string
	handler := ClientAddr(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientIP(r)
	}), trusted)

	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct client spoofing", "203.0.113.9:5000", "1.2.3.4", "203.0.113.9"},
		{"behind proxy", "10.0.0.5:5000", "198.51.100.7", "198.51.100.7"},
		{"forged leftmost hop", "10.0.0.5:5000", "1.2.3.4, 198.51.100.7", "198.51.100.7"},
		{"proxy chain", "10.0.0.5:5000", "198.51.100.7, 10.1.1.1", "198.51.100.7"},
		{"garbage hop", "10.0.0.5:5000", "nonsense", "10.0.0.5"},
		{"no header", "10.0.0.5:5000", "", "10.0.0.5"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if seen != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, seen)
		}
	}
}

func TestRateLimitIgnoresForwardedForFromClients(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ClientAddr(RateLimit(base, 1, 1), nil)

	first := httptest.NewRequest(http.MethodPost, "/v1/session", nil)
	first.RemoteAddr = "203.0.113.9:5000"
	first.Header.Set("X-Forwarded-For", "1.1.1.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/session", nil)
	second.RemoteAddr = "203.0.113.9:5001"
	second.Header.Set("X-Forwarded-For", "2.2.2.2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rotated X-Forwarded-For to share a bucket, got %d", rr.Code)
	}
}
