package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestIsLoopback(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/admin/usage", nil)
	r.RemoteAddr = "127.0.0.1:12345"
	if !requestIsLoopback(r) {
		t.Fatal("expected loopback request to be true")
	}
	r.RemoteAddr = "[::1]:12345"
	if !requestIsLoopback(r) {
		t.Fatal("expected ipv6 loopback request to be true")
	}
	r.RemoteAddr = "10.1.2.3:12345"
	if requestIsLoopback(r) {
		t.Fatal("expected non-loopback request to be false")
	}
}

func TestAdminTokenSources(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/admin/ws?token=q", nil)
	if got := adminToken(r); got != "q" {
		t.Fatalf("expected query token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer  h ")
	if got := adminToken(r); got != "h" {
		t.Fatalf("expected header token to win, got %q", got)
	}
	if bearerToken(http.Header{"Authorization": []string{"Basic abc"}}) != "" {
		t.Fatal("non-bearer scheme must be ignored")
	}
	if tokenMatches("", "") {
		t.Fatal("empty tokens must never match")
	}
}

func TestPasswordMatches(t *testing.T) {
	tests := []struct {
		configured, got string
		want            bool
	}{
		{"", "", true},
		{"", "anything", true},
		{"pw", "pw", true},
		{"pw", "", false},
		{"pw", "PW", false},
	}
	for _, tc := range tests {
		if got := passwordMatches(tc.configured, tc.got); got != tc.want {
			t.Fatalf("passwordMatches(%q, %q) = %v, want %v", tc.configured, tc.got, got, tc.want)
		}
	}
}

func TestIPRateLimiterForgetsIdleClients(t *testing.T) {
	l := newIPRateLimiter(60, 1)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if !l.allow("10.0.0.1", now) {
		t.Fatal("first request should pass")
	}
	if l.allow("10.0.0.1", now) {
		t.Fatal("burst exhausted, second request should be limited")
	}
	if !l.allow("10.0.0.2", now) {
		t.Fatal("other clients keep their own bucket")
	}
	if !l.allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatal("bucket should refill after one second at 60/min")
	}
	if n := l.prune(now.Add(limiterIdleTTL + 2*time.Second)); n != 2 {
		t.Fatalf("expected 2 idle limiters pruned, got %d", n)
	}
}
