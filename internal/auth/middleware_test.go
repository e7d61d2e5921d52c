package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeVerifier struct {
	tokens map[string]*Claims
}

func (f *fakeVerifier) Verify(_ context.Context, raw string) (*Claims, error) {
	if c, ok := f.tokens[raw]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

func TestMiddleware_Handler(t *testing.T) {
	verifier := &fakeVerifier{tokens: map[string]*Claims{
		"good":    {Subject: "alice", Roles: []string{"operator"}},
		"expired": {Subject: "bob", Expiry: time.Now().Add(-time.Minute)},
		"norole":  {Subject: "carol"},
	}}
	m := NewMiddleware(verifier, &MiddlewareConfig{
		Enabled:       true,
		PublicRoutes:  []string{"/api/v1/task-runs/*/*/outputs.zip"},
		RequiredRoles: []string{"operator"},
	}, nil)

	var seen *Claims
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/health", "", http.StatusNoContent},
		{"metrics is public", "/metrics", "", http.StatusNoContent},
		{"output submission is public", "/api/v1/task-runs/r1/s3cr3t/outputs.zip", "", http.StatusNoContent},
		{"output download is protected", "/api/v1/task-runs/r1/outputs.zip", "", http.StatusUnauthorized},
		{"missing header", "/api/v1/tasks", "", http.StatusUnauthorized},
		{"not a bearer token", "/api/v1/tasks", "Basic abc", http.StatusUnauthorized},
		{"unknown token", "/api/v1/tasks", "Bearer nope", http.StatusUnauthorized},
		{"expired token", "/api/v1/tasks", "Bearer expired", http.StatusUnauthorized},
		{"missing role", "/api/v1/tasks", "Bearer norole", http.StatusForbidden},
		{"valid token", "/api/v1/tasks", "Bearer good", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.name == "valid token" && (seen == nil || seen.Subject != "alice") {
				t.Errorf("claims in context = %+v, want alice", seen)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: false}, nil)
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestPerIPRateLimiter(t *testing.T) {
	rl := NewPerIPRateLimiter(1, 2)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded status = %d, want 429", code)
	}
	if code := do("10.0.0.2"); code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", code)
	}

	rl.evict(time.Now().Add(time.Hour))
	if len(rl.limiters) != 0 {
		t.Errorf("%d limiters left after eviction", len(rl.limiters))
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.9:80", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.9:80", "5.6.7.8"},
		{"remote addr", nil, "10.0.0.9:80", "10.0.0.9"},
		{"ipv6 remote addr", nil, "[::1]:80", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaims(t *testing.T) {
	c := &Claims{Roles: []string{"admin"}, Groups: []string{"lab"}}
	if !c.HasRole("admin") || c.HasRole("viewer") {
		t.Error("HasRole() mismatch")
	}
	if !c.HasGroup("lab") || c.HasGroup("other") {
		t.Error("HasGroup() mismatch")
	}
	if c.IsExpired() {
		t.Error("zero expiry must not be expired")
	}
}
