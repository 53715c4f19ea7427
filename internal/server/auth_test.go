package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

var testSecret = []byte("test-secret-at-least-32-bytes-long!!")

func TestIssueAndValidateToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "ops", time.Hour, true)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "ops" || !claims.ReadOnly {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ValidateToken([]byte("some-other-secret-of-enough-length"), tok); err == nil {
		t.Error("token validated with the wrong secret")
	}
	expired, _ := IssueToken(testSecret, "ops", -time.Minute, false)
	if _, err := ValidateToken(testSecret, expired); err == nil {
		t.Error("expired token validated")
	}
	if _, err := IssueToken(nil, "ops", time.Hour, false); err == nil {
		t.Error("IssueToken() with empty secret succeeded")
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSecret = string(testSecret)
	srv := New(cfg, newFakeHost(), nil, zap.NewNop(), nil)
	h := srv.Handler()

	admin, _ := IssueToken(testSecret, "admin", time.Hour, false)
	viewer, _ := IssueToken(testSecret, "viewer", time.Hour, true)

	tests := []struct {
		name     string
		method   string
		path     string
		header   string
		wantCode int
	}{
		{"healthz is public", "GET", "/healthz", "", http.StatusOK},
		{"api without token", "GET", "/api/v1/plugins", "", http.StatusUnauthorized},
		{"api with garbage", "GET", "/api/v1/plugins", "Bearer nope", http.StatusUnauthorized},
		{"api with token", "GET", "/api/v1/plugins", "Bearer " + admin, http.StatusOK},
		{"read-only token reads", "GET", "/api/v1/plugins", "Bearer " + viewer, http.StatusOK},
		{"read-only token writes", "POST", "/api/v1/reload", "Bearer " + viewer, http.StatusForbidden},
		{"admin token writes", "POST", "/api/v1/reload", "Bearer " + admin, http.StatusOK},
		{"ws query token", "GET", "/api/v1/ws/events?token=" + admin, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body)
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate challenge")
			}
		})
	}
}
