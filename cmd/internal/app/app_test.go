package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatd/cmd/internal/auth"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testApp(t *testing.T) *App {
	t.Helper()

	cfg := configFromEnv()
	cfg.Store = StoreMemory
	cfg.LogFormat = "json"
	cfg.TrustIdentityHeaders = true
	cfg.CORSAllowedOrigins = nil

	authCfg := auth.DefaultConfig()
	authCfg.Mode = auth.ModeHeader

	a, err := New(cfg, authCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		a.Close()
		cancel()
	})
	return a
}

func TestApp_Routes(t *testing.T) {
	a := testApp(t)
	h := a.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, rr.Code)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/chat/conversations", strings.NewReader(`{"participantIds":["bob"]}`))
	req.Header.Set(auth.HeaderUserID, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create conversation status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chatd_http_request_duration_seconds") {
		t.Fatalf("metrics status=%d missing route histogram", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/conversations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d want=401", rr.Code)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cfg := configFromEnv()
	cfg.Store = StoreMemory
	cfg.LogFormat = "json"
	cfg.ReadinessRequireDB = true
	cfg.TrustIdentityHeaders = true

	authCfg := auth.DefaultConfig()
	authCfg.Mode = auth.ModeHeader

	a, err := New(cfg, authCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d want=503", rr.Code)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	header := auth.DefaultConfig()
	header.Mode = auth.ModeHeader

	if err := ValidateSecurityConfig(Config{}, header); err == nil {
		t.Fatalf("header identity without trust flag accepted")
	}
	if err := ValidateSecurityConfig(Config{TrustIdentityHeaders: true}, header); err != nil {
		t.Fatalf("trusted header identity rejected: %v", err)
	}
	wild := Config{CORSAllowCredentials: true, CORSAllowedOrigins: []string{"*"}}
	if err := ValidateSecurityConfig(wild, auth.DefaultConfig()); err == nil {
		t.Fatalf("credentialed wildcard CORS accepted")
	}
}
