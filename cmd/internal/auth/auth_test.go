package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"chatd/cmd/internal/chat"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	secret, public := GenerateKeyPair()
	cfg := DefaultConfig()
	cfg.SecretKeyHex = secret
	cfg.PublicKeyHex = public
	return cfg
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	iss, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	ver, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	now := time.Now().UTC()
	tok, exp, err := iss.Issue("partner-7", chat.ParticipantPartner, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := ver.Verify(tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "partner-7" || claims.UserType != chat.ParticipantPartner || claims.Issuer != "chatd" {
		t.Fatalf("claims=%+v", claims)
	}

	if _, err := ver.Verify(tok, now.Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err=%v", err)
	}
	if _, err := ver.Verify(tok+"x", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token err=%v", err)
	}
}

func TestVerify_RejectsOtherIssuerAndKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	iss, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	now := time.Now().UTC()
	tok, _, err := iss.Issue("u1", chat.ParticipantCustomer, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := cfg
	other.Issuer = "someone-else"
	v, err := NewVerifier(other)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("issuer mismatch err=%v", err)
	}

	foreign := testConfig(t)
	v, err = NewVerifier(foreign)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("key mismatch err=%v", err)
	}
}

func TestNewVerifier_FromSecretOnly(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.PublicKeyHex = ""
	if _, err := NewVerifier(cfg); err != nil {
		t.Fatalf("NewVerifier(secret only): %v", err)
	}
	cfg.SecretKeyHex = ""
	if _, err := NewVerifier(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("NewVerifier(no keys) err=%v", err)
	}
	cfg.PublicKeyHex = "zz"
	if _, err := NewVerifier(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("NewVerifier(bad hex) err=%v", err)
	}
}

func TestTokenResolver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	iss, _ := NewIssuer(cfg)
	ver, _ := NewVerifier(cfg)
	now := time.Now().UTC()
	res := NewTokenResolver(ver, func() time.Time { return now })

	tok, _, err := iss.Issue("admin-1", chat.ParticipantAdmin, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/chat/conversations", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	c, err := res.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve(header): %v", err)
	}
	if c.ID != "admin-1" || c.Type != chat.ParticipantAdmin {
		t.Fatalf("caller=%+v", c)
	}

	r = httptest.NewRequest("GET", "/ws?access_token="+tok, nil)
	if c, err = res.Resolve(r); err != nil || c.ID != "admin-1" {
		t.Fatalf("Resolve(query)=%+v err=%v", c, err)
	}

	r = httptest.NewRequest("GET", "/chat/conversations", nil)
	if _, err := res.Resolve(r); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("Resolve(none) err=%v", err)
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := res.Resolve(r); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("Resolve(basic) err=%v", err)
	}

	if _, err := res.ResolveToken("garbage"); !IsAuthError(err) {
		t.Fatalf("ResolveToken(garbage) err=%v", err)
	}
}

func TestHeaderResolver(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id, typ  string
		wantID   string
		wantType chat.ParticipantType
		wantErr  error
	}{
		{"u1", "", "u1", chat.ParticipantCustomer, nil},
		{" p1 ", "Partner", "p1", chat.ParticipantPartner, nil},
		{"", "admin", "", "", ErrMissingIdentity},
		{"u1", "robot", "", "", ErrInvalidToken},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if tc.id != "" {
			r.Header.Set(HeaderUserID, tc.id)
		}
		if tc.typ != "" {
			r.Header.Set(HeaderUserType, tc.typ)
		}
		c, err := HeaderResolver{}.Resolve(r)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Resolve(%q,%q) err=%v want=%v", tc.id, tc.typ, err, tc.wantErr)
			}
			continue
		}
		if err != nil || c.ID != tc.wantID || c.Type != tc.wantType {
			t.Fatalf("Resolve(%q,%q)=%+v err=%v", tc.id, tc.typ, c, err)
		}
	}
}

func TestCallerContext(t *testing.T) {
	t.Parallel()

	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatalf("empty context has a caller")
	}
	ctx := WithCaller(context.Background(), chat.Caller{ID: "u1", Type: chat.ParticipantCustomer})
	c, ok := CallerFrom(ctx)
	if !ok || c.ID != "u1" {
		t.Fatalf("CallerFrom=%+v ok=%v", c, ok)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	_, public := GenerateKeyPair()

	t.Setenv("CHATD_AUTH_MODE", "")
	t.Setenv("CHATD_PASETO_V4_PUBLIC_KEY_HEX", "")
	t.Setenv("CHATD_PASETO_V4_SECRET_KEY_HEX", "")
	if _, err := LoadConfigFromEnv(DefaultConfig()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig without keys, got %v", err)
	}

	t.Setenv("CHATD_AUTH_MODE", "header")
	if _, err := LoadConfigFromEnv(DefaultConfig()); err != nil {
		t.Fatalf("header mode needs no keys: %v", err)
	}

	t.Setenv("CHATD_AUTH_MODE", "paseto")
	t.Setenv("CHATD_PASETO_V4_PUBLIC_KEY_HEX", public)
	t.Setenv("CHATD_AUTH_ISSUER", "chatd-test")
	t.Setenv("CHATD_AUTH_CLOCK_SKEW", "10s")
	cfg, err := LoadConfigFromEnv(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "chatd-test" || cfg.ClockSkew != 10*time.Second || cfg.PublicKeyHex != public {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("CHATD_AUTH_CLOCK_SKEW", "-1s")
	if _, err := LoadConfigFromEnv(DefaultConfig()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative skew, got %v", err)
	}

	t.Setenv("CHATD_AUTH_CLOCK_SKEW", "")
	t.Setenv("CHATD_AUTH_MODE", "ldap")
	if _, err := LoadConfigFromEnv(DefaultConfig()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for unknown mode, got %v", err)
	}
}
