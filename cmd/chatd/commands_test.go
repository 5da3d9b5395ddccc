package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"chatd/cmd/internal/auth"
)

func TestKeygenAndToken(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"keygen"})
	if err := root.Execute(); err != nil {
		t.Fatalf("keygen: %v", err)
	}

	var secret, public string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		k, v, _ := strings.Cut(line, "=")
		switch k {
		case "CHATD_PASETO_V4_SECRET_KEY_HEX":
			secret = v
		case "CHATD_PASETO_V4_PUBLIC_KEY_HEX":
			public = v
		}
	}
	if secret == "" || public == "" {
		t.Fatalf("keygen output=%q", out.String())
	}

	t.Setenv("CHATD_CONFIG_FILE", "")
	t.Setenv("CHATD_AUTH_MODE", "paseto")
	t.Setenv("CHATD_AUTH_ISSUER", "")
	t.Setenv("CHATD_AUTH_CLOCK_SKEW", "")
	t.Setenv("CHATD_AUTH_ACCESS_TTL", "")
	t.Setenv("CHATD_PASETO_V4_SECRET_KEY_HEX", secret)
	t.Setenv("CHATD_PASETO_V4_PUBLIC_KEY_HEX", public)

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--user", "partner-9", "--type", "Partner", "--ttl", "2m"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	cfg := auth.DefaultConfig()
	cfg.PublicKeyHex = public
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	claims, err := v.Verify(strings.TrimSpace(out.String()), time.Now().UTC())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "partner-9" || claims.UserType != "partner" {
		t.Fatalf("claims=%+v", claims)
	}
	if d := time.Until(claims.ExpiresAt); d > 2*time.Minute+time.Second {
		t.Fatalf("ttl flag ignored: expires in %v", d)
	}
}

func TestTokenRequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	if err := root.Execute(); err == nil {
		t.Fatalf("token without --user succeeded")
	}
}
