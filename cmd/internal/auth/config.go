// Package auth resolves the caller identity every chat operation runs as.
//
// Two modes are supported:
//   - paseto: PASETO v4.public bearer tokens carrying "uid" and "utype" claims, verified with the
//     issuer's public key. chatd never needs the secret key except for the dev `token` command.
//   - header: identity is taken from trusted upstream headers (X-Chat-User-ID, X-Chat-User-Type).
//     Only safe behind a gateway that strips these headers from client traffic.
package auth

import (
	"os"
	"strings"
	"time"
)

const (
	ModePaseto = "paseto"
	ModeHeader = "header"
)

// Config defines the identity resolver configuration.
type Config struct {
	// Mode selects the resolver: "paseto" (default) or "header".
	Mode string

	// Issuer is the required "iss" claim.
	Issuer string

	// ClockSkew is tolerated during token validation.
	ClockSkew time.Duration

	// AccessTokenTTL is the lifetime of tokens issued by Issuer (dev tooling only).
	AccessTokenTTL time.Duration

	// PublicKeyHex verifies tokens. Derived from SecretKeyHex when empty.
	PublicKeyHex string

	// SecretKeyHex signs tokens (dev tooling only).
	SecretKeyHex string
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePaseto,
		Issuer:         "chatd",
		ClockSkew:      30 * time.Second,
		AccessTokenTTL: 15 * time.Minute,
	}
}

// LoadConfigFromEnv overlays CHATD_AUTH_* variables on cfg.
//
//   - CHATD_AUTH_MODE (paseto|header)
//   - CHATD_AUTH_ISSUER
//   - CHATD_AUTH_CLOCK_SKEW
//   - CHATD_AUTH_ACCESS_TTL
//   - CHATD_PASETO_V4_PUBLIC_KEY_HEX
//   - CHATD_PASETO_V4_SECRET_KEY_HEX
//
// Returns ErrConfig if the result is invalid.
func LoadConfigFromEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("CHATD_AUTH_MODE")); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("CHATD_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("CHATD_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	if v := os.Getenv("CHATD_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}
	if v := strings.TrimSpace(os.Getenv("CHATD_PASETO_V4_PUBLIC_KEY_HEX")); v != "" {
		cfg.PublicKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATD_PASETO_V4_SECRET_KEY_HEX")); v != "" {
		cfg.SecretKeyHex = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks mode-specific requirements.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeHeader:
		return nil
	case ModePaseto:
		if strings.TrimSpace(c.Issuer) == "" {
			return ErrConfig
		}
		if c.PublicKeyHex == "" && c.SecretKeyHex == "" {
			return ErrConfig
		}
		if c.ClockSkew < 0 || c.AccessTokenTTL <= 0 {
			return ErrConfig
		}
		return nil
	default:
		return ErrConfig
	}
}
