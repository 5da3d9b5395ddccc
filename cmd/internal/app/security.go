package app

import (
	"errors"
	"slices"

	"chatd/cmd/internal/auth"
)

// ValidateSecurityConfig enforces chatd's security policy at startup.
//
//   - Header identity is only honoured when the operator confirms a gateway strips client-sent
//     identity headers.
//   - Credentialed CORS must name its origins.
func ValidateSecurityConfig(cfg Config, authCfg auth.Config) error {
	if authCfg.Mode == auth.ModeHeader && !cfg.TrustIdentityHeaders {
		return errors.New("security policy: CHATD_AUTH_MODE=header requires CHATD_TRUST_IDENTITY_HEADERS=true")
	}
	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		return errors.New("security policy: CHATD_CORS_ALLOW_CREDENTIALS=true cannot be combined with origin \"*\"")
	}
	if cfg.WS.DevInsecure && !cfg.WS.OriginRequired && len(cfg.WS.AllowedOrigins) == 0 && authCfg.Mode == auth.ModeHeader {
		return errors.New("security policy: CHATD_WS_DEV_INSECURE with header identity accepts any origin")
	}
	return nil
}
