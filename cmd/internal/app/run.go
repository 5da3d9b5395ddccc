package app

import (
	"context"

	"chatd/cmd/internal/auth"
)

// Serve loads configuration, builds the App and runs it until ctx is done.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	authCfg, err := auth.LoadConfigFromEnv(auth.DefaultConfig())
	if err != nil {
		log.Error("auth.config.fail", "err", err)
		return err
	}

	a, err := New(cfg, authCfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
