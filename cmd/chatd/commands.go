package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatd/cmd/internal/app"
	"chatd/cmd/internal/auth"
	"chatd/cmd/internal/chat"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatd",
		Short: "Conversational messaging server",
		Long: `chatd serves conversations, messages, receipts, typing and presence over REST and WebSocket.

Configuration comes from CHATD_* environment variables, a .env file in the working directory and an
optional YAML file (--config or CHATD_CONFIG_FILE).`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path = strings.TrimSpace(path); path != "" {
				return os.Setenv("CHATD_CONFIG_FILE", path)
			}
			return nil
		},
		RunE: runServe,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringP("config", "c", "", "YAML config file (overrides CHATD_CONFIG_FILE)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newKeygenCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return app.Serve(ctx)
}

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema (idempotent)",
		Long: `Apply the embedded schema to CHATD_DATABASE_URL under CHATD_DB_SCHEMA.

Safe to run repeatedly and from several replicas at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("migrate: CHATD_DATABASE_URL is not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := app.Migrate(ctx, cfg); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", cfg.DBSchema)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PASETO v4.public keypair",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			secret, public := auth.GenerateKeyPair()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CHATD_PASETO_V4_SECRET_KEY_HEX=%s\n", secret)
			fmt.Fprintf(out, "CHATD_PASETO_V4_PUBLIC_KEY_HEX=%s\n", public)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID   string
		userType string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Long: `Sign an access token with CHATD_PASETO_V4_SECRET_KEY_HEX.

Production tokens come from the identity service; this exists for local testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.LoadEnvLayers(); err != nil {
				return err
			}
			cfg, err := auth.LoadConfigFromEnv(auth.DefaultConfig())
			if err != nil {
				return fmt.Errorf("token: auth config: %w", err)
			}
			if ttl > 0 {
				cfg.AccessTokenTTL = ttl
			}
			iss, err := auth.NewIssuer(cfg)
			if err != nil {
				return fmt.Errorf("token: CHATD_PASETO_V4_SECRET_KEY_HEX is missing or invalid: %w", err)
			}
			tok, exp, err := iss.Issue(strings.TrimSpace(userID), chat.ParticipantType(strings.ToLower(userType)), time.Now().UTC())
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "participant id (required)")
	cmd.Flags().StringVar(&userType, "type", string(chat.ParticipantCustomer), "participant type: customer, partner or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default CHATD_AUTH_ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
