package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/pgdb"
	"chatd/cmd/internal/presence"
	"chatd/cmd/internal/realtime"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	// Per-caller REST limit. Zero rps disables it.
	HTTPRateRPS   float64
	HTTPRateBurst int

	// TrustIdentityHeaders confirms an upstream gateway owns X-Chat-User-* headers.
	TrustIdentityHeaders bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Store selects the message backend: memory, postgres or pebble.
	Store string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool
	PebblePath    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	TypingTTL         time.Duration
	PresenceTTL       time.Duration
	PresenceSweepCron string

	DeliveryWorkers   int
	DeliveryQueueSize int

	PageDefaultLimit int
	PageMaxLimit     int
	MaxTextChars     int

	// OfflineCheckpointLag moves sync checkpoints back to cover appends still running on other
	// instances sharing the database. Zero is exact for a single instance.
	OfflineCheckpointLag time.Duration

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from .env, the optional CHATD_CONFIG_FILE and the environment, in
// increasing order of precedence, and validates the result.
func LoadConfig() (Config, error) {
	if err := LoadEnvLayers(); err != nil {
		return Config{}, err
	}
	cfg := configFromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configFromEnv() Config {
	ws := realtime.DefaultGatewayConfig()
	ws.DevInsecure = EnvBool("CHATD_WS_DEV_INSECURE", ws.DevInsecure)
	ws.OriginRequired = EnvBool("CHATD_WS_ORIGIN_REQUIRED", ws.OriginRequired)
	ws.AllowedOrigins = EnvCSV("CHATD_WS_ALLOWED_ORIGINS", ws.AllowedOrigins)
	ws.WriteTimeout = EnvDuration("CHATD_WS_WRITE_TIMEOUT", ws.WriteTimeout)
	ws.ReadIdleTimeout = EnvDuration("CHATD_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout)
	ws.SendQueueSize = EnvInt("CHATD_WS_SEND_QUEUE", ws.SendQueueSize)
	ws.HeartbeatEvery = EnvDuration("CHATD_WS_HEARTBEAT_INTERVAL", ws.HeartbeatEvery)
	ws.HeartbeatTimeout = EnvDuration("CHATD_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout)
	ws.RateEvents = EnvInt("CHATD_WS_RATE_EVENTS", ws.RateEvents)
	ws.RateWindow = EnvDuration("CHATD_WS_RATE_WINDOW", ws.RateWindow)
	ws.HelloTimeout = EnvDuration("CHATD_WS_HELLO_TIMEOUT", ws.HelloTimeout)

	dbURL := EnvString("CHATD_DATABASE_URL", "")
	store := StoreMemory
	if dbURL != "" {
		store = StorePostgres
	}

	return Config{
		HTTPAddr:  EnvString("CHATD_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHATD_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("CHATD_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("CHATD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATD_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:   EnvBytes("CHATD_HTTP_MAX_BODY", 1<<20),

		HTTPRateRPS:   EnvFloat("CHATD_HTTP_RATE_RPS", 20),
		HTTPRateBurst: EnvInt("CHATD_HTTP_RATE_BURST", 40),

		TrustIdentityHeaders: EnvBool("CHATD_TRUST_IDENTITY_HEADERS", false),

		CORSAllowedOrigins:   EnvCSV("CHATD_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CHATD_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHATD_CORS_MAX_AGE_SECONDS", 600),

		Store: strings.ToLower(EnvString("CHATD_STORE", store)),

		DatabaseURL:   dbURL,
		DBMaxConns:    EnvInt32("CHATD_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CHATD_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("CHATD_DB_SCHEMA", pgdb.DefaultSchema),
		DBAutoMigrate: EnvBool("CHATD_DB_AUTO_MIGRATE", false),
		PebblePath:    EnvString("CHATD_PEBBLE_PATH", "data/chatd"),

		ReadinessRequireDB: EnvBool("CHATD_READINESS_REQUIRE_DB", false),

		TypingTTL:         EnvDuration("CHATD_TYPING_TTL", presence.DefaultTypingTTL),
		PresenceTTL:       EnvDuration("CHATD_PRESENCE_TTL", presence.DefaultOnlineTTL),
		PresenceSweepCron: EnvString("CHATD_PRESENCE_SWEEP_CRON", presence.DefaultSweepCron),

		DeliveryWorkers:   EnvInt("CHATD_DELIVERY_WORKERS", chat.DefaultDeliveryWorkers),
		DeliveryQueueSize: EnvInt("CHATD_DELIVERY_QUEUE_SIZE", chat.DefaultDeliveryQueueSize),

		PageDefaultLimit: EnvInt("CHATD_PAGE_DEFAULT_LIMIT", chat.DefaultPageLimit),
		PageMaxLimit:     EnvInt("CHATD_PAGE_MAX_LIMIT", chat.MaxPageLimit),
		MaxTextChars:     EnvInt("CHATD_MAX_TEXT_CHARS", chat.DefaultMaxTextChars),

		OfflineCheckpointLag: EnvDuration("CHATD_OFFLINE_CHECKPOINT_LAG", 0),

		WS: ws,
	}
}

// Validate rejects combinations that would fail later at wiring time.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: CHATD_STORE=postgres requires CHATD_DATABASE_URL")
		}
	case StorePebble:
		if strings.TrimSpace(c.PebblePath) == "" {
			return fmt.Errorf("config: CHATD_STORE=pebble requires CHATD_PEBBLE_PATH")
		}
	default:
		return fmt.Errorf("config: unknown CHATD_STORE %q (memory|postgres|pebble)", c.Store)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown CHATD_LOG_FORMAT %q (json|pretty)", c.LogFormat)
	}

	if _, err := pgdb.CheckSchema(c.DBSchema); err != nil {
		return fmt.Errorf("config: CHATD_DB_SCHEMA: %w", err)
	}
	if !gronx.IsValid(c.PresenceSweepCron) {
		return fmt.Errorf("config: invalid CHATD_PRESENCE_SWEEP_CRON %q", c.PresenceSweepCron)
	}
	if c.OfflineCheckpointLag < 0 {
		return fmt.Errorf("config: offline checkpoint lag must be >= 0")
	}
	if c.PageDefaultLimit > c.PageMaxLimit {
		return fmt.Errorf("config: page default limit %d exceeds max %d", c.PageDefaultLimit, c.PageMaxLimit)
	}
	return nil
}

// dbRequired reports whether the configuration needs a PostgreSQL pool.
func (c Config) dbRequired() bool {
	return c.Store == StorePostgres
}
