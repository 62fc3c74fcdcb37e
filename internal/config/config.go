package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Identity of this system and the exchange peer, as URNs.
	LocalSystemURN  string `mapstructure:"LOCAL_SYSTEM_URN"`
	RemoteSystemURN string `mapstructure:"REMOTE_SYSTEM_URN"`

	// Exchange transport.
	ExchangeBaseURL string        `mapstructure:"EXCHANGE_BASE_URL"`
	ExchangeSecret  string        `mapstructure:"EXCHANGE_SECRET"`
	ExchangeTimeout time.Duration `mapstructure:"EXCHANGE_TIMEOUT"`

	// Sync worker pool.
	SyncWorkers      int           `mapstructure:"SYNC_WORKERS"`
	SyncBatchSize    int           `mapstructure:"SYNC_BATCH_SIZE"`
	SyncPollInterval time.Duration `mapstructure:"SYNC_POLL_INTERVAL"`
	SyncItemTimeout  time.Duration `mapstructure:"SYNC_ITEM_TIMEOUT"`
	SyncMaxAttempts  int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncLease        time.Duration `mapstructure:"SYNC_LEASE"`

	// Auth.
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EXCHANGE_TIMEOUT", "15s")
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_BATCH_SIZE", 10)
	v.SetDefault("SYNC_POLL_INTERVAL", "2s")
	v.SetDefault("SYNC_ITEM_TIMEOUT", "30s")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_LEASE", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("LOCAL_SYSTEM_URN")
	v.BindEnv("REMOTE_SYSTEM_URN")
	v.BindEnv("EXCHANGE_BASE_URL")
	v.BindEnv("EXCHANGE_SECRET")
	v.BindEnv("EXCHANGE_TIMEOUT")
	v.BindEnv("SYNC_WORKERS")
	v.BindEnv("SYNC_BATCH_SIZE")
	v.BindEnv("SYNC_POLL_INTERVAL")
	v.BindEnv("SYNC_ITEM_TIMEOUT")
	v.BindEnv("SYNC_MAX_ATTEMPTS")
	v.BindEnv("SYNC_LEASE")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER or")
		log.Println("WARNING: AUTH_SIGNING_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In non-development
// modes either AUTH_ISSUER (token verification via JWKS) or AUTH_SIGNING_KEY
// (shared-secret HMAC) must be set so that real JWT authentication is
// enforced, and the exchange identity URNs must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q. "+
					"Refusing to start without authentication configuration", c.Env)
		}
	}

	if c.LocalSystemURN == "" {
		return fmt.Errorf("LOCAL_SYSTEM_URN is required")
	}
	if c.RemoteSystemURN == "" {
		return fmt.Errorf("REMOTE_SYSTEM_URN is required")
	}
	if c.ExchangeBaseURL == "" {
		return fmt.Errorf("EXCHANGE_BASE_URL is required")
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.SyncMaxAttempts)
	}

	return nil
}
