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

	JWTSecret string `mapstructure:"JWT_SECRET"`

	SyncWorkers        int           `mapstructure:"SYNC_WORKERS"`
	SyncMaxAttempts    int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncBackoffBase    time.Duration `mapstructure:"SYNC_BACKOFF_BASE"`
	SyncBackoffCap     time.Duration `mapstructure:"SYNC_BACKOFF_CAP"`
	SyncPromoteAfter   time.Duration `mapstructure:"SYNC_PROMOTE_AFTER"`
	SyncRequestTimeout time.Duration `mapstructure:"SYNC_REQUEST_TIMEOUT"`

	WebhookSubmitRetries int `mapstructure:"WEBHOOK_SUBMIT_RETRIES"`
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
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 5)
	v.SetDefault("SYNC_BACKOFF_BASE", "2s")
	v.SetDefault("SYNC_BACKOFF_CAP", "5m")
	v.SetDefault("SYNC_PROMOTE_AFTER", "5m")
	v.SetDefault("SYNC_REQUEST_TIMEOUT", "30s")
	v.SetDefault("WEBHOOK_SUBMIT_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("SYNC_WORKERS")
	v.BindEnv("SYNC_MAX_ATTEMPTS")
	v.BindEnv("SYNC_BACKOFF_BASE")
	v.BindEnv("SYNC_BACKOFF_CAP")
	v.BindEnv("SYNC_PROMOTE_AFTER")
	v.BindEnv("SYNC_REQUEST_TIMEOUT")
	v.BindEnv("WEBHOOK_SUBMIT_RETRIES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SyncWorkers < 1 {
		return nil, fmt.Errorf("SYNC_WORKERS must be at least 1")
	}
	if cfg.SyncMaxAttempts < 1 {
		return nil, fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.SyncBackoffBase <= 0 || cfg.SyncBackoffCap < cfg.SyncBackoffBase {
		return nil, fmt.Errorf("backoff cap must be >= base and both positive")
	}
	if !cfg.IsDev() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required outside development")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Auth is bypassed for every request.")
		log.Println("WARNING: Do NOT use this configuration in production.")
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
