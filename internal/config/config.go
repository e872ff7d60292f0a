package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string   `mapstructure:"REDIS_URL"`
	CacheTTLSeconds       int      `mapstructure:"CACHE_TTL_SECONDS"`
	JWTSecret             string   `mapstructure:"JWT_SECRET"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	SearchMaxLimit        int      `mapstructure:"SEARCH_MAX_LIMIT"`
	FuzzyThreshold        float64  `mapstructure:"FUZZY_THRESHOLD"`

	// Circuit breaker tuning. The catalog store is mandatory, so its breaker
	// trips early and probes often; the cache is optional and tolerant.
	CatalogBreakerThreshold  int `mapstructure:"CATALOG_BREAKER_THRESHOLD"`
	CatalogBreakerRecoveryMS int `mapstructure:"CATALOG_BREAKER_RECOVERY_MS"`
	CacheBreakerThreshold    int `mapstructure:"CACHE_BREAKER_THRESHOLD"`
	CacheBreakerRecoveryMS   int `mapstructure:"CACHE_BREAKER_RECOVERY_MS"`
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
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("SEARCH_MAX_LIMIT", 100)
	v.SetDefault("FUZZY_THRESHOLD", 0.3)
	v.SetDefault("CATALOG_BREAKER_THRESHOLD", 3)
	v.SetDefault("CATALOG_BREAKER_RECOVERY_MS", 5000)
	v.SetDefault("CACHE_BREAKER_THRESHOLD", 5)
	v.SetDefault("CACHE_BREAKER_RECOVERY_MS", 30000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CACHE_TTL_SECONDS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("SEARCH_MAX_LIMIT")
	v.BindEnv("FUZZY_THRESHOLD")
	v.BindEnv("CATALOG_BREAKER_THRESHOLD")
	v.BindEnv("CATALOG_BREAKER_RECOVERY_MS")
	v.BindEnv("CACHE_BREAKER_THRESHOLD")
	v.BindEnv("CACHE_BREAKER_RECOVERY_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Auth is disabled and all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// CacheTTL returns the configured result-cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CatalogBreakerRecovery returns the catalog breaker's Open-state hold time.
func (c *Config) CatalogBreakerRecovery() time.Duration {
	return time.Duration(c.CatalogBreakerRecoveryMS) * time.Millisecond
}

// CacheBreakerRecovery returns the cache breaker's Open-state hold time.
func (c *Config) CacheBreakerRecovery() time.Duration {
	return time.Duration(c.CacheBreakerRecoveryMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// only required when the Postgres catalog is selected, so the caller checks
// that; only cross-field consistency is verified here.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV is not development")
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("FUZZY_THRESHOLD must be in [0,1], got %v", c.FuzzyThreshold)
	}
	if c.CatalogBreakerThreshold <= 0 || c.CacheBreakerThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.SearchMaxLimit <= 0 {
		return fmt.Errorf("SEARCH_MAX_LIMIT must be positive, got %d", c.SearchMaxLimit)
	}
	return nil
}
