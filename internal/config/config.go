package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string   `mapstructure:"PORT"`
	Env                  string   `mapstructure:"ENV"`
	DatabaseURL          string   `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant        string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins          []string `mapstructure:"CORS_ORIGINS"`
	JWTSecret            string   `mapstructure:"JWT_SECRET"`
	GatewayEncryptionKey string   `mapstructure:"GATEWAY_ENCRYPTION_KEY"`
	GatewayTimeoutSecs   int      `mapstructure:"GATEWAY_DEFAULT_TIMEOUT_SECONDS"`
	GatewayMaxRetries    int      `mapstructure:"GATEWAY_MAX_RETRY_ATTEMPTS"`
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
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("GATEWAY_DEFAULT_TIMEOUT_SECONDS", 30)
	v.SetDefault("GATEWAY_MAX_RETRY_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("GATEWAY_ENCRYPTION_KEY")
	v.BindEnv("GATEWAY_DEFAULT_TIMEOUT_SECONDS")
	v.BindEnv("GATEWAY_MAX_RETRY_ATTEMPTS")

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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Validate checks that the configuration is safe to run. In production the
// gateway encryption key is required so that provider credentials are never
// persisted in plaintext, and JWT_SECRET must be set so requests carry an
// authenticated principal for audit attribution.
func (c *Config) Validate() error {
	if c.IsProduction() && c.GatewayEncryptionKey == "" {
		return fmt.Errorf("GATEWAY_ENCRYPTION_KEY is required in production")
	}
	if c.GatewayEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.GatewayEncryptionKey)
		if err != nil {
			return fmt.Errorf("GATEWAY_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("GATEWAY_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.GatewayTimeoutSecs <= 0 {
		return fmt.Errorf("GATEWAY_DEFAULT_TIMEOUT_SECONDS must be positive, got %d", c.GatewayTimeoutSecs)
	}
	if c.GatewayMaxRetries < 0 {
		return fmt.Errorf("GATEWAY_MAX_RETRY_ATTEMPTS must not be negative, got %d", c.GatewayMaxRetries)
	}

	return nil
}
