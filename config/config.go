// Package config loads process configuration from the environment, with an
// optional .env file layered underneath.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jmcleod/taskward/kv/redis"
	"github.com/jmcleod/taskward/notify"
	"github.com/jmcleod/taskward/token"
)

// Storage backends.
const (
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// KV backends.
const (
	KVRedis  = "redis"
	KVMemory = "memory"
)

// Config is the full process configuration. Lifetimes are expressed in the
// units their variable names have always used.
type Config struct {
	Addr        string `env:"ADDR" envDefault:":8000"`
	SiteDomain  string `env:"SITE_DOMAIN" envDefault:"http://localhost:8000"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	LogFileName string `env:"LOG_FILE_NAME"`

	// TrustedProxies are CIDR ranges whose forwarding headers are honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	AccessTokenMinutes int    `env:"ACCESS_TOKEN_EXP" envDefault:"30"`
	RefreshTokenDays   int    `env:"REFRESH_TOKEN_EXP" envDefault:"7"`
	TwoFactorMinutes   int    `env:"TFA_TOKEN_EXP" envDefault:"5"`
	VerifyTokenHours   int    `env:"ACCOUNT_VERIFY_TOKEN_EXP" envDefault:"24"`
	JWTSecret          string `env:"JWT_SECRET_KEY"`
	TwoFactorSecret    string `env:"TFA_SECRET_KEY"`
	VerificationSecret string `env:"ACCOUNT_VERIFY_SECRET_KEY"`
	TokenAlgorithm     string `env:"TOKEN_ALGORITHM" envDefault:"HS256"`

	ReminderInterval time.Duration `env:"REMINDER_INTERVAL" envDefault:"12h"`

	KVBackend     string        `env:"KV_BACKEND" envDefault:"redis"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisTimeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"10s"`
	RevocationDB  int           `env:"JTI_REDIS_DB" envDefault:"0"`
	TwoFactorDB   int           `env:"TFA_LOGIN_REDIS_DB" envDefault:"1"`

	SMTPServer   string `env:"SMTP_SERVER"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"bbolt"`
	DataDir        string `env:"DATA_DIR" envDefault:"./data"`
	DatabaseURL    string `env:"DATABASE_URL"`
}

// Load reads envFile (if it exists) into the process environment and parses
// the result. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first setting that would prevent the server from
// starting.
func (c *Config) Validate() error {
	if !token.SupportedAlgorithm(c.TokenAlgorithm) {
		return fmt.Errorf("TOKEN_ALGORITHM %q is not supported", c.TokenAlgorithm)
	}
	for name, v := range map[string]int{
		"ACCESS_TOKEN_EXP":         c.AccessTokenMinutes,
		"REFRESH_TOKEN_EXP":        c.RefreshTokenDays,
		"TFA_TOKEN_EXP":            c.TwoFactorMinutes,
		"ACCOUNT_VERIFY_TOKEN_EXP": c.VerifyTokenHours,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReminderInterval <= 0 {
		return errors.New("REMINDER_INTERVAL must be positive")
	}

	secrets := []struct{ name, value string }{
		{"JWT_SECRET_KEY", c.JWTSecret},
		{"TFA_SECRET_KEY", c.TwoFactorSecret},
		{"ACCOUNT_VERIFY_SECRET_KEY", c.VerificationSecret},
	}
	for i, s := range secrets {
		if s.value == "" {
			return fmt.Errorf("%s must be set", s.name)
		}
		for _, other := range secrets[:i] {
			if s.value == other.value {
				return fmt.Errorf("%s must differ from %s", s.name, other.name)
			}
		}
	}

	switch c.KVBackend {
	case KVRedis, KVMemory:
	default:
		return fmt.Errorf("KV_BACKEND %q is not one of redis, memory", c.KVBackend)
	}
	if c.RevocationDB == c.TwoFactorDB {
		return errors.New("JTI_REDIS_DB and TFA_LOGIN_REDIS_DB must differ")
	}

	switch c.StorageBackend {
	case StorageBBolt, StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND %q is not one of bbolt, postgres, memory", c.StorageBackend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not one of text, json", c.LogFormat)
	}
	return nil
}

// Token returns the codec configuration.
func (c *Config) Token() token.Config {
	return token.Config{
		Algorithm:          c.TokenAlgorithm,
		PrimarySecret:      []byte(c.JWTSecret),
		TwoFactorSecret:    []byte(c.TwoFactorSecret),
		VerificationSecret: []byte(c.VerificationSecret),
		AccessTTL:          time.Duration(c.AccessTokenMinutes) * time.Minute,
		RefreshTTL:         time.Duration(c.RefreshTokenDays) * 24 * time.Hour,
		TwoFactorTTL:       time.Duration(c.TwoFactorMinutes) * time.Minute,
		VerificationTTL:    time.Duration(c.VerifyTokenHours) * time.Hour,
	}
}

// Redis returns the connection options shared by every logical database.
func (c *Config) Redis() redis.Options {
	return redis.Options{
		Addr:     net.JoinHostPort(c.RedisAddr, strconv.Itoa(c.RedisPort)),
		Username: c.RedisUsername,
		Password: c.RedisPassword,
		Timeout:  c.RedisTimeout,
	}
}

// SMTP returns the mail relay settings and whether a relay is configured.
func (c *Config) SMTP() (notify.SMTPConfig, bool) {
	if c.SMTPServer == "" {
		return notify.SMTPConfig{}, false
	}
	return notify.SMTPConfig{
		Host:     c.SMTPServer,
		Port:     c.SMTPPort,
		Username: c.SMTPUser,
		Password: c.SMTPPassword,
	}, true
}
