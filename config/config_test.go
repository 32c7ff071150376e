package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET_KEY", "primary-secret")
	t.Setenv("TFA_SECRET_KEY", "second-factor-secret")
	t.Setenv("ACCOUNT_VERIFY_SECRET_KEY", "verification-secret")
}

func TestLoadDefaults(t *testing.T) {
	setSecrets(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StorageBBolt, cfg.StorageBackend)
	assert.Equal(t, KVRedis, cfg.KVBackend)
	tc := cfg.Token()
	assert.Equal(t, "HS256", tc.Algorithm)
	assert.Equal(t, 30*time.Minute, tc.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, tc.RefreshTTL)
	assert.Equal(t, 5*time.Minute, tc.TwoFactorTTL)
	assert.Equal(t, 24*time.Hour, tc.VerificationTTL)
	assert.Equal(t, "localhost:6379", cfg.Redis().Addr)

	_, ok := cfg.SMTP()
	assert.False(t, ok)
}

func TestLoadEnvFile(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SMTP_SERVER=mail.example.com\nACCESS_TOKEN_EXP=15\n"), 0o600))
	// godotenv never overrides variables already present.
	t.Setenv("ACCESS_TOKEN_EXP", "45")
	t.Setenv("SMTP_SERVER", "")
	os.Unsetenv("SMTP_SERVER")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.AccessTokenMinutes)
	smtp, ok := cfg.SMTP()
	require.True(t, ok)
	assert.Equal(t, "mail.example.com", smtp.Host)
	assert.Equal(t, 587, smtp.Port)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setSecrets(t)
	t.Setenv("REDIS_PORT", "not-a-number")
	_, err := Load("")
	assert.ErrorContains(t, err, "parse env")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TokenAlgorithm:     "HS256",
			AccessTokenMinutes: 1,
			RefreshTokenDays:   1,
			TwoFactorMinutes:   1,
			VerifyTokenHours:   1,
			ReminderInterval:   time.Hour,
			JWTSecret:          "a",
			TwoFactorSecret:    "b",
			VerificationSecret: "c",
			KVBackend:          KVMemory,
			TwoFactorDB:        1,
			StorageBackend:     StorageMemory,
			LogFormat:          "json",
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"algorithm":        func(c *Config) { c.TokenAlgorithm = "RS256" },
		"access lifetime":  func(c *Config) { c.AccessTokenMinutes = 0 },
		"refresh lifetime": func(c *Config) { c.RefreshTokenDays = -1 },
		"empty secret":     func(c *Config) { c.TwoFactorSecret = "" },
		"shared secret":    func(c *Config) { c.VerificationSecret = c.JWTSecret },
		"kv backend":       func(c *Config) { c.KVBackend = "memcached" },
		"same redis db":    func(c *Config) { c.TwoFactorDB = c.RevocationDB },
		"storage backend":  func(c *Config) { c.StorageBackend = "sqlite" },
		"postgres dsn":     func(c *Config) { c.StorageBackend = StoragePostgres },
		"log format":       func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
