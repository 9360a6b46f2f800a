package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mandi/auction/internal/settlement"
)

const (
	EnvSettlementMaxAttempts = "MANDI_SETTLEMENT_MAX_ATTEMPTS"
	EnvSettlementBaseBackoff = "MANDI_SETTLEMENT_BASE_BACKOFF"
	EnvSettlementLockTimeout = "MANDI_SETTLEMENT_LOCK_TIMEOUT"
	EnvSettlementCacheSize   = "MANDI_SETTLEMENT_CACHE_SIZE"
)

// SettlementConfig tunes commit retries and the idempotency cache.
type SettlementConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	BaseBackoff string `toml:"base_backoff"`
	LockTimeout string `toml:"lock_timeout"`
	CacheSize   int    `toml:"cache_size"`
}

// Options converts the config into engine options.
func (c *SettlementConfig) Options() settlement.Options {
	backoff, _ := time.ParseDuration(c.BaseBackoff)
	lock, _ := time.ParseDuration(c.LockTimeout)
	return settlement.Options{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: backoff,
		LockTimeout: lock,
		CacheSize:   c.CacheSize,
	}
}

func (c *SettlementConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *SettlementConfig) Merge(overlay *SettlementConfig) {
	if overlay.MaxAttempts != 0 {
		c.MaxAttempts = overlay.MaxAttempts
	}
	if overlay.BaseBackoff != "" {
		c.BaseBackoff = overlay.BaseBackoff
	}
	if overlay.LockTimeout != "" {
		c.LockTimeout = overlay.LockTimeout
	}
	if overlay.CacheSize != 0 {
		c.CacheSize = overlay.CacheSize
	}
}

func (c *SettlementConfig) loadDefaults() {
	def := settlement.DefaultOptions()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff == "" {
		c.BaseBackoff = def.BaseBackoff.String()
	}
	if c.LockTimeout == "" {
		c.LockTimeout = def.LockTimeout.String()
	}
	if c.CacheSize == 0 {
		c.CacheSize = def.CacheSize
	}
}

func (c *SettlementConfig) loadEnv() {
	if v := os.Getenv(EnvSettlementMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAttempts = n
		}
	}
	if v := os.Getenv(EnvSettlementBaseBackoff); v != "" {
		c.BaseBackoff = v
	}
	if v := os.Getenv(EnvSettlementLockTimeout); v != "" {
		c.LockTimeout = v
	}
	if v := os.Getenv(EnvSettlementCacheSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheSize = n
		}
	}
}

func (c *SettlementConfig) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts: %d", c.MaxAttempts)
	}
	if _, err := time.ParseDuration(c.BaseBackoff); err != nil {
		return fmt.Errorf("invalid base_backoff: %w", err)
	}
	if d, err := time.ParseDuration(c.LockTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid lock_timeout %q", c.LockTimeout)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("invalid cache_size: %d", c.CacheSize)
	}
	return nil
}
