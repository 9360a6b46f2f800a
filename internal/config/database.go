package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mandi/auction/internal/repository"
)

const (
	EnvDBDriver          = "MANDI_DB_DRIVER"
	EnvDBDSN             = "MANDI_DB_DSN"
	EnvDBMaxOpenConns    = "MANDI_DB_MAX_OPEN_CONNS"
	EnvDBMaxIdleConns    = "MANDI_DB_MAX_IDLE_CONNS"
	EnvDBConnMaxLifetime = "MANDI_DB_CONN_MAX_LIFETIME"
)

// DatabaseConfig selects the store. Driver is "sqlite" (DSN is a file path)
// or "pgx" (DSN is a PostgreSQL connection string).
type DatabaseConfig struct {
	Driver          string `toml:"driver"`
	DSN             string `toml:"dsn"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	ConnMaxLifetime string `toml:"conn_max_lifetime"`
}

func (c *DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnMaxLifetime)
	return d
}

// Options converts the config into repository open options.
func (c *DatabaseConfig) Options() repository.Options {
	return repository.Options{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetimeDuration(),
	}
}

func (c *DatabaseConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *DatabaseConfig) Merge(overlay *DatabaseConfig) {
	if overlay.Driver != "" {
		c.Driver = overlay.Driver
	}
	if overlay.DSN != "" {
		c.DSN = overlay.DSN
	}
	if overlay.MaxOpenConns != 0 {
		c.MaxOpenConns = overlay.MaxOpenConns
	}
	if overlay.MaxIdleConns != 0 {
		c.MaxIdleConns = overlay.MaxIdleConns
	}
	if overlay.ConnMaxLifetime != "" {
		c.ConnMaxLifetime = overlay.ConnMaxLifetime
	}
}

func (c *DatabaseConfig) loadDefaults() {
	if c.Driver == "" {
		c.Driver = repository.DriverSQLite
	}
	if c.DSN == "" && c.Driver == repository.DriverSQLite {
		c.DSN = "mandi.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == "" {
		c.ConnMaxLifetime = "15m"
	}
}

func (c *DatabaseConfig) loadEnv() {
	if v := os.Getenv(EnvDBDriver); v != "" {
		c.Driver = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.DSN = v
	}
	if v := os.Getenv(EnvDBMaxOpenConns); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxOpenConns = n
		}
	}
	if v := os.Getenv(EnvDBMaxIdleConns); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIdleConns = n
		}
	}
	if v := os.Getenv(EnvDBConnMaxLifetime); v != "" {
		c.ConnMaxLifetime = v
	}
}

func (c *DatabaseConfig) validate() error {
	switch c.Driver {
	case repository.DriverSQLite, repository.DriverPgx:
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn required for driver %s", c.Driver)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("invalid max_open_conns: %d", c.MaxOpenConns)
	}
	if _, err := time.ParseDuration(c.ConnMaxLifetime); err != nil {
		return fmt.Errorf("invalid conn_max_lifetime: %w", err)
	}
	return nil
}
