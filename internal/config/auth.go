package config

import (
	"errors"
	"os"
	"strconv"
)

const (
	EnvAuthEnabled   = "MANDI_AUTH_ENABLED"
	EnvAuthJWTSecret = "MANDI_AUTH_JWT_SECRET"
	EnvAuthIssuer    = "MANDI_AUTH_ISSUER"
)

// AuthConfig controls bearer-token checks on the API. Enabled is a pointer
// so an overlay can switch auth off explicitly.
type AuthConfig struct {
	Enabled   *bool  `toml:"enabled"`
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

func (c *AuthConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// Finalize defaults auth on everywhere except the local environment.
func (c *AuthConfig) Finalize(env string) error {
	c.loadDefaults(env)
	c.loadEnv()
	return c.validate()
}

func (c *AuthConfig) Merge(overlay *AuthConfig) {
	if overlay.Enabled != nil {
		v := *overlay.Enabled
		c.Enabled = &v
	}
	if overlay.JWTSecret != "" {
		c.JWTSecret = overlay.JWTSecret
	}
	if overlay.Issuer != "" {
		c.Issuer = overlay.Issuer
	}
}

func (c *AuthConfig) loadDefaults(env string) {
	if c.Enabled == nil {
		on := env != "local"
		c.Enabled = &on
	}
	if c.Issuer == "" {
		c.Issuer = "mandi"
	}
}

func (c *AuthConfig) loadEnv() {
	if v := os.Getenv(EnvAuthEnabled); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Enabled = &on
		}
	}
	if v := os.Getenv(EnvAuthJWTSecret); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv(EnvAuthIssuer); v != "" {
		c.Issuer = v
	}
}

func (c *AuthConfig) validate() error {
	if c.IsEnabled() && len(c.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 bytes when auth is enabled")
	}
	return nil
}
