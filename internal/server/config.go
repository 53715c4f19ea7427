package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the management server configuration.
type Config struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	ReadOnly       bool     `mapstructure:"read_only"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Swagger        bool     `mapstructure:"swagger"`     // serve Swagger UI at /swagger/
	AuthSecret     string   `mapstructure:"auth_secret"` // HS256 key; empty disables auth
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigFrom reads the "server" section of v.
func ConfigFrom(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.UnmarshalKey("server", &c); err != nil {
		return c, fmt.Errorf("decode server settings: %w", err)
	}
	if c.Enabled && (c.Port < 0 || c.Port > 65535) {
		return c, fmt.Errorf("server.port out of range: %d", c.Port)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	return c, nil
}
