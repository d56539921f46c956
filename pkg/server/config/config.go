// Package config loads the server's configuration (listen address,
// database DSN, credential-encryption key, retention schedule),
// grounded on the same viper pattern the agent uses for agent.yaml
// (pkg/agent/config), generalized to a server.yaml that can also be
// overridden by environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig is every tunable the server process needs at startup.
type ServerConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	DatabaseDriver    string `mapstructure:"database_driver"` // "postgres" | "sqlite"
	DatabaseDSN       string `mapstructure:"database_dsn"`
	CredentialKeyHex  string `mapstructure:"credential_key_hex"` // 32 raw bytes, hex-encoded
	RetentionSchedule string `mapstructure:"retention_schedule"` // cron expression
	ReportRetentionDays int  `mapstructure:"report_retention_days"`
	OfflineGraceMinutes int  `mapstructure:"offline_grace_minutes"`
	LogLevel          string `mapstructure:"log_level"`
}

// defaults mirrors the agent loader's v.SetDefault calls.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "shuttersense.db")
	v.SetDefault("retention_schedule", "0 2 * * *")
	v.SetDefault("report_retention_days", 90)
	v.SetDefault("offline_grace_minutes", 5)
	v.SetDefault("log_level", "info")
}

// Load reads server.yaml (if present) from configPath, then applies
// SHUTTERSENSE_-prefixed environment overrides and any bound pflag
// flags, with flags > env > file > default precedence.
func Load(configPath string, flags *pflag.FlagSet) (*ServerConfig, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("SHUTTERSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse config: %w", err)
	}
	return &cfg, nil
}

// CredentialKey decodes CredentialKeyHex into the 32 raw bytes
// store.New needs to seal Connector credentials at rest.
func (c *ServerConfig) CredentialKey() ([]byte, error) {
	key, err := hex.DecodeString(c.CredentialKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: credential_key_hex is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: credential_key_hex must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ReportRetention converts ReportRetentionDays to a time.Duration for
// the optimizer.
func (c *ServerConfig) ReportRetention() time.Duration {
	return time.Duration(c.ReportRetentionDays) * 24 * time.Hour
}

// OfflineGrace converts OfflineGraceMinutes to a time.Duration for the
// agent offline sweep.
func (c *ServerConfig) OfflineGrace() time.Duration {
	return time.Duration(c.OfflineGraceMinutes) * time.Minute
}
