// Package config loads and hot-reloads the agent's local configuration
// file (agent.yaml): registration state, server URL, API key and
// bound agent GUID, all resolved through viper with fsnotify-driven
// reload so an operator editing agent.yaml by hand does not require a
// restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AgentConfig is the agent's local identity and connection settings.
type AgentConfig struct {
	ServerURL    string `mapstructure:"server_url"`
	APIKey       string `mapstructure:"api_key"`
	AgentGUID    string `mapstructure:"agent_guid"`
	AgentName    string `mapstructure:"agent_name"`
	DataDir      string `mapstructure:"data_dir"`
	OfflineSpool bool   `mapstructure:"offline_spool"`
	PollInterval int    `mapstructure:"poll_interval_seconds"`

	// AuthorizedRoots bounds where local-collection jobs may walk.
	// Recorded at registration; the server holds the same list.
	AuthorizedRoots []string `mapstructure:"authorized_roots"`
}

// IsRegistered reports whether the agent has completed registration
// (has a server URL, API key, and bound GUID).
func (c AgentConfig) IsRegistered() bool {
	return c.ServerURL != "" && c.APIKey != "" && c.AgentGUID != ""
}

// Loader owns the viper instance backing agent.yaml and keeps an
// in-memory copy current across file edits.
type Loader struct {
	v    *viper.Viper
	log  *logrus.Entry
	path string

	mu  sync.RWMutex
	cur AgentConfig
}

// DefaultPath returns the conventional agent.yaml location under the
// user's home directory (~/.shuttersense-agent/agent.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shuttersense-agent", "agent.yaml"), nil
}

// NewLoader reads path (creating its directory if absent) and watches
// it for changes. An empty/missing file yields a zero-value
// AgentConfig rather than an error, since a freshly installed agent has
// not registered yet.
func NewLoader(path string, log *logrus.Entry) (*Loader, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("poll_interval_seconds", 0)
	v.SetDefault("offline_spool", true)

	l := &Loader{v: v, log: log, path: path}

	if err := l.read(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.read(); err != nil {
			l.log.WithError(err).Warn("config: reload failed, keeping previous values")
			return
		}
		l.log.WithField("path", e.Name).Info("config: reloaded agent.yaml")
	})
	v.WatchConfig()

	return l, nil
}

func (l *Loader) read() error {
	if err := l.v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.cur = AgentConfig{}
			l.mu.Unlock()
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			l.mu.Lock()
			l.cur = AgentConfig{}
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("config: read %s: %w", l.path, err)
	}

	var cfg AgentConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", l.path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(l.path), "data")
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() AgentConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Save persists cfg to disk and updates the in-memory copy, used by the
// register command once a server hands back an agent GUID and API key.
func (l *Loader) Save(cfg AgentConfig) error {
	l.v.Set("server_url", cfg.ServerURL)
	l.v.Set("api_key", cfg.APIKey)
	l.v.Set("agent_guid", cfg.AgentGUID)
	l.v.Set("agent_name", cfg.AgentName)
	l.v.Set("data_dir", cfg.DataDir)
	l.v.Set("offline_spool", cfg.OfflineSpool)
	l.v.Set("poll_interval_seconds", cfg.PollInterval)
	l.v.Set("authorized_roots", cfg.AuthorizedRoots)

	if err := l.v.WriteConfigAs(l.path); err != nil {
		return fmt.Errorf("config: write %s: %w", l.path, err)
	}
	if err := os.Chmod(l.path, 0o600); err != nil {
		return fmt.Errorf("config: chmod %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}
