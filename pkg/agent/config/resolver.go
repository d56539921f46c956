package config

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// ConfigSource names where a ConfigResult's team config came from.
type ConfigSource string

const (
	SourceServer       ConfigSource = "server"
	SourceCache        ConfigSource = "cache"
	SourceExpiredCache ConfigSource = "expired_cache"
	SourceUnavailable  ConfigSource = "unavailable"
)

// ConfigResult is the outcome of resolving team configuration: the
// resolved config (nil if none available), where it came from, and a
// human-readable status line for CLI output.
type ConfigResult struct {
	Config  *apis.TeamConfig
	Source  ConfigSource
	Message string
}

// TeamConfigFetcher fetches the team's tool configuration from the
// server. Implemented by *apiclient.Client.
type TeamConfigFetcher interface {
	GetTeamConfig(ctx context.Context) (*apis.TeamConfig, error)
}

// ResolveTeamConfig applies the team-config priority chain:
// server fetch (if registered) > fresh cache > expired cache > none.
// A successful server fetch refreshes the cache as a side effect.
func ResolveTeamConfig(ctx context.Context, agentCfg AgentConfig, fetcher TeamConfigFetcher, store *cache.Store, log *logrus.Entry) ConfigResult {
	var serverErr error

	if agentCfg.IsRegistered() && fetcher != nil {
		cfg, err := fetcher.GetTeamConfig(ctx)
		if err == nil {
			cached := store.MakeTeamConfigCache(agentCfg.AgentGUID, *cfg)
			if saveErr := store.SaveTeamConfigCache(cached); saveErr != nil {
				log.WithError(saveErr).Warn("config: failed to cache fetched team config")
			}
			return ConfigResult{Config: cfg, Source: SourceServer, Message: "from server"}
		}
		serverErr = err
		log.WithError(err).Debug("config: server team config fetch failed")
	}

	if valid, err := store.LoadValidTeamConfigCache(); err == nil && valid != nil {
		msg := fmt.Sprintf("from cache (%s)", valid.FetchedAt.Format(fetchedAtLayout))
		if serverErr != nil {
			msg = fmt.Sprintf("server unavailable, using cached config (%s)", valid.FetchedAt.Format(fetchedAtLayout))
		}
		return ConfigResult{Config: &valid.Config, Source: SourceCache, Message: msg}
	}

	if stale, err := store.LoadTeamConfigCache(); err == nil && stale != nil {
		return ConfigResult{
			Config: &stale.Config,
			Source: SourceExpiredCache,
			Message: fmt.Sprintf(
				"server unavailable, using cached config from %s (may be outdated)",
				stale.FetchedAt.Format(fetchedAtLayout),
			),
		}
	}

	if serverErr != nil {
		return ConfigResult{Source: SourceUnavailable, Message: fmt.Sprintf("server unavailable (%s), no cached config", serverErr)}
	}
	return ConfigResult{Source: SourceUnavailable, Message: "no config available"}
}

const fetchedAtLayout = "2006-01-02 15:04 MST"
