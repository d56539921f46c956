package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

type stubFetcher struct {
	cfg *apis.TeamConfig
	err error
}

func (s stubFetcher) GetTeamConfig(ctx context.Context) (*apis.TeamConfig, error) {
	return s.cfg, s.err
}

func newResolverStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)
	return s
}

func TestResolveTeamConfigPrefersServer(t *testing.T) {
	store := newResolverStore(t)
	agentCfg := AgentConfig{ServerURL: "http://server", APIKey: "k", AgentGUID: "agt_1"}
	fetcher := stubFetcher{cfg: &apis.TeamConfig{PhotoExtensions: []string{".nef"}}}

	result := ResolveTeamConfig(context.Background(), agentCfg, fetcher, store, logrus.NewEntry(logrus.New()))

	assert.Equal(t, result.Source, SourceServer)
	assert.Assert(t, result.Config != nil)
	assert.Equal(t, len(result.Config.PhotoExtensions), 1)
}

func TestResolveTeamConfigFallsBackToValidCache(t *testing.T) {
	store := newResolverStore(t)
	agentCfg := AgentConfig{} // not registered, no server attempt

	cached := store.MakeTeamConfigCache("agt_1", apis.TeamConfig{PhotoExtensions: []string{".cr2"}})
	assert.NilError(t, store.SaveTeamConfigCache(cached))

	result := ResolveTeamConfig(context.Background(), agentCfg, nil, store, logrus.NewEntry(logrus.New()))

	assert.Equal(t, result.Source, SourceCache)
	assert.Assert(t, result.Config != nil)
}

func TestResolveTeamConfigFallsBackToExpiredCacheWithServerError(t *testing.T) {
	store := newResolverStore(t)
	agentCfg := AgentConfig{ServerURL: "http://server", APIKey: "k", AgentGUID: "agt_1"}
	fetcher := stubFetcher{err: errors.New("connection refused")}

	cached := store.MakeTeamConfigCache("agt_1", apis.TeamConfig{PhotoExtensions: []string{".arw"}})
	cached.FetchedAt = time.Now().Add(-48 * time.Hour)
	cached.ExpiresAt = time.Now().Add(-24 * time.Hour)
	assert.NilError(t, store.SaveTeamConfigCache(cached))

	result := ResolveTeamConfig(context.Background(), agentCfg, fetcher, store, logrus.NewEntry(logrus.New()))

	assert.Equal(t, result.Source, SourceExpiredCache)
	assert.Assert(t, result.Config != nil)
}

func TestResolveTeamConfigUnavailable(t *testing.T) {
	store := newResolverStore(t)
	agentCfg := AgentConfig{}

	result := ResolveTeamConfig(context.Background(), agentCfg, nil, store, logrus.NewEntry(logrus.New()))

	assert.Equal(t, result.Source, SourceUnavailable)
	assert.Assert(t, result.Config == nil)
}
