package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	s, err := NewStore(dir, log)
	assert.NilError(t, err)
	return s
}

func TestHashPathStableForSamePath(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "collection")
	b := filepath.Join(dir, ".", "collection")

	h1, err := HashPath(a)
	assert.NilError(t, err)
	h2, err := HashPath(b)
	assert.NilError(t, err)
	assert.Equal(t, h1, h2)
}

func TestTestCacheSaveLoadValid(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	entry, err := s.MakeTestCacheEntry("/data/collection-a", true, 100, 80, 20, []string{"photostats"}, "agt_x", "1.2.3", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.SaveTestCache(entry))

	loaded, err := s.LoadValidTestCache("/data/collection-a")
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, loaded.Accessible, true)
	assert.Equal(t, loaded.FileCount, 100)
}

func TestTestCacheExpiresAfterTTL(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	entry, err := s.MakeTestCacheEntry("/data/collection-b", true, 1, 1, 0, nil, "agt_x", "1.0.0", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.SaveTestCache(entry))

	tick = tick.Add(TestCacheTTL + time.Second)

	loaded, err := s.LoadValidTestCache("/data/collection-b")
	assert.NilError(t, err)
	assert.Assert(t, loaded == nil)

	// LoadValidTestCache purged the expired file, so a plain load finds nothing
	stale, err := s.LoadTestCache("/data/collection-b")
	assert.NilError(t, err)
	assert.Assert(t, stale == nil, "expired entry should have been purged on LoadValidTestCache")
}

func TestCollectionCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	snapshot := s.MakeCollectionCache("agt_abc", []CachedCollection{
		{GUID: "col_1", Name: "Wedding 2026", Type: apis.CollectionLocal, Path: "/data/wedding"},
	})
	assert.NilError(t, s.SaveCollectionCache(snapshot))

	loaded, err := s.LoadValidCollectionCache()
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, len(loaded.Collections), 1)

	tick = tick.Add(CollectionCacheTTL + time.Hour)
	expired, err := s.LoadValidCollectionCache()
	assert.NilError(t, err)
	assert.Assert(t, expired == nil)

	// raw load still returns the stale snapshot for warning purposes
	raw, err := s.LoadCollectionCache()
	assert.NilError(t, err)
	assert.Assert(t, raw != nil)
}

func TestTeamConfigCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	cfg := apis.TeamConfig{PhotoExtensions: []string{".nef", ".jpg"}}
	snapshot := s.MakeTeamConfigCache("agt_abc", cfg)
	assert.NilError(t, s.SaveTeamConfigCache(snapshot))

	loaded, err := s.LoadValidTeamConfigCache()
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, len(loaded.Config.PhotoExtensions), 2)

	tick = tick.Add(TeamConfigCacheTTL + time.Minute)
	expired, err := s.LoadValidTeamConfigCache()
	assert.NilError(t, err)
	assert.Assert(t, expired == nil)
}

func TestVersionStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	assert.NilError(t, s.SaveVersionState(true, "2.0.0"))

	loaded, err := s.LoadValidVersionState()
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, loaded.IsOutdated, true)
	assert.Equal(t, loaded.LatestVersion, "2.0.0")

	tick = tick.Add(VersionCacheTTL + time.Minute)
	expired, err := s.LoadValidVersionState()
	assert.NilError(t, err)
	assert.Assert(t, expired == nil)
}

func TestCleanupTestCacheRemovesExpiredAndCorrupt(t *testing.T) {
	s := newTestStore(t)
	var tick time.Time = time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return tick }

	fresh, err := s.MakeTestCacheEntry("/data/fresh", true, 1, 1, 0, nil, "agt_x", "1.0.0", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.SaveTestCache(fresh))

	stale, err := s.MakeTestCacheEntry("/data/stale", true, 1, 1, 0, nil, "agt_x", "1.0.0", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.SaveTestCache(stale))

	tick = tick.Add(TestCacheTTL + time.Second)
	// re-save fresh so it is recomputed after the clock moved on
	freshAgain, err := s.MakeTestCacheEntry("/data/fresh", true, 1, 1, 0, nil, "agt_x", "1.0.0", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.SaveTestCache(freshAgain))

	// a corrupt cache file is purged alongside the expired entry
	assert.NilError(t, os.WriteFile(filepath.Join(s.testCacheDir(), "corrupt.json"), []byte("{not json"), 0o600))

	removed, err := s.CleanupTestCache()
	assert.NilError(t, err)
	assert.Equal(t, removed, 2)
}
