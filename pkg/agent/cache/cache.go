// Package cache implements the agent's local, file-based caches
// caches: TestCacheEntry (24h TTL, keyed by SHA-256 of the
// normalized absolute path), CollectionCache (7d TTL), TeamConfigCache
// (24h TTL), and the 1h version-state cache. Each has a save and a
// load-valid call; all but the version state also have a plain load that
// returns stale data, and only the test cache has a cleanup sweep.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

const (
	TestCacheTTL       = 24 * time.Hour
	CollectionCacheTTL = 7 * 24 * time.Hour
	TeamConfigCacheTTL = 24 * time.Hour
	VersionCacheTTL    = 1 * time.Hour
)

// Store roots every agent-local cache at dataDir.
type Store struct {
	dataDir string
	log     *logrus.Entry
	now     func() time.Time
}

// NewStore creates a cache Store rooted at dataDir, creating it if
// needed.
func NewStore(dataDir string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dataDir: dataDir, log: log, now: time.Now}, nil
}

func (s *Store) testCacheDir() string    { return filepath.Join(s.dataDir, "test-cache") }
func (s *Store) collectionFile() string  { return filepath.Join(s.dataDir, "collection-cache.json") }
func (s *Store) teamConfigFile() string  { return filepath.Join(s.dataDir, "team-config-cache.json") }
func (s *Store) versionStateFile() string { return filepath.Join(s.dataDir, "version-state.json") }

// --- TestCacheEntry -------------------------------------------------

// TestCacheEntry caches the result of testing whether a local path is
// accessible, and by which tools.
type TestCacheEntry struct {
	Path         string          `json:"path"`
	PathHash     string          `json:"path_hash"`
	TestedAt     time.Time       `json:"tested_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Accessible   bool            `json:"accessible"`
	FileCount    int             `json:"file_count"`
	PhotoCount   int             `json:"photo_count"`
	SidecarCount int             `json:"sidecar_count"`
	ToolsTested  []string        `json:"tools_tested"`
	AgentID      string          `json:"agent_id"`
	AgentVersion string          `json:"agent_version"`
	IssuesFound  map[string]any  `json:"issues_found,omitempty"`
}

// HashPath returns the SHA-256 hex digest of the normalized absolute
// path p, which also keys the on-disk cache file. Two path strings that
// resolve to the same absolute path always produce the same hash
// (invariant I9), because NormalizePath is applied first.
func HashPath(p string) (string, error) {
	normalized, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizePath resolves p to an absolute, symlink-resolved form so
// "./a" and "/abs/a" and "a/../a" all normalize identically.
func NormalizePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet (e.g. testing a not-yet-created
		// location); fall back to the absolute form.
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(resolved), nil
}

func (e TestCacheEntry) isValid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

func (s *Store) testCacheFileFor(path string) (string, error) {
	hash, err := HashPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.testCacheDir(), hash+".json"), nil
}

// SaveTestCache writes entry to disk, overwriting any existing cache for
// the same path.
func (s *Store) SaveTestCache(entry TestCacheEntry) error {
	if err := os.MkdirAll(s.testCacheDir(), 0o700); err != nil {
		return err
	}
	file, err := s.testCacheFileFor(entry.Path)
	if err != nil {
		return err
	}
	return writeJSONFile(file, entry)
}

// LoadTestCache returns the cache entry for path, or nil if none exists
// or it cannot be parsed.
func (s *Store) LoadTestCache(path string) (*TestCacheEntry, error) {
	file, err := s.testCacheFileFor(path)
	if err != nil {
		return nil, err
	}
	var entry TestCacheEntry
	ok, err := readJSONFile(file, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// LoadValidTestCache returns the entry only if unexpired; an expired
// entry is deleted as a side effect.
func (s *Store) LoadValidTestCache(path string) (*TestCacheEntry, error) {
	entry, err := s.LoadTestCache(path)
	if err != nil || entry == nil {
		return nil, err
	}
	if !entry.isValid(s.now()) {
		file, ferr := s.testCacheFileFor(path)
		if ferr == nil {
			_ = os.Remove(file)
		}
		return nil, nil
	}
	return entry, nil
}

// MakeTestCacheEntry fills in TestedAt/ExpiresAt/PathHash for a freshly
// computed test result.
func (s *Store) MakeTestCacheEntry(path string, accessible bool, fileCount, photoCount, sidecarCount int, toolsTested []string, agentID, agentVersion string, issues map[string]any) (TestCacheEntry, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return TestCacheEntry{}, err
	}
	hash, err := HashPath(path)
	if err != nil {
		return TestCacheEntry{}, err
	}
	now := s.now()
	return TestCacheEntry{
		Path:         normalized,
		PathHash:     hash,
		TestedAt:     now,
		ExpiresAt:    now.Add(TestCacheTTL),
		Accessible:   accessible,
		FileCount:    fileCount,
		PhotoCount:   photoCount,
		SidecarCount: sidecarCount,
		ToolsTested:  toolsTested,
		AgentID:      agentID,
		AgentVersion: agentVersion,
		IssuesFound:  issues,
	}, nil
}

// CleanupTestCache removes every expired or corrupt entry from
// test-cache/, returning the count removed.
func (s *Store) CleanupTestCache() (int, error) {
	dir := s.testCacheDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		var entry TestCacheEntry
		ok, err := readJSONFile(path, &entry)
		if err != nil || !ok {
			s.log.WithField("file", de.Name()).Warn("removing unparseable test cache file")
			_ = os.Remove(path)
			removed++
			continue
		}
		if !entry.isValid(s.now()) {
			_ = os.Remove(path)
			removed++
		}
	}
	return removed, nil
}

// --- CollectionCache --------------------------------------------------

// CachedCollection is one bound collection snapshot.
type CachedCollection struct {
	GUID string              `json:"guid"`
	Name string              `json:"name"`
	Type apis.CollectionType `json:"type"`
	Path string              `json:"path"`
}

// CollectionCache is the 7-day agent-local snapshot of bound
// collections.
type CollectionCache struct {
	AgentGUID   string             `json:"agent_guid"`
	SyncedAt    time.Time          `json:"synced_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Collections []CachedCollection `json:"collections"`
}

func (c CollectionCache) isExpired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// MakeCollectionCache stamps synced_at/expires_at for a fresh snapshot.
func (s *Store) MakeCollectionCache(agentGUID string, collections []CachedCollection) CollectionCache {
	now := s.now()
	return CollectionCache{
		AgentGUID:   agentGUID,
		SyncedAt:    now,
		ExpiresAt:   now.Add(CollectionCacheTTL),
		Collections: collections,
	}
}

// SaveCollectionCache persists the snapshot.
func (s *Store) SaveCollectionCache(c CollectionCache) error {
	return writeJSONFile(s.collectionFile(), c)
}

// LoadCollectionCache returns the cached snapshot regardless of
// expiry, or nil if none exists.
func (s *Store) LoadCollectionCache() (*CollectionCache, error) {
	var c CollectionCache
	ok, err := readJSONFile(s.collectionFile(), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// LoadValidCollectionCache returns the snapshot only if not expired.
func (s *Store) LoadValidCollectionCache() (*CollectionCache, error) {
	c, err := s.LoadCollectionCache()
	if err != nil || c == nil {
		return nil, err
	}
	if c.isExpired(s.now()) {
		return nil, nil
	}
	return c, nil
}

// --- TeamConfigCache ----------------------------------------------------

// TeamConfigCache is the 24h agent-local snapshot of team tool config.
type TeamConfigCache struct {
	AgentGUID string           `json:"agent_guid"`
	FetchedAt time.Time        `json:"fetched_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Config    apis.TeamConfig  `json:"config"`
}

func (c TeamConfigCache) isExpired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// MakeTeamConfigCache stamps fetched_at/expires_at for a fresh fetch.
func (s *Store) MakeTeamConfigCache(agentGUID string, cfg apis.TeamConfig) TeamConfigCache {
	now := s.now()
	return TeamConfigCache{
		AgentGUID: agentGUID,
		FetchedAt: now,
		ExpiresAt: now.Add(TeamConfigCacheTTL),
		Config:    cfg,
	}
}

// SaveTeamConfigCache persists the snapshot.
func (s *Store) SaveTeamConfigCache(c TeamConfigCache) error {
	return writeJSONFile(s.teamConfigFile(), c)
}

// LoadTeamConfigCache returns the cached snapshot regardless of
// expiry (callers print an "outdated cache" warning themselves), or
// nil if none exists.
func (s *Store) LoadTeamConfigCache() (*TeamConfigCache, error) {
	var c TeamConfigCache
	ok, err := readJSONFile(s.teamConfigFile(), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// LoadValidTeamConfigCache returns the snapshot only if not expired.
func (s *Store) LoadValidTeamConfigCache() (*TeamConfigCache, error) {
	c, err := s.LoadTeamConfigCache()
	if err != nil || c == nil {
		return nil, err
	}
	if c.isExpired(s.now()) {
		return nil, nil
	}
	return c, nil
}

// --- VersionCache -------------------------------------------------------

// VersionState caches the last heartbeat's verdict on agent staleness so
// the CLI can warn "you are outdated" without a server round-trip.
type VersionState struct {
	IsOutdated    bool      `json:"is_outdated"`
	LatestVersion string    `json:"latest_version,omitempty"`
	CachedAt      time.Time `json:"cached_at"`
}

func (v VersionState) isExpired(now time.Time) bool {
	return now.Sub(v.CachedAt) > VersionCacheTTL
}

// SaveVersionState writes the latest heartbeat verdict.
func (s *Store) SaveVersionState(isOutdated bool, latestVersion string) error {
	state := VersionState{
		IsOutdated:    isOutdated,
		LatestVersion: latestVersion,
		CachedAt:      s.now(),
	}
	return writeJSONFile(s.versionStateFile(), state)
}

// LoadValidVersionState returns the cached verdict if not older than
// VersionCacheTTL.
func (s *Store) LoadValidVersionState() (*VersionState, error) {
	var state VersionState
	ok, err := readJSONFile(s.versionStateFile(), &state)
	if err != nil || !ok {
		return nil, err
	}
	if state.isExpired(s.now()) {
		return nil, nil
	}
	return &state, nil
}

// --- shared file helpers ------------------------------------------------

func writeJSONFile(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSONFile reports ok=false (no error) when the file does not
// exist. A corrupt file returns ok=false and a non-nil error so callers
// can decide whether to purge it.
func readJSONFile(path string, v interface{}) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// SortedKeys is a small helper used by callers building stable output
// (e.g. printing cached collections).
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
