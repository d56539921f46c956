// Package attestation holds the server's half of the result-signing
// contract: mint a fresh random signing secret per
// claimed job, keep only the secret's SHA-256 hash in the database
// (pkg/server/store.JobStore.SetSigningSecretHash), and hold the
// plaintext secret in an in-memory cache keyed by job GUID long enough
// to verify that job's completion. A server restart drops the cache,
// so any job in flight across a restart fails signature verification
// and must be resubmitted by the agent — an accepted tradeoff recorded
// as an Open Question resolution in DESIGN.md, not a bug: persisting
// plaintext signing secrets would reintroduce the forgeable-database
// risk the hash-only design exists to avoid.
package attestation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/signer"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// entry is one cached signing secret plus when it was minted, so
// Sweep can evict secrets for jobs that were claimed but never
// completed within a reasonable window.
type entry struct {
	secret  []byte
	mintedAt time.Time
}

// Cache is an in-memory, mutex-guarded map from job GUID to its
// plaintext signing secret.
type Cache struct {
	mu      sync.Mutex
	secrets map[string]entry
	now     func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{secrets: make(map[string]entry), now: time.Now}
}

// Mint generates a fresh 32-byte secret for jobGUID, caches it, and
// returns its base64 encoding (handed to the agent in ClaimResponse)
// alongside the hex SHA-256 hash of the raw bytes (persisted by the
// caller via store.JobStore.SetSigningSecretHash).
func (c *Cache) Mint(jobGUID string) (secretB64 string, secretHash string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("attestation: generate signing secret: %w", err)
	}

	c.mu.Lock()
	c.secrets[jobGUID] = entry{secret: raw, mintedAt: c.now()}
	c.mu.Unlock()

	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(raw), hex.EncodeToString(sum[:]), nil
}

// Verify checks payload's signature against jobGUID's cached secret.
// A cache miss (server restart, or an already-completed job) is
// reported distinctly from a signature mismatch so callers can return
// the right HTTP status.
func (c *Cache) Verify(jobGUID string, payload apis.ResultPayload, signature string) (ok bool, cacheMiss bool, err error) {
	c.mu.Lock()
	e, found := c.secrets[jobGUID]
	c.mu.Unlock()
	if !found {
		return false, true, nil
	}
	ok, err = signer.Verify(e.secret, payload, signature)
	return ok, false, err
}

// Forget drops a job's cached secret once it has reached a terminal
// state and no further completion can be verified.
func (c *Cache) Forget(jobGUID string) {
	c.mu.Lock()
	delete(c.secrets, jobGUID)
	c.mu.Unlock()
}

// Sweep evicts cached secrets older than maxAge, for jobs claimed but
// never completed (crashed agent, lost network) — bounds the cache's
// memory growth without needing a restart.
func (c *Cache) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for guid, e := range c.secrets {
		if e.mintedAt.Before(cutoff) {
			delete(c.secrets, guid)
			evicted++
		}
	}
	return evicted
}
