// Package spool implements the agent's offline result spool: analysis
// results produced while the server is unreachable are encrypted and
// written to {data_dir}/results/{id}.json, then synced back once
// connectivity returns. The spool embeds the same credentials.Vault
// the credential store uses, so both are sealed under one master key.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/credentials"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// OfflineResult is a spooled analysis result awaiting upload. JobGUID
// is the job that was claimed before the connection dropped; sync
// replays it through POST /results/upload.
type OfflineResult struct {
	ResultID       string             `json:"result_id"`
	JobGUID        string             `json:"job_guid"`
	CollectionGUID string             `json:"collection_guid"`
	Tool           apis.Tool          `json:"tool"`
	Payload        apis.ResultPayload `json:"payload"`
	Signature      string             `json:"signature"`
	CreatedAt      time.Time          `json:"created_at"`
	Synced         bool               `json:"synced"`
}

// Spool is the agent-local encrypted store of offline results.
type Spool struct {
	vault *credentials.Vault
	dir   string
}

// Open opens (or creates) the spool rooted at dataDir/results, sharing
// its master key with any credentials.Store opened on the same
// dataDir.
func Open(dataDir string) (*Spool, error) {
	vault, err := credentials.OpenVault(dataDir)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, "results")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create results dir: %w", err)
	}
	return &Spool{vault: vault, dir: dir}, nil
}

func (s *Spool) fileFor(resultID string) string {
	return filepath.Join(s.dir, resultID+".json")
}

// NewOfflineResult builds an OfflineResult with a fresh ID and
// created_at timestamp.
func NewOfflineResult(jobGUID, collectionGUID string, tool apis.Tool, payload apis.ResultPayload, signature string) OfflineResult {
	return OfflineResult{
		ResultID:       uuid.NewString(),
		JobGUID:        jobGUID,
		CollectionGUID: collectionGUID,
		Tool:           tool,
		Payload:        payload,
		Signature:      signature,
		CreatedAt:      time.Now().UTC(),
	}
}

// Save encrypts and writes result to disk, overwriting any existing
// file with the same ResultID.
func (s *Spool) Save(result OfflineResult) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("spool: marshal: %w", err)
	}
	encrypted, err := s.vault.Encrypt(raw)
	if err != nil {
		return fmt.Errorf("spool: encrypt: %w", err)
	}
	return os.WriteFile(s.fileFor(result.ResultID), encrypted, 0o600)
}

// Load decrypts and returns the result with the given ID, or nil if
// it does not exist or cannot be read.
func (s *Spool) Load(resultID string) (*OfflineResult, error) {
	path := s.fileFor(resultID)
	encrypted, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", path, err)
	}
	raw, err := s.vault.Decrypt(encrypted)
	if err != nil {
		// Spool files written before encryption landed are plain JSON;
		// fall back to reading the bytes as-is before giving up.
		var plain OfflineResult
		if perr := json.Unmarshal(encrypted, &plain); perr == nil {
			return &plain, nil
		}
		return nil, fmt.Errorf("spool: decrypt %s: %w", path, err)
	}
	var result OfflineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("spool: unmarshal %s: %w", path, err)
	}
	return &result, nil
}

// ListAll returns every spooled result, both pending and synced,
// sorted by ResultID. Unreadable files are skipped with no error
// returned to the caller (mirroring list_all's tolerance of corrupt
// entries).
func (s *Spool) ListAll() ([]OfflineResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list %s: %w", s.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)

	results := make([]OfflineResult, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(id)
		if err != nil || r == nil {
			continue
		}
		results = append(results, *r)
	}
	return results, nil
}

// ListPending returns every spooled result not yet marked synced.
func (s *Spool) ListPending() ([]OfflineResult, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	pending := make([]OfflineResult, 0, len(all))
	for _, r := range all {
		if !r.Synced {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// MarkSynced loads resultID, sets Synced=true, and saves it back.
// Returns false if no such result exists.
func (s *Spool) MarkSynced(resultID string) (bool, error) {
	result, err := s.Load(resultID)
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	result.Synced = true
	if err := s.Save(*result); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a spooled result's file. Returns false if none
// existed.
func (s *Spool) Delete(resultID string) (bool, error) {
	path := s.fileFor(resultID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("spool: delete %s: %w", path, err)
	}
	return true, nil
}

// CleanupSynced deletes every result already marked synced, returning
// the count removed.
func (s *Spool) CleanupSynced() (int, error) {
	all, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range all {
		if !r.Synced {
			continue
		}
		ok, err := s.Delete(r.ResultID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
