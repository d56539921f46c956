package spool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

func samplePayload() apis.ResultPayload {
	return apis.ResultPayload{
		Status:      apis.AnalysisCompleted,
		Tool:        apis.ToolPhotostats,
		StartedAt:   time.Unix(1700000000, 0).UTC(),
		CompletedAt: time.Unix(1700000100, 0).UTC(),
	}
}

func TestSpoolSaveLoadRoundTrip(t *testing.T) {
	sp, err := Open(t.TempDir())
	assert.NilError(t, err)

	result := NewOfflineResult("job_abc", "col_abc", apis.ToolPhotostats, samplePayload(), "deadbeef")
	assert.NilError(t, sp.Save(result))

	loaded, err := sp.Load(result.ResultID)
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, loaded.CollectionGUID, "col_abc")
	assert.Equal(t, loaded.Synced, false)
}

func TestSpoolListPendingExcludesSynced(t *testing.T) {
	sp, err := Open(t.TempDir())
	assert.NilError(t, err)

	a := NewOfflineResult("job_a", "col_a", apis.ToolPhotostats, samplePayload(), "sig-a")
	b := NewOfflineResult("job_b", "col_b", apis.ToolPhotoPairing, samplePayload(), "sig-b")
	assert.NilError(t, sp.Save(a))
	assert.NilError(t, sp.Save(b))

	ok, err := sp.MarkSynced(a.ResultID)
	assert.NilError(t, err)
	assert.Equal(t, ok, true)

	pending, err := sp.ListPending()
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].ResultID, b.ResultID)

	all, err := sp.ListAll()
	assert.NilError(t, err)
	assert.Equal(t, len(all), 2)
}

func TestSpoolCleanupSyncedRemovesOnlySynced(t *testing.T) {
	sp, err := Open(t.TempDir())
	assert.NilError(t, err)

	a := NewOfflineResult("job_a", "col_a", apis.ToolPhotostats, samplePayload(), "sig-a")
	b := NewOfflineResult("job_b", "col_b", apis.ToolPhotoPairing, samplePayload(), "sig-b")
	assert.NilError(t, sp.Save(a))
	assert.NilError(t, sp.Save(b))
	_, err = sp.MarkSynced(a.ResultID)
	assert.NilError(t, err)

	removed, err := sp.CleanupSynced()
	assert.NilError(t, err)
	assert.Equal(t, removed, 1)

	all, err := sp.ListAll()
	assert.NilError(t, err)
	assert.Equal(t, len(all), 1)
	assert.Equal(t, all[0].ResultID, b.ResultID)
}

func TestSpoolDeleteMissingReturnsFalse(t *testing.T) {
	sp, err := Open(t.TempDir())
	assert.NilError(t, err)

	deleted, err := sp.Delete("res_doesnotexist")
	assert.NilError(t, err)
	assert.Equal(t, deleted, false)
}

// A spool file written before encryption landed is plain JSON; Load
// must still read it.
func TestSpoolLoadFallsBackToPlaintextFile(t *testing.T) {
	dataDir := t.TempDir()
	sp, err := Open(dataDir)
	assert.NilError(t, err)

	result := NewOfflineResult("job_plain", "col_plain", apis.ToolPhotostats, samplePayload(), "sig-plain")
	raw, err := json.Marshal(result)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(dataDir, "results", result.ResultID+".json"), raw, 0o600))

	loaded, err := sp.Load(result.ResultID)
	assert.NilError(t, err)
	assert.Assert(t, loaded != nil)
	assert.Equal(t, loaded.JobGUID, "job_plain")
	assert.Equal(t, loaded.Signature, "sig-plain")
}
