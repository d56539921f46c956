package attestation

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/signer"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

func samplePayload() apis.ResultPayload {
	return apis.ResultPayload{Status: apis.AnalysisCompleted, Tool: apis.ToolPhotostats}
}

func TestMintThenVerifySucceeds(t *testing.T) {
	c := New()
	secretB64, hash, err := c.Mint("job_1")
	assert.NilError(t, err)
	assert.Assert(t, secretB64 != "")
	assert.Assert(t, hash != "")

	signature := signPayload(t, secretB64, samplePayload())
	ok, miss, err := c.Verify("job_1", samplePayload(), signature)
	assert.NilError(t, err)
	assert.Assert(t, !miss)
	assert.Assert(t, ok)
}

func TestVerifyCacheMissAfterForget(t *testing.T) {
	c := New()
	secretB64, _, err := c.Mint("job_1")
	assert.NilError(t, err)
	c.Forget("job_1")

	signature := signPayload(t, secretB64, samplePayload())
	_, miss, err := c.Verify("job_1", samplePayload(), signature)
	assert.NilError(t, err)
	assert.Assert(t, miss)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	c := New()
	secretB64, _, err := c.Mint("job_1")
	assert.NilError(t, err)

	signature := signPayload(t, secretB64, samplePayload())
	tampered := samplePayload()
	tampered.Tool = apis.ToolPhotoPairing
	ok, miss, err := c.Verify("job_1", tampered, signature)
	assert.NilError(t, err)
	assert.Assert(t, !miss)
	assert.Assert(t, !ok)
}

func TestSweepEvictsOldSecrets(t *testing.T) {
	c := New()
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return tick }
	_, _, err := c.Mint("job_1")
	assert.NilError(t, err)

	tick = tick.Add(2 * time.Hour)
	evicted := c.Sweep(time.Hour)
	assert.Equal(t, evicted, 1)

	_, miss, _ := c.Verify("job_1", samplePayload(), "whatever")
	assert.Assert(t, miss)
}

func signPayload(t *testing.T, secretB64 string, payload apis.ResultPayload) string {
	t.Helper()
	s, err := signer.New(secretB64)
	assert.NilError(t, err)
	sig, err := s.Sign(payload)
	assert.NilError(t, err)
	return sig
}
