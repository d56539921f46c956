package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/signer"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

func TestChunkedUploadCompletesJob(t *testing.T) {
	router, database := newTestRouter(t)
	teamID, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	var agent db.Agent
	assert.NilError(t, database.Where("guid = ?", regResp.AgentGUID).First(&agent).Error)

	// A pending job this agent can claim; claiming mints the signing
	// secret the chunked completion must verify against.
	job := db.Job{
		GUID: apis.NewGUID(apis.PrefixJob), TeamID: teamID, Tool: apis.ToolPhotostats,
		Status: apis.JobPending, MaxRetries: 3, RequiredCapabilitiesJSON: "[]",
	}
	assert.NilError(t, database.Create(&job).Error)

	claimRec := doJSON(t, router, http.MethodPost, "/jobs/claim", regResp.APIKey, nil)
	assert.Equal(t, claimRec.Code, http.StatusOK)
	var claim apis.ClaimResponse
	assert.NilError(t, json.Unmarshal(claimRec.Body.Bytes(), &claim))

	payload := apis.ResultPayload{
		Status: apis.AnalysisCompleted, Tool: apis.ToolPhotostats,
		StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC(),
		ReportHTML: "<html>big report</html>",
	}
	s, err := signer.New(claim.SigningSecretB64)
	assert.NilError(t, err)
	sig, err := s.Sign(payload)
	assert.NilError(t, err)

	body, err := json.Marshal(apis.CompleteRequest{Result: payload, Signature: sig})
	assert.NilError(t, err)

	startRec := doJSON(t, router, http.MethodPost, "/chunks/start", regResp.APIKey, apis.ChunkStartRequest{JobGUID: claim.Job.GUID})
	assert.Equal(t, startRec.Code, http.StatusOK)
	var start apis.ChunkStartResponse
	assert.NilError(t, json.Unmarshal(startRec.Body.Bytes(), &start))

	// Split into two chunks to exercise ordering.
	half := len(body) / 2
	for index, piece := range [][]byte{body[:half], body[half:]} {
		appendRec := doJSON(t, router, http.MethodPost, "/chunks/append", regResp.APIKey, apis.ChunkAppendRequest{
			UploadID: start.UploadID, Index: index, DataB64: base64.StdEncoding.EncodeToString(piece),
		})
		assert.Equal(t, appendRec.Code, http.StatusOK)
	}

	commitRec := doJSON(t, router, http.MethodPost, "/chunks/commit", regResp.APIKey, apis.ChunkCommitRequest{UploadID: start.UploadID})
	assert.Equal(t, commitRec.Code, http.StatusOK)

	var updated db.Job
	assert.NilError(t, database.Where("guid = ?", claim.Job.GUID).First(&updated).Error)
	assert.Equal(t, updated.Status, apis.JobCompleted)
}

func TestChunkAppendOutOfOrderRejected(t *testing.T) {
	router, database := newTestRouter(t)
	teamID, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	var agent db.Agent
	assert.NilError(t, database.Where("guid = ?", regResp.AgentGUID).First(&agent).Error)
	job := db.Job{
		GUID: apis.NewGUID(apis.PrefixJob), TeamID: teamID, Tool: apis.ToolPhotostats,
		Status: apis.JobAssigned, AgentID: &agent.ID,
	}
	assert.NilError(t, database.Create(&job).Error)

	startRec := doJSON(t, router, http.MethodPost, "/chunks/start", regResp.APIKey, apis.ChunkStartRequest{JobGUID: job.GUID})
	assert.Equal(t, startRec.Code, http.StatusOK)
	var start apis.ChunkStartResponse
	assert.NilError(t, json.Unmarshal(startRec.Body.Bytes(), &start))

	rec := doJSON(t, router, http.MethodPost, "/chunks/append", regResp.APIKey, apis.ChunkAppendRequest{
		UploadID: start.UploadID, Index: 3, DataB64: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	assert.Equal(t, rec.Code, http.StatusConflict)
}

func TestQueueCommandDrainedByNextHeartbeat(t *testing.T) {
	router, database := newTestRouter(t)
	_, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	cmdRec := doJSON(t, router, http.MethodPut, "/agents/"+regResp.AgentGUID+"/pending_commands", regResp.APIKey, apis.QueueCommandRequest{
		Command: apis.CancelJobCommandPrefix + "job_x",
	})
	assert.Equal(t, cmdRec.Code, http.StatusOK)

	hbRec := doJSON(t, router, http.MethodPost, "/agents/"+regResp.AgentGUID+"/heartbeat", regResp.APIKey, apis.HeartbeatRequest{
		Capabilities: []string{apis.CapabilityLocalFilesystem}, Metrics: map[string]any{}, Version: "1.0.0", Platform: "linux",
	})
	assert.Equal(t, hbRec.Code, http.StatusOK)
	var hb apis.HeartbeatResponse
	assert.NilError(t, json.Unmarshal(hbRec.Body.Bytes(), &hb))
	assert.Equal(t, len(hb.PendingCommands), 1)
	assert.Equal(t, hb.PendingCommands[0], apis.CancelJobCommandPrefix+"job_x")

	// Drained: a second heartbeat returns nothing.
	hbRec2 := doJSON(t, router, http.MethodPost, "/agents/"+regResp.AgentGUID+"/heartbeat", regResp.APIKey, apis.HeartbeatRequest{
		Capabilities: []string{apis.CapabilityLocalFilesystem}, Metrics: map[string]any{}, Version: "1.0.0", Platform: "linux",
	})
	assert.Equal(t, hbRec2.Code, http.StatusOK)
	var hb2 apis.HeartbeatResponse
	assert.NilError(t, json.Unmarshal(hbRec2.Body.Bytes(), &hb2))
	assert.Equal(t, len(hb2.PendingCommands), 0)
}

func TestUploadResultReplaysOfflineCompletion(t *testing.T) {
	router, database := newTestRouter(t)
	teamID, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	job := db.Job{
		GUID: apis.NewGUID(apis.PrefixJob), TeamID: teamID, Tool: apis.ToolPhotostats,
		Status: apis.JobPending, MaxRetries: 3, RequiredCapabilitiesJSON: "[]",
	}
	assert.NilError(t, database.Create(&job).Error)

	claimRec := doJSON(t, router, http.MethodPost, "/jobs/claim", regResp.APIKey, nil)
	assert.Equal(t, claimRec.Code, http.StatusOK)
	var claim apis.ClaimResponse
	assert.NilError(t, json.Unmarshal(claimRec.Body.Bytes(), &claim))

	payload := apis.ResultPayload{
		Status: apis.AnalysisCompleted, Tool: apis.ToolPhotostats,
		StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC(),
	}
	s, err := signer.New(claim.SigningSecretB64)
	assert.NilError(t, err)
	sig, err := s.Sign(payload)
	assert.NilError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/results/upload", regResp.APIKey, apis.UploadResultRequest{
		JobGUID: claim.Job.GUID, Result: payload, Signature: sig,
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	var updated db.Job
	assert.NilError(t, database.Where("guid = ?", claim.Job.GUID).First(&updated).Error)
	assert.Equal(t, updated.Status, apis.JobCompleted)
}
