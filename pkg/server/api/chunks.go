package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// chunkSessionTTL bounds how long an open upload session may sit idle
// before Sweep discards it.
const chunkSessionTTL = 15 * time.Minute

type chunkSession struct {
	jobGUID   string
	agentID   uint
	nextIndex int
	buf       []byte
	touchedAt time.Time
}

// chunkStore holds in-flight chunked uploads in memory. Like the
// signing-secret cache, sessions do not survive a server restart; the
// agent simply restarts the upload.
type chunkStore struct {
	mu       sync.Mutex
	sessions map[string]*chunkSession
}

func newChunkStore() *chunkStore {
	return &chunkStore{sessions: make(map[string]*chunkSession)}
}

func (cs *chunkStore) start(jobGUID string, agentID uint) string {
	id := apis.NewGUID(apis.PrefixUpload)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sessions[id] = &chunkSession{jobGUID: jobGUID, agentID: agentID, touchedAt: time.Now()}
	return id
}

func (cs *chunkStore) append(uploadID string, agentID uint, index int, data []byte) (ok, outOfOrder bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s, found := cs.sessions[uploadID]
	if !found || s.agentID != agentID {
		return false, false
	}
	if index != s.nextIndex {
		return false, true
	}
	s.buf = append(s.buf, data...)
	s.nextIndex++
	s.touchedAt = time.Now()
	return true, false
}

func (cs *chunkStore) take(uploadID string, agentID uint) (jobGUID string, body []byte, ok bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s, found := cs.sessions[uploadID]
	if !found || s.agentID != agentID {
		return "", nil, false
	}
	delete(cs.sessions, uploadID)
	return s.jobGUID, s.buf, true
}

// Sweep drops sessions idle past chunkSessionTTL and returns how many
// were removed.
func (cs *chunkStore) Sweep() int {
	cutoff := time.Now().Add(-chunkSessionTTL)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	removed := 0
	for id, s := range cs.sessions {
		if s.touchedAt.Before(cutoff) {
			delete(cs.sessions, id)
			removed++
		}
	}
	return removed
}

// ChunkStart opens a chunked upload session for a large result.
func (h *Handler) ChunkStart(c *gin.Context) {
	agent := agentFromContext(c)

	var req apis.ChunkStartRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.JobGUID == "" {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.store.Jobs.Get(c.Request.Context(), req.JobGUID)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		abortJSON(c, http.StatusNotFound, "job not found")
		return
	}
	if job.AgentID == nil || *job.AgentID != agent.ID {
		abortJSON(c, http.StatusConflict, "not the owning agent")
		return
	}

	id := h.chunks.start(req.JobGUID, agent.ID)
	c.JSON(http.StatusOK, apis.ChunkStartResponse{UploadID: id})
}

// ChunkAppend adds one base64-encoded piece to an open session.
func (h *Handler) ChunkAppend(c *gin.Context) {
	agent := agentFromContext(c)

	var req apis.ChunkAppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.DataB64)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid chunk encoding")
		return
	}

	ok, outOfOrder := h.chunks.append(req.UploadID, agent.ID, req.Index, data)
	switch {
	case outOfOrder:
		abortJSON(c, http.StatusConflict, "chunk out of order")
	case !ok:
		abortJSON(c, http.StatusNotFound, "unknown upload session")
	default:
		c.JSON(http.StatusOK, gin.H{})
	}
}

// ChunkCommit reassembles the session into a CompleteRequest and runs
// it through the same completion path as the inline endpoint.
func (h *Handler) ChunkCommit(c *gin.Context) {
	agent := agentFromContext(c)

	var req apis.ChunkCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	jobGUID, body, ok := h.chunks.take(req.UploadID, agent.ID)
	if !ok {
		abortJSON(c, http.StatusNotFound, "unknown upload session")
		return
	}

	var complete apis.CompleteRequest
	if err := json.Unmarshal(body, &complete); err != nil {
		abortJSON(c, http.StatusBadRequest, "reassembled payload is not a valid completion")
		return
	}

	h.finishJob(c, jobGUID, agent.ID, complete)
}

// UploadResult replays an offline-spooled result. The signing secret
// for the job must still be in the attestation cache — an offline
// result whose secret has been lost to a restart is refused, and the
// job retries online.
func (h *Handler) UploadResult(c *gin.Context) {
	agent := agentFromContext(c)

	var req apis.UploadResultRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.JobGUID == "" {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	h.finishJob(c, req.JobGUID, agent.ID, apis.CompleteRequest{Result: req.Result, Signature: req.Signature})
}
