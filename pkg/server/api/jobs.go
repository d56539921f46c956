package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/ingest"
)

// ClaimJob hands the caller the next eligible pending job, or a bare
// 204 when nothing currently fits its capabilities.
func (h *Handler) ClaimJob(c *gin.Context) {
	agent := agentFromContext(c)
	if !agent.IsVerified {
		abortJSON(c, http.StatusForbidden, "agent not verified")
		return
	}
	if agent.IsOutdated {
		abortJSON(c, http.StatusForbidden, "agent binary outdated")
		return
	}

	var capabilities []string
	if agent.Capabilities != "" {
		_ = json.Unmarshal([]byte(agent.Capabilities), &capabilities)
	}

	resp, err := h.dispatcher.Claim(c.Request.Context(), agent.TeamID, agent.ID, capabilities)
	if err != nil {
		if errors.Is(err, dispatcher.ErrNoJobAvailable) {
			c.Status(http.StatusNoContent)
			return
		}
		abortJSON(c, http.StatusInternalServerError, "failed to claim job")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// JobProgress records a rate-limited progress update, and promotes
// the job's first progress report from assigned to running.
func (h *Handler) JobProgress(c *gin.Context) {
	agent := agentFromContext(c)
	guid := c.Param("guid")

	ctx := c.Request.Context()
	job, err := h.store.Jobs.Get(ctx, guid)
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

	var req apis.ProgressUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to encode progress")
		return
	}
	if err := h.store.Jobs.UpdateProgress(ctx, guid, string(encoded)); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to persist progress")
		return
	}
	if job.Status == apis.JobAssigned {
		_ = h.store.Jobs.MarkRunning(ctx, guid)
	}

	c.JSON(http.StatusOK, gin.H{})
}

// JobInputState answers the NO_CHANGE dedup precheck.
func (h *Handler) JobInputState(c *gin.Context) {
	agent := agentFromContext(c)
	guid := c.Param("guid")

	ctx := c.Request.Context()
	job, err := h.store.Jobs.Get(ctx, guid)
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

	var req apis.InputStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.ingestor.Precheck(ctx, job, req.InputStateHash)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to precheck input state")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// JobComplete verifies the signed result and transitions the job to
// its terminal state.
func (h *Handler) JobComplete(c *gin.Context) {
	agent := agentFromContext(c)
	guid := c.Param("guid")

	var req apis.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	h.finishJob(c, guid, agent.ID, req)
}

// finishJob runs a CompleteRequest through the ingestor and writes the
// HTTP outcome, shared by the inline, chunked, and offline-sync paths.
func (h *Handler) finishJob(c *gin.Context, guid string, agentID uint, req apis.CompleteRequest) {
	resp, err := h.ingestor.Complete(c.Request.Context(), guid, agentID, req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, ingest.ErrJobNotFound):
		abortJSON(c, http.StatusNotFound, "job not found")
	case errors.Is(err, ingest.ErrJobNotRunning):
		abortJSON(c, http.StatusConflict, "job not in a completable state")
	case errors.Is(err, ingest.ErrNotOwner):
		abortJSON(c, http.StatusConflict, "not the owning agent")
	case errors.Is(err, ingest.ErrSignatureCacheMiss), errors.Is(err, ingest.ErrSignatureInvalid):
		abortJSON(c, http.StatusUnauthorized, "invalid result signature")
	default:
		abortJSON(c, http.StatusInternalServerError, "failed to complete job")
	}
}

// GetJobConfig resolves everything the agent's executor needs to run a
// claimed job offline of any further server round-trip: the team's
// TeamConfig plus the job's collection path, bound pipeline
// definition, and connector.
func (h *Handler) GetJobConfig(c *gin.Context) {
	agent := agentFromContext(c)
	guid := c.Param("guid")

	ctx := c.Request.Context()
	job, err := h.store.Jobs.Get(ctx, guid)
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

	var team db.Team
	if err := h.store.DB.WithContext(ctx).Where("id = ?", job.TeamID).First(&team).Error; err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load team")
		return
	}
	cfg, err := h.store.TeamConfig.Get(ctx, job.TeamID)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load team config")
		return
	}

	resp := apis.JobConfigResponse{TeamGUID: team.GUID, Config: *cfg}

	if job.CollectionID != nil {
		collection, err := h.store.Collections.GetByID(ctx, *job.CollectionID)
		if err != nil {
			abortJSON(c, http.StatusInternalServerError, "failed to load collection")
			return
		}
		if collection != nil {
			resp.CollectionPath = collection.Path
			if collection.ConnectorID != nil {
				connector, err := h.store.Connectors.GetByID(ctx, *collection.ConnectorID)
				if err != nil {
					abortJSON(c, http.StatusInternalServerError, "failed to load connector")
					return
				}
				if connector != nil {
					info := apis.ConnectorInfo{
						GUID:               connector.GUID,
						Type:               connector.Type,
						CredentialLocation: connector.CredentialLocation,
						Location:           connector.Location,
					}
					if connector.CredentialLocation == apis.CredentialServer {
						creds, err := h.store.Connectors.Credentials(connector)
						if err != nil {
							abortJSON(c, http.StatusInternalServerError, "failed to decrypt connector credentials")
							return
						}
						info.Credentials = creds
					}
					resp.Connector = &info
				}
			}
		}
	}

	if job.PipelineID != nil {
		// PipelineID already points at the exact version row the job was
		// dispatched against, not just the pipeline's latest version.
		pipeline, err := h.store.Pipelines.GetByID(ctx, *job.PipelineID)
		if err != nil {
			abortJSON(c, http.StatusInternalServerError, "failed to load pipeline")
			return
		}
		if pipeline != nil {
			var def apis.PipelineDefinition
			if uerr := json.Unmarshal([]byte(pipeline.GraphJSON), &def); uerr == nil {
				resp.PipelineGUID = pipeline.GUID
				resp.Pipeline = &def
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}
