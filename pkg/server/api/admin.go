// Management endpoints (connector/collection/pipeline CRUD) beyond
// the agent-facing surface — the server needs some way to create the
// resources agents later claim jobs against. There is no separate
// operator-auth flow, so these reuse the same
// agent Bearer auth as every other authenticated route (see
// DESIGN.md's resolution of that gap).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// CreateConnector registers a new remote storage credential binding.
func (h *Handler) CreateConnector(c *gin.Context) {
	agent := agentFromContext(c)
	var req struct {
		Type               apis.ConnectorType     `json:"type"`
		Location           string                 `json:"location"`
		CredentialLocation apis.CredentialLocation `json:"credential_location"`
		Credentials        map[string]string       `json:"credentials,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	connector := db.Connector{
		GUID:               apis.NewGUID(apis.PrefixConnector),
		TeamID:             agent.TeamID,
		Type:               req.Type,
		Location:           req.Location,
		CredentialLocation: req.CredentialLocation,
	}
	if err := h.store.Connectors.Create(c.Request.Context(), &connector, req.Credentials); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to create connector")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"guid": connector.GUID})
}

// GetConnector returns a connector's public fields; server-held
// credentials are never echoed back over this endpoint.
func (h *Handler) GetConnector(c *gin.Context) {
	connector, err := h.store.Connectors.GetByGUID(c.Request.Context(), c.Param("guid"))
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load connector")
		return
	}
	if connector == nil {
		abortJSON(c, http.StatusNotFound, "connector not found")
		return
	}
	c.JSON(http.StatusOK, apis.ConnectorInfo{
		GUID:               connector.GUID,
		Type:               connector.Type,
		CredentialLocation: connector.CredentialLocation,
		Location:           connector.Location,
	})
}

// CreateCollection registers a new bound photo collection.
func (h *Handler) CreateCollection(c *gin.Context) {
	agent := agentFromContext(c)
	var req struct {
		Name        string             `json:"name"`
		Type        apis.CollectionType `json:"type"`
		Path        string              `json:"path"`
		ConnectorGUID string            `json:"connector_guid,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	collection := db.Collection{
		GUID:   apis.NewGUID(apis.PrefixCollection),
		TeamID: agent.TeamID,
		Name:   req.Name,
		Type:   req.Type,
		State:  apis.CollectionLive,
		Path:   req.Path,
	}
	if req.ConnectorGUID != "" {
		connector, err := h.store.Connectors.GetByGUID(ctx, req.ConnectorGUID)
		if err != nil {
			abortJSON(c, http.StatusInternalServerError, "failed to load connector")
			return
		}
		if connector == nil {
			abortJSON(c, http.StatusBadRequest, "unknown connector")
			return
		}
		collection.ConnectorID = &connector.ID
	}

	if err := h.store.Collections.Create(ctx, &collection); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to create collection")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"guid": collection.GUID})
}

// GetCollection fetches a collection by GUID.
func (h *Handler) GetCollection(c *gin.Context) {
	collection, err := h.store.Collections.GetByGUID(c.Request.Context(), c.Param("guid"))
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load collection")
		return
	}
	if collection == nil {
		abortJSON(c, http.StatusNotFound, "collection not found")
		return
	}
	c.JSON(http.StatusOK, collection)
}

// BindCollection pins a collection to the calling agent, so every
// future job against it dispatches only there.
func (h *Handler) BindCollection(c *gin.Context) {
	agent := agentFromContext(c)
	if err := h.store.Collections.BindAgent(c.Request.Context(), c.Param("guid"), agent.ID); err != nil {
		abortJSON(c, http.StatusNotFound, "collection not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// CreatePipeline publishes a new pipeline version.
func (h *Handler) CreatePipeline(c *gin.Context) {
	agent := agentFromContext(c)
	var req struct {
		Name    string                  `json:"name"`
		Version int                     `json:"version"`
		Graph   apis.PipelineDefinition `json:"graph"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	graphJSON, err := json.Marshal(req.Graph)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to encode pipeline graph")
		return
	}

	pipeline := db.Pipeline{
		GUID:      apis.NewGUID(apis.PrefixPipeline),
		TeamID:    agent.TeamID,
		Name:      req.Name,
		Version:   req.Version,
		GraphJSON: string(graphJSON),
	}
	if err := h.store.Pipelines.Create(c.Request.Context(), &pipeline); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to create pipeline")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"guid": pipeline.GUID})
}

// GetTeamDashboard returns the calling agent's team's job-status
// breakdown and fleet availability. Unavailable on sqlite deployments,
// where the server has no DashboardStore to query (see
// servercmd.runServe).
func (h *Handler) GetTeamDashboard(c *gin.Context) {
	if h.dashboard == nil {
		abortJSON(c, http.StatusServiceUnavailable, "team dashboard requires a postgres deployment")
		return
	}
	agent := agentFromContext(c)
	activity, err := h.dashboard.TeamActivity(c.Request.Context(), agent.TeamID)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load team dashboard")
		return
	}
	c.JSON(http.StatusOK, activity)
}

// GetPipeline fetches a pipeline's latest version by GUID.
func (h *Handler) GetPipeline(c *gin.Context) {
	pipeline, err := h.store.Pipelines.GetByGUID(c.Request.Context(), c.Param("guid"))
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load pipeline")
		return
	}
	if pipeline == nil {
		abortJSON(c, http.StatusNotFound, "pipeline not found")
		return
	}
	c.JSON(http.StatusOK, pipeline)
}

// CreateJobRequest is the management payload for enqueueing a job.
type CreateJobRequest struct {
	Tool                 apis.Tool  `json:"tool"`
	Mode                 string     `json:"mode,omitempty"`
	CollectionGUID       string     `json:"collection_guid,omitempty"`
	PipelineGUID         string     `json:"pipeline_guid,omitempty"`
	Priority             int        `json:"priority,omitempty"`
	BoundAgentGUID       string     `json:"bound_agent_guid,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	ScheduledFor         *time.Time `json:"scheduled_for,omitempty"`
	MaxRetries           int        `json:"max_retries,omitempty"`
}

// CreateJob enqueues (or schedules) a job. A job against a local
// collection must end up bound to the collection's agent; a job with
// scheduled_for in the future lands as scheduled and is refused when a
// scheduled job for the same (collection, tool) already exists.
func (h *Handler) CreateJob(c *gin.Context) {
	agent := agentFromContext(c)

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tool == "" {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	job := db.Job{
		GUID:     apis.NewGUID(apis.PrefixJob),
		TeamID:   agent.TeamID,
		Tool:     req.Tool,
		Mode:     req.Mode,
		Status:   apis.JobPending,
		Priority: req.Priority,
	}
	job.MaxRetries = req.MaxRetries
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}

	if len(req.RequiredCapabilities) > 0 {
		encoded, err := json.Marshal(req.RequiredCapabilities)
		if err != nil {
			abortJSON(c, http.StatusBadRequest, "invalid required capabilities")
			return
		}
		job.RequiredCapabilitiesJSON = string(encoded)
	} else {
		job.RequiredCapabilitiesJSON = "[]"
	}

	if req.CollectionGUID != "" {
		collection, err := h.store.Collections.GetByGUID(ctx, req.CollectionGUID)
		if err != nil || collection == nil {
			abortJSON(c, http.StatusNotFound, "collection not found")
			return
		}
		job.CollectionID = &collection.ID
		if collection.Type == apis.CollectionLocal {
			if collection.BoundAgentID == nil {
				abortJSON(c, http.StatusConflict, "local collection has no bound agent")
				return
			}
			job.BoundAgentID = collection.BoundAgentID
		}
	}

	if req.BoundAgentGUID != "" {
		bound, err := h.store.Agents.GetByGUID(ctx, req.BoundAgentGUID)
		if err != nil || bound == nil {
			abortJSON(c, http.StatusNotFound, "bound agent not found")
			return
		}
		if job.BoundAgentID != nil && *job.BoundAgentID != bound.ID {
			abortJSON(c, http.StatusConflict, "bound agent does not match the local collection's agent")
			return
		}
		job.BoundAgentID = &bound.ID
	}

	if req.PipelineGUID != "" {
		pipeline, err := h.store.Pipelines.GetByGUID(ctx, req.PipelineGUID)
		if err != nil || pipeline == nil {
			abortJSON(c, http.StatusNotFound, "pipeline not found")
			return
		}
		job.PipelineID = &pipeline.ID
		job.PipelineVersion = pipeline.Version
	}

	if req.ScheduledFor != nil {
		job.ScheduledFor = req.ScheduledFor
		if err := h.store.Jobs.Schedule(ctx, &job); err != nil {
			if errors.Is(err, store.ErrDuplicateScheduled) {
				abortJSON(c, http.StatusConflict, "a scheduled job already exists for this collection and tool")
				return
			}
			abortJSON(c, http.StatusInternalServerError, "failed to schedule job")
			return
		}
	} else if err := h.store.Jobs.Create(ctx, &job); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to create job")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"guid": job.GUID})
}
