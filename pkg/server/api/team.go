package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// GetTeamConfig returns the calling agent's team-scoped configuration
// snapshot.
func (h *Handler) GetTeamConfig(c *gin.Context) {
	agent := agentFromContext(c)
	cfg, err := h.store.TeamConfig.Get(c.Request.Context(), agent.TeamID)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load team config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpsertTeamConfig replaces the calling agent's team configuration.
// Not part of the agent-facing contract, but there's no separate
// operator-auth scheme, so this management endpoint reuses the same
// agent Bearer auth (see
// DESIGN.md).
func (h *Handler) UpsertTeamConfig(c *gin.Context) {
	agent := agentFromContext(c)
	var cfg apis.TeamConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.TeamConfig.Upsert(c.Request.Context(), agent.TeamID, cfg); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to save team config")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// DiscoverCameras is the bulk camera id lookup, capped
// at apis.MaxCameraDiscoverIDs.
func (h *Handler) DiscoverCameras(c *gin.Context) {
	agent := agentFromContext(c)
	var req apis.CameraDiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.CameraIDs) > apis.MaxCameraDiscoverIDs {
		abortJSON(c, http.StatusUnprocessableEntity, "too many camera ids")
		return
	}

	cameras, err := h.store.TeamConfig.DiscoverCameras(c.Request.Context(), agent.TeamID, req.CameraIDs)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to discover cameras")
		return
	}
	c.JSON(http.StatusOK, apis.CameraDiscoverResponse{Cameras: cameras})
}
