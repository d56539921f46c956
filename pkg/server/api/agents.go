package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// RegisterAgent is the one-shot bootstrap endpoint:
// consumes a single-use registration token, validates the reported
// binary checksum against the release manifest when one has been
// published, and mints an API key it hands back exactly once.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req apis.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	tok, err := h.store.Tokens.Consume(ctx, req.Token)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid token")
		return
	}

	if manifest, merr := h.store.Releases.Latest(ctx, req.Platform); merr == nil && manifest != nil {
		if artifact, cerr := h.store.Releases.ByChecksum(ctx, req.BinaryChecksum); cerr != nil || artifact == nil {
			abortJSON(c, http.StatusForbidden, "binary checksum not in release manifest")
			return
		}
	}

	capabilities := req.Capabilities
	hasLocalFS := false
	for _, capability := range capabilities {
		if capability == apis.CapabilityLocalFilesystem {
			hasLocalFS = true
			break
		}
	}
	if !hasLocalFS {
		capabilities = append(capabilities, apis.CapabilityLocalFilesystem)
	}

	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to encode capabilities")
		return
	}
	rootsJSON, err := json.Marshal(req.AuthorizedRoots)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to encode authorized roots")
		return
	}

	apiKey, prefix, err := store.GenerateAPIKey()
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	agent := db.Agent{
		GUID:            apis.NewGUID(apis.PrefixAgent),
		TeamID:          tok.TeamID,
		Name:            req.Name,
		Hostname:        req.Hostname,
		Platform:        req.Platform,
		Version:         req.Version,
		BinaryChecksum:  req.BinaryChecksum,
		APIKeyHash:      store.HashAPIKey(apiKey),
		APIKeyPrefix:    prefix,
		Status:          apis.AgentOffline,
		IsVerified:      true,
		Capabilities:    string(capsJSON),
		AuthorizedRoots: string(rootsJSON),
		Metrics:         "{}",
		PendingCommands: "[]",
	}
	if err := h.store.Agents.Register(ctx, &agent); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to register agent")
		return
	}

	c.JSON(http.StatusOK, apis.RegisterResponse{AgentGUID: agent.GUID, APIKey: apiKey})
}

// Heartbeat records liveness, capability/metric updates, and drains
// any commands queued for this agent.
func (h *Handler) Heartbeat(c *gin.Context) {
	agent := agentFromContext(c)
	if agent.GUID != c.Param("guid") {
		abortJSON(c, http.StatusForbidden, "agent guid mismatch")
		return
	}

	var req apis.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	pending, err := h.store.Agents.Heartbeat(ctx, agent.ID, req)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	// Re-attest on every heartbeat: a manifest exists for this platform
	// only once a release has been published for it, so an agent that
	// registered before any release shipped stays verified until one
	// does.
	resp := apis.HeartbeatResponse{PendingCommands: pending}
	if manifest, merr := h.store.Releases.Latest(ctx, req.Platform); merr == nil && manifest != nil {
		artifact, cerr := h.store.Releases.ByChecksum(ctx, req.BinaryChecksum)
		if cerr == nil && artifact != nil && artifact.Platform == req.Platform {
			_ = h.store.Agents.Verify(ctx, agent.GUID)
		} else {
			_ = h.store.Agents.Unverify(ctx, agent.GUID)
		}

		resp.LatestVersion = &manifest.Version
		resp.IsOutdated = versionLess(req.Version, manifest.Version)
		_ = h.store.Agents.MarkOutdated(ctx, agent.GUID, resp.IsOutdated)
	}

	c.JSON(http.StatusOK, resp)
}

// versionLess reports whether a is strictly older than b, comparing
// dotted numeric components ("1.2" < "1.10"); a trailing non-numeric
// suffix compares lexically so dev builds sort below releases.
func versionLess(a, b string) bool {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ap, bp string
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}
		an, aerr := strconv.Atoi(ap)
		bn, berr := strconv.Atoi(bp)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				return an < bn
			}
		case aerr != nil && berr == nil:
			return true
		case aerr == nil && berr != nil:
			return false
		default:
			if ap != bp {
				return ap < bp
			}
		}
	}
	return false
}

// QueueCommand appends one command (e.g. "cancel_job:<guid>") to the
// target agent's pending-commands queue; the agent picks it up on its
// next heartbeat.
func (h *Handler) QueueCommand(c *gin.Context) {
	guid := c.Param("guid")

	var req apis.QueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Command == "" {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.Agents.QueueCommand(c.Request.Context(), guid, req.Command); err != nil {
		abortJSON(c, http.StatusNotFound, "agent not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
