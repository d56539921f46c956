package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// DownloadRelease is exempt from Bearer auth. The
// artifact's bytes live wherever ReleaseArtifact.URL points (an S3
// object in the reference deployment); this handler redirects there
// rather than proxying the binary through the API process, and sets
// X-Checksum so the caller can verify the download.
func (h *Handler) DownloadRelease(c *gin.Context) {
	version := c.Param("version")
	platform := c.Param("platform")

	artifact, err := h.store.Releases.Get(c.Request.Context(), version, platform)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to load release artifact")
		return
	}
	if artifact == nil {
		abortJSON(c, http.StatusNotFound, "release not found")
		return
	}

	c.Header("X-Checksum", artifact.Checksum)
	c.Redirect(http.StatusFound, artifact.URL)
}

// PublishRelease registers a new release artifact in the manifest.
// Management endpoint, same
// reused auth scheme as UpsertTeamConfig — see DESIGN.md.
func (h *Handler) PublishRelease(c *gin.Context) {
	var req struct {
		Version   string `json:"version"`
		Platform  string `json:"platform"`
		Checksum  string `json:"checksum"`
		SizeBytes int64  `json:"size_bytes"`
		URL       string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	artifact := db.ReleaseArtifact{
		GUID:      apis.NewGUID(apis.PrefixRelease),
		Version:   req.Version,
		Platform:  req.Platform,
		Checksum:  req.Checksum,
		SizeBytes: req.SizeBytes,
		URL:       req.URL,
	}
	if err := h.store.Releases.Create(c.Request.Context(), &artifact); err != nil {
		abortJSON(c, http.StatusInternalServerError, "failed to publish release")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"guid": artifact.GUID})
}
