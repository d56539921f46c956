// Package api is the server's gin HTTP surface:
// one gin.Engine, a chain of cross-cutting middleware, and route
// groups registered against a Handler that holds every collaborator
// the handlers need.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// Handler bundles every collaborator the route handlers call into.
type Handler struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	ingestor   *ingest.Ingestor
	secrets    *attestation.Cache
	dashboard  *store.DashboardStore // nil on sqlite deployments
	chunks     *chunkStore
	log        *logrus.Entry
}

// NewHandler constructs a Handler. dashboard may be nil (sqlite
// deployments); GetTeamDashboard reports unavailability rather than
// panicking when it is.
func NewHandler(s *store.Store, d *dispatcher.Dispatcher, in *ingest.Ingestor, secrets *attestation.Cache, dashboard *store.DashboardStore, log *logrus.Entry) *Handler {
	return &Handler{store: s, dispatcher: d, ingestor: in, secrets: secrets, dashboard: dashboard, chunks: newChunkStore(), log: log}
}

// SweepChunks drops chunked-upload sessions idle past their TTL,
// returning how many were removed. Called from the server's periodic
// sweep alongside the signing-secret eviction.
func (h *Handler) SweepChunks() int {
	return h.chunks.Sweep()
}

// NewRouter builds the gin.Engine: metrics/logging run on every
// request, AgentAuth gates everything except /healthz, /metrics,
// registration and the
// release download.
func NewRouter(h *Handler) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(MetricsMiddleware())
	e.Use(LoggingMiddleware(h.log))

	e.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	e.POST("/agents/register", h.RegisterAgent)
	e.GET("/releases/:version/:platform", h.DownloadRelease)

	auth := e.Group("/")
	auth.Use(AgentAuth(h.store.Agents))
	{
		auth.POST("/agents/:guid/heartbeat", h.Heartbeat)
		auth.PUT("/agents/:guid/pending_commands", h.QueueCommand)

		auth.POST("/jobs", h.CreateJob)
		auth.POST("/jobs/claim", h.ClaimJob)
		auth.POST("/jobs/:guid/progress", h.JobProgress)
		auth.POST("/jobs/:guid/input-state", h.JobInputState)
		auth.POST("/jobs/:guid/complete", h.JobComplete)
		auth.GET("/jobs/:guid/config", h.GetJobConfig)

		auth.POST("/chunks/start", h.ChunkStart)
		auth.POST("/chunks/append", h.ChunkAppend)
		auth.POST("/chunks/commit", h.ChunkCommit)
		auth.POST("/results/upload", h.UploadResult)

		auth.GET("/team/config", h.GetTeamConfig)
		auth.PUT("/team/config", h.UpsertTeamConfig)
		auth.POST("/cameras/discover", h.DiscoverCameras)

		auth.POST("/connectors", h.CreateConnector)
		auth.GET("/connectors/:guid", h.GetConnector)

		auth.POST("/collections", h.CreateCollection)
		auth.GET("/collections/:guid", h.GetCollection)
		auth.POST("/collections/:guid/bind", h.BindCollection)

		auth.POST("/pipelines", h.CreatePipeline)
		auth.GET("/pipelines/:guid", h.GetPipeline)

		auth.POST("/releases", h.PublishRelease)

		auth.GET("/team/dashboard", h.GetTeamDashboard)
	}

	return e
}
