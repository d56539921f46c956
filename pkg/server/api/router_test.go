package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	assert.NilError(t, err)
	assert.NilError(t, db.Migrate(database))

	s := store.New(database, make([]byte, 32))
	secrets := attestation.New()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	d := dispatcher.New(s.Jobs, s.Collections, s.Pipelines, secrets, log)
	in := ingest.New(s.Jobs, s.Results, secrets, log)
	h := NewHandler(s, d, in, secrets, nil, log)
	return NewRouter(h), database
}

func doJSON(t *testing.T, router *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		assert.NilError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedTeamAndToken(t *testing.T, database *gorm.DB) (teamID uint, plaintext string) {
	t.Helper()
	team := db.Team{GUID: apis.NewGUID(apis.PrefixTeam), Name: "t1"}
	assert.NilError(t, database.Create(&team).Error)

	plaintext, err := store.GenerateToken()
	assert.NilError(t, err)
	tok := db.RegistrationToken{
		GUID: apis.NewGUID(apis.PrefixToken), TeamID: team.ID,
		TokenHash: store.HashAPIKey(plaintext), ExpiresAt: time.Now().Add(time.Hour),
	}
	assert.NilError(t, database.Create(&tok).Error)
	return team.ID, plaintext
}

func TestRegisterAgentThenHeartbeat(t *testing.T) {
	router, database := newTestRouter(t)
	_, tokenPlaintext := seedTeamAndToken(t, database)

	rec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Hostname: "host1", Platform: "linux",
		Version: "1.0.0", BinaryChecksum: "abc", Capabilities: []string{},
		AuthorizedRoots: []string{"/data"},
	})
	assert.Equal(t, rec.Code, http.StatusOK)

	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))
	assert.Assert(t, regResp.AgentGUID != "")
	assert.Assert(t, regResp.APIKey != "")

	hbRec := doJSON(t, router, http.MethodPost, "/agents/"+regResp.AgentGUID+"/heartbeat", regResp.APIKey, apis.HeartbeatRequest{
		Capabilities: []string{apis.CapabilityLocalFilesystem}, Metrics: map[string]any{}, Version: "1.0.0", Platform: "linux",
	})
	assert.Equal(t, hbRec.Code, http.StatusOK)
}

func TestRegisterAgentRejectsUnknownToken(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{Token: "bogus"})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestClaimJobRequiresVerifiedAgent(t *testing.T) {
	router, database := newTestRouter(t)
	_, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	// A release manifest for this platform whose checksum doesn't match
	// the agent's reported binary; the next heartbeat un-verifies it.
	assert.NilError(t, database.Create(&db.ReleaseArtifact{
		GUID: apis.NewGUID(apis.PrefixRelease), Version: "1.1.0", Platform: "linux", Checksum: "different", URL: "https://example/agent",
	}).Error)

	hbRec := doJSON(t, router, http.MethodPost, "/agents/"+regResp.AgentGUID+"/heartbeat", regResp.APIKey, apis.HeartbeatRequest{
		Capabilities: []string{apis.CapabilityLocalFilesystem}, Metrics: map[string]any{}, Version: "1.0.0", Platform: "linux", BinaryChecksum: "abc",
	})
	assert.Equal(t, hbRec.Code, http.StatusOK)

	rec := doJSON(t, router, http.MethodPost, "/jobs/claim", regResp.APIKey, nil)
	assert.Equal(t, rec.Code, http.StatusForbidden)
}

func TestClaimJobReturnsNoContentWhenQueueEmpty(t *testing.T) {
	router, database := newTestRouter(t)
	_, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	rec := doJSON(t, router, http.MethodPost, "/jobs/claim", regResp.APIKey, nil)
	assert.Equal(t, rec.Code, http.StatusNoContent)
}

func TestGetJobConfigReturnsCollectionAndTeamConfig(t *testing.T) {
	router, database := newTestRouter(t)
	teamID, tokenPlaintext := seedTeamAndToken(t, database)

	assert.NilError(t, database.Create(&db.Configuration{
		TeamID: teamID, ConfigJSON: `{"photo_extensions":[".jpg"]}`,
	}).Error)
	collection := db.Collection{GUID: apis.NewGUID(apis.PrefixCollection), TeamID: teamID, Name: "c1", Type: apis.CollectionLocal, State: apis.CollectionLive, Path: "/data/c1"}
	assert.NilError(t, database.Create(&collection).Error)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	var agent db.Agent
	assert.NilError(t, database.Where("guid = ?", regResp.AgentGUID).First(&agent).Error)
	job := db.Job{
		GUID: apis.NewGUID(apis.PrefixJob), TeamID: teamID, CollectionID: &collection.ID,
		Tool: apis.ToolPhotostats, Status: apis.JobAssigned, AgentID: &agent.ID,
	}
	assert.NilError(t, database.Create(&job).Error)

	rec := doJSON(t, router, http.MethodGet, "/jobs/"+job.GUID+"/config", regResp.APIKey, nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	var cfg apis.JobConfigResponse
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, cfg.CollectionPath, "/data/c1")
	assert.Equal(t, len(cfg.Config.PhotoExtensions), 1)
}

func TestGetTeamDashboardUnavailableWithoutPostgres(t *testing.T) {
	router, database := newTestRouter(t)
	_, tokenPlaintext := seedTeamAndToken(t, database)

	regRec := doJSON(t, router, http.MethodPost, "/agents/register", "", apis.RegisterRequest{
		Token: tokenPlaintext, Name: "agent-1", Platform: "linux", Version: "1.0.0", BinaryChecksum: "abc",
	})
	var regResp apis.RegisterResponse
	assert.NilError(t, json.Unmarshal(regRec.Body.Bytes(), &regResp))

	rec := doJSON(t, router, http.MethodGet, "/team/dashboard", regResp.APIKey, nil)
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/jobs/claim", "", nil)
	assert.Equal(t, rec.Code, http.StatusUnauthorized)
}

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", true},
		{"1.2", "1.10", true},
		{"1.10", "1.2", false},
		{"v1.0", "1.1", true},
		{"2.0", "1.9.9", false},
		{"dev", "1.0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, versionLess(tt.a, tt.b), tt.want)
	}
}
