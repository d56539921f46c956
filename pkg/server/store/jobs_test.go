package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	assert.NilError(t, err)
	assert.NilError(t, db.Migrate(database))
	return database
}

func insertJob(t *testing.T, database *gorm.DB, priority int, requiredCaps string, createdAt time.Time) *db.Job {
	t.Helper()
	job := db.Job{
		GUID:                     uuid.NewString(),
		TeamID:                   1,
		Tool:                     apis.ToolPhotostats,
		Status:                   apis.JobPending,
		Priority:                 priority,
		RequiredCapabilitiesJSON: requiredCaps,
		MaxRetries:               3,
		CreatedAt:                createdAt,
	}
	assert.NilError(t, database.Create(&job).Error)
	return &job
}

func TestClaimPicksHighestPriorityMatchingCapabilities(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	insertJob(t, database, 0, `["s3"]`, time.Now().Add(-time.Minute))
	high := insertJob(t, database, 10, `["local_filesystem"]`, time.Now())

	claimed, err := js.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, claimed.GUID, high.GUID)
	assert.Equal(t, claimed.Status, apis.JobAssigned)
}

func TestClaimSkipsJobsRequiringUnavailableCapabilities(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	insertJob(t, database, 10, `["s3"]`, time.Now())
	local := insertJob(t, database, 0, `["local_filesystem"]`, time.Now())

	claimed, err := js.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, claimed.GUID, local.GUID)
}

func TestClaimReturnsNoJobAvailableWhenQueueEmpty(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}

	_, err := js.Claim(context.Background(), 1, 1, []string{"local_filesystem"})
	assert.Assert(t, errors.Is(err, ErrNoJobAvailable))
}

// TestClaimOrdersByPriorityNotBoundness checks that an unbound
// higher-priority job is claimed ahead of a job
// bound to the claiming agent at lower priority. Boundedness only
// gates eligibility, it is never an ordering key.
func TestClaimOrdersByPriorityNotBoundness(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	boundAgentID := uint(7)
	bound := insertJob(t, database, 5, `["local_filesystem"]`, time.Now())
	assert.NilError(t, database.Model(&db.Job{}).Where("id = ?", bound.ID).Update("bound_agent_id", boundAgentID).Error)
	unbound := insertJob(t, database, 10, `["local_filesystem"]`, time.Now())

	first, err := js.Claim(ctx, 1, boundAgentID, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, first.GUID, unbound.GUID)

	second, err := js.Claim(ctx, 1, boundAgentID, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, second.GUID, bound.GUID)

	_, err = js.Claim(ctx, 1, boundAgentID, []string{"local_filesystem"})
	assert.Assert(t, errors.Is(err, ErrNoJobAvailable))
}

// TestClaimTiebreaksEqualPriorityByCreatedAt confirms that once
// priority ties, the oldest job wins regardless of boundedness.
func TestClaimTiebreaksEqualPriorityByCreatedAt(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	older := insertJob(t, database, 0, `["local_filesystem"]`, time.Now().Add(-time.Minute))
	boundAgentID := uint(7)
	newer := insertJob(t, database, 0, `["local_filesystem"]`, time.Now())
	assert.NilError(t, database.Model(&db.Job{}).Where("id = ?", newer.ID).Update("bound_agent_id", boundAgentID).Error)

	claimed, err := js.Claim(ctx, 1, boundAgentID, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, claimed.GUID, older.GUID)
}

func TestCompleteTransitionsJobAndClearsSigningSecretHash(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()
	job := insertJob(t, database, 0, "", time.Now())
	assert.NilError(t, js.SetSigningSecretHash(ctx, job.GUID, "deadbeef"))

	resultID := uint(42)
	assert.NilError(t, js.Complete(ctx, job.GUID, apis.JobCompleted, &resultID, ""))

	got, err := js.Get(ctx, job.GUID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, apis.JobCompleted)
	assert.Equal(t, got.SigningSecretHash, "")
	assert.Equal(t, *got.ResultID, resultID)
}

func TestClaimIgnoresOtherTeamsJobs(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	other := insertJob(t, database, 10, `["local_filesystem"]`, time.Now())
	assert.NilError(t, database.Model(&db.Job{}).Where("id = ?", other.ID).Update("team_id", 2).Error)

	_, err := js.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.Assert(t, errors.Is(err, ErrNoJobAvailable))
}

func TestClaimPicksUpDueScheduledJob(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	due := insertJob(t, database, 0, `["local_filesystem"]`, time.Now())
	past := time.Now().Add(-time.Minute)
	assert.NilError(t, database.Model(&db.Job{}).Where("id = ?", due.ID).
		Updates(map[string]interface{}{"status": apis.JobScheduled, "scheduled_for": past}).Error)

	future := insertJob(t, database, 10, `["local_filesystem"]`, time.Now())
	later := time.Now().Add(time.Hour)
	assert.NilError(t, database.Model(&db.Job{}).Where("id = ?", future.ID).
		Updates(map[string]interface{}{"status": apis.JobScheduled, "scheduled_for": later}).Error)

	claimed, err := js.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, claimed.GUID, due.GUID)

	_, err = js.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.Assert(t, errors.Is(err, ErrNoJobAvailable))
}

func TestScheduleEnforcesPerCollectionToolUniqueness(t *testing.T) {
	database := newTestDB(t)
	js := &JobStore{db: database}
	ctx := context.Background()

	collectionID := uint(11)
	when := time.Now().Add(time.Hour)
	first := db.Job{GUID: uuid.NewString(), TeamID: 1, CollectionID: &collectionID, Tool: apis.ToolPhotostats, MaxRetries: 3, ScheduledFor: &when}
	assert.NilError(t, js.Schedule(ctx, &first))

	dup := db.Job{GUID: uuid.NewString(), TeamID: 1, CollectionID: &collectionID, Tool: apis.ToolPhotostats, MaxRetries: 3, ScheduledFor: &when}
	assert.Assert(t, errors.Is(js.Schedule(ctx, &dup), ErrDuplicateScheduled))

	// A different tool on the same collection is fine.
	other := db.Job{GUID: uuid.NewString(), TeamID: 1, CollectionID: &collectionID, Tool: apis.ToolPhotoPairing, MaxRetries: 3, ScheduledFor: &when}
	assert.NilError(t, js.Schedule(ctx, &other))
}
