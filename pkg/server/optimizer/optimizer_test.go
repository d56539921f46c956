package optimizer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	assert.NilError(t, err)
	assert.NilError(t, db.Migrate(database))
	return database
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTeam(t *testing.T, database *gorm.DB) uint {
	t.Helper()
	team := db.Team{GUID: uuid.NewString(), Name: "t1"}
	assert.NilError(t, database.Create(&team).Error)
	return team.ID
}

func newOptimizer(s *store.Store) *Optimizer {
	return New(s.Teams, s.TeamConfig, s.Jobs, s.Results, s.Metrics, discardLog())
}

func TestSweepDeletesOldCompletedAndFailedJobsOnly(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	teamID := newTeam(t, database)

	oldCompleted := db.Job{GUID: uuid.NewString(), TeamID: teamID, Tool: apis.ToolPhotostats, Status: apis.JobCompleted, CompletedAt: ptrTime(time.Now().Add(-200 * 24 * time.Hour))}
	recentCompleted := db.Job{GUID: uuid.NewString(), TeamID: teamID, Tool: apis.ToolPhotostats, Status: apis.JobCompleted, CompletedAt: ptrTime(time.Now())}
	oldFailed := db.Job{GUID: uuid.NewString(), TeamID: teamID, Tool: apis.ToolPhotostats, Status: apis.JobFailed, CompletedAt: ptrTime(time.Now().Add(-60 * 24 * time.Hour))}
	recentFailed := db.Job{GUID: uuid.NewString(), TeamID: teamID, Tool: apis.ToolPhotostats, Status: apis.JobFailed, CompletedAt: ptrTime(time.Now())}
	for _, j := range []*db.Job{&oldCompleted, &recentCompleted, &oldFailed, &recentFailed} {
		assert.NilError(t, database.Create(j).Error)
	}

	o := newOptimizer(s)
	assert.NilError(t, o.Sweep(context.Background()))

	var remaining []db.Job
	assert.NilError(t, database.Find(&remaining).Error)
	guids := map[string]bool{}
	for _, j := range remaining {
		guids[j.GUID] = true
	}
	assert.Assert(t, !guids[oldCompleted.GUID])
	assert.Assert(t, !guids[oldFailed.GUID])
	assert.Assert(t, guids[recentCompleted.GUID])
	assert.Assert(t, guids[recentFailed.GUID])

	metrics, err := s.Metrics.ListByTeam(context.Background(), teamID, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(metrics), 1)
	assert.Equal(t, metrics[0].JobsDeleted, int64(2))
}

func TestSweepPreservesNewestPerCollectionDespiteAge(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	teamID := newTeam(t, database)
	collectionID := uint(1)

	// Every result is old enough to be swept, but only 3 per
	// collection+tool may be preserved (DefaultPreservePerCollection).
	var results []db.AnalysisResult
	for i := 0; i < 5; i++ {
		r := db.AnalysisResult{
			GUID: uuid.NewString(), TeamID: teamID, CollectionID: &collectionID, Tool: apis.ToolPhotostats,
			Status: apis.AnalysisCompleted, ResultsJSON: "{}",
			CompletedAt: time.Now().Add(-200*24*time.Hour + time.Duration(i)*time.Hour),
		}
		assert.NilError(t, database.Create(&r).Error)
		results = append(results, r)
	}

	o := newOptimizer(s)
	assert.NilError(t, o.Sweep(context.Background()))

	var remaining []db.AnalysisResult
	assert.NilError(t, database.Find(&remaining).Error)
	assert.Equal(t, len(remaining), DefaultPreservePerCollection)

	// The newest 3 (highest i) must be the survivors.
	survived := map[string]bool{}
	for _, r := range remaining {
		survived[r.GUID] = true
	}
	for i := 2; i < 5; i++ {
		assert.Assert(t, survived[results[i].GUID])
	}
}

func TestSweepProtectsNoChangeChainHead(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	teamID := newTeam(t, database)
	collectionID := uint(2)

	head := db.AnalysisResult{
		GUID: uuid.NewString(), TeamID: teamID, CollectionID: &collectionID, Tool: apis.ToolPhotostats,
		Status: apis.AnalysisCompleted, ResultsJSON: "{}", CompletedAt: time.Now().Add(-200 * 24 * time.Hour),
	}
	assert.NilError(t, database.Create(&head).Error)

	noChange := db.AnalysisResult{
		GUID: uuid.NewString(), TeamID: teamID, CollectionID: &collectionID, Tool: apis.ToolPhotostats,
		Status: apis.AnalysisNoChange, NoChangeCopy: true, ReferenceResultID: &head.ID,
		CompletedAt: time.Now(),
	}
	assert.NilError(t, database.Create(&noChange).Error)

	o := newOptimizer(s)
	assert.NilError(t, o.Sweep(context.Background()))

	var gotHead db.AnalysisResult
	assert.NilError(t, database.Where("guid = ?", head.GUID).First(&gotHead).Error)
}

func TestSweepHonorsPerTeamRetentionOverride(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	teamID := newTeam(t, database)

	assert.NilError(t, s.TeamConfig.Upsert(context.Background(), teamID, apis.TeamConfig{
		Retention: apis.RetentionPolicy{JobCompletedDays: 1},
	}))

	job := db.Job{GUID: uuid.NewString(), TeamID: teamID, Tool: apis.ToolPhotostats, Status: apis.JobCompleted, CompletedAt: ptrTime(time.Now().Add(-48 * time.Hour))}
	assert.NilError(t, database.Create(&job).Error)

	o := newOptimizer(s)
	assert.NilError(t, o.Sweep(context.Background()))

	var count int64
	assert.NilError(t, database.Model(&db.Job{}).Where("guid = ?", job.GUID).Count(&count).Error)
	assert.Equal(t, count, int64(0))
}

func TestSweepNoOpWhenNothingEligible(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	teamID := newTeam(t, database)

	o := newOptimizer(s)
	assert.NilError(t, o.Sweep(context.Background()))

	metrics, err := s.Metrics.ListByTeam(context.Background(), teamID, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(metrics), 0)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
