package dispatcher

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
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

func TestClaimMintsSigningSecretAndResolvesGUIDs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	collection := db.Collection{GUID: uuid.NewString(), TeamID: 1, Name: "c1", Type: apis.CollectionLocal, Path: "/tmp"}
	assert.NilError(t, database.Create(&collection).Error)

	job := db.Job{
		GUID:                     uuid.NewString(),
		TeamID:                   1,
		CollectionID:             &collection.ID,
		Tool:                     apis.ToolPhotostats,
		Status:                   apis.JobPending,
		RequiredCapabilitiesJSON: `["local_filesystem"]`,
		MaxRetries:               3,
	}
	assert.NilError(t, database.Create(&job).Error)

	s := store.New(database, make([]byte, 32))
	d := New(s.Jobs, s.Collections, s.Pipelines, attestation.New(), discardLog())

	resp, err := d.Claim(ctx, 1, 1, []string{"local_filesystem"})
	assert.NilError(t, err)
	assert.Equal(t, resp.Job.GUID, job.GUID)
	assert.Equal(t, resp.Job.CollectionGUID, collection.GUID)
	assert.Assert(t, resp.SigningSecretB64 != "")

	var updated db.Job
	assert.NilError(t, database.Where("guid = ?", job.GUID).First(&updated).Error)
	assert.Equal(t, updated.Status, apis.JobAssigned)
	assert.Assert(t, updated.SigningSecretHash != "")
}

func TestClaimReturnsNoJobAvailable(t *testing.T) {
	database := newTestDB(t)
	s := store.New(database, make([]byte, 32))
	d := New(s.Jobs, s.Collections, s.Pipelines, attestation.New(), discardLog())

	_, err := d.Claim(context.Background(), 1, 1, []string{"local_filesystem"})
	assert.Assert(t, errors.Is(err, ErrNoJobAvailable))
}
