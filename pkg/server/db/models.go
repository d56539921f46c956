// Package db defines the server's gorm models for the
// agent/job/result tables, on gorm.io/gorm plus the postgres and
// sqlite drivers; squirrel builds the one query that needs hand-tuned
// locking semantics (the dispatcher's claim, in pkg/server/store).
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// Team is the tenant boundary every other row is scoped to.
type Team struct {
	ID        uint `gorm:"primarykey"`
	GUID      string `gorm:"uniqueIndex;size:32"`
	Name      string `gorm:"size:255;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Connector is a remote storage credential binding (S3/GCS/SMB).
type Connector struct {
	ID                 uint `gorm:"primarykey"`
	GUID               string `gorm:"uniqueIndex;size:32"`
	TeamID             uint   `gorm:"index;not null"`
	Type               apis.ConnectorType `gorm:"size:20;not null"`
	Location           string             `gorm:"size:1024;not null"`
	CredentialLocation apis.CredentialLocation `gorm:"size:20;not null"`
	EncryptedCredentials []byte `gorm:"type:bytea"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Pipeline is a versioned validation graph.
type Pipeline struct {
	ID        uint `gorm:"primarykey"`
	GUID      string `gorm:"uniqueIndex;size:32"`
	TeamID    uint   `gorm:"index;not null"`
	Name      string `gorm:"size:255;not null"`
	Version   int    `gorm:"not null;default:1"`
	GraphJSON string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collection is a bound photo collection, local or connector-backed.
type Collection struct {
	ID            uint `gorm:"primarykey"`
	GUID          string `gorm:"uniqueIndex;size:32"`
	TeamID        uint   `gorm:"index;not null"`
	Name          string `gorm:"size:255;not null"`
	Type          apis.CollectionType  `gorm:"size:20;not null"`
	State         apis.CollectionState `gorm:"size:20;not null;default:live"`
	Path          string `gorm:"size:1024;not null"`
	ConnectorID   *uint  `gorm:"index"`
	BoundAgentID  *uint  `gorm:"index"`
	PipelineID    *uint  `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Agent is a registered remote fleet member.
type Agent struct {
	ID                uint `gorm:"primarykey"`
	GUID              string `gorm:"uniqueIndex;size:32"`
	TeamID            uint   `gorm:"index;not null"`
	Name              string `gorm:"size:255;not null"`
	Hostname          string `gorm:"size:255"`
	Platform          string `gorm:"size:100"`
	Version           string `gorm:"size:50"`
	BinaryChecksum    string `gorm:"size:128"`
	APIKeyHash        string `gorm:"size:128;not null"`
	APIKeyPrefix      string `gorm:"size:16;not null"`
	Status            apis.AgentStatus `gorm:"size:20;not null;default:offline"`
	Capabilities      string `gorm:"type:text"` // JSON-encoded []string
	AuthorizedRoots   string `gorm:"type:text"` // JSON-encoded []string
	Metrics           string `gorm:"type:text"` // JSON-encoded map[string]any
	PendingCommands   string `gorm:"type:text"` // JSON-encoded []string
	LastHeartbeatAt   *time.Time
	IsOutdated        bool `gorm:"not null;default:false"`
	IsVerified        bool `gorm:"not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RegistrationToken is a one-time-use (or expiring) secret handed to an
// operator to bootstrap a new agent.
type RegistrationToken struct {
	ID        uint   `gorm:"primarykey"`
	GUID      string `gorm:"uniqueIndex;size:32"`
	TeamID    uint   `gorm:"index;not null"`
	TokenHash string `gorm:"size:128;not null"`
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Job is one unit of dispatchable work.
type Job struct {
	ID                      uint   `gorm:"primarykey"`
	GUID                    string `gorm:"uniqueIndex;size:32"`
	TeamID                  uint   `gorm:"index;not null"`
	CollectionID            *uint  `gorm:"index"`
	PipelineID              *uint  `gorm:"index"`
	PipelineVersion         int
	Tool                    apis.Tool       `gorm:"size:50;not null"`
	Mode                    string          `gorm:"size:50"`
	Status                  apis.JobStatus  `gorm:"size:20;not null;default:pending;index"`
	Priority                int             `gorm:"not null;default:0"`
	BoundAgentID            *uint           `gorm:"index"`
	RequiredCapabilitiesJSON string         `gorm:"type:text"`
	AgentID                 *uint           `gorm:"index"`
	AssignedAt              *time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	ProgressJSON            string `gorm:"type:text"`
	ErrorMessage            string `gorm:"type:text"`
	RetryCount              int    `gorm:"not null;default:0"`
	MaxRetries              int    `gorm:"not null;default:3"`
	ScheduledFor            *time.Time `gorm:"index"`
	ParentJobID             *uint
	SigningSecretHash       string `gorm:"size:128"`
	ResultID                *uint
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AnalysisResult is a terminal job's attested output.
type AnalysisResult struct {
	ID                 uint `gorm:"primarykey"`
	GUID               string `gorm:"uniqueIndex;size:32"`
	TeamID             uint   `gorm:"index;not null"`
	CollectionID       *uint  `gorm:"index"`
	ConnectorID        *uint  `gorm:"index"`
	PipelineID         *uint  `gorm:"index"`
	PipelineVersion    int
	Tool               apis.Tool          `gorm:"size:50;not null"`
	Status             apis.AnalysisStatus `gorm:"size:20;not null;index"`
	StartedAt          time.Time
	CompletedAt        time.Time
	DurationSeconds    float64
	ResultsJSON        string `gorm:"type:text"`
	ReportHTML         string `gorm:"type:text"`
	InputStateHash     string `gorm:"size:64;index"`
	NoChangeCopy       bool   `gorm:"not null;default:false"`
	ReferenceResultID  *uint
	ErrorMessage       string `gorm:"type:text"`
	CreatedAt          time.Time
}

// Configuration is a team's tool configuration (photo/metadata
// extensions, camera mappings, processing methods, default pipeline).
type Configuration struct {
	ID        uint   `gorm:"primarykey"`
	TeamID    uint   `gorm:"uniqueIndex;not null"`
	ConfigJSON string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// CameraMapping is one confirmed or temporary camera-id entry.
type CameraMapping struct {
	ID        uint   `gorm:"primarykey"`
	TeamID    uint   `gorm:"index;not null"`
	CameraID  string `gorm:"size:100;index;not null"`
	Make      string `gorm:"size:100"`
	Model     string `gorm:"size:100"`
	Status    string `gorm:"size:20;not null;default:temporary"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReleaseArtifact is one published agent binary, keyed by platform.
type ReleaseArtifact struct {
	ID        uint   `gorm:"primarykey"`
	GUID      string `gorm:"uniqueIndex;size:32"`
	Version   string `gorm:"size:50;not null;index"`
	Platform  string `gorm:"size:100;not null"`
	Checksum  string `gorm:"size:128;not null"`
	SizeBytes int64
	URL       string `gorm:"size:1024;not null"`
	CreatedAt time.Time
}

// StorageMetric is a point-in-time snapshot recorded by the storage
// optimizer's retention sweep.
type StorageMetric struct {
	ID                uint `gorm:"primarykey"`
	TeamID            uint `gorm:"index;not null"`
	RecordedAt        time.Time `gorm:"index;not null"`
	TotalResults       int64
	ReportsOptimized   int64
	JobsDeleted        int64
	ResultsDeleted     int64
	BytesReclaimed     int64
}

// AllModels lists every model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Team{}, &Connector{}, &Pipeline{}, &Collection{}, &Agent{},
		&RegistrationToken{}, &Job{}, &AnalysisResult{}, &Configuration{},
		&CameraMapping{}, &ReleaseArtifact{}, &StorageMetric{},
	}
}

// Migrate runs gorm's AutoMigrate over every model.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(AllModels()...)
}

// Open dials the configured driver ("postgres" or "sqlite") and
// returns a *gorm.DB with query logging left at the silent default,
// keeping the dialector choice out of callers' hands.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported database_driver %q", driver)
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
