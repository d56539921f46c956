// Package store is the server's repository layer over pkg/server/db's
// gorm models. Each file is one per-entity facade: a thin struct
// wrapping *gorm.DB,
// one method per operation, gorm.ErrRecordNotFound mapped to a nil,nil
// "not found" return rather than bubbling a sentinel up through every
// caller.
package store

import (
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// Store bundles every facade behind one constructor so callers (the
// API handlers, the dispatcher) have a single dependency to wire.
type Store struct {
	DB          *gorm.DB
	Agents      *AgentStore
	Connectors  *ConnectorStore
	Collections *CollectionStore
	Pipelines   *PipelineStore
	Jobs        *JobStore
	Results     *ResultStore
	TeamConfig  *TeamConfigStore
	Teams       *TeamStore
	Tokens      *TokenStore
	Releases    *ReleaseStore
	Metrics     *MetricStore
}

// New wires every facade against the same *gorm.DB. credentialKey must
// be exactly 32 bytes; it encrypts Connector.EncryptedCredentials at
// rest.
func New(database *gorm.DB, credentialKey []byte) *Store {
	return &Store{
		DB:          database,
		Agents:      &AgentStore{db: database},
		Connectors:  &ConnectorStore{db: database, key: credentialKey},
		Collections: &CollectionStore{db: database},
		Pipelines:   &PipelineStore{db: database},
		Jobs:        &JobStore{db: database},
		Results:     &ResultStore{db: database},
		TeamConfig:  &TeamConfigStore{db: database},
		Teams:       &TeamStore{db: database},
		Tokens:      &TokenStore{db: database},
		Releases:    &ReleaseStore{db: database},
		Metrics:     &MetricStore{db: database},
	}
}

// Migrate runs gorm AutoMigrate over every model.
func Migrate(database *gorm.DB) error {
	return db.Migrate(database)
}
