// Package storage implements the agent's StorageAdapter abstraction:
// a uniform interface over local disk and remote connector-backed
// storage (S3, GCS, SMB). Every adapter answers
// the same three questions — list paths, list paths with metadata, and
// test connectivity — so the executor's walk logic never needs to know
// which backend a collection lives on.
package storage

import (
	"context"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// Adapter is the uniform storage interface implemented by every
// backend. Implementations must tolerate unreadable individual entries
// by skipping them rather than failing the whole listing, matching the
// local adapter's behavior.
type Adapter interface {
	// ListFiles returns every file path under location, relative to it.
	ListFiles(ctx context.Context, location string) ([]string, error)

	// ListFilesWithMetadata returns the same set of files as ListFiles,
	// each with size and last-modified metadata attached.
	ListFilesWithMetadata(ctx context.Context, location string) ([]apis.FileInfo, error)

	// TestConnection performs a lightweight connectivity/credential
	// check and reports a human-readable outcome.
	TestConnection(ctx context.Context) (bool, string, error)
}

// NewAdapter constructs the Adapter matching connectorType, decrypting
// credentials already resolved by the caller (server-side or
// agent-side, per CredentialLocation).
func NewAdapter(connectorType apis.ConnectorType, credentials map[string]string) (Adapter, error) {
	switch connectorType {
	case apis.ConnectorS3:
		return NewS3Adapter(credentials)
	case apis.ConnectorGCS:
		return NewGCSAdapter(credentials)
	case apis.ConnectorSMB:
		return NewSMBAdapter(credentials)
	case "", apis.ConnectorType(apis.CollectionLocal):
		return NewLocalAdapter(), nil
	default:
		return nil, fmt.Errorf("storage: unknown connector type %q", connectorType)
	}
}
