package storage

import (
	"context"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// GCSAdapter accesses a Google Cloud Storage bucket. The example corpus
// carries no Google Cloud client library, so this adapter is a clean
// stub: it reports its capability honestly rather than silently
// succeeding (see DESIGN.md for the grounding/dependency note).
type GCSAdapter struct {
	bucket string
}

// NewGCSAdapter records the bucket from creds (it does not validate the
// credentials) and returns a GCSAdapter that fails test_connection with
// an explicit message; GCS collections cannot be walked by this build.
func NewGCSAdapter(creds map[string]string) (*GCSAdapter, error) {
	return &GCSAdapter{bucket: creds["bucket"]}, nil
}

func (a *GCSAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	return nil, fmt.Errorf("storage: gcs adapter not available in this build")
}

func (a *GCSAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]apis.FileInfo, error) {
	return nil, fmt.Errorf("storage: gcs adapter not available in this build")
}

func (a *GCSAdapter) TestConnection(ctx context.Context) (bool, string, error) {
	return false, "gcs support is not compiled into this agent build", nil
}
