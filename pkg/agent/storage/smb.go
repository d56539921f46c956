package storage

import (
	"context"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// SMBAdapter accesses a Windows/SMB file share. Like GCSAdapter, this
// is a clean stub: the example corpus carries no SMB client library,
// so it reports its unavailability honestly rather than faking
// success (see DESIGN.md).
type SMBAdapter struct {
	server string
	share  string
}

// NewSMBAdapter records the server and share from creds; it does not
// validate the credentials.
func NewSMBAdapter(creds map[string]string) (*SMBAdapter, error) {
	return &SMBAdapter{server: creds["server"], share: creds["share"]}, nil
}

func (a *SMBAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	return nil, fmt.Errorf("storage: smb adapter not available in this build")
}

func (a *SMBAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]apis.FileInfo, error) {
	return nil, fmt.Errorf("storage: smb adapter not available in this build")
}

func (a *SMBAdapter) TestConnection(ctx context.Context) (bool, string, error) {
	return false, "smb support is not compiled into this agent build", nil
}
