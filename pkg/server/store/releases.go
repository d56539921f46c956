package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// ReleaseStore is the release_artifacts facade backing the agent
// self-update flow.
type ReleaseStore struct {
	db *gorm.DB
}

// Create publishes a new release artifact.
func (s *ReleaseStore) Create(ctx context.Context, a *db.ReleaseArtifact) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// Latest returns the most recently published artifact for a platform,
// nil,nil if nothing has shipped yet.
func (s *ReleaseStore) Latest(ctx context.Context, platform string) (*db.ReleaseArtifact, error) {
	var a db.ReleaseArtifact
	err := s.db.WithContext(ctx).Where("platform = ?", platform).Order("created_at DESC").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}


// Get fetches the exact version/platform artifact the self-update
// download endpoint serves, nil,nil if unpublished.
func (s *ReleaseStore) Get(ctx context.Context, version, platform string) (*db.ReleaseArtifact, error) {
	var a db.ReleaseArtifact
	err := s.db.WithContext(ctx).Where("version = ? AND platform = ?", version, platform).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ByChecksum looks up a published artifact by its binary checksum, used
// during registration to confirm an agent's reported binary_checksum
// appears in the release manifest before it's allowed to register.
func (s *ReleaseStore) ByChecksum(ctx context.Context, checksum string) (*db.ReleaseArtifact, error) {
	var a db.ReleaseArtifact
	err := s.db.WithContext(ctx).Where("checksum = ?", checksum).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
