package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// PipelineStore is the pipelines-table facade.
type PipelineStore struct {
	db *gorm.DB
}

// Create inserts a new pipeline version.
func (s *PipelineStore) Create(ctx context.Context, p *db.Pipeline) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// GetByGUID fetches a pipeline's latest row by GUID, nil,nil if not found.
func (s *PipelineStore) GetByGUID(ctx context.Context, guid string) (*db.Pipeline, error) {
	var p db.Pipeline
	err := s.db.WithContext(ctx).Where("guid = ?", guid).Order("version DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID fetches a pipeline by its numeric primary key, nil,nil if
// not found.
func (s *PipelineStore) GetByID(ctx context.Context, id uint) (*db.Pipeline, error) {
	var p db.Pipeline
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetVersion fetches a specific version of a pipeline, so a job bound
// to pipeline_version N continues to validate against N even after the
// team publishes N+1.
func (s *PipelineStore) GetVersion(ctx context.Context, guid string, version int) (*db.Pipeline, error) {
	var p db.Pipeline
	err := s.db.WithContext(ctx).Where("guid = ? AND version = ?", guid, version).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListByTeam lists every pipeline's latest version for a team.
func (s *PipelineStore) ListByTeam(ctx context.Context, teamID uint) ([]db.Pipeline, error) {
	var pipelines []db.Pipeline
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("name ASC, version DESC").Find(&pipelines).Error
	return pipelines, err
}
