package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// MetricStore is the storage_metrics facade, fed by the storage
// optimizer's retention sweep.
type MetricStore struct {
	db *gorm.DB
}

// Record stores a point-in-time snapshot of a sweep's results.
func (s *MetricStore) Record(ctx context.Context, m *db.StorageMetric) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// ListByTeam returns a team's recorded snapshots, most recent first.
func (s *MetricStore) ListByTeam(ctx context.Context, teamID uint, limit int) ([]db.StorageMetric, error) {
	var metrics []db.StorageMetric
	q := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("recorded_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&metrics).Error
	return metrics, err
}
