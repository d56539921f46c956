package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// TeamStore is the teams-table facade. Its one operation today backs
// the storage optimizer's per-team sweep iteration.
type TeamStore struct {
	db *gorm.DB
}

// ListIDs returns every registered team's primary key, ascending.
func (s *TeamStore) ListIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&db.Team{}).Order("id ASC").Pluck("id", &ids).Error
	return ids, err
}
