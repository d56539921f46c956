package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// CollectionStore is the collections-table facade.
type CollectionStore struct {
	db *gorm.DB
}

// Create inserts a new collection.
func (s *CollectionStore) Create(ctx context.Context, c *db.Collection) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// GetByGUID fetches a collection by GUID, nil,nil if not found.
func (s *CollectionStore) GetByGUID(ctx context.Context, guid string) (*db.Collection, error) {
	var c db.Collection
	err := s.db.WithContext(ctx).Where("guid = ?", guid).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID fetches a collection by its numeric primary key, nil,nil if
// not found — used by the dispatcher to resolve a job's collection_id
// FK into the GUID an agent-facing JobPayload carries.
func (s *CollectionStore) GetByID(ctx context.Context, id uint) (*db.Collection, error) {
	var c db.Collection
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// BindAgent pins a collection to a specific agent so every future job
// against it is dispatched only to that agent.
func (s *CollectionStore) BindAgent(ctx context.Context, guid string, agentID uint) error {
	res := s.db.WithContext(ctx).Model(&db.Collection{}).Where("guid = ?", guid).Update("bound_agent_id", agentID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: collection not found")
	}
	return nil
}

// UnbindAgent clears a collection's agent binding.
func (s *CollectionStore) UnbindAgent(ctx context.Context, guid string) error {
	return s.db.WithContext(ctx).Model(&db.Collection{}).Where("guid = ?", guid).Update("bound_agent_id", nil).Error
}

// SetState transitions a collection's lifecycle state
// (live/closed/archived).
func (s *CollectionStore) SetState(ctx context.Context, guid string, state apis.CollectionState) error {
	return s.db.WithContext(ctx).Model(&db.Collection{}).Where("guid = ?", guid).Update("state", state).Error
}

// ListByTeam lists every collection owned by a team.
func (s *CollectionStore) ListByTeam(ctx context.Context, teamID uint) ([]db.Collection, error) {
	var collections []db.Collection
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("name ASC").Find(&collections).Error
	return collections, err
}
