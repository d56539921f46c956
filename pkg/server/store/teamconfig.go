package store

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// TeamConfigStore is the configuration-table facade, plus the
// camera_mappings lookup used by the inventory tools and the bulk
// CameraDiscover endpoint.
type TeamConfigStore struct {
	db *gorm.DB
}

// Get fetches a team's TeamConfig, building camera mappings from the
// camera_mappings table rather than the Configuration row itself; the
// two are normalized separately so camera confirmations don't rewrite
// the config blob.
func (s *TeamConfigStore) Get(ctx context.Context, teamID uint) (*apis.TeamConfig, error) {
	var row db.Configuration
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).First(&row).Error
	var cfg apis.TeamConfig
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	} else if uerr := json.Unmarshal([]byte(row.ConfigJSON), &cfg); uerr != nil {
		return nil, uerr
	}

	var cameras []db.CameraMapping
	if err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Find(&cameras).Error; err != nil {
		return nil, err
	}
	if len(cameras) > 0 {
		cfg.CameraMappings = make(map[string][]apis.CameraMapping)
		for _, c := range cameras {
			entry := apis.CameraMapping{CameraID: c.CameraID, Make: c.Make, Model: c.Model, Status: c.Status}
			cfg.CameraMappings[c.CameraID] = append(cfg.CameraMappings[c.CameraID], entry)
		}
	}
	return &cfg, nil
}

// Upsert replaces a team's stored configuration (extensions, required
// sidecars, processing methods, default pipeline — everything but
// camera mappings, which are managed through DiscoverCameras/
// UpsertCamera).
func (s *TeamConfigStore) Upsert(ctx context.Context, teamID uint, cfg apis.TeamConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	row := db.Configuration{TeamID: teamID, ConfigJSON: string(encoded)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_json", "updated_at"}),
	}).Create(&row).Error
}

// DiscoverCameras looks up a bounded batch of camera ids
// (apis.MaxCameraDiscoverIDs), returning whatever confirmed or
// temporary mappings exist — unmatched ids are simply absent from the
// result.
func (s *TeamConfigStore) DiscoverCameras(ctx context.Context, teamID uint, cameraIDs []string) ([]apis.CameraMapping, error) {
	var rows []db.CameraMapping
	err := s.db.WithContext(ctx).Where("team_id = ? AND camera_id IN ?", teamID, cameraIDs).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]apis.CameraMapping, len(rows))
	for i, r := range rows {
		out[i] = apis.CameraMapping{CameraID: r.CameraID, Make: r.Make, Model: r.Model, Status: r.Status}
	}
	return out, nil
}

// UpsertCamera records a newly-seen camera id as "temporary" unless
// already confirmed, letting an operator later promote it.
func (s *TeamConfigStore) UpsertCamera(ctx context.Context, teamID uint, m apis.CameraMapping) error {
	var existing db.CameraMapping
	err := s.db.WithContext(ctx).Where("team_id = ? AND camera_id = ?", teamID, m.CameraID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&db.CameraMapping{
			TeamID: teamID, CameraID: m.CameraID, Make: m.Make, Model: m.Model, Status: "temporary",
		}).Error
	}
	if err != nil {
		return err
	}
	if existing.Status == "confirmed" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{"make": m.Make, "model": m.Model}).Error
}
