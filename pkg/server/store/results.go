package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// ResultStore is the analysis_results facade: result ingestion, the
// input-state dedup lookup, and the retention queries
// the storage optimizer sweeps with.
type ResultStore struct {
	db *gorm.DB
}

// Create inserts a new analysis result.
func (s *ResultStore) Create(ctx context.Context, r *db.AnalysisResult) error {
	return s.db.WithContext(ctx).Create(r).Error
}

// GetByGUID fetches a result by GUID, nil,nil if not found.
func (s *ResultStore) GetByGUID(ctx context.Context, guid string) (*db.AnalysisResult, error) {
	var r db.AnalysisResult
	err := s.db.WithContext(ctx).Where("guid = ?", guid).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestByInputStateHash finds the most recent non-failed result for a
// collection+tool sharing the given input-state hash — the server side
// of the PrecheckInputState / NO_CHANGE flow: if one exists, the agent
// is told to skip re-running the tool.
func (s *ResultStore) LatestByInputStateHash(ctx context.Context, collectionID uint, tool apis.Tool, hash string) (*db.AnalysisResult, error) {
	var r db.AnalysisResult
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND tool = ? AND input_state_hash = ? AND status != ?",
			collectionID, tool, hash, apis.AnalysisFailed).
		Order("completed_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListByCollection lists a collection's results, most recent first.
func (s *ResultStore) ListByCollection(ctx context.Context, collectionID uint, limit int) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	q := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Order("completed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&results).Error
	return results, err
}

// ListOptimizableReports returns completed results older than cutoff
// that still carry an inline report_html payload. The optimizer's
// retention sweep does not call it; it deletes whole rows instead.
func (s *ResultStore) ListOptimizableReports(ctx context.Context, cutoff time.Time, limit int) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	err := s.db.WithContext(ctx).
		Where("completed_at < ? AND report_html != '' AND status = ?", cutoff, apis.AnalysisCompleted).
		Order("completed_at ASC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

// StripReport clears a result's report_html, recording the bytes
// reclaimed for the optimizer's metrics.
func (s *ResultStore) StripReport(ctx context.Context, id uint) (bytesReclaimed int64, err error) {
	var r db.AnalysisResult
	if err = s.db.WithContext(ctx).Select("report_html").Where("id = ?", id).First(&r).Error; err != nil {
		return 0, err
	}
	bytesReclaimed = int64(len(r.ReportHTML))
	err = s.db.WithContext(ctx).Model(&db.AnalysisResult{}).Where("id = ?", id).Update("report_html", "").Error
	return bytesReclaimed, err
}

// DeleteOldResults permanently removes a team's completed/NO_CHANGE
// results older than cutoff, keeping the newest preserveN per
// (collection, tool) and never deleting a result still referenced as
// another result's NO_CHANGE chain head. Returns how
// many rows were deleted and an estimate of the bytes reclaimed.
func (s *ResultStore) DeleteOldResults(ctx context.Context, teamID uint, cutoff time.Time, preserveN int) (deleted int64, bytesReclaimed int64, err error) {
	type candidate struct {
		ID   uint
		Size int64
	}

	const query = `
		SELECT id, length(results_json) + length(report_html) AS size FROM (
			SELECT id, results_json, report_html, completed_at,
				ROW_NUMBER() OVER (PARTITION BY collection_id, tool ORDER BY completed_at DESC) AS rn
			FROM analysis_results
			WHERE team_id = ? AND status IN (?, ?)
		) ranked
		WHERE rn > ? AND completed_at < ?
		AND id NOT IN (SELECT reference_result_id FROM analysis_results WHERE reference_result_id IS NOT NULL)
	`

	var candidates []candidate
	if err = s.db.WithContext(ctx).Raw(query, teamID, apis.AnalysisCompleted, apis.AnalysisNoChange, preserveN, cutoff).Scan(&candidates).Error; err != nil {
		return 0, 0, err
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	ids := make([]uint, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		bytesReclaimed += c.Size
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&db.AnalysisResult{})
	return res.RowsAffected, bytesReclaimed, res.Error
}

// CountByTeam counts every result recorded for a team, for the
// optimizer's storage metrics snapshot.
func (s *ResultStore) CountByTeam(ctx context.Context, teamID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.AnalysisResult{}).Where("team_id = ?", teamID).Count(&count).Error
	return count, err
}
