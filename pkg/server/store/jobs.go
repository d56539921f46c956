package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// JobStore is the jobs-table facade. Claim is its core operation: a
// candidate SELECT with a FOR UPDATE SKIP LOCKED suffix (omitted on
// sqlite) run through tx.Raw inside a transaction, with
// capability-subset filtering and bound-agent precedence — rules a
// plain gorm .Where chain can't express portably across postgres and
// sqlite, so the candidate SELECT is built with squirrel and the
// subset check applied in Go once the candidate batch is locked.
type JobStore struct {
	db *gorm.DB
}

// claimBatchSize bounds how many locked candidate rows Claim inspects
// before giving up; keeps one claim transaction from scanning an
// unbounded pending backlog.
const claimBatchSize = 50

// ErrNoJobAvailable is returned by Claim when nothing in the pending
// queue currently fits the agent's capabilities.
var ErrNoJobAvailable = errors.New("store: no job available")

// Claim atomically locks and assigns the pending job with the highest
// priority (ties broken by oldest created_at) whose required
// capabilities are a subset of the agent's declared capabilities and
// whose bound_agent_id, if set, matches this agent. Boundedness gates
// eligibility only — it is never an ordering key — so an unbound
// higher-priority job is always claimed ahead of a bound lower-priority
// one.
func (s *JobStore) Claim(ctx context.Context, teamID, agentID uint, agentCapabilities []string) (*db.Job, error) {
	have := make(map[string]bool, len(agentCapabilities))
	for _, c := range agentCapabilities {
		have[c] = true
	}

	// A due scheduled job is claimable directly; the scheduled→pending
	// promotion and the claim collapse into one transition.
	qb := sqrl.Select("id", "guid", "team_id", "collection_id", "pipeline_id",
		"pipeline_version", "tool", "mode", "status", "priority", "bound_agent_id",
		"required_capabilities_json", "retry_count", "max_retries", "scheduled_for", "created_at").
		From("jobs").
		Where(sqrl.Eq{"team_id": teamID}).
		Where(sqrl.Eq{"status": []apis.JobStatus{apis.JobPending, apis.JobScheduled}}).
		Where(sqrl.Or{sqrl.Expr("scheduled_for IS NULL"), sqrl.LtOrEq{"scheduled_for": time.Now().UTC()}}).
		Where(sqrl.Or{sqrl.Expr("bound_agent_id IS NULL"), sqrl.Eq{"bound_agent_id": agentID}}).
		OrderBy("priority DESC", "created_at ASC").
		Limit(claimBatchSize)

	// SKIP LOCKED is a postgres row-locking extension with no sqlite
	// equivalent; the sqlite driver is used for local/dev/test only, where
	// there is no concurrent claimer to race against.
	if s.db.Name() != "sqlite" {
		qb = qb.Suffix("FOR UPDATE SKIP LOCKED")
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}

	var claimed *db.Job
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []db.Job
		if qerr := tx.Raw(sqlStr, args...).Scan(&candidates).Error; qerr != nil {
			return qerr
		}

		for i := range candidates {
			var required []string
			if candidates[i].RequiredCapabilitiesJSON != "" {
				if uerr := json.Unmarshal([]byte(candidates[i].RequiredCapabilitiesJSON), &required); uerr != nil {
					continue
				}
			}
			if !subsetOf(required, have) {
				continue
			}

			now := time.Now().UTC()
			updates := map[string]interface{}{
				"status":      apis.JobAssigned,
				"agent_id":    agentID,
				"assigned_at": now,
			}
			res := tx.Model(&db.Job{}).Where("id = ?", candidates[i].ID).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			candidates[i].Status = apis.JobAssigned
			candidates[i].AgentID = &agentID
			candidates[i].AssignedAt = &now
			claimed = &candidates[i]
			return nil
		}
		return ErrNoJobAvailable
	})
	if err != nil {
		if errors.Is(err, ErrNoJobAvailable) {
			return nil, ErrNoJobAvailable
		}
		return nil, err
	}
	return claimed, nil
}

func subsetOf(required []string, have map[string]bool) bool {
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Get fetches a job by GUID, nil,nil if not found.
func (s *JobStore) Get(ctx context.Context, guid string) (*db.Job, error) {
	var j db.Job
	err := s.db.WithContext(ctx).Where("guid = ?", guid).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts a new job row as given; Status and ScheduledFor are
// stored exactly as the caller set them.
func (s *JobStore) Create(ctx context.Context, job *db.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// ErrDuplicateScheduled reports a refused Schedule call: the
// (collection, tool) pair already has a scheduled job.
var ErrDuplicateScheduled = errors.New("store: a scheduled job already exists for this collection and tool")

// Schedule inserts a future job, enforcing at most one scheduled job
// per (collection, tool) inside one transaction.
func (s *JobStore) Schedule(ctx context.Context, job *db.Job) error {
	job.Status = apis.JobScheduled
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if job.CollectionID != nil {
			var count int64
			if err := tx.Model(&db.Job{}).
				Where("collection_id = ? AND tool = ? AND status = ?", *job.CollectionID, job.Tool, apis.JobScheduled).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateScheduled
			}
		}
		return tx.Create(job).Error
	})
}

// MarkRunning transitions an assigned job to running once the agent
// starts executing it.
func (s *JobStore) MarkRunning(ctx context.Context, guid string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&db.Job{}).
		Where("guid = ? AND status = ?", guid, apis.JobAssigned).
		Updates(map[string]interface{}{"status": apis.JobRunning, "started_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: job not in assigned state")
	}
	return nil
}

// UpdateProgress persists the latest ProgressUpdate JSON for a running
// job.
func (s *JobStore) UpdateProgress(ctx context.Context, guid string, progressJSON string) error {
	return s.db.WithContext(ctx).Model(&db.Job{}).
		Where("guid = ?", guid).
		Update("progress_json", progressJSON).Error
}

// Complete transitions a job to completed/failed and records the
// linked result, error message, and signing-secret hash clearing.
func (s *JobStore) Complete(ctx context.Context, guid string, status apis.JobStatus, resultID *uint, errMsg string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&db.Job{}).
		Where("guid = ?", guid).
		Updates(map[string]interface{}{
			"status":              status,
			"completed_at":        now,
			"result_id":           resultID,
			"error_message":       errMsg,
			"signing_secret_hash": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: job not found")
	}
	return nil
}

// Requeue resets a failed job back to pending for retry, bumping
// retry_count, or leaves it failed when retries are exhausted.
func (s *JobStore) Requeue(ctx context.Context, job *db.Job) error {
	if job.RetryCount >= job.MaxRetries {
		return s.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", job.ID).
			Update("status", apis.JobFailed).Error
	}
	return s.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":      apis.JobPending,
			"retry_count": job.RetryCount + 1,
			"agent_id":    nil,
			"assigned_at": nil,
			"started_at":  nil,
		}).Error
}

// SetSigningSecretHash stores the SHA-256 hash of the freshly minted
// per-claim signing secret.
func (s *JobStore) SetSigningSecretHash(ctx context.Context, guid, hash string) error {
	return s.db.WithContext(ctx).Model(&db.Job{}).Where("guid = ?", guid).
		Update("signing_secret_hash", hash).Error
}

// ListStuckRunning returns jobs stuck in running/assigned past the
// given cutoff. No server component calls it; the dispatcher runs no
// timeout sweep.
func (s *JobStore) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := s.db.WithContext(ctx).
		Where("status IN ? AND assigned_at < ?", []apis.JobStatus{apis.JobAssigned, apis.JobRunning}, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// Cancel marks a pending/assigned/running job cancelled.
func (s *JobStore) Cancel(ctx context.Context, guid string) error {
	res := s.db.WithContext(ctx).Model(&db.Job{}).
		Where("guid = ? AND status IN ?", guid, []apis.JobStatus{apis.JobScheduled, apis.JobPending, apis.JobAssigned, apis.JobRunning}).
		Clauses(clause.Returning{}).
		Updates(map[string]interface{}{"status": apis.JobCancelled, "completed_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: job not cancellable")
	}
	return nil
}

// DeleteCompletedBefore permanently removes a team's completed jobs
// older than cutoff, part of the storage optimizer's retention sweep.
func (s *JobStore) DeleteCompletedBefore(ctx context.Context, teamID uint, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("team_id = ? AND status = ? AND completed_at < ?", teamID, apis.JobCompleted, cutoff).
		Delete(&db.Job{})
	return res.RowsAffected, res.Error
}

// DeleteFailedBefore permanently removes a team's failed jobs older
// than cutoff, part of the storage optimizer's retention sweep.
func (s *JobStore) DeleteFailedBefore(ctx context.Context, teamID uint, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("team_id = ? AND status = ? AND completed_at < ?", teamID, apis.JobFailed, cutoff).
		Delete(&db.Job{})
	return res.RowsAffected, res.Error
}

// ListByCollection lists jobs for a collection, most recent first.
func (s *JobStore) ListByCollection(ctx context.Context, collectionID uint, limit int) ([]db.Job, error) {
	var jobs []db.Job
	q := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}
