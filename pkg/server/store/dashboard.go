package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered for sql.Open/sqlx.Open
)

// DashboardStore runs the fleet-activity aggregate queries behind the
// team dashboard. These are
// GROUP BY reports spanning jobs and agents rather than single-row
// CRUD, so they go through sqlx's raw-query-plus-struct-scan path
// instead of gorm's model mapper — raw SQL reporting against the
// same postgres database gorm owns for everything else.
//
// DashboardStore is only available when the server runs on postgres;
// sqlite deployments get a nil store and Handler.GetTeamDashboard reports
// unavailability rather than erroring.
type DashboardStore struct {
	db *sqlx.DB
}

// OpenDashboardStore opens a dedicated *sqlx.DB against dsn. Call sites
// own its lifetime and should Close it on shutdown.
func OpenDashboardStore(dsn string) (*DashboardStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open dashboard connection: %w", err)
	}
	return &DashboardStore{db: db}, nil
}

// Close releases the dashboard store's connection pool.
func (s *DashboardStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// JobStatusCount is one row of a team's job-status breakdown.
type JobStatusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

// AgentAvailability summarizes a team's fleet by online/offline state.
type AgentAvailability struct {
	Online  int64 `db:"online"`
	Offline int64 `db:"offline"`
	Revoked int64 `db:"revoked"`
}

// TeamActivity is the team dashboard payload: job throughput by status
// plus current fleet availability.
type TeamActivity struct {
	JobsByStatus []JobStatusCount
	Fleet        AgentAvailability
}

const teamJobStatusQuery = `
SELECT status, count(*) AS count
FROM jobs
WHERE team_id = $1
GROUP BY status
ORDER BY status`

const teamFleetQuery = `
SELECT
	count(*) FILTER (WHERE status = 'online')  AS online,
	count(*) FILTER (WHERE status = 'offline') AS offline,
	count(*) FILTER (WHERE status = 'revoked') AS revoked
FROM agents
WHERE team_id = $1`

// TeamActivity runs both aggregate queries for teamID.
func (s *DashboardStore) TeamActivity(ctx context.Context, teamID uint) (TeamActivity, error) {
	var out TeamActivity

	if err := s.db.SelectContext(ctx, &out.JobsByStatus, teamJobStatusQuery, teamID); err != nil {
		return out, fmt.Errorf("store: team job status breakdown: %w", err)
	}
	if err := s.db.GetContext(ctx, &out.Fleet, teamFleetQuery, teamID); err != nil {
		return out, fmt.Errorf("store: team fleet availability: %w", err)
	}
	return out, nil
}
