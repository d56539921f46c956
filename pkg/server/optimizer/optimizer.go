// Package optimizer runs the storage retention sweep on a cron
// schedule, with SkipIfStillRunning so a slow sweep never overlaps
// its own next tick.
package optimizer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// DefaultSchedule runs the sweep once a day at 02:00.
const DefaultSchedule = "0 2 * * *"

// DefaultReportRetention is the server-wide default for how long a
// completed result survives before the sweep deletes it, used for any
// team that hasn't set result_completed_days in its own
// apis.RetentionPolicy.
const DefaultReportRetention = 90 * 24 * time.Hour

// DefaultJobFailedRetention is the server-wide default for how long a
// failed job survives, used for any team that hasn't set
// job_failed_days.
const DefaultJobFailedRetention = 30 * 24 * time.Hour

// DefaultPreservePerCollection is how many of the newest results per
// (collection, tool) are always kept regardless of age, for any team
// that hasn't set preserve_per_collection.
const DefaultPreservePerCollection = 3

// Optimizer periodically reclaims storage by deleting old completed
// jobs, failed jobs, and analysis results, honoring each team's
// apis.RetentionPolicy override.
type Optimizer struct {
	teams      *store.TeamStore
	teamConfig *store.TeamConfigStore
	jobs       *store.JobStore
	results    *store.ResultStore
	metrics    *store.MetricStore

	jobCompletedRetention time.Duration
	jobFailedRetention    time.Duration
	resultRetention       time.Duration
	preservePerCollection int

	now func() time.Time
	log *logrus.Entry
}

// New constructs an Optimizer with the package defaults; use
// WithReportRetention to replace the server-wide completed-job/result
// retention window with the operator's configured value.
func New(teams *store.TeamStore, teamConfig *store.TeamConfigStore, jobs *store.JobStore, results *store.ResultStore, metrics *store.MetricStore, log *logrus.Entry) *Optimizer {
	return &Optimizer{
		teams:                 teams,
		teamConfig:            teamConfig,
		jobs:                  jobs,
		results:               results,
		metrics:               metrics,
		jobCompletedRetention: DefaultReportRetention,
		jobFailedRetention:    DefaultJobFailedRetention,
		resultRetention:       DefaultReportRetention,
		preservePerCollection: DefaultPreservePerCollection,
		now:                   time.Now,
		log:                   log,
	}
}

// WithReportRetention overrides the default completed-job and
// completed-result retention window, letting the server's configured
// report_retention_days replace DefaultReportRetention.
func (o *Optimizer) WithReportRetention(d time.Duration) *Optimizer {
	o.jobCompletedRetention = d
	o.resultRetention = d
	return o
}

// Start schedules Sweep on schedule (a standard 5-field cron
// expression) and returns the running *cron.Cron so the caller can
// Stop() it on shutdown.
func (o *Optimizer) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		if err := o.Sweep(ctx); err != nil {
			o.log.WithError(err).Error("optimizer: sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Sweep iterates every team, deleting its completed jobs older than
// job_completed_days, failed jobs older than job_failed_days, and
// completed/NO_CHANGE results older than result_completed_days (minus
// the newest preserve_per_collection per collection+tool and any
// NO_CHANGE chain head), recording one StorageMetric row per team that
// had anything deleted.
func (o *Optimizer) Sweep(ctx context.Context) error {
	teamIDs, err := o.teams.ListIDs(ctx)
	if err != nil {
		return err
	}

	for _, teamID := range teamIDs {
		if err := o.sweepTeam(ctx, teamID); err != nil {
			o.log.WithError(err).WithField("team_id", teamID).Warn("optimizer: sweep failed for team")
		}
	}
	return nil
}

func (o *Optimizer) sweepTeam(ctx context.Context, teamID uint) error {
	policy := o.policyFor(ctx, teamID)

	now := o.now()
	jobsDeleted, err := o.jobs.DeleteCompletedBefore(ctx, teamID, now.Add(-policy.jobCompleted))
	if err != nil {
		return err
	}
	failedDeleted, err := o.jobs.DeleteFailedBefore(ctx, teamID, now.Add(-policy.jobFailed))
	if err != nil {
		return err
	}
	jobsDeleted += failedDeleted

	resultsDeleted, bytesReclaimed, err := o.results.DeleteOldResults(ctx, teamID, now.Add(-policy.resultCompleted), policy.preserveN)
	if err != nil {
		return err
	}

	if jobsDeleted == 0 && resultsDeleted == 0 {
		return nil
	}

	metric := db.StorageMetric{
		TeamID:         teamID,
		RecordedAt:     now,
		JobsDeleted:    jobsDeleted,
		ResultsDeleted: resultsDeleted,
		BytesReclaimed: bytesReclaimed,
	}
	if err := o.metrics.Record(ctx, &metric); err != nil {
		o.log.WithError(err).WithField("team_id", teamID).Warn("optimizer: failed to record storage metric")
	}
	o.log.WithField("team_id", teamID).WithField("jobs_deleted", jobsDeleted).
		WithField("results_deleted", resultsDeleted).WithField("bytes_reclaimed", bytesReclaimed).
		Info("optimizer: sweep complete")
	return nil
}

type resolvedPolicy struct {
	jobCompleted   time.Duration
	jobFailed      time.Duration
	resultCompleted time.Duration
	preserveN      int
}

// policyFor resolves a team's apis.RetentionPolicy overrides against
// the server-wide defaults; a zero override field means "use the
// default", never "retain forever".
func (o *Optimizer) policyFor(ctx context.Context, teamID uint) resolvedPolicy {
	policy := resolvedPolicy{
		jobCompleted:    o.jobCompletedRetention,
		jobFailed:       o.jobFailedRetention,
		resultCompleted: o.resultRetention,
		preserveN:       o.preservePerCollection,
	}

	cfg, err := o.teamConfig.Get(ctx, teamID)
	if err != nil || cfg == nil {
		return policy
	}
	r := cfg.Retention
	if r.JobCompletedDays > 0 {
		policy.jobCompleted = time.Duration(r.JobCompletedDays) * 24 * time.Hour
	}
	if r.JobFailedDays > 0 {
		policy.jobFailed = time.Duration(r.JobFailedDays) * 24 * time.Hour
	}
	if r.ResultCompletedDays > 0 {
		policy.resultCompleted = time.Duration(r.ResultCompletedDays) * 24 * time.Hour
	}
	if r.PreservePerCollection > 0 {
		policy.preserveN = r.PreservePerCollection
	}
	return policy
}
