// Package ingest accepts a completed job's signed result: verify the
// HMAC signature against the job's cached
// signing secret, reject ownership/tamper mismatches, persist the
// AnalysisResult, and transition the job to its terminal state.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// Sentinel errors the API layer maps to specific HTTP statuses.
var (
	ErrJobNotFound        = errors.New("ingest: job not found")
	ErrJobNotRunning      = errors.New("ingest: job not in an ingestible state")
	ErrNotOwner           = errors.New("ingest: job is not assigned to the caller")
	ErrSignatureCacheMiss = errors.New("ingest: no cached signing secret for this job")
	ErrSignatureInvalid   = errors.New("ingest: signature verification failed")
)

// Ingestor ties the job/result stores to the signing-secret cache.
type Ingestor struct {
	jobs    *store.JobStore
	results *store.ResultStore
	secrets *attestation.Cache
	log     *logrus.Entry
}

// New constructs an Ingestor.
func New(jobs *store.JobStore, results *store.ResultStore, secrets *attestation.Cache, log *logrus.Entry) *Ingestor {
	return &Ingestor{jobs: jobs, results: results, secrets: secrets, log: log}
}

// Complete verifies and persists a CompleteRequest for jobGUID, called
// from the inline POST /jobs/{guid}/complete handler, the chunked
// commit path, and the offline-sync replay path — the three differ
// only in where the request came from, not in how it's processed.
// callerAgentID is the authenticated agent; a completion posted by any
// agent other than the one the job is assigned to is refused without
// touching job state.
func (in *Ingestor) Complete(ctx context.Context, jobGUID string, callerAgentID uint, req apis.CompleteRequest) (*apis.CompleteResponse, error) {
	job, err := in.jobs.Get(ctx, jobGUID)
	if err != nil {
		return nil, fmt.Errorf("ingest: load job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status != apis.JobRunning && job.Status != apis.JobAssigned {
		return nil, ErrJobNotRunning
	}
	if job.AgentID == nil || *job.AgentID != callerAgentID {
		return nil, ErrNotOwner
	}

	ok, miss, err := in.secrets.Verify(jobGUID, req.Result, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("ingest: verify signature: %w", err)
	}
	if miss {
		// The plaintext secret is gone (server restart). The result
		// can't be attested, so the job goes back to pending for one
		// more round trip under a fresh secret.
		if rqErr := in.jobs.Requeue(ctx, job); rqErr != nil {
			in.log.WithError(rqErr).Error("ingest: failed to requeue job after secret cache miss")
		}
		return nil, ErrSignatureCacheMiss
	}
	if !ok {
		if rqErr := in.jobs.Requeue(ctx, job); rqErr != nil {
			in.log.WithError(rqErr).Error("ingest: failed to requeue job after signature mismatch")
		}
		return nil, ErrSignatureInvalid
	}

	resultsJSON, err := json.Marshal(req.Result.ResultsJSON)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode results_json: %w", err)
	}

	// A NO_CHANGE copy carries the chain head's GUID; resolve it to the
	// row id the retention sweep's reference predicate keys on, so the
	// head is never deleted while a copy still points at it.
	var referenceID *uint
	if req.Result.DownloadReportFrom != "" {
		reference, rerr := in.results.GetByGUID(ctx, req.Result.DownloadReportFrom)
		if rerr != nil {
			return nil, fmt.Errorf("ingest: resolve reference result: %w", rerr)
		}
		if reference == nil {
			return nil, fmt.Errorf("ingest: reference result %s not found", req.Result.DownloadReportFrom)
		}
		referenceID = &reference.ID
	}

	result := db.AnalysisResult{
		GUID:              uuid.NewString(),
		TeamID:            job.TeamID,
		CollectionID:      job.CollectionID,
		PipelineID:        job.PipelineID,
		PipelineVersion:   req.Result.PipelineVersion,
		Tool:              req.Result.Tool,
		Status:            req.Result.Status,
		StartedAt:         req.Result.StartedAt,
		CompletedAt:       req.Result.CompletedAt,
		DurationSeconds:   req.Result.DurationSeconds,
		ResultsJSON:       string(resultsJSON),
		ReportHTML:        req.Result.ReportHTML,
		InputStateHash:    req.Result.InputStateHash,
		NoChangeCopy:      req.Result.NoChangeCopy,
		ReferenceResultID: referenceID,
		ErrorMessage:      req.Result.ErrorMessage,
	}
	if err := in.results.Create(ctx, &result); err != nil {
		return nil, fmt.Errorf("ingest: persist result: %w", err)
	}

	switch req.Result.Status {
	case apis.AnalysisFailed:
		// A failed run retries on the same row until retries are
		// exhausted; Requeue flips to failed only at the limit.
		if err := in.jobs.Requeue(ctx, job); err != nil {
			in.log.WithError(err).Error("ingest: failed to requeue failed job")
		}
	case apis.AnalysisCancelled:
		if err := in.jobs.Complete(ctx, jobGUID, apis.JobCancelled, &result.ID, req.Result.ErrorMessage); err != nil {
			in.log.WithError(err).Error("ingest: failed to transition job to cancelled")
		}
	default:
		if err := in.jobs.Complete(ctx, jobGUID, apis.JobCompleted, &result.ID, req.Result.ErrorMessage); err != nil {
			in.log.WithError(err).Error("ingest: failed to transition job to completed")
		}
	}
	in.secrets.Forget(jobGUID)

	in.enqueueFollowUp(ctx, job, req.Result)

	return &apis.CompleteResponse{ResultGUID: result.GUID}, nil
}

// enqueueFollowUp schedules a photostats refresh after an inventory
// import lands new file data for a collection. A duplicate scheduled
// refresh is silently skipped.
func (in *Ingestor) enqueueFollowUp(ctx context.Context, job *db.Job, result apis.ResultPayload) {
	if job.Tool != apis.ToolInventoryImport || result.Status != apis.AnalysisCompleted || job.CollectionID == nil {
		return
	}
	when := time.Now().UTC()
	refresh := db.Job{
		GUID:                     uuid.NewString(),
		TeamID:                   job.TeamID,
		CollectionID:             job.CollectionID,
		Tool:                     apis.ToolPhotostats,
		Status:                   apis.JobScheduled,
		MaxRetries:               job.MaxRetries,
		RequiredCapabilitiesJSON: job.RequiredCapabilitiesJSON,
		BoundAgentID:             job.BoundAgentID,
		ScheduledFor:             &when,
		ParentJobID:              &job.ID,
	}
	if err := in.jobs.Schedule(ctx, &refresh); err != nil && !errors.Is(err, store.ErrDuplicateScheduled) {
		in.log.WithError(err).Warn("ingest: failed to schedule follow-up refresh job")
	}
}

// Precheck answers the NO_CHANGE dedup question for a dedup-eligible
// tool: does a prior non-failed result for this collection+tool share
// inputStateHash?
func (in *Ingestor) Precheck(ctx context.Context, job *db.Job, inputStateHash string) (*apis.InputStateResponse, error) {
	if job.CollectionID == nil {
		return &apis.InputStateResponse{NoChange: false}, nil
	}
	prior, err := in.results.LatestByInputStateHash(ctx, *job.CollectionID, job.Tool, inputStateHash)
	if err != nil {
		return nil, fmt.Errorf("ingest: precheck input state: %w", err)
	}
	if prior == nil {
		return &apis.InputStateResponse{NoChange: false}, nil
	}
	return &apis.InputStateResponse{NoChange: true, ReferenceResultGUID: &prior.GUID}, nil
}
