// Package dispatcher orchestrates job claiming: pick
// the next eligible pending job for an agent, mint a fresh per-job
// signing secret, and hand back the ClaimResponse the agent executor
// consumes.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// ErrNoJobAvailable is returned when nothing matches the agent's
// capabilities right now; handlers translate this to a 204.
var ErrNoJobAvailable = errors.New("dispatcher: no job available")

// Dispatcher wires the job/collection/pipeline stores to the
// signing-secret cache.
type Dispatcher struct {
	jobs        *store.JobStore
	collections *store.CollectionStore
	pipelines   *store.PipelineStore
	secrets     *attestation.Cache
	log         *logrus.Entry
}

// New constructs a Dispatcher.
func New(jobs *store.JobStore, collections *store.CollectionStore, pipelines *store.PipelineStore, secrets *attestation.Cache, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{jobs: jobs, collections: collections, pipelines: pipelines, secrets: secrets, log: log}
}

// Claim finds and assigns the next eligible job for agentID within its
// team, mints its signing secret, and persists only the secret's hash.
func (d *Dispatcher) Claim(ctx context.Context, teamID, agentID uint, agentCapabilities []string) (*apis.ClaimResponse, error) {
	job, err := d.jobs.Claim(ctx, teamID, agentID, agentCapabilities)
	if err != nil {
		if errors.Is(err, store.ErrNoJobAvailable) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("dispatcher: claim job: %w", err)
	}

	secretB64, hash, err := d.secrets.Mint(job.GUID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: mint signing secret: %w", err)
	}
	if err := d.jobs.SetSigningSecretHash(ctx, job.GUID, hash); err != nil {
		d.log.WithError(err).Warn("dispatcher: failed to persist signing secret hash")
	}

	payload, err := d.toJobPayload(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: resolve job payload: %w", err)
	}

	return &apis.ClaimResponse{
		Job:              payload,
		SigningSecretB64: secretB64,
	}, nil
}

func (d *Dispatcher) toJobPayload(ctx context.Context, job *db.Job) (apis.JobPayload, error) {
	var required []string
	if job.RequiredCapabilitiesJSON != "" {
		_ = json.Unmarshal([]byte(job.RequiredCapabilitiesJSON), &required)
	}

	payload := apis.JobPayload{
		GUID:                 job.GUID,
		Tool:                 job.Tool,
		Mode:                 job.Mode,
		PipelineVersion:      job.PipelineVersion,
		RequiredCapabilities: required,
		RetryCount:           job.RetryCount,
		MaxRetries:           job.MaxRetries,
	}

	if job.CollectionID != nil {
		collection, err := d.collections.GetByID(ctx, *job.CollectionID)
		if err != nil {
			return payload, err
		}
		if collection != nil {
			payload.CollectionGUID = collection.GUID
		}
	}
	if job.PipelineID != nil {
		pipeline, err := d.pipelines.GetByID(ctx, *job.PipelineID)
		if err != nil {
			return payload, err
		}
		if pipeline != nil {
			payload.PipelineGUID = pipeline.GUID
		}
	}
	return payload, nil
}
