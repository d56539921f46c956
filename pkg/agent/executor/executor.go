// Package executor implements the agent's job executor: given a
// claimed job, it resolves team/job configuration,
// builds the right StorageAdapter, runs the input-state dedup precheck
// for eligible tools, dispatches to the tool registry, signs the
// result, and reports it back to the server — spooling it locally
// instead when offline.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/credentials"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/progress"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/signer"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/spool"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/storage"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/tools"
)

// ConfigLoader resolves a job's team config, pipeline, and connector
// info. *apiclient.Client (server-backed, GET /jobs/{guid}/config) is
// the production implementation; tests use a fake.
type ConfigLoader interface {
	GetJobConfig(ctx context.Context, jobGUID string) (*apis.JobConfigResponse, error)
}

// Completer is the subset of apiclient.Client the executor needs to
// finish a job, kept as an interface for testability.
type Completer interface {
	PrecheckInputState(ctx context.Context, jobGUID, hash string) (*apis.InputStateResponse, error)
	CompleteJob(ctx context.Context, jobGUID string, req apis.CompleteRequest) (*apis.CompleteResponse, error)
	CompleteJobChunked(ctx context.Context, jobGUID string, req apis.CompleteRequest) (*apis.CompleteResponse, error)
}

// quickState remembers the cheap fingerprint and config digests and
// the full hash they resolved to, so a re-scan of an unchanged
// collection within the same process skips the canonical-JSON +
// SHA-256 pass.
type quickState struct {
	filesDigest  uint64
	configDigest uint64
	hash         string
}

// Executor runs one claimed job to completion.
type Executor struct {
	configLoader ConfigLoader
	completer    Completer
	sender       progress.Sender
	registry     tools.Registry
	credStore    *credentials.Store
	spool        *spool.Spool
	offlineOK    bool
	roots        []string
	quick        map[string]quickState
	log          *logrus.Entry
}

// New constructs an Executor. spoolStore may be nil if offline spooling
// is disabled. authorizedRoots bounds where local-collection jobs may
// walk; a local job whose path lies under none of them is failed
// without touching the filesystem.
func New(configLoader ConfigLoader, completer Completer, sender progress.Sender, registry tools.Registry, credStore *credentials.Store, spoolStore *spool.Spool, offlineOK bool, authorizedRoots []string, log *logrus.Entry) *Executor {
	return &Executor{
		configLoader: configLoader,
		completer:    completer,
		sender:       sender,
		registry:     registry,
		credStore:    credStore,
		spool:        spoolStore,
		offlineOK:    offlineOK,
		roots:        authorizedRoots,
		quick:        make(map[string]quickState),
		log:          log,
	}
}

// underAuthorizedRoot reports whether path is inside one of the
// configured roots.
func (e *Executor) underAuthorizedRoot(path string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range e.roots {
		rootClean := filepath.Clean(root)
		if cleaned == rootClean || strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Execute satisfies polling.Executor.
func (e *Executor) Execute(ctx context.Context, claim apis.ClaimResponse) error {
	job := claim.Job
	startedAt := time.Now().UTC()

	reporter := progress.New(e.sender, job.GUID, e.log)
	defer reporter.Close()

	cfg, err := e.configLoader.GetJobConfig(ctx, job.GUID)
	if err != nil {
		return fmt.Errorf("executor: get job config: %w", err)
	}

	adapter, location, err := e.buildAdapter(*cfg)
	if err != nil {
		return e.reportFailure(ctx, claim, startedAt, fmt.Errorf("executor: build storage adapter: %w", err))
	}

	reporter.Report(apis.ProgressUpdate{Stage: "scanning"})
	files, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return e.reportFailure(ctx, claim, startedAt, fmt.Errorf("executor: list files: %w", err))
	}

	var inputHash string
	if job.Tool.DedupEligible() {
		fingerprints := apis.FingerprintFiles(files, parseLastModifiedSeconds)
		filesDigest := apis.QuickFingerprintDigest(fingerprints)
		configDigest := quickConfigDigest(job, cfg)

		quickKey := job.CollectionGUID + "|" + string(job.Tool)
		var hash string
		if prev, seen := e.quick[quickKey]; seen && prev.filesDigest == filesDigest && prev.configDigest == configDigest {
			hash = prev.hash
		} else {
			computed, herr := computeInputStateHash(cfg.TeamGUID, job, fingerprints, cfg.Config, cfg.Pipeline)
			if herr != nil {
				return e.reportFailure(ctx, claim, startedAt, fmt.Errorf("executor: compute input state hash: %w", herr))
			}
			hash = computed
			e.quick[quickKey] = quickState{filesDigest: filesDigest, configDigest: configDigest, hash: hash}
		}
		inputHash = hash

		precheck, perr := e.completer.PrecheckInputState(ctx, job.GUID, hash)
		if perr == nil && precheck != nil && precheck.NoChange {
			reference := ""
			if precheck.ReferenceResultGUID != nil {
				reference = *precheck.ReferenceResultGUID
			}
			return e.complete(ctx, claim, apis.ResultPayload{
				Status:             apis.AnalysisNoChange,
				CollectionGUID:     job.CollectionGUID,
				PipelineGUID:       job.PipelineGUID,
				PipelineVersion:    job.PipelineVersion,
				Tool:               job.Tool,
				StartedAt:          startedAt,
				CompletedAt:        time.Now().UTC(),
				InputStateHash:     hash,
				NoChangeCopy:       true,
				DownloadReportFrom: reference,
			})
		}
		if perr != nil {
			e.log.WithError(perr).Warn("executor: input-state precheck failed, running tool anyway")
		}
	}

	runner, err := e.registry.Lookup(job.Tool)
	if err != nil {
		return e.reportFailure(ctx, claim, startedAt, err)
	}

	out, err := runner.Run(ctx, tools.RunInput{
		Tool:           job.Tool,
		Mode:           job.Mode,
		CollectionGUID: job.CollectionGUID,
		Files:          files,
		Config:         cfg.Config,
		Pipeline:       cfg.Pipeline,
	}, reporter.Report)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return e.reportCancelled(ctx, claim, startedAt)
		}
		return e.reportFailure(ctx, claim, startedAt, err)
	}

	completedAt := time.Now().UTC()
	payload := apis.ResultPayload{
		Status:          apis.AnalysisCompleted,
		CollectionGUID:  job.CollectionGUID,
		PipelineGUID:    job.PipelineGUID,
		PipelineVersion: job.PipelineVersion,
		Tool:            job.Tool,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		ResultsJSON:     out.ResultsJSON,
		ReportHTML:      out.ReportHTML,
		InputStateHash:  inputHash,
	}
	return e.complete(ctx, claim, payload)
}

// reportCancelled finalizes a job that was interrupted by a server
// cancel command.
func (e *Executor) reportCancelled(ctx context.Context, claim apis.ClaimResponse, startedAt time.Time) error {
	job := claim.Job
	completedAt := time.Now().UTC()
	payload := apis.ResultPayload{
		Status:          apis.AnalysisCancelled,
		CollectionGUID:  job.CollectionGUID,
		PipelineGUID:    job.PipelineGUID,
		PipelineVersion: job.PipelineVersion,
		Tool:            job.Tool,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
	}
	if err := e.complete(ctx, claim, payload); err != nil {
		e.log.WithError(err).Error("executor: failed to report job cancellation")
		return err
	}
	return nil
}

func (e *Executor) reportFailure(ctx context.Context, claim apis.ClaimResponse, startedAt time.Time, cause error) error {
	job := claim.Job
	completedAt := time.Now().UTC()
	payload := apis.ResultPayload{
		Status:          apis.AnalysisFailed,
		CollectionGUID:  job.CollectionGUID,
		PipelineGUID:    job.PipelineGUID,
		PipelineVersion: job.PipelineVersion,
		Tool:            job.Tool,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(startedAt).Seconds(),
		ErrorMessage:    cause.Error(),
	}
	if completeErr := e.complete(ctx, claim, payload); completeErr != nil {
		e.log.WithError(completeErr).Error("executor: failed to report job failure")
	}
	return cause
}

// complete signs payload and either posts it or, when the server is
// unreachable and offline spooling is enabled, spools it for later
// sync.
func (e *Executor) complete(ctx context.Context, claim apis.ClaimResponse, payload apis.ResultPayload) error {
	s, err := signer.New(claim.SigningSecretB64)
	if err != nil {
		return fmt.Errorf("executor: init signer: %w", err)
	}
	signature, err := s.Sign(payload)
	if err != nil {
		return fmt.Errorf("executor: sign result: %w", err)
	}

	// A cancelled job context must not also doom the completion post.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	req := apis.CompleteRequest{Result: payload, Signature: signature}
	_, err = e.postCompletion(ctx, claim.Job.GUID, req)
	if err == nil {
		return nil
	}

	var connErr *apiclient.ConnectionError
	isConnErr := false
	if ce, ok := err.(*apiclient.ConnectionError); ok {
		connErr = ce
		isConnErr = true
	}
	if !isConnErr || !e.offlineOK || e.spool == nil {
		return fmt.Errorf("executor: complete job: %w", err)
	}

	e.log.WithError(connErr).Warn("executor: server unreachable, spooling result for later sync")
	offline := spool.NewOfflineResult(claim.Job.GUID, claim.Job.CollectionGUID, claim.Job.Tool, payload, signature)
	if serr := e.spool.Save(offline); serr != nil {
		return fmt.Errorf("executor: spool result after connection failure: %w", serr)
	}
	return nil
}

// postCompletion routes a completion inline or through the chunked
// endpoints depending on its encoded size and whether it carries an
// HTML report.
func (e *Executor) postCompletion(ctx context.Context, jobGUID string, req apis.CompleteRequest) (*apis.CompleteResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("executor: encode completion: %w", err)
	}
	if len(encoded) > apis.InlineResultLimit || req.Result.ReportHTML != "" {
		return e.completer.CompleteJobChunked(ctx, jobGUID, req)
	}
	return e.completer.CompleteJob(ctx, jobGUID, req)
}

func (e *Executor) buildAdapter(cfg apis.JobConfigResponse) (storage.Adapter, string, error) {
	if cfg.Connector == nil {
		if !e.underAuthorizedRoot(cfg.CollectionPath) {
			return nil, "", fmt.Errorf("collection path %s is outside every authorized root", cfg.CollectionPath)
		}
		return storage.NewLocalAdapter(), cfg.CollectionPath, nil
	}

	creds := cfg.Connector.Credentials
	if cfg.Connector.CredentialLocation == apis.CredentialAgent {
		if e.credStore == nil {
			return nil, "", fmt.Errorf("no local credential store configured for agent-held connector %s", cfg.Connector.GUID)
		}
		stored, err := e.credStore.Get(cfg.Connector.GUID)
		if err != nil {
			return nil, "", err
		}
		if stored == nil {
			return nil, "", fmt.Errorf("no local credentials found for connector %s", cfg.Connector.GUID)
		}
		creds = stored.Fields
	}

	adapter, err := storage.NewAdapter(cfg.Connector.Type, creds)
	if err != nil {
		return nil, "", err
	}
	return adapter, cfg.Connector.Location, nil
}

func computeInputStateHash(teamGUID string, job apis.JobPayload, fingerprints []apis.FileFingerprint, cfg apis.TeamConfig, pipeline *apis.PipelineDefinition) (string, error) {
	state := apis.InputState{
		TeamGUID:        teamGUID,
		CollectionGUID:  job.CollectionGUID,
		Tool:            job.Tool,
		ConfigSlice:     apis.ConfigSliceForTool(job.Tool, cfg, pipeline),
		Files:           fingerprints,
		PipelineGUID:    job.PipelineGUID,
		PipelineVersion: job.PipelineVersion,
	}
	return state.Hash()
}

// quickConfigDigest folds the tool-relevant config slice and pipeline
// binding into one cheap digest for the quick cache.
func quickConfigDigest(job apis.JobPayload, cfg *apis.JobConfigResponse) uint64 {
	slice := apis.ConfigSliceForTool(job.Tool, cfg.Config, cfg.Pipeline)
	encoded, err := apis.CanonicalJSON(slice)
	if err != nil {
		return 0
	}
	h := xxhash.New()
	_, _ = h.Write(encoded)
	_, _ = h.WriteString(job.PipelineGUID)
	_, _ = h.WriteString(fmt.Sprintf("|%d", job.PipelineVersion))
	return h.Sum64()
}

func parseLastModifiedSeconds(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}
