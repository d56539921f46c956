package apis

import "time"

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// AgentStatus is the agent liveness state.
type AgentStatus string

const (
	AgentOffline AgentStatus = "offline"
	AgentOnline  AgentStatus = "online"
	AgentError   AgentStatus = "error"
	AgentRevoked AgentStatus = "revoked"
)

// ConnectorType identifies the remote storage backend a Connector speaks.
type ConnectorType string

const (
	ConnectorS3  ConnectorType = "s3"
	ConnectorGCS ConnectorType = "gcs"
	ConnectorSMB ConnectorType = "smb"
)

// CredentialLocation says who holds the plaintext credential for a
// Connector: the server, the agent's local encrypted store, or nobody yet.
type CredentialLocation string

const (
	CredentialServer  CredentialLocation = "server"
	CredentialAgent   CredentialLocation = "agent"
	CredentialPending CredentialLocation = "pending"
)

// CollectionType mirrors ConnectorType plus the "local" filesystem case.
type CollectionType string

const (
	CollectionLocal CollectionType = "local"
	CollectionS3    CollectionType = "s3"
	CollectionGCS   CollectionType = "gcs"
	CollectionSMB   CollectionType = "smb"
)

// CollectionState is the lifecycle of a Collection.
type CollectionState string

const (
	CollectionLive     CollectionState = "live"
	CollectionClosed   CollectionState = "closed"
	CollectionArchived CollectionState = "archived"
)

// Tool enumerates the uniform analysis tools the executor can dispatch to.
// Their internal semantics are out of scope; only their
// dedup-eligibility and config-shape contracts matter to the core.
type Tool string

const (
	ToolPhotostats         Tool = "photostats"
	ToolPhotoPairing       Tool = "photo_pairing"
	ToolPipelineValidation Tool = "pipeline_validation"
	ToolInventoryImport    Tool = "inventory_import"
	ToolInventoryValidate  Tool = "inventory_validate"
	ToolCollectionTest     Tool = "collection_test"
)

// DedupEligible reports whether results for this tool participate in the
// input-state hashing / NO_CHANGE optimization.
func (t Tool) DedupEligible() bool {
	switch t {
	case ToolPhotostats, ToolPhotoPairing, ToolPipelineValidation:
		return true
	default:
		return false
	}
}

// AnalysisStatus is the terminal status of an AnalysisResult.
type AnalysisStatus string

const (
	AnalysisCompleted AnalysisStatus = "COMPLETED"
	AnalysisFailed    AnalysisStatus = "FAILED"
	AnalysisCancelled AnalysisStatus = "CANCELLED"
	AnalysisNoChange  AnalysisStatus = "NO_CHANGE"
)

// CapabilityLocalFilesystem is the capability every agent must declare.
const CapabilityLocalFilesystem = "local_filesystem"

// FileInfo is the unified file record every StorageAdapter produces.
type FileInfo struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// ProgressUpdate is the payload of a POST /jobs/{guid}/progress call.
// All fields but Stage are optional — omitted fields are left out of
// the canonical JSON entirely rather than sent as null.
type ProgressUpdate struct {
	Stage        string  `json:"stage"`
	Percentage   *int    `json:"percentage,omitempty"`
	FilesScanned *int    `json:"files_scanned,omitempty"`
	TotalFiles   *int    `json:"total_files,omitempty"`
	CurrentFile  *string `json:"current_file,omitempty"`
	Message      *string `json:"message,omitempty"`
}

// HeartbeatRequest is what the agent posts to /agents/{guid}/heartbeat.
type HeartbeatRequest struct {
	Capabilities    []string       `json:"capabilities"`
	Metrics         map[string]any `json:"metrics"`
	Version         string         `json:"version"`
	Platform        string         `json:"platform"`
	BinaryChecksum  string         `json:"binary_checksum"`
}

// HeartbeatResponse is the server's reply.
type HeartbeatResponse struct {
	PendingCommands []string `json:"pending_commands"`
	LatestVersion   *string  `json:"latest_version,omitempty"`
	IsOutdated      bool     `json:"is_outdated"`
}

// RegisterRequest is the one-shot agent registration payload.
type RegisterRequest struct {
	Token           string   `json:"token"`
	Name            string   `json:"name"`
	Hostname        string   `json:"hostname"`
	Platform        string   `json:"platform"`
	Version         string   `json:"version"`
	BinaryChecksum  string   `json:"binary_checksum"`
	Capabilities    []string `json:"capabilities"`
	AuthorizedRoots []string `json:"authorized_roots"`
}

// RegisterResponse returns the minted API key exactly once.
type RegisterResponse struct {
	AgentGUID string `json:"agent_guid"`
	APIKey    string `json:"api_key"`
}

// ClaimResponse is what /jobs/claim returns on success; a 204 with no
// body means no job was available.
type ClaimResponse struct {
	Job             JobPayload `json:"job"`
	SigningSecretB64 string    `json:"signing_secret_b64"`
}

// JobPayload is the job-shaped data handed to a claiming agent.
type JobPayload struct {
	GUID                 string    `json:"guid"`
	Tool                 Tool      `json:"tool"`
	Mode                 string    `json:"mode,omitempty"`
	CollectionGUID        string    `json:"collection_guid,omitempty"`
	PipelineGUID          string    `json:"pipeline_guid,omitempty"`
	PipelineVersion       int       `json:"pipeline_version,omitempty"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	RetryCount           int       `json:"retry_count"`
	MaxRetries           int       `json:"max_retries"`
}

// InputStateRequest is the dedup precheck posted before a dedup-eligible
// tool actually runs.
type InputStateRequest struct {
	InputStateHash string `json:"input_state_hash"`
}

// InputStateResponse tells the agent whether it may skip execution.
type InputStateResponse struct {
	NoChange            bool    `json:"no_change"`
	ReferenceResultGUID *string `json:"reference_result_guid,omitempty"`
}

// CompleteRequest is the inline job-completion payload (small reports
// only; large ones go through the chunked upload endpoint).
type CompleteRequest struct {
	Result    ResultPayload `json:"result"`
	Signature string        `json:"signature"`
}

// ResultPayload is the canonical-signed body of an AnalysisResult.
type ResultPayload struct {
	Status              AnalysisStatus `json:"status"`
	CollectionGUID       string         `json:"collection_guid,omitempty"`
	ConnectorGUID        string         `json:"connector_guid,omitempty"`
	PipelineGUID         string         `json:"pipeline_guid,omitempty"`
	PipelineVersion      int            `json:"pipeline_version,omitempty"`
	Tool                Tool           `json:"tool"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         time.Time      `json:"completed_at"`
	DurationSeconds     float64        `json:"duration_seconds"`
	ResultsJSON         map[string]any `json:"results_json,omitempty"`
	ReportHTML          string         `json:"report_html,omitempty"`
	InputStateHash      string         `json:"input_state_hash,omitempty"`
	NoChangeCopy        bool           `json:"no_change_copy"`
	DownloadReportFrom  string         `json:"download_report_from,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
}

// CompleteResponse echoes back the persisted result's GUID.
type CompleteResponse struct {
	ResultGUID string `json:"result_guid"`
}

// TeamConfig is the team-scoped tool configuration.
type TeamConfig struct {
	PhotoExtensions    []string                    `json:"photo_extensions"`
	MetadataExtensions []string                    `json:"metadata_extensions"`
	CameraMappings     map[string][]CameraMapping  `json:"camera_mappings"`
	ProcessingMethods  map[string]string           `json:"processing_methods"`
	RequireSidecar     []string                    `json:"require_sidecar"`
	DefaultPipeline    *PipelineDefinition         `json:"default_pipeline,omitempty"`
	Retention          RetentionPolicy             `json:"retention,omitempty"`
}

// RetentionPolicy is a team's override of the storage optimizer's
// default sweep windows. A zero field means "use the
// server-wide default" rather than "retain forever" — the optimizer
// substitutes its own default for any field left at zero.
type RetentionPolicy struct {
	JobCompletedDays      int `json:"job_completed_days,omitempty"`
	JobFailedDays         int `json:"job_failed_days,omitempty"`
	ResultCompletedDays   int `json:"result_completed_days,omitempty"`
	PreservePerCollection int `json:"preserve_per_collection,omitempty"`
}

// CameraMapping is one entry of a team's camera-id-to-info table.
type CameraMapping struct {
	CameraID string `json:"camera_id"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Status   string `json:"status"` // "confirmed" | "temporary"
}

// PipelineDefinition is the node/edge graph referenced by jobs of tool
// pipeline_validation and by collections bound to a pipeline.
type PipelineDefinition struct {
	GUID    string          `json:"guid"`
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Nodes   []PipelineNode  `json:"nodes"`
	Edges   []PipelineEdge  `json:"edges"`
}

// PipelineNode is one node of a pipeline graph.
type PipelineNode struct {
	ID   string         `json:"id"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// PipelineEdge connects two pipeline nodes.
type PipelineEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// JobConfigResponse is what GET /jobs/{guid}/config (consumed by
// the agent's apiclient.Client) returns: the team config plus job-specific context.
type JobConfigResponse struct {
	TeamGUID       string              `json:"team_guid"`
	Config         TeamConfig          `json:"config"`
	CollectionPath string              `json:"collection_path,omitempty"`
	PipelineGUID   string              `json:"pipeline_guid,omitempty"`
	Pipeline       *PipelineDefinition `json:"pipeline,omitempty"`
	Connector      *ConnectorInfo      `json:"connector,omitempty"`
}

// ConnectorInfo carries enough about a Connector for the agent to build a
// StorageAdapter, including server-held credentials when applicable.
type ConnectorInfo struct {
	GUID               string             `json:"guid"`
	Type               ConnectorType      `json:"type"`
	CredentialLocation CredentialLocation `json:"credential_location"`
	Location           string             `json:"location"`
	Credentials        map[string]string  `json:"credentials,omitempty"`
}

// CameraDiscoverRequest is the bulk camera lookup payload, capped at 50
// ids.
type CameraDiscoverRequest struct {
	CameraIDs []string `json:"camera_ids"`
}

// MaxCameraDiscoverIDs is the hard cap enforced with a 422.
const MaxCameraDiscoverIDs = 50

// CameraDiscoverResponse returns one CameraMapping per requested id.
type CameraDiscoverResponse struct {
	Cameras []CameraMapping `json:"cameras"`
}

// InlineResultLimit is the largest encoded CompleteRequest that may be
// posted inline to POST /jobs/{guid}/complete; anything larger (or any
// result carrying an HTML report) goes through the chunked upload
// endpoints.
const InlineResultLimit = 1 << 20

// ChunkStartRequest opens a chunked upload session for a job's result.
type ChunkStartRequest struct {
	JobGUID   string `json:"job_guid"`
	TotalSize int64  `json:"total_size,omitempty"`
}

// ChunkStartResponse hands back the session id the append/commit calls
// reference.
type ChunkStartResponse struct {
	UploadID string `json:"upload_id"`
}

// ChunkAppendRequest adds one piece of the encoded CompleteRequest to
// an open session. Chunks must be appended in index order.
type ChunkAppendRequest struct {
	UploadID string `json:"upload_id"`
	Index    int    `json:"index"`
	DataB64  string `json:"data_b64"`
}

// ChunkCommitRequest closes a session; the server reassembles the
// chunks into a CompleteRequest and runs it through the normal
// completion path.
type ChunkCommitRequest struct {
	UploadID string `json:"upload_id"`
}

// UploadResultRequest replays one offline-spooled result through
// POST /results/upload. The signature was produced at execution time
// with the signing secret the job was claimed under.
type UploadResultRequest struct {
	JobGUID   string        `json:"job_guid"`
	Result    ResultPayload `json:"result"`
	Signature string        `json:"signature"`
}

// QueueCommandRequest appends one command (e.g. "cancel_job:<guid>")
// to an agent's pending-commands queue; the next heartbeat drains it.
type QueueCommandRequest struct {
	Command string `json:"command"`
}

// CancelJobCommandPrefix prefixes the job GUID in a queued cancel
// command.
const CancelJobCommandPrefix = "cancel_job:"
