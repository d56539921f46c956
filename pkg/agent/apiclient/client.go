package apiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// registerMaxElapsed bounds how long Register retries a transient
// connection failure before giving up and surfacing the error — unlike
// ClaimJob/Heartbeat, Register has no surrounding polling loop to retry
// it, so it carries its own short backoff.
const registerMaxElapsed = 30 * time.Second

// Client talks to the server's HTTP API on behalf of the agent. It never
// panics and never returns a raw *http.Client error — transport failures
// become *ConnectionError and HTTP rejections one of the other tagged
// variants in errors.go; request-encoding and response-decoding failures
// are returned as plain wrapped errors.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	agentGUID  string
	httpClient *http.Client
	log        *logrus.Entry
}

// New constructs a Client. serverURL must be an absolute http(s) URL.
func New(serverURL, apiKey, agentGUID string, log *logrus.Entry) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid server url: %w", err)
	}
	return &Client{
		baseURL:   u,
		apiKey:    apiKey,
		agentGUID: agentGUID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("apiclient: invalid path %q: %w", path, err)
	}
	full := c.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, full.String(), reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &NoJobAvailable{}
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{Message: string(raw)}
	case resp.StatusCode == http.StatusForbidden && isRevoked(raw):
		return &AgentRevokedError{Reason: string(raw)}
	case resp.StatusCode >= 400:
		return &APIError{Status: resp.StatusCode, Message: string(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

func isRevoked(body []byte) bool {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Error == "AgentRevoked"
}

// ClaimJob calls POST /jobs/claim. Returns (nil, nil) when the server
// reports no job is due (204) — callers should treat that as "poll
// again later", not as an error.
func (c *Client) ClaimJob(ctx context.Context) (*apis.ClaimResponse, error) {
	var out apis.ClaimResponse
	err := c.do(ctx, http.MethodPost, "jobs/claim", nil, &out)
	if err != nil {
		var none *NoJobAvailable
		if asNoJob(err, &none) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func asNoJob(err error, target **NoJobAvailable) bool {
	if v, ok := err.(*NoJobAvailable); ok {
		*target = v
		return true
	}
	return false
}

// Heartbeat calls POST /agents/{guid}/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, req apis.HeartbeatRequest) (*apis.HeartbeatResponse, error) {
	var out apis.HeartbeatResponse
	path := fmt.Sprintf("agents/%s/heartbeat", c.agentGUID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register calls POST /agents/register. Does not require an API key.
// A dropped connection is retried with exponential backoff for up to
// registerMaxElapsed; authentication and validation errors are not
// retried since a retry cannot change their outcome.
func Register(ctx context.Context, serverURL string, req apis.RegisterRequest, log *logrus.Entry) (*apis.RegisterResponse, error) {
	client, err := New(serverURL, "", "", log)
	if err != nil {
		return nil, err
	}

	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      registerMaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	var out apis.RegisterResponse
	operation := func() error {
		err := client.do(ctx, http.MethodPost, "agents/register", req, &out)
		if err == nil {
			return nil
		}
		if _, ok := err.(*ConnectionError); ok {
			log.WithError(err).Debug("apiclient: register: retrying after connection error")
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return &out, nil
}

// ReportProgress calls POST /jobs/{guid}/progress.
func (c *Client) ReportProgress(ctx context.Context, jobGUID string, update apis.ProgressUpdate) error {
	path := fmt.Sprintf("jobs/%s/progress", jobGUID)
	return c.do(ctx, http.MethodPost, path, update, nil)
}

// PrecheckInputState calls POST /jobs/{guid}/input-state.
func (c *Client) PrecheckInputState(ctx context.Context, jobGUID, hash string) (*apis.InputStateResponse, error) {
	var out apis.InputStateResponse
	path := fmt.Sprintf("jobs/%s/input-state", jobGUID)
	req := apis.InputStateRequest{InputStateHash: hash}
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteJob calls POST /jobs/{guid}/complete with an inline (small)
// result payload.
func (c *Client) CompleteJob(ctx context.Context, jobGUID string, req apis.CompleteRequest) (*apis.CompleteResponse, error) {
	var out apis.CompleteResponse
	path := fmt.Sprintf("jobs/%s/complete", jobGUID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJobConfig calls GET /jobs/{guid}/config.
func (c *Client) GetJobConfig(ctx context.Context, jobGUID string) (*apis.JobConfigResponse, error) {
	var out apis.JobConfigResponse
	path := fmt.Sprintf("jobs/%s/config", jobGUID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTeamConfig calls GET /team/config.
func (c *Client) GetTeamConfig(ctx context.Context) (*apis.TeamConfig, error) {
	var out apis.TeamConfig
	if err := c.do(ctx, http.MethodGet, "team/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// chunkSize is how much of an encoded completion each /chunks/append
// call carries, before base64 expansion.
const chunkSize = 256 << 10

// CompleteJobChunked streams a large CompleteRequest through the
// chunked upload endpoints: start a session, append the encoded body
// in order, commit. Used when the encoded completion exceeds
// apis.InlineResultLimit or carries an HTML report.
func (c *Client) CompleteJobChunked(ctx context.Context, jobGUID string, req apis.CompleteRequest) (*apis.CompleteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: encode chunked completion: %w", err)
	}

	var start apis.ChunkStartResponse
	startReq := apis.ChunkStartRequest{JobGUID: jobGUID, TotalSize: int64(len(body))}
	if err := c.do(ctx, http.MethodPost, "chunks/start", startReq, &start); err != nil {
		return nil, err
	}

	for index, offset := 0, 0; offset < len(body); index, offset = index+1, offset+chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		appendReq := apis.ChunkAppendRequest{
			UploadID: start.UploadID,
			Index:    index,
			DataB64:  base64.StdEncoding.EncodeToString(body[offset:end]),
		}
		if err := c.do(ctx, http.MethodPost, "chunks/append", appendReq, nil); err != nil {
			return nil, err
		}
	}

	var out apis.CompleteResponse
	if err := c.do(ctx, http.MethodPost, "chunks/commit", apis.ChunkCommitRequest{UploadID: start.UploadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadResult replays one offline-spooled result through
// POST /results/upload.
func (c *Client) UploadResult(ctx context.Context, req apis.UploadResultRequest) (*apis.CompleteResponse, error) {
	var out apis.CompleteResponse
	if err := c.do(ctx, http.MethodPost, "results/upload", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadRelease fetches the agent binary for (version, platform) and
// returns the bytes together with the X-Checksum header the caller
// must verify before swapping binaries. The server answers with a
// redirect to the artifact store; the checksum header rides on the
// redirect itself, so the redirect is followed by hand rather than
// letting the HTTP client swallow the intermediate response.
func (c *Client) DownloadRelease(ctx context.Context, version, platform string) ([]byte, string, error) {
	ref, err := url.Parse(fmt.Sprintf("releases/%s/%s", version, platform))
	if err != nil {
		return nil, "", fmt.Errorf("apiclient: invalid release path: %w", err)
	}
	full := c.baseURL.ResolveReference(ref)

	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("apiclient: build release request: %w", err)
	}

	resp, err := noRedirect.Do(req)
	if err != nil {
		return nil, "", &ConnectionError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", &APIError{Status: resp.StatusCode, Message: "release not found"}
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, "", &APIError{Status: resp.StatusCode, Message: string(raw)}
	}

	checksum := resp.Header.Get("X-Checksum")

	location := full.String()
	if resp.StatusCode >= 300 {
		location = resp.Header.Get("Location")
		if location == "" {
			return nil, "", &APIError{Status: resp.StatusCode, Message: "redirect without location"}
		}
	} else {
		// The server proxied the artifact directly.
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, "", &ConnectionError{Cause: rerr}
		}
		return body, checksum, nil
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", fmt.Errorf("apiclient: build artifact request: %w", err)
	}
	dlResp, err := c.httpClient.Do(dlReq)
	if err != nil {
		return nil, "", &ConnectionError{Cause: err}
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode >= 400 {
		return nil, "", &APIError{Status: dlResp.StatusCode, Message: "artifact download failed"}
	}

	body, err := io.ReadAll(dlResp.Body)
	if err != nil {
		return nil, "", &ConnectionError{Cause: err}
	}
	return body, checksum, nil
}
