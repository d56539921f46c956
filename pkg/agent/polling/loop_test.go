package polling

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

type scriptedClaimer struct {
	mu    sync.Mutex
	steps []claimStep
	i     int
}

type claimStep struct {
	claim *apis.ClaimResponse
	err   error
}

func (c *scriptedClaimer) ClaimJob(ctx context.Context) (*apis.ClaimResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.i >= len(c.steps) {
		return nil, nil
	}
	step := c.steps[c.i]
	c.i++
	return step.claim, step.err
}

type countingExecutor struct {
	mu    sync.Mutex
	count int
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, claim apis.ClaimResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	return e.err
}

func (e *countingExecutor) executed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRunExecutesClaimedJobThenIdlesUntilShutdown(t *testing.T) {
	claimer := &scriptedClaimer{steps: []claimStep{
		{claim: &apis.ClaimResponse{Job: apis.JobPayload{GUID: "job_1", Tool: apis.ToolPhotostats}}},
	}}
	executor := &countingExecutor{}
	loop := New(claimer, executor, 20*time.Millisecond, discardLog())

	go func() {
		time.Sleep(60 * time.Millisecond)
		loop.RequestShutdown()
	}()

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitClean)
	assert.Equal(t, executor.executed(), 1)
}

func TestRunExitsConnectionFailedAfterMaxFailures(t *testing.T) {
	steps := make([]claimStep, MaxPollFailures)
	for i := range steps {
		steps[i] = claimStep{err: &apiclient.ConnectionError{Cause: errors.New("refused")}}
	}
	claimer := &scriptedClaimer{steps: steps}
	executor := &countingExecutor{}
	loop := New(claimer, executor, time.Millisecond, discardLog())

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitConnectionFailed)
	assert.Equal(t, executor.executed(), 0)
}

func TestRunExitsAgentRevokedImmediately(t *testing.T) {
	claimer := &scriptedClaimer{steps: []claimStep{
		{err: &apiclient.AgentRevokedError{Reason: "revoked"}},
	}}
	executor := &countingExecutor{}
	loop := New(claimer, executor, time.Millisecond, discardLog())

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitAgentRevoked)
}

func TestRunExitsAuthFailedImmediately(t *testing.T) {
	claimer := &scriptedClaimer{steps: []claimStep{
		{err: &apiclient.AuthenticationError{Message: "bad key"}},
	}}
	executor := &countingExecutor{}
	loop := New(claimer, executor, time.Millisecond, discardLog())

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitAuthFailed)
}

func TestRunExitsUnexpectedErrorsAfterMaxFailures(t *testing.T) {
	steps := make([]claimStep, MaxPollFailures)
	for i := range steps {
		steps[i] = claimStep{err: errors.New("boom")}
	}
	claimer := &scriptedClaimer{steps: steps}
	executor := &countingExecutor{}
	loop := New(claimer, executor, time.Millisecond, discardLog())

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitUnexpectedErrors)
}

func TestRunCountsFailedExecutionAsExecuted(t *testing.T) {
	claimer := &scriptedClaimer{steps: []claimStep{
		{claim: &apis.ClaimResponse{Job: apis.JobPayload{GUID: "job_1", Tool: apis.ToolPhotostats}}},
	}}
	executor := &countingExecutor{err: errors.New("tool crashed")}
	loop := New(claimer, executor, 20*time.Millisecond, discardLog())

	go func() {
		time.Sleep(60 * time.Millisecond)
		loop.RequestShutdown()
	}()

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitClean)
	assert.Equal(t, executor.executed(), 1)
}

// blockingExecutor blocks until its job context is cancelled, then
// records what it observed.
type blockingExecutor struct {
	started chan struct{}
	ctxErr  error
	mu      sync.Mutex
}

func (e *blockingExecutor) Execute(ctx context.Context, claim apis.ClaimResponse) error {
	close(e.started)
	<-ctx.Done()
	e.mu.Lock()
	e.ctxErr = ctx.Err()
	e.mu.Unlock()
	return nil
}

func TestCancelJobInterruptsCurrentExecution(t *testing.T) {
	claimer := &scriptedClaimer{steps: []claimStep{
		{claim: &apis.ClaimResponse{Job: apis.JobPayload{GUID: "job_1", Tool: apis.ToolPhotostats}}},
	}}
	executor := &blockingExecutor{started: make(chan struct{})}
	loop := New(claimer, executor, 10*time.Millisecond, discardLog())

	go func() {
		<-executor.started
		// A cancel for a different job is a no-op.
		assert.Assert(t, !loop.CancelJob("job_other"))
		assert.Assert(t, loop.CancelJob("job_1"))
		loop.RequestShutdown()
	}()

	code := loop.Run(context.Background())
	assert.Equal(t, code, ExitClean)

	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Assert(t, errors.Is(executor.ctxErr, context.Canceled))
}
