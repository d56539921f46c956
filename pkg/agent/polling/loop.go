// Package polling implements the agent's main job polling loop:
// claim, execute,
// repeat, with no sleep between an executed job and the next claim
// attempt, and a bounded consecutive-failure counter that maps distinct
// error classes onto distinct process exit codes.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// DefaultPollInterval is how long the loop waits between polls when
// idle (no job was available).
const DefaultPollInterval = 5 * time.Second

// MaxPollFailures is the number of consecutive connection or
// unexpected errors tolerated before the loop gives up.
const MaxPollFailures = 5

// Exit codes returned by Run.
const (
	ExitClean            = 0
	ExitAgentRevoked     = 2
	ExitAuthFailed       = 3
	ExitConnectionFailed = 4
	ExitUnexpectedErrors = 5
)

// Claimer claims one job from the server, or (nil, nil) if none is
// currently due.
type Claimer interface {
	ClaimJob(ctx context.Context) (*apis.ClaimResponse, error)
}

// Executor runs a claimed job to completion (including reporting its
// result back to the server). A failed execution is expected to have
// already reported the failure itself; Execute's error is used only
// for logging.
type Executor interface {
	Execute(ctx context.Context, claim apis.ClaimResponse) error
}

// Loop is the agent's job polling loop.
type Loop struct {
	claimer      Claimer
	executor     Executor
	pollInterval time.Duration
	log          *logrus.Entry

	mu               sync.Mutex
	consecutiveFails int
	currentJobGUID   string
	cancelCurrent    context.CancelFunc

	shutdown chan struct{}
	once     sync.Once
}

// New constructs a Loop. A zero pollInterval uses DefaultPollInterval.
func New(claimer Claimer, executor Executor, pollInterval time.Duration, log *logrus.Entry) *Loop {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Loop{
		claimer:      claimer,
		executor:     executor,
		pollInterval: pollInterval,
		log:          log,
		shutdown:     make(chan struct{}),
	}
}

// RequestShutdown asks Run to stop at the next opportunity. Safe to
// call more than once and from any goroutine.
func (l *Loop) RequestShutdown() {
	l.once.Do(func() { close(l.shutdown) })
}

// IsRunning reports whether shutdown has not yet been requested.
func (l *Loop) IsRunning() bool {
	select {
	case <-l.shutdown:
		return false
	default:
		return true
	}
}

// CurrentJobGUID returns the GUID of the job currently executing, or
// "" if the loop is idle.
func (l *Loop) CurrentJobGUID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentJobGUID
}

// CancelJob interrupts the currently-executing job if its GUID matches.
// A cancel for any other job is a no-op, reported by the return value.
func (l *Loop) CancelJob(guid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentJobGUID != guid || l.cancelCurrent == nil {
		return false
	}
	l.cancelCurrent()
	return true
}

// Run blocks until shutdown is requested or a fatal error occurs,
// returning one of the Exit* codes above.
func (l *Loop) Run(ctx context.Context) int {
	l.log.WithField("poll_interval", l.pollInterval).Info("polling: starting job polling loop")

	for {
		select {
		case <-l.shutdown:
			l.log.Info("polling: shutdown requested, stopping")
			return ExitClean
		case <-ctx.Done():
			l.log.Info("polling: context cancelled, stopping")
			return ExitClean
		default:
		}

		executed, err := l.pollAndExecute(ctx)
		if err == nil {
			l.mu.Lock()
			l.consecutiveFails = 0
			l.mu.Unlock()
			if !executed {
				if stop := l.waitForNextPoll(); stop {
					return ExitClean
				}
			}
			continue
		}

		switch e := err.(type) {
		case *apiclient.AgentRevokedError:
			l.log.WithError(e).Error("polling: agent has been revoked")
			return ExitAgentRevoked
		case *apiclient.AuthenticationError:
			l.log.WithError(e).Error("polling: authentication error")
			return ExitAuthFailed
		case *apiclient.ConnectionError:
			l.mu.Lock()
			l.consecutiveFails++
			fails := l.consecutiveFails
			l.mu.Unlock()
			l.log.WithError(e).Warnf("polling: connection error (attempt %d/%d)", fails, MaxPollFailures)
			if fails >= MaxPollFailures {
				l.log.Error("polling: too many consecutive connection failures")
				return ExitConnectionFailed
			}
			if stop := l.waitForNextPoll(); stop {
				return ExitClean
			}
		default:
			l.mu.Lock()
			l.consecutiveFails++
			fails := l.consecutiveFails
			l.mu.Unlock()
			l.log.WithError(err).Errorf("polling: unexpected error (attempt %d/%d)", fails, MaxPollFailures)
			if fails >= MaxPollFailures {
				l.log.Error("polling: too many consecutive unexpected errors")
				return ExitUnexpectedErrors
			}
			if stop := l.waitForNextPoll(); stop {
				return ExitClean
			}
		}
	}
}

// pollAndExecute claims and (if available) runs a single job,
// returning whether a job was executed. A job that fails during
// execution still counts as "executed" — the executor is responsible
// for reporting the failure.
func (l *Loop) pollAndExecute(ctx context.Context) (bool, error) {
	claim, err := l.claimer.ClaimJob(ctx)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	l.mu.Lock()
	l.currentJobGUID = claim.Job.GUID
	l.cancelCurrent = cancelJob
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.currentJobGUID = ""
		l.cancelCurrent = nil
		l.mu.Unlock()
	}()

	l.log.WithFields(logrus.Fields{"job": claim.Job.GUID, "tool": claim.Job.Tool}).Info("polling: claimed job")

	if err := l.executor.Execute(jobCtx, *claim); err != nil {
		l.log.WithError(err).WithField("job", claim.Job.GUID).Error("polling: job execution failed")
	} else {
		l.log.WithField("job", claim.Job.GUID).Info("polling: job completed")
	}
	return true, nil
}

// waitForNextPoll sleeps for pollInterval or until shutdown is
// requested, whichever comes first; it reports whether shutdown fired.
func (l *Loop) waitForNextPoll() bool {
	timer := time.NewTimer(l.pollInterval)
	defer timer.Stop()
	select {
	case <-l.shutdown:
		return true
	case <-timer.C:
		return false
	}
}
