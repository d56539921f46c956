// Package progress implements the agent's rate-limited progress channel
// channel: at most one network call per MinReportInterval, with
// intermediate updates collapsing into a single pending slot.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// MinReportInterval bounds how often an actual network call may fire.
const MinReportInterval = 500 * time.Millisecond

// Sender posts one progress update to the server. Implemented by
// *apiclient.Client in production; swappable in tests.
type Sender interface {
	ReportProgress(ctx context.Context, jobGUID string, update apis.ProgressUpdate) error
}

// Reporter is a non-blocking, best-effort progress channel for a single
// job. All network errors are swallowed with a warning — progress
// reporting must never fail the job.
type Reporter struct {
	sender  Sender
	jobGUID string
	log     *logrus.Entry

	mu            sync.Mutex
	lastSent      time.Time
	pending       *apis.ProgressUpdate
	timer         *time.Timer
	closed        bool
	now           func() time.Time
}

// New constructs a Reporter for a single job's lifetime.
func New(sender Sender, jobGUID string, log *logrus.Entry) *Reporter {
	return &Reporter{
		sender:  sender,
		jobGUID: jobGUID,
		log:     log,
		now:     time.Now,
	}
}

// Report is non-blocking: it either sends immediately (if the window is
// open) or arms/overwrites a delayed send for when the window next opens.
func (r *Reporter) Report(update apis.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := r.now()
	elapsed := now.Sub(r.lastSent)

	if elapsed >= MinReportInterval {
		r.sendLocked(update)
		return
	}

	r.pending = &update
	if r.timer == nil {
		delay := MinReportInterval - elapsed
		r.timer = time.AfterFunc(delay, r.fireDelayed)
	}
}

// fireDelayed runs on its own goroutine via time.AfterFunc.
func (r *Reporter) fireDelayed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timer = nil
	if r.closed || r.pending == nil {
		return
	}
	update := *r.pending
	r.pending = nil
	r.sendLocked(update)
}

// sendLocked must be called with mu held.
func (r *Reporter) sendLocked(update apis.ProgressUpdate) {
	r.lastSent = r.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sender.ReportProgress(ctx, r.jobGUID, update); err != nil {
			r.log.WithError(err).Warn("progress report failed, discarding")
		}
	}()
}

// Close drains one final pending report, then disables further sends.
// Safe to call more than once.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sender.ReportProgress(ctx, r.jobGUID, *pending); err != nil {
			r.log.WithError(err).Warn("final progress report failed, discarding")
		}
	}
}
