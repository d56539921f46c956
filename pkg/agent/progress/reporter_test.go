package progress

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []apis.ProgressUpdate
	done  chan struct{}
}

func newFakeSender(expected int) *fakeSender {
	return &fakeSender{done: make(chan struct{}, expected)}
}

func (f *fakeSender) ReportProgress(ctx context.Context, jobGUID string, update apis.ProgressUpdate) error {
	f.mu.Lock()
	f.calls = append(f.calls, update)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestReportSendsImmediatelyWhenWindowOpen(t *testing.T) {
	sender := newFakeSender(1)
	r := New(sender, "job_x", discardLog())

	r.Report(apis.ProgressUpdate{Stage: "scanning"})

	select {
	case <-sender.done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate send")
	}
	assert.Equal(t, sender.count(), 1)
}

func TestReportCollapsesBurstsWithinWindow(t *testing.T) {
	sender := newFakeSender(2)
	r := New(sender, "job_x", discardLog())

	// fixed clock so every call in the burst lands inside one window
	var tick time.Time = time.Unix(1000, 0)
	r.now = func() time.Time { return tick }

	r.Report(apis.ProgressUpdate{Stage: "a"})
	<-sender.done // immediate first send

	for i := 0; i < 20; i++ {
		r.Report(apis.ProgressUpdate{Stage: "burst"})
	}

	// advance the clock past the window and let the armed timer fire
	tick = tick.Add(MinReportInterval + time.Millisecond)

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected delayed send to fire")
	}

	assert.Equal(t, sender.count(), 2)
	assert.Equal(t, sender.calls[1].Stage, "burst")
}

func TestCloseDrainsPendingReport(t *testing.T) {
	sender := newFakeSender(2)
	r := New(sender, "job_x", discardLog())

	var tick time.Time = time.Unix(2000, 0)
	r.now = func() time.Time { return tick }

	r.Report(apis.ProgressUpdate{Stage: "first"})
	<-sender.done

	r.Report(apis.ProgressUpdate{Stage: "final"})
	r.Close()

	assert.Equal(t, sender.count(), 2)
	assert.Equal(t, sender.calls[1].Stage, "final")

	// further reports after close are no-ops
	r.Report(apis.ProgressUpdate{Stage: "ignored"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sender.count(), 2)
}
