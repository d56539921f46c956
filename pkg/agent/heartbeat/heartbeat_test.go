package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

type stubSender struct {
	mu    sync.Mutex
	calls int
	resp  apis.HeartbeatResponse
	err   error
}

func (s *stubSender) Heartbeat(ctx context.Context, req apis.HeartbeatRequest) (*apis.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := s.resp
	return &out, nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestLoopBeatsImmediatelyAndCachesVersionState(t *testing.T) {
	latest := "v2.0.0"
	sender := &stubSender{resp: apis.HeartbeatResponse{IsOutdated: true, LatestVersion: &latest}}
	store, err := cache.NewStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)

	var handled []string
	loop := New(sender, "v1.0.0", "abc123", time.Hour, func() []string { return []string{"local_filesystem"} },
		func() map[string]any { return map[string]any{"cpu_percent": 1.2} },
		func(cmd string) { handled = append(handled, cmd) }, store, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Equal(t, sender.count(), 1)

	state, err := store.LoadValidVersionState()
	assert.NilError(t, err)
	assert.Assert(t, state != nil)
	assert.Equal(t, state.IsOutdated, true)
	assert.Equal(t, state.LatestVersion, "v2.0.0")
}

func TestLoopInvokesCommandHandlerForPendingCommands(t *testing.T) {
	sender := &stubSender{resp: apis.HeartbeatResponse{PendingCommands: []string{"sync"}}}
	store, err := cache.NewStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)

	var handled []string
	loop := New(sender, "v1.0.0", "abc123", time.Hour, func() []string { return nil },
		func() map[string]any { return nil },
		func(cmd string) { handled = append(handled, cmd) }, store, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.DeepEqual(t, handled, []string{"sync"})
}

func TestLoopSurvivesSendError(t *testing.T) {
	sender := &stubSender{err: assertError("boom")}
	store, err := cache.NewStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)

	loop := New(sender, "v1.0.0", "abc123", time.Hour, func() []string { return nil },
		func() map[string]any { return nil }, nil, store, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Equal(t, sender.count(), 1)
}

type assertError string

func (e assertError) Error() string { return string(e) }
