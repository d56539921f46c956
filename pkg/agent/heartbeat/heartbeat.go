// Package heartbeat runs the agent's periodic heartbeat loop: report
// capabilities and basic runtime metrics, receive
// pending commands and version staleness back, and cache the staleness
// verdict locally so CLI commands can warn without another round-trip.
package heartbeat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// DefaultInterval is how often the loop beats when the agent config
// does not override it.
const DefaultInterval = 60 * time.Second

// Sender posts one heartbeat. Implemented by *apiclient.Client.
type Sender interface {
	Heartbeat(ctx context.Context, req apis.HeartbeatRequest) (*apis.HeartbeatResponse, error)
}

// CommandHandler reacts to a pending command string returned by the
// server (the agent acts on "cancel_job:<guid>").
type CommandHandler func(command string)

// Loop runs the heartbeat on a fixed interval until its context is
// cancelled.
type Loop struct {
	sender       Sender
	version      string
	platform     string
	binaryHash   string
	interval     time.Duration
	capabilities func() []string
	metrics      func() map[string]any
	onCommand    CommandHandler
	store        *cache.Store
	log          *logrus.Entry
}

// New constructs a heartbeat Loop. capabilitiesFn and metricsFn are
// called fresh on every beat so capability changes (e.g. a newly
// stored connector credential) are picked up without a restart.
// binaryChecksum is the running binary's sha256, reported on every
// beat so the server can re-attest the agent against its release
// manifest; an empty string is sent as-is when the
// caller could not compute it.
func New(sender Sender, version string, binaryChecksum string, interval time.Duration, capabilitiesFn func() []string, metricsFn func() map[string]any, onCommand CommandHandler, store *cache.Store, log *logrus.Entry) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		sender:       sender,
		version:      version,
		platform:     apis.Platform(),
		binaryHash:   binaryChecksum,
		interval:     interval,
		capabilities: capabilitiesFn,
		metrics:      metricsFn,
		onCommand:    onCommand,
		store:        store,
		log:          log,
	}
}

// Run blocks, beating every interval, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.beatOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.beatOnce(ctx)
		}
	}
}

func (l *Loop) beatOnce(ctx context.Context) {
	req := apis.HeartbeatRequest{
		Capabilities:   l.capabilities(),
		Metrics:        l.metrics(),
		Version:        l.version,
		Platform:       l.platform,
		BinaryChecksum: l.binaryHash,
	}

	resp, err := l.sender.Heartbeat(ctx, req)
	if err != nil {
		l.log.WithError(err).Warn("heartbeat: failed, will retry next interval")
		return
	}

	latest := ""
	if resp.LatestVersion != nil {
		latest = *resp.LatestVersion
	}
	if l.store != nil {
		if err := l.store.SaveVersionState(resp.IsOutdated, latest); err != nil {
			l.log.WithError(err).Warn("heartbeat: failed to cache version state")
		}
	}

	for _, cmd := range resp.PendingCommands {
		if l.onCommand != nil {
			l.onCommand(cmd)
		}
	}
}
