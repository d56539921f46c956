package agentcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/capabilities"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/credentials"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/executor"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/heartbeat"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/polling"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/spool"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/tools"
)

var runOffline bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the job polling loop",
	Long: `run claims and executes jobs from the server until interrupted.
With --offline, a job that can't be completed because the server is
unreachable is spooled locally instead of failing outright.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "spool results locally when the server is unreachable")
}

func runRun(cmd *cobra.Command, args []string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()
	if !cfg.IsRegistered() {
		return fmt.Errorf("run: agent is not registered, run 'shuttersense-agent register' first")
	}

	client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
	if err != nil {
		return fmt.Errorf("run: build api client: %w", err)
	}

	credStore, err := credentials.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("run: open credential store: %w", err)
	}
	cacheStore, err := cache.NewStore(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("run: open cache store: %w", err)
	}

	var spoolStore *spool.Spool
	if runOffline || cfg.OfflineSpool {
		spoolStore, err = spool.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("run: open result spool: %w", err)
		}
	}

	exec := executor.New(client, client, client, tools.DefaultRegistry(), credStore, spoolStore, runOffline || cfg.OfflineSpool, cfg.AuthorizedRoots, log)

	capsFn := func() []string {
		connectorGUIDs, _ := credStore.ListConnectorGUIDs()
		return capabilities.Detect(Version, capabilities.StorageSupport{S3: true, GCS: true}, connectorGUIDs)
	}
	metricsFn := func() map[string]any {
		return map[string]any{"uptime_seconds": time.Since(startedAt).Seconds()}
	}
	pollLoop := polling.New(client, exec, time.Duration(cfg.PollInterval)*time.Second, log)
	onCommand := func(command string) {
		log.WithField("command", command).Info("heartbeat: server sent a pending command")
		if guid, ok := strings.CutPrefix(command, apis.CancelJobCommandPrefix); ok {
			if pollLoop.CancelJob(guid) {
				log.WithField("job", guid).Info("run: cancelling current job on server command")
			}
		}
	}

	checksum, err := binaryChecksum()
	if err != nil {
		log.WithError(err).Warn("run: failed to compute running binary checksum, heartbeats will report none")
		checksum = ""
	}

	hbLoop := heartbeat.New(client, Version, checksum, time.Duration(cfg.PollInterval)*time.Second, capsFn, metricsFn, onCommand, cacheStore, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Long-lived daemons clean their own caches: expired test-cache
	// entries hourly, already-synced spool files alongside them.
	cleanup := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, _ = cleanup.AddFunc("@hourly", func() {
		if n, cerr := cacheStore.CleanupTestCache(); cerr != nil {
			log.WithError(cerr).Warn("run: test-cache cleanup failed")
		} else if n > 0 {
			log.WithField("count", n).Debug("run: removed expired test-cache entries")
		}
		if spoolStore != nil {
			if n, cerr := spoolStore.CleanupSynced(); cerr != nil {
				log.WithError(cerr).Warn("run: spool cleanup failed")
			} else if n > 0 {
				log.WithField("count", n).Debug("run: removed synced spool files")
			}
		}
	})
	cleanup.Start()
	defer cleanup.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("run: shutdown signal received")
		pollLoop.RequestShutdown()
		cancel()
	}()

	go hbLoop.Run(ctx)

	code := pollLoop.Run(ctx)
	if code != polling.ExitClean {
		os.Exit(code)
	}
	return nil
}

var startedAt = time.Now()
