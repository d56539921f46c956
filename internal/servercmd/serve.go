package servercmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/api"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/attestation"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/config"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/optimizer"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/store"
)

// secretSweepInterval is how often the in-memory signing-secret cache
// evicts entries older than its maxAge — independent of the retention
// cron, since attestation.Cache lives in process memory rather than
// the database.
const secretSweepInterval = time.Minute

// secretMaxAge bounds how long a minted signing secret survives a
// dropped connection before offline resync can no longer replay it
// through POST /results/upload (see spool.OfflineResult).
const secretMaxAge = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background sweeps",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	flags := serveCmd.Flags()
	flags.String("listen_addr", "", "address to listen on, e.g. :8443")
	flags.String("database_driver", "", "postgres or sqlite")
	flags.String("database_dsn", "", "database connection string")
	flags.String("credential_key_hex", "", "32-byte hex key for sealing connector credentials")
	flags.String("retention_schedule", "", "cron expression for the storage retention sweep")
	flags.Int("report_retention_days", 0, "days completed jobs and results are kept before the retention sweep deletes them")
	flags.Int("offline_grace_minutes", 0, "minutes of missed heartbeats before an agent is marked offline")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	credentialKey, err := cfg.CredentialKey()
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("serve: open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("serve: migrate database: %w", err)
	}

	s := store.New(database, credentialKey)
	secrets := attestation.New()
	disp := dispatcher.New(s.Jobs, s.Collections, s.Pipelines, secrets, log)
	in := ingest.New(s.Jobs, s.Results, secrets, log)

	var dashboard *store.DashboardStore
	if cfg.DatabaseDriver == "postgres" {
		dashboard, err = store.OpenDashboardStore(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("serve: open dashboard store: %w", err)
		}
		defer dashboard.Close()
	} else {
		log.Debug("serve: team dashboard disabled, database_driver is not postgres")
	}

	h := api.NewHandler(s, disp, in, secrets, dashboard, log)
	router := api.NewRouter(h)

	opt := optimizer.New(s.Teams, s.TeamConfig, s.Jobs, s.Results, s.Metrics, log).WithReportRetention(cfg.ReportRetention())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retentionCron, err := opt.Start(ctx, cfg.RetentionSchedule)
	if err != nil {
		return fmt.Errorf("serve: start retention sweep: %w", err)
	}
	defer retentionCron.Stop()

	go runOfflineSweep(ctx, s, secrets, h, cfg.OfflineGrace())

	log.WithField("addr", cfg.ListenAddr).Info("serve: listening")
	return router.Run(cfg.ListenAddr)
}

// runOfflineSweep periodically marks agents offline after a missed
// heartbeat window and evicts stale signing secrets from the
// attestation cache, until ctx is cancelled.
func runOfflineSweep(ctx context.Context, s *store.Store, secrets *attestation.Cache, h *api.Handler, grace time.Duration) {
	ticker := time.NewTicker(secretSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Agents.SweepOffline(ctx, time.Now().Add(-grace)); err != nil {
				log.WithError(err).Warn("serve: offline agent sweep failed")
			} else if n > 0 {
				log.WithField("count", n).Info("serve: marked agents offline")
			}
			if n := secrets.Sweep(secretMaxAge); n > 0 {
				log.WithField("count", n).Debug("serve: evicted stale signing secrets")
			}
			if n := h.SweepChunks(); n > 0 {
				log.WithField("count", n).Debug("serve: dropped idle chunked uploads")
			}
		}
	}
}
