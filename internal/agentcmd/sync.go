package agentcmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/spool"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload offline-spooled results",
	Long: `sync replays every result spooled while the server was
unreachable through the results/upload endpoint, then deletes whatever
synced successfully.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()
	if !cfg.IsRegistered() {
		return fmt.Errorf("sync: agent is not registered, run 'shuttersense-agent register' first")
	}

	client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
	if err != nil {
		return fmt.Errorf("sync: build api client: %w", err)
	}

	sp, err := spool.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("sync: open result spool: %w", err)
	}

	pending, err := sp.ListPending()
	if err != nil {
		return fmt.Errorf("sync: list pending results: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("sync: nothing to upload")
		return nil
	}

	ctx := context.Background()
	synced, failed := 0, 0
	for _, result := range pending {
		complete := apis.CompleteRequest{Result: result.Payload, Signature: result.Signature}
		var err error
		if encoded, merr := json.Marshal(complete); merr == nil && (len(encoded) > apis.InlineResultLimit || result.Payload.ReportHTML != "") {
			_, err = client.CompleteJobChunked(ctx, result.JobGUID, complete)
		} else {
			_, err = client.UploadResult(ctx, apis.UploadResultRequest{
				JobGUID:   result.JobGUID,
				Result:    result.Payload,
				Signature: result.Signature,
			})
		}
		if err != nil {
			if _, ok := err.(*apiclient.ConnectionError); ok {
				log.WithError(err).Warn("sync: server unreachable, stopping")
				break
			}
			log.WithError(err).WithField("result_id", result.ResultID).Error("sync: failed to upload result")
			failed++
			continue
		}
		if _, err := sp.MarkSynced(result.ResultID); err != nil {
			log.WithError(err).WithField("result_id", result.ResultID).Warn("sync: uploaded but failed to mark synced")
		}
		synced++
	}

	removed, err := sp.CleanupSynced()
	if err != nil {
		log.WithError(err).Warn("sync: cleanup of synced results failed")
	}

	fmt.Printf("sync: %d uploaded, %d failed, %d removed from spool\n", synced, failed, removed)
	return nil
}
