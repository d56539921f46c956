package agentcmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/config"
)

var collectionRefresh bool

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "List collections bound to this agent",
	Long: `collection prints the locally cached snapshot of collections bound
to this agent. With --refresh, the team config is re-fetched from the
server first; without it, an expired cache is still printed with a
staleness warning.`,
	RunE: runCollection,
}

func init() {
	rootCmd.AddCommand(collectionCmd)
	collectionCmd.Flags().BoolVar(&collectionRefresh, "refresh", false, "re-fetch the team config from the server before printing")
}

func runCollection(cmd *cobra.Command, args []string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()

	cacheStore, err := cache.NewStore(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("collection: open cache store: %w", err)
	}

	if collectionRefresh {
		if err := refreshTeamConfig(cfg, cacheStore); err != nil {
			log.WithError(err).Warn("collection: refresh failed, falling back to cache")
		}
	}

	snapshot, err := cacheStore.LoadCollectionCache()
	if err != nil {
		return fmt.Errorf("collection: read collection cache: %w", err)
	}
	if snapshot == nil {
		fmt.Println("no cached collections")
		return nil
	}
	if valid, _ := cacheStore.LoadValidCollectionCache(); valid == nil {
		fmt.Printf("warning: collection cache is stale (synced %s)\n", snapshot.SyncedAt.Format("2006-01-02 15:04"))
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GUID\tNAME\tTYPE\tPATH")
	for _, col := range snapshot.Collections {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", col.GUID, col.Name, col.Type, col.Path)
	}
	return w.Flush()
}

// refreshTeamConfig pulls a fresh team config snapshot and re-stamps
// the team-config cache. It does not touch the collection cache, which
// no agent command writes.
func refreshTeamConfig(cfg config.AgentConfig, cacheStore *cache.Store) error {
	if !cfg.IsRegistered() {
		return fmt.Errorf("agent is not registered")
	}
	client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
	if err != nil {
		return err
	}
	teamCfg, err := client.GetTeamConfig(context.Background())
	if err != nil {
		return err
	}
	return cacheStore.SaveTeamConfigCache(cacheStore.MakeTeamConfigCache(cfg.AgentGUID, *teamCfg))
}
