package agentcmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	agentconfig "github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/config"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/storage"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

var testCmd = &cobra.Command{
	Use:   "test <path>",
	Short: "Check whether a local collection path is accessible",
	Long: `test lists files under path the way a real job would, classifying
them into photo/sidecar/other using the team's configured extensions
(fetched from the server if registered, falling back to cache), and
caches the outcome so repeated checks of the same path are instant.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	path := args[0]

	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()

	cacheStore, err := cache.NewStore(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("test: open cache store: %w", err)
	}

	if cached, err := cacheStore.LoadValidTestCache(path); err == nil && cached != nil {
		printTestResult(path, cached.Accessible, cached.FileCount, cached.PhotoCount, cached.SidecarCount)
		fmt.Printf("(cached at %s)\n", cached.TestedAt.Format("2006-01-02 15:04 MST"))
		return nil
	}

	ctx := context.Background()
	var fetcher agentconfig.TeamConfigFetcher
	if cfg.IsRegistered() {
		client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
		if err == nil {
			fetcher = client
		}
	}
	result := agentconfig.ResolveTeamConfig(ctx, cfg, fetcher, cacheStore, log)
	teamCfg := apis.TeamConfig{}
	if result.Config != nil {
		teamCfg = *result.Config
	}
	fmt.Println("team config:", result.Message)

	adapter := storage.NewLocalAdapter()
	files, err := adapter.ListFilesWithMetadata(ctx, path)
	if err != nil {
		fmt.Printf("not accessible: %v\n", err)
		entry, cerr := cacheStore.MakeTestCacheEntry(path, false, 0, 0, 0, nil, cfg.AgentGUID, Version, map[string]any{"error": err.Error()})
		if cerr == nil {
			_ = cacheStore.SaveTestCache(entry)
		}
		return nil
	}

	photoExts := extSet(teamCfg.PhotoExtensions)
	sidecarExts := extSet(teamCfg.MetadataExtensions)
	photoCount, sidecarCount := 0, 0
	for _, f := range files {
		switch {
		case photoExts[extOf(f.Path)]:
			photoCount++
		case sidecarExts[extOf(f.Path)]:
			sidecarCount++
		}
	}

	printTestResult(path, true, len(files), photoCount, sidecarCount)

	entry, err := cacheStore.MakeTestCacheEntry(path, true, len(files), photoCount, sidecarCount, nil, cfg.AgentGUID, Version, nil)
	if err == nil {
		_ = cacheStore.SaveTestCache(entry)
	}
	return nil
}

func printTestResult(path string, accessible bool, fileCount, photoCount, sidecarCount int) {
	fmt.Printf("%s: accessible=%v files=%d photos=%d sidecars=%d\n", path, accessible, fileCount, photoCount, sidecarCount)
}

func extSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = true
	}
	return set
}

func extOf(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(path[i:])
}
