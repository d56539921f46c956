package agentcmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/cache"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/capabilities"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

var updateCheckOnly bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download and install the latest agent release",
	Long: `update asks the server for the latest release for this platform,
downloads it, verifies its checksum against the manifest, and swaps the
running binary. With --check, it only reports whether an update is
available.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().BoolVar(&updateCheckOnly, "check", false, "report the latest version without installing")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()
	if !cfg.IsRegistered() {
		return fmt.Errorf("update: agent is not registered, run 'shuttersense-agent register' first")
	}

	cacheStore, err := cache.NewStore(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("update: open cache store: %w", err)
	}

	// The heartbeat loop caches the server's staleness verdict for an
	// hour; reuse it before going to the network.
	state, _ := cacheStore.LoadValidVersionState()
	if state == nil {
		client, cerr := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
		if cerr != nil {
			return fmt.Errorf("update: build api client: %w", cerr)
		}
		resp, herr := client.Heartbeat(context.Background(), heartbeatProbe())
		if herr != nil {
			return fmt.Errorf("update: query server: %w", herr)
		}
		latest := ""
		if resp.LatestVersion != nil {
			latest = *resp.LatestVersion
		}
		_ = cacheStore.SaveVersionState(resp.IsOutdated, latest)
		state = &cache.VersionState{IsOutdated: resp.IsOutdated, LatestVersion: latest}
	}

	if !state.IsOutdated || state.LatestVersion == "" {
		fmt.Printf("agent %s is up to date\n", Version)
		return nil
	}
	if updateCheckOnly {
		fmt.Printf("update available: %s (running %s)\n", state.LatestVersion, Version)
		return nil
	}

	client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
	if err != nil {
		return fmt.Errorf("update: build api client: %w", err)
	}

	platform := apis.Platform()
	body, expected, err := client.DownloadRelease(context.Background(), state.LatestVersion, platform)
	if err != nil {
		return fmt.Errorf("update: download %s for %s: %w", state.LatestVersion, platform, err)
	}

	sum := sha256.Sum256(body)
	actual := hex.EncodeToString(sum[:])
	if expected == "" || actual != expected {
		return fmt.Errorf("update: checksum mismatch: manifest %s, downloaded %s", expected, actual)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("update: locate running binary: %w", err)
	}

	// Write next to the current binary and rename over it, so a failed
	// download never leaves a half-written executable in place.
	staging := filepath.Join(filepath.Dir(self), fmt.Sprintf(".%s.new", filepath.Base(self)))
	if err := os.WriteFile(staging, body, 0o755); err != nil {
		return fmt.Errorf("update: write staged binary: %w", err)
	}
	if err := os.Rename(staging, self); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("update: swap binary: %w", err)
	}

	fmt.Printf("updated to %s; restart the agent to pick it up\n", state.LatestVersion)
	return nil
}

// heartbeatProbe builds a minimal heartbeat request used only to learn
// the server's staleness verdict.
func heartbeatProbe() apis.HeartbeatRequest {
	checksum, err := binaryChecksum()
	if err != nil {
		checksum = ""
	}
	return apis.HeartbeatRequest{
		Capabilities:   capabilities.Detect(Version, capabilities.StorageSupport{S3: true, GCS: true}, nil),
		Metrics:        map[string]any{},
		Version:        Version,
		Platform:       apis.Platform(),
		BinaryChecksum: checksum,
	}
}
