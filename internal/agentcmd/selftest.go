package agentcmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/apiclient"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/credentials"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/spool"
)

var selfTestCmd = &cobra.Command{
	Use:   "self-test",
	Short: "Check this agent's local setup and server connectivity",
	Long: `self-test verifies the pieces the agent depends on: the config
file, the data directory, the encrypted credential store and spool, the
authorized roots, and (when registered) server reachability. Each check
prints ok or the failure; the command exits non-zero if any check
failed.`,
	RunE: runSelfTest,
}

func init() {
	rootCmd.AddCommand(selfTestCmd)
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("  %-24s FAIL: %v\n", name, err)
			return
		}
		fmt.Printf("  %-24s ok\n", name)
	}

	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()
	fmt.Printf("self-test (agent %s, config %s)\n", Version, configPath)

	check("data directory", func() error {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return err
		}
		probe := filepath.Join(cfg.DataDir, ".write-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	}())

	check("credential store", func() error {
		_, err := credentials.NewStore(cfg.DataDir)
		return err
	}())

	check("offline result spool", func() error {
		sp, err := spool.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		_, err = sp.ListAll()
		return err
	}())

	check("authorized roots", func() error {
		if len(cfg.AuthorizedRoots) == 0 {
			return fmt.Errorf("none configured; local jobs will be refused")
		}
		for _, root := range cfg.AuthorizedRoots {
			if !filepath.IsAbs(root) {
				return fmt.Errorf("%s is not absolute", root)
			}
			if _, err := os.Stat(root); err != nil {
				return fmt.Errorf("%s: %w", root, err)
			}
		}
		return nil
	}())

	if cfg.IsRegistered() {
		check("server reachability", func() error {
			client, err := apiclient.New(cfg.ServerURL, cfg.APIKey, cfg.AgentGUID, log)
			if err != nil {
				return err
			}
			_, err = client.GetTeamConfig(context.Background())
			return err
		}())
	} else {
		fmt.Printf("  %-24s skipped (not registered)\n", "server reachability")
	}

	if failures > 0 {
		return fmt.Errorf("self-test: %d check(s) failed", failures)
	}
	fmt.Println("all checks passed")
	return nil
}
