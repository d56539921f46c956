// Package agentcmd implements the shuttersense-agent CLI: a
// package-level rootCmd, one file per subcommand, each registering
// itself in init().
package agentcmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
	log        *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:   "shuttersense-agent",
	Short: "Remote execution agent for the Shuttersense photo-analysis fleet",
	Long: `shuttersense-agent polls a Shuttersense server for analysis jobs,
executes them against a local or connector-backed photo collection,
and reports signed results back.

Commands:
  register      one-time enrollment against a server
  run           start the polling loop
  sync          replay offline-spooled results once connectivity returns
  capabilities  print what this build of the agent can do
  test          check a collection path's accessibility
  collection    list collections bound to this agent
  self-test     check local setup and server connectivity
  update        download and install the latest release`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l := logrus.New()
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		l.SetLevel(level)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log = logrus.NewEntry(l)
		return nil
	},
}

// Execute runs the CLI, returning the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func init() {
	defaultPath, _ := config.DefaultPath()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to agent.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func loadConfig() (*config.Loader, error) {
	return config.NewLoader(configPath, log)
}
