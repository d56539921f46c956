// Package servercmd implements the shuttersense-server CLI, mirroring
// internal/agentcmd's layout: a package-level rootCmd, one file per
// subcommand, each registering itself in init().
package servercmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
	log        *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:   "shuttersense-server",
	Short: "Central job-dispatch server for the Shuttersense photo-analysis fleet",
	Long: `shuttersense-server accepts agent registrations, dispatches
analysis jobs by capability, verifies signed results, and reclaims
storage on a retention schedule.

Commands:
  serve    start the HTTP API and background sweeps
  migrate  run schema migrations against the configured database`,
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
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "server.yaml", "path to server.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}
