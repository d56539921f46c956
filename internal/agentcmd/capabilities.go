package agentcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/capabilities"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/agent/credentials"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Print what this build of the agent can do",
	RunE:  runCapabilities,
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Current()

	var connectorGUIDs []string
	if cfg.DataDir != "" {
		if store, err := credentials.NewStore(cfg.DataDir); err == nil {
			connectorGUIDs, _ = store.ListConnectorGUIDs()
		}
	}

	for _, c := range capabilities.Detect(Version, capabilities.StorageSupport{S3: true, GCS: true}, connectorGUIDs) {
		fmt.Println(c)
	}
	return nil
}
