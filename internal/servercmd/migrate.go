package servercmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/config"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the configured database",
	Long: `migrate runs gorm AutoMigrate against database_dsn without
starting the HTTP server, for use in deploy scripts or ahead of a
version upgrade.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	flags := migrateCmd.Flags()
	flags.String("database_driver", "", "postgres or sqlite")
	flags.String("database_dsn", "", "database connection string")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("migrate: open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Println("migrate: schema is up to date")
	return nil
}
