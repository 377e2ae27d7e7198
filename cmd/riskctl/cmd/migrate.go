package cmd

import (
	"fmt"
	"os"

	"RiskGate/internal/clock"
	"RiskGate/internal/config"
	"RiskGate/internal/observability"
	"RiskGate/internal/persistence"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage store schema migrations",
	Long: `Apply or roll back the SQL migrations embedded in riskgate.

The store is selected from the config file and RISKGATE_STORE_* variables,
the same way the daemon selects it. The daemon also migrates up on start.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := openMigrator()
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", n)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := openMigrator()
		if err != nil {
			return err
		}
		defer closeDB()

		rolled, err := m.Down(cmd.Context())
		if err != nil {
			return err
		}
		if !rolled {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back 1 migration")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := openMigrator()
		if err != nil {
			return err
		}
		defer closeDB()

		versions, err := m.Applied(cmd.Context())
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func openMigrator() (*persistence.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := persistence.Open(cfg.Dialect(), cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.LogLevel))
	return persistence.NewMigrator(db, clock.System{}, logger), func() { db.Close() }, nil
}
