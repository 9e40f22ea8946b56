package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unicornbottle/ub-httpproxy/internal/config"
	"github.com/unicornbottle/ub-httpproxy/internal/persist"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <tenant-guid>",
	Short: "Create the database for a tenant",
	Long: `Create the per-tenant traffic database and schema. The proxy never
creates tenant databases itself: traffic for an unprovisioned tenant
is counted and discarded, so provisioning is an explicit step.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("tenant guid %q is not a UUID: %w", args[0], err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store := persist.NewSQLiteStore(cfg.Persist.DataDir)
		conn, err := store.Connect(tenant, true)
		if err != nil {
			return err
		}
		if err := conn.Close(); err != nil {
			return err
		}
		fmt.Printf("provisioned tenant %s under %s\n", tenant, cfg.Persist.DataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
