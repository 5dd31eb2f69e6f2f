package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployupdate/pkg/stores"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Apply the pending schema migrations to the database.

Every other command migrates on startup as well; this command only reports
the resulting schema version.`,
		Example: `  # Migrate the database named in the config file
  depup migrate --config depup.yaml

  # Migrate a specific database
  depup migrate --db /var/lib/depup/depup.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			version, dirty, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			result := map[string]interface{}{
				"database": cfg.Database.Path,
				"version":  version,
				"dirty":    dirty,
			}
			return render(cmd, opts, result, func(w io.Writer) {
				fmt.Fprintf(w, "Database %s at schema version %d\n", cfg.Database.Path, version)
			})
		},
	}
	return cmd
}
