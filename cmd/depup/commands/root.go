package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	output     string
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "depup",
		Short: "Deployment update orchestrator",
		Long: `depup modifies a live deployment in place.

An update is staged with a new plan, described as a list of add and remove
steps on nodes and relationships, then committed: node definitions and
node instances are rewritten, the update workflow is dispatched, and once
it terminates the update is finalized and the destructive remainder
(removed relationships, deleted instances and nodes) is applied.

Update states:
  staged      steps may still be added
  committing  instances rewritten, update workflow running
  committed   finalized`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newDeploymentCommand(opts))
	rootCmd.AddCommand(newUpdateCommand(opts))
	rootCmd.AddCommand(newExecuteCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newWorkerCommand(opts))

	return rootCmd
}
