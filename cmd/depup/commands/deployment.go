package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/deployupdate/pkg/config"
)

func newDeploymentCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Manage deployments",
	}
	cmd.AddCommand(newDeploymentCreateCommand(opts))
	return cmd
}

func newDeploymentCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		blueprintID string
		planFile    string
	)

	cmd := &cobra.Command{
		Use:   "create <deployment-id>",
		Short: "Create a deployment from a plan",
		Long: `Create a deployment, its nodes and their initial node instances from a
plan file (.yaml, .json or .cue).`,
		Example: `  depup deployment create web-prod --blueprint web --plan plan.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.LoadPlan(planFile)
			if err != nil {
				return err
			}
			if blueprintID == "" {
				blueprintID = args[0]
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			log.Debug().Str("deployment_id", args[0]).Str("plan", planFile).Msg("Creating deployment")
			d, err := rt.manager.CreateDeployment(cmd.Context(), args[0], blueprintID, plan)
			if err != nil {
				return err
			}
			return render(cmd, opts, d, func(w io.Writer) {
				fmt.Fprintf(w, "Deployment %s created from blueprint %s (%d nodes)\n", d.ID, d.BlueprintID, len(plan.Nodes))
			})
		},
	}

	cmd.Flags().StringVarP(&blueprintID, "blueprint", "b", "", "blueprint id (defaults to the deployment id)")
	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "plan file")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
