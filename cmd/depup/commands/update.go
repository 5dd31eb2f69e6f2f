package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployupdate/pkg/config"
	"github.com/openfroyo/deployupdate/pkg/engine"
)

func newUpdateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Stage, describe and commit deployment updates",
		Long: `Deployment updates move through three states:

  stage     record the new plan                       -> staged
  add/remove declare steps against the plan
  commit    rewrite nodes and instances, dispatch the
            update workflow                           -> committing
  finalize  apply removals once the workflow ended    -> committed

With the memory queue backend commit runs the update workflow in-process
and finalizes before returning. With the redis backend a worker finalizes
the update when the workflow reports completion.`,
	}

	cmd.AddCommand(newUpdateStageCommand(opts))
	cmd.AddCommand(newUpdateStepCommand(opts, engine.StepOperationAdd))
	cmd.AddCommand(newUpdateStepCommand(opts, engine.StepOperationRemove))
	cmd.AddCommand(newUpdateCommitCommand(opts))
	cmd.AddCommand(newUpdateFinalizeCommand(opts))
	cmd.AddCommand(newUpdateShowCommand(opts))
	cmd.AddCommand(newUpdateListCommand(opts))
	return cmd
}

func newUpdateStageCommand(opts *globalOptions) *cobra.Command {
	var planFile string

	cmd := &cobra.Command{
		Use:     "stage <deployment-id>",
		Short:   "Stage an update of a deployment",
		Example: `  depup update stage web-prod --plan plan-v2.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.LoadPlan(planFile)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			u, err := rt.manager.Stage(cmd.Context(), args[0], plan)
			if err != nil {
				return err
			}
			return render(cmd, opts, u, func(w io.Writer) {
				fmt.Fprintf(w, "Staged update %s of deployment %s\n", u.ID, u.DeploymentID)
			})
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "new plan file")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func newUpdateStepCommand(opts *globalOptions, op engine.StepOperation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <update-id> <node|relationship> <entity-id>", op),
		Short: fmt.Sprintf("Declare a %s step on a staged update", op),
		Long: fmt.Sprintf(`Declare a %s step on a staged update.

Node entity ids are node ids. Relationship entity ids have the form
<source-node>:<target-node>.`, op),
		Example: fmt.Sprintf(`  depup update %[1]s web-prod-3f2a node db
  depup update %[1]s web-prod-3f2a relationship web:db`, op),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			step, err := rt.manager.CreateStep(cmd.Context(), args[0], engine.StepRequest{
				Operation:  op,
				EntityType: engine.EntityType(args[1]),
				EntityID:   args[2],
			})
			if err != nil {
				return err
			}
			return render(cmd, opts, step, func(w io.Writer) {
				fmt.Fprintf(w, "Step %d: %s %s %s\n", step.Index, step.Operation, step.EntityType, step.EntityID)
			})
		},
	}
	return cmd
}

func newUpdateCommitCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <update-id>",
		Short: "Commit a staged update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			u, err := rt.manager.Commit(ctx, args[0])
			if err != nil {
				return err
			}
			if err := rt.drain(ctx); err != nil {
				return err
			}
			if u, err = rt.manager.Get(ctx, u.ID); err != nil {
				return err
			}
			return render(cmd, opts, u, func(w io.Writer) { printUpdate(w, u) })
		},
	}
	return cmd
}

func newUpdateFinalizeCommand(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "finalize <update-id>",
		Short: "Finalize a committing update",
		Long: `Apply the removals of a committing update and mark it committed.

Workers finalize updates when the update workflow terminates; use this
command to finalize by hand after the workflow was run out of band, or when
a worker failed to finalize after the workflow succeeded.

Finalize deletes the node instances and nodes the update removed. It refuses
when the update workflow execution failed or was cancelled, which includes a
commit whose dispatch failed: the uninstall part of that workflow never ran
against those instances. --force deletes them anyway; uninstall the
resources yourself first.`,
		Example: `  depup update finalize web-prod-3f2a

  # The update workflow failed and the resources were removed by hand
  depup update finalize web-prod-3f2a --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			finalize := rt.manager.Finalize
			if force {
				finalize = rt.manager.ForceFinalize
			}
			u, err := finalize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, opts, u, func(w io.Writer) { printUpdate(w, u) })
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "finalize even though the update workflow did not succeed")

	return cmd
}

func newUpdateShowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <update-id>",
		Short: "Show an update and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			u, err := rt.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, opts, u, func(w io.Writer) { printUpdate(w, u) })
		},
	}
	return cmd
}

func newUpdateListCommand(opts *globalOptions) *cobra.Command {
	var (
		deploymentID string
		state        string
		offset       int
		size         int
		sortField    string
		descending   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List updates",
		Example: `  # Updates of one deployment, newest first
  depup update list --deployment web-prod --desc

  # Updates still running their workflow
  depup update list --state committing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.manager.List(cmd.Context(),
				engine.UpdateFilter{DeploymentID: deploymentID, State: engine.UpdateState(state)},
				engine.Pagination{Offset: offset, Size: size},
				engine.Sort{Field: sortField, Descending: descending})
			if err != nil {
				return err
			}
			return render(cmd, opts, list, func(w io.Writer) { printUpdateList(w, list) })
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment", "", "only updates of this deployment")
	cmd.Flags().StringVar(&state, "state", "", "only updates in this state (staged, committing, committed)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of updates to skip")
	cmd.Flags().IntVar(&size, "size", 0, "page size (0 for the default)")
	cmd.Flags().StringVar(&sortField, "sort", "created_at", "sort field: created_at, updated_at, id, state")
	cmd.Flags().BoolVar(&descending, "desc", false, "sort descending")

	return cmd
}
