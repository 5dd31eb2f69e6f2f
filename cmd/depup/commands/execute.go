package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployupdate/pkg/deployupdate"
)

func newExecuteCommand(opts *globalOptions) *cobra.Command {
	var (
		params      []string
		allowCustom bool
	)

	cmd := &cobra.Command{
		Use:   "execute <deployment-id> <workflow-id>",
		Short: "Start a workflow on a deployment",
		Long: `Start a workflow declared on a deployment.

Parameter values are parsed as YAML scalars, so --param count=3 passes an
integer and --param force=true a boolean. Parameters the workflow does not
declare are rejected unless custom parameters are allowed by the
workflows.allow_custom_parameters setting or --allow-custom.`,
		Example: `  depup execute web-prod scale --param node_id=web --param delta=2`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provided, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			dispatcher := deployupdate.NewDispatcher(rt.store, rt.queue, rt.tel)
			execution, err := dispatcher.Dispatch(ctx, deployupdate.DispatchRequest{
				DeploymentID:          args[0],
				WorkflowID:            args[1],
				Parameters:            provided,
				AllowCustomParameters: allowCustom || rt.cfg.Workflows.AllowCustomParameters,
			})
			if err != nil {
				return err
			}
			if err := rt.drain(ctx); err != nil {
				return err
			}
			if execution, err = rt.store.GetExecution(ctx, execution.ID); err != nil {
				return err
			}
			return render(cmd, opts, execution, func(w io.Writer) {
				fmt.Fprintf(w, "Execution %s of workflow %s: %s\n", execution.ID, execution.WorkflowID, execution.Status)
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "workflow parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&allowCustom, "allow-custom", false, "accept parameters the workflow does not declare")

	return cmd
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
