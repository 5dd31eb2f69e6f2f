package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployupdate/pkg/policy"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect step admission policies",
	}
	cmd.AddCommand(newPolicyListCommand(opts))
	return cmd
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			policies := []policy.Policy{}
			if rt.policies != nil {
				policies = rt.policies.ListPolicies()
			}
			return render(cmd, opts, policies, func(w io.Writer) {
				if rt.policies == nil {
					fmt.Fprintln(w, "Policies are disabled")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE")
				for _, p := range policies {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, source)
				}
				tw.Flush()
			})
		},
	}
	return cmd
}
