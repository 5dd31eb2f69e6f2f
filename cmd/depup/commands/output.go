package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// render writes v as indented JSON with --output json, otherwise calls text.
func render(cmd *cobra.Command, opts *globalOptions, v interface{}, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	switch opts.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}
}

func printUpdate(w io.Writer, u *engine.DeploymentUpdate) {
	fmt.Fprintf(w, "Update:      %s\n", u.ID)
	fmt.Fprintf(w, "Deployment:  %s\n", u.DeploymentID)
	fmt.Fprintf(w, "State:       %s\n", u.State)
	if u.ExecutionID != "" {
		fmt.Fprintf(w, "Execution:   %s\n", u.ExecutionID)
	}
	fmt.Fprintf(w, "Created:     %s\n", u.CreatedAt.Format("2006-01-02 15:04:05"))

	if len(u.Steps) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, s := range u.Steps {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", s.Operation, s.EntityType, s.EntityID)
		}
		tw.Flush()
	}

	if len(u.ModifiedNodeInstances) > 0 {
		fmt.Fprintln(w, "\nModified node instances:")
		categories := make([]string, 0, len(u.ModifiedNodeInstances))
		for c := range u.ModifiedNodeInstances {
			categories = append(categories, string(c))
		}
		sort.Strings(categories)
		for _, c := range categories {
			delta := u.ModifiedNodeInstances[engine.Category(c)]
			ids := make([]string, 0, len(delta.Affected))
			for _, ci := range delta.Affected {
				ids = append(ids, ci.NodeInstance.ID)
			}
			fmt.Fprintf(w, "  %-9s %s\n", c, strings.Join(ids, ", "))
		}
	}
}

func printUpdateList(w io.Writer, list *engine.UpdateList) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEPLOYMENT\tSTATE\tSTEPS\tCREATED")
	for _, u := range list.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			u.ID, u.DeploymentID, u.State, len(u.Steps), u.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d of %d (offset %d)\n", len(list.Items), list.Metadata.Total, list.Metadata.Offset)
}
