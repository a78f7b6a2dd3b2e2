package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
)

func newHostsCommand(version string) *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts of the inventory",
		Long: `List the hosts declared in the inventory, optionally filtered by a label selector.

The recipe is not loaded, so this works even when the recipe is broken.`,
		Example: `  # List every host
  shipyard hosts

  # List production web servers
  shipyard hosts --selector 'env=prod,role=web'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			inv, err := config.LoadInventory(cmd.Context(), s.Inventory)
			if err != nil {
				return err
			}
			hosts, err := inv.Select(nil, selector)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, hosts)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESTINATION\tKIND\tCLIENT\tLABELS")
			for _, h := range hosts {
				client := string(h.Client)
				if h.IsLocal() {
					client = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", h.Name, h.Destination(), h.Kind, client, engine.FormatLabels(h.Labels))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&selector, "selector", "l", "", "label selector, e.g. 'env=prod,role=web'")

	return cmd
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
