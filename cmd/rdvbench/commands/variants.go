package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/rdvbench/bench"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// NewVariantsCmd lists the rendezvous variants and the direct baselines.
func NewVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List rendezvous variants and direct baselines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VARIANT\tKIND\tDESCRIPTION")
			for _, v := range rendezvous.Variants() {
				fmt.Fprintf(w, "%s\trendezvous\t%s\n", v, v.Describe())
			}
			for _, b := range bench.Baselines() {
				fmt.Fprintf(w, "%s\tbaseline\t%s\n", b, b.Describe())
			}
			return w.Flush()
		},
	}
}
