package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hvmmu/mem/vm/format"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the page-table formats and which ones the host walks.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		caps, err := cfg.Capabilities()
		if err != nil {
			return err
		}

		d := format.NewDetector(caps).WithLogger(log)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FORMAT\tLEVELS\tGUEST BITS\tHOST BITS\tSUPPORTED\tMODE")

		for _, f := range format.All() {
			g := f.Geometry()
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n",
				f, g.Levels, g.AddressBits, g.HostAddressBits,
				d.IsSupported(f), format.ModeOf(f))
		}

		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "best: %s\n", d.Best())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}
