package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveOpts workloadOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Translate until interrupted while serving the monitor.",
	Long: "`serve` runs the same workload as `bench` with the monitoring " +
		"server up. With --ops 0 it runs until SIGINT or SIGTERM.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runWorkload(ctx, cmd, serveOpts, true)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addWorkloadFlags(serveCmd.Flags(), &serveOpts, 0)
	serveCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}
