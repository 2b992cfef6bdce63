// Package cmd provides the command-line interface of hvmmu.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/hvmmu/config"
)

var (
	configPath string
	envFiles   []string
	logLevel   string

	cfg config.Config
	log *logrus.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hvmmu",
	Short: "hvmmu exercises the G-stage translation layer of a hypervisor.",
	Long: `hvmmu builds guest page tables in host memory, drives two-stage ` +
		`translations through the software TLB and reports what the ` +
		`translation layer did.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"TOML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil,
		"dotenv files with HVMMU_ variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"overrides the configured log level")
}

func loadConfig(_ *cobra.Command, _ []string) error {
	var err error

	cfg, err = config.Load(configPath, envFiles...)
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err = cfg.Logger()

	return err
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
