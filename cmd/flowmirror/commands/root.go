package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/flowmirror/internal/config"
	"github.com/dyluth/flowmirror/internal/printer"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowmirror",
	Short: "flowmirror - live replicas of running workflow engines",
	Long: `flowmirror discovers workflow engines running on this host and keeps a
live, eventually-consistent replica of each one's state.

Sources are found through Docker container labels. Each running source is
subscribed to over Redis, and drifted topics are reconciled automatically.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called once by main.main.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file (defaults apply if it does not exist)")
}

// loadConfig loads --config, printing a formatted error on failure.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			fmt.Sprintf("Could not load %s: %v", configPath, err),
			[]string{"Fix the file, or remove it to run with defaults"},
		)
	}
	return cfg, nil
}
