package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	dockerpkg "github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/internal/printer"
)

var labelsSpec dockerpkg.SourceSpec

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Print the docker labels that make a container discoverable",
	Long: `Print the --label arguments a workflow engine container needs so that
flowmirror discovers it.

Examples:
  docker run $(flowmirror labels --owner alice --name nightly --port 6379) engine:latest`,
	RunE: runLabels,
}

func init() {
	labelsCmd.Flags().StringVar(&labelsSpec.Owner, "owner", "", "Source owner (required)")
	labelsCmd.Flags().StringVar(&labelsSpec.Name, "name", "", "Source name (required)")
	labelsCmd.Flags().IntVar(&labelsSpec.Port, "port", 0, "Request port (required)")
	labelsCmd.Flags().IntVar(&labelsSpec.PublishPort, "publish-port", 0, "Publish port (defaults to --port)")
	labelsCmd.Flags().IntVar(&labelsSpec.APIVersion, "api", 0, "API version the source speaks")
	labelsCmd.Flags().StringVar(&labelsSpec.RunID, "run-id", "", "Run UUID (generated if omitted)")
	rootCmd.AddCommand(labelsCmd)
}

func runLabels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeLabels(os.Stdout, dockerpkg.Labels{Prefix: cfg.Scan.LabelPrefix}, labelsSpec)
}

func writeLabels(w io.Writer, labels dockerpkg.Labels, spec dockerpkg.SourceSpec) error {
	set, err := labels.BuildSourceLabels(spec)
	if err != nil {
		return printer.Error(
			"invalid source",
			err.Error(),
			[]string{"Pass --owner, --name and --port"},
		)
	}
	fmt.Fprintln(w, strings.Join(dockerpkg.LabelArgs(set), " "))
	return nil
}
