package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/flowmirror/internal/discovery"
	dockerpkg "github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/internal/lifecycle"
	"github.com/dyluth/flowmirror/internal/printer"
)

var scanJSON bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List discovered workflow sources",
	Long: `Run one discovery scan and list every source found.

For each source, displays:
  • Source id (owner/name)
  • State (active/inactive) as the replica engine would classify it
  • Contact address, for running sources
  • Whether run history exists on disk

Use --json for machine-readable output.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(scanCmd)
}

// sourceRow is one line of scan output.
type sourceRow struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	APIVersion int    `json:"api_version,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	History    bool   `json:"history"`
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker unavailable", err.Error(), nil)
	}
	defer cli.Close()

	scanner := discovery.NewDockerScanner(cli, dockerpkg.Labels{Prefix: cfg.Scan.LabelPrefix}, cfg.Scan.SourceHost)
	records, err := discovery.Collect(ctx, scanner)
	if err != nil {
		return fmt.Errorf("failed to scan for sources: %w", err)
	}

	rows := buildRows(ctx, records, cfg.Scan.APIVersion, discovery.FileHistory{Dir: cfg.History.Dir})

	if scanJSON {
		return outputJSON(os.Stdout, rows)
	}
	outputTable(os.Stdout, rows)
	return nil
}

func buildRows(ctx context.Context, records []discovery.Record, apiVersion int, history discovery.HistoryChecker) []sourceRow {
	rows := make([]sourceRow, 0, len(records))
	for _, rec := range records {
		row := sourceRow{
			ID:      rec.ID(),
			State:   lifecycle.Classify(rec, apiVersion).String(),
			History: history.HasRunHistory(ctx, rec.ID()),
		}
		if rec.Contact != nil {
			row.Host = rec.Contact.Host
			row.Port = rec.Contact.Port
			row.APIVersion = rec.Contact.APIVersion
			row.RunID = rec.Contact.InstanceUUID
		}
		rows = append(rows, row)
	}
	return rows
}

func outputJSON(w io.Writer, rows []sourceRow) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sources to JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func outputTable(w io.Writer, rows []sourceRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No workflow sources found.")
		return
	}

	fmt.Fprintf(w, "%-30s %-10s %-22s %-4s %-8s %s\n", "SOURCE", "STATE", "ADDRESS", "API", "RUN", "HISTORY")
	for _, r := range rows {
		addr, api, run := "-", "-", "-"
		if r.Host != "" {
			addr = fmt.Sprintf("%s:%d", r.Host, r.Port)
			api = fmt.Sprintf("%d", r.APIVersion)
		}
		if len(r.RunID) >= 8 {
			run = r.RunID[:8]
		}

		history := "no"
		if r.History {
			history = "yes"
		}

		// Pad before colouring so escape codes don't break alignment
		fmt.Fprintf(w, "%-30s %s %-22s %-4s %-8s %s\n",
			r.ID, printer.State(fmt.Sprintf("%-10s", r.State)), addr, api, run, history)
	}

	countMsg := "source"
	if len(rows) != 1 {
		countMsg = "sources"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(rows), countMsg)
}
