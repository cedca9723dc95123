package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dyluth/flowmirror/internal/discovery"
	dockerpkg "github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/internal/lifecycle"
	"github.com/dyluth/flowmirror/internal/printer"
	"github.com/dyluth/flowmirror/internal/replica"
	"github.com/dyluth/flowmirror/internal/resolver"
	"github.com/dyluth/flowmirror/internal/server"
	"github.com/dyluth/flowmirror/internal/watch"
	"github.com/dyluth/flowmirror/pkg/remote"
)

var (
	serveWatch        string
	serveOutputFormat string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Discover sources and keep their replicas in sync",
	Long: `Run the replica engine until interrupted.

Sources are rediscovered every scan interval. Running sources are subscribed
to and replicated; sources that stop are kept as inactive entries until they
disappear.

The HTTP server exposes:
  /healthz    - health and source counts
  /workflows  - replica summaries as JSON
  /metrics    - Prometheus metrics

Examples:
  # Run with defaults (or ./flowmirror.yml if present)
  flowmirror serve

  # Also stream one source's deltas to stdout as JSON
  flowmirror serve --watch alice/nightly --output=json`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveWatch, "watch", "w", "", "Stream deltas for this source id (owner/name) to stdout")
	serveCmd.Flags().StringVarP(&serveOutputFormat, "output", "o", "default", "Watch output format (default or json)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	outputFormat, err := watch.ParseOutputFormat(serveOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", serveOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer.Step("Connecting to Docker\n")
	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker unavailable", err.Error(), nil)
	}
	defer cli.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := replica.NewMetrics(reg)
	if err != nil {
		return err
	}

	store := replica.NewStore(
		cfg.ReplicaOptions(),
		remote.DialRedis(cfg.Sync.RequestTimeout),
		discovery.FileHistory{Dir: cfg.History.Dir},
		metrics,
	)

	scanner := discovery.NewDockerScanner(cli, dockerpkg.Labels{Prefix: cfg.Scan.LabelPrefix}, cfg.Scan.SourceHost)
	manager := lifecycle.NewManager(scanner, store, cfg.Scan.APIVersion)

	var watchID string
	if serveWatch != "" {
		if watchID, err = resolveWatch(ctx, scanner, serveWatch); err != nil {
			return err
		}
		printer.Info("Streaming deltas for %s\n", watchID)
	}

	srv := server.New(store, reg, func(ctx context.Context) error {
		_, err := cli.Ping(ctx)
		return err
	})
	if err := srv.Start(cfg.Server.Addr); err != nil {
		return printer.ErrorWithContext(
			"failed to start HTTP server",
			err.Error(),
			map[string]string{"Address": cfg.Server.Addr},
			[]string{"Set server.addr in the config file to a free address"},
		)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := store.Run(ctx); err != nil {
			log.Printf("[Replica] Processor stopped: %v", err)
		}
	}()

	if watchID != "" {
		q := store.AddConsumer(watchID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer store.RemoveConsumer(watchID, q)
			if err := watch.StreamDeltas(ctx, q, os.Stdout, outputFormat); err != nil {
				log.Printf("[Watch] Stream ended: %v", err)
			}
		}()
	}

	printer.Success("Replicating sources (scan every %s, http %s)\n", cfg.Scan.Interval, srv.Addr())

	// Blocks until interrupted
	manager.Run(ctx, cfg.Scan.Interval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	store.Shutdown(shutdownCtx)
	wg.Wait()

	printer.Success("Stopped\n")
	return nil
}

// resolveWatch expands a partial --watch id against the sources visible now.
// An id nobody matches is kept as given, since the source may appear later.
func resolveWatch(ctx context.Context, scanner discovery.Scanner, input string) (string, error) {
	records, err := discovery.Collect(ctx, scanner)
	if err != nil {
		return "", fmt.Errorf("failed to scan for sources: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID())
	}

	id, err := resolver.ResolveSourceID(ids, input)
	switch {
	case err == nil:
		return id, nil
	case resolver.IsNotFoundError(err):
		printer.Warning("No source matches '%s' yet; waiting for it to appear\n", input)
		return input, nil
	case resolver.IsAmbiguousError(err):
		return "", printer.Error("ambiguous source", resolver.FormatAmbiguousError(err.(*resolver.AmbiguousError)), nil)
	default:
		return "", err
	}
}
