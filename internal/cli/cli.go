// ============================================================================
// grobid-batch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the batch client
//
// Command Structure:
//   grobid-batch                       # Root command
//   ├── process <service>              # Process a directory tree
//   │   ├── --input                    # Input root (required)
//   │   ├── --output                   # Output root (default: beside inputs)
//   │   ├── --n, --batch-size          # Concurrency and batch size
//   │   ├── --consolidate-header ...   # Processing options
//   │   └── --force, --skip-check, --report, --verbose
//   ├── ping                           # Liveness check against the server
//   ├── status                         # Resolved config and last run report
//   ├── services                       # Supported services and input kinds
//   └── --config, -c                   # Config file (default: config.yaml)
//
// Configuration precedence:
//   flags > GROBID_* environment (.env honoured) > config file > defaults
//
// process Command:
//   1. Load config, apply flag overrides
//   2. Set up slog logger and Prometheus collector
//   3. Start /metrics server (if enabled)
//   4. Create the output root, ping the server (unless --skip-check)
//   5. Run the scheduler until done or SIGINT/SIGTERM
//   6. Write the run report, print the summary
//
//   Examples:
//     grobid-batch process processFulltextDocument --input ./pdfs --output ./tei --n 10
//     grobid-batch process processCitationList --input ./refs --consolidate-citations
//
// Exit status:
//   Non-zero when the run could not start, was interrupted, or when at least
//   one document ended in an error artifact.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/grobid-batch/internal/backend"
	"github.com/ChuLiYu/grobid-batch/internal/config"
	"github.com/ChuLiYu/grobid-batch/internal/logging"
	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/internal/report"
	"github.com/ChuLiYu/grobid-batch/internal/scheduler"
	"github.com/ChuLiYu/grobid-batch/internal/worker"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	ErrPartialFailure    = errors.New("some documents failed")
	ErrServerUnavailable = errors.New("GROBID server is not available")
)

const pingTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "grobid-batch",
		Short: "grobid-batch: batch client for the GROBID document analysis service",
		Long: `grobid-batch walks a directory tree and sends every eligible document to a
GROBID server with bounded concurrency:
- batch barrier between groups of documents
- retry while the server reports busy
- TEI results or error artifacts mirrored into an output tree
- already processed documents are skipped on re-runs`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildProcessCommand())
	rootCmd.AddCommand(buildPingCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildServicesCommand())

	return rootCmd
}

type processFlags struct {
	input     string
	output    string
	n         int
	batchSize int

	generateIDs            bool
	consolidateHeader      bool
	consolidateCitations   bool
	includeRawCitations    bool
	includeRawAffiliations bool
	teiCoordinates         bool
	segmentSentences       bool
	flavor                 string
	start                  int
	end                    int

	force      bool
	verbose    bool
	skipCheck  bool
	reportPath string
}

func buildProcessCommand() *cobra.Command {
	var f processFlags

	cmd := &cobra.Command{
		Use:   "process <service>",
		Short: "Process every eligible document under --input",
		Long:  "Send the documents under --input to the given GROBID service and write the results under --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, args[0], f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.input, "input", "", "input directory")
	flags.StringVar(&f.output, "output", "", "output directory (default: next to each input)")
	flags.IntVar(&f.n, "n", 0, "concurrent requests (overrides config)")
	flags.IntVar(&f.batchSize, "batch-size", 0, "documents per batch (overrides config)")
	flags.BoolVar(&f.generateIDs, "generate-ids", false, "generate random xml:id on textual elements")
	flags.BoolVar(&f.consolidateHeader, "consolidate-header", false, "consolidate header metadata")
	flags.BoolVar(&f.consolidateCitations, "consolidate-citations", false, "consolidate bibliographical references")
	flags.BoolVar(&f.includeRawCitations, "include-raw-citations", false, "include raw citation strings")
	flags.BoolVar(&f.includeRawAffiliations, "include-raw-affiliations", false, "include raw affiliation strings")
	flags.BoolVar(&f.teiCoordinates, "tei-coordinates", false, "add PDF coordinates to configured TEI elements")
	flags.BoolVar(&f.segmentSentences, "segment-sentences", false, "segment paragraphs into sentences")
	flags.StringVar(&f.flavor, "flavor", "", "document flavor, e.g. article/dh")
	flags.IntVar(&f.start, "start", 0, "first page to process")
	flags.IntVar(&f.end, "end", 0, "last page to process")
	flags.BoolVar(&f.force, "force", false, "reprocess documents that already have a result")
	flags.BoolVar(&f.verbose, "verbose", false, "debug logging")
	flags.BoolVar(&f.skipCheck, "skip-check", false, "skip the server liveness check")
	flags.StringVar(&f.reportPath, "report", "", "write the run report to this path (overrides config)")
	cmd.MarkFlagRequired("input")

	return cmd
}

func runProcess(cmd *cobra.Command, serviceName string, f processFlags) error {
	service, err := types.ParseService(serviceName)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("n") {
		cfg.Concurrency = f.n
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if f.reportPath != "" {
		cfg.ReportPath = f.reportPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.Setup(cfg.Logging, f.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		srv := metrics.StartServer(cfg.Metrics.Port, reg, func(err error) {
			logger.Error("metrics server failed", "error", err)
		})
		logger.Info("metrics server started", "port", cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	client := backend.NewHTTPClient(cfg.GrobidServer,
		backend.WithLogger(logger),
		backend.WithMetrics(collector))

	if f.output != "" {
		if err := os.MkdirAll(f.output, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !f.skipCheck {
		if err := checkServer(ctx, client); err != nil {
			return err
		}
	}

	opts := types.Options{
		GenerateIDs:            f.generateIDs,
		ConsolidateHeader:      f.consolidateHeader,
		ConsolidateCitations:   f.consolidateCitations,
		IncludeRawCitations:    f.includeRawCitations,
		IncludeRawAffiliations: f.includeRawAffiliations,
		TEICoordinates:         f.teiCoordinates,
		SegmentSentences:       f.segmentSentences,
		Flavor:                 f.flavor,
		Coordinates:            cfg.Coordinates,
		Start:                  f.start,
		End:                    f.end,
	}

	sched := scheduler.New(client, scheduler.Config{
		Service:     service,
		Options:     opts,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		CallTimeout: cfg.Timeout,
		Retry: worker.RetryPolicy{
			Delay:      cfg.SleepTime,
			MaxDelay:   cfg.BusyBackoffMax,
			MaxRetries: cfg.MaxBusyRetries,
		},
		Force: f.force,
	}, scheduler.WithLogger(logger), scheduler.WithMetrics(collector))

	startedAt := time.Now()
	summary, runErr := sched.Run(ctx, f.input, f.output)

	if cfg.ReportPath != "" && summary.RunID != "" {
		r := report.New(summary, service, f.input, f.output, startedAt, sched.Failures())
		if err := report.NewManager(cfg.ReportPath).Write(r); err != nil {
			logger.Error("failed to write run report", "path", cfg.ReportPath, "error", err)
		}
	}

	printSummary(cmd.OutOrStdout(), summary)

	if runErr != nil {
		return runErr
	}
	if summary.Counters.ProcessedError > 0 {
		return fmt.Errorf("%w: %d of %d documents", ErrPartialFailure,
			summary.Counters.ProcessedError, summary.Counters.TotalDiscovered)
	}
	return nil
}

func checkServer(ctx context.Context, client *backend.HTTPClient) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	alive, code, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	if !alive {
		return fmt.Errorf("%w: isalive answered %d", ErrServerUnavailable, code)
	}
	return nil
}

func printSummary(w io.Writer, s types.RunSummary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  Run ID:            %s\n", s.RunID)
	fmt.Fprintf(w, "  Discovered:        %d\n", s.Counters.TotalDiscovered)
	fmt.Fprintf(w, "  ├─ Processed OK:   %d\n", s.Counters.ProcessedOK)
	fmt.Fprintf(w, "  ├─ Errors:         %d\n", s.Counters.ProcessedError)
	fmt.Fprintf(w, "  └─ Skipped:        %d\n", s.Counters.Skipped)
	fmt.Fprintf(w, "  Batches:           %d\n", s.Batches)
	fmt.Fprintf(w, "  Runtime:           %.2f seconds\n", s.Duration.Seconds())
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "  Warning:           %s\n", warning)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func buildPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the GROBID server is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			client := backend.NewHTTPClient(cfg.GrobidServer, backend.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			if err := checkServer(cmd.Context(), client); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "GROBID server is up and running at %s\n", cfg.GrobidServer)
			return nil
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show resolved configuration and the last run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), reportPath)
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "run report path (overrides config)")
	return cmd
}

func showStatus(w io.Writer, reportPath string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if reportPath == "" {
		reportPath = cfg.ReportPath
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           grobid-batch Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ GROBID Server:   %s\n", cfg.GrobidServer)
	fmt.Fprintf(w, "  ├─ Batch Size:      %d\n", cfg.BatchSize)
	fmt.Fprintf(w, "  ├─ Concurrency:     %d\n", cfg.Concurrency)
	fmt.Fprintf(w, "  ├─ Call Timeout:    %s\n", cfg.Timeout)
	fmt.Fprintf(w, "  ├─ Busy Delay:      %s (max %s)\n", cfg.SleepTime, cfg.BusyBackoffMax)
	if cfg.MaxBusyRetries > 0 {
		fmt.Fprintf(w, "  └─ Busy Retries:    %d\n", cfg.MaxBusyRetries)
	} else {
		fmt.Fprintln(w, "  └─ Busy Retries:    unbounded")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Last Run:")
	if reportPath == "" {
		fmt.Fprintln(w, "  └─ No report path configured (set report_path or --report)")
	} else {
		r, err := report.NewManager(reportPath).Load()
		switch {
		case errors.Is(err, report.ErrNoReport):
			fmt.Fprintf(w, "  └─ No run recorded yet at %s\n", reportPath)
		case err != nil:
			return err
		default:
			fmt.Fprintf(w, "  ├─ Run ID:          %s\n", r.RunID)
			fmt.Fprintf(w, "  ├─ Service:         %s\n", r.Service)
			fmt.Fprintf(w, "  ├─ Started:         %s (%s)\n", r.StartedAt.Format(time.RFC3339), r.Duration)
			fmt.Fprintf(w, "  ├─ Discovered:      %d\n", r.Counters.TotalDiscovered)
			fmt.Fprintf(w, "  ├─ ✅ Processed OK: %d\n", r.Counters.ProcessedOK)
			fmt.Fprintf(w, "  ├─ ❌ Errors:       %d\n", r.Counters.ProcessedError)
			fmt.Fprintf(w, "  └─ ⏭  Skipped:      %d\n", r.Counters.Skipped)
			for _, f := range r.Failed {
				fmt.Fprintf(w, "     • %s (%d)\n", f.Input, f.StatusCode)
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics during runs\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func buildServicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List supported services",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, s := range types.Services() {
				fmt.Fprintf(w, "%-28s %v\n", s, s.InputExtensions())
			}
			return nil
		},
	}
}
