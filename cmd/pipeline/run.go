package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/analyzer"
	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/log"
	"github.com/aristath/pipeline/internal/metrics"
	"github.com/aristath/pipeline/internal/orchestrator"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/scheduler"
	"github.com/aristath/pipeline/internal/tui"
)

// shutdownSlack is added to the grace period when bounding Shutdown.
const shutdownSlack = 5 * time.Second

type runOptions struct {
	manifestPath string
	executor     string
	tui          bool
	metricsAddr  string
	logFile      string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tasks in a manifest",
		Long: `Run the tasks listed in a YAML manifest and wait for all of them to finish.

Ctrl+C stops admitting new tasks, cancels queued ones and gives running
tasks the configured grace period before they are abandoned.`,
		Example: `  pipeline run -f tasks.yaml
  pipeline run -f tasks.yaml --tui --metrics-addr :9090
  pipeline run -f tasks.yaml --executor command`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.manifestPath, "file", "f", "", "task manifest (YAML)")
	cmd.Flags().StringVar(&opts.executor, "executor", analyzer.TypeSimulated, "executor: simulated or command")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the interactive dashboard")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "write logs to this file (logs are discarded with --tui otherwise)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOut, closeLog, err := logOutput(cmd, opts)
	if err != nil {
		return err
	}
	defer closeLog()
	cmd.SetErr(logOut)

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manifest, err := loadManifest(opts.manifestPath)
	if err != nil {
		return err
	}

	pm := analyzer.NewProcessManager()
	executor, err := analyzer.New(opts.executor, cfg, pm, log.WithComponent("analyzer"))
	if err != nil {
		return err
	}

	store, err := persistence.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	bus := events.NewEventBus()
	defer bus.Close()

	runID := uuid.NewString()
	schedOpts := []orchestrator.Option{
		orchestrator.WithLogger(log.WithComponent("scheduler")),
		orchestrator.WithEventBus(bus),
		orchestrator.WithRunID(runID),
		orchestrator.WithFailureCallback(func(task scheduler.Task, err error) {
			logger.Error().Str("task_id", task.ID).Str("target", task.Target).Err(err).Msg("task failed")
		}),
	}
	if store != nil {
		schedOpts = append(schedOpts, orchestrator.WithResultStore(store))
	}

	sched, err := orchestrator.New[analyzer.Report](cfg, executor, schedOpts...)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	// Signals go through Shutdown so running tasks get their grace period
	if err := sched.Start(context.Background()); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv, err := serveMetrics(opts.metricsAddr, sched, logger)
		if err != nil {
			sched.Shutdown(context.Background())
			return err
		}
		defer srv.Close()
	}

	started := time.Now()
	tasks, err := manifest.Build(started)
	if err != nil {
		sched.Shutdown(context.Background())
		return err
	}

	var (
		ids       []string
		submitted int
	)
	for _, res := range sched.SubmitBatch(tasks) {
		if res.Err != nil {
			logger.Error().Str("task_id", res.TaskID).Err(res.Err).Msg("task rejected")
			continue
		}
		ids = append(ids, res.TaskID)
		submitted++
	}
	logger.Info().Str("run_id", sched.RunID()).Int("submitted", submitted).Int("rejected", len(tasks)-submitted).Msg("tasks submitted")

	if opts.tui {
		err = waitWithDashboard(ctx, bus, cfg, sched, projectConfigPath(cmd))
	} else {
		err = sched.WaitIdle(ctx)
	}
	if errors.Is(err, context.Canceled) {
		// Restore default signal handling so a second Ctrl+C forces exit
		stop()
		logger.Warn().Msg("shutdown signal received, cleaning up")
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod.Std()+shutdownSlack)
	defer cancel()
	if serr := sched.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("shutdown did not finish cleanly")
	}
	if kerr := pm.KillAll(); kerr != nil {
		logger.Warn().Err(kerr).Msg("failed to kill analyzer processes")
	}

	stats := sched.Statistics()
	if store != nil {
		run := persistence.Run{
			ID:         sched.RunID(),
			StartedAt:  started,
			FinishedAt: time.Now(),
			Submitted:  submitted,
			Completed:  int(stats.Completed),
			Failed:     int(stats.Failed),
		}
		if serr := store.SaveRun(context.Background(), run); serr != nil {
			logger.Warn().Err(serr).Msg("failed to archive run summary")
		}
	}

	printSummary(cmd.OutOrStdout(), sched.Results(ids), stats)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", stats.Failed, stats.TotalProcessed)
	}
	return nil
}

// logOutput picks where logs go: --log-file, nowhere while the dashboard
// owns the terminal, or stderr.
func logOutput(cmd *cobra.Command, opts runOptions) (io.Writer, func(), error) {
	if opts.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.logFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		return f, func() { f.Close() }, nil
	}
	if opts.tui {
		return io.Discard, func() {}, nil
	}
	return cmd.ErrOrStderr(), func() {}, nil
}

// waitWithDashboard runs the TUI until the user quits or ctx ends. The
// dashboard stays up after the run goes idle so the final state can be read.
func waitWithDashboard(ctx context.Context, bus *events.EventBus, cfg *config.Config, sched *orchestrator.Scheduler[analyzer.Report], savePath string) error {
	model := tui.New(bus, cfg, sched.UpdateConfig, savePath)
	prog := tea.NewProgram(model, tea.WithAltScreen())

	errCh := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		prog.Quit()
		select {
		case <-errCh:
		case <-time.After(shutdownSlack):
		}
		return ctx.Err()
	}
}

// serveMetrics starts a Prometheus endpoint at /metrics on addr.
func serveMetrics(addr string, source metrics.StatsSource, logger zerolog.Logger) (*http.Server, error) {
	handler, err := metrics.Handler(metrics.NewCollector(source, metrics.DefaultNamespace))
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return srv, nil
}

// printSummary writes one line per task followed by the totals.
func printSummary(w io.Writer, results []orchestrator.Result[analyzer.Report], stats orchestrator.Statistics) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tATTEMPTS\tDURATION\tFINDINGS\tERROR")
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			r.TaskID, r.Status, r.Attempts, r.Duration.Round(time.Millisecond), r.Output.Findings, errText)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d completed, %d failed, %d retries, %d timeouts, avg attempt %v\n",
		stats.Completed, stats.Failed, stats.Retried, stats.Timeouts, stats.AvgLatency.Round(time.Millisecond))
}
