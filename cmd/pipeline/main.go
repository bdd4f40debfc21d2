package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/log"
	"github.com/aristath/pipeline/internal/persistence"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

// defaultProjectConfig is the project config path used when --config is not set.
var defaultProjectConfig = filepath.Join(".pipeline", "config.yaml")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Dependency and resource aware analysis task scheduler",
		Long: `pipeline runs analysis and model warmup tasks on a bounded worker pool.

Tasks are admitted in priority order once their dependencies have completed
and their memory, CPU, network and storage budgets fit within the configured
limits. Failed attempts are retried with backoff.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("pipeline version %s\nCommit: %s\n", Version, Commit))

	root.PersistentFlags().String("config", "", "project config file (default .pipeline/config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level (overrides config)")
	root.PersistentFlags().Bool("log-json", false, "emit JSON logs")

	root.AddCommand(newRunCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// globalConfigPath is ~/.pipeline/config.yaml, or "" when there is no home
// directory.
func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pipeline", "config.yaml")
}

// projectConfigPath returns --config or the default project path.
func projectConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return defaultProjectConfig
}

// loadConfig merges defaults, the global config and the project config, then
// sets up logging from the result and the log flags.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(globalConfigPath(), projectConfigPath(cmd))
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("loading config: %w", err)
	}

	level := cfg.Log.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      level,
		JSONOutput: jsonOut || cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})
	return cfg, log.WithComponent("cli"), nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived runs",
		Long: `List archived runs, newest first.

With --tasks, list the archived task records instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			showTasks, _ := cmd.Flags().GetBool("tasks")

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := persistence.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("opening archive: %w", err)
			}
			if store == nil {
				return fmt.Errorf("no archive configured (store.driver is empty)")
			}
			defer store.Close()

			if showTasks {
				return printRecords(cmd, store, limit)
			}
			return printRuns(cmd, store, limit)
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries (0 for all)")
	cmd.Flags().Bool("tasks", false, "list task records instead of runs")
	return cmd
}

func printRuns(cmd *cobra.Command, store persistence.Store, limit int) error {
	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSUBMITTED\tCOMPLETED\tFAILED")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), duration, r.Submitted, r.Completed, r.Failed)
	}
	return w.Flush()
}

func printRecords(cmd *cobra.Command, store persistence.Store, limit int) error {
	records, err := store.ListRecords(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No task records")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSTATUS\tATTEMPTS\tFINISHED\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.TaskID, r.Kind, r.Status, r.Attempts, r.FinishedAt.Format(time.RFC3339), r.Error)
	}
	return w.Flush()
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			force, _ := cmd.Flags().GetBool("force")
			if path == "" {
				path = projectConfigPath(cmd)
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().String("path", "", "where to write the config (default: project config path)")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
