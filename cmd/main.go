package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"repomigrate/internal/app"
	"repomigrate/internal/config"
	"repomigrate/internal/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "repomigrate",
	Short: "Migrate repository content between storage backends",
	Long: `A resumable storage migration engine for artifact repositories. It walks every
file node of a repository, copies its content from the source storage to the
destination storage, falls back to the archive tier for missing content and
checkpoints progress so an interrupted migration picks up where it stopped.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Migrate one repository, resuming its task if one exists",
	RunE:  runMigration,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every task left unfinished by an earlier process",
	RunE:  resumeMigrations,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the migration task of a repository",
	RunE:  showStatus,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List nodes recorded as failed by a repository's migration",
	RunE:  listFailed,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("checkpoint", "./migrate.db", "Task checkpoint database file")
	rootCmd.PersistentFlags().String("metadata-db", "./metadata.db", "Node metadata database file")
	rootCmd.PersistentFlags().Int("shards", 1, "Number of node metadata shards")

	for _, cmd := range []*cobra.Command{runCmd, statusCmd, failedCmd} {
		cmd.Flags().String("project", "", "Project id (required)")
		cmd.Flags().String("repo", "", "Repository name (required)")
	}

	addEngineFlags(runCmd.Flags())
	addEngineFlags(resumeCmd.Flags())
	runCmd.Flags().String("src-storage", "", "Source storage key (default storage when empty)")
	runCmd.Flags().String("dst-storage", "", "Destination storage key (required)")
	runCmd.Flags().String("operator", "system", "Operator recorded on the task")

	failedCmd.Flags().String("after", "", "List failed nodes after this node id")
	failedCmd.Flags().Int("limit", 100, "Maximum number of failed nodes to list")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, failedCmd)
}

func addEngineFlags(flags *pflag.FlagSet) {
	flags.Int("concurrency", 16, "Number of concurrent transfers")
	flags.Duration("update-progress-interval", 10*time.Second, "Minimum interval between checkpoint writes")
	flags.Duration("drain-timeout", time.Minute, "How long shutdown waits for in-flight transfers")
	flags.Int("retries", 3, "Maximum copy attempts for transient errors")
	flags.Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	flags.Int("page-size", 1000, "Nodes read per shard query")
	flags.Bool("skip-existing", true, "Skip content that already exists at the destination with the same size")
	flags.Bool("show-progress", true, "Show progress display")
	flags.String("metrics-addr", ":8080", "Prometheus metrics listen address, empty to disable")
}

// setup loads configuration and builds the logger and migrator
func setup(cmd *cobra.Command) (*app.Migrator, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runMigration(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	err = migrator.Run(ctx)

	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}
	return err
}

func resumeMigrations(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	err = migrator.ResumeAll(ctx)

	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}
	return err
}

func repoFlags(cmd *cobra.Command) (string, string, error) {
	project, _ := cmd.Flags().GetString("project")
	repo, _ := cmd.Flags().GetString("repo")
	if project == "" || repo == "" {
		return "", "", fmt.Errorf("--project and --repo are required")
	}
	return project, repo, nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	project, repo, err := repoFlags(cmd)
	if err != nil {
		return err
	}

	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	task, failed, err := migrator.Status(cmd.Context(), project, repo)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:        %s\n", task.ID)
	fmt.Fprintf(out, "Repository:  %s/%s\n", task.ProjectID, task.RepoName)
	fmt.Fprintf(out, "Storage:     %s -> %s\n", storageName(task.SrcStorageKey), task.DstStorageKey)
	fmt.Fprintf(out, "State:       %s\n", task.State)
	fmt.Fprintf(out, "Progress:    %s / %s nodes\n", humanize.Comma(task.MigratedCount), humanize.Comma(task.TotalCount))
	fmt.Fprintf(out, "Failed:      %s nodes\n", humanize.Comma(failed))
	if task.LastMigratedNodeID != "" {
		fmt.Fprintf(out, "Checkpoint:  %s\n", task.LastMigratedNodeID)
	}
	if task.StartDate != nil {
		fmt.Fprintf(out, "Started:     %s (%s)\n", task.StartDate.Format(time.RFC3339), humanize.Time(*task.StartDate))
	}
	fmt.Fprintf(out, "Modified:    %s by %s\n", task.LastModifiedDate.Format(time.RFC3339), task.LastModifiedBy)
	return nil
}

func listFailed(cmd *cobra.Command, args []string) error {
	project, repo, err := repoFlags(cmd)
	if err != nil {
		return err
	}
	after, _ := cmd.Flags().GetString("after")
	limit, _ := cmd.Flags().GetInt("limit")

	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	nodes, err := migrator.FailedNodes(cmd.Context(), project, repo, after, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tPATH\tREASON\tRETRIES\tUPDATED\tMESSAGE")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			n.NodeID, n.FullPath, n.Reason, n.RetryTimes, humanize.Time(n.LastModifiedDate), n.Message)
	}
	return w.Flush()
}

func storageName(key string) string {
	if key == "" {
		return "(default)"
	}
	return key
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
