package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/domain/videosplit"
	"github.com/screensplit/server/internal/jobs"
	"github.com/screensplit/server/internal/objectstore"
	"github.com/screensplit/server/internal/storage"
	"github.com/screensplit/server/internal/storage/postgres"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired tokens and old video renders",
	Long: `Run the maintenance sweeps the job workers also run on a schedule.

The command:
- Deletes expired email verification and password reset tokens
- Deletes finished video jobs older than the retention window, with their renders

Examples:
  # Report what would be deleted without deleting anything
  screensplit cleanup --dry-run

  # Keep renders for two days instead of the configured window
  screensplit cleanup --retention 48h`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun    bool
	cleanupRetention time.Duration
)

// errDryRun rolls back the cleanup transaction after counting.
var errDryRun = errors.New("dry run")

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report counts without deleting")
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "video job retention (default: VIDEO_RETENTION)")
}

// cleanupReport holds the counts of one cleanup run.
type cleanupReport struct {
	Tokens  int64
	Jobs    int
	Renders int
}

func (r cleanupReport) write(w io.Writer, dryRun bool) {
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	fmt.Fprintf(w, "%s %d expired tokens\n", verb, r.Tokens)
	fmt.Fprintf(w, "%s %d video jobs and %d renders\n", verb, r.Jobs, r.Renders)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cleanupRetention > 0 {
		cfg.Jobs.VideoRetention = cleanupRetention
	}
	logger := config.NewLogger(cfg.Logging)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	repo, err := postgres.NewRepository(pool)
	if err != nil {
		return err
	}

	var store jobs.ObjectDeleter
	s3, err := objectstore.New(ctx, cfg.Storage)
	switch {
	case errors.Is(err, objectstore.ErrNotConfigured):
		logger.Warn().Msg("object storage not configured; skipping render retention")
	case err != nil:
		return fmt.Errorf("object storage: %w", err)
	default:
		store = s3
	}

	report, err := cleanup(ctx, repo, store, cfg.Jobs.VideoRetention, time.Now().UTC(), cleanupDryRun)
	if err != nil {
		return err
	}
	report.write(cmd.OutOrStdout(), cleanupDryRun)
	logger.Info().
		Bool("dry_run", cleanupDryRun).
		Int64("tokens", report.Tokens).
		Int("video_jobs", report.Jobs).
		Int("renders", report.Renders).
		Msg("cleanup finished")
	return nil
}

// cleanup purges expired tokens and, when a store is given and retention is
// positive, finished video jobs with their renders. A dry run does the same
// work inside a transaction that is rolled back, and counts render keys
// instead of deleting them.
func cleanup(ctx context.Context, repo storage.Repository, store jobs.ObjectDeleter, retention time.Duration, now time.Time, dryRun bool) (cleanupReport, error) {
	var report cleanupReport

	run := func(ctx context.Context, repo storage.Repository) error {
		tokens, err := jobs.PurgeTokens(ctx, repo.Users(), now)
		if err != nil {
			return err
		}
		report.Tokens = tokens

		if store == nil || retention <= 0 {
			return nil
		}
		deleter := store
		if dryRun {
			deleter = countingDeleter{}
		}
		report.Jobs, report.Renders, err = jobs.PurgeRenders(ctx, videosplit.NewTracker(repo.VideoJobs()), deleter, retention)
		return err
	}

	if !dryRun {
		err := run(ctx, repo)
		return report, err
	}

	err := repo.WithTx(ctx, func(ctx context.Context, repo storage.Repository) error {
		if err := run(ctx, repo); err != nil {
			return err
		}
		return errDryRun
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return cleanupReport{}, err
	}
	return report, nil
}

// countingDeleter accepts deletes without touching storage.
type countingDeleter struct{}

func (countingDeleter) Delete(context.Context, ...string) error           { return nil }
func (countingDeleter) DeletePrefix(context.Context, string) (int, error) { return 0, nil }
