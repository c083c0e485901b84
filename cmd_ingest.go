package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"conduit/features/job"
	"conduit/internal/app"
)

var waitFlag bool

var MigrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Apply database migrations",
	Annotations: map[string]string{annotationNoApp: "true"},
	RunE:        runMigrate,
}

var IngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit ingestion jobs",
	Long: `Submit an ingestion job for a local file, a URL list or a registered source.

Examples:
  conduit ingest file ./docs/handbook.pdf --tenant acme
  conduit ingest urls news https://example.com/a https://example.com/b
  conduit ingest source 6b1f... --wait=false`,
}

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Ingest a local file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestFile,
}

var ingestURLsCmd = &cobra.Command{
	Use:   "urls <name> <url>...",
	Short: "Ingest a list of URLs as one source",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runIngestURLs,
}

var ingestSourceCmd = &cobra.Command{
	Use:   "source <source-id>",
	Short: "Run a registered source",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestSource,
}

var ReindexCmd = &cobra.Command{
	Use:   "reindex <source-id>",
	Short: "Drop a source's indexed content and ingest it from scratch",
	Args:  cobra.ExactArgs(1),
	RunE:  runReindex,
}

var RerunCmd = &cobra.Command{
	Use:   "rerun <job-id>",
	Short: "Reindex the source of a previous job",
	Args:  cobra.ExactArgs(1),
	RunE:  runRerun,
}

func init() {
	IngestCmd.AddCommand(ingestFileCmd)
	IngestCmd.AddCommand(ingestURLsCmd)
	IngestCmd.AddCommand(ingestSourceCmd)

	for _, c := range []*cobra.Command{IngestCmd, ReindexCmd, RerunCmd} {
		c.PersistentFlags().BoolVar(&waitFlag, "wait", true, "Wait for the job to finish")
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	db, err := app.OpenDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := app.Migrate(db, cfg.MigrationPath); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return err
}

func runIngestFile(cmd *cobra.Command, args []string) error {
	return submitAndAwait(cmd, func(ctx context.Context, tenant string) (string, error) {
		return application.Service.SubmitFile(ctx, tenant, args[0])
	})
}

func runIngestURLs(cmd *cobra.Command, args []string) error {
	return submitAndAwait(cmd, func(ctx context.Context, tenant string) (string, error) {
		return application.Service.SubmitURLs(ctx, tenant, args[0], args[1:])
	})
}

func runIngestSource(cmd *cobra.Command, args []string) error {
	return submitAndAwait(cmd, func(ctx context.Context, tenant string) (string, error) {
		return application.Service.SubmitSource(ctx, tenant, args[0])
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	return submitAndAwait(cmd, func(ctx context.Context, tenant string) (string, error) {
		return application.Service.Reindex(ctx, tenant, args[0])
	})
}

func runRerun(cmd *cobra.Command, args []string) error {
	return submitAndAwait(cmd, func(ctx context.Context, tenant string) (string, error) {
		return application.Service.Rerun(ctx, tenant, args[0])
	})
}

// submitAndAwait prints the job id, or the final job when --wait is set.
// An interrupt while waiting cancels the job and still reports its end
// state.
func submitAndAwait(cmd *cobra.Command, submit func(context.Context, string) (string, error)) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	jobID, err := submit(ctx, tenant)
	if err != nil {
		if jobID != "" {
			return errors.Wrapf(err, "job %s", jobID)
		}
		return err
	}
	if !waitFlag {
		_, err = fmt.Fprintln(out, jobID)
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := application.Service.Wait(sigCtx, tenant, jobID)
	if sigCtx.Err() != nil && ctx.Err() == nil {
		slog.Warn("interrupted, canceling job", "job_id", jobID)
		application.Service.Cancel(tenant, jobID)
		j, err = application.Service.Wait(context.WithoutCancel(ctx), tenant, jobID)
	}
	if err != nil {
		return err
	}
	if err := printJSON(out, j); err != nil {
		return err
	}
	if j.Status == job.StatusFailed {
		return errors.Newf("job %s failed: %s", j.ID, j.Error)
	}
	return nil
}
