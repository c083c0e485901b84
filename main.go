package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"conduit/internal/app"
	"conduit/internal/config"
	"conduit/internal/logger"
)

// Skips Bootstrap for commands that manage their own connections.
const annotationNoApp = "conduit.no-app"

var (
	tenantFlag string

	cfg         *config.Config
	application *app.App
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Multi-tenant ingestion orchestrator",
	Long: `Conduit pulls content from files, URLs, SQL databases, REST APIs and
transcription providers, chunks and embeds it, and stores it per tenant.

Jobs run on a bounded in-process runner. Ingest commands wait for the job
to finish unless --wait=false is given; Ctrl-C cancels the running job.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "Tenant id (default $TENANT)")

	rootCmd.AddCommand(MigrateCmd)
	rootCmd.AddCommand(IngestCmd)
	rootCmd.AddCommand(ReindexCmd)
	rootCmd.AddCommand(RerunCmd)
	rootCmd.AddCommand(JobsCmd)
	rootCmd.AddCommand(SearchCmd)
	rootCmd.AddCommand(SourcesCmd)
}

func main() {
	err := rootCmd.Execute()
	if closeErr := teardown(); closeErr != nil {
		slog.Error("shutdown failed", "error", closeErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if tenantFlag == "" {
		tenantFlag = c.Tenant
	}
	cfg = c

	log := logger.New(cmd.ErrOrStderr(), c.LogLevel, c.LogFormat)
	slog.SetDefault(log)

	if cmd.Annotations[annotationNoApp] == "true" {
		return nil
	}

	ctx := cmd.Context()
	deps, err := app.Bootstrap(ctx, c)
	if err != nil {
		return errors.Wrap(err, "bootstrap")
	}
	application, err = app.New(ctx, c, deps, log)
	if err != nil {
		deps.Close()
		return err
	}
	return nil
}

// teardown drains running jobs. It is safe to call when setup never ran.
func teardown() error {
	if application == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := application.Close(ctx)
	application = nil
	return err
}

func requireTenant() (string, error) {
	if tenantFlag == "" {
		return "", errors.Wrap(config.ErrMissingRequired, "--tenant or TENANT")
	}
	return tenantFlag, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
