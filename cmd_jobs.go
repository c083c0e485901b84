package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"conduit/internal/config"
	"conduit/internal/events"
)

var (
	jobsLimitFlag    int
	logFollowFlag    bool
	watchChannelFlag string
	searchLimitFlag  int
)

const logPollInterval = 500 * time.Millisecond

var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ingestion jobs",
	Long: `Inspect ingestion jobs and their logs.

Examples:
  conduit jobs list --limit 10
  conduit jobs get 3f2a...
  conduit jobs log 3f2a... --follow
  conduit jobs watch`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsLogCmd = &cobra.Command{
	Use:   "log <job-id>",
	Short: "Print a job's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLog,
}

var jobsWatchCmd = &cobra.Command{
	Use:         "watch",
	Short:       "Stream job status events from NSQ",
	Annotations: map[string]string{annotationNoApp: "true"},
	RunE:        runJobsWatch,
}

var SearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Keyword search over ingested chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsGetCmd)
	JobsCmd.AddCommand(jobsLogCmd)
	JobsCmd.AddCommand(jobsWatchCmd)

	jobsListCmd.Flags().IntVar(&jobsLimitFlag, "limit", 20, "Maximum number of jobs")
	jobsLogCmd.Flags().BoolVarP(&logFollowFlag, "follow", "f", false, "Keep printing until the job ends")
	jobsWatchCmd.Flags().StringVar(&watchChannelFlag, "channel", "conduit-cli#ephemeral", "NSQ channel name")
	SearchCmd.Flags().IntVar(&searchLimitFlag, "limit", 10, "Maximum number of hits")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	jobs, err := application.Service.ListJobs(cmd.Context(), tenant, jobsLimitFlag)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), jobs)
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	j, err := application.Service.GetJob(cmd.Context(), tenant, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), j)
}

func runJobsLog(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var offset int64
	for {
		chunk, err := application.Service.TailLog(ctx, tenant, args[0], offset, 0)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprint(out, chunk.Text); err != nil {
			return err
		}
		offset = chunk.NextOffset
		if offset < chunk.Total {
			continue
		}
		if !logFollowFlag || chunk.Status != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(logPollInterval):
		}
	}
}

func runJobsWatch(cmd *cobra.Command, _ []string) error {
	if cfg.NSQDHost == "" {
		return errors.Wrap(config.ErrMissingRequired, "NSQD_HOST")
	}
	out := cmd.OutOrStdout()
	w := events.NewWatcher(tenantFlag, func(ev events.JobEvent) {
		_ = printJSON(out, ev)
	})
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return events.Watch(ctx, cfg.NSQDHost, watchChannelFlag, w)
}

func runSearch(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	hits, err := application.Service.Search(cmd.Context(), tenant, args[0], searchLimitFlag)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), hits)
}
