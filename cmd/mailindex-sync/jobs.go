package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/job"
	"github.com/nhle/mailindex-sync/internal/theme"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage index sync jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsStatusCmd(a),
		newJobsStopCmd(a),
		newJobsCleanupCmd(a),
		newJobsMonitorCmd(a),
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var running bool
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			filter := index.JobFilter{RunningOnly: running}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			jobs, err := idx.ListSyncJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&running, "running", false, "only running jobs")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "only jobs started within this window (0 for all)")
	return cmd
}

func newJobsStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			j, err := idx.SyncJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), []index.Job{j}, time.Now())
			return nil
		},
	}
}

func newJobsStopCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [job-id]",
		Short: "Stop a sync job, or every running job with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a job id or --all")
			}
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			if all {
				n, err := a.coordinator(idx, nil).ForceStopAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %d sync job(s)\n", n)
				return nil
			}
			if err := idx.StopSyncJob(cmd.Context(), args[0]); err != nil {
				if index.IsNotFound(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "sync job %s is not running\n", args[0])
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped sync job %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every running sync job")
	return cmd
}

func newJobsCleanupCmd(a *app) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Stop running sync jobs older than --max-age and prune stale registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			stopped, err := job.Cleanup(ctx, idx, maxAge, time.Now())
			if len(stopped) > 0 {
				printJobs(cmd.OutOrStdout(), stopped, time.Now())
			}
			pruned, pruneErr := a.coordinator(idx, st).PruneRegistrations(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render(
				fmt.Sprintf("stopped %d job(s) older than %s, pruned %d stale registration(s)", len(stopped), maxAge, pruned)))
			return errors.Join(err, pruneErr)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 2*time.Hour, "stop jobs running longer than this")
	return cmd
}

func newJobsMonitorCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll running sync jobs until none is left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = job.Monitor(ctx, idx, interval, func(jobs []index.Job) {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, theme.HeaderStyle.Render(time.Now().Format(time.TimeOnly)))
				if len(jobs) == 0 {
					fmt.Fprintln(out, "no sync job is running")
					return
				}
				printJobs(out, jobs, time.Now())
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "poll interval")
	return cmd
}

func printJobs(w io.Writer, jobs []index.Job, now time.Time) {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		started, age := "-", "-"
		if !j.StartedAt.IsZero() {
			started = j.StartedAt.Local().Format(time.DateTime)
			age = humanize.RelTime(j.StartedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{j.ID, string(j.Status), started, age, j.Error})
	}
	fmt.Fprintln(w, theme.Table([]string{"JOB", "STATUS", "STARTED", "AGE", "ERROR"}, rows, 1))
}
