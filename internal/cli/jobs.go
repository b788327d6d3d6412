package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/jobpool/internal/queue"
	"github.com/me/jobpool/internal/scheduler"
	"github.com/me/jobpool/pkg/model"
)

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func newJobsCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []model.JobStatus
			for _, s := range statuses {
				st := model.JobStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown job status %q", s)
				}
				filter = append(filter, st)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs(ctx, filter...)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			fmt.Fprintf(out, "%-8s  %-20s  %-8s  %-16s  %s\n", "ID", "STATUS", "FAILED", "UPDATED", "DETAILS")
			fmt.Fprintf(out, "%-8s  %-20s  %-8s  %-16s  %s\n", "--", "------", "------", "-------", "-------")
			for _, j := range jobs {
				failed, err := st.CountFailedSubmits(ctx, j.ID)
				if err != nil {
					return fmt.Errorf("job %d: %w", j.ID, err)
				}
				fmt.Fprintf(out, "%-8d  %-20s  %-8d  %-16s  %s\n",
					j.ID, j.Status, failed, humanize.Time(j.UpdatedAt), truncate(j.Details, 60))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs in these statuses (repeatable)")
	return cmd
}

func newShowCmd() *cobra.Command {
	var logs bool

	cmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show a job with its files and submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.GetJob(ctx, id)
			if err != nil {
				return err
			}
			files, err := st.ListJobFiles(ctx, id)
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}
			subs, err := st.ListSubmits(ctx, id)
			if err != nil {
				return fmt.Errorf("list submissions: %w", err)
			}

			out := cmd.OutOrStdout()
			printJob(out, job, files, subs)

			if logs {
				return printLogTail(cmd, subs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&logs, "logs", false, "Also print the error log of the latest submission")
	return cmd
}

func printJob(out io.Writer, job *model.Job, files []*model.File, subs []*model.JobSubmit) {
	fmt.Fprintf(out, "Job %d\n", job.ID)
	fmt.Fprintf(out, "  Status:   %s\n", job.Status)
	if job.Details != "" {
		fmt.Fprintf(out, "  Details:  %s\n", job.Details)
	}
	fmt.Fprintf(out, "  Created:  %s (%s)\n", job.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(job.CreatedAt))
	fmt.Fprintf(out, "  Updated:  %s (%s)\n", job.UpdatedAt.Format("2006-01-02 15:04:05"), humanize.Time(job.UpdatedAt))

	var total int64
	for _, f := range files {
		total += f.Size
	}
	fmt.Fprintf(out, "  Files:    %d (%s)\n", len(files), humanize.Bytes(uint64(total)))
	for _, f := range files {
		fmt.Fprintf(out, "    - [%d] %s  %s  %s\n", f.ID, f.Status, humanize.Bytes(uint64(f.Size)), f.Filename)
	}

	fmt.Fprintf(out, "  Submissions: %d\n", len(subs))
	for i, s := range subs {
		queueID := s.QueueID
		if queueID == "" {
			queueID = "-"
		}
		fmt.Fprintf(out, "    %d. [%d] %s  queue=%s  %s\n", i+1, s.ID, s.Status, queueID, humanize.Time(s.CreatedAt))
		if s.Details != "" {
			fmt.Fprintf(out, "       %s\n", truncate(s.Details, 200))
		}
	}
}

// printLogTail prints the error log of the latest submission the queue accepted.
func printLogTail(cmd *cobra.Command, subs []*model.JobSubmit) error {
	var last *model.JobSubmit
	for _, s := range subs {
		if s.QueueID != "" {
			last = s
		}
	}
	out := cmd.OutOrStdout()
	if last == nil {
		fmt.Fprintln(out, "No queue logs: the job was never accepted by the queue.")
		return nil
	}
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		return err
	}
	text, err := q.ReadErrorLog(cmd.Context(), last.QueueID)
	if err != nil {
		return fmt.Errorf("read error log of %s: %w", last.QueueID, err)
	}
	fmt.Fprintf(out, "\nError log (%s):\n", last.QueueID)
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(out, "  (empty)")
		return nil
	}
	fmt.Fprintln(out, text)
	return nil
}

func newKillCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kill <job_id>",
		Short: "Terminally fail a job and release its files",
		Long: "Move a job to terminal_failure immediately. A submission still in the\n" +
			"queue is deleted by the scheduler on its next pass.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			released, err := st.KillJob(ctx, id, "killed by operator: "+reason)
			if err != nil {
				return fmt.Errorf("kill job %d: %w", id, err)
			}
			if cfg.Pool.DeleteRawdata {
				if err := scheduler.Cleanup(released, logger); err != nil {
					logger.Error("raw data cleanup", "job_id", id, "error", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d killed; %d files released.\n", id, len(released))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "no reason given", "Reason recorded in the job details")
	return cmd
}

func newStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <job_id>",
		Short: "Take a submitted or processing job off the queue",
		Long: "Stop a job in the queue. By default the job is resubmitted without\n" +
			"charging an attempt; --force records the stop as a failed attempt.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.StopJob(ctx, id, force, "stopped by operator"); err != nil {
				return fmt.Errorf("stop job %d: %w", id, err)
			}
			job, err := st.GetJob(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d stopped; now %s.\n", id, job.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Count the stop as a failed attempt")
	return cmd
}

// truncate shortens s to n runes for table output.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
