package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/jobpool/internal/grouper"
	"github.com/me/jobpool/pkg/model"
)

func newAddFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-files <path>...",
		Short: "Register raw data files that are already on disk",
		Long: "Register raw data files by hand, bypassing the download collaborator.\n" +
			"Files are added with status \"added\" and grouped on the next pass.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			added := 0
			var errs []error
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if info.IsDir() {
					errs = append(errs, fmt.Errorf("%s is a directory", path))
					continue
				}
				if _, err := st.GetFileByName(ctx, path); err == nil {
					fmt.Fprintf(out, "skip %s: already tracked\n", path)
					continue
				} else if !errors.Is(err, model.ErrNotFound) {
					return err
				}
				if _, err := grouper.Parse(filepath.Base(path)); err != nil {
					logger.Warn("file name does not encode an observation; it will not be grouped", "file", path)
				}

				f := &model.File{
					Filename:       path,
					RemoteFilename: filepath.Base(path),
					Status:         model.FileStatusAdded,
					Size:           info.Size(),
				}
				if _, err := st.AddFile(ctx, f); err != nil {
					return fmt.Errorf("add %s: %w", path, err)
				}
				added++
				fmt.Fprintf(out, "added [%d] %s (%s)\n", f.ID, path, humanize.Bytes(uint64(f.Size)))
			}
			fmt.Fprintf(out, "%d of %d files added.\n", added, len(args))
			return errors.Join(errs...)
		},
	}
}

func newFilesCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List tracked raw data files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.FileStatus, len(statuses))
			for i, s := range statuses {
				filter[i] = model.FileStatus(s)
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := st.ListFiles(ctx, filter...)
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "No files found.")
				return nil
			}

			var total uint64
			fmt.Fprintf(out, "%-8s  %-12s  %-10s  %-16s  %s\n", "ID", "STATUS", "SIZE", "ADDED", "FILENAME")
			fmt.Fprintf(out, "%-8s  %-12s  %-10s  %-16s  %s\n", "--", "------", "----", "-----", "--------")
			for _, f := range files {
				total += uint64(f.Size)
				fmt.Fprintf(out, "%-8d  %-12s  %-10s  %-16s  %s\n",
					f.ID, f.Status, humanize.Bytes(uint64(f.Size)), humanize.Time(f.CreatedAt), f.Filename)
			}
			fmt.Fprintf(out, "\n%s files, %s\n", humanize.Comma(int64(len(files))), humanize.Bytes(total))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only files in these statuses (new, downloaded, added, deleted)")
	return cmd
}

func newRequestsCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List restore requests made by the download collaborator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.RequestStatus, len(statuses))
			for i, s := range statuses {
				filter[i] = model.RequestStatus(s)
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			reqs, err := st.ListRequests(ctx, filter...)
			if err != nil {
				return fmt.Errorf("list requests: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(out, "No requests found.")
				return nil
			}
			fmt.Fprintf(out, "%-6s  %-38s  %-12s  %-9s  %s\n", "ID", "GUID", "STATUS", "FILES", "UPDATED")
			for _, r := range reqs {
				fmt.Fprintf(out, "%-6d  %-38s  %-12s  %-9d  %s\n",
					r.ID, r.GUID, r.Status, r.NumRequested, humanize.Time(r.UpdatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only requests in these statuses (waiting, finished, cleaned_up, failed)")
	cmd.AddCommand(newRequestAddCmd(), newRequestSetStatusCmd())
	return cmd
}

func newRequestAddCmd() *cobra.Command {
	var numFiles int

	cmd := &cobra.Command{
		Use:   "add <guid>",
		Short: "Record a restore request made outside the download collaborator",
		Long: "Record a restore request by hand, e.g. one placed through the archive's web\n" +
			"portal. The request starts out \"waiting\".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if numFiles < 0 {
				return errors.New("--files must not be negative")
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			r := &model.Request{GUID: args[0], NumRequested: numFiles}
			if _, err := st.CreateRequest(ctx, r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s recorded [%d], %d files, %s.\n", r.GUID, r.ID, r.NumRequested, r.Status)
			return nil
		},
	}

	cmd.Flags().IntVar(&numFiles, "files", 0, "Number of files requested")
	return cmd
}

func newRequestSetStatusCmd() *cobra.Command {
	var details string

	cmd := &cobra.Command{
		Use:   "set-status <guid> <status>",
		Short: "Correct the status of a restore request",
		Long: "Set a restore request's status by hand, e.g. to mark a request the archive\n" +
			"cancelled as failed. Status is one of waiting, finished, cleaned_up, failed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid, status := args[0], model.RequestStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown request status %q", args[1])
			}
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpdateRequestStatus(ctx, guid, status, details); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s is now %s.\n", guid, status)
			return nil
		},
	}

	cmd.Flags().StringVar(&details, "details", "", "Reason recorded with the new status")
	return cmd
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			summary, err := st.CountJobsByStatus(ctx)
			if err != nil {
				return fmt.Errorf("count jobs: %w", err)
			}
			inFlight, err := st.CountInFlight(ctx)
			if err != nil {
				return fmt.Errorf("count in-flight: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, s := range model.AllJobStatuses {
				fmt.Fprintf(out, "%-20s  %s\n", s, humanize.Comma(int64(summary[s])))
			}
			fmt.Fprintf(out, "%-20s  %s\n", "total", humanize.Comma(int64(summary.Total())))
			fmt.Fprintf(out, "%-20s  %s\n", "in queue", humanize.Comma(int64(inFlight)))
			return nil
		},
	}
}
