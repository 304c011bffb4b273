package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs, highest priority first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		messageID, _ := cmd.Flags().GetString("message")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Queue:     cfg.Queue.Name,
			Status:    model.JobStatus(status),
			MessageID: messageID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(cmd.OutOrStdout(), jobs)
		return nil
	},
}

func formatJobsList(out io.Writer, jobs []model.QueueJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIO\tATTEMPTS\tMESSAGE\tRUN_AT\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t----\t--------\t-------\t------\t-----")

	for _, j := range jobs {
		errText := j.Error
		if len(errText) > 40 {
			errText = errText[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			truncateID(j.ID),
			j.Type,
			j.Status,
			j.Priority,
			j.Attempts, j.MaxAttempts,
			truncateID(j.MessageID),
			j.RunAt.Format("2006-01-02 15:04:05"),
			errText,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (waiting, active, delayed, completed, failed)")
	jobsListCmd.Flags().String("message", "", "filter by message id")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to show")
	jobsCmd.AddCommand(jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}
