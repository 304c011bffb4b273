package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mailflow/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync <account-id>",
	Short: "Check one account for new mail",
	Long:  "Enqueues a sync task for the account. With --drain the queue is processed in the foreground until empty.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		drain, _ := cmd.Flags().GetBool("drain")
		mode := "store"
		if drain {
			mode = "worker"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		account, err := env.Store.GetAccount(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sync")
		}
		job, err := env.Queue.Enqueue(ctx, model.Task{Type: model.TaskSync, AccountID: account.ID})
		if err != nil {
			return eris.Wrap(err, "sync")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued sync job %s for %s\n", job.ID, account.Address)

		if !drain {
			return nil
		}
		n, err := env.Pool.Drain(ctx)
		if err != nil {
			return eris.Wrap(err, "sync: drain")
		}
		stats := env.Pool.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "ran %d jobs: %d completed, %d retrying, %d failed\n",
			n, stats.Completed, stats.Retried, stats.Failed)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Sweeper.Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		// initStore migrates on open
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("drain", false, "process the queue until empty after enqueuing")
	rootCmd.AddCommand(syncCmd, sweepCmd, migrateCmd)
}
