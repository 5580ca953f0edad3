package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/models"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed sale counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Stop()

			status := svc.Status()
			return rootOpts.emit(cmd.OutOrStdout(), status, func(w io.Writer) {
				fmt.Fprintf(w, "Data directory: %s\n", status.DataDir)
				fmt.Fprintf(w, "Pending:        %d\n", status.Pending.PendingCount)
				fmt.Fprintf(w, "Failed:         %d\n", status.Pending.FailedCount)
			})
		},
	}
}

// NewSyncCommand creates the sync command. It probes the backend once and
// runs a single reconciliation if it is reachable.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile pending sales with the backend now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := rootOpts.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop()

			svc.ProbeNow(ctx)
			outcome, err := svc.SyncNow(ctx)
			if err != nil {
				return err
			}

			return rootOpts.emit(cmd.OutOrStdout(), outcome, func(w io.Writer) {
				if outcome.Skipped {
					fmt.Fprintf(w, "Sync skipped: %s\n", outcome.Reason)
					return
				}
				s := outcome.Summary
				fmt.Fprintf(w, "Synced %d, retrying %d, failed %d, deferred %d (%s)\n",
					s.Succeeded, s.Retried, s.Failed, s.Deferred, s.Duration.Round(time.Millisecond))
			})
		},
	}
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	var raw bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a sale from a JSON file",
		Long: `Record a finalized sale from a JSON file. The sale is validated and
stored in the local queue; it is delivered by the next sync.

With --raw the file is queued as an opaque payload without validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := rootOpts.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop()

			var txn *models.QueuedTransaction
			if raw {
				txn, err = svc.Enqueue(ctx, data)
			} else {
				var sale *models.Sale
				if sale, err = models.ParseSale(data); err == nil {
					txn, err = svc.RecordSale(ctx, sale)
				}
			}
			if err != nil {
				return err
			}

			return rootOpts.emit(cmd.OutOrStdout(), txn, func(w io.Writer) {
				fmt.Fprintf(w, "Queued #%d (key %s)\n", txn.LocalID, txn.IdempotencyKey)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "sale JSON file, or - for stdin")
	cmd.Flags().BoolVar(&raw, "raw", false, "queue the file as an opaque payload")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to read "+file, err)
	}
	return data, nil
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List sales the backend rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := rootOpts.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop()

			failed, err := svc.ListFailed(ctx)
			if err != nil {
				return err
			}
			if failed == nil {
				failed = []models.QueuedTransaction{}
			}

			return rootOpts.emit(cmd.OutOrStdout(), failed, func(w io.Writer) {
				if len(failed) == 0 {
					fmt.Fprintln(w, "No failed sales.")
					return
				}
				for _, txn := range failed {
					fmt.Fprintf(w, "#%d  %s  attempts=%d  %s\n",
						txn.LocalID, txn.UpdatedAt.Format(time.RFC3339), txn.Attempts, txn.FailureReason())
				}
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete reconciled records left in the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := rootOpts.openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop()

			n, err := svc.PurgeSynced(ctx)
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]int64{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Purged %d synced record(s)\n", n)
			})
		},
	}
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "posync v%s\n", Version)
		},
	}
}
