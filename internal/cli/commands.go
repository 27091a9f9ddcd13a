package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tally-sync/internal/handshake"
	"tally-sync/internal/models"
	"tally-sync/internal/submit"
	"tally-sync/internal/worker"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions",
		Example: `  tallyctl list
  tallyctl list --status needs_confirm --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !models.ValidStatus(status) {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", status))
			}
			ctx := cmd.Context()
			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			out := make([]models.Record, 0, len(recs))
			for _, rec := range recs {
				if status == "" || rec.Status == status {
					out = append(out, rec)
				}
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if len(out) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			return writeRecords(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show records in this status")
	return cmd
}

// NewDrainCommand creates the drain command, the manual trigger.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending submissions now",
		Long: `Replay pending submissions now.

When a background worker is registered the request is handed to it. Otherwise,
or with --local, the drain runs in this process. With redis available the local
drain takes the same lease the worker uses, so the two never overlap. Pass
--redis "" to drain without the bus when redis itself is down.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := rootOpts.logger(cmd.ErrOrStderr())
			b, closeBus := rootOpts.openBus(logger)
			defer closeBus()

			if b != nil && !local {
				err := b.ForwardDrain(ctx)
				if err == nil {
					return report(cmd, rootOpts, map[string]any{"forwarded": true}, "Drain handed to the background worker")
				}
				logger.Info("draining locally", "reason", err)
			}

			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := worker.Options{AttemptTimeout: rootOpts.Timeout, Logger: logger}
			if b != nil {
				opts.Lease = b.Lease(rootOpts.LeaseTTL)
				opts.Notifier = b
			}
			client := submit.NewClient(rootOpts.SubmitURL, "", rootOpts.Timeout)
			res, err := worker.NewDrainer(st, client, opts).Drain(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "drain failed", err)
			}
			if res.Skipped {
				return report(cmd, rootOpts, res, "Another drain is running; nothing done")
			}
			msg := fmt.Sprintf("Attempted %d: %d delivered, %d conflicts, %d blocked, %d failed, %d deferred",
				res.Attempted, res.Succeeded, res.Conflicts, res.AuthBlocked, res.Transient, res.Deferred)
			if err := report(cmd, rootOpts, res, msg); err != nil {
				return err
			}
			if res.Transient > 0 || res.Deferred > 0 {
				return NewExitError(ExitFailure, "some submissions are still pending")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "drain in this process even if a worker is registered")
	return cmd
}

// NewResolveCommand creates the resolve command for conflicts.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var overwrite, decline bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Decide a conflict: overwrite the finalized mesa or cancel the submission",
		Example: `  tallyctl resolve 12 --overwrite
  tallyctl resolve 12 --decline`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if overwrite == decline {
				return NewExitError(ExitCommandError, "pass exactly one of --overwrite or --decline")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := rootOpts.logger(cmd.ErrOrStderr())
			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			hs := handshake.New(st, nil, logger)
			b, closeBus := rootOpts.openBus(logger)
			defer closeBus()
			if b != nil {
				hs.SetDrainRequester(drainFunc(b.ForwardDrain))
			}

			rec, err := hs.Resolve(ctx, id, overwrite)
			switch {
			case errors.Is(err, handshake.ErrNotFound):
				return NewExitError(ExitCommandError, fmt.Sprintf("record %d not found", id))
			case errors.Is(err, handshake.ErrNotAwaitingDecision):
				return NewExitError(ExitCommandError, fmt.Sprintf("record %d is %s, not awaiting a decision", id, rec.Status))
			case err != nil:
				return WrapExitError(ExitCommandError, "resolve failed", err)
			}
			msg := fmt.Sprintf("Record %d cancelled", id)
			if overwrite {
				msg = fmt.Sprintf("Record %d queued to overwrite; it goes out with the next drain", id)
			}
			return report(cmd, rootOpts, rec, msg)
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "resubmit replacing the finalized mesa")
	cmd.Flags().BoolVar(&decline, "decline", false, "cancel the submission and keep it for inspection")
	return cmd
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var credential string
	cmd := &cobra.Command{
		Use:           "retry <id>",
		Short:         "Return a blocked, cancelled or failed record to pending",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := worker.Requeue(ctx, st, id, credential)
			if err != nil {
				return actionError(id, err)
			}
			return report(cmd, rootOpts, rec, fmt.Sprintf("Record %d is pending again", id))
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "replace the stored credential")
	return cmd
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <id>",
		Short:         "Delete a record that is no longer pending",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := worker.Discard(ctx, st, id); err != nil {
				return actionError(id, err)
			}
			return report(cmd, rootOpts, map[string]any{"removed": id}, fmt.Sprintf("Record %d removed", id))
		},
	}
}

type drainFunc func(ctx context.Context) error

func (f drainFunc) RequestDrain(ctx context.Context) error { return f(ctx) }

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", s))
	}
	return id, nil
}

func actionError(id int64, err error) error {
	switch {
	case errors.Is(err, worker.ErrRecordNotFound):
		return NewExitError(ExitCommandError, fmt.Sprintf("record %d not found", id))
	case errors.Is(err, worker.ErrNotRetryable), errors.Is(err, worker.ErrStillPending):
		return WrapExitError(ExitCommandError, fmt.Sprintf("record %d", id), err)
	}
	return WrapExitError(ExitCommandError, "queue operation failed", err)
}

func report(cmd *cobra.Command, opts *RootOptions, v any, text string) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}
