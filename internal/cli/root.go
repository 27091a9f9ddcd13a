// Package cli implements tallyctl, the operator's command line over the local queue.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"tally-sync/internal/bus"
	"tally-sync/internal/config"
	"tally-sync/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	StoreDriver string
	Store       string
	RedisAddr   string
	BusPrefix   string
	SubmitURL   string
	Timeout     time.Duration
	LeaseTTL    time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. Flag defaults come from the same environment the
// api and worker read, so the CLI points at their queue without extra flags.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tallyctl",
		Short: "Inspect and operate the offline tally queue",
		Long: `Inspect and operate the offline tally submission queue.

Submissions that could not reach the tally server wait here until a drain
delivers them. Conflicts wait for an operator decision; records blocked by an
expired credential wait for a retry with a fresh one.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.StoreDriver, "store-driver", cfg.StoreDriver, "queue backend (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", cfg.StoreTarget(), "sqlite path or postgres DSN")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis", cfg.RedisAddr, "redis address for the worker bus; empty disables it")
	cmd.PersistentFlags().StringVar(&opts.BusPrefix, "bus-prefix", cfg.BusPrefix, "redis key prefix shared with the api and worker")
	cmd.PersistentFlags().StringVar(&opts.SubmitURL, "submit-url", cfg.SubmitURL, "tally server submission endpoint")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", cfg.AttemptTimeout, "per-attempt timeout")
	cmd.PersistentFlags().DurationVar(&opts.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "drain lease expiry")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) openStore(ctx context.Context) (store.Queue, error) {
	st, err := store.Open(ctx, o.StoreDriver, o.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	return st, nil
}

// openBus returns nil when no redis address is configured.
func (o *RootOptions) openBus(logger *slog.Logger) (*bus.Bus, func()) {
	if o.RedisAddr == "" {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: o.RedisAddr})
	return bus.New(client, o.BusPrefix, 0, logger), func() { _ = client.Close() }
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
