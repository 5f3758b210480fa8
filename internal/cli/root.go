// Package cli implements sagactl, the operator tool for the checkout saga:
// projection replay and verification, saga inspection, and parked message
// handling.
package cli

import (
	"context"
	"fmt"

	"fulfillment/internal/inbox"
	"fulfillment/internal/outbox"
	"fulfillment/internal/projection"
	"fulfillment/internal/saga"

	"github.com/spf13/cobra"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// ParkedLister lists messages consumers set aside.
type ParkedLister interface {
	ListParkedMessages(ctx context.Context, limit int) ([]inbox.Parked, error)
}

// Backend is what the commands operate on.
type Backend struct {
	Projection *projection.Engine
	Sagas      saga.Store
	Outbox     outbox.Store
	Parked     ParkedLister
	Close      func() error
}

// Opener connects a Backend. Commands open it lazily so --help and flag
// errors never touch the database.
type Opener func(ctx context.Context) (*Backend, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
	Open   Opener
}

// NewRootCommand creates the sagactl root command.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "sagactl",
		Short: "Operate the checkout fulfillment saga",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewSagaCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewInboxCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withBackend opens the backend, runs fn and closes it.
func withBackend(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, b *Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Open == nil {
		return NewExitError(ExitCommandError, "no backend configured")
	}
	b, err := opts.Open(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	if b.Close != nil {
		defer b.Close()
	}
	return fn(ctx, b)
}
