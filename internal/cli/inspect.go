package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// SagaView is the printable form of one saga instance.
type SagaView struct {
	OrderID    string    `json:"order_id"`
	State      string    `json:"state"`
	BasketID   string    `json:"basket_id"`
	Email      string    `json:"email"`
	TotalMoney string    `json:"total_money"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSagaCommand creates the saga command group.
func NewSagaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect saga instances",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <order-id>",
		Short: "Print the saga state for one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid order id", err)
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				st, found, err := b.Sagas.Load(ctx, id)
				if err != nil {
					return WrapExitError(ExitCommandError, "load saga", err)
				}
				if !found {
					return NewExitError(ExitFailure, fmt.Sprintf("no saga for order %s", id))
				}
				view := SagaView{
					OrderID:    st.CorrelationID.String(),
					State:      string(st.State),
					BasketID:   st.BasketID.String(),
					Email:      st.Email,
					TotalMoney: st.TotalMoney.StringFixed(2),
					Version:    st.Version,
					CreatedAt:  st.CreatedAt,
					UpdatedAt:  st.UpdatedAt,
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintf(tw, "order\t%s\n", view.OrderID)
				fmt.Fprintf(tw, "state\t%s\n", view.State)
				fmt.Fprintf(tw, "basket\t%s\n", view.BasketID)
				fmt.Fprintf(tw, "email\t%s\n", view.Email)
				fmt.Fprintf(tw, "total\t%s\n", view.TotalMoney)
				fmt.Fprintf(tw, "version\t%d\n", view.Version)
				fmt.Fprintf(tw, "updated\t%s\n", view.UpdatedAt.Format(time.RFC3339))
				return tw.Flush()
			})
		},
	})
	return cmd
}

// ParkedView is one parked outbox row or consumer message.
type ParkedView struct {
	ID       string `json:"id"`
	Consumer string `json:"consumer,omitempty"`
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	Key      string `json:"key"`
	Attempts int    `json:"attempts,omitempty"`
	Reason   string `json:"reason"`
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue parked outbox messages",
	}

	var limit int
	parked := &cobra.Command{
		Use:   "parked",
		Short: "List outbox messages the relay gave up on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				recs, err := b.Outbox.ListParked(ctx, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "list parked outbox messages", err)
				}
				views := make([]ParkedView, 0, len(recs))
				for _, r := range recs {
					views = append(views, ParkedView{
						ID:       r.Message.ID,
						Topic:    r.Message.Topic,
						Type:     r.Message.Type,
						Key:      r.Message.Key,
						Attempts: r.Attempts,
						Reason:   r.LastError,
					})
				}
				return printParked(cmd, rootOpts, views)
			})
		},
	}
	parked.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")

	requeue := &cobra.Command{
		Use:   "requeue <message-id>",
		Short: "Return a parked outbox message to the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				if err := b.Outbox.Requeue(ctx, args[0], time.Now().UTC()); err != nil {
					return WrapExitError(ExitCommandError, "requeue "+args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s.\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(parked, requeue)
	return cmd
}

// NewInboxCommand creates the inbox command group.
func NewInboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect messages consumers parked",
	}

	var limit int
	parked := &cobra.Command{
		Use:   "parked",
		Short: "List messages whose handlers kept failing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				msgs, err := b.Parked.ListParkedMessages(ctx, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "list parked messages", err)
				}
				views := make([]ParkedView, 0, len(msgs))
				for _, p := range msgs {
					views = append(views, ParkedView{
						ID:       p.Message.ID,
						Consumer: p.Consumer,
						Topic:    p.Message.Topic,
						Type:     p.Message.Type,
						Key:      p.Message.Key,
						Reason:   p.Reason,
					})
				}
				return printParked(cmd, rootOpts, views)
			})
		},
	}
	parked.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
	cmd.AddCommand(parked)
	return cmd
}

func printParked(cmd *cobra.Command, rootOpts *RootOptions, views []ParkedView) error {
	if rootOpts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), views)
	}
	if len(views) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No parked messages.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONSUMER\tTYPE\tKEY\tATTEMPTS\tREASON")
	for _, v := range views {
		consumer := v.Consumer
		if consumer == "" {
			consumer = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", v.ID, consumer, v.Type, v.Key, v.Attempts, v.Reason)
	}
	return tw.Flush()
}
