package saga

import (
	"errors"
	"testing"
	"time"

	"fulfillment/internal/contracts"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orderID = uuid.MustParse("0d4c1c0e-7b8e-4f61-9a53-3a4f6a7d0001")
	basket  = uuid.MustParse("0d4c1c0e-7b8e-4f61-9a53-3a4f6a7d00b1")
	total   = decimal.RequireFromString("42.00")
)

func checkedOut() contracts.UserCheckedOut {
	return contracts.UserCheckedOut{OrderID: orderID, BasketID: basket, Email: "a@b.com", TotalMoney: total}
}

func placed() *OrderState {
	return &OrderState{
		CorrelationID: orderID,
		State:         StatePlaced,
		BasketID:      basket,
		Email:         "a@b.com",
		TotalMoney:    total,
		Version:       1,
	}
}

func TestTransitionStartsSagaOnCheckout(t *testing.T) {
	d, err := Transition(nil, checkedOut(), t0)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if d.Outcome != Created || d.Next.State != StatePlaced || d.Next.Version != 1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.Emit) != 1 {
		t.Fatalf("expected one command, got %d", len(d.Emit))
	}
	cmd, ok := d.Emit[0].(contracts.PlaceOrder)
	if !ok || cmd.OrderID != orderID || !cmd.TotalMoney.Equal(total) {
		t.Fatalf("unexpected command: %#v", d.Emit[0])
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name  string
		msg   contracts.Payload
		to    State
		types []string
	}{
		{"basket deleted", contracts.BasketDeletedComplete{OrderID: orderID, BasketID: basket, TotalMoney: total},
			StateCompleted, []string{contracts.TypeCompleteOrder, contracts.TypeStatusChangedToComplete}},
		{"basket failed", contracts.BasketDeletedFailed{OrderID: orderID, BasketID: basket, Email: "a@b.com", TotalMoney: total},
			StateCancelled, []string{contracts.TypeCancelOrder, contracts.TypeStatusChangedToCancel}},
		{"cancellation", contracts.OrderCancellationRequested{OrderID: orderID},
			StateCancelled, []string{contracts.TypeCancelOrder, contracts.TypeStatusChangedToCancel}},
		{"processing failed", contracts.OrderProcessingFailed{OrderID: orderID, Consumer: "ordering", Reason: "db down"},
			StateFailed, []string{contracts.TypeFailOrder}},
	}
	for _, tc := range cases {
		d, err := Transition(placed(), tc.msg, t0)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if d.Outcome != Advanced || d.Next.State != tc.to || d.Next.Version != 2 {
			t.Fatalf("%s: unexpected decision %+v", tc.name, d)
		}
		if len(d.Emit) != len(tc.types) {
			t.Fatalf("%s: expected %d messages, got %d", tc.name, len(tc.types), len(d.Emit))
		}
		for i, typ := range tc.types {
			if d.Emit[i].MessageType() != typ {
				t.Fatalf("%s: message %d is %s, want %s", tc.name, i, d.Emit[i].MessageType(), typ)
			}
		}
	}
}

func TestTransitionStatusChangeCarriesOrderData(t *testing.T) {
	d, err := Transition(placed(), contracts.BasketDeletedFailed{OrderID: orderID}, t0)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	notice := d.Emit[1].(contracts.OrderStatusChanged)
	if notice.Email != "a@b.com" || notice.BasketID != basket || !notice.TotalMoney.Equal(total) {
		t.Fatalf("notification missing order data: %+v", notice)
	}
}

func TestTransitionTerminalIsImmutable(t *testing.T) {
	msgs := []contracts.Payload{
		checkedOut(),
		contracts.BasketDeletedComplete{OrderID: orderID},
		contracts.BasketDeletedFailed{OrderID: orderID},
		contracts.OrderCancellationRequested{OrderID: orderID},
		contracts.OrderProcessingFailed{OrderID: orderID},
	}
	for _, terminal := range []State{StateCompleted, StateCancelled, StateFailed} {
		current := placed()
		current.State = terminal
		current.Version = 2
		for _, msg := range msgs {
			d, err := Transition(current, msg, t0)
			if err != nil {
				t.Fatalf("%s + %s: %v", terminal, msg.MessageType(), err)
			}
			if d.Outcome != Ignored || d.Next != *current || len(d.Emit) != 0 {
				t.Fatalf("%s + %s changed the saga: %+v", terminal, msg.MessageType(), d)
			}
		}
	}
}

func TestTransitionDuplicateCheckoutIsIgnored(t *testing.T) {
	d, err := Transition(placed(), checkedOut(), t0)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if d.Outcome != Ignored || len(d.Emit) != 0 {
		t.Fatalf("expected duplicate start to be ignored, got %+v", d)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	_, err := Transition(nil, contracts.BasketDeletedComplete{OrderID: orderID}, t0)
	if !errors.Is(err, ErrUnknownOrder) || !IsLogicError(err) {
		t.Fatalf("expected unknown order, got %v", err)
	}
	_, err = Transition(placed(), contracts.OrderPlaced{OrderID: orderID}, t0)
	if !errors.Is(err, ErrUnsupportedMessage) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
