package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/reliability"

	"github.com/google/uuid"
)

// ErrUnknownType is returned when decoding a message type this module does not know.
var ErrUnknownType = errors.New("unknown message type")

// NewMessage builds a bus message for p with a fresh id and creation date.
// The order id is the partition key and the correlation id.
func NewMessage(p Payload, now time.Time) (bus.Message, error) {
	topic, ok := TopicFor(p.MessageType())
	if !ok {
		return bus.Message{}, fmt.Errorf("%w: %s", ErrUnknownType, p.MessageType())
	}
	body, err := json.Marshal(p)
	if err != nil {
		return bus.Message{}, fmt.Errorf("encode %s: %w", p.MessageType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return bus.Message{}, fmt.Errorf("message id: %w", err)
	}
	orderID := p.OrderRef().String()
	return bus.Message{
		ID:      id.String(),
		Topic:   topic,
		Key:     orderID,
		Type:    p.MessageType(),
		Payload: body,
		Headers: map[string]string{
			bus.HeaderCorrelationID: orderID,
		},
		CreatedAt: now.UTC(),
	}, nil
}

// Decode parses the payload of msg according to its type. Malformed and
// unknown messages are permanent failures: redelivery cannot fix them.
func Decode(msg bus.Message) (Payload, error) {
	return DecodeAs(msg.Type, msg.Payload)
}

// DecodeAs parses raw as the payload of msgType.
func DecodeAs(msgType string, raw []byte) (Payload, error) {
	var p Payload
	switch msgType {
	case TypeUserCheckedOut:
		p = decodeInto[UserCheckedOut](raw)
	case TypeOrderCancellationRequested:
		p = decodeInto[OrderCancellationRequested](raw)
	case TypePlaceOrder:
		p = decodeInto[PlaceOrder](raw)
	case TypeCompleteOrder:
		p = decodeInto[CompleteOrder](raw)
	case TypeCancelOrder:
		p = decodeInto[CancelOrder](raw)
	case TypeFailOrder:
		p = decodeInto[FailOrder](raw)
	case TypeOrderPlaced:
		p = decodeInto[OrderPlaced](raw)
	case TypeOrderCompleted:
		p = decodeInto[OrderCompleted](raw)
	case TypeOrderCancelled:
		p = decodeInto[OrderCancelled](raw)
	case TypeOrderFailed:
		p = decodeInto[OrderFailed](raw)
	case TypeBasketDeletedComplete:
		p = decodeInto[BasketDeletedComplete](raw)
	case TypeBasketDeletedFailed:
		p = decodeInto[BasketDeletedFailed](raw)
	case TypeStatusChangedToComplete, TypeStatusChangedToCancel:
		p = decodeInto[OrderStatusChanged](raw)
	case TypeOrderProcessingFailed:
		p = decodeInto[OrderProcessingFailed](raw)
	default:
		return nil, reliability.Permanent(fmt.Errorf("%w: %q", ErrUnknownType, msgType))
	}
	if d, ok := p.(decodeFailure); ok {
		return nil, reliability.Permanent(fmt.Errorf("decode %s: %w", msgType, d.err))
	}
	if p.OrderRef() == uuid.Nil {
		return nil, reliability.Permanent(fmt.Errorf("decode %s: missing order id", msgType))
	}
	return p, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) MessageType() string { return "" }
func (decodeFailure) OrderRef() uuid.UUID { return uuid.Nil }

func decodeInto[T Payload](raw []byte) Payload {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}
