// Package contracts defines the integration events and commands exchanged by
// the checkout saga and its participants, together with their topics.
package contracts

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Message types. The type doubles as the event log type for domain events.
const (
	TypeUserCheckedOut             = "UserCheckedOut"
	TypeOrderCancellationRequested = "OrderCancellationRequested"
	TypePlaceOrder                 = "PlaceOrder"
	TypeCompleteOrder              = "CompleteOrder"
	TypeCancelOrder                = "CancelOrder"
	TypeFailOrder                  = "FailOrder"
	TypeOrderPlaced                = "OrderPlaced"
	TypeOrderCompleted             = "OrderCompleted"
	TypeOrderCancelled             = "OrderCancelled"
	TypeOrderFailed                = "OrderFailed"
	TypeBasketDeletedComplete      = "BasketDeletedComplete"
	TypeBasketDeletedFailed        = "BasketDeletedFailed"
	TypeStatusChangedToComplete    = "OrderStatusChangedToComplete"
	TypeStatusChangedToCancel      = "OrderStatusChangedToCancel"
	TypeOrderProcessingFailed      = "OrderProcessingFailed"
)

// Topics, one per message type.
const (
	TopicUserCheckedOut          = "checkout.user-checked-out"
	TopicCancellationRequested   = "checkout.cancellation-requested"
	TopicPlaceOrder              = "ordering.place-order"
	TopicCompleteOrder           = "ordering.complete-order"
	TopicCancelOrder             = "ordering.cancel-order"
	TopicFailOrder               = "ordering.fail-order"
	TopicOrderPlaced             = "ordering.order-placed"
	TopicOrderCompleted          = "ordering.order-completed"
	TopicOrderCancelled          = "ordering.order-cancelled"
	TopicOrderFailed             = "ordering.order-failed"
	TopicBasketDeletedComplete   = "basket.deleted-complete"
	TopicBasketDeletedFailed     = "basket.deleted-failed"
	TopicStatusChangedToComplete = "notification.status-changed-to-complete"
	TopicStatusChangedToCancel   = "notification.status-changed-to-cancel"
	TopicOrderProcessingFailed   = "saga.processing-failed"
)

var topicByType = map[string]string{
	TypeUserCheckedOut:             TopicUserCheckedOut,
	TypeOrderCancellationRequested: TopicCancellationRequested,
	TypePlaceOrder:                 TopicPlaceOrder,
	TypeCompleteOrder:              TopicCompleteOrder,
	TypeCancelOrder:                TopicCancelOrder,
	TypeFailOrder:                  TopicFailOrder,
	TypeOrderPlaced:                TopicOrderPlaced,
	TypeOrderCompleted:             TopicOrderCompleted,
	TypeOrderCancelled:             TopicOrderCancelled,
	TypeOrderFailed:                TopicOrderFailed,
	TypeBasketDeletedComplete:      TopicBasketDeletedComplete,
	TypeBasketDeletedFailed:        TopicBasketDeletedFailed,
	TypeStatusChangedToComplete:    TopicStatusChangedToComplete,
	TypeStatusChangedToCancel:      TopicStatusChangedToCancel,
	TypeOrderProcessingFailed:      TopicOrderProcessingFailed,
}

// TopicFor returns the topic a message type is published on.
func TopicFor(msgType string) (string, bool) {
	topic, ok := topicByType[msgType]
	return topic, ok
}

// Payload is implemented by every contract type.
type Payload interface {
	MessageType() string
	OrderRef() uuid.UUID
}

type UserCheckedOut struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email,omitempty"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

// OrderCancellationRequested is the external cancellation signal.
type OrderCancellationRequested struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type PlaceOrder struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email,omitempty"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

type CompleteOrder struct {
	OrderID uuid.UUID `json:"orderId"`
}

type CancelOrder struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type FailOrder struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type OrderPlaced struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email,omitempty"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

type OrderCompleted struct {
	OrderID uuid.UUID `json:"orderId"`
}

type OrderCancelled struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type OrderFailed struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

type BasketDeletedComplete struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

type BasketDeletedFailed struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email,omitempty"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

// OrderStatusChanged is sent to notification and read-model services. Its
// type is either TypeStatusChangedToComplete or TypeStatusChangedToCancel.
type OrderStatusChanged struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email,omitempty"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
	Status     string          `json:"status"`
}

// OrderProcessingFailed reports that a consumer gave up on a message that
// belongs to an order.
type OrderProcessingFailed struct {
	OrderID    uuid.UUID `json:"orderId"`
	Consumer   string    `json:"consumer"`
	FailedType string    `json:"messageType"`
	Reason     string    `json:"reason"`
}

func (UserCheckedOut) MessageType() string             { return TypeUserCheckedOut }
func (OrderCancellationRequested) MessageType() string { return TypeOrderCancellationRequested }
func (PlaceOrder) MessageType() string                 { return TypePlaceOrder }
func (CompleteOrder) MessageType() string              { return TypeCompleteOrder }
func (CancelOrder) MessageType() string                { return TypeCancelOrder }
func (FailOrder) MessageType() string                  { return TypeFailOrder }
func (OrderPlaced) MessageType() string                { return TypeOrderPlaced }
func (OrderCompleted) MessageType() string             { return TypeOrderCompleted }
func (OrderCancelled) MessageType() string             { return TypeOrderCancelled }
func (OrderFailed) MessageType() string                { return TypeOrderFailed }
func (BasketDeletedComplete) MessageType() string      { return TypeBasketDeletedComplete }
func (BasketDeletedFailed) MessageType() string        { return TypeBasketDeletedFailed }
func (OrderProcessingFailed) MessageType() string      { return TypeOrderProcessingFailed }

func (e OrderStatusChanged) MessageType() string {
	if e.Status == StatusCompleted {
		return TypeStatusChangedToComplete
	}
	return TypeStatusChangedToCancel
}

func (e UserCheckedOut) OrderRef() uuid.UUID             { return e.OrderID }
func (e OrderCancellationRequested) OrderRef() uuid.UUID { return e.OrderID }
func (e PlaceOrder) OrderRef() uuid.UUID                 { return e.OrderID }
func (e CompleteOrder) OrderRef() uuid.UUID              { return e.OrderID }
func (e CancelOrder) OrderRef() uuid.UUID                { return e.OrderID }
func (e FailOrder) OrderRef() uuid.UUID                  { return e.OrderID }
func (e OrderPlaced) OrderRef() uuid.UUID                { return e.OrderID }
func (e OrderCompleted) OrderRef() uuid.UUID             { return e.OrderID }
func (e OrderCancelled) OrderRef() uuid.UUID             { return e.OrderID }
func (e OrderFailed) OrderRef() uuid.UUID                { return e.OrderID }
func (e BasketDeletedComplete) OrderRef() uuid.UUID      { return e.OrderID }
func (e BasketDeletedFailed) OrderRef() uuid.UUID        { return e.OrderID }
func (e OrderStatusChanged) OrderRef() uuid.UUID         { return e.OrderID }
func (e OrderProcessingFailed) OrderRef() uuid.UUID      { return e.OrderID }

// Order statuses shared by the ordering aggregate and the summary projection.
const (
	StatusSubmitted = "submitted"
	StatusPlaced    = "placed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)
