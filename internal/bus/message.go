package bus

import (
	"context"
	"time"
)

// Header names carried by every message on the wire.
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderCreatedAt     = "created-at"
)

// Message is the transport-neutral unit moved by publishers and subscribers.
// Key is the partition/ordering key; for saga traffic it is the order id.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Type      string
	Payload   []byte
	Headers   map[string]string
	CreatedAt time.Time
}

// CorrelationID returns the correlation header, falling back to the key.
func (m Message) CorrelationID() string {
	if id := m.Headers[HeaderCorrelationID]; id != "" {
		return id
	}
	return m.Key
}

// Clone returns a copy whose headers and payload can be mutated independently.
func (m Message) Clone() Message {
	out := m
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	return out
}

// Publisher delivers messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscription names a consumer, the topics it listens to and the maximum
// number of messages it processes at once.
type Subscription struct {
	Consumer    string
	Topics      []string
	Concurrency int
}

// Subscriber runs a handler for a subscription until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription, h Handler) error
}

func (s Subscription) concurrency() int {
	if s.Concurrency < 1 {
		return 1
	}
	return s.Concurrency
}
