package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus publishes to and consumes from a durable topic exchange. Each
// consumer gets its own durable queue bound to its topics.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	logf     func(format string, args ...any)

	mu      sync.Mutex
	pubCh   *amqp.Channel
	confirm chan amqp.Confirmation
}

// DialAMQP connects with a bounded number of attempts, since the broker often
// starts after the service in local setups.
func DialAMQP(ctx context.Context, url, exchange string, attempts int, logf func(format string, args ...any)) (*AMQPBus, error) {
	if logf == nil {
		logf = log.Printf
	}
	if attempts < 1 {
		attempts = 1
	}
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < attempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logf("bus: amqp dial failed, retrying in 2s (%d/%d): %v", i+1, attempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}

	return &AMQPBus{
		conn:     conn,
		exchange: exchange,
		logf:     logf,
		pubCh:    ch,
		confirm:  ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderCorrelationID] = msg.CorrelationID()

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.pubCh.PublishWithContext(ctx, b.exchange, msg.Topic, false, false, amqp.Publishing{
		MessageId:     msg.ID,
		Type:          msg.Type,
		CorrelationId: msg.Key,
		ContentType:   "application/json",
		Timestamp:     msg.CreatedAt,
		Headers:       headers,
		Body:          msg.Payload,
		DeliveryMode:  amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", msg.Topic, err)
	}

	select {
	case c, ok := <-b.confirm:
		if !ok {
			return fmt.Errorf("amqp publish %s: channel closed", msg.Topic)
		}
		if !c.Ack {
			return fmt.Errorf("amqp publish %s: broker nacked delivery %d", msg.Topic, c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe declares the consumer queue, binds it and consumes with manual
// acknowledgement. Prefetch equals the subscription concurrency.
func (b *AMQPBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(sub.Consumer, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare queue %s: %w", sub.Consumer, err)
	}
	for _, topic := range sub.Topics {
		if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
			return fmt.Errorf("amqp bind %s to %s: %w", q.Name, topic, err)
		}
	}
	if err := ch.Qos(sub.concurrency(), 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, sub.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", q.Name, err)
	}

	pool := newKeyedPool(sub.concurrency(), h)
	defer pool.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp consume %s: delivery channel closed", q.Name)
			}
			msg := fromDelivery(d)
			err := pool.submit(ctx, msg, func(err error) {
				if err != nil {
					b.logf("bus: amqp consumer=%s message=%s: %v", sub.Consumer, msg.ID, err)
					_ = d.Nack(false, true)
					return
				}
				_ = d.Ack(false)
			})
			if err != nil {
				_ = d.Nack(false, true)
				return nil
			}
		}
	}
}

// Close closes the publish channel and the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	return b.conn.Close()
}

func fromDelivery(d amqp.Delivery) Message {
	msg := Message{
		ID:        d.MessageId,
		Topic:     d.RoutingKey,
		Key:       d.CorrelationId,
		Type:      d.Type,
		Payload:   d.Body,
		Headers:   make(map[string]string, len(d.Headers)),
		CreatedAt: d.Timestamp,
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	return msg
}

// Check fails when the broker connection has dropped.
func (b *AMQPBus) Check(context.Context) error {
	if b.conn.IsClosed() {
		return ErrBusClosed
	}
	return nil
}
