package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes messages synchronously so the relay learns about
// failures before it marks a row delivered.
type KafkaPublisher struct {
	w       *kafka.Writer
	brokers []string
}

// NewKafkaPublisher constructs a publisher. The topic comes from each message;
// the key hash keeps one order's messages on one partition.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		brokers: brokers,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.w.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// KafkaSubscriber consumes topics through a consumer group named after the
// subscription consumer. Offsets are committed manually.
type KafkaSubscriber struct {
	brokers   []string
	logf      func(format string, args ...any)
	newReader func(sub Subscription) kafkaReader
}

// kafkaReader is the part of *kafka.Reader the subscriber drives.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSubscriber constructs a subscriber.
func NewKafkaSubscriber(brokers []string, logf func(format string, args ...any)) *KafkaSubscriber {
	if logf == nil {
		logf = log.Printf
	}
	s := &KafkaSubscriber{brokers: brokers, logf: logf}
	s.newReader = s.groupReader
	return s
}

func (s *KafkaSubscriber) groupReader(sub Subscription) kafkaReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.brokers,
		GroupID:        sub.Consumer,
		GroupTopics:    sub.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Subscribe consumes until ctx is done. A message whose handler still fails
// ends the subscription with that error: its offset was never committed, so
// the group resumes from it once the consumer is started again.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	r := s.newReader(sub)
	defer r.Close()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	tracker := newOffsetTracker()
	pool := newKeyedPool(sub.concurrency(), h)
	defer pool.close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ferr := firstFailure(failed); ferr != nil {
				return ferr
			}
			if parent.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", sub.Consumer, err)
		}
		tracker.track(m)

		msg := fromKafkaMessage(m)
		err = pool.submit(ctx, msg, func(err error) {
			if err != nil {
				select {
				case failed <- fmt.Errorf("kafka consumer=%s topic=%s partition=%d offset=%d: %w",
					sub.Consumer, m.Topic, m.Partition, m.Offset, err):
				default:
				}
				cancel()
				return
			}
			if commit, ok := tracker.complete(m); ok {
				if err := r.CommitMessages(ctx, commit); err != nil && ctx.Err() == nil {
					s.logf("bus: kafka commit consumer=%s offset=%d: %v", sub.Consumer, commit.Offset, err)
				}
			}
		})
		if err != nil {
			return firstFailure(failed)
		}
	}
}

func firstFailure(failed <-chan error) error {
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker releases a commit only once every earlier fetched offset on
// the same partition has completed, so concurrent lanes never skip work.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[partitionKey][]int64
	done    map[partitionKey]map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		pending: make(map[partitionKey][]int64),
		done:    make(map[partitionKey]map[int64]kafka.Message),
	}
}

func (t *offsetTracker) track(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pk := partitionKey{topic: m.Topic, partition: m.Partition}
	t.pending[pk] = append(t.pending[pk], m.Offset)
}

func (t *offsetTracker) complete(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pk := partitionKey{topic: m.Topic, partition: m.Partition}
	if t.done[pk] == nil {
		t.done[pk] = make(map[int64]kafka.Message)
	}
	t.done[pk][m.Offset] = m

	var last kafka.Message
	advanced := false
	for len(t.pending[pk]) > 0 {
		head := t.pending[pk][0]
		finished, ok := t.done[pk][head]
		if !ok {
			break
		}
		last = finished
		advanced = true
		delete(t.done[pk], head)
		t.pending[pk] = t.pending[pk][1:]
	}
	return last, advanced
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+3)
	headers = append(headers,
		kafka.Header{Key: HeaderMessageID, Value: []byte(msg.ID)},
		kafka.Header{Key: HeaderMessageType, Value: []byte(msg.Type)},
		kafka.Header{Key: HeaderCreatedAt, Value: []byte(msg.CreatedAt.UTC().Format(time.RFC3339Nano))},
	)
	for k, v := range msg.Headers {
		if k == HeaderMessageID || k == HeaderMessageType || k == HeaderCreatedAt {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.CreatedAt,
	}
}

func fromKafkaMessage(m kafka.Message) Message {
	msg := Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Payload:   m.Value,
		Headers:   make(map[string]string, len(m.Headers)),
		CreatedAt: m.Time,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderMessageID:
			msg.ID = string(h.Value)
		case HeaderMessageType:
			msg.Type = string(h.Value)
		case HeaderCreatedAt:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				msg.CreatedAt = ts
			}
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// Check dials the first reachable broker.
func (p *KafkaPublisher) Check(ctx context.Context) error {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("kafka: no brokers")
	}
	return lastErr
}
