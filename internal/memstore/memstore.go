// Package memstore implements every store on process memory. It is the
// best-effort single-process variant: transactions are serialized and rolled
// back from a snapshot, and nothing survives a restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/eventlog"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/inbox"
	"fulfillment/internal/projection"
	"fulfillment/internal/saga"

	"github.com/google/uuid"
)

type inboxKey struct {
	consumer  string
	messageID string
}

type outboxRow struct {
	seq           int64
	msg           bus.Message
	status        string
	attempts      int
	nextAttemptAt time.Time
	leaseOwner    string
	leaseUntil    time.Time
	lastError     string
	deliveredAt   *time.Time
}

type data struct {
	sagas       map[uuid.UUID]saga.OrderState
	outbox      []outboxRow
	outboxIndex map[string]int
	outboxSeq   int64
	inbox       map[inboxKey]time.Time
	parked      []inbox.Parked
	requests    map[uuid.UUID]idempotency.ClientRequest
	events      []eventlog.Event
	byAggregate map[uuid.UUID][]int
	summaries   map[uuid.UUID]projection.OrderSummary
	checkpoints map[string]int64
}

func (d *data) clone() *data {
	c := &data{
		sagas:       make(map[uuid.UUID]saga.OrderState, len(d.sagas)),
		outbox:      append([]outboxRow(nil), d.outbox...),
		outboxIndex: make(map[string]int, len(d.outboxIndex)),
		outboxSeq:   d.outboxSeq,
		inbox:       make(map[inboxKey]time.Time, len(d.inbox)),
		parked:      append([]inbox.Parked(nil), d.parked...),
		requests:    make(map[uuid.UUID]idempotency.ClientRequest, len(d.requests)),
		events:      append([]eventlog.Event(nil), d.events...),
		byAggregate: make(map[uuid.UUID][]int, len(d.byAggregate)),
		summaries:   make(map[uuid.UUID]projection.OrderSummary, len(d.summaries)),
		checkpoints: make(map[string]int64, len(d.checkpoints)),
	}
	for k, v := range d.sagas {
		c.sagas[k] = v
	}
	for k, v := range d.outboxIndex {
		c.outboxIndex[k] = v
	}
	for k, v := range d.inbox {
		c.inbox[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.byAggregate {
		c.byAggregate[k] = append([]int(nil), v...)
	}
	for k, v := range d.summaries {
		c.summaries[k] = v
	}
	for k, v := range d.checkpoints {
		c.checkpoints[k] = v
	}
	return c
}

// Store holds all tables. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex
	d  *data
}

// New returns an empty Store.
func New() *Store {
	return &Store{d: &data{
		sagas:       make(map[uuid.UUID]saga.OrderState),
		outboxIndex: make(map[string]int),
		inbox:       make(map[inboxKey]time.Time),
		requests:    make(map[uuid.UUID]idempotency.ClientRequest),
		byAggregate: make(map[uuid.UUID][]int),
		summaries:   make(map[uuid.UUID]projection.OrderSummary),
		checkpoints: make(map[string]int64),
	}}
}

type txKey struct{}

// WithinTx serializes fn against every other operation on the store and
// restores the previous contents if fn fails. Nested calls join the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	defer func() {
		if p := recover(); p != nil {
			s.d = snapshot
			panic(p)
		}
		if err != nil {
			s.d = snapshot
		}
	}()
	return fn(context.WithValue(ctx, txKey{}, s))
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs one operation, joining the transaction in ctx if there is one.
func (s *Store) do(ctx context.Context, fn func(d *data) error) error {
	if s.inTx(ctx) {
		return fn(s.d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}
