package projection

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"fulfillment/internal/eventlog"
	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"
	"fulfillment/internal/sharding"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Filter selects summaries for listing.
type Filter struct {
	Status string
	Buyer  string
	Limit  int
	Offset int
}

// Store persists summaries and the engine checkpoint. Save and
// SaveCheckpoint are called in one transaction.
type Store interface {
	GetSummary(ctx context.Context, id uuid.UUID) (OrderSummary, bool, error)
	SaveSummaries(ctx context.Context, summaries []OrderSummary) error
	ListSummaries(ctx context.Context, f Filter) ([]OrderSummary, error)
	Checkpoint(ctx context.Context, name string) (int64, error)
	SaveCheckpoint(ctx context.Context, name string, seq int64) error
	// Reset drops every summary and the named checkpoint.
	Reset(ctx context.Context, name string) error
}

// EventReader is the read side of the event log.
type EventReader interface {
	ReadAfter(ctx context.Context, afterSeq int64, limit int) ([]eventlog.Event, error)
	ReadAggregate(ctx context.Context, aggregateID uuid.UUID) ([]eventlog.Event, error)
}

// Transactor runs fn in one atomic unit of work carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier is told about every summary a batch changed, after it is saved.
type Notifier interface {
	SummaryChanged(s OrderSummary)
}

// Config tunes the engine.
type Config struct {
	Name         string
	BatchSize    int
	Workers      int
	CacheSize    int
	PollInterval time.Duration
	Notifier     Notifier
	Metrics      *observability.Metrics
	Logf         func(format string, args ...any)
}

// Engine incrementally maintains summaries from the event log.
type Engine struct {
	events EventReader
	store  Store
	tx     Transactor
	cache  *lru.Cache[uuid.UUID, OrderSummary]
	cfg    Config
}

// NewEngine constructs an Engine.
func NewEngine(events EventReader, store Store, tx Transactor, cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		cfg.Name = "order_summaries"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	cache, err := lru.New[uuid.UUID, OrderSummary](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("projection cache: %w", err)
	}
	return &Engine{events: events, store: store, tx: tx, cache: cache, cfg: cfg}, nil
}

// Run catches up and then polls for new events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.cfg.Logf("projection: %s started batch=%d workers=%d", e.cfg.Name, e.cfg.BatchSize, e.cfg.Workers)
	for {
		if _, err := e.CatchUp(ctx); err != nil && ctx.Err() == nil {
			e.cfg.Logf("projection: %s catch up failed: %v", e.cfg.Name, err)
		}
		if err := reliability.SleepWithContext(ctx, e.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// CatchUp processes batches until the log is exhausted and returns the
// number of events applied.
func (e *Engine) CatchUp(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := e.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < e.cfg.BatchSize {
			return total, nil
		}
	}
}

// ProcessBatch applies the next batch after the checkpoint. Events are split
// by aggregate across workers, so one aggregate is always folded by a single
// worker in log order, and the summaries and checkpoint commit together.
func (e *Engine) ProcessBatch(ctx context.Context) (int, error) {
	from, err := e.store.Checkpoint(ctx, e.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	batch, err := e.events.ReadAfter(ctx, from, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read events after %d: %w", from, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	call := e.cfg.Metrics.Start("projection/batch")
	changed, err := e.fold(ctx, batch)
	if err == nil {
		last := batch[len(batch)-1].Seq
		err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := e.store.SaveSummaries(ctx, changed); err != nil {
				return fmt.Errorf("save summaries: %w", err)
			}
			return e.store.SaveCheckpoint(ctx, e.cfg.Name, last)
		})
		if err == nil {
			e.cfg.Metrics.SetGauge("projection/checkpoint", last)
		}
	}
	call.End(err)
	if err != nil {
		// Cached summaries may be ahead of what was stored.
		e.cache.Purge()
		return 0, err
	}

	for _, s := range changed {
		e.cache.Add(s.ID, s)
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.SummaryChanged(s)
		}
	}
	return len(batch), nil
}

func (e *Engine) fold(ctx context.Context, batch []eventlog.Event) ([]OrderSummary, error) {
	shards := sharding.Partition(batch, e.cfg.Workers, func(ev eventlog.Event) string {
		return ev.AggregateID.String()
	})
	results := make([]map[uuid.UUID]OrderSummary, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		g.Go(func() error {
			out := make(map[uuid.UUID]OrderSummary)
			for _, ev := range shard {
				current, err := e.current(gctx, out, ev.AggregateID)
				if err != nil {
					return err
				}
				next, err := Step(current, ev)
				if err != nil {
					return fmt.Errorf("apply seq=%d order=%s: %w", ev.Seq, ev.AggregateID, err)
				}
				out[ev.AggregateID] = next
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var changed []OrderSummary
	for _, out := range results {
		for _, s := range out {
			changed = append(changed, s)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].LastSeq < changed[j].LastSeq })
	return changed, nil
}

// current returns the latest known summary: this batch first, then the
// cache, then the store.
func (e *Engine) current(ctx context.Context, batch map[uuid.UUID]OrderSummary, id uuid.UUID) (*OrderSummary, error) {
	if s, ok := batch[id]; ok {
		return &s, nil
	}
	if s, ok := e.cache.Get(id); ok {
		return &s, nil
	}
	s, found, err := e.store.GetSummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load summary %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &s, nil
}

// Rebuild discards every summary and replays the log from position zero.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	if err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		return e.store.Reset(ctx, e.cfg.Name)
	}); err != nil {
		return 0, fmt.Errorf("reset projection: %w", err)
	}
	e.cache.Purge()
	e.cfg.Logf("projection: %s rebuilding from position zero", e.cfg.Name)
	return e.CatchUp(ctx)
}

// Verification compares a stored summary with a fresh replay.
type Verification struct {
	Stored   OrderSummary
	Replayed OrderSummary
	Found    bool
	Match    bool
	// Behind is true when the stored summary has not yet seen every event;
	// the engine will catch up, so this is lag rather than divergence.
	Behind bool
}

// Verify replays one aggregate from scratch and compares it with the stored
// summary up to the stored position.
func (e *Engine) Verify(ctx context.Context, id uuid.UUID) (Verification, error) {
	events, err := e.events.ReadAggregate(ctx, id)
	if err != nil {
		return Verification{}, fmt.Errorf("read order %s: %w", id, err)
	}
	stored, found, err := e.store.GetSummary(ctx, id)
	if err != nil {
		return Verification{}, fmt.Errorf("load summary %s: %w", id, err)
	}

	v := Verification{Stored: stored, Found: found}
	if !found {
		v.Behind = len(events) > 0
		v.Match = len(events) == 0
		return v, nil
	}

	upTo := events[:0:0]
	for _, ev := range events {
		if ev.Seq <= stored.LastSeq {
			upTo = append(upTo, ev)
		}
	}
	replayed, _, err := Replay(upTo)
	if err != nil {
		return Verification{}, err
	}
	v.Replayed = replayed
	v.Behind = len(upTo) < len(events)
	v.Match = Equal(stored, replayed)
	return v, nil
}

// Equal compares the fields the fold derives.
func Equal(a, b OrderSummary) bool {
	return a.ID == b.ID &&
		a.Status == b.Status &&
		a.TotalPrice.Equal(b.TotalPrice) &&
		a.Buyer == b.Buyer &&
		a.BasketID == b.BasketID &&
		a.Reason == b.Reason &&
		a.Version == b.Version &&
		a.LastSeq == b.LastSeq &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

// Notifiers fans a change out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) SummaryChanged(s OrderSummary) {
	for _, n := range ns {
		if n != nil {
			n.SummaryChanged(s)
		}
	}
}
