package memstore

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/outbox"
)

// Outbox returns the outbox.Store view.
func (s *Store) Outbox() outbox.Store { return outboxStore{s} }

type outboxStore struct{ s *Store }

func (v outboxStore) Enqueue(ctx context.Context, msgs ...bus.Message) error {
	return v.s.do(ctx, func(d *data) error {
		for _, msg := range msgs {
			if _, exists := d.outboxIndex[msg.ID]; exists {
				return fmt.Errorf("outbox: duplicate message id %s", msg.ID)
			}
		}
		for _, msg := range msgs {
			d.outboxSeq++
			d.outboxIndex[msg.ID] = len(d.outbox)
			d.outbox = append(d.outbox, outboxRow{
				seq:           d.outboxSeq,
				msg:           msg.Clone(),
				status:        string(outbox.StatusPending),
				nextAttemptAt: msg.CreatedAt,
			})
		}
		return nil
	})
}

func leasable(r outboxRow, now time.Time) bool {
	return r.status == string(outbox.StatusPending) &&
		!r.nextAttemptAt.After(now) &&
		(r.leaseOwner == "" || !r.leaseUntil.After(now))
}

func (v outboxStore) Lease(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]outbox.Record, error) {
	var out []outbox.Record
	err := v.s.do(ctx, func(d *data) error {
		// A key with an earlier pending row that cannot be leased now stays
		// blocked so its messages keep their order.
		blocked := make(map[string]bool)
		for i := range d.outbox {
			if len(out) >= limit {
				break
			}
			r := &d.outbox[i]
			if r.status != string(outbox.StatusPending) {
				continue
			}
			if blocked[r.msg.Key] || !leasable(*r, now) {
				blocked[r.msg.Key] = true
				continue
			}
			r.leaseOwner = owner
			r.leaseUntil = leaseUntil
			out = append(out, toRecord(*r))
		}
		return nil
	})
	return out, err
}

func (v outboxStore) held(d *data, id, owner string) (*outboxRow, error) {
	idx, ok := d.outboxIndex[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	r := &d.outbox[idx]
	if r.leaseOwner != owner || r.status != string(outbox.StatusPending) {
		return nil, fmt.Errorf("%w: %s not leased by %s", outbox.ErrNotFound, id, owner)
	}
	return r, nil
}

func (v outboxStore) MarkDelivered(ctx context.Context, id, owner string, at time.Time) error {
	return v.s.do(ctx, func(d *data) error {
		r, err := v.held(d, id, owner)
		if err != nil {
			return err
		}
		r.status = string(outbox.StatusDelivered)
		r.deliveredAt = &at
		r.leaseOwner = ""
		return nil
	})
}

func (v outboxStore) MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string) error {
	return v.s.do(ctx, func(d *data) error {
		r, err := v.held(d, id, owner)
		if err != nil {
			return err
		}
		r.attempts = attempts
		r.nextAttemptAt = next
		r.lastError = lastErr
		r.leaseOwner = ""
		return nil
	})
}

func (v outboxStore) Release(ctx context.Context, id, owner string) error {
	return v.s.do(ctx, func(d *data) error {
		r, err := v.held(d, id, owner)
		if err != nil {
			return err
		}
		r.leaseOwner = ""
		return nil
	})
}

func (v outboxStore) Park(ctx context.Context, id, owner string, attempts int, reason string) error {
	return v.s.do(ctx, func(d *data) error {
		r, err := v.held(d, id, owner)
		if err != nil {
			return err
		}
		r.status = string(outbox.StatusParked)
		r.attempts = attempts
		r.lastError = reason
		r.leaseOwner = ""
		return nil
	})
}

func (v outboxStore) ListParked(ctx context.Context, limit int) ([]outbox.Record, error) {
	var out []outbox.Record
	err := v.s.do(ctx, func(d *data) error {
		for _, r := range d.outbox {
			if limit > 0 && len(out) >= limit {
				break
			}
			if r.status == string(outbox.StatusParked) {
				out = append(out, toRecord(r))
			}
		}
		return nil
	})
	return out, err
}

func (v outboxStore) Requeue(ctx context.Context, id string, at time.Time) error {
	return v.s.do(ctx, func(d *data) error {
		idx, ok := d.outboxIndex[id]
		if !ok || d.outbox[idx].status != string(outbox.StatusParked) {
			return outbox.ErrNotFound
		}
		r := &d.outbox[idx]
		r.status = string(outbox.StatusPending)
		r.attempts = 0
		r.nextAttemptAt = at
		r.lastError = ""
		return nil
	})
}

func (v outboxStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := v.s.do(ctx, func(d *data) error {
		for _, r := range d.outbox {
			if r.status == string(outbox.StatusPending) {
				n++
			}
		}
		return nil
	})
	return n, err
}

func toRecord(r outboxRow) outbox.Record {
	return outbox.Record{
		Message:       r.msg.Clone(),
		Status:        outbox.Status(r.status),
		Attempts:      r.attempts,
		NextAttemptAt: r.nextAttemptAt,
		LastError:     r.lastError,
		DeliveredAt:   r.deliveredAt,
	}
}
