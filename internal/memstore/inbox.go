package memstore

import (
	"context"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/inbox"
)

// Claim implements inbox.Store.
func (s *Store) Claim(ctx context.Context, consumer, messageID string, at time.Time) (bool, error) {
	claimed := false
	err := s.do(ctx, func(d *data) error {
		key := inboxKey{consumer: consumer, messageID: messageID}
		if _, exists := d.inbox[key]; exists {
			return nil
		}
		d.inbox[key] = at
		claimed = true
		return nil
	})
	return claimed, err
}

// Park records a message a consumer gave up on.
func (s *Store) Park(ctx context.Context, consumer string, msg bus.Message, reason string, at time.Time) error {
	return s.do(ctx, func(d *data) error {
		d.parked = append(d.parked, inbox.Parked{
			Consumer: consumer,
			Message:  msg.Clone(),
			Reason:   reason,
			ParkedAt: at,
		})
		return nil
	})
}

// ListParkedMessages returns consumer-parked messages, oldest first.
func (s *Store) ListParkedMessages(ctx context.Context, limit int) ([]inbox.Parked, error) {
	var out []inbox.Parked
	err := s.do(ctx, func(d *data) error {
		for _, p := range d.parked {
			if limit > 0 && len(out) >= limit {
				break
			}
			p.Message = p.Message.Clone()
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Reserve implements idempotency.Store. An expired record is replaced.
func (s *Store) Reserve(ctx context.Context, req idempotency.ClientRequest) (bool, error) {
	accepted := false
	err := s.do(ctx, func(d *data) error {
		if existing, ok := d.requests[req.ID]; ok && existing.ExpiresAt.After(req.Time) {
			return nil
		}
		d.requests[req.ID] = req
		accepted = true
		return nil
	})
	return accepted, err
}

// PurgeExpired deletes request records that expired before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.do(ctx, func(d *data) error {
		for id, req := range d.requests {
			if !req.ExpiresAt.After(now) {
				delete(d.requests, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
