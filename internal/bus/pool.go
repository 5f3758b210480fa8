package bus

import (
	"context"
	"sync"

	"fulfillment/internal/sharding"
)

type job struct {
	ctx  context.Context
	msg  Message
	done func(error)
}

// keyedPool runs a handler on a fixed number of lanes. Messages with the same
// key always go to the same lane, so they are handled one at a time and in
// arrival order while different keys proceed in parallel.
type keyedPool struct {
	lanes   []chan job
	handler Handler
	wg      sync.WaitGroup
}

func newKeyedPool(size int, h Handler) *keyedPool {
	if size < 1 {
		size = 1
	}
	p := &keyedPool{
		lanes:   make([]chan job, size),
		handler: h,
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan job)
		p.wg.Add(1)
		go p.run(p.lanes[i])
	}
	return p
}

func (p *keyedPool) run(lane chan job) {
	defer p.wg.Done()
	for j := range lane {
		err := p.handler(j.ctx, j.msg)
		if j.done != nil {
			j.done(err)
		}
	}
}

// submit blocks until a lane accepts the message, which gives the reader
// natural backpressure once every lane is busy.
func (p *keyedPool) submit(ctx context.Context, msg Message, done func(error)) error {
	lane := p.lanes[sharding.ShardFor(msg.Key, len(p.lanes))]
	select {
	case lane <- job{ctx: ctx, msg: msg, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work and waits for in-flight handlers.
func (p *keyedPool) close() {
	for _, lane := range p.lanes {
		close(lane)
	}
	p.wg.Wait()
}
