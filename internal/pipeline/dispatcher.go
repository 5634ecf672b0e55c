package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds how many messages are handled at once.
const DefaultWorkers = 8

// ErrStopped is returned by Dispatch before Start or after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, in Inbound) error
}

// Dispatcher runs a Handler on a bounded number of goroutines. Messages of
// the same chat are handled one at a time, in arrival order. Dispatch never
// blocks the caller.
type Dispatcher struct {
	handler Handler
	sem     *semaphore.Weighted
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string][]Inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker bound.
func NewDispatcher(h Handler, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		handler: h,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger,
		queues:  make(map[string][]Inbound),
	}
}

// Start sets the context handlers run under.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()
}

// Stop cancels in-flight handlers, drops queued messages and waits.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dispatch queues in behind earlier messages of the same chat.
func (d *Dispatcher) Dispatch(in Inbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return ErrStopped
	}
	q, running := d.queues[in.ChatJID]
	d.queues[in.ChatJID] = append(q, in)
	if !running {
		d.wg.Add(1)
		go d.drain(d.ctx, in.ChatJID)
	}
	return nil
}

// Pending returns how many messages are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// drain handles a chat's queue until it is empty. The head of the queue
// stays in place while it runs so Dispatch sees the chat as busy.
func (d *Dispatcher) drain(ctx context.Context, chat string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[chat]
		if len(q) == 0 || ctx.Err() != nil {
			delete(d.queues, chat)
			d.mu.Unlock()
			return
		}
		in := q[0]
		d.mu.Unlock()

		if err := d.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		if err := d.handler.Handle(ctx, in); err != nil {
			d.logger.Warn("message handler returned error",
				zap.String("msg_id", in.ID),
				zap.Error(err))
		}
		d.sem.Release(1)

		d.mu.Lock()
		d.queues[chat] = d.queues[chat][1:]
		d.mu.Unlock()
	}
}
