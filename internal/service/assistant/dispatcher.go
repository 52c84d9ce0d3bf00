package assistant

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DefaultWorkers bounds concurrent cycles when no size is configured.
const DefaultWorkers = 8

type job struct {
	event   chat.InboundEvent
	replier Replier
}

// Dispatcher runs cycles on a bounded worker pool. Events of one
// conversation are handled one at a time in arrival order; different
// conversations proceed concurrently.
type Dispatcher struct {
	ctx      context.Context
	pipeline *Pipeline
	workers  *pool.Pool
	logger   zerolog.Logger

	mu      sync.Mutex
	queues  map[chat.ConversationID][]job
	closed  bool
	pending sync.WaitGroup
}

// NewDispatcher returns a dispatcher whose cycles run under ctx.
func NewDispatcher(ctx context.Context, pipeline *Pipeline, workers int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		ctx:      ctx,
		pipeline: pipeline,
		workers:  pool.New().WithMaxGoroutines(workers),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		queues:   make(map[chat.ConversationID][]job),
	}
}

// Dispatch queues event for handling and returns without waiting for the
// answer. It may block while every worker is busy.
func (d *Dispatcher) Dispatch(event chat.InboundEvent, replier Replier) error {
	id, err := event.ConversationID()
	if err != nil {
		d.logger.Warn().Err(err).Str("source", event.Source).Msg("dropping event")
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	queue, active := d.queues[id]
	d.queues[id] = append(queue, job{event: event, replier: replier})
	if active {
		d.mu.Unlock()
		return nil
	}
	d.pending.Add(1)
	d.mu.Unlock()

	// Go blocks while the pool is saturated, so it must run without mu held.
	d.workers.Go(func() { d.drain(id) })
	d.pending.Done()
	return nil
}

// Close stops accepting events and waits for queued cycles to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()
	d.workers.Wait()
}

// drain owns the queue of id until it is empty.
func (d *Dispatcher) drain(id chat.ConversationID) {
	for {
		d.mu.Lock()
		queue := d.queues[id]
		if len(queue) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.queues[id] = queue[1:]
		d.mu.Unlock()

		d.run(next)
	}
}

func (d *Dispatcher) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("channel", j.event.Channel).Msg("recovered from panic while handling event")
		}
	}()

	// errors are already logged by the pipeline
	_, _ = d.pipeline.Handle(d.ctx, j.event, j.replier)
}
