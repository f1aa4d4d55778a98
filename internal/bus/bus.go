// Package bus is the in-process event bus coupling the pipeline stages.
//
// Every topic owns an unbounded FIFO drained by a single dispatcher goroutine, so handlers of a
// topic see events in publish order. Publish never blocks on handlers. Handler errors and panics
// are contained to the failing handler.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/google/uuid"
)

type Event struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	CausalityID string    `json:"causality_id,omitempty"`
}

type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(topic string, payload any)
}

type Subscriber interface {
	Subscribe(topic string, h Handler)
}

// Causal payloads carry the id of the signal that started their chain.
type Causal interface {
	CausalityID() string
}

type delivery struct {
	ev       Event
	handlers []Handler
}

type topicQueue struct {
	name     string
	mu       sync.Mutex
	cond     *sync.Cond
	items    []delivery
	handlers []Handler // copy-on-write
	closed   bool
}

type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicQueue
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64
	now     func() time.Time
}

func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics: make(map[string]*topicQueue),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (b *Bus) topic(name string) *topicQueue {
	q, ok := b.topics[name]
	if ok {
		return q
	}
	q = &topicQueue{name: name}
	q.cond = sync.NewCond(&q.mu)
	b.topics[name] = q
	b.wg.Add(1)
	go b.dispatch(q)
	return q
}

// Subscribe registers h for every event published on topic from now on.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	q := b.topic(topic)
	q.mu.Lock()
	next := make([]Handler, len(q.handlers), len(q.handlers)+1)
	copy(next, q.handlers)
	q.handlers = append(next, h)
	q.mu.Unlock()
}

// Publish enqueues payload for the subscribers registered at this moment.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.now(),
	}
	if c, ok := payload.(Causal); ok {
		ev.CausalityID = c.CausalityID()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.Debug("bus closed, dropping event", "topic", topic, "event_id", ev.ID)
		return
	}
	q := b.topic(topic)
	b.mu.Unlock()

	metrics.BusPublished.WithLabelValues(topic).Inc()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.handlers) == 0 || q.closed {
		return
	}
	b.pending.Add(1)
	q.items = append(q.items, delivery{ev: ev, handlers: q.handlers})
	q.cond.Signal()
}

func (b *Bus) dispatch(q *topicQueue) {
	defer b.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		d := q.items[0]
		q.items[0] = delivery{}
		q.items = q.items[1:]
		q.mu.Unlock()

		for _, h := range d.handlers {
			b.invoke(h, d.ev)
		}
		b.pending.Add(-1)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(ev, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h(b.ctx, ev); err != nil {
		b.reportFailure(ev, err)
	}
}

func (b *Bus) reportFailure(ev Event, err error) {
	metrics.BusHandlerFailures.WithLabelValues(ev.Topic).Inc()
	logger.Warn("bus handler failed",
		"topic", ev.Topic,
		"event_id", ev.ID,
		"causality_id", ev.CausalityID,
		"error", err.Error(),
	)
}

// WaitIdle blocks until every queued event has been handled or ctx is done.
// Work a handler started on its own goroutine is not tracked.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains queued events, stops the dispatchers and cancels the handler context.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := make([]*topicQueue, 0, len(b.topics))
	for _, q := range b.topics {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	b.wg.Wait()
	b.cancel()
}
