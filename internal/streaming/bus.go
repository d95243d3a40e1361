package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/metrics"
	"github.com/patentflow/orchestrator/internal/models"
)

// DefaultRingCapacity bounds per-workflow replay history.
const DefaultRingCapacity = 256

// Mirror receives every published event best-effort. Implementations
// must not block.
type Mirror interface {
	Append(evt models.StatusEvent)
}

// Bus is the per-workflow pub/sub channel for status events. The state
// machine is the sole producer per workflow, so delivery order equals
// emission order. Slow subscribers are dropped-from, not waited on.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan models.StatusEvent]struct{}
	// per-workflow ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	mirror   Mirror
	logger   *zap.Logger
}

func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]map[chan models.StatusEvent]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// AttachMirror wires an optional external mirror (Redis Streams).
func (b *Bus) AttachMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe adds a subscriber channel for workflowID; the caller must
// drain it and call Unsubscribe.
func (b *Bus) Subscribe(workflowID string, buffer int) chan models.StatusEvent {
	ch := make(chan models.StatusEvent, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan models.StatusEvent]struct{})
		b.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	metrics.SubscriberCount.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (b *Bus) Unsubscribe(workflowID string, ch chan models.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[workflowID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
			metrics.SubscriberCount.Dec()
		}
		if len(subs) == 0 {
			delete(b.subscribers, workflowID)
		}
	}
}

// Publish assigns the next per-workflow sequence number and fans the
// event out without blocking. Events to full subscriber channels are
// dropped; the ring retains them for replay. The lock is held through
// the fan-out: sends are non-blocking, and Unsubscribe closes channels
// under the same lock, so no send can hit a closed channel.
func (b *Bus) Publish(evt models.StatusEvent) {
	b.mu.Lock()
	rg := b.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[evt.WorkflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	if b.mirror != nil {
		b.mirror.Append(evt)
	}
	for ch := range b.subscribers[evt.WorkflowID] {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.Inc()
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity.
func (b *Bus) ReplaySince(workflowID string, since uint64) []models.StatusEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a workflow; called on delete.
func (b *Bus) Forget(workflowID string) {
	b.mu.Lock()
	delete(b.history, workflowID)
	b.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []models.StatusEvent
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]models.StatusEvent, capacity)} }

func (r *ring) push(e models.StatusEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []models.StatusEvent {
	if r.count == 0 {
		return nil
	}
	out := make([]models.StatusEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
