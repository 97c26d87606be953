// Package events implements the in-process event bus: monotonic per-workflow
// sequences, bounded subscriber buffers, and drop-with-resync semantics for
// slow consumers.
package events

import (
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 256
	// historySize is how many events per workflow are retained for replay.
	historySize = 1000
	// criticalRetryDelay is how long a publisher waits before retrying
	// delivery of a critical event into a full subscriber buffer.
	criticalRetryDelay = 100 * time.Millisecond
	criticalRetries    = 3
)

// SnapshotProvider returns the current projected state of a workflow. The
// bus calls it when building a resync event for a subscriber that dropped.
type SnapshotProvider func(workflowID string) *workflow.State

// Subscription is one consumer's handle. Events arrives in publish order;
// after an overflow the next event on the channel is a dropped marker
// followed by a state snapshot.
type Subscription struct {
	Events <-chan workflow.Event

	bus    *Bus
	ch     chan workflow.Event
	filter func(workflow.Event) bool

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Dropped reports how many events this subscriber has lost in total.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus fans events out to subscribers. Publish never blocks the engine: a
// subscriber that cannot keep up loses events and is resynced with a
// snapshot, except critical events which get a short bounded retry.
type Bus struct {
	logger   logging.Logger
	bufSize  int
	snapshot SnapshotProvider

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	workflowSeq map[string]uint64
	sessionSeq  map[string]uint64
	history     map[string][]workflow.Event
}

// NewBus creates a bus with the given subscriber buffer size.
func NewBus(bufSize int, logger logging.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &Bus{
		logger:      logging.OrNop(logger),
		bufSize:     bufSize,
		subscribers: make(map[*Subscription]struct{}),
		workflowSeq: make(map[string]uint64),
		sessionSeq:  make(map[string]uint64),
		history:     make(map[string][]workflow.Event),
	}
}

// SetSnapshotProvider wires the engine's state projection in. Without one,
// resync events carry only the dropped count.
func (b *Bus) SetSnapshotProvider(p SnapshotProvider) {
	b.mu.Lock()
	b.snapshot = p
	b.mu.Unlock()
}

// SubscribeWorkflow delivers events for one workflow.
func (b *Bus) SubscribeWorkflow(workflowID string) *Subscription {
	return b.subscribe(func(e workflow.Event) bool { return e.WorkflowID == workflowID })
}

// SubscribeSession delivers events for every workflow in a session.
func (b *Bus) SubscribeSession(sessionID string) *Subscription {
	return b.subscribe(func(e workflow.Event) bool { return e.SessionID == sessionID })
}

// SubscribeAll delivers every event. Used by the websocket HITL feed and the
// metrics recorder.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe(func(workflow.Event) bool { return true })
}

func (b *Bus) subscribe(filter func(workflow.Event) bool) *Subscription {
	sub := &Subscription{
		bus:    b,
		ch:     make(chan workflow.Event, b.bufSize),
		filter: filter,
	}
	sub.Events = sub.ch

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish stamps the event with its sequence numbers and timestamp, records
// it in the history ring, and fans it out. It returns the assigned workflow
// sequence number.
func (b *Bus) Publish(event workflow.Event) uint64 {
	b.mu.Lock()
	b.workflowSeq[event.WorkflowID]++
	event.Seq = b.workflowSeq[event.WorkflowID]
	if event.SessionID != "" {
		b.sessionSeq[event.SessionID]++
		event.SessionSeq = b.sessionSeq[event.SessionID]
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ring := append(b.history[event.WorkflowID], event)
	if len(ring) > historySize {
		ring = ring[len(ring)-historySize:]
	}
	b.history[event.WorkflowID] = ring

	subs := make([]*Subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		if sub.filter(event) {
			subs = append(subs, sub)
		}
	}
	snapshot := b.snapshot
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event, snapshot)
	}
	return event.Seq
}

func (b *Bus) deliver(sub *Subscription, event workflow.Event, snapshot SnapshotProvider) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}

	// A subscriber that previously dropped gets a marker and snapshot before
	// the stream continues, so consumers can detect the gap and resync.
	if sub.dropped > 0 && len(sub.ch) <= cap(sub.ch)-3 {
		marker := workflow.Event{
			Type:       workflow.EventDropped,
			WorkflowID: event.WorkflowID,
			SessionID:  event.SessionID,
			Timestamp:  time.Now(),
			Dropped:    sub.dropped,
		}
		sub.ch <- marker
		if snapshot != nil {
			if state := snapshot(event.WorkflowID); state != nil {
				sub.ch <- workflow.Event{
					Type:       workflow.EventSnapshot,
					WorkflowID: event.WorkflowID,
					SessionID:  event.SessionID,
					Timestamp:  time.Now(),
					Snapshot:   state,
				}
			}
		}
		sub.dropped = 0
	}

	select {
	case sub.ch <- event:
		sub.mu.Unlock()
		return
	default:
	}

	if !event.Type.Critical() {
		sub.dropped++
		sub.mu.Unlock()
		b.logger.Warn("subscriber buffer full, dropping %s event for workflow %s", event.Type, event.WorkflowID)
		return
	}
	sub.mu.Unlock()

	// Critical events get a short bounded retry so pause/terminal signals are
	// not lost to a momentarily full buffer.
	for i := 0; i < criticalRetries; i++ {
		time.Sleep(criticalRetryDelay)
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		select {
		case sub.ch <- event:
			sub.mu.Unlock()
			return
		default:
		}
		sub.mu.Unlock()
	}

	sub.mu.Lock()
	sub.dropped++
	sub.mu.Unlock()
	b.logger.Error("failed to deliver critical %s event for workflow %s after retries", event.Type, event.WorkflowID)
}

// History returns retained events for a workflow with Seq > sinceSeq, oldest
// first. The ring holds the most recent events only; a consumer asking for a
// sequence that scrolled out gets what remains.
func (b *Bus) History(workflowID string, sinceSeq uint64) []workflow.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.history[workflowID]
	out := make([]workflow.Event, 0, len(ring))
	for _, e := range ring {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// CurrentSeq returns the last sequence number assigned for a workflow.
func (b *Bus) CurrentSeq(workflowID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflowSeq[workflowID]
}

// RestoreSeq seeds the sequence counter for a resumed workflow so new events
// continue the checkpointed numbering without gaps or reuse.
func (b *Bus) RestoreSeq(workflowID string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workflowSeq[workflowID] < seq {
		b.workflowSeq[workflowID] = seq
	}
}

// Forget releases per-workflow bookkeeping once a terminal workflow's events
// no longer need replaying.
func (b *Bus) Forget(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, workflowID)
	delete(b.workflowSeq, workflowID)
}
