// Package hitl implements the human-in-the-loop broker: pending decision
// requests, single-shot waiters, and deadline expiry.
package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/async"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// ErrNotPending is returned when resolving a request that is unknown or
// already settled.
var ErrNotPending = fmt.Errorf("hitl request is not pending")

// Outcome is what a waiter receives when its request settles.
type Outcome struct {
	Status   workflow.HITLStatus
	Response *workflow.HITLResponse // nil unless Status == resolved
}

// Listener observes request lifecycle changes. The server's websocket feed
// and the event publisher register here.
type Listener func(req workflow.HITLRequest, outcome *Outcome)

type pendingRequest struct {
	req    workflow.HITLRequest
	waiter chan Outcome // buffered, single-shot
}

// Broker tracks pending HITL requests across all workflows. One request has
// exactly one waiter (the suspended stage) and any number of listeners.
type Broker struct {
	logger logging.Logger

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	listeners []Listener

	sweepOnce sync.Once
	stopSweep chan struct{}
}

// NewBroker creates an empty broker.
func NewBroker(logger logging.Logger) *Broker {
	return &Broker{
		logger:    logging.OrNop(logger),
		pending:   make(map[string]*pendingRequest),
		stopSweep: make(chan struct{}),
	}
}

// AddListener registers a lifecycle observer. Listeners are invoked
// synchronously under no lock; they must not call back into the broker's
// resolve path.
func (b *Broker) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Register files a new pending request and returns it with its ID and
// timestamps filled in. The caller then waits on Await.
func (b *Broker) Register(req workflow.HITLRequest) workflow.HITLRequest {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	req.Status = workflow.HITLPending
	req.RequestedAt = time.Now()

	b.mu.Lock()
	b.pending[req.RequestID] = &pendingRequest{
		req:    req,
		waiter: make(chan Outcome, 1),
	}
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	b.logger.Info("hitl request registered: id=%s workflow=%s type=%s", req.RequestID, req.WorkflowID, req.Type)
	for _, l := range listeners {
		l(req, nil)
	}
	return req
}

// Await blocks until the request settles, the context ends, or the request's
// deadline passes. A context cancellation marks the request cancelled so a
// late human response gets ErrNotPending instead of resolving into nothing.
func (b *Broker) Await(ctx context.Context, requestID string) (Outcome, error) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotPending, requestID)
	}

	var deadline <-chan time.Time
	if !p.req.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(p.req.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case outcome := <-p.waiter:
		return outcome, nil
	case <-deadline:
		b.settle(requestID, workflow.HITLExpired, nil)
		return Outcome{Status: workflow.HITLExpired}, nil
	case <-ctx.Done():
		b.settle(requestID, workflow.HITLCancelled, nil)
		return Outcome{}, ctx.Err()
	}
}

// Resolve delivers a human response to a pending request.
func (b *Broker) Resolve(resp workflow.HITLResponse) error {
	if resp.ResolvedAt.IsZero() {
		resp.ResolvedAt = time.Now()
	}
	if !b.settle(resp.RequestID, workflow.HITLResolved, &resp) {
		return fmt.Errorf("%w: %s", ErrNotPending, resp.RequestID)
	}
	return nil
}

// Cancel withdraws a pending request, typically because its workflow was
// cancelled.
func (b *Broker) Cancel(requestID string) error {
	if !b.settle(requestID, workflow.HITLCancelled, nil) {
		return fmt.Errorf("%w: %s", ErrNotPending, requestID)
	}
	return nil
}

// CancelWorkflow withdraws every pending request belonging to a workflow and
// returns how many it settled.
func (b *Broker) CancelWorkflow(workflowID string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.req.WorkflowID == workflowID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.settle(id, workflow.HITLCancelled, nil)
	}
	return len(ids)
}

// settle removes the request, delivers the outcome to its waiter, and
// notifies listeners. Returns false if the request was not pending.
func (b *Broker) settle(requestID string, status workflow.HITLStatus, resp *workflow.HITLResponse) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, requestID)
	p.req.Status = status
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	outcome := Outcome{Status: status, Response: resp}
	p.waiter <- outcome // buffered; never blocks

	b.logger.Info("hitl request settled: id=%s status=%s", requestID, status)
	for _, l := range listeners {
		l(p.req, &outcome)
	}
	return true
}

// Pending lists all pending requests, oldest first. An empty workflowID
// lists across workflows.
func (b *Broker) Pending(workflowID string) []workflow.HITLRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]workflow.HITLRequest, 0, len(b.pending))
	for _, p := range b.pending {
		if workflowID == "" || p.req.WorkflowID == workflowID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Get returns a pending request by ID.
func (b *Broker) Get(requestID string) (workflow.HITLRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return workflow.HITLRequest{}, false
	}
	return p.req, true
}

// StartSweeper expires past-deadline requests in the background. Await
// already handles its own deadline; the sweeper covers requests whose waiter
// died without settling (crashed stage, resumed process).
func (b *Broker) StartSweeper(interval time.Duration) {
	b.sweepOnce.Do(func() {
		async.Go(b.logger, "hitl-sweeper", func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-b.stopSweep:
					return
				case now := <-ticker.C:
					b.expireBefore(now)
				}
			}
		})
	})
}

// StopSweeper halts the background sweeper.
func (b *Broker) StopSweeper() {
	select {
	case <-b.stopSweep:
	default:
		close(b.stopSweep)
	}
}

func (b *Broker) expireBefore(now time.Time) {
	b.mu.Lock()
	var expired []string
	for id, p := range b.pending {
		if !p.req.Deadline.IsZero() && now.After(p.req.Deadline) {
			expired = append(expired, id)
		}
	}
	b.mu.Unlock()

	for _, id := range expired {
		b.settle(id, workflow.HITLExpired, nil)
	}
}
