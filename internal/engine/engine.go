// Package engine runs workflows: it admits requests, drives the supervisor
// plan through the stage DAG, applies artifacts, and owns every state
// transition. Everything observable leaves through the event bus; everything
// durable goes through the checkpoint and conversation stores.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/agent/ports"
	"maestro/internal/async"
	"maestro/internal/blackboard"
	"maestro/internal/config"
	apperrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/hitl"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/internal/workflow"
	"maestro/internal/workspace"
)

// ErrSessionBusy rejects a second workflow for a session that already has one
// active or queued.
var ErrSessionBusy = fmt.Errorf("session already has an active workflow")

// ErrUnknownWorkflow reports a workflow id with no live run and no checkpoint.
var ErrUnknownWorkflow = fmt.Errorf("unknown workflow")

// cancelGrace is how long Cancel waits for running stages to unwind before
// the terminal event is published anyway.
const cancelGrace = 2 * time.Second

const heartbeatInterval = 15 * time.Second

// Deps collects the engine's collaborators.
type Deps struct {
	Config        config.Config
	Handlers      ports.Registry
	Tools         *tools.Registry
	Workspaces    *workspace.Manager
	Bus           *events.Bus
	Broker        *hitl.Broker
	Conversations *store.Conversations
	Checkpoints   *store.Checkpoints
	Logger        logging.Logger
}

// Engine is the workflow orchestrator. One per process.
type Engine struct {
	cfg           config.Config
	handlers      ports.Registry
	tools         *tools.Registry
	workspaces    *workspace.Manager
	bus           *events.Bus
	broker        *hitl.Broker
	conversations *store.Conversations
	checkpoints   *store.Checkpoints
	logger        logging.Logger

	mu        sync.Mutex
	active    map[string]*run   // workflow id -> admitted run
	bySession map[string]string // session id -> active or queued workflow id
	queue     []*run            // FIFO, waiting for an admission slot
	wg        sync.WaitGroup
	closed    bool
}

// run is the in-memory record for one admitted or queued workflow.
type run struct {
	state *workflow.State
	board *blackboard.Blackboard

	cancel  context.CancelFunc
	done    chan struct{}
	stateMu sync.Mutex

	// activeStages counts wave slots in flight, charged by the scheduler
	// before the wave launches. A stage suspending on a HITL checkpoint
	// leaves the count and waits on stageIdle until its wave siblings
	// settle, so paused_hitl never coexists with a running stage.
	activeStages int
	stageIdle    *sync.Cond

	// artifactBytes accumulates buffered artifact content, charged against
	// the per-workflow memory budget together with shared-context usage.
	artifactBytes int64

	cancelRequested bool
	pauseRequested  bool

	// resumeResponse satisfies the first re-raised HITL checkpoint after a
	// cold resume instead of suspending again.
	resumeResponse *workflow.HITLResponse
	// resumed marks a run restarted from a checkpoint.
	resumed *workflow.ResumeMarker
}

func (r *run) id() string { return r.state.WorkflowID }

func newRun(state *workflow.State) *run {
	r := &run{state: state, done: make(chan struct{})}
	r.stageIdle = sync.NewCond(&r.stateMu)
	return r
}

// exitStage retires one wave slot and wakes any stage waiting to suspend on
// a HITL checkpoint.
func (r *run) exitStage() {
	r.stateMu.Lock()
	r.activeStages--
	r.stateMu.Unlock()
	r.stageIdle.Broadcast()
}

// New wires an engine and installs its snapshot projection on the bus.
func New(deps Deps) *Engine {
	e := &Engine{
		cfg:           deps.Config,
		handlers:      deps.Handlers,
		tools:         deps.Tools,
		workspaces:    deps.Workspaces,
		bus:           deps.Bus,
		broker:        deps.Broker,
		conversations: deps.Conversations,
		checkpoints:   deps.Checkpoints,
		logger:        logging.OrNop(deps.Logger),
		active:        make(map[string]*run),
		bySession:     make(map[string]string),
	}
	e.bus.SetSnapshotProvider(e.Snapshot)
	return e
}

// Submit validates and admits a workflow request. The returned id is live
// immediately; if every slot is taken the workflow is queued FIFO and a
// workflow_queued event carries its position.
func (e *Engine) Submit(req workflow.Request) (string, error) {
	if req.SessionID == "" {
		return "", apperrors.NewPermanentError(fmt.Errorf("missing session_id"), "request needs a session id")
	}
	if req.UserMessage == "" {
		return "", apperrors.NewPermanentError(fmt.Errorf("missing user_message"), "request needs a user message")
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.New().String()
	}

	now := time.Now()
	state := &workflow.State{
		WorkflowID:  req.WorkflowID,
		SessionID:   req.SessionID,
		Phase:       workflow.PhaseCreated,
		Request:     req,
		StageStates: map[string]*workflow.StageState{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r := newRun(state)
	r.board = e.newBoard(r)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("engine is shutting down")
	}
	if holder, busy := e.bySession[req.SessionID]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: session %s is running workflow %s", ErrSessionBusy, req.SessionID, holder)
	}
	e.bySession[req.SessionID] = req.WorkflowID

	admitted := len(e.active) < e.cfg.MaxActiveWorkflows
	pos := 0
	if admitted {
		e.active[req.WorkflowID] = r
	} else {
		e.queue = append(e.queue, r)
		pos = len(e.queue)
	}
	e.mu.Unlock()

	e.publish(r, workflow.Event{Type: workflow.EventWorkflowCreated, WorkflowID: req.WorkflowID, SessionID: req.SessionID})

	if !admitted {
		e.publish(r, workflow.Event{
			Type: workflow.EventWorkflowQueued, WorkflowID: req.WorkflowID, SessionID: req.SessionID,
			QueuePosition: pos,
		})
		e.logger.Info("workflow %s queued at position %d", req.WorkflowID, pos)
		return req.WorkflowID, nil
	}

	e.start(r)
	return req.WorkflowID, nil
}

// start launches the run loop. The run must already hold its admission slot.
func (e *Engine) start(r *run) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	e.wg.Add(1)
	async.Go(e.logger, "workflow-"+r.id(), func() {
		defer e.wg.Done()
		e.runWorkflow(ctx, r)
	})
}

// finish releases the run's slot and admits the queue head.
func (e *Engine) finish(r *run) {
	close(r.done)
	e.mu.Lock()
	delete(e.active, r.id())
	if e.bySession[r.state.SessionID] == r.id() {
		delete(e.bySession, r.state.SessionID)
	}
	var next *run
	if len(e.queue) > 0 && !e.closed {
		next = e.queue[0]
		e.queue = e.queue[1:]
		e.active[next.id()] = next
	}
	e.mu.Unlock()

	if next != nil {
		e.logger.Info("workflow %s admitted from queue", next.id())
		e.start(next)
	}
}

// Cancel requests cancellation. The run gets a short grace period to unwind;
// the call returns once the workflow reached a terminal phase or the grace
// period elapsed.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	r, ok := e.active[workflowID]
	if !ok {
		// A queued workflow cancels immediately.
		for i, queued := range e.queue {
			if queued.id() == workflowID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				delete(e.bySession, queued.state.SessionID)
				e.mu.Unlock()
				e.terminate(queued, workflow.PhaseCancelled, "cancelled while queued")
				close(queued.done)
				return nil
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	e.mu.Unlock()

	r.stateMu.Lock()
	r.cancelRequested = true
	r.stateMu.Unlock()
	r.cancel()
	e.broker.CancelWorkflow(workflowID)

	select {
	case <-r.done:
	case <-time.After(cancelGrace):
		e.logger.Warn("workflow %s did not unwind within the cancel grace period", workflowID)
	}
	return nil
}

// Pause requests a user pause at the next stage boundary. Only valid for a
// running workflow and only when the pause feature is enabled.
func (e *Engine) Pause(workflowID string) error {
	if !e.cfg.EnablePauseButton {
		return apperrors.NewPermanentError(fmt.Errorf("pause disabled"), "pause is not enabled on this server")
	}
	e.mu.Lock()
	r, ok := e.active[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.Phase != workflow.PhaseRunning && r.state.Phase != workflow.PhasePlanning {
		return apperrors.NewPermanentError(
			fmt.Errorf("phase %s", r.state.Phase), "workflow is not in a pausable phase")
	}
	r.pauseRequested = true
	return nil
}

// Resume restarts a paused workflow from its checkpoint. An optional response
// answers the pending HITL request of a workflow paused on a checkpoint.
func (e *Engine) Resume(workflowID string, resp *workflow.HITLResponse) error {
	e.mu.Lock()
	if _, live := e.active[workflowID]; live {
		e.mu.Unlock()
		return apperrors.NewPermanentError(fmt.Errorf("workflow %s is live", workflowID), "workflow is already running")
	}
	e.mu.Unlock()

	state, err := e.checkpoints.Load(workflowID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownWorkflow, err)
	}
	if state.Phase.Terminal() {
		return apperrors.NewPermanentError(
			fmt.Errorf("phase %s", state.Phase), "workflow already finished")
	}

	board, err := blackboard.Restore(workflowID, e.boardConfig(), e.logger, state.Context, state.AccessLog)
	if err != nil {
		return err
	}

	// Non-terminal stages restart from scratch; completed work is kept.
	for id, ss := range state.StageStates {
		if !ss.Status.Terminal() {
			state.StageStates[id] = &workflow.StageState{Status: workflow.StagePending, Attempts: ss.Attempts}
		}
	}

	r := newRun(state)
	r.board = board
	r.resumeResponse = resp
	e.wireBoard(r)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is shutting down")
	}
	if holder, busy := e.bySession[state.SessionID]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s is running workflow %s", ErrSessionBusy, state.SessionID, holder)
	}
	e.bySession[state.SessionID] = workflowID
	e.active[workflowID] = r
	e.mu.Unlock()

	e.bus.RestoreSeq(workflowID, state.Cursor)

	marker := &workflow.ResumeMarker{Seq: state.Cursor}
	if state.PendingHITL != nil {
		marker.StageID = state.PendingHITL.StageID
	}
	if resp != nil {
		marker.Feedback = resp.Feedback
	}
	r.resumed = marker

	e.start(r)
	e.logger.Info("workflow %s resuming from cursor %d", workflowID, state.Cursor)
	return nil
}

// Status returns the current state projection for a live or checkpointed
// workflow.
func (e *Engine) Status(workflowID string) (*workflow.State, error) {
	if state := e.Snapshot(workflowID); state != nil {
		return state, nil
	}
	state, err := e.checkpoints.Load(workflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return state, nil
}

// Snapshot projects a live run's state; nil when the workflow is not live.
// Installed on the bus as its SnapshotProvider.
func (e *Engine) Snapshot(workflowID string) *workflow.State {
	e.mu.Lock()
	r, ok := e.active[workflowID]
	if !ok {
		for _, queued := range e.queue {
			if queued.id() == workflowID {
				r = queued
				ok = true
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	state := r.state.Clone()
	state.Context = r.board.Snapshot()
	state.AccessLog = r.board.AccessLog()
	return state
}

// ActiveCount reports admitted (not queued) workflows.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// QueueDepth reports workflows waiting for a slot.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Shutdown stops admission, cancels live runs and waits for them to unwind.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		live = append(live, r)
	}
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, r := range queued {
		e.terminate(r, workflow.PhaseCancelled, "server shutting down")
		close(r.done)
	}
	for _, r := range live {
		r.stateMu.Lock()
		r.cancelRequested = true
		r.stateMu.Unlock()
		r.cancel()
	}

	done := make(chan struct{})
	async.Go(e.logger, "engine-shutdown-wait", func() {
		e.wg.Wait()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish stamps and emits one event, advancing the run's cursor.
func (e *Engine) publish(r *run, event workflow.Event) {
	if event.SessionID == "" {
		event.SessionID = r.state.SessionID
	}
	seq := e.bus.Publish(event)
	r.stateMu.Lock()
	if seq > r.state.Cursor {
		r.state.Cursor = seq
	}
	r.stateMu.Unlock()
}

func (e *Engine) boardConfig() blackboard.Config {
	return blackboard.Config{MaxEntries: e.cfg.ContextMaxEntries, MaxBytes: e.cfg.ContextMaxBytes}
}

func (e *Engine) newBoard(r *run) *blackboard.Blackboard {
	b := blackboard.New(r.state.WorkflowID, e.boardConfig(), e.logger)
	r.board = b
	e.wireBoard(r)
	return b
}

func (e *Engine) wireBoard(r *run) {
	r.board.OnUpdate(func(entry workflow.ContextEntry) {
		e.publish(r, workflow.Event{
			Type:       workflow.EventContextUpdated,
			WorkflowID: r.state.WorkflowID,
			StageID:    entry.AgentID,
			Role:       entry.AgentRole,
			ContextKey: entry.Key,
		})
	})
}
