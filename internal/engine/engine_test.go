package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/agent/handlers"
	"maestro/internal/agent/ports"
	"maestro/internal/config"
	apperrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/hitl"
	"maestro/internal/llm"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/internal/tools/builtin"
	"maestro/internal/workflow"
	"maestro/internal/workspace"
)

const waitTimeout = 10 * time.Second

type testEnv struct {
	engine        *Engine
	bus           *events.Bus
	broker        *hitl.Broker
	workspaces    *workspace.Manager
	conversations *store.Conversations
	checkpoints   *store.Checkpoints
	mock          *llm.MockClient
	cfg           config.Config
}

func newEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.StageTimeout = 10 * time.Second
	cfg.WorkflowDeadline = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, nil)
	require.NoError(t, err)
	conversations, err := store.NewConversations(cfg.DataDir, store.ConversationsOptions{}, nil)
	require.NoError(t, err)
	checkpoints, err := store.NewCheckpoints(cfg.DataDir, nil)
	require.NoError(t, err)

	registry := tools.NewRegistry(tools.NewModeCell(cfg.NetworkMode), nil)
	require.NoError(t, builtin.RegisterAll(registry, builtin.Deps{Workspaces: ws}))

	mock := llm.NewMockClient()
	bus := events.NewBus(cfg.SubscriberBuffer, nil)
	broker := hitl.NewBroker(nil)

	env := &testEnv{
		bus: bus, broker: broker, workspaces: ws,
		conversations: conversations, checkpoints: checkpoints, mock: mock, cfg: cfg,
	}
	env.engine = New(Deps{
		Config: cfg,
		Handlers: handlers.NewRegistry(mock, handlers.Options{
			AllowQuestions: cfg.EnableDynamicHITL,
			StageDefaults:  handlers.StageDefaults{MaxRetries: cfg.MaxRetries, Timeout: cfg.StageTimeout},
		}, nil),
		Tools: registry, Workspaces: ws, Bus: bus, Broker: broker,
		Conversations: conversations, Checkpoints: checkpoints,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.engine.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) swapHandler(role workflow.AgentRole, h ports.Handler) {
	env.engine.handlers[role] = h
}

// collect drains events until a terminal-ish marker type arrives.
func collect(t *testing.T, sub *events.Subscription, until ...workflow.EventType) []workflow.Event {
	t.Helper()
	stop := map[workflow.EventType]bool{}
	for _, u := range until {
		stop[u] = true
	}
	var out []workflow.Event
	deadline := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, e)
			if stop[e.Type] {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v; got %d events: %v", until, len(out), eventTypes(out))
		}
	}
}

func eventTypes(evts []workflow.Event) []workflow.EventType {
	out := make([]workflow.EventType, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func indexOf(evts []workflow.Event, typ workflow.EventType) int {
	for i, e := range evts {
		if e.Type == typ {
			return i
		}
	}
	return -1
}

// scriptCalculator wires the standard three stage coding flow.
func scriptCalculator(mock *llm.MockClient) {
	mock.Respond("Conversation so far", `{"mode": "plan", "summary": "write the calculator", "stages": [
		{"id": "code", "role": "coder"},
		{"id": "review", "role": "reviewer", "depends_on": ["code"]},
		{"id": "summarize", "role": "aggregator", "depends_on": ["review"]}
	]}`)
	mock.Respond("Context:", `{"artifacts": [
		{"relative_path": "calculator.py", "language": "python", "action": "created",
		 "content": "def add(a, b):\n    return a + b\n\n\ndef divide(a, b):\n    if b == 0:\n        raise ValueError(\"division by zero\")\n    return a / b\n"},
		{"relative_path": "test_calculator.py", "language": "python", "action": "created",
		 "content": "from calculator import add\n\n\ndef test_add():\n    assert add(1, 2) == 3\n"}
	], "notes": "calculator written"}`)
	mock.Respond("Artifacts:", `{"issues": [], "suggestions": [], "needs_refine": false}`)
	mock.Respond("Stage outputs", "Created calculator.py with add and divide plus a test file.")
}

func TestWorkflowHappyPath(t *testing.T) {
	env := newEnv(t, nil)
	scriptCalculator(env.mock)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "Create a Python calculator"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	// Lifecycle ordering.
	created := indexOf(evts, workflow.EventWorkflowCreated)
	started := indexOf(evts, workflow.EventWorkflowStarted)
	planReady := indexOf(evts, workflow.EventPlanReady)
	firstStage := indexOf(evts, workflow.EventStageStarted)
	require.True(t, created >= 0 && created < started)
	require.True(t, started < planReady || planReady > 0)
	require.True(t, firstStage > created)

	// Gapless monotonic workflow sequence.
	var last uint64
	for _, e := range evts {
		if e.WorkflowID != id {
			continue
		}
		require.Equal(t, last+1, e.Seq, "gap at %s", e.Type)
		last = e.Seq
	}

	// Artifacts landed in the workspace.
	dir, ok := env.workspaces.Dir("s1")
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(dir, "calculator.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def add")

	// Conversation durability: user message, assistant summary, artifacts.
	conv, err := env.conversations.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Len(t, conv.Artifacts, 2)
	require.Len(t, conv.Workflows, 1)
	assert.Equal(t, workflow.PhaseCompleted, conv.Workflows[0].Phase)

	// artifact_applied precedes the owning stage_completed.
	applied := indexOf(evts, workflow.EventArtifactApplied)
	require.True(t, applied >= 0)
	codeCompleted := -1
	for i, e := range evts {
		if e.Type == workflow.EventStageCompleted && e.StageID == "code" {
			codeCompleted = i
		}
	}
	require.True(t, applied < codeCompleted)

	// Terminal checkpoint.
	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCompleted, state.Phase)
	assert.Equal(t, workflow.StageCompleted, state.StageStates["code"].Status)
}

func TestQuickQASkipsStages(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "quick_qa", "answer": "2 + 2 is 4."}`)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	_, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "what is 2+2?"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	assert.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type)
	assert.Equal(t, -1, indexOf(evts, workflow.EventPlanReady))

	chunk := indexOf(evts, workflow.EventStageStreamChunk)
	require.True(t, chunk >= 0)
	assert.Contains(t, evts[chunk].Delta, "4")

	conv, err := env.conversations.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "2 + 2 is 4.", conv.Messages[1].Content)
}

func TestModifyExistingFileCleansBackupOnCompletion(t *testing.T) {
	env := newEnv(t, nil)

	// Bind the workspace up front and seed the file the coder will modify.
	dir, err := env.workspaces.Ensure("s1", "hints")
	require.NoError(t, err)
	original := "def f(x):\n    return x\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "utils.py"), []byte(original), 0o644))

	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "add type hints", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	env.mock.Respond("Tool results", `{"artifacts": [
		{"relative_path": "utils.py", "action": "modified",
		 "content": "def f(x: int) -> int:\n    return x\n"}
	], "notes": "typed"}`)
	env.mock.Respond("Context:", `{"inspect": [{"tool": "read_file", "path": "utils.py"}]}`)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	_, err = env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "Add type hints to utils.py"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	assert.True(t, indexOf(evts, workflow.EventToolInvoked) >= 0)

	data, err := os.ReadFile(filepath.Join(dir, "utils.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "x: int")

	// The rollback backup existed during the run but completion sweeps it.
	_, err = os.Stat(filepath.Join(dir, "utils.py.bak"))
	assert.True(t, os.IsNotExist(err), "backup should be cleaned once the workflow completes")
}

func TestRefinementLoopClearsVerdict(t *testing.T) {
	env := newEnv(t, nil)

	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "fix it", "stages": [
		{"id": "code", "role": "coder"},
		{"id": "review", "role": "reviewer", "depends_on": ["code"]}
	]}`)
	env.mock.Respond("Context:", `{"artifacts": [
		{"relative_path": "calc.py", "action": "created", "content": "BROKEN_DIV = 1/0\n"}
	], "notes": "first pass"}`)
	env.mock.Respond("Issues to address", `{"artifacts": [
		{"relative_path": "calc.py", "action": "modified", "content": "CLEAN_DIV = None\n"}
	], "notes": "guarded"}`)
	// Recheck sees the refined content; register the passing rule first.
	env.mock.Respond("CLEAN_DIV", `{"issues": [], "needs_refine": false}`)
	env.mock.Respond("Artifacts:", `{"issues": [
		{"severity": "error", "path": "calc.py", "message": "division by zero at import"}
	], "needs_refine": true}`)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "Write division helpers"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	var stageIDs []string
	for _, e := range evts {
		if e.Type == workflow.EventStageStarted {
			stageIDs = append(stageIDs, e.StageID)
		}
	}
	assert.Contains(t, stageIDs, "review.refine1")
	assert.Contains(t, stageIDs, "review.check1")

	// The refined content is what landed on disk.
	dir, _ := env.workspaces.Dir("s1")
	data, err := os.ReadFile(filepath.Join(dir, "calc.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "CLEAN_DIV")

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Refinements)
}

func TestSupervisorQuestionPausesAndResumes(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.EnableDynamicHITL = true })

	env.mock.Respond("calc-api", `{"mode": "plan", "summary": "named project", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	env.mock.Respond("Conversation so far", `{"mode": "question", "title": "Project Name", "description": "What should the project be called?"}`)
	env.mock.Respond("Context:", `{"artifacts": [
		{"relative_path": "app.py", "action": "created", "content": "APP = \"calc-api\"\n"}
	], "notes": "scaffolded"}`)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "build me an api"})
	require.NoError(t, err)

	// Wait for the checkpoint, answer it.
	pre := collect(t, sub, workflow.EventHITLRequested)
	request := *pre[len(pre)-1].HITL
	assert.Equal(t, workflow.CheckpointQuestion, request.Type)
	assert.Equal(t, "Project Name", request.Title)

	pending := env.broker.Pending(id)
	require.Len(t, pending, 1)

	require.NoError(t, env.broker.Resolve(workflow.HITLResponse{
		RequestID: request.RequestID, Action: workflow.HITLApprove, Feedback: "calc-api",
	}))

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	// paused -> resolved -> resumed -> plan_ready ordering.
	paused := indexOf(evts, workflow.EventWorkflowPaused)
	resolved := indexOf(evts, workflow.EventHITLResolved)
	resumed := indexOf(evts, workflow.EventWorkflowResumed)
	planReady := indexOf(evts, workflow.EventPlanReady)
	if paused >= 0 {
		require.True(t, paused < resolved)
	}
	require.True(t, resolved < resumed && resumed < planReady, "types: %v", eventTypes(evts))
}

func TestArtifactApprovalCarriesDiffPreview(t *testing.T) {
	env := newEnv(t, nil)

	// Seed the workspace so the modified artifact has something to diff
	// against.
	_, err := env.workspaces.Ensure("s1", "")
	require.NoError(t, err)
	_, err = env.workspaces.Apply("s1", []workflow.Artifact{{
		RelativePath: "calculator.py", Action: workflow.ArtifactCreated,
		Content: "def divide(a, b):\n    return a / b\n",
	}})
	require.NoError(t, err)

	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "guard divide", "stages": [
		{"id": "code", "role": "coder", "requires_hitl": true}
	]}`)
	env.mock.Respond("Context:", `{"artifacts": [
		{"relative_path": "calculator.py", "language": "python", "action": "modified",
		 "content": "def divide(a, b):\n    if b == 0:\n        raise ValueError(\"division by zero\")\n    return a / b\n"}
	]}`)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	_, err = env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "guard against division by zero"})
	require.NoError(t, err)

	pre := collect(t, sub, workflow.EventHITLRequested)
	request := *pre[len(pre)-1].HITL
	assert.Equal(t, workflow.CheckpointApproval, request.Type)
	require.Len(t, request.Artifacts, 1)

	// The request body carries a unified diff of the proposed change.
	assert.Contains(t, request.Content, "--- a/calculator.py")
	assert.Contains(t, request.Content, "+++ b/calculator.py")
	assert.Contains(t, request.Content, "+    if b == 0:")
	assert.Contains(t, request.Content, " def divide(a, b):")

	require.NoError(t, env.broker.Resolve(workflow.HITLResponse{
		RequestID: request.RequestID, Action: workflow.HITLApprove,
	}))

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	dir, ok := env.workspaces.Dir("s1")
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(dir, "calculator.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "raise ValueError")
}

// blockingHandler parks until released or the stage context ends.
type blockingHandler struct {
	role    workflow.AgentRole
	started chan string
	release chan struct{}
	out     *ports.Output
}

func (h *blockingHandler) Role() workflow.AgentRole { return h.role }

func (h *blockingHandler) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	select {
	case h.started <- in.Stage.ID:
	default:
	}
	select {
	case <-h.release:
		out := h.out
		if out == nil {
			out = &ports.Output{Text: "done"}
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelMidStageWithinGrace(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "slow", "stages": [
		{"id": "code", "role": "coder"}
	]}`)

	blocker := &blockingHandler{role: workflow.RoleCoder, started: make(chan string, 1), release: make(chan struct{})}
	env.swapHandler(workflow.RoleCoder, blocker)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "something slow"})
	require.NoError(t, err)

	select {
	case <-blocker.started:
	case <-time.After(waitTimeout):
		t.Fatal("stage never started")
	}

	begun := time.Now()
	require.NoError(t, env.engine.Cancel(id))
	assert.Less(t, time.Since(begun), 3*time.Second)

	evts := collect(t, sub, workflow.EventWorkflowCancelled, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCancelled, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCancelled, state.Phase)
	assert.Equal(t, workflow.StageCancelled, state.StageStates["code"].Status)

	// The session slot frees up for the next workflow.
	scriptCalculator(env.mock)
	_, err = env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "Create a Python calculator"})
	require.NoError(t, err)
}

func TestSessionSingleFlight(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "slow", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	blocker := &blockingHandler{role: workflow.RoleCoder, started: make(chan string, 1), release: make(chan struct{})}
	env.swapHandler(workflow.RoleCoder, blocker)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	_, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "first"})
	require.NoError(t, err)
	<-blocker.started

	_, err = env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "second"})
	require.ErrorIs(t, err, ErrSessionBusy)

	close(blocker.release)
	collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
}

func TestAdmissionQueueFIFO(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.MaxActiveWorkflows = 1 })
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "slow", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	blocker := &blockingHandler{role: workflow.RoleCoder, started: make(chan string, 2), release: make(chan struct{})}
	env.swapHandler(workflow.RoleCoder, blocker)

	subB := env.bus.SubscribeSession("sB")
	defer subB.Close()

	_, err := env.engine.Submit(workflow.Request{SessionID: "sA", UserMessage: "first"})
	require.NoError(t, err)
	<-blocker.started

	_, err = env.engine.Submit(workflow.Request{SessionID: "sB", UserMessage: "second"})
	require.NoError(t, err)

	queuedEvts := collect(t, subB, workflow.EventWorkflowQueued)
	queued := queuedEvts[len(queuedEvts)-1]
	assert.Equal(t, 1, queued.QueuePosition)
	assert.Equal(t, 1, env.engine.QueueDepth())

	// Finishing the first admits the second.
	close(blocker.release)
	evts := collect(t, subB, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type)
	assert.Equal(t, 0, env.engine.QueueDepth())
}

func TestPauseAtStageBoundaryAndResume(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.EnablePauseButton = true })
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "two stages", "stages": [
		{"id": "code", "role": "coder"},
		{"id": "review", "role": "reviewer", "depends_on": ["code"]}
	]}`)
	env.mock.Respond("Artifacts:", `{"issues": [], "needs_refine": false}`)

	blocker := &blockingHandler{
		role: workflow.RoleCoder, started: make(chan string, 1), release: make(chan struct{}),
		out: &ports.Output{Text: "coded", Artifacts: []workflow.Artifact{
			{RelativePath: "a.py", Action: workflow.ArtifactCreated, Content: "A = 1\n"},
		}},
	}
	env.swapHandler(workflow.RoleCoder, blocker)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "pausable"})
	require.NoError(t, err)
	<-blocker.started

	require.NoError(t, env.engine.Pause(id))
	close(blocker.release)

	evts := collect(t, sub, workflow.EventWorkflowPaused, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowPaused, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))
	assert.Equal(t, "user", evts[len(evts)-1].Reason)

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhasePausedUser, state.Phase)
	assert.Equal(t, workflow.StageCompleted, state.StageStates["code"].Status)
	cursor := state.Cursor

	// Resume finishes the remaining stage and continues the sequence.
	require.NoError(t, env.engine.Resume(id, nil))
	evts = collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	resumed := indexOf(evts, workflow.EventWorkflowResumed)
	require.True(t, resumed >= 0)
	require.NotNil(t, evts[resumed].ResumedFrom)
	assert.Equal(t, cursor, evts[resumed].ResumedFrom.Seq)
	for _, e := range evts {
		assert.Greater(t, e.Seq, cursor, "resumed events must continue the numbering")
	}
	for _, e := range evts {
		if e.Type == workflow.EventStageStarted {
			assert.NotEqual(t, "code", e.StageID, "completed stage must not re-run")
		}
	}
}

func TestColdResumeAnswersPendingCheckpoint(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.EnableDynamicHITL = true })

	// A checkpoint paused on a supervisor question, written by a previous
	// process lifetime.
	id := "wf-cold"
	now := time.Now().UTC()
	state := &workflow.State{
		WorkflowID: id, SessionID: "s1", Phase: workflow.PhasePausedHITL,
		Request:     workflow.Request{WorkflowID: id, SessionID: "s1", UserMessage: "build me an api"},
		StageStates: map[string]*workflow.StageState{},
		PendingHITL: &workflow.HITLRequest{
			RequestID: "req-1", WorkflowID: id, SessionID: "s1", StageID: supervisorStageID,
			Type: workflow.CheckpointQuestion, Title: "Project Name", Status: workflow.HITLPending,
		},
		Cursor: 5, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, env.checkpoints.Save(state))

	env.mock.Respond("calc-api", `{"mode": "plan", "summary": "named", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	env.mock.Respond("Conversation so far", `{"mode": "question", "title": "Project Name", "description": "?"}`)
	env.mock.Respond("Context:", `{"artifacts": [
		{"relative_path": "app.py", "action": "created", "content": "APP = 1\n"}
	], "notes": "done"}`)

	sub := env.bus.SubscribeWorkflow(id)
	defer sub.Close()

	require.NoError(t, env.engine.Resume(id, &workflow.HITLResponse{
		RequestID: "req-1", Action: workflow.HITLApprove, Feedback: "calc-api",
	}))

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	resumed := indexOf(evts, workflow.EventWorkflowResumed)
	require.True(t, resumed >= 0)
	require.NotNil(t, evts[resumed].ResumedFrom)
	assert.Equal(t, uint64(5), evts[resumed].ResumedFrom.Seq)
	assert.Equal(t, supervisorStageID, evts[resumed].ResumedFrom.StageID)
	assert.Equal(t, "calc-api", evts[resumed].ResumedFrom.Feedback)

	// No new HITL round: the stored answer satisfied the re-raised question.
	assert.Equal(t, -1, indexOf(evts, workflow.EventHITLRequested))
}

func TestWorkflowDeadlineFails(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.WorkflowDeadline = 300 * time.Millisecond })
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "slow", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	blocker := &blockingHandler{role: workflow.RoleCoder, started: make(chan string, 1), release: make(chan struct{})}
	env.swapHandler(workflow.RoleCoder, blocker)

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()

	_, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "never finishes"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowFailed, workflow.EventWorkflowCompleted)
	last := evts[len(evts)-1]
	require.Equal(t, workflow.EventWorkflowFailed, last.Type, "types: %v", eventTypes(evts))
	assert.Equal(t, "deadline_exceeded", last.Reason)
}

func TestTransientStageFailureRetriesOnce(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "retry", "stages": [
		{"id": "code", "role": "coder"}
	]}`)

	attempts := 0
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			attempts++
			if attempts == 1 {
				return nil, apperrors.NewTransientError(fmt.Errorf("backend hiccup"), "upstream flaked")
			}
			return &ports.Output{Text: "recovered"}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	_, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "flaky"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))
	assert.True(t, indexOf(evts, workflow.EventStageRetrying) >= 0)
	assert.Equal(t, 2, attempts)
}

type handlerFunc struct {
	role workflow.AgentRole
	fn   func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error)
}

func (h handlerFunc) Role() workflow.AgentRole { return h.role }
func (h handlerFunc) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	return h.fn(ctx, in, em)
}

func TestParallelStagesBounded(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "fan out", "stages": [
		{"id": "a", "role": "coder", "parallel_group": "g"},
		{"id": "b", "role": "coder", "parallel_group": "g"},
		{"id": "c", "role": "coder", "parallel_group": "g"}
	]}`)

	var inFlight int32
	running := make(chan int32, 16)
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			running <- atomic.AddInt32(&inFlight, 1)
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &ports.Output{Text: in.Stage.ID}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	_, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "parallel"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	close(running)
	for n := range running {
		assert.LessOrEqual(t, n, int32(env.cfg.MaxParallelStages))
	}
}

func TestParallelContextWriteTieBreak(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "race", "stages": [
		{"id": "alpha", "role": "coder", "parallel_group": "g"},
		{"id": "beta", "role": "coder", "parallel_group": "g"}
	]}`)

	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			if err := em.Write("shared.key", in.Stage.ID, "contested"); err != nil {
				return nil, err
			}
			return &ports.Output{Text: in.Stage.ID}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "race"})
	require.NoError(t, err)
	collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	entry, ok := state.Context["shared.key"]
	require.True(t, ok)
	assert.Equal(t, "alpha", entry.AgentID, "lexicographically lower stage id wins")
}

func TestPlanRevisionAfterPermanentStageFailure(t *testing.T) {
	env := newEnv(t, nil)

	// The revision prompt carries the failure; register its rule first so the
	// second supervisor call picks it over the initial plan.
	env.mock.Respond("Produce a revised plan", `{"mode": "plan", "summary": "second try", "stages": [
		{"id": "rescue", "role": "coder"}
	]}`)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "first try", "stages": [
		{"id": "doomed", "role": "coder"}
	]}`)

	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			if in.Stage.ID == "doomed" {
				return nil, apperrors.NewPermanentError(fmt.Errorf("approach cannot work"), "stage is unworkable")
			}
			return &ports.Output{Text: "rescued"}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "try something hard"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, evts[len(evts)-1].Type, "types: %v", eventTypes(evts))

	// The stage failure precedes the second plan.
	var planReadies []int
	for i, e := range evts {
		if e.Type == workflow.EventPlanReady {
			planReadies = append(planReadies, i)
		}
	}
	require.Len(t, planReadies, 2)
	failed := indexOf(evts, workflow.EventStageFailed)
	require.True(t, failed > planReadies[0] && failed < planReadies[1], "types: %v", eventTypes(evts))

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 1, state.PlanRevisions)
	assert.Equal(t, workflow.StageCompleted, state.StageStates["rescue"].Status)
	assert.NotContains(t, state.StageStates, "doomed", "revision resets the old plan's stage records")
}

func TestPlanRevisionBudgetSpent(t *testing.T) {
	env := newEnv(t, nil)

	env.mock.Respond("Produce a revised plan", `{"mode": "plan", "summary": "retry", "stages": [
		{"id": "again", "role": "coder"}
	]}`)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "first", "stages": [
		{"id": "first", "role": "coder"}
	]}`)
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			return nil, apperrors.NewPermanentError(fmt.Errorf("still broken"), "stage is unworkable")
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "doomed either way"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	last := evts[len(evts)-1]
	require.Equal(t, workflow.EventWorkflowFailed, last.Type, "types: %v", eventTypes(evts))
	assert.Equal(t, "stage_failed", last.Reason)

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, env.cfg.MaxPlanRevisions, state.PlanRevisions)
}

func TestMemoryBudgetExhaustionFailsWorkflow(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.WorkflowMemoryBudget = 64 })
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "big file", "stages": [
		{"id": "code", "role": "coder"}
	]}`)
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			return &ports.Output{Artifacts: []workflow.Artifact{{
				RelativePath: "huge.py", Action: workflow.ArtifactCreated,
				Content: strings.Repeat("x = 1\n", 128),
			}}}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "generate everything"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	last := evts[len(evts)-1]
	require.Equal(t, workflow.EventWorkflowFailed, last.Type, "types: %v", eventTypes(evts))
	assert.Equal(t, "resource_exhausted", last.Reason)

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseFailed, state.Phase)
	assert.Equal(t, "resource_exhausted", state.Reason)
}

func TestHITLPauseWaitsForWaveSiblings(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "side by side", "stages": [
		{"id": "apply", "role": "coder", "requires_hitl": true, "parallel_group": "g"},
		{"id": "slow", "role": "coder", "parallel_group": "g"}
	]}`)

	release := make(chan struct{})
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			if in.Stage.ID == "slow" {
				select {
				case <-release:
					return &ports.Output{Text: "slow done"}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &ports.Output{Artifacts: []workflow.Artifact{
				{RelativePath: "a.py", Action: workflow.ArtifactCreated, Content: "A = 1\n"},
			}}, nil
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "parallel approval"})
	require.NoError(t, err)

	// The approval stage registers its checkpoint, but the workflow must not
	// report paused while its wave sibling is still running.
	require.Eventually(t, func() bool {
		return len(env.broker.Pending(id)) == 1
	}, waitTimeout, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	state, err := env.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseRunning, state.Phase)

	close(release)
	evts := collect(t, sub, workflow.EventHITLRequested)
	slowCompleted := -1
	for i, e := range evts {
		if e.Type == workflow.EventStageCompleted && e.StageID == "slow" {
			slowCompleted = i
		}
	}
	requested := indexOf(evts, workflow.EventHITLRequested)
	require.True(t, slowCompleted >= 0 && slowCompleted < requested,
		"sibling must settle before the checkpoint surfaces; types: %v", eventTypes(evts))

	// While paused no stage is running: the asking stage is awaiting_hitl.
	state, err = env.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhasePausedHITL, state.Phase)
	for stageID, ss := range state.StageStates {
		assert.NotEqual(t, workflow.StageRunning, ss.Status, "stage %s", stageID)
	}
	assert.Equal(t, workflow.StageAwaitingHITL, state.StageStates["apply"].Status)

	pending := env.broker.Pending(id)
	require.Len(t, pending, 1)
	require.NoError(t, env.broker.Resolve(workflow.HITLResponse{
		RequestID: pending[0].RequestID, Action: workflow.HITLApprove,
	}))
	final := collect(t, sub, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed)
	require.Equal(t, workflow.EventWorkflowCompleted, final[len(final)-1].Type, "types: %v", eventTypes(final))
}

func TestStageFailureSkipsDependents(t *testing.T) {
	env := newEnv(t, nil)
	env.mock.Respond("Conversation so far", `{"mode": "plan", "summary": "fail fast", "stages": [
		{"id": "code", "role": "coder"},
		{"id": "review", "role": "reviewer", "depends_on": ["code"]}
	]}`)
	env.swapHandler(workflow.RoleCoder, handlerFunc{role: workflow.RoleCoder,
		fn: func(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
			return nil, fmt.Errorf("unrecoverable")
		}})

	sub := env.bus.SubscribeSession("s1")
	defer sub.Close()
	id, err := env.engine.Submit(workflow.Request{SessionID: "s1", UserMessage: "doomed"})
	require.NoError(t, err)

	evts := collect(t, sub, workflow.EventWorkflowFailed, workflow.EventWorkflowCompleted)
	require.Equal(t, workflow.EventWorkflowFailed, evts[len(evts)-1].Type)
	assert.True(t, indexOf(evts, workflow.EventStageFailed) >= 0)

	state, err := env.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageFailed, state.StageStates["code"].Status)
	assert.Equal(t, workflow.StageSkipped, state.StageStates["review"].Status)
}
