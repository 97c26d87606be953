// Package app sits between the HTTP surface and the engine: it owns the
// service-level operations (execute, pause, resume, status, HITL, sessions,
// workspace and tool passthrough) and the metrics recorder that projects bus
// events into Prometheus.
package app

import (
	"context"
	"fmt"
	"time"

	"maestro/internal/config"
	"maestro/internal/engine"
	apperrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/hitl"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/internal/workflow"
	"maestro/internal/workspace"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps collects everything the coordinator fronts.
type Deps struct {
	Config        config.Config
	Engine        *engine.Engine
	Bus           *events.Bus
	Broker        *hitl.Broker
	Tools         *tools.Registry
	Workspaces    *workspace.Manager
	Conversations *store.Conversations
	Checkpoints   *store.Checkpoints
	Metrics       *observability.Metrics
	// LLMHealth reports per-endpoint gate states; nil when running on the
	// mock client.
	LLMHealth func() map[string]string
	Logger    logging.Logger
}

// Coordinator is the single object the HTTP handlers talk to.
type Coordinator struct {
	cfg           config.Config
	engine        *engine.Engine
	bus           *events.Bus
	broker        *hitl.Broker
	tools         *tools.Registry
	workspaces    *workspace.Manager
	conversations *store.Conversations
	checkpoints   *store.Checkpoints
	metrics       *observability.Metrics
	llmHealth     func() map[string]string
	logger        logging.Logger

	startTime time.Time
	recorder  *events.Subscription
}

// NewCoordinator wires a coordinator and starts the metrics recorder.
func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		cfg:           deps.Config,
		engine:        deps.Engine,
		bus:           deps.Bus,
		broker:        deps.Broker,
		tools:         deps.Tools,
		workspaces:    deps.Workspaces,
		conversations: deps.Conversations,
		checkpoints:   deps.Checkpoints,
		metrics:       deps.Metrics,
		llmHealth:     deps.LLMHealth,
		logger:        logging.OrNop(deps.Logger),
		startTime:     time.Now(),
	}
	if c.metrics != nil {
		c.tools.SetObserver(c.metrics.ToolObserver())
		c.startRecorder()
	}
	return c
}

// Close stops the metrics recorder. The engine and stores are shut down by
// their owner, not here.
func (c *Coordinator) Close() {
	if c.recorder != nil {
		c.recorder.Close()
	}
}

// Execute subscribes to the request's session and submits the workflow. The
// subscription is opened before admission so the caller sees every event from
// workflow_created on. The caller owns the subscription.
func (c *Coordinator) Execute(req workflow.Request) (string, *events.Subscription, error) {
	sub := c.bus.SubscribeSession(req.SessionID)
	id, err := c.engine.Submit(req)
	if err != nil {
		sub.Close()
		return "", nil, err
	}
	return id, sub, nil
}

// Pause asks a running workflow to stop at the next stage boundary.
func (c *Coordinator) Pause(workflowID string) error {
	return c.engine.Pause(workflowID)
}

// Resume restarts a paused workflow from its checkpoint. A non-empty message
// is delivered as approval feedback: it answers a pending HITL checkpoint or
// steers re-planning.
func (c *Coordinator) Resume(workflowID, message string) error {
	var resp *workflow.HITLResponse
	if message != "" {
		resp = &workflow.HITLResponse{Action: workflow.HITLApprove, Feedback: message}
	}
	return c.engine.Resume(workflowID, resp)
}

// Cancel terminates a workflow.
func (c *Coordinator) Cancel(workflowID string) error {
	return c.engine.Cancel(workflowID)
}

// Status returns the latest state projection, live or checkpointed.
func (c *Coordinator) Status(workflowID string) (*workflow.State, error) {
	return c.engine.Status(workflowID)
}

// PendingHITL lists unresolved checkpoints, optionally for one workflow.
func (c *Coordinator) PendingHITL(workflowID string) []workflow.HITLRequest {
	return c.broker.Pending(workflowID)
}

// RespondHITL resolves a pending checkpoint.
func (c *Coordinator) RespondHITL(requestID string, resp workflow.HITLResponse) error {
	resp.RequestID = requestID
	if resp.Action == "" {
		return apperrors.NewPermanentError(fmt.Errorf("missing action"), "response needs an action")
	}
	return c.broker.Resolve(resp)
}

// SessionSummary is the list projection of one stored session.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Messages  int       `json:"messages"`
	Artifacts int       `json:"artifacts"`
	Workflows int       `json:"workflows"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sessions lists every persisted session.
func (c *Coordinator) Sessions() ([]SessionSummary, error) {
	ids, err := c.conversations.List()
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		conv, err := c.conversations.Get(id)
		if err != nil {
			c.logger.Warn("skipping unreadable session %s: %v", id, err)
			continue
		}
		out = append(out, SessionSummary{
			SessionID: id,
			Messages:  len(conv.Messages),
			Artifacts: len(conv.Artifacts),
			Workflows: len(conv.Workflows),
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		})
	}
	return out, nil
}

// Session returns one full conversation record.
func (c *Coordinator) Session(sessionID string) (*store.Conversation, error) {
	return c.conversations.Get(sessionID)
}

// DeleteSession removes a session's persisted conversation and artifacts.
// The workspace directory is left in place; it may hold user work.
func (c *Coordinator) DeleteSession(sessionID string) error {
	return c.conversations.Delete(sessionID)
}

// ExecuteTool invokes a registered tool directly, outside any workflow.
func (c *Coordinator) ExecuteTool(ctx context.Context, name string, params map[string]any) (*tools.Result, error) {
	return c.tools.Execute(ctx, name, params)
}

// ListTools enumerates the registry with availability under the current
// network mode.
func (c *Coordinator) ListTools() []tools.Info {
	return c.tools.List()
}

// EnsureWorkspace resolves (creating if needed) the session's workspace
// directory and returns its absolute path.
func (c *Coordinator) EnsureWorkspace(sessionID, hint string) (string, error) {
	return c.workspaces.Ensure(sessionID, hint)
}

// WorkspaceFiles lists a workspace subtree.
func (c *Coordinator) WorkspaceFiles(sessionID, rel string, depth int) ([]workspace.FileEntry, error) {
	return c.workspaces.ListFiles(sessionID, rel, depth)
}

// ReadWorkspaceFile returns one file's contents.
func (c *Coordinator) ReadWorkspaceFile(sessionID, rel string) ([]byte, error) {
	return c.workspaces.Read(sessionID, rel)
}

// WriteWorkspaceFile writes one file through the artifact pipeline so
// containment checks and .bak backups apply.
func (c *Coordinator) WriteWorkspaceFile(sessionID, rel, content string) (workflow.Artifact, error) {
	res, err := c.workspaces.Apply(sessionID, []workflow.Artifact{{
		RelativePath: rel,
		Content:      content,
		Action:       workflow.ArtifactModified,
	}})
	if err != nil {
		return workflow.Artifact{}, err
	}
	return res.Applied[0], nil
}

// Health is the /health projection.
type Health struct {
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	Uptime          string            `json:"uptime"`
	ActiveWorkflows int               `json:"active_workflows"`
	QueueDepth      int               `json:"queue_depth"`
	NetworkMode     string            `json:"network_mode"`
	LLM             map[string]string `json:"llm_endpoints,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// HealthCheck reports liveness plus the LLM pool's gate states.
func (c *Coordinator) HealthCheck() Health {
	h := Health{
		Status:          "ok",
		Version:         Version,
		Uptime:          time.Since(c.startTime).Round(time.Second).String(),
		ActiveWorkflows: c.engine.ActiveCount(),
		QueueDepth:      c.engine.QueueDepth(),
		NetworkMode:     string(c.cfg.NetworkMode),
		Timestamp:       time.Now(),
	}
	if c.llmHealth != nil {
		h.LLM = c.llmHealth()
	}
	return h
}

// Metrics exposes the Prometheus handler's backing instance; nil when
// metrics are disabled.
func (c *Coordinator) Metrics() *observability.Metrics {
	return c.metrics
}

// Broker exposes the HITL broker for websocket lifecycle listeners.
func (c *Coordinator) Broker() *hitl.Broker {
	return c.broker
}

// Bus exposes the event bus for websocket subscriptions.
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// Config returns the loaded configuration.
func (c *Coordinator) Config() config.Config {
	return c.cfg
}
