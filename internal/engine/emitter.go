package engine

import (
	"context"

	"maestro/internal/agent/ports"
	"maestro/internal/tools"
	"maestro/internal/workflow"
)

// stageEmitter is the per-stage effect channel handed to handlers. Deltas and
// tool invocations become events; context writes go through the blackboard
// (whose update hook publishes context_updated); Ask suspends on the broker.
type stageEmitter struct {
	engine *Engine
	run    *run
	stage  workflow.Stage
	ctx    context.Context
}

func (e *Engine) emitter(ctx context.Context, r *run, stage workflow.Stage) ports.Emitter {
	return &stageEmitter{engine: e, run: r, stage: stage, ctx: ctx}
}

func (s *stageEmitter) Delta(text string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.engine.publish(s.run, workflow.Event{
		Type:       workflow.EventStageStreamChunk,
		WorkflowID: s.run.id(),
		StageID:    s.stage.ID,
		Role:       s.stage.Role,
		Delta:      text,
	})
	return nil
}

func (s *stageEmitter) Write(key string, value any, description string) error {
	shadowed, err := s.run.board.Put(s.stage.ID, s.stage.Role, key, value, description)
	if err != nil {
		return err
	}
	if shadowed {
		s.engine.logger.Info("stage %s write to %q shadowed by an earlier writer", s.stage.ID, key)
	}
	return nil
}

func (s *stageEmitter) CallTool(ctx context.Context, name string, params map[string]any) (*tools.Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["session_id"]; !ok {
		params["session_id"] = s.run.state.SessionID
	}
	s.engine.publish(s.run, workflow.Event{
		Type:       workflow.EventToolInvoked,
		WorkflowID: s.run.id(),
		StageID:    s.stage.ID,
		Role:       s.stage.Role,
		ToolName:   name,
	})
	return s.engine.tools.Execute(ctx, name, params)
}

func (s *stageEmitter) Ask(ctx context.Context, req workflow.HITLRequest) (*workflow.HITLResponse, error) {
	if req.StageID == "" {
		req.StageID = s.stage.ID
	}

	// Stage status mirrors the suspension for status queries.
	s.setStageStatus(workflow.StageAwaitingHITL)
	resp, err := s.engine.ask(ctx, s.run, req)
	s.setStageStatus(workflow.StageRunning)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *stageEmitter) setStageStatus(status workflow.StageStatus) {
	s.run.stateMu.Lock()
	defer s.run.stateMu.Unlock()
	if ss, ok := s.run.state.StageStates[s.stage.ID]; ok && ss.Status.CanTransition(status) {
		ss.Status = status
	}
}
