package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"maestro/internal/agent/ports"
	"maestro/internal/async"
	"maestro/internal/diff"
	apperrors "maestro/internal/errors"
	"maestro/internal/observability"
	"maestro/internal/store"
	"maestro/internal/workflow"
)

// supervisorStageID is the synthetic stage the planning phase runs under.
const supervisorStageID = "supervisor"

// runWorkflow drives one admitted workflow to a terminal phase.
func (e *Engine) runWorkflow(parent context.Context, r *run) {
	defer e.finish(r)

	deadline := r.state.CreatedAt.Add(e.cfg.WorkflowDeadline)
	ctx, cancelDeadline := context.WithDeadline(parent, deadline)
	defer cancelDeadline()

	ctx, span := observability.Tracer().Start(ctx, observability.SpanWorkflowRun,
		trace.WithAttributes(observability.WorkflowAttrs(r.id(), r.state.SessionID)...))
	defer span.End()

	stopHeartbeat := e.startHeartbeat(ctx, r)
	defer stopHeartbeat()

	if r.resumed != nil {
		e.publish(r, workflow.Event{
			Type: workflow.EventWorkflowResumed, WorkflowID: r.id(),
			ResumedFrom: r.resumed,
		})
	} else {
		e.publish(r, workflow.Event{Type: workflow.EventWorkflowStarted, WorkflowID: r.id()})
		if err := e.conversations.AppendMessage(r.state.SessionID, store.MessageRecord{
			Role: "user", Content: r.state.Request.UserMessage, WorkflowID: r.id(),
		}); err != nil {
			e.fail(r, "storage_error", err)
			return
		}
	}

	if _, err := e.workspaces.Ensure(r.state.SessionID, r.state.Request.WorkspaceRoot); err != nil {
		e.fail(r, "workspace_error", err)
		return
	}

	// Planning. A resumed workflow that already has a plan skips it.
	if r.state.Plan == nil {
		e.setPhase(r, workflow.PhasePlanning, "")
		var feedback string
		if r.resumeResponse != nil {
			feedback = r.resumeResponse.Feedback
		}
		finalText, done, err := e.plan(ctx, r, feedback)
		if err != nil {
			e.failOrCancel(ctx, r, "planning_failed", err)
			return
		}
		if done {
			e.complete(r, finalText)
			return
		}
	} else {
		e.setPhase(r, workflow.PhaseRunning, "")
	}

	finalText, err := e.executePlan(ctx, r)
	for err != nil && e.shouldRevisePlan(ctx, r, err) {
		var done bool
		finalText, done, err = e.revisePlan(ctx, r, err)
		if err != nil {
			break
		}
		if done {
			e.complete(r, finalText)
			return
		}
		finalText, err = e.executePlan(ctx, r)
	}
	if err != nil {
		e.failOrCancel(ctx, r, "stage_failed", err)
		return
	}
	if e.paused(r) {
		return
	}

	e.setPhase(r, workflow.PhaseFinalizing, "")
	e.complete(r, finalText)
}

// plan runs the supervisor. done reports that the workflow finished without a
// stage plan (quick QA).
func (e *Engine) plan(ctx context.Context, r *run, feedback string) (string, bool, error) {
	stage := workflow.Stage{
		ID:    supervisorStageID,
		Role:  workflow.RoleSupervisor,
		Retry: workflow.RetryPolicy{MaxRetries: e.cfg.MaxRetries},
	}

	out, err := e.executeStage(ctx, r, stage, ports.StageInput{Feedback: feedback})
	if err != nil {
		return "", false, err
	}
	if out.QuickQA {
		return out.Text, true, nil
	}
	if out.Plan == nil {
		return "", false, apperrors.NewPermanentError(
			fmt.Errorf("supervisor returned neither plan nor answer"), "planning produced nothing")
	}
	if r.state.Request.Flags.QuickQAOnly {
		return "", false, apperrors.NewPermanentError(
			fmt.Errorf("request is quick_qa_only but needs %d stages", len(out.Plan.Stages)),
			"request demands a direct answer but requires code changes")
	}

	r.stateMu.Lock()
	r.state.Plan = out.Plan
	for id, ss := range out.Plan.InitialStates() {
		r.state.StageStates[id] = ss
	}
	r.stateMu.Unlock()

	e.publish(r, workflow.Event{Type: workflow.EventPlanReady, WorkflowID: r.id(), Plan: out.Plan})
	e.setPhase(r, workflow.PhaseRunning, "")
	e.checkpoint(r)
	return "", false, nil
}

// shouldRevisePlan gates the plan-revision path: only a permanent stage
// failure on a live workflow qualifies, and only while the revision budget
// lasts. Resource exhaustion is terminal; a new plan would not free memory.
func (e *Engine) shouldRevisePlan(ctx context.Context, r *run, err error) bool {
	if ctx.Err() != nil || r.isCancelRequested() {
		return false
	}
	if !apperrors.IsPermanent(err) || apperrors.IsResourceExhausted(err) {
		return false
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.PlanRevisions < e.cfg.MaxPlanRevisions
}

// revisePlan discards the failed plan and asks the supervisor for another,
// feeding it the failure so the next plan can route around it.
func (e *Engine) revisePlan(ctx context.Context, r *run, cause error) (string, bool, error) {
	r.stateMu.Lock()
	r.state.PlanRevisions++
	revision := r.state.PlanRevisions
	r.state.Plan = nil
	r.state.StageStates = map[string]*workflow.StageState{}
	r.stateMu.Unlock()

	e.logger.Warn("workflow %s revising plan (revision %d): %v", r.id(), revision, cause)
	e.setPhase(r, workflow.PhasePlanning, "plan_revision")
	feedback := fmt.Sprintf(
		"The previous plan failed with a non-retryable error: %v. Produce a revised plan that avoids this failure.",
		cause)
	return e.plan(ctx, r, feedback)
}

// executePlan schedules the stage DAG in waves of at most MaxParallelStages.
// It returns the aggregator's text (the last completed stage's output).
func (e *Engine) executePlan(ctx context.Context, r *run) (string, error) {
	plan := r.state.Plan
	finalText := ""

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// Dependents of a failed or skipped stage can never run.
		r.stateMu.Lock()
		for _, blocked := range plan.BlockedStages(r.state.StageStates) {
			r.state.StageStates[blocked.ID].Status = workflow.StageSkipped
		}
		settled := plan.Settled(r.state.StageStates)
		ready := plan.ReadyStages(r.state.StageStates)
		r.stateMu.Unlock()

		if settled {
			break
		}
		if e.userPauseRequested(r) {
			e.pauseUser(r)
			return "", nil
		}
		if len(ready) == 0 {
			return "", apperrors.NewIntegrityError(
				fmt.Errorf("no ready stages but plan not settled"), "stage graph wedged")
		}
		if len(ready) > e.cfg.MaxParallelStages {
			ready = ready[:e.cfg.MaxParallelStages]
		}

		type stageResult struct {
			stage *workflow.Stage
			out   *ports.Output
			err   error
		}
		// Count the whole wave before anything launches so a stage reaching
		// a HITL checkpoint always sees its siblings, started or not.
		r.stateMu.Lock()
		r.activeStages += len(ready)
		r.stateMu.Unlock()

		results := make(chan stageResult, len(ready))
		for _, st := range ready {
			stage := *st
			async.Go(e.logger, "stage-"+stage.ID, func() {
				out, err := e.executeStage(ctx, r, stage, ports.StageInput{})
				r.exitStage()
				results <- stageResult{stage: &stage, out: out, err: err}
			})
		}

		var waveErr error
		for range ready {
			res := <-results
			if res.err != nil {
				if waveErr == nil {
					waveErr = res.err
				}
				continue
			}
			if res.out.Text != "" {
				finalText = res.out.Text
			}
		}
		e.checkpoint(r)
		if waveErr != nil {
			return "", waveErr
		}
	}
	return finalText, nil
}

// executeStage runs one stage through its handler with retry, HITL approval
// and artifact application. It owns the stage's status transitions.
func (e *Engine) executeStage(ctx context.Context, r *run, stage workflow.Stage, seed ports.StageInput) (*ports.Output, error) {
	ctx, span := observability.Tracer().Start(ctx, observability.SpanStageExecute,
		trace.WithAttributes(observability.StageAttrs(stage.ID, string(stage.Role))...))
	defer span.End()

	r.stateMu.Lock()
	ss, tracked := r.state.StageStates[stage.ID]
	if !tracked {
		ss = &workflow.StageState{Status: workflow.StagePending}
		r.state.StageStates[stage.ID] = ss
	}
	ss.Status = workflow.StageRunning
	ss.StartedAt = time.Now()
	r.stateMu.Unlock()

	e.publish(r, workflow.Event{
		Type: workflow.EventStageStarted, WorkflowID: r.id(), StageID: stage.ID, Role: stage.Role,
	})

	out, err := e.attemptStage(ctx, r, stage, seed, ss)
	if err != nil {
		e.markStageFailed(r, stage, ss, err)
		return nil, err
	}

	// Iterative refinement: a reviewer or gate that flags the change set
	// triggers the refiner, bounded by the iteration budget, then escalates.
	if out.NeedsRefine {
		if err := e.refine(ctx, r, stage, out); err != nil {
			e.markStageFailed(r, stage, ss, err)
			return nil, err
		}
	}

	if len(out.Artifacts) > 0 {
		if err := e.chargeMemory(r, out.Artifacts); err != nil {
			e.markStageFailed(r, stage, ss, err)
			return nil, err
		}
		if stage.RequiresHITL {
			resp, err := e.approveArtifacts(ctx, r, stage, out.Artifacts)
			if err != nil {
				e.markStageFailed(r, stage, ss, err)
				return nil, err
			}
			applyEdits(out.Artifacts, resp)
		}
		if err := e.applyArtifacts(r, stage, out.Artifacts); err != nil {
			e.markStageFailed(r, stage, ss, err)
			return nil, err
		}
	}

	r.stateMu.Lock()
	ss.Status = workflow.StageCompleted
	ss.CompletedAt = time.Now()
	ss.Metrics = out.Metrics
	ss.Metrics.Retries = ss.Attempts - 1
	metrics := ss.Metrics
	r.stateMu.Unlock()

	e.publish(r, workflow.Event{
		Type: workflow.EventStageCompleted, WorkflowID: r.id(), StageID: stage.ID, Role: stage.Role,
		Metrics: &metrics,
	})
	return out, nil
}

// attemptStage runs the handler, retrying transient failures per the stage's
// policy.
func (e *Engine) attemptStage(ctx context.Context, r *run, stage workflow.Stage, seed ports.StageInput, ss *workflow.StageState) (*ports.Output, error) {
	handler, ok := e.handlers[stage.Role]
	if !ok {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("no handler for role %s", stage.Role), "plan names an unknown agent role")
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StageTimeout
	}
	maxRetries := stage.Retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for {
		r.stateMu.Lock()
		ss.Attempts++
		attempt := ss.Attempts
		r.stateMu.Unlock()

		input := seed
		input.Stage = stage
		input.Request = r.state.Request
		input.Inputs = r.board.GetMany(stage.ID, stage.InputRefs)
		input.Snapshot = r.board.Snapshot()

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := handler.Execute(stageCtx, input, e.emitter(stageCtx, r, stage))
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			// The workflow, not the stage, ran out of time or was cancelled.
			return nil, ctx.Err()
		}
		if stageCtx.Err() == context.DeadlineExceeded {
			err = apperrors.NewTransientError(err, fmt.Sprintf("stage %s timed out after %s", stage.ID, timeout))
		}
		if !apperrors.IsTransient(err) || attempt > maxRetries {
			return nil, err
		}

		e.publish(r, workflow.Event{
			Type: workflow.EventStageRetrying, WorkflowID: r.id(), StageID: stage.ID, Role: stage.Role,
			Reason: err.Error(),
		})
		e.logger.Warn("stage %s attempt %d failed, retrying: %v", stage.ID, attempt, err)
	}
}

func (e *Engine) markStageFailed(r *run, stage workflow.Stage, ss *workflow.StageState, err error) {
	status := workflow.StageFailed
	if errors.Is(err, context.Canceled) || r.isCancelRequested() {
		status = workflow.StageCancelled
	}
	r.stateMu.Lock()
	ss.Status = status
	ss.Error = err.Error()
	ss.CompletedAt = time.Now()
	r.stateMu.Unlock()

	if status == workflow.StageFailed {
		e.publish(r, workflow.Event{
			Type: workflow.EventStageFailed, WorkflowID: r.id(), StageID: stage.ID, Role: stage.Role,
			Reason: err.Error(),
		})
	}
}

// refine runs refiner/re-check rounds until the verdict clears, the budget is
// spent (then a human reviews), or an error ends the workflow.
func (e *Engine) refine(ctx context.Context, r *run, flagging workflow.Stage, out *ports.Output) error {
	issues := out.Issues
	for {
		r.stateMu.Lock()
		iteration := r.state.Refinements + 1
		r.stateMu.Unlock()

		if iteration > e.cfg.MaxRefinementIterations {
			return e.escalateReview(ctx, r, flagging, issues)
		}
		r.stateMu.Lock()
		r.state.Refinements = iteration
		r.stateMu.Unlock()

		refinerStage := workflow.Stage{
			ID:    fmt.Sprintf("%s.refine%d", flagging.ID, iteration),
			Role:  workflow.RoleRefiner,
			Retry: workflow.RetryPolicy{MaxRetries: e.cfg.MaxRetries},
		}
		if _, err := e.executeStage(ctx, r, refinerStage, ports.StageInput{
			Feedback:  issuesToJSON(issues),
			Iteration: iteration,
		}); err != nil {
			return err
		}

		// Re-run the flagging stage under a fresh id so its verdict lands on
		// its own context key.
		recheck := flagging
		recheck.ID = fmt.Sprintf("%s.check%d", flagging.ID, iteration)
		recheck.RequiresHITL = false
		verdict, err := e.executeStage(ctx, r, recheck, ports.StageInput{})
		if err != nil {
			return err
		}
		if !verdict.NeedsRefine {
			return nil
		}
		issues = verdict.Issues
		e.logger.Info("workflow %s still flagged after refinement %d", r.id(), iteration)
	}
}

// escalateReview asks a human to settle a change set the refiner could not
// clear. Approval accepts the artifacts as they stand.
func (e *Engine) escalateReview(ctx context.Context, r *run, flagging workflow.Stage, issues []ports.Issue) error {
	if !e.cfg.EnableDynamicHITL && !r.state.Request.Flags.AllowEscalation {
		return apperrors.NewPermanentError(
			fmt.Errorf("refinement budget of %d spent", e.cfg.MaxRefinementIterations),
			"refinement loop exhausted")
	}
	resp, err := e.ask(ctx, r, workflow.HITLRequest{
		WorkflowID: r.id(),
		SessionID:  r.state.SessionID,
		StageID:    flagging.ID,
		Type:       workflow.CheckpointReview,
		Title:      "Refinement budget exhausted",
		Description: fmt.Sprintf("%d refinement rounds did not clear the %s verdict; review the remaining issues",
			e.cfg.MaxRefinementIterations, flagging.Role),
		Content: issuesToJSON(issues),
	})
	if err != nil {
		return err
	}
	switch resp.Action {
	case workflow.HITLApprove, workflow.HITLConfirm:
		return nil
	default:
		return apperrors.NewPermanentError(
			fmt.Errorf("review action %s", resp.Action), "human review rejected the change set")
	}
}

// approveArtifacts raises the approval checkpoint a requires_hitl stage
// demands before its artifacts touch the workspace.
func (e *Engine) approveArtifacts(ctx context.Context, r *run, stage workflow.Stage, artifacts []workflow.Artifact) (*workflow.HITLResponse, error) {
	resp, err := e.ask(ctx, r, workflow.HITLRequest{
		WorkflowID:  r.id(),
		SessionID:   r.state.SessionID,
		StageID:     stage.ID,
		Type:        workflow.CheckpointApproval,
		Title:       fmt.Sprintf("Apply %d file(s) from stage %s", len(artifacts), stage.ID),
		Description: "Approve before these artifacts are written to the workspace",
		Content:     e.changePreview(r, artifacts),
		Artifacts:   artifacts,
	})
	if err != nil {
		return nil, err
	}
	switch resp.Action {
	case workflow.HITLApprove, workflow.HITLConfirm, workflow.HITLEdit:
		return resp, nil
	default:
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("approval action %s", resp.Action), "human rejected the artifacts")
	}
}

// changePreview renders a unified diff of the proposed change set against the
// workspace so the approval request carries what the human is deciding on.
// Files the workspace cannot read (new files, unbound sessions) diff against
// empty content.
func (e *Engine) changePreview(r *run, artifacts []workflow.Artifact) string {
	renderer := diff.NewRenderer(false)
	var b strings.Builder
	for _, art := range artifacts {
		var current string
		if art.Action != workflow.ArtifactCreated {
			if data, err := e.workspaces.Read(r.state.SessionID, art.RelativePath); err == nil {
				current = string(data)
			}
		}
		proposed := art.Content
		if art.Action == workflow.ArtifactDeleted {
			proposed = ""
		}
		p := renderer.Unified(current, proposed, art.RelativePath)
		if p.Unified == "" {
			continue
		}
		b.WriteString(p.Unified)
		if !strings.HasSuffix(p.Unified, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// applyEdits folds an edit response into a single-artifact change set.
func applyEdits(artifacts []workflow.Artifact, resp *workflow.HITLResponse) {
	if resp == nil || resp.Action != workflow.HITLEdit || resp.Edited == "" || len(artifacts) != 1 {
		return
	}
	artifacts[0].Content = resp.Edited
}

// applyArtifacts writes a stage's artifacts through the workspace manager and
// records each one durably before its applied event is published.
func (e *Engine) applyArtifacts(r *run, stage workflow.Stage, artifacts []workflow.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	result, err := e.workspaces.Apply(r.state.SessionID, artifacts)
	if err != nil {
		return err
	}
	for _, applied := range result.Applied {
		if _, err := e.conversations.AppendArtifact(r.state.SessionID, r.id(), applied); err != nil {
			return fmt.Errorf("persist artifact %s: %w", applied.RelativePath, err)
		}
		r.stateMu.Lock()
		r.state.ArtifactsApplied = append(r.state.ArtifactsApplied, applied)
		r.stateMu.Unlock()

		art := applied
		e.publish(r, workflow.Event{
			Type: workflow.EventArtifactApplied, WorkflowID: r.id(), StageID: stage.ID, Role: stage.Role,
			Artifact: &art,
		})
	}
	return nil
}

// chargeMemory debits a stage's buffered artifacts against the per-workflow
// memory budget. The footprint is shared-context bytes plus every artifact
// body the run has buffered so far; crossing the budget fails the workflow
// rather than silently truncating.
func (e *Engine) chargeMemory(r *run, artifacts []workflow.Artifact) error {
	if e.cfg.WorkflowMemoryBudget <= 0 {
		return nil
	}
	var add int64
	for _, a := range artifacts {
		add += int64(len(a.Content))
	}
	r.stateMu.Lock()
	r.artifactBytes += add
	total := r.artifactBytes
	r.stateMu.Unlock()
	total += r.board.UsedBytes()

	if total > e.cfg.WorkflowMemoryBudget {
		return apperrors.NewResourceExhaustedError(
			fmt.Errorf("workflow memory %d bytes exceeds budget %d", total, e.cfg.WorkflowMemoryBudget),
			"workflow_memory")
	}
	return nil
}

// ask suspends the calling stage on a HITL checkpoint: checkpoint to disk,
// pause the workflow, wait for the human, resume.
func (e *Engine) ask(ctx context.Context, r *run, req workflow.HITLRequest) (*workflow.HITLResponse, error) {
	r.stateMu.Lock()
	if stored := r.resumeResponse; stored != nil {
		r.resumeResponse = nil
		r.stateMu.Unlock()
		return stored, nil
	}
	r.stateMu.Unlock()

	if req.WorkflowID == "" {
		req.WorkflowID = r.id()
	}
	if req.SessionID == "" {
		req.SessionID = r.state.SessionID
	}
	if e.cfg.HITLTimeout > 0 && req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(e.cfg.HITLTimeout)
	}

	registered := e.broker.Register(req)
	r.stateMu.Lock()
	r.state.PendingHITL = &registered
	if ss, ok := r.state.StageStates[req.StageID]; ok && ss.Status == workflow.StageRunning {
		ss.Status = workflow.StageAwaitingHITL
	}
	// The caller's wave slot suspends; drain the rest of its wave so
	// paused_hitl never reports while a sibling stage is still running and
	// the checkpoint cursor covers their results. Outside a wave (planning)
	// there is nothing to drain.
	suspended := false
	if r.activeStages > 0 {
		r.activeStages--
		suspended = true
		r.stageIdle.Broadcast()
		for r.activeStages > 0 && ctx.Err() == nil {
			r.stageIdle.Wait()
		}
	}
	r.stateMu.Unlock()

	e.setPhase(r, workflow.PhasePausedHITL, "hitl")
	e.checkpoint(r)
	e.publish(r, workflow.Event{
		Type: workflow.EventHITLRequested, WorkflowID: r.id(), StageID: req.StageID, HITL: &registered,
	})
	e.publish(r, workflow.Event{
		Type: workflow.EventWorkflowPaused, WorkflowID: r.id(), Reason: "hitl",
	})

	outcome, err := e.broker.Await(ctx, registered.RequestID)

	r.stateMu.Lock()
	r.state.PendingHITL = nil
	if suspended {
		r.activeStages++
	}
	if ss, ok := r.state.StageStates[req.StageID]; ok && ss.Status == workflow.StageAwaitingHITL {
		ss.Status = workflow.StageRunning
	}
	r.stateMu.Unlock()

	if err != nil {
		return nil, err
	}
	switch outcome.Status {
	case workflow.HITLResolved:
		e.publish(r, workflow.Event{
			Type: workflow.EventHITLResolved, WorkflowID: r.id(), StageID: req.StageID,
			HITLResponse: outcome.Response,
		})
		e.setPhase(r, workflow.PhaseRunning, "")
		e.publish(r, workflow.Event{
			Type: workflow.EventWorkflowResumed, WorkflowID: r.id(), Reason: "hitl_resolved",
		})
		if outcome.Response != nil && outcome.Response.Action == workflow.HITLCancel {
			return nil, apperrors.NewPermanentError(
				fmt.Errorf("hitl request %s answered with cancel", registered.RequestID),
				"the human cancelled at the checkpoint")
		}
		return outcome.Response, nil
	case workflow.HITLExpired:
		e.publish(r, workflow.Event{
			Type: workflow.EventHITLExpired, WorkflowID: r.id(), StageID: req.StageID,
		})
		e.setPhase(r, workflow.PhaseRunning, "")
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("hitl request %s expired", registered.RequestID), "nobody answered the checkpoint in time")
	default:
		e.publish(r, workflow.Event{
			Type: workflow.EventHITLCancelled, WorkflowID: r.id(), StageID: req.StageID,
		})
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("hitl request %s cancelled", registered.RequestID), "the checkpoint was cancelled")
	}
}

// complete finishes a workflow successfully.
func (e *Engine) complete(r *run, finalText string) {
	if finalText != "" {
		if err := e.conversations.AppendMessage(r.state.SessionID, store.MessageRecord{
			Role: "assistant", Content: finalText, WorkflowID: r.id(),
		}); err != nil {
			e.logger.Error("persist final message for %s: %v", r.id(), err)
		}
	}
	if err := e.workspaces.CleanBackups(r.state.SessionID); err != nil {
		e.logger.Warn("clean backups for session %s: %v", r.state.SessionID, err)
	}
	e.setPhase(r, workflow.PhaseCompleted, "")
	e.recordSummary(r, finalText)
	e.checkpoint(r)
	e.publish(r, workflow.Event{Type: workflow.EventWorkflowCompleted, WorkflowID: r.id()})
	e.logger.Info("workflow %s completed", r.id())
}

// fail finishes a workflow with a failure reason.
func (e *Engine) fail(r *run, reason string, err error) {
	e.logger.Error("workflow %s failed (%s): %v", r.id(), reason, err)
	e.skipUnsettled(r)
	e.setPhase(r, workflow.PhaseFailed, reason)
	e.recordSummary(r, "")
	e.checkpoint(r)
	e.publish(r, workflow.Event{Type: workflow.EventWorkflowFailed, WorkflowID: r.id(), Reason: reason})
}

// failOrCancel resolves an error from the run loop into cancelled, deadline
// failed, or plain failed.
func (e *Engine) failOrCancel(ctx context.Context, r *run, reason string, err error) {
	switch {
	case r.isCancelRequested():
		e.terminate(r, workflow.PhaseCancelled, "cancelled by user")
	case ctx.Err() == context.DeadlineExceeded:
		e.fail(r, "deadline_exceeded", err)
	case apperrors.IsResourceExhausted(err):
		e.fail(r, "resource_exhausted", err)
	default:
		e.fail(r, reason, err)
	}
}

// terminate force-finishes a run that never got to execute (queued cancel,
// shutdown) or was cancelled mid-flight.
func (e *Engine) terminate(r *run, phase workflow.Phase, reason string) {
	e.skipUnsettled(r)
	e.setPhase(r, phase, reason)
	e.recordSummary(r, "")
	e.checkpoint(r)
	eventType := workflow.EventWorkflowCancelled
	if phase == workflow.PhaseFailed {
		eventType = workflow.EventWorkflowFailed
	}
	e.publish(r, workflow.Event{Type: eventType, WorkflowID: r.id(), Reason: reason})
}

// pauseUser honors a pause request at a stage boundary.
func (e *Engine) pauseUser(r *run) {
	e.setPhase(r, workflow.PhasePausedUser, "user")
	e.checkpoint(r)
	e.publish(r, workflow.Event{Type: workflow.EventWorkflowPaused, WorkflowID: r.id(), Reason: "user"})
	e.logger.Info("workflow %s paused by user", r.id())
}

func (e *Engine) recordSummary(r *run, summary string) {
	r.stateMu.Lock()
	rec := store.WorkflowSummary{
		WorkflowID: r.id(),
		Phase:      r.state.Phase,
		Reason:     r.state.Reason,
		Summary:    summary,
		StartedAt:  r.state.CreatedAt,
		FinishedAt: time.Now(),
	}
	sessionID := r.state.SessionID
	r.stateMu.Unlock()
	if err := e.conversations.AppendWorkflow(sessionID, rec); err != nil {
		e.logger.Error("persist workflow summary for %s: %v", r.id(), err)
	}
}

// skipUnsettled marks every non-terminal stage skipped so the final state is
// coherent.
func (e *Engine) skipUnsettled(r *run) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	for _, ss := range r.state.StageStates {
		if !ss.Status.Terminal() {
			ss.Status = workflow.StageSkipped
		}
	}
}

// setPhase transitions the workflow phase, logging (but tolerating) a
// transition the state machine does not list so a crash never wedges a run.
func (e *Engine) setPhase(r *run, phase workflow.Phase, reason string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.Phase == phase {
		return
	}
	if !r.state.Phase.CanTransition(phase) {
		e.logger.Warn("workflow %s forcing phase %s -> %s", r.id(), r.state.Phase, phase)
	}
	r.state.Phase = phase
	r.state.Reason = reason
	r.state.UpdatedAt = time.Now()
}

// checkpoint persists the current state. Persistence failures are logged, not
// fatal: the workflow keeps running and the next boundary retries.
func (e *Engine) checkpoint(r *run) {
	r.stateMu.Lock()
	state := r.state.Clone()
	r.stateMu.Unlock()
	state.Context = r.board.Snapshot()
	state.AccessLog = r.board.AccessLog()
	if err := e.checkpoints.Save(state); err != nil {
		e.logger.Error("checkpoint workflow %s: %v", r.id(), err)
	}
}

func (e *Engine) startHeartbeat(ctx context.Context, r *run) func() {
	ticker := time.NewTicker(heartbeatInterval)
	async.Go(e.logger, "heartbeat-"+r.id(), func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.publish(r, workflow.Event{Type: workflow.EventHeartbeat, WorkflowID: r.id()})
			}
		}
	})
	return ticker.Stop
}

func (e *Engine) userPauseRequested(r *run) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.pauseRequested
}

func (e *Engine) paused(r *run) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state.Phase == workflow.PhasePausedUser
}

func (r *run) isCancelRequested() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.cancelRequested
}

func issuesToJSON(issues []ports.Issue) string {
	raw, err := json.Marshal(issues)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
