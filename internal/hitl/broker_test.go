package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/workflow"
)

func newRequest(workflowID string) workflow.HITLRequest {
	return workflow.HITLRequest{
		WorkflowID:  workflowID,
		SessionID:   "s1",
		Type:        workflow.CheckpointApproval,
		Title:       "Apply changes",
		Description: "apply these changes?",
	}
}

func TestRegisterAndResolve(t *testing.T) {
	b := NewBroker(nil)
	req := b.Register(newRequest("wf-1"))
	require.NotEmpty(t, req.RequestID)
	assert.Equal(t, workflow.HITLPending, req.Status)

	done := make(chan Outcome, 1)
	go func() {
		out, err := b.Await(context.Background(), req.RequestID)
		require.NoError(t, err)
		done <- out
	}()

	// Give the waiter a moment to attach before resolving.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Resolve(workflow.HITLResponse{
		RequestID: req.RequestID,
		Action:    workflow.HITLApprove,
	}))

	out := <-done
	assert.Equal(t, workflow.HITLResolved, out.Status)
	require.NotNil(t, out.Response)
	assert.Equal(t, workflow.HITLApprove, out.Response.Action)
	assert.False(t, out.Response.ResolvedAt.IsZero())
}

func TestResolveUnknownRequest(t *testing.T) {
	b := NewBroker(nil)
	err := b.Resolve(workflow.HITLResponse{RequestID: "ghost", Action: workflow.HITLApprove})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestDoubleResolveRejected(t *testing.T) {
	b := NewBroker(nil)
	req := b.Register(newRequest("wf-1"))

	require.NoError(t, b.Resolve(workflow.HITLResponse{RequestID: req.RequestID, Action: workflow.HITLApprove}))
	err := b.Resolve(workflow.HITLResponse{RequestID: req.RequestID, Action: workflow.HITLReject})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAwaitDeadlineExpires(t *testing.T) {
	b := NewBroker(nil)
	req := newRequest("wf-1")
	req.Deadline = time.Now().Add(30 * time.Millisecond)
	req = b.Register(req)

	out, err := b.Await(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, workflow.HITLExpired, out.Status)

	// Late response hits a settled request.
	err = b.Resolve(workflow.HITLResponse{RequestID: req.RequestID, Action: workflow.HITLApprove})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAwaitContextCancellation(t *testing.T) {
	b := NewBroker(nil)
	req := b.Register(newRequest("wf-1"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Await(ctx, req.RequestID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.Pending(""))
}

func TestCancelWorkflowSettlesAllPending(t *testing.T) {
	b := NewBroker(nil)
	b.Register(newRequest("wf-1"))
	b.Register(newRequest("wf-1"))
	other := b.Register(newRequest("wf-2"))

	n := b.CancelWorkflow("wf-1")
	assert.Equal(t, 2, n)

	pending := b.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, other.RequestID, pending[0].RequestID)
}

func TestPendingListsOldestFirst(t *testing.T) {
	b := NewBroker(nil)
	first := b.Register(newRequest("wf-1"))
	time.Sleep(5 * time.Millisecond)
	second := b.Register(newRequest("wf-1"))

	pending := b.Pending("wf-1")
	require.Len(t, pending, 2)
	assert.Equal(t, first.RequestID, pending[0].RequestID)
	assert.Equal(t, second.RequestID, pending[1].RequestID)

	assert.Empty(t, b.Pending("wf-9"))
}

func TestListenersObserveLifecycle(t *testing.T) {
	b := NewBroker(nil)

	type call struct {
		status  workflow.HITLStatus
		settled bool
	}
	var calls []call
	b.AddListener(func(req workflow.HITLRequest, outcome *Outcome) {
		calls = append(calls, call{status: req.Status, settled: outcome != nil})
	})

	req := b.Register(newRequest("wf-1"))
	require.NoError(t, b.Cancel(req.RequestID))

	require.Len(t, calls, 2)
	assert.Equal(t, call{workflow.HITLPending, false}, calls[0])
	assert.Equal(t, call{workflow.HITLCancelled, true}, calls[1])
}

func TestSweeperExpiresOrphanedRequests(t *testing.T) {
	b := NewBroker(nil)
	defer b.StopSweeper()

	req := newRequest("wf-1")
	req.Deadline = time.Now().Add(20 * time.Millisecond)
	req = b.Register(req)

	b.StartSweeper(10 * time.Millisecond)

	assert.Eventually(t, func() bool {
		_, stillPending := b.Get(req.RequestID)
		return !stillPending
	}, time.Second, 10*time.Millisecond)
}
