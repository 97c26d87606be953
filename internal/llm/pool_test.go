package llm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "maestro/internal/errors"
)

func TestPoolRoundRobin(t *testing.T) {
	a := NewMockClient()
	a.Fallback = "from-a"
	b := NewMockClient()
	b.Fallback = "from-b"

	pool := NewPoolWithClients(map[string]Client{"a": a, "b": b}, 2, nil)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		resp, err := pool.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
		require.NoError(t, err)
		seen[resp.Content]++
	}
	assert.Equal(t, 2, seen["from-a"])
	assert.Equal(t, 2, seen["from-b"])
}

func TestPoolCoolsDownFailingEndpoint(t *testing.T) {
	bad := NewMockClient()
	bad.Fallback = "from-bad"
	transient := apperrors.NewTransientError(fmt.Errorf("boom"), "backend down")
	bad.FailNext(transient, transient, transient, transient)

	good := NewMockClient()
	good.Fallback = "from-good"

	pool := NewPoolWithClients(map[string]Client{"bad": bad, "good": good}, 2, nil)

	// Enough requests to trip the bad endpoint's gate (threshold 3).
	var contents []string
	for i := 0; i < 8; i++ {
		resp, err := pool.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
		if err == nil {
			contents = append(contents, resp.Content)
		}
	}

	states := pool.GateStates()
	assert.Equal(t, "open", states["bad"])
	assert.Equal(t, "closed", states["good"])

	// Once the gate is open, traffic lands on the healthy endpoint only.
	resp, err := pool.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "from-good", resp.Content)
	assert.NotEmpty(t, contents)
}

func TestRetryClientRetriesTransient(t *testing.T) {
	mock := NewMockClient()
	mock.Fallback = "eventually"
	mock.FailNext(apperrors.NewTransientError(fmt.Errorf("flaky"), "try again"))

	rc := NewRetryClient(mock, apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: 1, MaxDelay: 1}, nil)
	resp, err := rc.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Content)
	assert.Len(t, mock.Calls(), 2)
}

func TestRetryClientStopsOnPermanent(t *testing.T) {
	mock := NewMockClient()
	mock.FailNext(apperrors.NewPermanentError(fmt.Errorf("bad request"), "rejected"))

	rc := NewRetryClient(mock, apperrors.RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 1}, nil)
	_, err := rc.Chat(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
	assert.Len(t, mock.Calls(), 1)
}

func TestRetryClientStreamNoReplayAfterFirstDelta(t *testing.T) {
	mock := NewMockClient()
	mock.Fallback = "partial output"

	rc := NewRetryClient(mock, apperrors.RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 1}, nil)

	// Handler fails after the first delta; the stream must not be replayed.
	calls := 0
	_, err := rc.ChatStream(t.Context(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}},
		func(chunk StreamChunk) error {
			calls++
			return fmt.Errorf("consumer gone")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, mock.Calls(), 1)
}
