package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearPlan() *Plan {
	return &Plan{
		Revision: 1,
		Stages: []Stage{
			{ID: "plan", Role: RolePlanner},
			{ID: "code", Role: RoleCoder, DependsOn: []string{"plan"}},
			{ID: "review", Role: RoleReviewer, DependsOn: []string{"code"}},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	t.Run("valid linear plan", func(t *testing.T) {
		require.NoError(t, linearPlan().Validate())
	})

	t.Run("empty plan rejected", func(t *testing.T) {
		err := (&Plan{}).Validate()
		assert.ErrorContains(t, err, "no stages")
	})

	t.Run("quick qa plan has no stages", func(t *testing.T) {
		assert.NoError(t, (&Plan{QuickQA: true}).Validate())
	})

	t.Run("duplicate stage id", func(t *testing.T) {
		p := &Plan{Stages: []Stage{
			{ID: "a", Role: RoleCoder},
			{ID: "a", Role: RoleReviewer},
		}}
		assert.ErrorContains(t, p.Validate(), "duplicate stage id")
	})

	t.Run("unknown role", func(t *testing.T) {
		p := &Plan{Stages: []Stage{{ID: "a", Role: "intern"}}}
		assert.ErrorContains(t, p.Validate(), "unknown role")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		p := &Plan{Stages: []Stage{{ID: "a", Role: RoleCoder, DependsOn: []string{"ghost"}}}}
		assert.ErrorContains(t, p.Validate(), "unknown stage")
	})

	t.Run("self dependency", func(t *testing.T) {
		p := &Plan{Stages: []Stage{{ID: "a", Role: RoleCoder, DependsOn: []string{"a"}}}}
		assert.ErrorContains(t, p.Validate(), "depends on itself")
	})

	t.Run("cycle detected", func(t *testing.T) {
		p := &Plan{Stages: []Stage{
			{ID: "a", Role: RoleCoder, DependsOn: []string{"b"}},
			{ID: "b", Role: RoleReviewer, DependsOn: []string{"a"}},
		}}
		assert.ErrorContains(t, p.Validate(), "cycle")
	})
}

func TestReadyStages(t *testing.T) {
	p := linearPlan()
	states := p.InitialStates()

	ready := p.ReadyStages(states)
	require.Len(t, ready, 1)
	assert.Equal(t, "plan", ready[0].ID)

	states["plan"].Status = StageCompleted
	ready = p.ReadyStages(states)
	require.Len(t, ready, 1)
	assert.Equal(t, "code", ready[0].ID)

	// A running stage is not offered again.
	states["code"].Status = StageRunning
	assert.Empty(t, p.ReadyStages(states))
}

func TestBlockedStages(t *testing.T) {
	p := linearPlan()
	states := p.InitialStates()
	states["plan"].Status = StageFailed

	blocked := p.BlockedStages(states)
	require.Len(t, blocked, 1)
	assert.Equal(t, "code", blocked[0].ID)

	states["code"].Status = StageSkipped
	blocked = p.BlockedStages(states)
	require.Len(t, blocked, 1)
	assert.Equal(t, "review", blocked[0].ID)
}

func TestSettled(t *testing.T) {
	p := linearPlan()
	states := p.InitialStates()
	assert.False(t, p.Settled(states))

	for _, st := range states {
		st.Status = StageCompleted
	}
	assert.True(t, p.Settled(states))
}

func TestParallelGroupsReadyTogether(t *testing.T) {
	p := &Plan{Stages: []Stage{
		{ID: "plan", Role: RolePlanner},
		{ID: "qa", Role: RoleQAGate, DependsOn: []string{"plan"}, ParallelGroup: "gates"},
		{ID: "sec", Role: RoleSecurityGate, DependsOn: []string{"plan"}, ParallelGroup: "gates"},
	}}
	require.NoError(t, p.Validate())

	states := p.InitialStates()
	states["plan"].Status = StageCompleted

	ready := p.ReadyStages(states)
	require.Len(t, ready, 2)
	assert.Equal(t, ready[0].ParallelGroup, ready[1].ParallelGroup)
}

func TestStageStatusTransitions(t *testing.T) {
	assert.True(t, StagePending.CanTransition(StageReady))
	assert.True(t, StageRunning.CanTransition(StageAwaitingHITL))
	assert.True(t, StageAwaitingHITL.CanTransition(StageRunning))
	assert.False(t, StageCompleted.CanTransition(StageRunning))
	assert.False(t, StagePending.CanTransition(StageCompleted))
	assert.True(t, StageCompleted.Terminal())
	assert.False(t, StageAwaitingHITL.Terminal())
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, PhaseCreated.CanTransition(PhasePlanning))
	assert.True(t, PhaseRunning.CanTransition(PhasePausedHITL))
	assert.True(t, PhasePausedHITL.CanTransition(PhaseRunning))
	assert.False(t, PhaseCompleted.CanTransition(PhaseRunning))
	assert.False(t, PhaseCreated.CanTransition(PhaseFinalizing))
	assert.True(t, PhaseFailed.Terminal())
}

func TestHITLResponseWireNames(t *testing.T) {
	raw := `{
		"request_id": "req-1",
		"action": "edit",
		"feedback": "tighten the loop",
		"modified_content": "for i := range items {",
		"selected_option": "option-b"
	}`
	var resp HITLResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.Equal(t, HITLEdit, resp.Action)
	assert.Equal(t, "for i := range items {", resp.Edited)
	assert.Equal(t, "option-b", resp.Selection)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"modified_content"`)
	assert.Contains(t, string(out), `"selected_option"`)
}

func TestStateClone(t *testing.T) {
	s := &State{
		WorkflowID:  "wf-1",
		Phase:       PhaseRunning,
		Plan:        linearPlan(),
		StageStates: map[string]*StageState{"plan": {Status: StageRunning}},
		Context:     map[string]ContextEntry{"k": {Key: "k", Value: "v"}},
	}
	c := s.Clone()
	c.StageStates["plan"].Status = StageCompleted
	c.Plan.Stages[0].ID = "mutated"

	assert.Equal(t, StageRunning, s.StageStates["plan"].Status)
	assert.Equal(t, "plan", s.Plan.Stages[0].ID)
}
