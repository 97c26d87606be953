package workflow

import (
	"fmt"
	"sort"
)

// ValidRoles is the closed set of roles a plan may reference.
var ValidRoles = map[AgentRole]bool{
	RoleSupervisor:   true,
	RolePlanner:      true,
	RoleCoder:        true,
	RoleReviewer:     true,
	RoleQAGate:       true,
	RoleSecurityGate: true,
	RoleRefiner:      true,
	RoleAggregator:   true,
}

// Validate checks plan structure: unique stage IDs, known roles, dependencies
// that exist, and no cycles. A plan that fails validation is rejected before
// any stage runs.
func (p *Plan) Validate() error {
	if p == nil || len(p.Stages) == 0 {
		if p != nil && p.QuickQA {
			return nil
		}
		return fmt.Errorf("plan has no stages")
	}

	byID := make(map[string]*Stage, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		if st.ID == "" {
			return fmt.Errorf("stage %d has empty id", i)
		}
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("duplicate stage id %q", st.ID)
		}
		if !ValidRoles[st.Role] {
			return fmt.Errorf("stage %q references unknown role %q", st.ID, st.Role)
		}
		byID[st.ID] = st
	}

	for _, st := range p.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return fmt.Errorf("stage %q depends on itself", st.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("stage %q depends on unknown stage %q", st.ID, dep)
			}
		}
	}

	if cycle := findCycle(p.Stages); len(cycle) > 0 {
		return fmt.Errorf("plan contains a dependency cycle: %v", cycle)
	}
	return nil
}

// findCycle runs a colored DFS and returns one cycle's members, or nil.
func findCycle(stages []Stage) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(stages))
	for _, st := range stages {
		deps[st.ID] = st.DependsOn
	}
	color := make(map[string]int, len(stages))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				cycle = append(cycle, dep, id)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(stages))
	for _, st := range stages {
		ids = append(ids, st.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Stage returns the stage with the given id, or nil.
func (p *Plan) Stage(id string) *Stage {
	if p == nil {
		return nil
	}
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// ReadyStages returns the stages whose dependencies have all completed and
// that are still pending, in plan order. Stages whose dependencies failed or
// were skipped are not ready; the scheduler skips them separately.
func (p *Plan) ReadyStages(states map[string]*StageState) []*Stage {
	var ready []*Stage
	for i := range p.Stages {
		st := &p.Stages[i]
		state := states[st.ID]
		if state == nil || state.Status != StagePending {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			depState := states[dep]
			if depState == nil || depState.Status != StageCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// BlockedStages returns pending stages with at least one dependency in a
// terminal non-completed state. These can never run and should be skipped.
func (p *Plan) BlockedStages(states map[string]*StageState) []*Stage {
	var blocked []*Stage
	for i := range p.Stages {
		st := &p.Stages[i]
		state := states[st.ID]
		if state == nil || state.Status != StagePending {
			continue
		}
		for _, dep := range st.DependsOn {
			depState := states[dep]
			if depState != nil && depState.Status.Terminal() && depState.Status != StageCompleted {
				blocked = append(blocked, st)
				break
			}
		}
	}
	return blocked
}

// Settled reports whether every stage is in a terminal state.
func (p *Plan) Settled(states map[string]*StageState) bool {
	for _, st := range p.Stages {
		state := states[st.ID]
		if state == nil || !state.Status.Terminal() {
			return false
		}
	}
	return true
}

// InitialStates builds the pending stage-state map for a fresh plan.
func (p *Plan) InitialStates() map[string]*StageState {
	states := make(map[string]*StageState, len(p.Stages))
	for _, st := range p.Stages {
		states[st.ID] = &StageState{Status: StagePending}
	}
	return states
}
