package handlers

import (
	"maestro/internal/agent/ports"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// Options configures the default handler set.
type Options struct {
	AllowQuestions bool
	StageDefaults  StageDefaults
	// SecurityRulesFile optionally extends the security gate's built-in
	// rules with a YAML rule file.
	SecurityRulesFile string
}

// NewRegistry wires the eight standard handlers around one LLM client.
func NewRegistry(client llm.Client, opts Options, logger logging.Logger) ports.Registry {
	return ports.Registry{
		workflow.RoleSupervisor:   NewSupervisor(client, opts.AllowQuestions, opts.StageDefaults, logger),
		workflow.RolePlanner:      NewPlanner(client, logger),
		workflow.RoleCoder:        NewCoder(client, logger),
		workflow.RoleReviewer:     NewReviewer(client, logger),
		workflow.RoleQAGate:       NewQAGate(logger),
		workflow.RoleSecurityGate: NewSecurityGate(opts.SecurityRulesFile, logger),
		workflow.RoleRefiner:      NewRefiner(client, logger),
		workflow.RoleAggregator:   NewAggregator(client, logger),
	}
}
