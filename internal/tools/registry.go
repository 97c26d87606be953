package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// Sentinel errors surfaced by Get and Execute.
var (
	ErrNotFound          = fmt.Errorf("tool not found")
	ErrInvalidParams     = fmt.Errorf("invalid_params")
	ErrUnavailableInMode = fmt.Errorf("tool_unavailable_in_mode")
)

// DefaultToolTimeout bounds a single tool invocation unless the caller's
// context is tighter.
const DefaultToolTimeout = 60 * time.Second

type registration struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is the tool catalog. It is populated at startup and read-only
// afterwards; only the network-mode cell changes at runtime.
type Registry struct {
	tools   map[string]*registration
	mode    *ModeCell
	timeout time.Duration
	logger  logging.Logger
	metrics ExecObserver
}

// ExecObserver is notified after every execution, for metrics.
type ExecObserver func(tool string, success bool, elapsed time.Duration)

// NewRegistry creates an empty registry bound to a mode cell.
func NewRegistry(mode *ModeCell, logger logging.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*registration),
		mode:    mode,
		timeout: DefaultToolTimeout,
		logger:  logging.OrNop(logger),
	}
}

// SetObserver installs the metrics hook. Startup-time only.
func (r *Registry) SetObserver(obs ExecObserver) { r.metrics = obs }

// SetTimeout overrides the default per-call timeout. Startup-time only.
func (r *Registry) SetTimeout(d time.Duration) { r.timeout = d }

// Register adds a tool and compiles its parameter schema. Duplicate names
// and malformed schemas are startup errors.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q registered twice", name)
	}

	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("marshal schema for %q: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse schema for %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "maestro://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %q: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", name, err)
	}

	r.tools[name] = &registration{tool: t, schema: schema}
	r.logger.Debug("tool registered: %s (%s/%s)", name, t.Category(), t.NetworkType())
	return nil
}

// MustRegister panics on registration failure. Used during startup wiring
// where a bad builtin is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool if it exists and is available under the current network
// mode. The availability check here is advisory; Execute re-checks.
func (r *Registry) Get(name string) (Tool, error) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !r.mode.Allows(reg.tool.NetworkType()) {
		return nil, fmt.Errorf("%w: %s requires network access", ErrUnavailableInMode, name)
	}
	return reg.tool, nil
}

// List returns the catalog sorted by name, with availability under the
// current mode.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.tools))
	for _, reg := range r.tools {
		t := reg.tool
		out = append(out, Info{
			Name:        t.Name(),
			Description: t.Description(),
			Category:    t.Category(),
			NetworkType: t.NetworkType(),
			Available:   r.mode.Allows(t.NetworkType()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates params against the tool's schema and runs it bounded by
// the per-call timeout. The mode check here is authoritative: a tool fetched
// while online will still be refused if the mode flipped to offline.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !r.mode.Allows(reg.tool.NetworkType()) {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("%w: %s", ErrUnavailableInMode, name),
			fmt.Sprintf("tool %s is unavailable in offline mode", name))
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := reg.schema.Validate(normalizeParams(params)); err != nil {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("%w: %v", ErrInvalidParams, err),
			fmt.Sprintf("invalid parameters for tool %s", name))
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := reg.tool.Execute(execCtx, params)
	elapsed := time.Since(start)

	if err == nil && execCtx.Err() == context.DeadlineExceeded {
		err = execCtx.Err()
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			// Timeouts are retriable by the caller.
			err = apperrors.NewTransientError(
				fmt.Errorf("tool %s timed out after %v", name, r.timeout), "tool execution timed out")
		}
		r.observe(name, false, elapsed)
		r.logger.Warn("tool %s failed after %v: %v", name, elapsed, err)
		return nil, err
	}

	result.Metrics.Elapsed = elapsed
	result.Metrics.OutputBytes = len(result.Output)
	r.observe(name, result.Success, elapsed)
	r.logger.Debug("tool %s finished: success=%v elapsed=%v", name, result.Success, elapsed)
	return result, nil
}

func (r *Registry) observe(name string, success bool, elapsed time.Duration) {
	if r.metrics != nil {
		r.metrics(name, success, elapsed)
	}
}

// normalizeParams round-trips params through JSON so integers arrive as
// json.Number-compatible float64 values the schema validator expects.
func normalizeParams(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return params
	}
	return doc
}
