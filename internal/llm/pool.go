package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// endpoint is one pooled backend with its health gate and concurrency limit.
type endpoint struct {
	client Client
	name   string
	gate   *apperrors.CooldownGate
	sem    *semaphore.Weighted
}

// Pool load-balances across OpenAI-compatible endpoints. Selection is
// round-robin over endpoints whose cooldown gate admits traffic; each
// endpoint carries its own in-flight limit.
type Pool struct {
	endpoints []*endpoint
	model     string
	logger    logging.Logger
	cursor    atomic.Uint64
}

// PoolConfig configures a pool.
type PoolConfig struct {
	Endpoints        []string
	APIKey           string
	Model            string
	EndpointParallel int64
	Cooldown         apperrors.CooldownConfig
}

// NewPool builds a pool of OpenAI clients, one per endpoint URL.
func NewPool(cfg PoolConfig, logger logging.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no llm endpoints configured")
	}
	if cfg.EndpointParallel <= 0 {
		cfg.EndpointParallel = 2
	}
	logger = logging.OrNop(logger)

	p := &Pool{model: cfg.Model, logger: logger}
	for _, url := range cfg.Endpoints {
		p.endpoints = append(p.endpoints, &endpoint{
			client: NewOpenAIClient(url, cfg.APIKey, cfg.Model, WithLogger(logger)),
			name:   url,
			gate:   apperrors.NewCooldownGate(url, cfg.Cooldown),
			sem:    semaphore.NewWeighted(cfg.EndpointParallel),
		})
	}
	return p, nil
}

// NewPoolWithClients builds a pool around existing clients. Used in tests.
func NewPoolWithClients(clients map[string]Client, parallel int64, logger logging.Logger) *Pool {
	if parallel <= 0 {
		parallel = 2
	}
	p := &Pool{logger: logging.OrNop(logger)}
	for name, c := range clients {
		p.endpoints = append(p.endpoints, &endpoint{
			client: c,
			name:   name,
			gate:   apperrors.NewCooldownGate(name, apperrors.DefaultCooldownConfig()),
			sem:    semaphore.NewWeighted(parallel),
		})
		if p.model == "" {
			p.model = c.Model()
		}
	}
	return p
}

// Model returns the pool's model name.
func (p *Pool) Model() string { return p.model }

// pick selects the next admitting endpoint round-robin. When every gate is
// open the first endpoint is returned anyway so its half-open probe can run
// once the cooldown elapses.
func (p *Pool) pick() (*endpoint, error) {
	n := len(p.endpoints)
	start := int(p.cursor.Add(1)-1) % n
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if ep.gate.Allow() == nil {
			return ep, nil
		}
	}
	return nil, apperrors.NewTransientError(
		fmt.Errorf("all %d llm endpoints cooling down", n),
		"all model backends are temporarily disabled")
}

func (p *Pool) withEndpoint(ctx context.Context, fn func(ep *endpoint) error) error {
	ep, err := p.pick()
	if err != nil {
		return err
	}
	if err := ep.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ep.sem.Release(1)

	err = fn(ep)
	// Only transient failures count against the gate; a permanent rejection
	// says nothing about endpoint health.
	if err == nil || apperrors.IsTransient(err) {
		ep.gate.Mark(err)
	}
	if err != nil {
		p.logger.Warn("endpoint %s failed: %v", ep.name, err)
	}
	return err
}

// Chat performs a blocking completion on the next healthy endpoint.
func (p *Pool) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out *ChatResponse
	err := p.withEndpoint(ctx, func(ep *endpoint) error {
		var err error
		out, err = ep.client.Chat(ctx, req)
		return err
	})
	return out, err
}

// ChatStream streams a completion on the next healthy endpoint.
func (p *Pool) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	var out *ChatResponse
	err := p.withEndpoint(ctx, func(ep *endpoint) error {
		var err error
		out, err = ep.client.ChatStream(ctx, req, handler)
		return err
	})
	return out, err
}

// GateStates reports each endpoint's gate state, for /health.
func (p *Pool) GateStates() map[string]string {
	out := make(map[string]string, len(p.endpoints))
	for _, ep := range p.endpoints {
		out[ep.name] = ep.gate.State().String()
	}
	return out
}
