package errors

import (
	"fmt"
	"sync"
	"time"
)

// GateState represents the state of a cooldown gate.
type GateState int

const (
	// GateClosed - normal operation, requests allowed.
	GateClosed GateState = iota
	// GateOpen - failing, requests blocked until the cooldown elapses.
	GateOpen
	// GateHalfOpen - probing whether the target recovered.
	GateHalfOpen
)

func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GateOpen:
		return "open"
	case GateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CooldownConfig configures a cooldown gate.
type CooldownConfig struct {
	FailureThreshold int           // consecutive failures to open (default 3)
	SuccessThreshold int           // consecutive half-open successes to close (default 1)
	Cooldown         time.Duration // time before probing again (default 30s)
}

// DefaultCooldownConfig returns sensible defaults.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// CooldownGate soft-disables a failing target for a cooldown window. It is
// used to rotate past unhealthy LLM endpoints without hammering them.
type CooldownGate struct {
	name   string
	config CooldownConfig

	mu           sync.Mutex
	state        GateState
	failureCount int
	successCount int
	openedAt     time.Time
}

// NewCooldownGate creates a gate for the named target.
func NewCooldownGate(name string, config CooldownConfig) *CooldownGate {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CooldownGate{name: name, config: config, state: GateClosed}
}

// Allow reports whether a request may proceed. When the cooldown has elapsed
// the gate moves to half-open and lets one probe through.
func (g *CooldownGate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case GateClosed, GateHalfOpen:
		return nil
	case GateOpen:
		if time.Since(g.openedAt) >= g.config.Cooldown {
			g.state = GateHalfOpen
			g.successCount = 0
			return nil
		}
		return NewTransientError(
			fmt.Errorf("target %s cooling down", g.name),
			fmt.Sprintf("endpoint %s temporarily disabled after repeated failures", g.name),
		)
	default:
		return nil
	}
}

// Mark records a request outcome.
func (g *CooldownGate) Mark(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		switch g.state {
		case GateHalfOpen:
			g.successCount++
			if g.successCount >= g.config.SuccessThreshold {
				g.state = GateClosed
				g.failureCount = 0
			}
		case GateClosed:
			g.failureCount = 0
		}
		return
	}

	switch g.state {
	case GateHalfOpen:
		g.state = GateOpen
		g.openedAt = time.Now()
	case GateClosed:
		g.failureCount++
		if g.failureCount >= g.config.FailureThreshold {
			g.state = GateOpen
			g.openedAt = time.Now()
		}
	}
}

// State returns the current gate state.
func (g *CooldownGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GateOpen && time.Since(g.openedAt) >= g.config.Cooldown {
		return GateHalfOpen
	}
	return g.state
}
