package tools

import (
	"sync/atomic"

	"maestro/internal/config"
)

// ModeCell is the process-wide network mode switch. It is the only mutable
// piece of the tool subsystem after startup; changes go through Set and are
// logged by the caller.
type ModeCell struct {
	v atomic.Value
}

// NewModeCell creates a cell initialized to mode.
func NewModeCell(mode config.NetworkMode) *ModeCell {
	c := &ModeCell{}
	c.v.Store(mode)
	return c
}

// Get returns the current mode.
func (c *ModeCell) Get() config.NetworkMode {
	return c.v.Load().(config.NetworkMode)
}

// Set switches the mode.
func (c *ModeCell) Set(mode config.NetworkMode) {
	c.v.Store(mode)
}

// Allows reports whether a tool with the given network type may run under
// the current mode.
func (c *ModeCell) Allows(nt NetworkType) bool {
	if c.Get() == config.NetworkOffline {
		return nt != NetworkExternalAPI
	}
	return true
}
