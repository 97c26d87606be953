// Package blackboard implements the per-workflow shared context: an
// append-only key/value store agents use to hand results to each other.
package blackboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// ErrContextFull is wrapped into the ResourceExhaustedError returned when a
// put would exceed the entry or byte cap.
var ErrContextFull = fmt.Errorf("shared context full")


// Config caps a blackboard instance.
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// DefaultConfig matches the engine defaults.
func DefaultConfig() Config {
	return Config{MaxEntries: 256, MaxBytes: 4 << 20}
}

// Blackboard is the shared context for one workflow. Writes are append-only
// and keys are unique; every access is journaled so the final report can show
// which agent read and wrote what.
type Blackboard struct {
	workflowID string
	config     Config
	logger     logging.Logger

	mu        sync.RWMutex
	entries   map[string]workflow.ContextEntry
	order     []string // insertion order for deterministic listing
	usedBytes int64
	accessLog []workflow.AccessRecord

	onUpdate func(entry workflow.ContextEntry)
}

// New creates an empty blackboard for one workflow.
func New(workflowID string, config Config, logger logging.Logger) *Blackboard {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	return &Blackboard{
		workflowID: workflowID,
		config:     config,
		logger:     logging.OrNop(logger),
		entries:    make(map[string]workflow.ContextEntry),
	}
}

// OnUpdate registers a callback invoked after each successful put. The engine
// uses it to publish context_updated events.
func (b *Blackboard) OnUpdate(fn func(entry workflow.ContextEntry)) {
	b.mu.Lock()
	b.onUpdate = fn
	b.mu.Unlock()
}

// Put appends an entry. The value is measured by its JSON encoding; a put
// that would push the blackboard past either cap fails the whole workflow
// with a resource-exhausted error rather than silently evicting.
//
// Keys are unique per workflow. When two stages race on the same key, the
// write from the lexicographically lower agent (stage) ID wins and the other
// is journaled as shadowed; shadowed reports whether this call lost.
func (b *Blackboard) Put(agentID string, role workflow.AgentRole, key string, value any, description string) (shadowed bool, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, apperrors.NewPermanentError(err, fmt.Sprintf("context value for %q is not serializable", key))
	}
	size := int64(len(raw)) + int64(len(key))

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if existing, exists := b.entries[key]; exists {
		if existing.AgentID <= agentID {
			// Incumbent wins; this write is shadowed.
			b.accessLog = append(b.accessLog, workflow.AccessRecord{
				Action: workflow.AccessShadowed, Key: key, AgentID: agentID, AgentRole: role, Timestamp: now,
			})
			b.logger.Debug("context put shadowed: workflow=%s key=%s loser=%s winner=%s",
				b.workflowID, key, agentID, existing.AgentID)
			return true, nil
		}
		// The new writer has the lower stage ID: it takes the key and the
		// incumbent's write becomes the shadowed one.
		oldRaw, _ := json.Marshal(existing.Value)
		delta := size - (int64(len(oldRaw)) + int64(len(key)))
		if b.usedBytes+delta > b.config.MaxBytes {
			return false, apperrors.NewResourceExhaustedError(
				fmt.Errorf("%w: %d bytes used, %d requested", ErrContextFull, b.usedBytes, size), "shared_context")
		}
		entry := workflow.ContextEntry{
			Key: key, AgentID: agentID, AgentRole: role,
			Value: value, Description: description, Timestamp: now,
		}
		b.entries[key] = entry
		b.usedBytes += delta
		b.accessLog = append(b.accessLog, workflow.AccessRecord{
			Action: workflow.AccessShadowed, Key: key, AgentID: existing.AgentID, AgentRole: existing.AgentRole, Timestamp: now,
		}, workflow.AccessRecord{
			Action: workflow.AccessPut, Key: key, AgentID: agentID, AgentRole: role, Timestamp: now,
		})
		if b.onUpdate != nil {
			b.onUpdate(entry)
		}
		return false, nil
	}

	if len(b.entries)+1 > b.config.MaxEntries {
		return false, apperrors.NewResourceExhaustedError(
			fmt.Errorf("%w: %d entries", ErrContextFull, len(b.entries)), "shared_context")
	}
	if b.usedBytes+size > b.config.MaxBytes {
		return false, apperrors.NewResourceExhaustedError(
			fmt.Errorf("%w: %d bytes used, %d requested", ErrContextFull, b.usedBytes, size), "shared_context")
	}

	entry := workflow.ContextEntry{
		Key:         key,
		AgentID:     agentID,
		AgentRole:   role,
		Value:       value,
		Description: description,
		Timestamp:   now,
	}
	b.entries[key] = entry
	b.order = append(b.order, key)
	b.usedBytes += size
	b.accessLog = append(b.accessLog, workflow.AccessRecord{
		Action: workflow.AccessPut, Key: key, AgentID: agentID, AgentRole: role, Timestamp: entry.Timestamp,
	})
	b.logger.Debug("context put: workflow=%s key=%s agent=%s size=%d", b.workflowID, key, agentID, size)

	if b.onUpdate != nil {
		b.onUpdate(entry)
	}
	return false, nil
}

// Get returns the entry for key and journals the read.
func (b *Blackboard) Get(agentID string, key string) (workflow.ContextEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if ok {
		b.accessLog = append(b.accessLog, workflow.AccessRecord{
			Action: workflow.AccessGet, Key: key, AgentID: agentID, Timestamp: time.Now(),
		})
	}
	return entry, ok
}

// GetMany resolves a set of input refs in order, skipping missing keys.
func (b *Blackboard) GetMany(agentID string, keys []string) []workflow.ContextEntry {
	out := make([]workflow.ContextEntry, 0, len(keys))
	for _, k := range keys {
		if entry, ok := b.Get(agentID, k); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Keys returns all keys in insertion order.
func (b *Blackboard) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Snapshot returns a copy of all entries keyed by key.
func (b *Blackboard) Snapshot() map[string]workflow.ContextEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]workflow.ContextEntry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// AccessLog returns a copy of the journal.
func (b *Blackboard) AccessLog() []workflow.AccessRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]workflow.AccessRecord(nil), b.accessLog...)
}

// UsedBytes reports current byte usage.
func (b *Blackboard) UsedBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usedBytes
}

// Len reports the entry count.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Restore rebuilds a blackboard from checkpointed state. Entries arrive as a
// map, so insertion order is recovered from entry timestamps. The journal is
// carried over verbatim so diagnostics span the pause.
func Restore(workflowID string, config Config, logger logging.Logger, entries map[string]workflow.ContextEntry, accessLog []workflow.AccessRecord) (*Blackboard, error) {
	b := New(workflowID, config, logger)

	ordered := make([]workflow.ContextEntry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	for _, e := range ordered {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			return nil, apperrors.NewIntegrityError(err, fmt.Sprintf("checkpointed context entry %q is malformed", e.Key))
		}
		b.entries[e.Key] = e
		b.order = append(b.order, e.Key)
		b.usedBytes += int64(len(raw)) + int64(len(e.Key))
	}
	b.accessLog = append(b.accessLog, accessLog...)
	return b, nil
}
