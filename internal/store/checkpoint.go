package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// ErrCheckpointNotFound reports a workflow with no state file on disk.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")

const stateSuffix = ".state.json"

// Checkpoints persists workflow state files under <data>/workflows/. One file
// per workflow, replaced atomically on every save; the newest save wins.
type Checkpoints struct {
	dir    string
	logger logging.Logger
	mu     sync.Mutex
}

// NewCheckpoints opens (creating if needed) the checkpoint directory.
func NewCheckpoints(baseDir string, logger logging.Logger) (*Checkpoints, error) {
	dir := filepath.Join(expandHome(baseDir), "workflows")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflows dir: %w", err)
	}
	return &Checkpoints{dir: dir, logger: logging.OrNop(logger)}, nil
}

func (c *Checkpoints) path(workflowID string) string {
	return filepath.Join(c.dir, workflowID+stateSuffix)
}

func validWorkflowID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return apperrors.NewIntegrityError(fmt.Errorf("workflow id %q", id), "invalid workflow id")
	}
	return nil
}

// Save replaces the workflow's checkpoint. A stale save (cursor behind what
// is already on disk) is rejected so a slow writer cannot roll back a resume.
func (c *Checkpoints) Save(state *workflow.State) error {
	if state == nil {
		return fmt.Errorf("nil state")
	}
	if err := validWorkflowID(state.WorkflowID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, err := c.loadLocked(state.WorkflowID); err == nil && prev.Cursor > state.Cursor {
		return apperrors.NewIntegrityError(
			fmt.Errorf("checkpoint cursor %d behind stored %d", state.Cursor, prev.Cursor),
			"refusing to overwrite a newer checkpoint")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path(state.WorkflowID), data, 0o644); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", state.WorkflowID, err)
	}
	c.logger.Debug("checkpoint %s saved at cursor %d phase %s", state.WorkflowID, state.Cursor, state.Phase)
	return nil
}

// Load reads one checkpoint.
func (c *Checkpoints) Load(workflowID string) (*workflow.State, error) {
	if err := validWorkflowID(workflowID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(workflowID)
}

func (c *Checkpoints) loadLocked(workflowID string) (*workflow.State, error) {
	data, err := os.ReadFile(c.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, workflowID)
		}
		return nil, err
	}
	var state workflow.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.NewIntegrityError(err, fmt.Sprintf("checkpoint for %s is corrupt", workflowID))
	}
	return &state, nil
}

// Delete removes a checkpoint. Missing files are not an error.
func (c *Checkpoints) Delete(workflowID string) error {
	if err := validWorkflowID(workflowID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path(workflowID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every stored workflow id, sorted.
func (c *Checkpoints) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), stateSuffix) {
			ids = append(ids, strings.TrimSuffix(e.Name(), stateSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListPending loads every checkpoint whose workflow has not reached a
// terminal phase. Corrupt files are logged and skipped, never fatal.
func (c *Checkpoints) ListPending() ([]*workflow.State, error) {
	ids, err := c.List()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var pending []*workflow.State
	for _, id := range ids {
		state, err := c.loadLocked(id)
		if err != nil {
			c.logger.Warn("skipping checkpoint %s: %v", id, err)
			continue
		}
		if !state.Phase.Terminal() {
			pending = append(pending, state)
		}
	}
	return pending, nil
}
