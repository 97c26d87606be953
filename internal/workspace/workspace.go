// Package workspace manages per-session working directories: allocation,
// path containment, atomic artifact application, and rollback.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const (
	maxSlugLen = 48
	indexFile  = ".maestro-workspaces.json"
	// BackupSuffix marks the pre-modification copy kept beside a changed file.
	BackupSuffix = ".bak"
)

var slugCleaner = regexp.MustCompile(`[^a-z0-9-]+`)

// Manager allocates workspaces under a root directory and applies artifacts
// into them. All mutation for one session is serialized.
type Manager struct {
	root   string
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	index map[string]string // session id -> workspace dir name
}

// NewManager opens (or creates) the workspace root and loads the session
// index file.
func NewManager(root string, logger logging.Logger) (*Manager, error) {
	root, err := expandHome(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		root:   root,
		logger: logging.OrNop(logger),
		locks:  make(map[string]*sync.Mutex),
		index:  make(map[string]string),
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

func expandHome(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func (m *Manager) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(m.root, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace index: %w", err)
	}
	if err := json.Unmarshal(raw, &m.index); err != nil {
		return apperrors.NewIntegrityError(err, "workspace index file is malformed")
	}
	return nil
}

// saveIndex persists the index atomically. Caller holds m.mu.
func (m *Manager) saveIndex() error {
	raw, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.root, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Slugify derives a filesystem-friendly directory name from a hint,
// truncated to 48 characters.
func Slugify(hint string) string {
	s := strings.ToLower(strings.TrimSpace(hint))
	s = slugCleaner.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if s == "" {
		s = "workspace"
	}
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	return s
}

// Ensure returns the session's workspace directory, creating and binding one
// on first use. A slug already bound to a different session gets a numeric
// suffix; the binding is durable across restarts via the index file.
func (m *Manager) Ensure(sessionID, hint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir, ok := m.index[sessionID]; ok {
		full := filepath.Join(m.root, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return "", fmt.Errorf("recreate workspace %s: %w", dir, err)
		}
		return full, nil
	}

	base := Slugify(hint)
	taken := make(map[string]bool, len(m.index))
	for _, d := range m.index {
		taken[d] = true
	}

	dir := base
	for n := 2; taken[dir]; n++ {
		suffix := fmt.Sprintf("_%d", n)
		trimmed := base
		if len(trimmed)+len(suffix) > maxSlugLen {
			trimmed = trimmed[:maxSlugLen-len(suffix)]
		}
		dir = trimmed + suffix
	}

	full := filepath.Join(m.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	m.index[sessionID] = dir
	if err := m.saveIndex(); err != nil {
		return "", fmt.Errorf("persist workspace index: %w", err)
	}
	m.logger.Info("workspace allocated: session=%s dir=%s", sessionID, dir)
	return full, nil
}

// Dir returns the bound workspace for a session without creating one.
func (m *Manager) Dir(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.index[sessionID]
	if !ok {
		return "", false
	}
	return filepath.Join(m.root, dir), true
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// Resolve validates that rel stays inside the session workspace and returns
// the absolute target path. Traversal and symlink escapes are integrity
// violations.
func (m *Manager) Resolve(workspaceDir, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", apperrors.NewIntegrityError(
			fmt.Errorf("path %q", rel), "artifact path must be relative and non-empty")
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.NewIntegrityError(
			fmt.Errorf("path %q escapes workspace", rel), "artifact path traversal rejected")
	}

	target := filepath.Join(workspaceDir, clean)

	// Walk existing ancestors and refuse any symlink that leaves the
	// workspace. The target itself may not exist yet.
	dir := filepath.Dir(target)
	for ; strings.HasPrefix(dir, workspaceDir); dir = filepath.Dir(dir) {
		info, err := os.Lstat(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return "", err
			}
			if !strings.HasPrefix(resolved+string(filepath.Separator), workspaceDir+string(filepath.Separator)) {
				return "", apperrors.NewIntegrityError(
					fmt.Errorf("symlink %q resolves outside workspace", dir), "symlink escape rejected")
			}
		}
		if dir == workspaceDir {
			break
		}
	}

	// The leaf itself may be a symlink pointing across the boundary.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(target)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(resolved+string(filepath.Separator), workspaceDir+string(filepath.Separator)) {
			return "", apperrors.NewIntegrityError(
				fmt.Errorf("symlink %q resolves outside workspace", clean), "symlink escape rejected")
		}
	}
	return target, nil
}

// ApplyResult records what one Apply call changed, for events and rollback.
type ApplyResult struct {
	Applied []workflow.Artifact
}

// Apply writes a batch of artifacts into the session workspace. The batch is
// all-or-nothing: on any failure, files written so far are rolled back from
// their backups. Modified files keep a .bak copy; a "modified" artifact whose
// target does not exist is promoted to "created".
func (m *Manager) Apply(sessionID string, artifacts []workflow.Artifact) (*ApplyResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return nil, fmt.Errorf("no workspace bound for session %s", sessionID)
	}

	result := &ApplyResult{}
	for i := range artifacts {
		art := artifacts[i]
		applied, err := m.applyOne(workspaceDir, art)
		if err != nil {
			m.rollbackLocked(workspaceDir, result.Applied)
			return nil, fmt.Errorf("apply %s: %w", art.RelativePath, err)
		}
		result.Applied = append(result.Applied, applied)
	}
	return result, nil
}

func (m *Manager) applyOne(workspaceDir string, art workflow.Artifact) (workflow.Artifact, error) {
	target, err := m.Resolve(workspaceDir, art.RelativePath)
	if err != nil {
		return art, err
	}

	_, statErr := os.Lstat(target)
	exists := statErr == nil

	switch art.Action {
	case workflow.ArtifactModified:
		if !exists {
			art.Action = workflow.ArtifactCreated
		}
	case workflow.ArtifactCreated, workflow.ArtifactDeleted:
	default:
		return art, fmt.Errorf("unknown artifact action %q", art.Action)
	}

	if art.Action == workflow.ArtifactDeleted {
		if !exists {
			return art, nil // deleting a missing file is a no-op
		}
		if err := os.Rename(target, target+BackupSuffix); err != nil {
			return art, fmt.Errorf("back up before delete: %w", err)
		}
		art.SavedPath = target
		m.logger.Debug("artifact deleted: %s", art.RelativePath)
		return art, nil
	}

	if art.Action == workflow.ArtifactModified {
		original, err := os.ReadFile(target)
		if err != nil {
			return art, fmt.Errorf("read original for backup: %w", err)
		}
		if err := os.WriteFile(target+BackupSuffix, original, 0o644); err != nil {
			return art, fmt.Errorf("write backup: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return art, err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(art.Content), 0o644); err != nil {
		return art, err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return art, err
	}

	sum := sha256.Sum256([]byte(art.Content))
	art.SavedPath = target
	art.SizeBytes = int64(len(art.Content))
	art.Digest = hex.EncodeToString(sum[:])
	m.logger.Debug("artifact %s: %s (%d bytes)", art.Action, art.RelativePath, art.SizeBytes)
	return art, nil
}

// Rollback undoes a previous Apply: created files are removed, modified and
// deleted files are restored from their backups.
func (m *Manager) Rollback(sessionID string, applied []workflow.Artifact) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return fmt.Errorf("no workspace bound for session %s", sessionID)
	}
	m.rollbackLocked(workspaceDir, applied)
	return nil
}

func (m *Manager) rollbackLocked(workspaceDir string, applied []workflow.Artifact) {
	for i := len(applied) - 1; i >= 0; i-- {
		art := applied[i]
		if art.SavedPath == "" {
			continue
		}
		switch art.Action {
		case workflow.ArtifactCreated:
			if err := os.Remove(art.SavedPath); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("rollback remove %s: %v", art.RelativePath, err)
			}
		case workflow.ArtifactModified, workflow.ArtifactDeleted:
			if err := os.Rename(art.SavedPath+BackupSuffix, art.SavedPath); err != nil {
				m.logger.Warn("rollback restore %s: %v", art.RelativePath, err)
			}
		}
	}
}

// CleanBackups removes .bak files left by committed applies for a session.
func (m *Manager) CleanBackups(sessionID string) error {
	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return nil
	}
	return filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, BackupSuffix) {
			return os.Remove(path)
		}
		return nil
	})
}

// Read returns a file's content from inside a session workspace, enforcing
// containment.
func (m *Manager) Read(sessionID, rel string) ([]byte, error) {
	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return nil, fmt.Errorf("no workspace bound for session %s", sessionID)
	}
	target, err := m.Resolve(workspaceDir, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

// FileEntry describes one workspace file or directory.
type FileEntry struct {
	RelativePath string `json:"relative_path"`
	IsDir        bool   `json:"is_dir"`
	SizeBytes    int64  `json:"size_bytes"`
}

// ListFiles walks a subtree of the session workspace up to depth levels
// below the starting path. Depth 0 lists only the immediate children.
func (m *Manager) ListFiles(sessionID, rel string, depth int) ([]FileEntry, error) {
	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return nil, fmt.Errorf("no workspace bound for session %s", sessionID)
	}
	start := workspaceDir
	if rel != "" && rel != "." {
		var err error
		start, err = m.Resolve(workspaceDir, rel)
		if err != nil {
			return nil, err
		}
	}

	var entries []FileEntry
	err := filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == start {
			return nil
		}
		relPath, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		below, _ := filepath.Rel(start, path)
		level := strings.Count(below, string(filepath.Separator))
		if level > depth {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, FileEntry{
			RelativePath: filepath.ToSlash(relPath),
			IsDir:        info.IsDir(),
			SizeBytes:    info.Size(),
		})
		return nil
	})
	return entries, err
}

// Delete removes a single regular file inside the session workspace.
// Directories and anything outside the boundary are refused.
func (m *Manager) Delete(sessionID, rel string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return fmt.Errorf("no workspace bound for session %s", sessionID)
	}
	target, err := m.Resolve(workspaceDir, rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("refusing to delete %s: not a regular file", rel)
	}
	return os.Remove(target)
}
