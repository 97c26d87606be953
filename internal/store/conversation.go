// Package store persists sessions and workflow checkpoints on the local
// filesystem under one data directory:
//
//	<data>/sessions/<session_id>/conversation.json
//	<data>/sessions/<session_id>/artifacts/<digest>
//	<data>/sessions/<session_id>/artifacts/manifest.json
//	<data>/workflows/<workflow_id>.state.json
//
// Conversation files are append-only at the record level: appends rewrite the
// file atomically but never drop or reorder existing records.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// MessageRecord is one conversation turn as persisted.
type MessageRecord struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StageID    string    `json:"stage_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ArtifactRecord is artifact metadata kept in the conversation; the content
// lives in the session's blob directory keyed by digest.
type ArtifactRecord struct {
	RelativePath string                  `json:"relative_path"`
	Language     string                  `json:"language,omitempty"`
	Action       workflow.ArtifactAction `json:"action"`
	SizeBytes    int64                   `json:"size_bytes"`
	Digest       string                  `json:"digest"`
	WorkflowID   string                  `json:"workflow_id,omitempty"`
	SavedAt      time.Time               `json:"saved_at"`
}

// WorkflowSummary records one finished (or abandoned) workflow run.
type WorkflowSummary struct {
	WorkflowID string         `json:"workflow_id"`
	Phase      workflow.Phase `json:"phase"`
	Reason     string         `json:"reason,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Conversation is the full persisted record for one session.
type Conversation struct {
	SessionID string            `json:"session_id"`
	Messages  []MessageRecord   `json:"messages"`
	Artifacts []ArtifactRecord  `json:"artifacts,omitempty"`
	Workflows []WorkflowSummary `json:"workflows,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Turns projects the messages into the shape workflow requests carry.
func (c *Conversation) Turns() []workflow.Turn {
	out := make([]workflow.Turn, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, workflow.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}

// Conversations is the session store. Hot sessions stay in an expiring LRU
// cache; every append is written through to disk, and a dirty entry that
// falls out of the cache is flushed as a safety net.
type Conversations struct {
	baseDir string
	logger  logging.Logger

	mu    sync.Mutex
	cache *expirable.LRU[string, *cachedConversation]
}

type cachedConversation struct {
	conv  *Conversation
	dirty bool
}

// ConversationsOptions tunes the cache. Zero values take the defaults of
// 100 entries and a one hour TTL.
type ConversationsOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

// NewConversations opens (creating if needed) the sessions store under
// baseDir.
func NewConversations(baseDir string, opts ConversationsOptions, logger logging.Logger) (*Conversations, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	dir := filepath.Join(expandHome(baseDir), "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Conversations{baseDir: dir, logger: logging.OrNop(logger)}
	s.cache = expirable.NewLRU(opts.CacheSize, s.onEvict, opts.CacheTTL)
	return s, nil
}

func (s *Conversations) onEvict(sessionID string, entry *cachedConversation) {
	if entry == nil || !entry.dirty {
		return
	}
	if err := s.writeConversation(entry.conv); err != nil {
		s.logger.Error("flush evicted session %s: %v", sessionID, err)
		return
	}
	s.logger.Debug("flushed dirty session %s on evict", sessionID)
}

func (s *Conversations) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Conversations) conversationPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "conversation.json")
}

func (s *Conversations) artifactsDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "artifacts")
}

// validSessionID rejects ids that could escape the sessions directory.
func validSessionID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return apperrors.NewIntegrityError(fmt.Errorf("session id %q", id), "invalid session id")
	}
	return nil
}

// Get loads a conversation, creating an empty one on first touch.
func (s *Conversations) Get(sessionID string) (*Conversation, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	return cloneConversation(entry.conv), nil
}

func (s *Conversations) loadLocked(sessionID string) (*cachedConversation, error) {
	if entry, ok := s.cache.Get(sessionID); ok {
		return entry, nil
	}

	conv := &Conversation{SessionID: sessionID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	data, err := os.ReadFile(s.conversationPath(sessionID))
	switch {
	case err == nil:
		if uerr := json.Unmarshal(data, conv); uerr != nil {
			return nil, apperrors.NewIntegrityError(uerr, fmt.Sprintf("conversation file for %s is corrupt", sessionID))
		}
	case os.IsNotExist(err):
		// First touch; materialized on first append.
	default:
		return nil, fmt.Errorf("read conversation %s: %w", sessionID, err)
	}

	entry := &cachedConversation{conv: conv}
	s.cache.Add(sessionID, entry)
	return entry, nil
}

// AppendMessage appends one turn and persists.
func (s *Conversations) AppendMessage(sessionID string, msg MessageRecord) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.loadLocked(sessionID)
	if err != nil {
		return err
	}
	entry.conv.Messages = append(entry.conv.Messages, msg)
	return s.persistLocked(entry)
}

// AppendArtifact stores the artifact content as a content-addressed blob,
// updates the manifest and appends the metadata record. Returns the digest.
func (s *Conversations) AppendArtifact(sessionID, workflowID string, art workflow.Artifact) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(art.Content))
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.loadLocked(sessionID)
	if err != nil {
		return "", err
	}

	blobDir := s.artifactsDir(sessionID)
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	blobPath := filepath.Join(blobDir, digest)
	if _, statErr := os.Stat(blobPath); os.IsNotExist(statErr) {
		if err := writeFileAtomic(blobPath, []byte(art.Content), 0o644); err != nil {
			return "", fmt.Errorf("write artifact blob: %w", err)
		}
	}

	rec := ArtifactRecord{
		RelativePath: art.RelativePath,
		Language:     art.Language,
		Action:       art.Action,
		SizeBytes:    int64(len(art.Content)),
		Digest:       digest,
		WorkflowID:   workflowID,
		SavedAt:      time.Now(),
	}
	entry.conv.Artifacts = append(entry.conv.Artifacts, rec)

	if err := s.writeManifestLocked(sessionID, entry.conv.Artifacts); err != nil {
		return "", err
	}
	if err := s.persistLocked(entry); err != nil {
		return "", err
	}
	return digest, nil
}

// ReadArtifact returns the blob content for a digest recorded in the session.
func (s *Conversations) ReadArtifact(sessionID, digest string) (string, error) {
	if err := validSessionID(sessionID); err != nil {
		return "", err
	}
	if strings.ContainsAny(digest, `/\`) {
		return "", apperrors.NewIntegrityError(fmt.Errorf("digest %q", digest), "invalid artifact digest")
	}
	data, err := os.ReadFile(filepath.Join(s.artifactsDir(sessionID), digest))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("artifact %s not found in session %s", digest, sessionID)
		}
		return "", err
	}
	if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != digest {
		return "", apperrors.NewIntegrityError(
			fmt.Errorf("blob %s content mismatch", digest), "stored artifact failed its digest check")
	}
	return string(data), nil
}

// AppendWorkflow records a finished workflow run on the session.
func (s *Conversations) AppendWorkflow(sessionID string, summary WorkflowSummary) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.loadLocked(sessionID)
	if err != nil {
		return err
	}
	entry.conv.Workflows = append(entry.conv.Workflows, summary)
	return s.persistLocked(entry)
}

// List returns every session id on disk, sorted.
func (s *Conversations) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's conversation and artifacts.
func (s *Conversations) Delete(sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(sessionID)
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Flush writes any cached dirty state for one session.
func (s *Conversations) Flush(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Peek(sessionID)
	if !ok || !entry.dirty {
		return nil
	}
	return s.persistLocked(entry)
}

// Close flushes every dirty cached session.
func (s *Conversations) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, id := range s.cache.Keys() {
		if entry, ok := s.cache.Peek(id); ok && entry.dirty {
			if err := s.persistLocked(entry); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Conversations) persistLocked(entry *cachedConversation) error {
	entry.conv.UpdatedAt = time.Now()
	if err := s.writeConversation(entry.conv); err != nil {
		entry.dirty = true
		return err
	}
	entry.dirty = false
	return nil
}

func (s *Conversations) writeConversation(conv *Conversation) error {
	if err := os.MkdirAll(s.sessionDir(conv.SessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.conversationPath(conv.SessionID), data, 0o644)
}

func (s *Conversations) writeManifestLocked(sessionID string, records []ArtifactRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.artifactsDir(sessionID), "manifest.json"), data, 0o644)
}

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.Messages = append([]MessageRecord(nil), c.Messages...)
	out.Artifacts = append([]ArtifactRecord(nil), c.Artifacts...)
	out.Workflows = append([]WorkflowSummary(nil), c.Workflows...)
	return &out
}

// writeFileAtomic writes via a temp file in the same directory plus rename,
// so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func expandHome(dir string) string {
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, dir[2:])
		}
	}
	return dir
}
