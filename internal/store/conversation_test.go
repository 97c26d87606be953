package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "maestro/internal/errors"
	"maestro/internal/workflow"
)

func newConversations(t *testing.T) *Conversations {
	t.Helper()
	s, err := NewConversations(t.TempDir(), ConversationsOptions{}, nil)
	require.NoError(t, err)
	return s
}

func TestAppendMessageRoundTrip(t *testing.T) {
	s := newConversations(t)

	require.NoError(t, s.AppendMessage("s1", MessageRecord{Role: "user", Content: "hello"}))
	require.NoError(t, s.AppendMessage("s1", MessageRecord{Role: "assistant", Content: "hi", WorkflowID: "wf-1"}))

	conv, err := s.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "wf-1", conv.Messages[1].WorkflowID)
	assert.False(t, conv.Messages[0].Timestamp.IsZero())

	turns := conv.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, workflow.Turn{Role: "user", Content: "hello"}, turns[0])
}

func TestConversationSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversations(dir, ConversationsOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage("s1", MessageRecord{Role: "user", Content: "persisted"}))

	reopened, err := NewConversations(dir, ConversationsOptions{}, nil)
	require.NoError(t, err)
	conv, err := reopened.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "persisted", conv.Messages[0].Content)
	assert.False(t, conv.CreatedAt.IsZero())
}

func TestAppendArtifactContentAddressed(t *testing.T) {
	s := newConversations(t)
	art := workflow.Artifact{RelativePath: "calc.py", Language: "python",
		Action: workflow.ArtifactCreated, Content: "def add(a, b):\n    return a + b\n"}

	digest, err := s.AppendArtifact("s1", "wf-1", art)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(art.Content))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	content, err := s.ReadArtifact("s1", digest)
	require.NoError(t, err)
	assert.Equal(t, art.Content, content)

	conv, err := s.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Artifacts, 1)
	assert.Equal(t, digest, conv.Artifacts[0].Digest)
	assert.Equal(t, int64(len(art.Content)), conv.Artifacts[0].SizeBytes)

	// Identical content dedupes to one blob.
	again, err := s.AppendArtifact("s1", "wf-2", art)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "s1", "artifacts"))
	require.NoError(t, err)
	blobs := 0
	for _, e := range entries {
		if e.Name() != "manifest.json" {
			blobs++
		}
	}
	assert.Equal(t, 1, blobs)
}

func TestReadArtifactDetectsCorruption(t *testing.T) {
	s := newConversations(t)
	digest, err := s.AppendArtifact("s1", "wf-1", workflow.Artifact{
		RelativePath: "a.py", Action: workflow.ArtifactCreated, Content: "original"})
	require.NoError(t, err)

	blob := filepath.Join(s.baseDir, "s1", "artifacts", digest)
	require.NoError(t, os.WriteFile(blob, []byte("tampered"), 0o644))

	_, err = s.ReadArtifact("s1", digest)
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err))
}

func TestAppendWorkflowSummary(t *testing.T) {
	s := newConversations(t)
	now := time.Now()
	require.NoError(t, s.AppendWorkflow("s1", WorkflowSummary{
		WorkflowID: "wf-1", Phase: workflow.PhaseCompleted, Summary: "built the calculator",
		StartedAt: now.Add(-time.Minute), FinishedAt: now,
	}))

	conv, err := s.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Workflows, 1)
	assert.Equal(t, workflow.PhaseCompleted, conv.Workflows[0].Phase)
}

func TestListAndDelete(t *testing.T) {
	s := newConversations(t)
	require.NoError(t, s.AppendMessage("b", MessageRecord{Role: "user", Content: "x"}))
	require.NoError(t, s.AppendMessage("a", MessageRecord{Role: "user", Content: "y"}))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Delete("a"))
	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	// Deleted session starts fresh.
	conv, err := s.Get("a")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestInvalidSessionIDRejected(t *testing.T) {
	s := newConversations(t)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := s.AppendMessage(id, MessageRecord{Role: "user", Content: "x"})
		require.Error(t, err, "id %q", id)
		assert.True(t, apperrors.IsIntegrity(err), "id %q", id)
	}
}

func TestCacheEvictionFlushesAndReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversations(dir, ConversationsOptions{CacheSize: 2, CacheTTL: time.Hour}, nil)
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage("s1", MessageRecord{Role: "user", Content: "one"}))
	require.NoError(t, s.AppendMessage("s2", MessageRecord{Role: "user", Content: "two"}))
	// Evicts s1.
	require.NoError(t, s.AppendMessage("s3", MessageRecord{Role: "user", Content: "three"}))

	conv, err := s.Get("s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "one", conv.Messages[0].Content)
}

func TestGetReturnsCopy(t *testing.T) {
	s := newConversations(t)
	require.NoError(t, s.AppendMessage("s1", MessageRecord{Role: "user", Content: "original"}))

	conv, err := s.Get("s1")
	require.NoError(t, err)
	conv.Messages[0].Content = "mutated"

	fresh, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "original", fresh.Messages[0].Content)
}
