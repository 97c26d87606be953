package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "maestro/internal/errors"
	"maestro/internal/workflow"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-login-bug", Slugify("Fix Login Bug!"))
	assert.Equal(t, "workspace", Slugify("???"))
	assert.Equal(t, "a-b", Slugify("a---b"))
	long := Slugify("this is a very long workspace hint that keeps going well past the limit")
	assert.LessOrEqual(t, len(long), 48)
}

func TestEnsureBindsAndReuses(t *testing.T) {
	m := newManager(t)

	dir1, err := m.Ensure("s1", "Fix Login")
	require.NoError(t, err)
	assert.DirExists(t, dir1)
	assert.Equal(t, "fix-login", filepath.Base(dir1))

	// Same session, different hint: the binding sticks.
	dir2, err := m.Ensure("s1", "Totally Different")
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)

	// Different session with a colliding hint gets a suffix.
	dir3, err := m.Ensure("s2", "Fix Login")
	require.NoError(t, err)
	assert.Equal(t, "fix-login_2", filepath.Base(dir3))
}

func TestBindingSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	m1, err := NewManager(root, nil)
	require.NoError(t, err)
	dir1, err := m1.Ensure("s1", "my project")
	require.NoError(t, err)

	m2, err := NewManager(root, nil)
	require.NoError(t, err)
	dir2, err := m2.Ensure("s1", "anything")
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
}

func TestResolveRejectsTraversal(t *testing.T) {
	m := newManager(t)
	dir, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	for _, bad := range []string{"../escape.txt", "/etc/passwd", "a/../../up.txt", ""} {
		_, err := m.Resolve(dir, bad)
		require.Error(t, err, "path %q", bad)
		assert.True(t, apperrors.IsIntegrity(err), "path %q", bad)
	}

	ok, err := m.Resolve(dir, "sub/dir/file.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub", "dir", "file.go"), ok)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	m := newManager(t)
	dir, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	_, err = m.Resolve(dir, "link/file.txt")
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err))
}

func TestReadRejectsLeafSymlinkEscape(t *testing.T) {
	m := newManager(t)
	dir, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("outside content"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "leak.txt")))

	_, err = m.Read("s1", "leak.txt")
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err))

	// A symlink staying inside the workspace is fine.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("inside"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "alias.txt")))
	data, err := m.Read("s1", "alias.txt")
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))
}

func TestApplyCreateModifyDelete(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	res, err := m.Apply("s1", []workflow.Artifact{
		{RelativePath: "main.go", Action: workflow.ArtifactCreated, Content: "v1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.NotEmpty(t, res.Applied[0].Digest)
	assert.Equal(t, int64(2), res.Applied[0].SizeBytes)

	res, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "main.go", Action: workflow.ArtifactModified, Content: "v2"},
	})
	require.NoError(t, err)

	raw, err := m.Read("s1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(raw))

	// The backup holds the original.
	bak, err := os.ReadFile(res.Applied[0].SavedPath + BackupSuffix)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(bak))

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "main.go", Action: workflow.ArtifactDeleted},
	})
	require.NoError(t, err)
	_, err = m.Read("s1", "main.go")
	assert.True(t, os.IsNotExist(err))
}

func TestModifyMissingFilePromotedToCreate(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	res, err := m.Apply("s1", []workflow.Artifact{
		{RelativePath: "new.go", Action: workflow.ArtifactModified, Content: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.ArtifactCreated, res.Applied[0].Action)
}

func TestApplyBatchRollsBackOnFailure(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "keep.go", Action: workflow.ArtifactCreated, Content: "original"},
	})
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "keep.go", Action: workflow.ArtifactModified, Content: "changed"},
		{RelativePath: "../evil.go", Action: workflow.ArtifactCreated, Content: "x"},
	})
	require.Error(t, err)

	raw, err := m.Read("s1", "keep.go")
	require.NoError(t, err)
	assert.Equal(t, "original", string(raw), "first artifact rolled back after batch failure")
}

func TestExplicitRollback(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "a.go", Action: workflow.ArtifactCreated, Content: "v1"},
	})
	require.NoError(t, err)

	res, err := m.Apply("s1", []workflow.Artifact{
		{RelativePath: "a.go", Action: workflow.ArtifactModified, Content: "v2"},
		{RelativePath: "b.go", Action: workflow.ArtifactCreated, Content: "new"},
	})
	require.NoError(t, err)

	require.NoError(t, m.Rollback("s1", res.Applied))

	raw, err := m.Read("s1", "a.go")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(raw))
	_, err = m.Read("s1", "b.go")
	assert.True(t, os.IsNotExist(err))
}

func TestCleanBackups(t *testing.T) {
	m := newManager(t)
	dir, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "a.go", Action: workflow.ArtifactCreated, Content: "v1"},
	})
	require.NoError(t, err)
	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "a.go", Action: workflow.ArtifactModified, Content: "v2"},
	})
	require.NoError(t, err)

	require.NoError(t, m.CleanBackups("s1"))
	assert.NoFileExists(t, filepath.Join(dir, "a.go"+BackupSuffix))
}

func TestListFilesDepthBounded(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "top.go", Action: workflow.ArtifactCreated, Content: "x"},
		{RelativePath: "pkg/a.go", Action: workflow.ArtifactCreated, Content: "x"},
		{RelativePath: "pkg/deep/b.go", Action: workflow.ArtifactCreated, Content: "x"},
	})
	require.NoError(t, err)

	shallow, err := m.ListFiles("s1", "", 0)
	require.NoError(t, err)
	var names []string
	for _, e := range shallow {
		names = append(names, e.RelativePath)
	}
	assert.ElementsMatch(t, []string{"top.go", "pkg"}, names)

	deep, err := m.ListFiles("s1", "", 2)
	require.NoError(t, err)
	names = nil
	for _, e := range deep {
		names = append(names, e.RelativePath)
	}
	assert.Contains(t, names, "pkg/deep/b.go")
}

func TestDeleteRegularFilesOnly(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "dir/file.go", Action: workflow.ArtifactCreated, Content: "x"},
	})
	require.NoError(t, err)

	assert.Error(t, m.Delete("s1", "dir"))
	require.NoError(t, m.Delete("s1", "dir/file.go"))
	assert.Error(t, m.Delete("s1", "../outside"))
}

func TestDiffPreviewAndStats(t *testing.T) {
	m := newManager(t)
	_, err := m.Ensure("s1", "p")
	require.NoError(t, err)

	_, err = m.Apply("s1", []workflow.Artifact{
		{RelativePath: "a.go", Action: workflow.ArtifactCreated, Content: "line1\nline2\n"},
	})
	require.NoError(t, err)

	preview, err := m.Preview("s1", workflow.Artifact{
		RelativePath: "a.go",
		Action:       workflow.ArtifactModified,
		Content:      "line1\nline2changed\n",
	}, false)
	require.NoError(t, err)
	assert.Contains(t, preview, "-line2")
	assert.Contains(t, preview, "+line2changed")
	assert.Contains(t, preview, " line1")

	stats := Stats("line1\nline2\n", "line1\nline2changed\nline3\n")
	assert.Equal(t, 2, stats.LinesAdded)
	assert.Equal(t, 1, stats.LinesRemoved)
}
