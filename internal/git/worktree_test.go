package git

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mainWorktree(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	require.NoError(t, os.Mkdir(gitDir, 0o755))
	if branch != "" {
		head := "ref: refs/heads/" + branch + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(head), 0o644))
	}
	return dir
}

func TestInspect_MainWorktree(t *testing.T) {
	dir := mainWorktree(t, "main")

	info, err := Inspect(dir)
	require.NoError(t, err)
	require.Equal(t, dir, info.Path)
	require.Equal(t, filepath.Join(dir, ".git"), info.GitDir)
	require.False(t, info.Linked)
	require.Equal(t, "main", info.Branch)
}

func TestInspect_LinkedWorktree(t *testing.T) {
	repo := mainWorktree(t, "main")
	linkedGitDir := filepath.Join(repo, ".git", "worktrees", "feature")
	require.NoError(t, os.MkdirAll(linkedGitDir, 0o755))
	head := "ref: refs/heads/feature/auth\n"
	require.NoError(t, os.WriteFile(filepath.Join(linkedGitDir, "HEAD"), []byte(head), 0o644))

	wt := t.TempDir()
	pointer := "gitdir: " + linkedGitDir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte(pointer), 0o644))

	info, err := Inspect(wt)
	require.NoError(t, err)
	require.True(t, info.Linked)
	require.Equal(t, linkedGitDir, info.GitDir)
	require.Equal(t, "feature/auth", info.Branch)
}

func TestInspect_RelativeGitDirPointer(t *testing.T) {
	wt := t.TempDir()
	gitDir := filepath.Join(wt, "actual-git")
	require.NoError(t, os.Mkdir(gitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: actual-git"), 0o644))

	info, err := Inspect(wt)
	require.NoError(t, err)
	require.Equal(t, gitDir, info.GitDir)
	require.True(t, info.Linked)
}

func TestInspect_DetachedHead(t *testing.T) {
	dir := mainWorktree(t, "")
	hash := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte(hash), 0o644))

	info, err := Inspect(dir)
	require.NoError(t, err)
	require.Empty(t, info.Branch)
}

func TestInspect_Errors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		_, err := Inspect(filepath.Join(t.TempDir(), "nope"))
		require.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("not a directory", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		_, err := Inspect(file)
		require.ErrorIs(t, err, ErrNotDirectory)
	})

	t.Run("no .git entry", func(t *testing.T) {
		_, err := Inspect(t.TempDir())
		require.ErrorIs(t, err, ErrNoGitEntry)
	})

	t.Run("malformed pointer file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("not a pointer"), 0o644))
		_, err := Inspect(dir)
		require.ErrorIs(t, err, ErrNoGitEntry)
	})
}
