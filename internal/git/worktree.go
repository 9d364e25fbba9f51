// Package git inspects git worktrees without shelling out to the git
// binary. Admission only needs to know that a path is a usable
// worktree; full repository operations stay with the agents.
package git

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotExist reports a worktree path that does not exist.
	ErrNotExist = errors.New("worktree path does not exist")
	// ErrNotDirectory reports a worktree path that is not a directory.
	ErrNotDirectory = errors.New("worktree path is not a directory")
	// ErrNoGitEntry reports a directory without a .git entry.
	ErrNoGitEntry = errors.New("not a git worktree")
)

// Info describes an inspected worktree.
type Info struct {
	// Path is the cleaned worktree root.
	Path string
	// GitDir is the resolved git directory. For linked worktrees this
	// points into the main repository's .git/worktrees tree.
	GitDir string
	// Linked is true when .git is a gitdir pointer file rather than a
	// directory, which is how git lays out linked worktrees.
	Linked bool
	// Branch is the checked-out branch name, or "" for detached HEAD
	// or when HEAD cannot be read.
	Branch string
}

// Inspect validates that path is a git worktree and resolves its git
// directory. Both main worktrees (.git directory) and linked worktrees
// (.git pointer file) are accepted.
func Inspect(path string) (Info, error) {
	path = filepath.Clean(path)

	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, ErrNotExist
	}
	if !fi.IsDir() {
		return Info{}, ErrNotDirectory
	}

	dotGit := filepath.Join(path, ".git")
	gi, err := os.Stat(dotGit)
	if err != nil {
		return Info{}, ErrNoGitEntry
	}

	info := Info{Path: path, GitDir: dotGit}
	if !gi.IsDir() {
		gitDir, err := readGitDirPointer(dotGit)
		if err != nil {
			return Info{}, ErrNoGitEntry
		}
		if !filepath.IsAbs(gitDir) {
			gitDir = filepath.Join(path, gitDir)
		}
		info.GitDir = filepath.Clean(gitDir)
		info.Linked = true
	}

	info.Branch = readBranch(info.GitDir)
	return info, nil
}

// readGitDirPointer parses a linked worktree's .git file, which holds a
// single "gitdir: <path>" line.
func readGitDirPointer(path string) (string, error) {
	content, err := os.ReadFile(path) //nolint:gosec // G304: path derives from a validated worktree
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(content))
	target, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", errors.New("malformed .git pointer file")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("empty gitdir pointer")
	}
	return target, nil
}

// readBranch resolves HEAD to a branch name. Detached HEADs and read
// failures yield "".
func readBranch(gitDir string) string {
	content, err := os.ReadFile(filepath.Join(gitDir, "HEAD")) //nolint:gosec // G304: path derives from a validated worktree
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(content))
	ref, ok := strings.CutPrefix(line, "ref:")
	if !ok {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
}
