// Package project locates the project flydo operates on and scaffolds new
// task directories inside it.
package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ErrNotRepository is returned when no git worktree encloses the start directory.
var ErrNotRepository = errors.New("not in a git repository")

// FindRoot returns the top-level directory of the git worktree containing start.
func FindRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}
	if err != nil {
		return "", fmt.Errorf("failed to open git repository at %s: %w", abs, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to deploy from.
		return "", fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}
	return wt.Filesystem.Root(), nil
}

// RelativeTo rewrites path, given relative to cwd or absolute, as a
// slash-separated path relative to base. It fails when path lies outside base.
func RelativeTo(base, cwd, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", path, base, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, base)
	}
	return filepath.ToSlash(rel), nil
}
