package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	tooltrace "github.com/ship-commander/sessiond/internal/tracing"
)

var (
	// ErrBranchExists is returned by a provider when the requested new branch already exists.
	ErrBranchExists = errors.New("branch already exists")
	// ErrNoWorkingCopy is returned by Lookup when the work item has no registered working copy.
	ErrNoWorkingCopy = errors.New("no working copy for work item")
)

// WorkingCopy is one entry of the backing VCS's working-copy registry.
type WorkingCopy struct {
	Path   string
	Branch string
}

// WorkingCopyProvider is the narrow VCS port the provisioner depends on.
type WorkingCopyProvider interface {
	// Add creates a working copy at path. When newBranch is true the branch is
	// created, otherwise the working copy is attached to the existing branch.
	Add(ctx context.Context, repoPath, path, branch string, newBranch bool) error
	List(ctx context.Context, repoPath string) ([]WorkingCopy, error)
	Remove(ctx context.Context, repoPath, path string) error
}

type shellRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error)
}

type commandRunner struct{}

func (commandRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error) {
	_, stdout, stderr, err := tooltrace.ExecuteTool(ctx, name, args, dir)
	return []byte(stdout), []byte(stderr), err
}

// GitProvider implements WorkingCopyProvider with git worktrees.
type GitProvider struct {
	runner shellRunner
}

// NewGitProvider returns a provider that shells out to git.
func NewGitProvider() *GitProvider {
	return &GitProvider{runner: commandRunner{}}
}

func newGitProviderForTest(runner shellRunner) *GitProvider {
	return &GitProvider{runner: runner}
}

// Add runs git worktree add, creating the branch when newBranch is set.
func (g *GitProvider) Add(ctx context.Context, repoPath, path, branch string, newBranch bool) error {
	args := []string{"worktree", "add", path, branch}
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, path}
	}
	_, stderr, err := g.runner.Run(ctx, repoPath, "git", args...)
	if err == nil {
		return nil
	}
	detail := strings.TrimSpace(string(stderr))
	if newBranch && strings.Contains(detail, "a branch named") && strings.Contains(detail, "already exists") {
		return fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), ErrBranchExists, detail)
	}
	return fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, detail)
}

// List parses git worktree list --porcelain.
func (g *GitProvider) List(ctx context.Context, repoPath string) ([]WorkingCopy, error) {
	args := []string{"worktree", "list", "--porcelain"}
	stdout, stderr, err := g.runner.Run(ctx, repoPath, "git", args...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(stderr)))
	}
	return parseWorktreeList(string(stdout)), nil
}

// Remove force-removes the worktree at path, then prunes stale administrative entries.
func (g *GitProvider) Remove(ctx context.Context, repoPath, path string) error {
	args := []string{"worktree", "remove", "--force", path}
	if _, stderr, err := g.runner.Run(ctx, repoPath, "git", args...); err != nil {
		return fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(stderr)))
	}
	if _, stderr, err := g.runner.Run(ctx, repoPath, "git", "worktree", "prune"); err != nil {
		return fmt.Errorf("git worktree prune: %w (stderr: %s)", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func parseWorktreeList(output string) []WorkingCopy {
	copies := []WorkingCopy{}
	var current *WorkingCopy
	flush := func() {
		if current != nil && current.Path != "" {
			copies = append(copies, *current)
		}
		current = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &WorkingCopy{Path: filepath.Clean(strings.TrimPrefix(line, "worktree "))}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return copies
}

var _ WorkingCopyProvider = (*GitProvider)(nil)
