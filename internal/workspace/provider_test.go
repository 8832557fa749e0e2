package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/sessiond/test"
)

func TestParseWorktreeList(t *testing.T) {
	t.Parallel()

	output := strings.Join([]string{
		"worktree /repo",
		"HEAD 1111111111111111111111111111111111111111",
		"branch refs/heads/main",
		"",
		"worktree /work/ENG-1",
		"HEAD 2222222222222222222222222222222222222222",
		"branch refs/heads/sessiond/ENG-1",
		"",
		"worktree /work/detached",
		"HEAD 3333333333333333333333333333333333333333",
		"detached",
		"",
	}, "\n")

	copies := parseWorktreeList(output)
	require.Len(t, copies, 3)
	assert.Equal(t, WorkingCopy{Path: "/repo", Branch: "main"}, copies[0])
	assert.Equal(t, WorkingCopy{Path: "/work/ENG-1", Branch: "sessiond/ENG-1"}, copies[1])
	assert.Equal(t, WorkingCopy{Path: "/work/detached"}, copies[2])
	assert.Empty(t, parseWorktreeList(""))
}

func TestGitProviderAddArguments(t *testing.T) {
	t.Parallel()

	runner := &fakeShellRunner{}
	provider := newGitProviderForTest(runner)

	require.NoError(t, provider.Add(context.Background(), "/repo", "/work/ENG-1", "sessiond/ENG-1", true))
	require.NoError(t, provider.Add(context.Background(), "/repo", "/work/ENG-1", "sessiond/ENG-1", false))

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "/repo", runner.calls[0].dir)
	assert.Equal(t, []string{"worktree", "add", "-b", "sessiond/ENG-1", "/work/ENG-1"}, runner.calls[0].args)
	assert.Equal(t, []string{"worktree", "add", "/work/ENG-1", "sessiond/ENG-1"}, runner.calls[1].args)
}

func TestGitProviderAddTranslatesExistingBranch(t *testing.T) {
	t.Parallel()

	runner := &fakeShellRunner{
		stderr: "fatal: a branch named 'sessiond/ENG-1' already exists",
		err:    errors.New("exit status 128"),
	}
	provider := newGitProviderForTest(runner)

	err := provider.Add(context.Background(), "/repo", "/work/ENG-1", "sessiond/ENG-1", true)
	assert.ErrorIs(t, err, ErrBranchExists)

	runner.stderr = "fatal: '/work/ENG-1' already exists"
	err = provider.Add(context.Background(), "/repo", "/work/ENG-1", "sessiond/ENG-1", true)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBranchExists)
}

func TestGitProviderRemovePrunesAfterRemoval(t *testing.T) {
	t.Parallel()

	runner := &fakeShellRunner{}
	provider := newGitProviderForTest(runner)

	require.NoError(t, provider.Remove(context.Background(), "/repo", "/work/ENG-1"))
	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"worktree", "remove", "--force", "/work/ENG-1"}, runner.calls[0].args)
	assert.Equal(t, []string{"worktree", "prune"}, runner.calls[1].args)
}

func TestProvisionerWithGitLifecycle(t *testing.T) {
	test.SkipIfShort(t)
	test.RequireGit(t)

	repo := test.InitGitRepo(t)
	base := filepath.Join(t.TempDir(), "workspaces")
	provisioner, err := NewProvisioner(NewGitProvider(), Config{BaseDir: base}, nil)
	require.NoError(t, err)
	ctx := test.Context(t, 0)

	handle, err := provisioner.Acquire(ctx, "ENG-123", repo)
	require.NoError(t, err)
	test.AssertFileExists(t, filepath.Join(handle.Path, "README.md"))
	assert.Equal(t, "sessiond/ENG-123", handle.Branch)

	again, err := provisioner.Acquire(ctx, "ENG-123", repo)
	require.NoError(t, err)
	assert.Equal(t, handle.Path, again.Path)

	handles, err := provisioner.List(ctx, repo)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "ENG-123", handles[0].WorkItemID)

	provisioner.Release(ctx, "ENG-123", repo)
	test.AssertFileNotExists(t, handle.Path)

	// The branch survives release, so the next acquire attaches to it.
	reattached, err := provisioner.Acquire(ctx, "ENG-123", repo)
	require.NoError(t, err)
	assert.Equal(t, handle.Path, reattached.Path)
	branch := test.Git(t, reattached.Path, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, "sessiond/ENG-123", branch)

	provisioner.Release(ctx, "ENG-123", repo)
	_, statErr := os.Stat(handle.Path)
	assert.True(t, os.IsNotExist(statErr))
}

type shellCall struct {
	dir  string
	name string
	args []string
}

type fakeShellRunner struct {
	calls  []shellCall
	stdout string
	stderr string
	err    error
}

func (f *fakeShellRunner) Run(_ context.Context, dir string, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, shellCall{dir: dir, name: name, args: append([]string(nil), args...)})
	return []byte(f.stdout), []byte(f.stderr), f.err
}
