package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBranchPrefix namespaces work-item branches in the repository.
	DefaultBranchPrefix = "sessiond/"
	unknownToken        = "unknown"
)

var unsafeTokenChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Handle is a live working copy for one work item.
type Handle struct {
	WorkItemID string
	Path       string
	Branch     string
	CreatedAt  time.Time
}

// Config configures where working copies live and how their branches are named.
type Config struct {
	BaseDir      string
	BranchPrefix string
}

// Provisioner hands out one isolated working copy per work item.
//
// Mutations of the VCS working-copy registry are serialized within the process; git
// guards its own state across processes.
type Provisioner struct {
	mu           sync.Mutex
	provider     WorkingCopyProvider
	baseDir      string
	branchPrefix string
	logger       *log.Logger
	now          func() time.Time
	stat         func(string) (os.FileInfo, error)
	touch        func(string, time.Time) error
}

// NewProvisioner returns a provisioner that stores working copies under cfg.BaseDir.
func NewProvisioner(provider WorkingCopyProvider, cfg Config, logger *log.Logger) (*Provisioner, error) {
	if provider == nil {
		return nil, errors.New("working copy provider is required")
	}
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, errors.New("workspace base directory is required")
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}
	prefix := strings.TrimSpace(cfg.BranchPrefix)
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Provisioner{
		provider:     provider,
		baseDir:      absBase,
		branchPrefix: prefix,
		logger:       logger,
		now:          time.Now,
		stat:         os.Stat,
		touch: func(path string, at time.Time) error {
			return os.Chtimes(path, at, at)
		},
	}, nil
}

// Token deterministically sanitizes a work-item identifier into a filesystem-safe name.
// When sanitizing changes the identifier, a short digest of the original is appended so
// distinct identifiers never share a working copy.
func Token(workItemID string) string {
	id := strings.TrimSpace(workItemID)
	if id == "" {
		return unknownToken
	}
	token := unsafeTokenChars.ReplaceAllString(id, "-")
	token = strings.Trim(token, "-.")
	if token == id {
		return token
	}
	if token == "" {
		token = unknownToken
	}
	sum := sha256.Sum256([]byte(id))
	return token + "-" + hex.EncodeToString(sum[:4])
}

// BaseDir returns the directory that holds every working copy.
func (p *Provisioner) BaseDir() string {
	return p.baseDir
}

// PathFor returns the canonical working-copy path for a work item.
func (p *Provisioner) PathFor(workItemID string) string {
	return filepath.Join(p.baseDir, Token(workItemID))
}

// BranchFor returns the branch name used for a work item.
func (p *Provisioner) BranchFor(workItemID string) string {
	return p.branchPrefix + Token(workItemID)
}

// Acquire returns the work item's working copy, creating it on first use.
//
// An existing working copy is reused and its modification time bumped so idle pruning
// leaves it alone. A new one is created on a new branch; if that branch already exists
// the working copy is attached to it instead.
func (p *Provisioner) Acquire(ctx context.Context, workItemID, repoPath string) (Handle, error) {
	if p == nil {
		return Handle{}, errors.New("provisioner is nil")
	}
	if strings.TrimSpace(workItemID) == "" {
		return Handle{}, errors.New("work item id must not be empty")
	}
	if strings.TrimSpace(repoPath) == "" {
		return Handle{}, errors.New("repository path must not be empty")
	}

	path := p.PathFor(workItemID)
	branch := p.BranchFor(workItemID)

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.provider.List(ctx, repoPath)
	if err != nil {
		return Handle{}, fmt.Errorf("list working copies: %w", err)
	}
	for _, wc := range existing {
		if samePath(wc.Path, path) {
			handle := p.handleFor(workItemID, WorkingCopy{Path: path, Branch: wc.Branch})
			now := p.now()
			if err := p.touch(path, now); err != nil {
				p.logger.Warn("touch reused working copy failed", "work_item", workItemID, "path", path, "err", err)
			} else {
				handle.CreatedAt = now.UTC()
			}
			p.logger.Debug("reusing working copy", "work_item", workItemID, "path", handle.Path)
			return handle, nil
		}
	}

	if err := os.MkdirAll(p.baseDir, 0o750); err != nil {
		return Handle{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	createErr := p.provider.Add(ctx, repoPath, path, branch, true)
	if createErr != nil {
		if !errors.Is(createErr, ErrBranchExists) {
			return Handle{}, fmt.Errorf("create working copy for %s: %w", workItemID, createErr)
		}
		p.logger.Info("branch exists; attaching working copy", "work_item", workItemID, "branch", branch)
		if attachErr := p.provider.Add(ctx, repoPath, path, branch, false); attachErr != nil {
			return Handle{}, fmt.Errorf(
				"create working copy for %s: %w",
				workItemID,
				errors.Join(createErr, attachErr),
			)
		}
	}

	p.logger.Info("created working copy", "work_item", workItemID, "path", path, "branch", branch)
	return Handle{
		WorkItemID: workItemID,
		Path:       path,
		Branch:     branch,
		CreatedAt:  p.now().UTC(),
	}, nil
}

// Release removes the work item's working copy. Failures are logged, never returned.
func (p *Provisioner) Release(ctx context.Context, workItemID, repoPath string) {
	if p == nil {
		return
	}
	path := p.PathFor(workItemID)
	p.mu.Lock()
	err := p.provider.Remove(ctx, repoPath, path)
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("release working copy failed", "work_item", workItemID, "path", path, "err", err)
		return
	}
	p.logger.Info("released working copy", "work_item", workItemID, "path", path)
}

// ReleaseIdle removes the work item's working copy only if it has not been modified after
// idleSince. The check and the removal happen under the provisioner lock, so a concurrent
// Acquire that reuses the working copy wins. It reports whether the working copy was removed.
func (p *Provisioner) ReleaseIdle(ctx context.Context, workItemID, repoPath string, idleSince time.Time) bool {
	if p == nil {
		return false
	}
	path := p.PathFor(workItemID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if info, err := p.stat(path); err == nil && info.ModTime().After(idleSince) {
		p.logger.Debug("working copy in use; skipping release", "work_item", workItemID, "path", path)
		return false
	}
	if err := p.provider.Remove(ctx, repoPath, path); err != nil {
		p.logger.Warn("release working copy failed", "work_item", workItemID, "path", path, "err", err)
		return false
	}
	p.logger.Info("released idle working copy", "work_item", workItemID, "path", path)
	return true
}

// List returns every working copy the VCS knows about under the base directory.
func (p *Provisioner) List(ctx context.Context, repoPath string) ([]Handle, error) {
	if p == nil {
		return nil, errors.New("provisioner is nil")
	}
	copies, err := p.provider.List(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("list working copies: %w", err)
	}
	handles := make([]Handle, 0, len(copies))
	for _, wc := range copies {
		if !p.underBase(wc.Path) {
			continue
		}
		handles = append(handles, p.handleFor(filepath.Base(wc.Path), wc))
	}
	return handles, nil
}

// Lookup returns the registered working copy for a work item, or ErrNoWorkingCopy.
func (p *Provisioner) Lookup(ctx context.Context, workItemID, repoPath string) (Handle, error) {
	handles, err := p.List(ctx, repoPath)
	if err != nil {
		return Handle{}, err
	}
	path := p.PathFor(workItemID)
	for _, handle := range handles {
		if samePath(handle.Path, path) {
			handle.WorkItemID = workItemID
			handle.Path = path
			return handle, nil
		}
	}
	return Handle{}, fmt.Errorf("%s: %w", workItemID, ErrNoWorkingCopy)
}

// Prune releases working copies whose directory has not been modified for olderThan.
// It returns the handles it released.
func (p *Provisioner) Prune(ctx context.Context, repoPath string, olderThan time.Duration) ([]Handle, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("prune threshold must be positive, got %s", olderThan)
	}
	handles, err := p.List(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-olderThan)
	pruned := []Handle{}
	for _, handle := range handles {
		if handle.CreatedAt.IsZero() || handle.CreatedAt.After(cutoff) {
			continue
		}
		if p.ReleaseIdle(ctx, handle.WorkItemID, repoPath, cutoff) {
			pruned = append(pruned, handle)
		}
	}
	return pruned, nil
}

func (p *Provisioner) handleFor(workItemID string, wc WorkingCopy) Handle {
	handle := Handle{
		WorkItemID: workItemID,
		Path:       wc.Path,
		Branch:     wc.Branch,
	}
	if info, err := p.stat(wc.Path); err == nil {
		handle.CreatedAt = info.ModTime().UTC()
	}
	return handle
}

func (p *Provisioner) underBase(path string) bool {
	base := resolvePath(p.baseDir)
	rel, err := filepath.Rel(base, resolvePath(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func samePath(a, b string) bool {
	return resolvePath(a) == resolvePath(b)
}

// resolvePath follows symlinks when the path exists so that git's canonical
// paths compare equal to configured ones (e.g. /tmp vs /private/tmp).
func resolvePath(path string) string {
	cleaned := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return resolved
	}
	dir, file := filepath.Split(cleaned)
	if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolvedDir, file)
	}
	return cleaned
}
