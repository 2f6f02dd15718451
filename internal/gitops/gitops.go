// Package gitops defines the capability surface vibetunnel needs from Git.
// Command execution lives outside this module; the server is handed an
// implementation and never shells out itself.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config keys managed by follow mode.
const (
	FollowWorktreeKey = "vibetunnel.followWorktree"
	// FollowBranchKey is the legacy key; it is cleared whenever follow mode
	// is disabled and never written.
	FollowBranchKey = "vibetunnel.followBranch"
)

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path     string
	Branch   string // short name, empty when detached
	IsMain   bool
	Detached bool
}

// GitOps is the opaque Git capability. All methods honor ctx cancellation.
// Implementations are expected to be safe for concurrent use.
type GitOps interface {
	// CurrentBranch returns the short branch name, or "" for detached HEAD.
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	WorktreeList(ctx context.Context, repoPath string) ([]Worktree, error)
	// GetConfig returns "" without error when the key is unset.
	GetConfig(ctx context.Context, repoPath, key string) (string, error)
	SetConfig(ctx context.Context, repoPath, key, value string) error
	UnsetConfig(ctx context.Context, repoPath, key string) error
	InstallHooks(ctx context.Context, repoPath string) error
	UninstallHooks(ctx context.Context, repoPath string) error
}

// ErrDetachedHead reports a repository whose HEAD names no branch; follow
// mode cannot be resolved from it.
var ErrDetachedHead = errors.New("repository is in detached HEAD state")

// ErrUnavailable is returned by Unavailable for every operation.
var ErrUnavailable = errors.New("git operations unavailable")

// GitError wraps a failure from the external Git capability. Git failures
// are never retried.
type GitError struct {
	Op     string
	Repo   string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s in %s: %v: %s", e.Op, e.Repo, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s in %s: %v", e.Op, e.Repo, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// DefaultTimeout bounds every Git invocation.
const DefaultTimeout = 5 * time.Second

// WithTimeout wraps g so each call runs under its own deadline. Deadline
// hits surface as a *GitError wrapping context.DeadlineExceeded.
func WithTimeout(g GitOps, d time.Duration) GitOps {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timed{g: g, d: d}
}

type timed struct {
	g GitOps
	d time.Duration
}

func (t *timed) call(ctx context.Context, op, repo string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &GitError{Op: op, Repo: repo, Err: context.DeadlineExceeded}
	}
	return err
}

func (t *timed) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	var out string
	err := t.call(ctx, "current-branch", repoPath, func(ctx context.Context) error {
		var err error
		out, err = t.g.CurrentBranch(ctx, repoPath)
		return err
	})
	return out, err
}

func (t *timed) WorktreeList(ctx context.Context, repoPath string) ([]Worktree, error) {
	var out []Worktree
	err := t.call(ctx, "worktree-list", repoPath, func(ctx context.Context) error {
		var err error
		out, err = t.g.WorktreeList(ctx, repoPath)
		return err
	})
	return out, err
}

func (t *timed) GetConfig(ctx context.Context, repoPath, key string) (string, error) {
	var out string
	err := t.call(ctx, "config-get", repoPath, func(ctx context.Context) error {
		var err error
		out, err = t.g.GetConfig(ctx, repoPath, key)
		return err
	})
	return out, err
}

func (t *timed) SetConfig(ctx context.Context, repoPath, key, value string) error {
	return t.call(ctx, "config-set", repoPath, func(ctx context.Context) error {
		return t.g.SetConfig(ctx, repoPath, key, value)
	})
}

func (t *timed) UnsetConfig(ctx context.Context, repoPath, key string) error {
	return t.call(ctx, "config-unset", repoPath, func(ctx context.Context) error {
		return t.g.UnsetConfig(ctx, repoPath, key)
	})
}

func (t *timed) InstallHooks(ctx context.Context, repoPath string) error {
	return t.call(ctx, "install-hooks", repoPath, func(ctx context.Context) error {
		return t.g.InstallHooks(ctx, repoPath)
	})
}

func (t *timed) UninstallHooks(ctx context.Context, repoPath string) error {
	return t.call(ctx, "uninstall-hooks", repoPath, func(ctx context.Context) error {
		return t.g.UninstallHooks(ctx, repoPath)
	})
}

// Unavailable is the GitOps used when no implementation was injected.
// Every call fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) CurrentBranch(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
func (Unavailable) WorktreeList(context.Context, string) ([]Worktree, error) {
	return nil, ErrUnavailable
}
func (Unavailable) GetConfig(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}
func (Unavailable) SetConfig(context.Context, string, string, string) error {
	return ErrUnavailable
}
func (Unavailable) UnsetConfig(context.Context, string, string) error {
	return ErrUnavailable
}
func (Unavailable) InstallHooks(context.Context, string) error   { return ErrUnavailable }
func (Unavailable) UninstallHooks(context.Context, string) error { return ErrUnavailable }
