package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FollowRequest describes a follow-mode change for one repository.
type FollowRequest struct {
	RepoPath     string
	Branch       string
	WorktreePath string
	MainRepoPath string
	Enable       bool
}

// FollowResult reports the outcome of a follow-mode change.
type FollowResult struct {
	Success       bool
	CurrentBranch string
	Error         string
}

// Follow enables or disables follow mode. Callers serialize invocations per
// repository; Follow itself takes no locks.
func Follow(ctx context.Context, g GitOps, log zerolog.Logger, req FollowRequest) FollowResult {
	if req.RepoPath == "" {
		return FollowResult{Error: "repoPath is required"}
	}
	if req.Enable {
		return enable(ctx, g, req)
	}
	return disable(ctx, g, log, req)
}

func enable(ctx context.Context, g GitOps, req FollowRequest) FollowResult {
	wt, branch, err := resolveWorktree(ctx, g, req)
	if err != nil {
		return FollowResult{Error: err.Error()}
	}

	mainRepo := req.MainRepoPath
	if mainRepo == "" {
		mainRepo = req.RepoPath
	}
	if err := g.SetConfig(ctx, mainRepo, FollowWorktreeKey, wt); err != nil {
		return FollowResult{Error: fmt.Sprintf("set %s: %v", FollowWorktreeKey, err)}
	}
	if err := g.InstallHooks(ctx, mainRepo); err != nil {
		return FollowResult{Error: fmt.Sprintf("install hooks in %s: %v", mainRepo, err)}
	}
	if wt != mainRepo {
		if err := g.InstallHooks(ctx, wt); err != nil {
			return FollowResult{Error: fmt.Sprintf("install hooks in %s: %v", wt, err)}
		}
	}
	return FollowResult{Success: true, CurrentBranch: branch}
}

func disable(ctx context.Context, g GitOps, log zerolog.Logger, req FollowRequest) FollowResult {
	mainRepo := req.MainRepoPath
	if mainRepo == "" {
		mainRepo = req.RepoPath
	}

	wt, err := g.GetConfig(ctx, mainRepo, FollowWorktreeKey)
	if err != nil {
		log.Warn().Str("repo", mainRepo).Err(err).Msg("read follow config before disable")
	}
	if err := g.UnsetConfig(ctx, mainRepo, FollowWorktreeKey); err != nil {
		return FollowResult{Error: fmt.Sprintf("unset %s: %v", FollowWorktreeKey, err)}
	}
	if err := g.UnsetConfig(ctx, mainRepo, FollowBranchKey); err != nil {
		return FollowResult{Error: fmt.Sprintf("unset %s: %v", FollowBranchKey, err)}
	}
	if err := g.UninstallHooks(ctx, mainRepo); err != nil {
		return FollowResult{Error: fmt.Sprintf("uninstall hooks in %s: %v", mainRepo, err)}
	}
	if wt != "" && wt != mainRepo {
		if err := g.UninstallHooks(ctx, wt); err != nil {
			return FollowResult{Error: fmt.Sprintf("uninstall hooks in %s: %v", wt, err)}
		}
	}
	return FollowResult{Success: true}
}

// resolveWorktree picks the worktree follow mode should track. Resolution
// order: explicit worktree path, the requested branch, the current branch.
func resolveWorktree(ctx context.Context, g GitOps, req FollowRequest) (path, branch string, err error) {
	worktrees, err := g.WorktreeList(ctx, req.RepoPath)
	if err != nil {
		return "", "", err
	}

	if req.WorktreePath != "" {
		for _, wt := range worktrees {
			if wt.Path == req.WorktreePath {
				return wt.Path, shortBranch(wt.Branch), nil
			}
		}
		return "", "", fmt.Errorf("no worktree at %s", req.WorktreePath)
	}

	if req.Branch != "" {
		if wt, ok := findBranch(worktrees, req.Branch); ok {
			return wt.Path, shortBranch(wt.Branch), nil
		}
	}

	current, err := g.CurrentBranch(ctx, req.RepoPath)
	if err != nil {
		return "", "", err
	}
	if current == "" {
		return "", "", ErrDetachedHead
	}
	if wt, ok := findBranch(worktrees, current); ok {
		return wt.Path, shortBranch(wt.Branch), nil
	}
	if req.Branch != "" {
		return "", "", fmt.Errorf("no worktree for branch %s or current branch %s", req.Branch, current)
	}
	return "", "", fmt.Errorf("no worktree for current branch %s", current)
}

// State returns the followed worktree path for a repository, or "" when
// follow mode is off. When the legacy branch key is set alongside the
// worktree key, the worktree wins and the conflict is logged.
func State(ctx context.Context, g GitOps, log zerolog.Logger, repoPath string) (string, error) {
	wt, err := g.GetConfig(ctx, repoPath, FollowWorktreeKey)
	if err != nil {
		return "", err
	}
	legacy, err := g.GetConfig(ctx, repoPath, FollowBranchKey)
	if err == nil && legacy != "" && wt != "" {
		log.Warn().
			Str("repo", repoPath).
			Str("worktree", wt).
			Str("legacyBranch", legacy).
			Msg("both follow config keys set; using worktree")
	}
	return wt, nil
}

func findBranch(worktrees []Worktree, branch string) (Worktree, bool) {
	want := shortBranch(branch)
	for _, wt := range worktrees {
		if !wt.Detached && shortBranch(wt.Branch) == want {
			return wt, true
		}
	}
	return Worktree{}, false
}

func shortBranch(b string) string {
	return strings.TrimPrefix(b, "refs/heads/")
}
