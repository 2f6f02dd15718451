// Command vt talks to a running vibetunnel server over its control socket:
// server status, Git follow mode, hook event delivery, and title-mode
// wrapping for spawned commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/control"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

const requestTimeout = 5 * time.Second

var controlDirFlag string

func main() {
	root := &cobra.Command{
		Use:           "vt",
		Short:         "Control a running vibetunnel server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controlDirFlag, "control-dir", "", "session state directory (default ~/.vibetunnel)")

	root.AddCommand(
		statusCmd(),
		followCmd(),
		unfollowCmd(),
		gitEventCmd(),
		titleCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// apiClient dials the host-wide control socket.
func apiClient() (*control.Client, error) {
	dir := controlDirFlag
	if dir == "" {
		var err error
		dir, err = config.ControlDir()
		if err != nil {
			return nil, err
		}
	}
	return control.NewClient(config.APISocketPath(dir)), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status and follow mode for the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			cwd, _ := os.Getwd()
			resp, err := client.Status(ctx, cwd)
			if err != nil {
				fmt.Printf("%s\n", color.RedString("server not running"))
				return fmt.Errorf("control socket: %w", err)
			}

			fmt.Printf("%s on port %d\n", color.GreenString("server running"), resp.Port)
			fmt.Printf("  url: %s\n", resp.URL)
			if resp.FollowMode != "" {
				fmt.Printf("  following: %s\n", color.CyanString(resp.FollowMode))
			} else {
				fmt.Println("  follow mode: off")
			}
			return nil
		},
	}
}

func followCmd() *cobra.Command {
	var branch, worktree string

	cmd := &cobra.Command{
		Use:   "follow [repo]",
		Short: "Enable follow mode for a repository",
		Long:  "Points the server's follow mode at a branch or worktree of the repository (default: the current directory's repository).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repoArg(args)
			if err != nil {
				return err
			}
			resp, err := sendFollow(cmd.Context(), protocol.GitFollowRequest{
				RepoPath:     repo,
				Branch:       branch,
				WorktreePath: worktree,
				Enable:       true,
			})
			if err != nil {
				return err
			}
			if resp.CurrentBranch != "" {
				fmt.Printf("%s %s\n", color.GreenString("following"), resp.CurrentBranch)
			} else {
				fmt.Println(color.GreenString("follow mode enabled"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "follow the worktree checked out on this branch")
	cmd.Flags().StringVar(&worktree, "worktree", "", "follow this worktree path")
	return cmd
}

func unfollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfollow [repo]",
		Short: "Disable follow mode for a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repoArg(args)
			if err != nil {
				return err
			}
			if _, err := sendFollow(cmd.Context(), protocol.GitFollowRequest{RepoPath: repo, Enable: false}); err != nil {
				return err
			}
			fmt.Println(color.GreenString("follow mode disabled"))
			return nil
		},
	}
}

func sendFollow(ctx context.Context, req protocol.GitFollowRequest) (*protocol.GitFollowResponse, error) {
	client, err := apiClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := client.Follow(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

func gitEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "git-event <type> [repo]",
		Short: "Report a repository event to the server",
		Long:  "Invoked by installed Git hooks after checkout, pull, merge, rebase, commit, or push.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocol.GitEventTypes[args[0]] {
				return fmt.Errorf("unknown git event type %q", args[0])
			}
			repo, err := repoArg(args[1:])
			if err != nil {
				return err
			}

			client, err := apiClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			ack, err := client.GitEvent(ctx, protocol.GitEventNotify{RepoPath: repo, Type: args[0]})
			if err != nil {
				return err
			}
			if ack.Handled {
				fmt.Println(color.GreenString("event handled"))
			} else {
				fmt.Println("event ignored (repository not followed)")
			}
			return nil
		},
	}
}

func titleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "title <mode> [command [args...]]",
		Short: "Run a command with a session title mode",
		Long:  "Sets VIBETUNNEL_TITLE_MODE so sessions spawned by the wrapped command adopt the mode. Without a command, prints the export line for the current shell.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := activity.ParseTitleMode(args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Printf("export VIBETUNNEL_TITLE_MODE=%s\n", mode)
				return nil
			}

			path, err := exec.LookPath(args[1])
			if err != nil {
				return err
			}
			env := append(os.Environ(), "VIBETUNNEL_TITLE_MODE="+string(mode))
			return syscall.Exec(path, args[1:], env)
		},
	}
}

// repoArg resolves the optional repository argument to an absolute path,
// defaulting to the working directory.
func repoArg(args []string) (string, error) {
	if len(args) == 0 {
		return os.Getwd()
	}
	return filepath.Abs(args[0])
}
