package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/control"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

const fwdKillGrace = 2 * time.Second

func fwdCmd() *cobra.Command {
	var (
		controlDir string
		sessionID  string
		titleMode  string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "fwd [flags] -- command [args...]",
		Short: "Run a command as a tracked session in this terminal",
		Long:  "Spawns the command under a recorded session and mirrors its output here. The session appears in the server's list like any other; input typed here and sent over the session socket both reach the command.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Configure(logger.Config{Level: "warn"})

			code, err := runFwd(fwdOptions{
				controlDir: controlDir,
				sessionID:  sessionID,
				titleMode:  titleMode,
				name:       name,
				argv:       args,
			})
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&controlDir, "control-dir", "", "session state directory (default ~/.vibetunnel)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (default fwd_<epoch-ms>)")
	cmd.Flags().StringVar(&titleMode, "title-mode", "", "title mode (none, filter, static, dynamic)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable session name")
	return cmd
}

type fwdOptions struct {
	controlDir string
	sessionID  string
	titleMode  string
	name       string
	argv       []string
}

// runFwd blocks until the command exits and returns its exit code. The
// terminal is restored before returning.
func runFwd(o fwdOptions) (int, error) {
	if o.controlDir == "" {
		dir, err := config.ControlDir()
		if err != nil {
			return 0, err
		}
		o.controlDir = dir
	}
	if o.sessionID == "" {
		o.sessionID = fmt.Sprintf("fwd_%d", time.Now().UnixMilli())
	}

	modeStr := o.titleMode
	if modeStr == "" {
		modeStr = os.Getenv("VIBETUNNEL_TITLE_MODE")
	}
	mode, err := activity.ParseTitleMode(modeStr)
	if err != nil {
		return 0, err
	}
	if activity.ClaudeDynamicOverride(o.argv) {
		mode = activity.TitleDynamic
	}

	cwd, err := os.Getwd()
	if err != nil {
		return 0, err
	}

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	cols, rows := 80, 24
	if interactive {
		if c, r, err := term.GetSize(stdinFd); err == nil {
			cols, rows = c, r
		}
	}

	manager, err := session.NewManager(o.controlDir, dedup.NewSink(logger.WithComponent("fwd")))
	if err != nil {
		return 0, err
	}

	s, err := manager.Create(session.Spec{
		SessionID: o.sessionID,
		Argv:      o.argv,
		Cwd:       cwd,
		Name:      o.name,
		Cols:      cols,
		Rows:      rows,
		TitleMode: mode,
	}, os.Stdout)
	if err != nil {
		return 0, err
	}

	// The per-session socket lets the server and vt reach this session even
	// though its PTY lives in this process, not the daemon.
	ipcCtx, stopIPC := context.WithCancel(context.Background())
	defer stopIPC()
	ipc := control.NewSessionServer(s.ID, config.SessionSocketPath(o.controlDir, s.ID), s)
	go func() {
		if err := ipc.ListenAndServe(ipcCtx); err != nil {
			log := logger.WithSession("fwd", s.ID)
			log.Warn().Err(err).Msg("session socket failed")
		}
	}()

	restore := func() {}
	if interactive {
		old, err := term.MakeRaw(stdinFd)
		if err != nil {
			manager.Remove(s.ID)
			return 0, fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { term.Restore(stdinFd, old) }
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				if werr := s.Write(buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(stdinFd); err == nil {
				s.Resize(c, r)
			}
		}
	}()

	// Raw mode turns ^C into a forwarded byte; these only fire from outside.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		s.Terminate(fwdKillGrace)
	case <-s.Done():
	}
	restore()

	code, _ := s.ExitCode()
	return code, nil
}
