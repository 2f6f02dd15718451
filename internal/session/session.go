package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
	"github.com/vibetunnel/vibetunnel/internal/termcast"
)

// killGrace is how long a terminated child gets before SIGKILL.
const killGrace = 2 * time.Second

// ErrExited reports an operation against a session whose child has exited.
var ErrExited = errors.New("session has exited")

// Session is one live PTY session. All exported methods are safe for
// concurrent use.
type Session struct {
	ID  string
	Dir string

	log      zerolog.Logger
	detector *activity.Detector
	errs     *dedup.Sink
	cancel   context.CancelFunc

	mu         sync.Mutex
	meta       Meta
	spec       Spec
	cmd        *exec.Cmd
	ptmx       *os.File
	writer     *termcast.Writer
	stdinPipe  *os.File
	mirror     io.Writer
	pending    bool // title injection owed before the next output chunk
	lastOutput time.Time
	claude     *activity.Status
	onExit     func(id string, code int)

	done chan struct{}
}

type sessionDeps struct {
	log    zerolog.Logger
	errs   *dedup.Sink
	onExit func(id string, code int)
	mirror io.Writer
}

// newSession allocates the session directory and forks the child under a
// fresh PTY. On spawn failure the directory is removed and the session
// never reaches running.
func newSession(controlDir, id string, spec Spec, deps sessionDeps) (*Session, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	dir := config.SessionDir(controlDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Session{
		ID:       id,
		Dir:      dir,
		log:      deps.log,
		detector: activity.NewDetector(),
		errs:     deps.errs,
		meta:     metaFromSpec(id, spec),
		spec:     spec,
		mirror:   deps.mirror,
		onExit:   deps.onExit,
		done:     make(chan struct{}),
	}

	if err := s.start(controlDir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return s, nil
}

func (s *Session) start(controlDir string) error {
	if err := writeMeta(config.MetaPath(controlDir, s.ID), s.meta); err != nil {
		return err
	}

	writer, err := termcast.NewWriter(config.StreamPath(controlDir, s.ID), termcast.Header{
		Width:   s.meta.Cols,
		Height:  s.meta.Rows,
		Command: strings.Join(s.meta.Argv, " "),
		Env: map[string]string{
			"TERM":  envOr(s.spec.Env, "TERM", "xterm-256color"),
			"SHELL": envOr(s.spec.Env, "SHELL", os.Getenv("SHELL")),
		},
	})
	if err != nil {
		return err
	}
	s.writer = writer

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	cmd := exec.CommandContext(ctx, s.meta.Argv[0], s.meta.Argv[1:]...)
	cmd.Dir = s.meta.Cwd
	cmd.Env = buildEnv(s.spec.Env, s.ID)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(s.meta.Cols),
		Rows: uint16(s.meta.Rows),
	})
	if err != nil {
		writer.Close()
		cancel()
		return fmt.Errorf("start pty: %w", err)
	}
	s.cmd = cmd
	s.ptmx = ptmx

	if err := os.WriteFile(pidPath(s.Dir), []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0o600); err != nil {
		s.log.Warn().Err(err).Msg("write pid file")
	}

	if s.spec.StdinPipe {
		if err := s.openStdinPipe(controlDir); err != nil {
			s.log.Warn().Err(err).Msg("stdin pipe unavailable")
		}
	}

	s.meta.Status = StatusRunning
	if err := writeMeta(config.MetaPath(controlDir, s.ID), s.meta); err != nil {
		s.log.Warn().Err(err).Msg("persist running status")
	}
	s.log.Info().Int("pid", cmd.Process.Pid).Strs("argv", s.meta.Argv).Msg("session started")

	go s.readPTY()
	go s.reap()
	return nil
}

func (s *Session) openStdinPipe(controlDir string) error {
	path := config.StdinPipePath(controlDir, s.ID)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("mkfifo: %w", err)
	}
	// O_RDWR so the open never blocks waiting for a writer; Close from the
	// exit path unblocks the pending Read.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	s.stdinPipe = f
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				if werr := s.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// readPTY copies master output through the title pipeline into the stream
// file and, when mirroring, to the foreground terminal.
func (s *Session) readPTY() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out := s.processOutput(data)
			if werr := s.writer.WriteOutput(out); werr != nil && !errors.Is(werr, os.ErrClosed) {
				s.errs.Report(s.ID, "stream-write", werr)
			} else {
				metrics.AddStreamBytes(len(out))
			}
			if s.mirror != nil {
				s.mirror.Write(out)
			}
		}
		if err != nil {
			// Master closed. If the reaper does not confirm the exit
			// shortly, record the 255 convention for an unreaped close.
			select {
			case <-s.done:
			case <-time.After(time.Second):
				s.finish(255)
			}
			return
		}
	}
}

// processOutput applies title filtering and injection and tracks activity.
func (s *Session) processOutput(data []byte) []byte {
	mode := activity.TitleMode(s.meta.TitleMode)
	filtered, status, endsWithPrompt := s.detector.Process(data, mode)

	s.mu.Lock()
	s.lastOutput = time.Now()
	if status != nil {
		s.claude = status
	}
	inject := s.pending && (mode == activity.TitleStatic || mode == activity.TitleDynamic)
	s.pending = endsWithPrompt
	title := ""
	if inject {
		act := ""
		if mode == activity.TitleDynamic && s.claude != nil {
			act = s.claude.String()
		}
		title = activity.ComposeTitle(abbreviateHome(s.meta.Cwd), strings.Join(s.meta.Argv, " "), act)
	}
	s.mu.Unlock()

	if title != "" {
		return append(activity.TitleSequence(title), filtered...)
	}
	return filtered
}

func (s *Session) reap() {
	err := s.cmd.Wait()
	code := exitCodeFrom(err)
	s.ptmx.Close()
	s.finish(code)
}

// finish transitions to exited exactly once.
func (s *Session) finish(code int) {
	s.mu.Lock()
	if s.meta.Status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.meta.Status = StatusExited
	s.meta.ExitCode = &code
	meta := s.meta
	writer := s.writer
	pipe := s.stdinPipe
	onExit := s.onExit
	s.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	if err := writer.WriteExit(code, s.ID); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Warn().Err(err).Msg("write stream terminator")
	}
	if err := writeMeta(metaPath(s.Dir), meta); err != nil {
		s.log.Warn().Err(err).Msg("persist exit status")
	}
	s.log.Info().Int("exitCode", code).Msg("session exited")
	s.errs.Forget(s.ID)
	close(s.done)
	if onExit != nil {
		onExit(s.ID, code)
	}
}

// Write forwards bytes to the PTY master.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	record := s.spec.RecordInput
	writer := s.writer
	exited := s.meta.Status == StatusExited
	s.mu.Unlock()

	if exited {
		return fmt.Errorf("session %s: %w", s.ID, ErrExited)
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	if record {
		if err := writer.WriteInput(data); err != nil && !errors.Is(err, os.ErrClosed) {
			s.errs.Report(s.ID, "stream-write", err)
		}
	}
	return nil
}

// Resize records an "r" event, applies the new size to the PTY, and
// persists the dimensions. The event always precedes output produced under
// the new size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize to %dx%d rejected", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.Status == StatusExited {
		return fmt.Errorf("session %s: %w", s.ID, ErrExited)
	}
	if err := s.writer.WriteResize(cols, rows); err != nil {
		return err
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("setsize: %w", err)
	}
	s.meta.Cols = cols
	s.meta.Rows = rows
	if err := writeMeta(metaPath(s.Dir), s.meta); err != nil {
		s.log.Warn().Err(err).Msg("persist resize")
	}
	return nil
}

// Signal delivers a signal to the child process.
func (s *Session) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.meta.Status == StatusExited
	s.mu.Unlock()
	if exited || cmd.Process == nil {
		return fmt.Errorf("session %s: %w", s.ID, ErrExited)
	}
	return cmd.Process.Signal(sig)
}

// Terminate asks the child to exit, escalating to SIGKILL after the grace
// period. It returns once the session is reaped or the timeout passes.
func (s *Session) Terminate(timeout time.Duration) {
	if err := s.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-s.done:
		return
	case <-time.After(killGrace):
	}
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Status
}

// ExitCode returns the exit code once exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.ExitCode == nil {
		return 0, false
	}
	return *s.meta.ExitCode, true
}

// Meta returns a copy of the persistent record.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.meta
	meta.Argv = append([]string(nil), s.meta.Argv...)
	return meta
}

// Activity returns the detector-derived state.
func (s *Session) Activity() ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ActivityState{LastOutput: s.lastOutput, Status: s.claude}
}

// RecordStatus stores an externally reported activity status, as sent by a
// forwarding process over the per-session socket.
func (s *Session) RecordStatus(app, status string) {
	st := activity.ParseClaudeStatus(status)
	s.mu.Lock()
	if st != nil {
		s.claude = st
	}
	s.lastOutput = time.Now()
	s.mu.Unlock()
}

// Done is closed when the session exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func buildEnv(overlay map[string]string, sessionID string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	if _, ok := merged["TERM"]; !ok {
		merged["TERM"] = "xterm-256color"
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged["VIBETUNNEL_SESSION_ID"] = sessionID

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func envOr(overlay map[string]string, key, fallback string) string {
	if v, ok := overlay[key]; ok && v != "" {
		return v
	}
	if fallback == "" {
		return "unknown"
	}
	return fallback
}

func abbreviateHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}

func pidPath(dir string) string  { return dir + "/pid" }
func metaPath(dir string) string { return dir + "/meta.json" }
