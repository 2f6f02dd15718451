package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session not found")

// ErrExists reports a create with an id already in use.
var ErrExists = errors.New("session already exists")

// Session ids appear in filesystem paths; anything else is rejected.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager owns the control directory and the registry of live sessions.
// The registry takes a read-write lock: List readers share it, mutators
// hold it exclusively. Each id additionally serializes its mutating
// operations through a per-id mutex.
type Manager struct {
	controlDir string
	log        zerolog.Logger
	errs       *dedup.Sink

	mu    sync.RWMutex
	live  map[string]*Session
	locks map[string]*sync.Mutex

	hookMu sync.Mutex
	onExit func(id string, code int)
}

func NewManager(controlDir string, errs *dedup.Sink) (*Manager, error) {
	if err := config.EnsureControlDir(controlDir); err != nil {
		return nil, err
	}
	return &Manager{
		controlDir: controlDir,
		log:        logger.WithComponent("session"),
		errs:       errs,
		live:       make(map[string]*Session),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// ControlDir returns the directory the manager owns.
func (m *Manager) ControlDir() string { return m.controlDir }

// SetExitHook registers a callback invoked after a session exits.
func (m *Manager) SetExitHook(fn func(id string, code int)) {
	m.hookMu.Lock()
	m.onExit = fn
	m.hookMu.Unlock()
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Create allocates a session directory, spawns the PTY child, and registers
// the session. When spec.SessionID is empty a UUID is assigned. mirror, when
// non-nil, additionally receives all PTY output (the fwd foreground case).
func (m *Manager) Create(spec Spec, mirror io.Writer) (*Session, error) {
	id := spec.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	spec.SessionID = id

	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	_, exists := m.live[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrExists)
	}
	if _, err := os.Stat(config.SessionDir(m.controlDir, id)); err == nil {
		return nil, fmt.Errorf("session %s on disk: %w", id, ErrExists)
	}

	s, err := newSession(m.controlDir, id, spec, sessionDeps{
		log:    logger.WithSession("session", id),
		errs:   m.errs,
		onExit: m.handleExit,
		mirror: mirror,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()
	metrics.SessionStarted()
	return s, nil
}

func (m *Manager) handleExit(id string, code int) {
	metrics.SessionExited()
	m.hookMu.Lock()
	fn := m.onExit
	m.hookMu.Unlock()
	if fn != nil {
		fn(id, code)
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.live[id]
	return s, ok
}

// Info returns one session's list entry, from the registry when live and
// from disk otherwise.
func (m *Manager) Info(id string) (Info, error) {
	if s, ok := m.Get(id); ok {
		return Info{Meta: s.Meta(), Activity: s.Activity()}, nil
	}
	meta, err := readMeta(config.MetaPath(m.controlDir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	return Info{Meta: m.reviseStale(meta)}, nil
}

// List walks the control directory. Live sessions contribute registry
// state; sessions from previous runs contribute their persisted meta with
// the status corrected if their process is gone.
func (m *Manager) List() []Info {
	m.mu.RLock()
	live := make(map[string]*Session, len(m.live))
	for id, s := range m.live {
		live[id] = s
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.controlDir)
	if err != nil {
		m.log.Warn().Err(err).Msg("list control dir")
		entries = nil
	}

	infos := make([]Info, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		seen[id] = true
		if s, ok := live[id]; ok {
			infos = append(infos, Info{Meta: s.Meta(), Activity: s.Activity()})
			continue
		}
		meta, err := readMeta(config.MetaPath(m.controlDir, id))
		if err != nil {
			continue // not a session directory
		}
		infos = append(infos, Info{Meta: m.reviseStale(meta)})
	}
	// Live sessions whose directory vanished still get listed.
	for id, s := range live {
		if !seen[id] {
			infos = append(infos, Info{Meta: s.Meta(), Activity: s.Activity()})
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt != infos[j].StartedAt {
			return infos[i].StartedAt < infos[j].StartedAt
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// reviseStale corrects a running status persisted by a previous process
// whose child is gone.
func (m *Manager) reviseStale(meta Meta) Meta {
	if meta.Status != StatusRunning {
		return meta
	}
	if pid, ok := m.readPid(meta.ID); ok && processAlive(pid) {
		return meta
	}
	meta.Status = StatusExited
	return meta
}

func (m *Manager) readPid(id string) (int, bool) {
	raw, err := os.ReadFile(pidPath(config.SessionDir(m.controlDir, id)))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Attach opens the session's stream file positioned at the start.
func (m *Manager) Attach(id string) (io.ReadCloser, error) {
	f, err := os.Open(config.StreamPath(m.controlDir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// SendInput forwards bytes to a live session's PTY.
func (m *Manager) SendInput(id string, data []byte) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Write(data)
}

// Resize applies new dimensions to a live session.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Resize(cols, rows)
}

// Kill signals a live session's child.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Signal(sig)
}

// Remove terminates the session if running and deletes its directory.
func (m *Manager) Remove(id string) error {
	if !idPattern.MatchString(id) {
		return ErrNotFound
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	s := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	if s != nil && s.Status() != StatusExited {
		s.Terminate(killGrace)
	}

	dir := config.SessionDir(m.controlDir, id)
	if _, err := os.Stat(dir); err != nil {
		if s == nil {
			return ErrNotFound
		}
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	m.log.Info().Str("session_id", id).Msg("session removed")
	return nil
}

// Cleanup removes directories of exited sessions whose stream files are
// older than age, and fixes stale running markers left by earlier runs.
// It returns the number of directories removed.
func (m *Manager) Cleanup(age time.Duration) int {
	entries, err := os.ReadDir(m.controlDir)
	if err != nil {
		m.log.Warn().Err(err).Msg("cleanup: list control dir")
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-age)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, ok := m.Get(id); ok {
			continue // live in this process
		}
		metaFile := config.MetaPath(m.controlDir, id)
		meta, err := readMeta(metaFile)
		if err != nil {
			continue
		}

		revised := m.reviseStale(meta)
		if revised.Status != meta.Status {
			if err := writeMeta(metaFile, revised); err != nil {
				m.log.Warn().Err(err).Str("session_id", id).Msg("cleanup: persist stale exit")
			}
			meta = revised
		}
		if meta.Status == StatusRunning {
			continue // owned by another live process
		}

		st, err := os.Stat(config.StreamPath(m.controlDir, id))
		if err == nil && st.ModTime().After(cutoff) {
			continue
		}

		l := m.lockFor(id)
		l.Lock()
		err = os.RemoveAll(config.SessionDir(m.controlDir, id))
		l.Unlock()
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", id).Msg("cleanup: remove session dir")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info().Int("removed", removed).Msg("cleaned up old sessions")
	}
	return removed
}

// Shutdown terminates every live session, SIGTERM first and SIGKILL after
// the grace period, bounded overall by timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.Status() == StatusExited {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Terminate(timeout)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn().Msg("shutdown timeout, sessions may be orphaned")
	}
}
