// Package session spawns and tracks PTY sessions. Each session owns a
// directory under the control dir holding its asciinema stream, metadata,
// per-session socket, and optional stdin pipe.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/vibetunnel/vibetunnel/internal/activity"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// Spec carries the inputs for creating a session.
type Spec struct {
	SessionID string // optional; assigned when empty
	Argv      []string
	Cwd       string
	Env       map[string]string // overlaid on the daemon environment
	Name      string
	Cols      int
	Rows      int
	TitleMode activity.TitleMode

	GitRepoPath     string
	GitBranch       string
	GitIsWorktree   bool
	GitMainRepoPath string

	// RecordInput mirrors PTY input into "i" events.
	RecordInput bool
	// StdinPipe creates a FIFO named stdin in the session directory and
	// forwards writes to the PTY master.
	StdinPipe bool
}

func (s *Spec) validate() error {
	if len(s.Argv) == 0 || strings.TrimSpace(s.Argv[0]) == "" {
		return fmt.Errorf("argv must name a command")
	}
	if s.Cwd == "" {
		return fmt.Errorf("cwd is required")
	}
	if !filepath.IsAbs(s.Cwd) {
		return fmt.Errorf("cwd %q is not absolute", s.Cwd)
	}
	if s.Cols <= 0 {
		s.Cols = 80
	}
	if s.Rows <= 0 {
		s.Rows = 24
	}
	if s.TitleMode == "" {
		s.TitleMode = activity.TitleNone
	}
	return nil
}

// Meta is the persistent per-session record, written atomically to
// meta.json on every status or dimension change.
type Meta struct {
	ID              string   `json:"id"`
	Argv            []string `json:"argv"`
	Cwd             string   `json:"cwd"`
	Name            string   `json:"name,omitempty"`
	Cols            int      `json:"cols"`
	Rows            int      `json:"rows"`
	TitleMode       string   `json:"titleMode"`
	GitRepoPath     string   `json:"gitRepoPath,omitempty"`
	GitBranch       string   `json:"gitBranch,omitempty"`
	GitIsWorktree   bool     `json:"gitIsWorktree,omitempty"`
	GitMainRepoPath string   `json:"gitMainRepoPath,omitempty"`
	StartedAt       string   `json:"startedAtISO"`
	Status          Status   `json:"status"`
	ExitCode        *int     `json:"exitCode,omitempty"`
}

func metaFromSpec(id string, spec Spec) Meta {
	return Meta{
		ID:              id,
		Argv:            spec.Argv,
		Cwd:             spec.Cwd,
		Name:            spec.Name,
		Cols:            spec.Cols,
		Rows:            spec.Rows,
		TitleMode:       string(spec.TitleMode),
		GitRepoPath:     spec.GitRepoPath,
		GitBranch:       spec.GitBranch,
		GitIsWorktree:   spec.GitIsWorktree,
		GitMainRepoPath: spec.GitMainRepoPath,
		StartedAt:       time.Now().Format(time.RFC3339),
		Status:          StatusStarting,
	}
}

func writeMeta(path string, meta Meta) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("prepare meta write: %w", err)
	}
	defer pf.Cleanup()

	enc := json.NewEncoder(pf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace meta: %w", err)
	}
	return nil
}

func readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

// ActivityState is the detector-derived state surfaced in session lists.
type ActivityState struct {
	LastOutput time.Time
	Status     *activity.Status
}

// Active reports output within the given window.
func (a ActivityState) Active(window time.Duration) bool {
	return !a.LastOutput.IsZero() && time.Since(a.LastOutput) < window
}

// Info is one session list entry: persistent meta plus derived state.
type Info struct {
	Meta
	Activity ActivityState `json:"-"`
}
