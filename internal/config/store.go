package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

// reloadDebounce is the stability window for external edits.
const reloadDebounce = 500 * time.Millisecond

// QuickStartCommand is one entry in the new-session quick start list.
type QuickStartCommand struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
}

// Config is the persistent user configuration.
type Config struct {
	Version            int                 `json:"version"`
	RepositoryBasePath string              `json:"repositoryBasePath,omitempty"`
	QuickStartCommands []QuickStartCommand `json:"quickStartCommands"`
}

// Default returns the configuration written when none exists or the on-disk
// content fails validation.
func Default() Config {
	return Config{
		Version:            CurrentVersion,
		RepositoryBasePath: "~",
		QuickStartCommands: []QuickStartCommand{
			{Command: "claude"},
			{Command: "gemini"},
			{Command: "zsh"},
			{Command: "python3"},
			{Command: "node"},
		},
	}
}

// ValidationError reports a config payload that fails the schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

// Validate checks the schema invariants.
func Validate(cfg Config) error {
	if cfg.Version < 1 {
		return &ValidationError{Field: "version", Reason: "must be a positive integer"}
	}
	for i, qc := range cfg.QuickStartCommands {
		if strings.TrimSpace(qc.Command) == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("quickStartCommands[%d].command", i),
				Reason: "must be a non-empty string",
			}
		}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.QuickStartCommands = append([]QuickStartCommand(nil), c.QuickStartCommands...)
	return out
}

func (c Config) equal(other Config) bool {
	a, _ := json.Marshal(c)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}

// Store owns the config file. Reads are cheap copies; writes serialize
// through one mutex and hit disk atomically. A file watcher picks up
// external edits and fans them out to registered callbacks.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current Config

	cbMu      sync.Mutex
	callbacks map[int]func(Config)
	nextCB    int

	watcher *fsnotify.Watcher
}

// NewStore loads (or creates) the config file at path. Invalid on-disk
// content is replaced with defaults and persisted.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	s := &Store{
		path:      path,
		log:       log,
		callbacks: make(map[int]func(Config)),
	}

	cfg, err := s.load()
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("config invalid, restoring defaults")
		cfg = Default()
		if err := s.persist(cfg); err != nil {
			return nil, err
		}
	}
	s.current = cfg
	return s, nil
}

func (s *Store) load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s *Store) persist(cfg Config) error {
	pf, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("prepare config write: %w", err)
	}
	defer pf.Cleanup()

	enc := json.NewEncoder(pf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Update applies mutate to a copy of the current config, validates the
// result, and persists it. On any failure the on-disk file and the in-memory
// config are left unchanged.
func (s *Store) Update(mutate func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	if err := mutate(&next); err != nil {
		return err
	}
	next.Version = CurrentVersion
	if err := Validate(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.current = next
	go s.notify(next.clone())
	return nil
}

// UpdateQuickStartCommands replaces the quick start list.
func (s *Store) UpdateQuickStartCommands(cmds []QuickStartCommand) error {
	return s.Update(func(cfg *Config) error {
		cfg.QuickStartCommands = append([]QuickStartCommand(nil), cmds...)
		return nil
	})
}

// SetRepositoryBasePath updates the repository discovery root.
func (s *Store) SetRepositoryBasePath(path string) error {
	return s.Update(func(cfg *Config) error {
		cfg.RepositoryBasePath = path
		return nil
	})
}

// OnChange registers a callback invoked after every accepted change,
// internal or external. The returned handle unregisters it.
func (s *Store) OnChange(fn func(Config)) (cancel func()) {
	s.cbMu.Lock()
	id := s.nextCB
	s.nextCB++
	s.callbacks[id] = fn
	s.cbMu.Unlock()
	return func() {
		s.cbMu.Lock()
		delete(s.callbacks, id)
		s.cbMu.Unlock()
	}
}

func (s *Store) notify(cfg Config) {
	s.cbMu.Lock()
	fns := make([]func(Config), 0, len(s.callbacks))
	for _, fn := range s.callbacks {
		fns = append(fns, fn)
	}
	s.cbMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Msg("config change callback panicked")
				}
			}()
			fn(cfg.clone())
		}()
	}
}

// Watch reloads the store when the file changes on disk. Events within the
// debounce window coalesce into one reload. Watch returns immediately; the
// loop stops when Close is called.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: atomic replaces and editor saves rename a new
	// file into place, which drops inode-level watches.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	base := filepath.Base(s.path)
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.reload)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Store) reload() {
	cfg, err := s.load()
	if err != nil {
		s.log.Warn().Err(err).Msg("external config edit invalid, restoring defaults")
		cfg = Default()
		s.mu.Lock()
		if perr := s.persist(cfg); perr != nil {
			s.mu.Unlock()
			s.log.Error().Err(perr).Msg("restore config defaults")
			return
		}
		s.current = cfg
		s.mu.Unlock()
		s.notify(cfg.clone())
		return
	}

	s.mu.Lock()
	if cfg.equal(s.current) {
		s.mu.Unlock()
		return
	}
	s.current = cfg
	s.mu.Unlock()
	s.log.Info().Msg("config reloaded from external edit")
	s.notify(cfg.clone())
}

// Close stops the watcher, if running.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
