package term

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/stream"
)

// Hub lazily materializes sessions: the first lookup for a session id
// spins up an emulator fed by that session's stream watcher.
type Hub struct {
	controlDir string
	streams    *stream.Hub
	log        zerolog.Logger
	errs       *dedup.Sink

	mu     sync.Mutex
	mats   map[string]*hubEntry
	closed bool
}

type hubEntry struct {
	mat    *Materializer
	cancel func()
}

func NewHub(controlDir string, streams *stream.Hub, log zerolog.Logger, errs *dedup.Sink) *Hub {
	return &Hub{
		controlDir: controlDir,
		streams:    streams,
		log:        log,
		errs:       errs,
		mats:       make(map[string]*hubEntry),
	}
}

// Get returns the materializer for sessionID, creating it on first use.
// Creation replays the session's stream, so the returned materializer may
// still be catching up; snapshots converge once the queue drains.
func (h *Hub) Get(sessionID string) (*Materializer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errHubClosed
	}
	if e, ok := h.mats[sessionID]; ok {
		return e.mat, nil
	}

	log := h.log.With().Str("session_id", sessionID).Logger()
	mat := NewMaterializer(sessionID, 80, 24, log, h.errs)
	path := config.StreamPath(h.controlDir, sessionID)
	w, cancel, err := h.streams.Subscribe(sessionID, path, stream.Subscriber{
		Header: mat.ApplyHeader,
		Event:  mat.Feed,
	})
	if err != nil {
		mat.Close()
		return nil, err
	}
	mat.SetFlow(w)

	h.mats[sessionID] = &hubEntry{mat: mat, cancel: cancel}
	return mat, nil
}

// Lookup returns an existing materializer without creating one.
func (h *Hub) Lookup(sessionID string) (*Materializer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.mats[sessionID]
	if !ok {
		return nil, false
	}
	return e.mat, true
}

// Remove tears down the materializer for sessionID, if any.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	e := h.mats[sessionID]
	delete(h.mats, sessionID)
	h.mu.Unlock()
	if e != nil {
		e.cancel()
		e.mat.Close()
	}
}

// Close tears down every materializer.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := make([]*hubEntry, 0, len(h.mats))
	for _, e := range h.mats {
		entries = append(entries, e)
	}
	h.mats = make(map[string]*hubEntry)
	h.mu.Unlock()
	for _, e := range entries {
		e.cancel()
		e.mat.Close()
	}
}
