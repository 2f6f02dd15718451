package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
)

// idleTeardown is how long a watcher with no subscribers is kept alive
// before being torn down, so quick re-attaches don't churn file watches.
const idleTeardown = 5 * time.Second

var errStreamHubClosed = errors.New("stream hub closed")

// Hub shares one Watcher per stream file across subscribers and tears
// watchers down shortly after their last subscriber leaves.
type Hub struct {
	log  zerolog.Logger
	errs *dedup.Sink

	mu       sync.Mutex
	watchers map[string]*hubEntry
	closed   bool
}

type hubEntry struct {
	w     *Watcher
	refs  int
	timer *time.Timer
}

func NewHub(log zerolog.Logger, errs *dedup.Sink) *Hub {
	return &Hub{
		log:      log,
		errs:     errs,
		watchers: make(map[string]*hubEntry),
	}
}

// Subscribe attaches sub to the watcher for path, creating the watcher on
// first use. The returned Watcher handle is shared and valid for flow
// control until cancel is called.
func (h *Hub) Subscribe(sessionID, path string, sub Subscriber) (*Watcher, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, errStreamHubClosed
	}
	e := h.watchers[path]
	if e == nil {
		e = &hubEntry{w: newWatcher(path, sessionID, h.log.With().Str("session_id", sessionID).Logger(), h.errs)}
		h.watchers[path] = e
		metrics.WatcherStarted()
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.refs++
	h.mu.Unlock()

	cancel, err := e.w.Subscribe(sub)
	if err != nil {
		h.release(path, e)
		return nil, nil, err
	}

	var once sync.Once
	return e.w, func() {
		once.Do(func() {
			cancel()
			h.release(path, e)
		})
	}, nil
}

func (h *Hub) release(path string, e *hubEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.refs--
	if e.refs > 0 || h.closed {
		return
	}
	e.timer = time.AfterFunc(idleTeardown, func() {
		h.mu.Lock()
		cur := h.watchers[path]
		tearDown := cur == e && e.refs == 0
		if tearDown {
			delete(h.watchers, path)
		}
		h.mu.Unlock()
		if tearDown {
			e.w.Close()
		}
	})
}

// Drop tears down the watcher for path immediately, regardless of
// subscribers. Used when a session directory is removed.
func (h *Hub) Drop(path string) {
	h.mu.Lock()
	e := h.watchers[path]
	if e != nil {
		delete(h.watchers, path)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	h.mu.Unlock()
	if e != nil {
		e.w.Close()
	}
}

// Close tears down every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := make([]*hubEntry, 0, len(h.watchers))
	for _, e := range h.watchers {
		entries = append(entries, e)
	}
	h.watchers = make(map[string]*hubEntry)
	h.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.w.Close()
	}
}
