// Package stream tails asciinema stream files and fans parsed events out
// to subscribers. One watcher exists per stream file; subscribers first
// receive a replay of existing content (pruned at the last clear-scrollback
// sequence), then live events as the file grows.
package stream

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/termcast"
)

const (
	// pollInterval is the stat fallback when fsnotify misses writes.
	pollInterval = 250 * time.Millisecond

	// clearSeq marks scrollback history as discarded; replay for new
	// subscribers starts after the last occurrence.
	clearSeq = "\x1b[3J"
)

// Subscriber receives the stream header once, then events in file order.
// Replayed events carry Time 0; live events carry seconds since subscribe.
type Subscriber struct {
	Header func(termcast.Header)
	Event  func(termcast.Event)
}

type subscription struct {
	sub        Subscriber
	start      time.Time
	startAfter int64 // byte offset already covered by replay
	headerSent bool
}

// Watcher tails a single stream file. All byte-offset bookkeeping for the
// file lives here; downstream consumers only ever see ordered events.
type Watcher struct {
	path      string
	sessionID string
	log       zerolog.Logger
	errs      *dedup.Sink

	fsw *fsnotify.Watcher // nil when fsnotify is unavailable

	// deliverMu serializes replay against live delivery so a subscriber
	// never observes an event out of order relative to its replay.
	deliverMu sync.Mutex

	mu       sync.Mutex
	subs     map[int]*subscription
	nextID   int
	offset   int64  // bytes consumed from the file
	partial  []byte // trailing incomplete line
	header   *termcast.Header
	paused   bool
	finished bool // exit terminator observed
	closed   bool

	kick chan struct{}
	done chan struct{}
}

func newWatcher(path, sessionID string, log zerolog.Logger, errs *dedup.Sink) *Watcher {
	w := &Watcher{
		path:      path,
		sessionID: sessionID,
		log:       log,
		errs:      errs,
		subs:      make(map[int]*subscription),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the session directory: write events for the stream file
		// arrive even if the file is replaced.
		dir := path
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			dir = path[:i]
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			fsw = nil
		}
		w.fsw = fsw
	} else {
		w.log.Debug().Err(err).Msg("fsnotify unavailable, falling back to polling")
	}
	go w.run()
	return w
}

// Subscribe replays the pruned existing content to sub, registers it for
// live events, and returns a cancel handle.
func (w *Watcher) Subscribe(sub Subscriber) (func(), error) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	raw, err := os.ReadFile(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	// Only complete lines take part in the replay; a trailing partial
	// line is delivered later by the tail loop.
	cut := bytes.LastIndexByte(raw, '\n') + 1
	complete := raw[:cut]

	s := &subscription{
		sub:        sub,
		start:      time.Now(),
		startAfter: int64(cut),
	}

	if header, events, ok := parseReplay(w, complete); ok {
		header, events = pruneReplay(header, events)
		s.headerSent = true
		if sub.Header != nil {
			sub.Header(header)
		}
		if sub.Event != nil {
			for _, ev := range events {
				ev.Time = 0
				sub.Event(ev)
			}
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, errors.New("stream watcher closed")
	}
	id := w.nextID
	w.nextID++
	w.subs[id] = s
	w.mu.Unlock()

	w.wake()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}, nil
}

// Pause stops reading new file content until Resume. Already-read events
// are still delivered.
func (w *Watcher) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume re-enables tailing and kicks an immediate read.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.wake()
}

func (w *Watcher) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) subscriberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close stops the tail loop. Subscribers receive no further events.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrs chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrs = w.fsw.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Name != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-fsErrs:
			if !ok {
				fsErrs = nil
				continue
			}
			w.log.Debug().Err(err).Msg("fsnotify error")
			continue
		case <-ticker.C:
		}
		w.poll()
	}
}

// poll reads any new bytes and delivers complete lines as events.
func (w *Watcher) poll() {
	w.mu.Lock()
	if w.paused || w.finished || w.closed {
		w.mu.Unlock()
		return
	}
	offset := w.offset
	w.mu.Unlock()

	st, err := os.Stat(w.path)
	if err != nil {
		return // not created yet, or already cleaned up
	}
	if st.Size() < offset {
		// Stream files are append-only; a shrink means something external
		// rewrote the file. Tailing never rewinds.
		w.errs.Report(w.sessionID, "stream tail", errors.New("stream file shrank"))
		return
	}
	if st.Size() == offset {
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		w.errs.Report(w.sessionID, "stream tail", err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		w.errs.Report(w.sessionID, "stream tail", err)
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(f, st.Size()-offset))
	if err != nil {
		w.errs.Report(w.sessionID, "stream tail", err)
		return
	}

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.closed || w.offset != offset {
		w.mu.Unlock()
		return
	}
	w.offset += int64(len(chunk))
	data := append(w.partial, chunk...)
	lineBase := w.offset - int64(len(data))
	w.mu.Unlock()

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]
		lineBase += int64(i) + 1
		w.handleLine(line, lineBase)
	}

	w.mu.Lock()
	w.partial = append(w.partial[:0], data...)
	w.mu.Unlock()
}

// handleLine parses one complete line and delivers it. end is the byte
// offset just past the line's newline, used to skip lines a subscriber
// already replayed. Called with deliverMu held.
func (w *Watcher) handleLine(line []byte, end int64) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	w.mu.Lock()
	if w.header == nil {
		h, err := termcast.ParseHeader(line)
		w.mu.Unlock()
		if err != nil {
			w.errs.Report(w.sessionID, "stream parse", err)
			return
		}
		w.setHeader(h, end)
		return
	}
	w.mu.Unlock()

	ev, err := termcast.ParseEvent(line)
	if err != nil {
		w.errs.Report(w.sessionID, "stream parse", err)
		return
	}
	if ev.Kind == termcast.KindExit {
		w.mu.Lock()
		w.finished = true
		w.mu.Unlock()
	}
	w.deliver(ev, end)
}

func (w *Watcher) setHeader(h termcast.Header, end int64) {
	w.mu.Lock()
	w.header = &h
	var targets []*subscription
	for _, s := range w.subs {
		if !s.headerSent && end > s.startAfter {
			s.headerSent = true
			targets = append(targets, s)
		}
	}
	w.mu.Unlock()
	for _, s := range targets {
		if s.sub.Header != nil {
			s.sub.Header(h)
		}
	}
}

func (w *Watcher) deliver(ev termcast.Event, end int64) {
	w.mu.Lock()
	targets := make([]*subscription, 0, len(w.subs))
	for _, s := range w.subs {
		if s.headerSent && end > s.startAfter {
			targets = append(targets, s)
		}
	}
	w.mu.Unlock()
	for _, s := range targets {
		out := ev
		out.Time = time.Since(s.start).Seconds()
		if s.sub.Event != nil {
			s.sub.Event(out)
		}
	}
}

// parseReplay parses the complete lines available at subscribe time.
// ok is false when the header has not been written yet.
func parseReplay(w *Watcher, complete []byte) (termcast.Header, []termcast.Event, bool) {
	var header termcast.Header
	var events []termcast.Event
	got := false
	for len(complete) > 0 {
		i := bytes.IndexByte(complete, '\n')
		if i < 0 {
			break
		}
		line := complete[:i]
		complete = complete[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !got {
			h, err := termcast.ParseHeader(line)
			if err != nil {
				w.errs.Report(w.sessionID, "stream parse", err)
				continue
			}
			header = h
			got = true
			continue
		}
		ev, err := termcast.ParseEvent(line)
		if err != nil {
			w.errs.Report(w.sessionID, "stream parse", err)
			continue
		}
		events = append(events, ev)
	}
	return header, events, got
}

// pruneReplay drops everything up to and including the last output event
// carrying the clear-scrollback sequence, and rewrites the header to the
// dimensions of the last resize seen before that point.
func pruneReplay(h termcast.Header, events []termcast.Event) (termcast.Header, []termcast.Event) {
	clearIdx := -1
	cols, rows := 0, 0
	clearCols, clearRows := 0, 0
	for i, ev := range events {
		switch ev.Kind {
		case termcast.KindResize:
			if c, r, ok := ev.Dimensions(); ok {
				cols, rows = c, r
			}
		case termcast.KindOutput:
			if strings.Contains(ev.Data, clearSeq) {
				clearIdx = i
				clearCols, clearRows = cols, rows
			}
		}
	}
	if clearIdx < 0 {
		return h, events
	}
	if clearCols > 0 && clearRows > 0 {
		h.Width = clearCols
		h.Height = clearRows
	}
	return h, events[clearIdx+1:]
}
