package term

import (
	"errors"
	"sync"
	"time"

	"github.com/boz/go-throttle"
	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/metrics"
	"github.com/vibetunnel/vibetunnel/internal/termcast"
)

const (
	// batchLines and batchGap bound how fast stream events are pushed
	// into the emulator.
	batchLines = 10
	batchGap   = 10 * time.Millisecond

	// notifyDebounce coalesces bursts of writes into one snapshot emission.
	notifyDebounce = 50 * time.Millisecond

	// maxPendingLines caps the write queue between the stream watcher and
	// the emulator. Same scale as the emulator scrollback, so the
	// watermarks below read as fractions of either.
	maxPendingLines = scrollbackLimit

	highWatermark = 0.80
	lowWatermark  = 0.50

	// maxPause bounds how long the upstream watcher stays paused before
	// the queue is abandoned to cap memory.
	maxPause = 5 * time.Minute

	pauseCheckInterval = 30 * time.Second
)

var (
	errQueueFull = errors.New("write queue full, dropping line")
	errHubClosed = errors.New("terminal hub closed")
)

// Flow is the upstream throttle: the stream watcher feeding a materializer.
type Flow interface {
	Pause()
	Resume()
}

// Materializer drives a headless terminal emulator from stream events and
// emits encoded buffer snapshots to subscribers. One exists per session.
type Materializer struct {
	sessionID string
	log       zerolog.Logger
	errs      *dedup.Sink
	emu       *Emulator

	mu       sync.Mutex
	flow     Flow
	pending  []termcast.Event
	paused   bool
	pausedAt time.Time
	exited   bool
	exitCode int
	subs     map[int]func([]byte)
	nextSub  int
	closed   bool

	wake   chan struct{}
	done   chan struct{}
	notify throttle.ThrottleDriver
	once   sync.Once
}

// NewMaterializer creates a materializer with its own emulator. The flow
// handle may be attached later with SetFlow once the upstream exists.
func NewMaterializer(sessionID string, cols, rows int, log zerolog.Logger, errs *dedup.Sink) *Materializer {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	m := &Materializer{
		sessionID: sessionID,
		log:       log,
		errs:      errs,
		emu:       NewEmulator(cols, rows),
		subs:      make(map[int]func([]byte)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	m.notify = throttle.ThrottleFunc(notifyDebounce, true, m.broadcast)
	go m.consume()
	return m
}

// SetFlow attaches the upstream pause/resume handle.
func (m *Materializer) SetFlow(f Flow) {
	m.mu.Lock()
	m.flow = f
	m.mu.Unlock()
}

// ApplyHeader resizes the emulator to the stream's header dimensions.
func (m *Materializer) ApplyHeader(h termcast.Header) {
	if h.Width > 0 && h.Height > 0 {
		m.emu.Resize(h.Width, h.Height)
	}
}

// Feed queues one stream event for the emulator. Above the high watermark
// the upstream flow is paused; at capacity the newest line is dropped.
func (m *Materializer) Feed(ev termcast.Event) {
	m.mu.Lock()
	if m.closed || m.exited {
		m.mu.Unlock()
		return
	}
	if len(m.pending) >= maxPendingLines {
		m.mu.Unlock()
		m.errs.Report(m.sessionID, "write queue", errQueueFull)
		return
	}
	m.pending = append(m.pending, ev)
	util := float64(len(m.pending)) / maxPendingLines
	flow := m.flow
	pause := !m.paused && util >= highWatermark && flow != nil
	if pause {
		m.paused = true
		m.pausedAt = time.Now()
	}
	m.mu.Unlock()

	if pause {
		m.log.Warn().Float64("utilization", util).Msg("write queue above high watermark, pausing stream")
		metrics.FlowPause()
		flow.Pause()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Materializer) consume() {
	deadline := time.NewTicker(pauseCheckInterval)
	defer deadline.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-deadline.C:
			m.checkPauseDeadline()
			continue
		case <-m.wake:
		}
		for {
			batch, more := m.takeBatch()
			if len(batch) == 0 {
				break
			}
			m.apply(batch)
			m.notify.Trigger()
			m.maybeResume()
			if !more {
				break
			}
			select {
			case <-m.done:
				return
			case <-time.After(batchGap):
			}
		}
	}
}

func (m *Materializer) takeBatch() (batch []termcast.Event, more bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	if n == 0 {
		m.pending = nil
		return nil, false
	}
	if n > batchLines {
		n = batchLines
	}
	batch = append(batch, m.pending[:n]...)
	m.pending = m.pending[n:]
	return batch, len(m.pending) > 0
}

func (m *Materializer) apply(batch []termcast.Event) {
	for _, ev := range batch {
		switch ev.Kind {
		case termcast.KindOutput:
			if _, err := m.emu.Write([]byte(ev.Data)); err != nil {
				m.errs.Report(m.sessionID, "emulator write", err)
			}
		case termcast.KindResize:
			if cols, rows, ok := ev.Dimensions(); ok {
				m.emu.Resize(cols, rows)
			}
		case termcast.KindExit:
			m.finish(ev.ExitCode)
		}
	}
}

func (m *Materializer) finish(code int) {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return
	}
	m.exited = true
	m.exitCode = code
	m.pending = nil
	flow := m.flow
	resume := m.paused
	m.paused = false
	m.mu.Unlock()
	if resume && flow != nil {
		flow.Resume()
	}
}

func (m *Materializer) maybeResume() {
	m.mu.Lock()
	util := float64(len(m.pending)) / maxPendingLines
	flow := m.flow
	resume := m.paused && util <= lowWatermark && flow != nil
	if resume {
		m.paused = false
	}
	m.mu.Unlock()
	if resume {
		m.log.Info().Float64("utilization", util).Msg("write queue drained below low watermark, resuming stream")
		flow.Resume()
	}
}

// checkPauseDeadline abandons the queue when the upstream has been paused
// too long, trading history for bounded memory.
func (m *Materializer) checkPauseDeadline() {
	m.mu.Lock()
	if !m.paused || time.Since(m.pausedAt) < maxPause {
		m.mu.Unlock()
		return
	}
	dropped := len(m.pending)
	m.pending = nil
	m.paused = false
	flow := m.flow
	m.mu.Unlock()

	m.log.Error().Int("dropped_lines", dropped).Msg("stream paused past deadline, dropping queued output")
	if flow != nil {
		flow.Resume()
	}
}

// Snapshot captures and encodes the current buffer.
func (m *Materializer) Snapshot() []byte {
	return EncodeSnapshot(m.emu.Snapshot())
}

// Subscribe registers fn for debounced snapshot emissions. It does not
// deliver an initial snapshot; callers wanting one use Snapshot first.
func (m *Materializer) Subscribe(fn func([]byte)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Materializer) broadcast() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fns := make([]func([]byte), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	data := m.Snapshot()
	metrics.SnapshotEmitted(len(data))
	for _, fn := range fns {
		fn(data)
	}
}

// Exited reports whether the stream has terminated and with what code.
func (m *Materializer) Exited() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited, m.exitCode
}

// Close stops the consumer and releases the emulator.
func (m *Materializer) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.subs = make(map[int]func([]byte))
		m.mu.Unlock()
		close(m.done)
		m.notify.Stop()
		m.emu.Close()
	})
}
