package term

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/termcast"
)

type fakeFlow struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	paused  chan struct{}
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{paused: make(chan struct{}, 1)}
}

func (f *fakeFlow) Pause() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
	select {
	case f.paused <- struct{}{}:
	default:
	}
}

func (f *fakeFlow) Resume() {
	f.mu.Lock()
	f.resumes++
	f.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testSink() *dedup.Sink {
	return dedup.NewSink(zerolog.Nop())
}

func TestMaterializerAppliesOutput(t *testing.T) {
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), testSink())
	defer m.Close()

	m.ApplyHeader(termcast.Header{Version: 2, Width: 80, Height: 24})
	m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: "hello"})

	waitFor(t, 2*time.Second, func() bool {
		s, err := DecodeSnapshot(m.Snapshot())
		if err != nil {
			t.Fatalf("DecodeSnapshot: %v", err)
		}
		return len(s.Cells) > 0 && rowString(s.Cells[0]) == "hello"
	})
}

func TestMaterializerAppliesResize(t *testing.T) {
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), testSink())
	defer m.Close()

	m.Feed(termcast.Event{Kind: termcast.KindResize, Data: "120x40"})

	waitFor(t, 2*time.Second, func() bool {
		s, err := DecodeSnapshot(m.Snapshot())
		if err != nil {
			t.Fatalf("DecodeSnapshot: %v", err)
		}
		return s.Cols == 120 && s.Rows == 40
	})
}

func TestMaterializerStopsOnExit(t *testing.T) {
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), testSink())
	defer m.Close()

	m.Feed(termcast.Event{Kind: termcast.KindExit, ExitCode: 3, SessionID: "s1"})

	waitFor(t, 2*time.Second, func() bool {
		exited, code := m.Exited()
		return exited && code == 3
	})

	// Feeds after exit are ignored.
	m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: "late"})
	time.Sleep(50 * time.Millisecond)
	s, err := DecodeSnapshot(m.Snapshot())
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(s.Cells) > 0 && strings.Contains(rowString(s.Cells[0]), "late") {
		t.Error("output applied after exit")
	}
}

func TestMaterializerNotifiesSubscribers(t *testing.T) {
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), testSink())
	defer m.Close()

	got := make(chan []byte, 4)
	cancel := m.Subscribe(func(data []byte) {
		select {
		case got <- data:
		default:
		}
	})
	defer cancel()

	m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: "ping"})

	select {
	case data := <-got:
		s, err := DecodeSnapshot(data)
		if err != nil {
			t.Fatalf("DecodeSnapshot: %v", err)
		}
		if rowString(s.Cells[0]) != "ping" {
			t.Errorf("notified snapshot row = %q, want %q", rowString(s.Cells[0]), "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot notification")
	}

	cancel()
	m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: "pong"})
	time.Sleep(2 * notifyDebounce)
	drained := len(got)
	for range drained {
		<-got
	}
	time.Sleep(2 * notifyDebounce)
	if len(got) != 0 {
		t.Error("subscriber still notified after cancel")
	}
}

func TestMaterializerPausesAboveHighWatermark(t *testing.T) {
	flow := newFakeFlow()
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), testSink())
	defer m.Close()
	m.SetFlow(flow)

	// Enqueue far faster than the batch consumer drains.
	need := int(float64(maxPendingLines)*highWatermark) + 1
	for range need {
		m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: ""})
	}

	select {
	case <-flow.paused:
	case <-time.After(2 * time.Second):
		t.Fatal("flow never paused above high watermark")
	}

	flow.mu.Lock()
	defer flow.mu.Unlock()
	if flow.pauses != 1 {
		t.Errorf("pauses = %d, want 1", flow.pauses)
	}
}

func TestMaterializerDropsAtCapacity(t *testing.T) {
	var logs bytes.Buffer
	sink := dedup.NewSink(zerolog.New(&logs))
	m := NewMaterializer("s1", 80, 24, zerolog.Nop(), sink)
	defer m.Close()

	// Overfeed by enough that the consumer cannot drain fast enough to keep
	// the queue under its cap.
	for range maxPendingLines + 1000 {
		m.Feed(termcast.Event{Kind: termcast.KindOutput, Data: ""})
	}

	if !strings.Contains(logs.String(), "write queue full") {
		t.Error("overflow did not log a dropped-line warning")
	}
}
