package dedup

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSink() (*Sink, *bytes.Buffer) {
	var buf bytes.Buffer
	s := NewSink(zerolog.New(&buf))
	return s, &buf
}

func logLines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestFirstErrorLogsImmediately(t *testing.T) {
	s, buf := newTestSink()
	s.Report("sess-1", "emulator", errors.New("bad escape"))

	lines := logLines(buf)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	if lines[0]["session"] != "sess-1" || lines[0]["context"] != "emulator" {
		t.Errorf("line = %v", lines[0])
	}
}

func TestRepeatsAreSuppressed(t *testing.T) {
	s, buf := newTestSink()
	err := errors.New("bad escape")
	for i := 0; i < 50; i++ {
		s.Report("sess-1", "emulator", err)
	}
	if lines := logLines(buf); len(lines) != 1 {
		t.Errorf("log lines = %d, want 1 (only the first)", len(lines))
	}
}

func TestSummaryAfterCountThreshold(t *testing.T) {
	s, buf := newTestSink()
	err := errors.New("bad escape")
	for i := 0; i < summaryEvery+1; i++ {
		s.Report("sess-1", "emulator", err)
	}
	lines := logLines(buf)
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2 (first + summary)", len(lines))
	}
	summary := lines[1]
	if summary["count"] != float64(summaryEvery+1) {
		t.Errorf("summary count = %v, want %d", summary["count"], summaryEvery+1)
	}
	if _, ok := summary["first"]; !ok {
		t.Error("summary missing first timestamp")
	}
	if _, ok := summary["last"]; !ok {
		t.Error("summary missing last timestamp")
	}
}

func TestSummaryAfterInterval(t *testing.T) {
	s, buf := newTestSink()
	s.interval = time.Millisecond
	err := errors.New("bad escape")

	s.Report("sess-1", "emulator", err)
	time.Sleep(5 * time.Millisecond)
	s.Report("sess-1", "emulator", err)

	lines := logLines(buf)
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2 (first + interval summary)", len(lines))
	}
	if lines[1]["count"] != float64(2) {
		t.Errorf("summary count = %v, want 2", lines[1]["count"])
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s, buf := newTestSink()
	err := errors.New("boom")
	s.Report("sess-1", "emulator", err)
	s.Report("sess-1", "watcher", err)
	s.Report("sess-2", "emulator", err)

	if lines := logLines(buf); len(lines) != 3 {
		t.Errorf("log lines = %d, want 3 (one per key)", len(lines))
	}
}

func TestFlushEmitsPending(t *testing.T) {
	s, buf := newTestSink()
	err := errors.New("boom")
	for i := 0; i < 5; i++ {
		s.Report("sess-1", "emulator", err)
	}
	buf.Reset()
	s.Flush()

	lines := logLines(buf)
	if len(lines) != 1 {
		t.Fatalf("flush lines = %d, want 1", len(lines))
	}
	if lines[0]["count"] != float64(5) {
		t.Errorf("flush count = %v, want 5", lines[0]["count"])
	}

	// Nothing new since the flush; a second flush stays quiet.
	buf.Reset()
	s.Flush()
	if lines := logLines(buf); len(lines) != 0 {
		t.Errorf("second flush lines = %d, want 0", len(lines))
	}
}

func TestForget(t *testing.T) {
	s, buf := newTestSink()
	err := errors.New("boom")
	for i := 0; i < 5; i++ {
		s.Report("sess-1", "emulator", err)
	}
	s.Report("sess-2", "emulator", err)
	buf.Reset()

	s.Forget("sess-1")
	lines := logLines(buf)
	if len(lines) != 1 {
		t.Fatalf("forget lines = %d, want 1 (pending summary)", len(lines))
	}

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("entries after forget = %d, want 1 (sess-2 remains)", n)
	}
}

func TestNilErrorIgnored(t *testing.T) {
	s, buf := newTestSink()
	s.Report("sess-1", "emulator", nil)
	if buf.Len() != 0 {
		t.Errorf("nil error produced output: %q", buf.String())
	}
}
