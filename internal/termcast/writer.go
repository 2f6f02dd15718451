package termcast

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Writer appends a session's events to its stream file. Exactly one Writer
// exists per session; creation fails if the file already exists.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	start  time.Time
	closed bool
}

// NewWriter creates the stream file and writes the header line. The elapsed
// clock starts now; event timestamps are monotonically non-decreasing.
func NewWriter(path string, header Header) (*Writer, error) {
	header.Version = 2
	if header.Timestamp == 0 {
		header.Timestamp = time.Now().Unix()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create stream file: %w", err)
	}
	line, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshal stream header: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	return &Writer{f: f, start: time.Now()}, nil
}

// Elapsed returns seconds since the stream clock started.
func (w *Writer) Elapsed() float64 {
	return time.Since(w.start).Seconds()
}

func (w *Writer) writeLine(parts []any) error {
	line, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// WriteOutput appends an "o" event carrying terminal output.
func (w *Writer) WriteOutput(data []byte) error {
	return w.writeLine([]any{w.Elapsed(), "o", string(data)})
}

// WriteInput appends an "i" event carrying bytes sent to the PTY.
func (w *Writer) WriteInput(data []byte) error {
	return w.writeLine([]any{w.Elapsed(), "i", string(data)})
}

// WriteResize appends an "r" event with payload "<cols>x<rows>".
func (w *Writer) WriteResize(cols, rows int) error {
	return w.writeLine([]any{w.Elapsed(), "r", fmt.Sprintf("%dx%d", cols, rows)})
}

// WriteExit appends the terminator line and closes the file.
func (w *Writer) WriteExit(code int, sessionID string) error {
	if err := w.writeLine([]any{"exit", code, sessionID}); err != nil {
		return err
	}
	return w.Close()
}

// Close flushes and closes the stream file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
