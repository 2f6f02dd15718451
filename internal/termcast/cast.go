// Package termcast reads and writes asciinema v2 terminal recordings.
// A stream is one JSON header line followed by JSON event lines
// [elapsedSeconds, kind, payload], terminated by ["exit", code, sessionId].
package termcast

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags one recorded event.
type Kind byte

const (
	KindOutput Kind = 'o'
	KindInput  Kind = 'i'
	KindResize Kind = 'r'
	// KindExit marks the terminator line. It never appears on the wire as a
	// single-character kind; the terminator leads with the string "exit".
	KindExit Kind = 'x'
)

// Header is the first line of a stream.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one parsed stream line after the header.
type Event struct {
	Time float64
	Kind Kind
	Data string

	// Set only when Kind == KindExit.
	ExitCode  int
	SessionID string
}

// ParseHeader decodes the first line of a stream.
func ParseHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("stream header: %w", err)
	}
	if h.Version != 2 {
		return Header{}, fmt.Errorf("stream header: version %d, want 2", h.Version)
	}
	return h, nil
}

// ParseEvent decodes an event or terminator line.
func ParseEvent(line []byte) (Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return Event{}, fmt.Errorf("event line: %w", err)
	}
	if len(parts) != 3 {
		return Event{}, fmt.Errorf("event line: %d elements, want 3", len(parts))
	}

	var ts float64
	if err := json.Unmarshal(parts[0], &ts); err != nil {
		// Terminator lines lead with the string "exit" instead of a timestamp.
		var tag string
		if err := json.Unmarshal(parts[0], &tag); err != nil || tag != "exit" {
			return Event{}, fmt.Errorf("event line: unrecognized leading element %s", parts[0])
		}
		var ev Event
		ev.Kind = KindExit
		if err := json.Unmarshal(parts[1], &ev.ExitCode); err != nil {
			return Event{}, fmt.Errorf("terminator exit code: %w", err)
		}
		if err := json.Unmarshal(parts[2], &ev.SessionID); err != nil {
			return Event{}, fmt.Errorf("terminator session id: %w", err)
		}
		return ev, nil
	}

	var kind string
	if err := json.Unmarshal(parts[1], &kind); err != nil || len(kind) != 1 {
		return Event{}, fmt.Errorf("event line: bad kind %s", parts[1])
	}
	var data string
	if err := json.Unmarshal(parts[2], &data); err != nil {
		return Event{}, fmt.Errorf("event payload: %w", err)
	}
	return Event{Time: ts, Kind: Kind(kind[0]), Data: data}, nil
}

// Dimensions parses a resize payload of the form "<cols>x<rows>".
func (e Event) Dimensions() (cols, rows int, ok bool) {
	if e.Kind != KindResize {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(e.Data, "%dx%d", &cols, &rows); err != nil {
		return 0, 0, false
	}
	if cols <= 0 || rows <= 0 {
		return 0, 0, false
	}
	return cols, rows, true
}

// MarshalLine renders e as a stream line without the trailing newline.
func (e Event) MarshalLine() []byte {
	var line []byte
	var err error
	if e.Kind == KindExit {
		line, err = json.Marshal([]any{"exit", e.ExitCode, e.SessionID})
	} else {
		line, err = json.Marshal([]any{e.Time, string(e.Kind), e.Data})
	}
	if err != nil {
		// Only unencodable strings reach here; data is always a Go string.
		return nil
	}
	return line
}

// ScanAll reads a whole stream. Lines that fail to parse are counted and
// skipped rather than aborting the scan.
func ScanAll(r io.Reader) (Header, []Event, int, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16<<20)

	if !s.Scan() {
		if err := s.Err(); err != nil {
			return Header{}, nil, 0, err
		}
		return Header{}, nil, 0, io.ErrUnexpectedEOF
	}
	header, err := ParseHeader(s.Bytes())
	if err != nil {
		return Header{}, nil, 0, err
	}

	var events []Event
	skipped := 0
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return header, events, skipped, s.Err()
}
