package term

import (
	"bytes"
	"fmt"
	"testing"
)

func rowString(row []Cell) string {
	var b bytes.Buffer
	for _, c := range row {
		b.WriteString(c.Char)
	}
	return b.String()
}

func TestEmulatorBasicOutput(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Write([]byte("hello world"))
	s := e.Snapshot()

	if got := rowString(s.Cells[0]); got != "hello world" {
		t.Errorf("row 0 = %q, want %q", got, "hello world")
	}
	if s.CursorX != 11 || s.CursorY != 0 {
		t.Errorf("cursor = (%d,%d), want (11,0)", s.CursorX, s.CursorY)
	}
	if s.ViewportY != 0 {
		t.Errorf("viewportY = %d, want 0", s.ViewportY)
	}
}

func TestEmulatorTrimsTrailingBlanks(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Write([]byte("x"))
	s := e.Snapshot()

	if len(s.Cells) != 1 {
		t.Errorf("rows = %d, want 1 (trailing blank rows trimmed)", len(s.Cells))
	}
	if len(s.Cells[0]) != 1 {
		t.Errorf("row 0 cells = %d, want 1 (trailing blank cells trimmed)", len(s.Cells[0]))
	}
}

func TestEmulatorScrollbackCount(t *testing.T) {
	e := NewEmulator(80, 10)
	defer e.Close()

	// 30 lines on a 10-row terminal: the first scroll happens at line 9's
	// \r\n, the last at line 29's, so 21 lines land in scrollback.
	for i := range 30 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	if got := e.ScrollbackLen(); got != 21 {
		t.Errorf("scrollback = %d, want 21", got)
	}
	if got := e.Snapshot().ViewportY; got != 21 {
		t.Errorf("viewportY = %d, want 21", got)
	}
}

func TestEmulatorScrollbackClear(t *testing.T) {
	e := NewEmulator(80, 10)
	defer e.Close()

	for i := range 20 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	if e.ScrollbackLen() == 0 {
		t.Fatal("scrollback should have lines before clear")
	}

	e.Write([]byte("\x1b[3J"))
	if got := e.ScrollbackLen(); got != 0 {
		t.Errorf("scrollback after ESC[3J = %d, want 0", got)
	}
}

func TestEmulatorResize(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Resize(120, 40)
	if cols, rows := e.Dims(); cols != 120 || rows != 40 {
		t.Errorf("dims = %dx%d, want 120x40", cols, rows)
	}
	s := e.Snapshot()
	if s.Cols != 120 || s.Rows != 40 {
		t.Errorf("snapshot dims = %dx%d, want 120x40", s.Cols, s.Rows)
	}
}

func TestEmulatorStyledCells(t *testing.T) {
	e := NewEmulator(80, 24)
	defer e.Close()

	e.Write([]byte("\x1b[31mr\x1b[m \x1b[1mb\x1b[m"))
	s := e.Snapshot()

	row := s.Cells[0]
	if len(row) < 3 {
		t.Fatalf("row 0 has %d cells, want at least 3", len(row))
	}
	if row[0].Char != "r" || row[0].FG != Palette(1) {
		t.Errorf("cell 0 = %+v, want char r with palette fg 1", row[0])
	}
	if row[2].Char != "b" || row[2].Attrs&AttrBold == 0 {
		t.Errorf("cell 2 = %+v, want bold b", row[2])
	}
}

// Two emulators fed the same byte sequence must produce byte-identical
// encoded snapshots.
func TestEmulatorSnapshotDeterministic(t *testing.T) {
	feed := func(e *Emulator) {
		for i := range 40 {
			e.Write([]byte(fmt.Sprintf("\x1b[3%dmline %d\x1b[m\r\n", i%8, i)))
		}
		e.Resize(100, 30)
		e.Write([]byte("\x1b[5;10Hmarker"))
	}

	e1 := NewEmulator(80, 24)
	defer e1.Close()
	e2 := NewEmulator(80, 24)
	defer e2.Close()
	feed(e1)
	feed(e2)

	s1 := EncodeSnapshot(e1.Snapshot())
	s2 := EncodeSnapshot(e2.Snapshot())
	if !bytes.Equal(s1, s2) {
		t.Error("snapshots differ across identically-fed emulators")
	}
}
