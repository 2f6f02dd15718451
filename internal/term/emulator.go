package term

import (
	"image/color"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// scrollbackLimit caps retained history per session. Also the bound on a
// materializer's pending write queue, so both fill ratios share one scale.
const scrollbackLimit = 10000

// Emulator wraps charmbracelet/x/vt with scrollback capture via the
// ScrollOut callback. All methods are thread-safe. Callbacks fire inside
// Write, so mu is already held there.
type Emulator struct {
	emu        *vt.Emulator
	scrollback []string // ring buffer of rendered lines scrolled off the top
	sbHead     int      // next write position in ring
	sbLen      int      // current count (≤ len(scrollback))

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// NewEmulator creates an emulator with the given dimensions.
func NewEmulator(cols, rows int) *Emulator {
	e := &Emulator{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, scrollbackLimit),
		cols:       cols,
		rows:       rows,
	}
	e.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			// mu already held by caller (Write)
			if e.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				// Evict old entry if ring is full (release string for GC)
				if e.sbLen == len(e.scrollback) {
					e.scrollback[e.sbHead] = ""
				}
				e.scrollback[e.sbHead] = rendered
				e.sbHead = (e.sbHead + 1) % len(e.scrollback)
				if e.sbLen < len(e.scrollback) {
					e.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			// mu already held by caller (Write)
			for i := range e.scrollback {
				e.scrollback[i] = ""
			}
			e.sbLen = 0
			e.sbHead = 0
		},
		AltScreen: func(on bool) {
			// mu already held by caller (Write)
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			// mu already held by caller (Write)
			e.cursorHidden = !visible
		},
	})
	return e
}

// Write feeds PTY output to the emulator.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Write(p)
}

// Resize changes the terminal dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emu.Resize(cols, rows)
	e.cols = cols
	e.rows = rows
}

// Dims returns the current terminal dimensions.
func (e *Emulator) Dims() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sbLen
}

// Close releases the emulator resources.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}

// Snapshot captures the viewport grid, cursor and scroll position.
// Trailing blank cells and rows are trimmed per the wire contract.
// Runs in O(rows × cols).
func (e *Emulator) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Snapshot{
		Cols:      e.cols,
		Rows:      e.rows,
		ViewportY: e.sbLen,
		Cells:     make([][]Cell, e.rows),
	}
	if e.altScreen {
		s.ViewportY = 0
	}

	pos := e.emu.CursorPosition()
	s.CursorX = clamp(pos.X, 0, e.cols-1)
	s.CursorY = clamp(pos.Y, 0, e.rows-1)

	for y := 0; y < e.rows; y++ {
		row := make([]Cell, 0, e.cols)
		for x := 0; x < e.cols; x++ {
			uc := e.emu.CellAt(x, y)
			if uc == nil {
				row = append(row, Cell{Char: " ", Width: 1})
				continue
			}
			if uc.Width == 0 {
				// shadow half of a wide rune; the wide cell covers it
				continue
			}
			row = append(row, convertCell(uc))
		}
		s.Cells[y] = row
	}

	s.trim()
	return s
}

func convertCell(uc *uv.Cell) Cell {
	c := Cell{
		Char:  uc.Content,
		Width: uc.Width,
		FG:    convertColor(uc.Style.Fg),
		BG:    convertColor(uc.Style.Bg),
	}
	if c.Char == "" {
		c.Char = " "
		c.Width = 1
	}
	a := uc.Style.Attrs
	if a&uv.AttrBold != 0 {
		c.Attrs |= AttrBold
	}
	if a&uv.AttrFaint != 0 {
		c.Attrs |= AttrDim
	}
	if a&uv.AttrItalic != 0 {
		c.Attrs |= AttrItalic
	}
	if a&uv.AttrReverse != 0 {
		c.Attrs |= AttrInverse
	}
	if a&uv.AttrConceal != 0 {
		c.Attrs |= AttrInvisible
	}
	if a&uv.AttrStrikethrough != 0 {
		c.Attrs |= AttrStrikethrough
	}
	if uc.Style.Underline != uv.UnderlineStyleNone {
		c.Attrs |= AttrUnderline
	}
	return c
}

func convertColor(col color.Color) Color {
	switch v := col.(type) {
	case nil:
		return Color{}
	case ansi.BasicColor:
		return Palette(uint8(v))
	case ansi.ExtendedColor:
		return Palette(uint8(v))
	case ansi.TrueColor:
		return RGB(uint8(v>>16), uint8(v>>8), uint8(v))
	default:
		r, g, b, a := col.RGBA()
		if a == 0 {
			return Color{}
		}
		return RGB(uint8(r>>8), uint8(g>>8), uint8(b>>8))
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
