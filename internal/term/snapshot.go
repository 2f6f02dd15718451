package term

// Cell attribute bits as they appear in encoded snapshots.
const (
	AttrBold          uint8 = 1
	AttrItalic        uint8 = 2
	AttrUnderline     uint8 = 4
	AttrDim           uint8 = 8
	AttrInverse       uint8 = 0x10
	AttrInvisible     uint8 = 0x20
	AttrStrikethrough uint8 = 0x40
)

// ColorMode says how a Color is represented on the wire.
type ColorMode uint8

const (
	ColorNone    ColorMode = iota // terminal default
	ColorPalette                  // 256-color palette index
	ColorRGB                      // 24-bit true color
)

// Color is a cell foreground or background color.
type Color struct {
	Mode    ColorMode
	Index   uint8 // palette index when Mode == ColorPalette
	R, G, B uint8 // components when Mode == ColorRGB
}

// Palette returns a palette-indexed color.
func Palette(idx uint8) Color { return Color{Mode: ColorPalette, Index: idx} }

// RGB returns a 24-bit color.
func RGB(r, g, b uint8) Color { return Color{Mode: ColorRGB, R: r, G: g, B: b} }

// Cell is one character cell of a snapshot. Char holds the cell content
// including combining runes; Width is its column span (0 for the shadow
// half of a wide rune, else 1 or 2).
type Cell struct {
	Char  string
	Width int
	FG    Color
	BG    Color
	Attrs uint8
}

// blank reports whether the cell renders as an unstyled space.
func (c Cell) blank() bool {
	return (c.Char == " " || c.Char == "") &&
		c.Attrs == 0 && c.FG.Mode == ColorNone && c.BG.Mode == ColorNone
}

// Snapshot is a materialized view of a session's viewport: the last Rows
// rows of the emulator buffer plus cursor state. Cells carries at most
// Rows rows of at most Cols cells each; trailing blank cells and trailing
// blank rows are trimmed, keeping at least one row and one cell per row.
type Snapshot struct {
	Cols      int
	Rows      int
	ViewportY int
	CursorX   int
	CursorY   int
	Cells     [][]Cell
}

// trim drops trailing blank cells from each row and trailing blank rows
// from the grid, preserving at least one row and one cell per row.
func (s *Snapshot) trim() {
	for i, row := range s.Cells {
		n := len(row)
		for n > 1 && row[n-1].blank() {
			n--
		}
		s.Cells[i] = row[:n]
	}
	rows := len(s.Cells)
	for rows > 1 {
		row := s.Cells[rows-1]
		if len(row) == 1 && row[0].blank() {
			rows--
			continue
		}
		break
	}
	s.Cells = s.Cells[:rows]
}
