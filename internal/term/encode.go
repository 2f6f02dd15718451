package term

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/charmbracelet/x/ansi"
)

// Snapshot wire format, version 1.
//
// Header (32 bytes): magic "VT" (0x5654 LE u16), version u8, flags u8,
// cols u32, rows u32, viewportY i32, cursorX i32, cursorY i32,
// reserved u32, 4 zero bytes of padding. All integers little-endian.
//
// Body: per row either 0xFE + count u8 (a run of empty rows) or
// 0xFD + cellCount u16 + that many cells.
const (
	snapshotMagic   = 0x5654
	snapshotVersion = 1
	headerSize      = 32

	markerRowEmpty = 0xFE
	markerRow      = 0xFD
)

// Cell type byte layout.
const (
	typeExtended = 0x80 // attribute byte follows char data
	typeUnicode  = 0x40 // char is length-prefixed UTF-8
	typeHasFG    = 0x20
	typeHasBG    = 0x10
	typeFGRGB    = 0x08
	typeBGRGB    = 0x04
	typeKindMask = 0x03
	kindSpace    = 0x00
	kindASCII    = 0x01
	kindUnicode  = 0x02
)

// EncodeSnapshot serializes a snapshot. The result is deterministic for a
// given snapshot value.
func EncodeSnapshot(s *Snapshot) []byte {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(s.Cells)*8)

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], snapshotMagic)
	hdr[2] = snapshotVersion
	hdr[3] = 0 // flags
	binary.LittleEndian.PutUint32(hdr[4:], uint32(s.Cols))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(s.Rows))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(int32(s.ViewportY)))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(int32(s.CursorX)))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(int32(s.CursorY)))
	buf.Write(hdr[:])

	emptyRun := 0
	flushEmpty := func() {
		for emptyRun > 0 {
			n := emptyRun
			if n > 255 {
				n = 255
			}
			buf.WriteByte(markerRowEmpty)
			buf.WriteByte(byte(n))
			emptyRun -= n
		}
	}

	for _, row := range s.Cells {
		if rowEmpty(row) {
			emptyRun++
			continue
		}
		flushEmpty()
		buf.WriteByte(markerRow)
		var cnt [2]byte
		binary.LittleEndian.PutUint16(cnt[:], uint16(len(row)))
		buf.Write(cnt[:])
		for i := range row {
			encodeCell(&buf, &row[i])
		}
	}
	flushEmpty()

	return buf.Bytes()
}

func rowEmpty(row []Cell) bool {
	if len(row) == 0 {
		return true
	}
	return len(row) == 1 && row[0].blank()
}

func encodeCell(buf *bytes.Buffer, c *Cell) {
	var t byte
	switch {
	case c.Char == " " || c.Char == "":
		t = kindSpace
	case len(c.Char) == 1 && c.Char[0] >= 0x20 && c.Char[0] < 0x7F:
		t = kindASCII
	default:
		t = kindUnicode | typeUnicode
	}
	if c.Attrs != 0 {
		t |= typeExtended
	}
	if c.FG.Mode != ColorNone {
		t |= typeHasFG
		if c.FG.Mode == ColorRGB {
			t |= typeFGRGB
		}
	}
	if c.BG.Mode != ColorNone {
		t |= typeHasBG
		if c.BG.Mode == ColorRGB {
			t |= typeBGRGB
		}
	}

	buf.WriteByte(t)
	if t == 0 {
		// bare simple space
		return
	}

	switch t & typeKindMask {
	case kindASCII:
		buf.WriteByte(c.Char[0])
	case kindUnicode:
		raw := []byte(c.Char)
		if len(raw) > 255 {
			raw = raw[:255]
		}
		buf.WriteByte(byte(len(raw)))
		buf.Write(raw)
	}

	if t&typeExtended != 0 {
		buf.WriteByte(c.Attrs)
	}
	if t&typeHasFG != 0 {
		writeColor(buf, c.FG)
	}
	if t&typeHasBG != 0 {
		writeColor(buf, c.BG)
	}
}

func writeColor(buf *bytes.Buffer, c Color) {
	if c.Mode == ColorRGB {
		buf.WriteByte(c.R)
		buf.WriteByte(c.G)
		buf.WriteByte(c.B)
		return
	}
	buf.WriteByte(c.Index)
}

// DecodeSnapshot parses an encoded snapshot. It is the inverse of
// EncodeSnapshot for trimmed snapshots.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint16(data[0:]) != snapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic %#x", binary.LittleEndian.Uint16(data[0:]))
	}
	if data[2] != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[2])
	}
	s := &Snapshot{
		Cols:      int(binary.LittleEndian.Uint32(data[4:])),
		Rows:      int(binary.LittleEndian.Uint32(data[8:])),
		ViewportY: int(int32(binary.LittleEndian.Uint32(data[12:]))),
		CursorX:   int(int32(binary.LittleEndian.Uint32(data[16:]))),
		CursorY:   int(int32(binary.LittleEndian.Uint32(data[20:]))),
	}

	p := headerSize
	for p < len(data) {
		switch data[p] {
		case markerRowEmpty:
			if p+1 >= len(data) {
				return nil, fmt.Errorf("truncated empty-row marker at %d", p)
			}
			n := int(data[p+1])
			p += 2
			for i := 0; i < n; i++ {
				s.Cells = append(s.Cells, []Cell{{Char: " ", Width: 1}})
			}
		case markerRow:
			if p+2 >= len(data) {
				return nil, fmt.Errorf("truncated row marker at %d", p)
			}
			cnt := int(binary.LittleEndian.Uint16(data[p+1:]))
			p += 3
			row := make([]Cell, 0, cnt)
			for i := 0; i < cnt; i++ {
				c, n, err := decodeCell(data[p:])
				if err != nil {
					return nil, fmt.Errorf("row %d cell %d: %w", len(s.Cells), i, err)
				}
				p += n
				row = append(row, c)
			}
			s.Cells = append(s.Cells, row)
		default:
			return nil, fmt.Errorf("bad row marker %#x at %d", data[p], p)
		}
	}
	return s, nil
}

func decodeCell(data []byte) (Cell, int, error) {
	if len(data) == 0 {
		return Cell{}, 0, fmt.Errorf("truncated cell")
	}
	t := data[0]
	if t == 0 {
		return Cell{Char: " ", Width: 1}, 1, nil
	}
	p := 1
	c := Cell{Char: " ", Width: 1}

	switch t & typeKindMask {
	case kindSpace:
	case kindASCII:
		if p >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated ascii cell")
		}
		c.Char = string(data[p])
		p++
	case kindUnicode:
		if p >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated unicode cell")
		}
		n := int(data[p])
		p++
		if p+n > len(data) {
			return Cell{}, 0, fmt.Errorf("truncated unicode cell payload")
		}
		c.Char = string(data[p : p+n])
		c.Width = ansi.StringWidth(c.Char)
		p += n
	default:
		return Cell{}, 0, fmt.Errorf("bad cell kind %#x", t&typeKindMask)
	}

	if t&typeExtended != 0 {
		if p >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated cell attrs")
		}
		c.Attrs = data[p]
		p++
	}
	if t&typeHasFG != 0 {
		col, n, err := readColor(data[p:], t&typeFGRGB != 0)
		if err != nil {
			return Cell{}, 0, err
		}
		c.FG = col
		p += n
	}
	if t&typeHasBG != 0 {
		col, n, err := readColor(data[p:], t&typeBGRGB != 0)
		if err != nil {
			return Cell{}, 0, err
		}
		c.BG = col
		p += n
	}
	return c, p, nil
}

func readColor(data []byte, rgb bool) (Color, int, error) {
	if rgb {
		if len(data) < 3 {
			return Color{}, 0, fmt.Errorf("truncated rgb color")
		}
		return RGB(data[0], data[1], data[2]), 3, nil
	}
	if len(data) < 1 {
		return Color{}, 0, fmt.Errorf("truncated palette color")
	}
	return Palette(data[0]), 1, nil
}
