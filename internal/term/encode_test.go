package term

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeHeaderLayout(t *testing.T) {
	s := &Snapshot{
		Cols:      80,
		Rows:      24,
		ViewportY: 3,
		CursorX:   2,
		CursorY:   1,
		Cells:     [][]Cell{{{Char: " ", Width: 1}}},
	}
	data := EncodeSnapshot(s)

	if len(data) < headerSize {
		t.Fatalf("encoded snapshot only %d bytes, want at least %d", len(data), headerSize)
	}
	if got := binary.LittleEndian.Uint16(data[0:]); got != 0x5654 {
		t.Errorf("magic = %#x, want 0x5654", got)
	}
	if data[2] != 1 {
		t.Errorf("version = %d, want 1", data[2])
	}
	if data[3] != 0 {
		t.Errorf("flags = %d, want 0", data[3])
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != 80 {
		t.Errorf("cols = %d, want 80", got)
	}
	if got := binary.LittleEndian.Uint32(data[8:]); got != 24 {
		t.Errorf("rows = %d, want 24", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[12:])); got != 3 {
		t.Errorf("viewportY = %d, want 3", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[16:])); got != 2 {
		t.Errorf("cursorX = %d, want 2", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[20:])); got != 1 {
		t.Errorf("cursorY = %d, want 1", got)
	}
}

func TestEncodeEmptyRowRun(t *testing.T) {
	blank := []Cell{{Char: " ", Width: 1}}
	s := &Snapshot{
		Cols: 10, Rows: 4,
		Cells: [][]Cell{
			blank,
			blank,
			blank,
			{{Char: "x", Width: 1}},
		},
	}
	data := EncodeSnapshot(s)
	body := data[headerSize:]

	want := []byte{
		markerRowEmpty, 3,
		markerRow, 1, 0, // one cell, count LE
		kindASCII, 'x',
	}
	if !bytes.Equal(body, want) {
		t.Errorf("body = % x, want % x", body, want)
	}
}

func TestEncodeCellVariants(t *testing.T) {
	tests := []struct {
		name string
		cell Cell
		want []byte
	}{
		{
			name: "bare space",
			cell: Cell{Char: " ", Width: 1},
			want: []byte{0x00},
		},
		{
			name: "ascii",
			cell: Cell{Char: "A", Width: 1},
			want: []byte{kindASCII, 'A'},
		},
		{
			name: "ascii with palette fg",
			cell: Cell{Char: "A", Width: 1, FG: Palette(2)},
			want: []byte{kindASCII | typeHasFG, 'A', 2},
		},
		{
			name: "ascii with rgb bg",
			cell: Cell{Char: "A", Width: 1, BG: RGB(1, 2, 3)},
			want: []byte{kindASCII | typeHasBG | typeBGRGB, 'A', 1, 2, 3},
		},
		{
			name: "bold ascii",
			cell: Cell{Char: "b", Width: 1, Attrs: AttrBold},
			want: []byte{kindASCII | typeExtended, 'b', AttrBold},
		},
		{
			name: "styled space",
			cell: Cell{Char: " ", Width: 1, BG: Palette(4)},
			want: []byte{kindSpace | typeHasBG, 4},
		},
		{
			name: "wide unicode with attrs",
			cell: Cell{Char: "世", Width: 2, Attrs: AttrBold | AttrUnderline},
			want: []byte{kindUnicode | typeUnicode | typeExtended, 3, 0xe4, 0xb8, 0x96, AttrBold | AttrUnderline},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			encodeCell(&buf, &tt.cell)
			if !bytes.Equal(buf.Bytes(), tt.want) {
				t.Errorf("encodeCell = % x, want % x", buf.Bytes(), tt.want)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := &Snapshot{
		Cols: 20, Rows: 5, ViewportY: 12, CursorX: 4, CursorY: 2,
		Cells: [][]Cell{
			{
				{Char: "h", Width: 1, FG: Palette(10)},
				{Char: "i", Width: 1, Attrs: AttrBold | AttrInverse},
				{Char: "世", Width: 2, BG: RGB(9, 8, 7)},
			},
			{{Char: " ", Width: 1}},
			{{Char: " ", Width: 1, BG: Palette(1)}},
		},
	}
	got, err := DecodeSnapshot(EncodeSnapshot(s))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("round-trip mismatch\n got: %+v\nwant: %+v", got, s)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	s := &Snapshot{
		Cols: 15, Rows: 3, CursorX: 1, CursorY: 1,
		Cells: [][]Cell{
			{{Char: "a", Width: 1}, {Char: "b", Width: 1, FG: RGB(255, 0, 0)}},
			{{Char: " ", Width: 1}},
			{{Char: "c", Width: 1, Attrs: AttrDim}},
		},
	}
	first := EncodeSnapshot(s)
	second := EncodeSnapshot(s)
	if !bytes.Equal(first, second) {
		t.Error("two encodings of the same snapshot differ")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot([]byte{1, 2, 3}); err == nil {
		t.Error("short buffer: want error")
	}

	bad := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(bad[0:], 0x1234)
	if _, err := DecodeSnapshot(bad); err == nil {
		t.Error("bad magic: want error")
	}

	okHdr := make([]byte, headerSize+1)
	binary.LittleEndian.PutUint16(okHdr[0:], snapshotMagic)
	okHdr[2] = snapshotVersion
	okHdr[headerSize] = 0x99 // not a row marker
	if _, err := DecodeSnapshot(okHdr); err == nil {
		t.Error("bad row marker: want error")
	}
}

func TestTrimKeepsMinimumShape(t *testing.T) {
	s := &Snapshot{
		Cols: 10, Rows: 3,
		Cells: [][]Cell{
			{{Char: " ", Width: 1}, {Char: " ", Width: 1}},
			{{Char: "x", Width: 1}, {Char: " ", Width: 1}, {Char: " ", Width: 1}},
			{{Char: " ", Width: 1}, {Char: " ", Width: 1}},
		},
	}
	s.trim()

	if len(s.Cells) != 2 {
		t.Fatalf("rows after trim = %d, want 2 (trailing blank row dropped)", len(s.Cells))
	}
	if len(s.Cells[0]) != 1 {
		t.Errorf("row 0 cells = %d, want 1 (kept minimum)", len(s.Cells[0]))
	}
	if len(s.Cells[1]) != 1 || s.Cells[1][0].Char != "x" {
		t.Errorf("row 1 = %+v, want single %q cell", s.Cells[1], "x")
	}
}

func TestTrimAllBlank(t *testing.T) {
	blankRow := func() []Cell {
		return []Cell{{Char: " ", Width: 1}, {Char: " ", Width: 1}}
	}
	s := &Snapshot{
		Cols: 5, Rows: 3,
		Cells: [][]Cell{blankRow(), blankRow(), blankRow()},
	}
	s.trim()
	if len(s.Cells) != 1 || len(s.Cells[0]) != 1 {
		t.Errorf("all-blank trim = %d rows × %d cells, want 1 × 1", len(s.Cells), len(s.Cells[0]))
	}
}

func TestTrimKeepsStyledBlanks(t *testing.T) {
	// A space with a background color is content, not padding.
	s := &Snapshot{
		Cols: 5, Rows: 1,
		Cells: [][]Cell{
			{{Char: "x", Width: 1}, {Char: " ", Width: 1, BG: Palette(4)}, {Char: " ", Width: 1}},
		},
	}
	s.trim()
	if len(s.Cells[0]) != 2 {
		t.Errorf("row cells = %d, want 2 (styled space kept)", len(s.Cells[0]))
	}
}
