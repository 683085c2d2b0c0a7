package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/akhenakh/farmit-overlay/geotiff/geotifftest"
)

// floatEquals compares two float64 values with a small tolerance (epsilon).
func floatEquals(a, b float64) bool {
	const epsilon = 1e-6
	return math.Abs(a-b) < epsilon
}

func ramp(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i + 1)
	}
	return s
}

func openBytes(t *testing.T, data []byte) *GeoTIFF {
	t.Helper()
	geo, err := Open(bytes.NewReader(data), 64, 8)
	if err != nil {
		t.Fatalf("failed to open GeoTIFF: %v", err)
	}
	t.Cleanup(geo.Close)
	return geo
}

func TestReadBand(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{2.0, 48.5}, Max: orb.Point{2.7, 49.0}}

	testCases := []struct {
		name   string
		width  int
		height int
		opts   geotifftest.Options
		tiled  bool
	}{
		{name: "single strip", width: 7, height: 5},
		{name: "multiple strips with short last strip", width: 7, height: 5, opts: geotifftest.Options{RowsPerStrip: 2}},
		{name: "deflate strips", width: 7, height: 5, opts: geotifftest.Options{RowsPerStrip: 3, Deflate: true}},
		{name: "padded tiles", width: 7, height: 5, opts: geotifftest.Options{TileWidth: 4, TileLength: 4}, tiled: true},
		{name: "deflate tiles", width: 9, height: 9, opts: geotifftest.Options{TileWidth: 4, TileLength: 4, Deflate: true}, tiled: true},
		{name: "int16 with predictor", width: 6, height: 4, opts: geotifftest.Options{Int16: true, Predictor: true, RowsPerStrip: 3}},
		{name: "int16 tiles with predictor", width: 6, height: 4, opts: geotifftest.Options{Int16: true, Predictor: true, TileWidth: 4, TileLength: 4, Deflate: true}, tiled: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			want := ramp(tc.width * tc.height)
			geo := openBytes(t, geotifftest.Encode(tc.width, tc.height, want, bound, tc.opts))

			if geo.Width() != tc.width || geo.Height() != tc.height {
				t.Fatalf("size = %dx%d, want %dx%d", geo.Width(), geo.Height(), tc.width, tc.height)
			}
			if geo.Tiled() != tc.tiled {
				t.Errorf("Tiled() = %v, want %v", geo.Tiled(), tc.tiled)
			}

			got, err := geo.ReadBand(context.Background(), 3)
			if err != nil {
				t.Fatalf("ReadBand() returned an unexpected error: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("ReadBand() returned %d samples, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("sample %d = %f, want %f", i, got[i], want[i])
				}
			}
		})
	}
}

func TestReadBandUsesBlockCache(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 4}}
	geo := openBytes(t, geotifftest.Encode(4, 4, ramp(16), bound, geotifftest.Options{RowsPerStrip: 1}))

	if _, err := geo.ReadBand(context.Background(), 2); err != nil {
		t.Fatalf("first ReadBand() failed: %v", err)
	}
	if got := geo.blockCache.ItemCount(); got != 4 {
		t.Errorf("cached blocks = %d, want 4", got)
	}

	// The reader is no longer needed once every block is cached.
	geo.reader = bytes.NewReader(nil)
	got, err := geo.ReadBand(context.Background(), 2)
	if err != nil {
		t.Fatalf("cached ReadBand() failed: %v", err)
	}
	if got[15] != 16 {
		t.Errorf("sample 15 = %f, want 16", got[15])
	}
}

func TestReadBandCancelled(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 4}}
	geo := openBytes(t, geotifftest.Encode(4, 4, ramp(16), bound, geotifftest.Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := geo.ReadBand(ctx, 1); err == nil {
		t.Error("ReadBand() on a cancelled context expected an error, but got none")
	}
}

func TestBounds(t *testing.T) {
	want := orb.Bound{Min: orb.Point{6.779250, 45.727500}, Max: orb.Point{6.964000, 45.926250}}
	geo := openBytes(t, geotifftest.Encode(8, 6, ramp(48), want, geotifftest.Options{}))

	bounds, err := geo.Bounds()
	if err != nil {
		t.Fatalf("Bounds() returned an unexpected error: %v", err)
	}
	if !floatEquals(bounds.Min[0], want.Min[0]) ||
		!floatEquals(bounds.Min[1], want.Min[1]) ||
		!floatEquals(bounds.Max[0], want.Max[0]) ||
		!floatEquals(bounds.Max[1], want.Max[1]) {
		t.Errorf("Bounds() returned incorrect values. Got %+v, want %+v", bounds, want)
	}
	if geo.PixelScaleY >= 0 {
		t.Errorf("PixelScaleY = %f, want a negative value", geo.PixelScaleY)
	}
}

func TestNoData(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}

	testCases := []struct {
		name   string
		tag    string
		want   float64
		wantOK bool
	}{
		{name: "absent", tag: "", wantOK: false},
		{name: "sentinel", tag: "-9999", want: -9999, wantOK: true},
		{name: "padded", tag: " -32768 ", want: -32768, wantOK: true},
		{name: "garbage", tag: "none", wantOK: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			geo := openBytes(t, geotifftest.Encode(1, 1, []float64{1}, bound, geotifftest.Options{NoData: tc.tag}))
			got, ok := geo.NoData()
			if ok != tc.wantOK {
				t.Fatalf("NoData() ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Errorf("NoData() = %f, want %f", got, tc.want)
			}
		})
	}

	t.Run("nan", func(t *testing.T) {
		geo := openBytes(t, geotifftest.Encode(1, 1, []float64{1}, bound, geotifftest.Options{NoData: "nan"}))
		got, ok := geo.NoData()
		if !ok || !math.IsNaN(got) {
			t.Errorf("NoData() = %f, %v, want NaN, true", got, ok)
		}
	})
}

func TestOpenErrors(t *testing.T) {
	testCases := []struct {
		name        string
		data        []byte
		errContains string
	}{
		{name: "empty", data: nil, errContains: "failed to read tiff tags"},
		{name: "bad byte order", data: []byte("XX*\x00\x08\x00\x00\x00"), errContains: "invalid byte order"},
		{name: "bad identifier", data: []byte("II\x07\x00\x08\x00\x00\x00"), errContains: "invalid tiff identifier"},
		{name: "no IFD", data: []byte("II*\x00\x00\x00\x00\x00"), errContains: "no IFDs"},
		{name: "IFD past end", data: []byte("II*\x00\x00\x01\x00\x00"), errContains: "past the end of the file"},
		{
			name: "huge IFD entry count",
			// BigTIFF header pointing at an IFD declaring 1<<61 entries
			data:        append([]byte("II+\x00\x08\x00\x00\x00\x10\x00\x00\x00\x00\x00\x00\x00"), binary.LittleEndian.AppendUint64(nil, 1<<61)...),
			errContains: "invalid IFD entry count",
		},
		{
			name:        "huge tag count",
			data:        classicTIFF([4]uint32{256, 4, 0x7fffffff, 0}),
			errContains: "exceeds file size",
		},
		{
			name:        "tag data past end",
			data:        classicTIFF([4]uint32{273, 4, 4, 20}),
			errContains: "run past the end of the file",
		},
		{
			name:        "too many pixels",
			data:        classicTIFF([4]uint32{256, 4, 1, 1 << 20}, [4]uint32{257, 4, 1, 1 << 20}),
			errContains: "exceeds the limit",
		},
		{
			name:        "huge block byte count",
			data:        classicTIFF(stripEntries(8, 0xfffffff0)...),
			errContains: "more than the 16 expected",
		},
		{
			name:        "block past end",
			data:        classicTIFF(stripEntries(4096, 16)...),
			errContains: "runs past the end of the file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(bytes.NewReader(tc.data), 8, 1)
			if err == nil {
				t.Fatal("Open() expected an error, but got none")
			}
			if !strings.Contains(err.Error(), tc.errContains) {
				t.Errorf("Open() error message\n got: %q\nwant to contain: %q", err.Error(), tc.errContains)
			}
		})
	}
}

// classicTIFF writes a little endian TIFF holding one IFD. Each entry is
// tag, type, count and the raw 4 byte value field.
func classicTIFF(entries ...[4]uint32) []byte {
	b := []byte("II*\x00")
	b = binary.LittleEndian.AppendUint32(b, 8)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = binary.LittleEndian.AppendUint16(b, uint16(e[0]))
		b = binary.LittleEndian.AppendUint16(b, uint16(e[1]))
		b = binary.LittleEndian.AppendUint32(b, e[2])
		b = binary.LittleEndian.AppendUint32(b, e[3])
	}
	return binary.LittleEndian.AppendUint32(b, 0)
}

// stripEntries describes a 2x2 float32 image with a single strip.
func stripEntries(offset, byteCount uint32) [][4]uint32 {
	return [][4]uint32{
		{256, 4, 1, 2},
		{257, 4, 1, 2},
		{258, 4, 1, 32},
		{273, 4, 1, offset},
		{279, 4, 1, byteCount},
		{339, 4, 1, 3},
	}
}

func TestUndoHorizontalPrediction(t *testing.T) {
	data := []uint8{10, 1, 1, 255, 5, 5}
	undoHorizontalPrediction(data, 3, 1)
	want := []uint8{10, 11, 12, 255, 4, 9} // 255+5 wraps
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data = %v, want %v", data, want)
		}
	}
}
