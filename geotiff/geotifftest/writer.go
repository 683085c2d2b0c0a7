// Package geotifftest builds small single-band GeoTIFF files in memory for
// tests.
package geotifftest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// Options controls the layout of the generated file. The zero value writes
// an uncompressed float32 image in a single strip.
type Options struct {
	TileWidth, TileLength int  // tiled layout when both are set
	RowsPerStrip          int  // strip height, zero for one strip
	Deflate               bool // zlib compress each block
	Int16                 bool // store samples as rounded int16
	Predictor             bool // horizontal differencing, Int16 only
	NoData                string
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
}

var order = binary.LittleEndian

// Encode returns a little endian GeoTIFF holding samples (row-major,
// width*height values) georeferenced to bound.
func Encode(width, height int, samples []float64, bound orb.Bound, opts Options) []byte {
	var data bytes.Buffer
	var offsets, counts []uint32

	for _, block := range blocks(width, height, samples, opts) {
		raw := encodeBlock(block.values, block.width, opts)
		offsets = append(offsets, uint32(8+data.Len()))
		counts = append(counts, uint32(len(raw)))
		data.Write(raw)
	}

	bits, format := uint16(32), uint16(3)
	if opts.Int16 {
		bits, format = 16, 2
	}
	compression := uint16(1)
	if opts.Deflate {
		compression = 8
	}

	entries := []entry{
		longEntry(256, uint32(width)),
		longEntry(257, uint32(height)),
		shortEntry(258, bits),
		shortEntry(259, compression),
		shortEntry(262, 1),
		shortEntry(277, 1),
		shortEntry(339, format),
		doubleEntry(33550, (bound.Max[0]-bound.Min[0])/float64(width), (bound.Max[1]-bound.Min[1])/float64(height), 0),
		doubleEntry(33922, 0, 0, 0, bound.Min[0], bound.Max[1], 0),
	}
	if opts.Predictor {
		entries = append(entries, shortEntry(317, 2))
	}
	if opts.TileWidth > 0 && opts.TileLength > 0 {
		entries = append(entries,
			longEntry(322, uint32(opts.TileWidth)),
			longEntry(323, uint32(opts.TileLength)),
			longsEntry(324, offsets),
			longsEntry(325, counts),
		)
	} else {
		rps := opts.RowsPerStrip
		if rps <= 0 {
			rps = height
		}
		entries = append(entries,
			longsEntry(273, offsets),
			longEntry(278, uint32(rps)),
			longsEntry(279, counts),
		)
	}
	if opts.NoData != "" {
		entries = append(entries, entry{tag: 42113, typ: 2, count: uint32(len(opts.NoData) + 1), value: append([]byte(opts.NoData), 0)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Out of line values follow the pixel data, the IFD comes last.
	for i := range entries {
		if len(entries[i].value) <= 4 {
			continue
		}
		if data.Len()%2 == 1 {
			data.WriteByte(0)
		}
		off := uint32(8 + data.Len())
		data.Write(entries[i].value)
		entries[i].value = order.AppendUint32(nil, off)
	}
	if data.Len()%2 == 1 {
		data.WriteByte(0)
	}

	var out bytes.Buffer
	out.WriteString("II")
	binary.Write(&out, order, uint16(42))
	binary.Write(&out, order, uint32(8+data.Len()))
	out.Write(data.Bytes())

	binary.Write(&out, order, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&out, order, e.tag)
		binary.Write(&out, order, e.typ)
		binary.Write(&out, order, e.count)
		field := make([]byte, 4)
		copy(field, e.value)
		out.Write(field)
	}
	binary.Write(&out, order, uint32(0))
	return out.Bytes()
}

type block struct {
	width  int
	values []float64
}

func blocks(width, height int, samples []float64, opts Options) []block {
	var out []block
	if opts.TileWidth > 0 && opts.TileLength > 0 {
		tw, tl := opts.TileWidth, opts.TileLength
		for ty := 0; ty < height; ty += tl {
			for tx := 0; tx < width; tx += tw {
				values := make([]float64, tw*tl)
				for r := 0; r < tl && ty+r < height; r++ {
					for c := 0; c < tw && tx+c < width; c++ {
						values[r*tw+c] = samples[(ty+r)*width+tx+c]
					}
				}
				out = append(out, block{width: tw, values: values})
			}
		}
		return out
	}
	rps := opts.RowsPerStrip
	if rps <= 0 {
		rps = height
	}
	for y := 0; y < height; y += rps {
		end := min(y+rps, height)
		out = append(out, block{width: width, values: samples[y*width : end*width]})
	}
	return out
}

func encodeBlock(values []float64, width int, opts Options) []byte {
	var raw bytes.Buffer
	if opts.Int16 {
		ints := make([]int16, len(values))
		for i, v := range values {
			ints[i] = int16(math.Round(v))
		}
		if opts.Predictor {
			for start := 0; start+width <= len(ints); start += width {
				row := ints[start : start+width]
				for i := len(row) - 1; i > 0; i-- {
					row[i] -= row[i-1]
				}
			}
		}
		binary.Write(&raw, order, ints)
	} else {
		floats := make([]float32, len(values))
		for i, v := range values {
			floats[i] = float32(v)
		}
		binary.Write(&raw, order, floats)
	}
	if !opts.Deflate {
		return raw.Bytes()
	}
	var z bytes.Buffer
	w := zlib.NewWriter(&z)
	w.Write(raw.Bytes())
	w.Close()
	return z.Bytes()
}

func shortEntry(tag, v uint16) entry {
	return entry{tag: tag, typ: 3, count: 1, value: order.AppendUint16(nil, v)}
}

func longEntry(tag uint16, v uint32) entry {
	return entry{tag: tag, typ: 4, count: 1, value: order.AppendUint32(nil, v)}
}

func longsEntry(tag uint16, vs []uint32) entry {
	var b []byte
	for _, v := range vs {
		b = order.AppendUint32(b, v)
	}
	return entry{tag: tag, typ: 4, count: uint32(len(vs)), value: b}
}

func doubleEntry(tag uint16, vs ...float64) entry {
	var b []byte
	for _, v := range vs {
		b = order.AppendUint64(b, math.Float64bits(v))
	}
	return entry{tag: tag, typ: 12, count: uint32(len(vs)), value: b}
}
