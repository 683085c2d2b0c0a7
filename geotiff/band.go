package geotiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadBand decodes the first band of the image into a row-major slice of
// Width()*Height() samples. Blocks are fetched with up to concurrency
// goroutines.
func (g *GeoTIFF) ReadBand(ctx context.Context, concurrency int) ([]float64, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	width, height := int(g.imageWidth), int(g.imageLength)
	out := make([]float64, width*height)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for by := 0; by < g.blocksDown; by++ {
		for bx := 0; bx < g.blocksAcross; bx++ {
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				blockNum := by*g.blocksAcross + bx
				data, err := g.blockData(blockNum)
				if err != nil {
					return fmt.Errorf("failed to get data for block %d: %w", blockNum, err)
				}
				g.copyBlock(out, data, bx, by)
				return nil
			})
		}
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// copyBlock writes the visible part of a block into the image buffer. Tiles
// on the right and bottom edges are padded and get cropped here.
func (g *GeoTIFF) copyBlock(out, data []float64, bx, by int) {
	width, height := int(g.imageWidth), int(g.imageLength)
	bw, bl := int(g.blockWidth), int(g.blockLength)

	x0 := bx * bw
	cols := min(bw, width-x0)
	rows := min(len(data)/bw, bl)
	for r := 0; r < rows; r++ {
		y := by*bl + r
		if y >= height {
			break
		}
		copy(out[y*width+x0:y*width+x0+cols], data[r*bw:r*bw+cols])
	}
}

// blockData returns the decoded first-band samples of a block, from the
// cache when possible.
func (g *GeoTIFF) blockData(blockNum int) ([]float64, error) {
	key := strconv.Itoa(blockNum)
	item := g.blockCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflightData.Do(key, func() (interface{}, error) {
		raw, err := g.fetchAndDecompressBlock(blockNum)
		if err != nil {
			return nil, err
		}
		data, err := g.decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		g.blockCache.Set(key, data, 10*time.Minute)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// fetchAndDecompressBlock performs the I/O to read and decompress a single block.
func (g *GeoTIFF) fetchAndDecompressBlock(blockNum int) ([]byte, error) {
	if blockNum < 0 || blockNum >= len(g.blockOffsets) {
		return nil, fmt.Errorf("block index %d out of bounds", blockNum)
	}

	offset := g.blockOffsets[blockNum]
	byteCount := g.blockByteCounts[blockNum]
	blockBytes := make([]byte, byteCount)

	readerAt, ok := g.reader.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not support ReadAt for block fetching")
	}
	if n, err := readerAt.ReadAt(blockBytes, int64(offset)); err != nil && !(errors.Is(err, io.EOF) && n == len(blockBytes)) {
		return nil, fmt.Errorf("failed to read block %d from source: %w", blockNum, err)
	}

	switch g.compression {
	case Uncompressed:
		return blockBytes, nil
	case DEFLATE, DEFLATEOld:
		z, err := zlib.NewReader(bytes.NewReader(blockBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for block: %w", err)
		}
		defer z.Close()
		limit := int64(g.rawBlockSize())
		decompressed, err := io.ReadAll(io.LimitReader(z, limit+1))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block data: %w", err)
		}
		if int64(len(decompressed)) > limit {
			return nil, fmt.Errorf("block %d inflates past %d bytes", blockNum, limit)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
}

// decodeBlock turns raw block bytes into first-band samples.
func (g *GeoTIFF) decodeBlock(raw []byte) ([]float64, error) {
	decode, err := sampleDecoderFor(g.sampleFormat, g.bitsPerSample)
	if err != nil {
		return nil, err
	}
	stride := 1
	if g.planarConfig == PlanarChunky {
		stride = int(g.samplesPerPixel)
	}
	return decode(raw, g.byteOrder, blockCodec{
		width:      int(g.blockWidth),
		stride:     stride,
		horizontal: g.predictor == PredictorHorizontal,
	})
}

type blockCodec struct {
	width      int  // pixels per row
	stride     int  // interleaved samples per pixel
	horizontal bool // undo horizontal differencing
}

type sampleDecoder func(raw []byte, order binary.ByteOrder, c blockCodec) ([]float64, error)

func sampleDecoderFor(format, bits uint16) (sampleDecoder, error) {
	switch {
	case format == SampleFormatUint && bits == 8:
		return decodeInts[uint8], nil
	case format == SampleFormatInt && bits == 8:
		return decodeInts[int8], nil
	case format == SampleFormatUint && bits == 16:
		return decodeInts[uint16], nil
	case format == SampleFormatInt && bits == 16:
		return decodeInts[int16], nil
	case format == SampleFormatUint && bits == 32:
		return decodeInts[uint32], nil
	case format == SampleFormatInt && bits == 32:
		return decodeInts[int32], nil
	case format == SampleFormatFloat && bits == 32:
		return decodeFloats[float32], nil
	case format == SampleFormatFloat && bits == 64:
		return decodeFloats[float64], nil
	}
	return nil, fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", format, bits)
}

type integer interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32
}

func decodeInts[T integer](raw []byte, order binary.ByteOrder, c blockCodec) ([]float64, error) {
	data, err := readSamples[T](raw, order)
	if err != nil {
		return nil, err
	}
	if c.horizontal {
		undoHorizontalPrediction(data, c.width, c.stride)
	}
	return firstBand(data, c.stride), nil
}

func decodeFloats[T float32 | float64](raw []byte, order binary.ByteOrder, c blockCodec) ([]float64, error) {
	data, err := readSamples[T](raw, order)
	if err != nil {
		return nil, err
	}
	return firstBand(data, c.stride), nil
}

func readSamples[T integer | float32 | float64](raw []byte, order binary.ByteOrder) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	data := make([]T, len(raw)/size)
	if err := binary.Read(bytes.NewReader(raw[:len(data)*size]), order, data); err != nil {
		return nil, err
	}
	return data, nil
}

func firstBand[T integer | float32 | float64](data []T, stride int) []float64 {
	out := make([]float64, len(data)/stride)
	for i := range out {
		v := data[i*stride]
		out[i] = float64(v)
	}
	return out
}

// undoHorizontalPrediction reverses the horizontal differencing predictor
// row by row. Integer overflow wraps as the encoder expects.
func undoHorizontalPrediction[T integer](data []T, width, stride int) {
	rowLen := width * stride
	if rowLen == 0 {
		return
	}
	for start := 0; start+rowLen <= len(data); start += rowLen {
		row := data[start : start+rowLen]
		for i := stride; i < len(row); i++ {
			row[i] += row[i-stride]
		}
	}
}
