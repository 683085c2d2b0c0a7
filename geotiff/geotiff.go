package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/karlseguin/ccache/v3"
	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
	size      uint64           // File size in bytes
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData is the decoded value of a tag. Unsigned integer types are
// widened into uints, FLOAT and DOUBLE into floats.
type tagData struct {
	fType  fieldType
	count  uint64
	ascii  string
	uints  []uint64
	floats []float64
}

type Tags map[Tag]tagData

// GeoTIFF is a parsed single-image GeoTIFF. Pixel data is organised in
// blocks: tiles for tiled files, full-width strips otherwise.
type GeoTIFF struct {
	// reader must also implement io.ReaderAt, blocks are fetched with ReadAt.
	reader io.ReadSeeker

	byteOrder binary.ByteOrder
	tags      Tags
	isBigTIFF bool
	size      uint64

	imageWidth  uint32
	imageLength uint32

	// blockWidth and blockLength are the tile size, or for stripped files
	// the image width and RowsPerStrip.
	blockWidth  uint32
	blockLength uint32
	tiled       bool

	blockOffsets    []uint64
	blockByteCounts []uint64

	bitsPerSample   uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	samplesPerPixel uint16
	planarConfig    uint16

	// PixelScaleX is the size of a pixel in geographic units along X.
	PixelScaleX float64
	// PixelScaleY is the size of a pixel along Y, negative for north-up images.
	PixelScaleY float64

	// blockCache holds decoded first-band samples per block, so a band read
	// interrupted half way does not fetch the same blocks twice.
	blockCache *ccache.Cache[[]float64]

	// inflightData makes sure a single goroutine fetches a given block.
	inflightData singleflight.Group

	blocksAcross int
	blocksDown   int
}

type Tag uint16

const (
	// MaxPixels bounds the size of an image Open accepts, as a band is
	// decoded into memory at once.
	MaxPixels = 1 << 26

	maxIFDEntries = 4096
)

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// Open parses the first IFD of a GeoTIFF read from r. cacheSize and
// itemsToPrune configure the decoded block cache.
func Open(r io.ReadSeeker, cacheSize int64, itemsToPrune uint32) (*GeoTIFF, error) {
	if _, ok := r.(io.ReaderAt); !ok {
		return nil, errors.New("reader does not implement io.ReaderAt")
	}

	gTags, header, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		tags:      gTags,
		byteOrder: header.byteOrder,
		isBigTIFF: header.isBigTIFF,
		size:      header.size,
	}

	if width, ok := g.getUint(ImageWidth); ok && width > 0 && width <= math.MaxUint32 {
		g.imageWidth = uint32(width)
	} else {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok := g.getUint(ImageLength); ok && length > 0 && length <= math.MaxUint32 {
		g.imageLength = uint32(length)
	} else {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}

	if uint64(g.imageWidth)*uint64(g.imageLength) > MaxPixels {
		return nil, fmt.Errorf("image of %dx%d pixels exceeds the limit of %d", g.imageWidth, g.imageLength, MaxPixels)
	}

	if err := g.readLayout(); err != nil {
		return nil, err
	}
	if err := g.readSampleLayout(); err != nil {
		return nil, err
	}
	if err := g.checkBlocks(); err != nil {
		return nil, err
	}

	pixelScale, ok := gTags[ModelPixelScale]
	if !ok {
		return nil, errors.New("missing tag: ModelPixelScale")
	}
	pixelScaleValues, ok := pixelScale.doubles()
	if !ok || len(pixelScaleValues) < 2 {
		return nil, errors.New("invalid tag: ModelPixelScale")
	}
	g.PixelScaleX = pixelScaleValues[0]
	g.PixelScaleY = pixelScaleValues[1]

	// North-up convention.
	if g.PixelScaleY > 0 {
		g.PixelScaleY = -g.PixelScaleY
	}

	g.blockCache = ccache.New(ccache.Configure[[]float64]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune))
	return g, nil
}

// readLayout resolves the block geometry, tiles first, strips otherwise.
func (g *GeoTIFF) readLayout() error {
	if tWidth, ok := g.getUint(TileWidth); ok {
		tLength, ok := g.getUint(TileLength)
		if !ok || tWidth == 0 || tLength == 0 {
			return errors.New("missing or invalid tag: TileLength")
		}
		if tWidth > MaxPixels || tLength > MaxPixels/tWidth {
			return fmt.Errorf("tile of %dx%d pixels exceeds the limit of %d", tWidth, tLength, MaxPixels)
		}
		g.tiled = true
		g.blockWidth = uint32(tWidth)
		g.blockLength = uint32(tLength)
		offsets, ok := g.getUints(TileOffsets)
		if !ok {
			return errors.New("missing or invalid tag: TileOffsets")
		}
		counts, ok := g.getUints(TileByteCounts)
		if !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
		g.blockOffsets, g.blockByteCounts = offsets, counts
	} else {
		g.blockWidth = g.imageWidth
		g.blockLength = g.imageLength
		if rps, ok := g.getUint(RowsPerStrip); ok && rps > 0 && rps < uint64(g.imageLength) {
			g.blockLength = uint32(rps)
		}
		offsets, ok := g.getUints(StripOffsets)
		if !ok {
			return errors.New("missing or invalid tag: StripOffsets")
		}
		counts, ok := g.getUints(StripByteCounts)
		if !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
		g.blockOffsets, g.blockByteCounts = offsets, counts
	}

	g.blocksAcross = int(g.imageWidth+g.blockWidth-1) / int(g.blockWidth)
	g.blocksDown = int(g.imageLength+g.blockLength-1) / int(g.blockLength)

	if len(g.blockOffsets) != len(g.blockByteCounts) {
		return fmt.Errorf("block offsets (%d) and byte counts (%d) differ in length", len(g.blockOffsets), len(g.blockByteCounts))
	}
	if len(g.blockOffsets) < g.blocksAcross*g.blocksDown {
		return fmt.Errorf("expected at least %d blocks, got %d", g.blocksAcross*g.blocksDown, len(g.blockOffsets))
	}
	return nil
}

func (g *GeoTIFF) readSampleLayout() error {
	if bps, ok := g.getUint(BitsPerSample); ok {
		g.bitsPerSample = uint16(bps)
	} else {
		g.bitsPerSample = 32
	}
	if sf, ok := g.getUint(SampleFormat); ok {
		g.sampleFormat = uint16(sf)
	} else {
		g.sampleFormat = SampleFormatUint // TIFF default
	}
	if comp, ok := g.getUint(Compression); ok {
		g.compression = uint16(comp)
	} else {
		g.compression = Uncompressed
	}
	if pred, ok := g.getUint(Predictor); ok {
		g.predictor = uint16(pred)
	} else {
		g.predictor = PredictorNone
	}
	if spp, ok := g.getUint(SamplesPerPixel); ok && spp > 0 {
		g.samplesPerPixel = uint16(spp)
	} else {
		g.samplesPerPixel = 1
	}
	if pc, ok := g.getUint(PlanarConfig); ok {
		g.planarConfig = uint16(pc)
	} else {
		g.planarConfig = PlanarChunky
	}

	switch g.compression {
	case Uncompressed, DEFLATE, DEFLATEOld:
	default:
		return fmt.Errorf("unsupported compression type: %d", g.compression)
	}
	switch g.predictor {
	case PredictorNone:
	case PredictorHorizontal:
		if g.sampleFormat == SampleFormatFloat {
			return errors.New("horizontal predictor is not supported on floating point samples")
		}
	default:
		return fmt.Errorf("unsupported predictor: %d", g.predictor)
	}
	if _, err := sampleDecoderFor(g.sampleFormat, g.bitsPerSample); err != nil {
		return err
	}
	return nil
}

// checkBlocks makes sure every block lies inside the file and is no larger
// than a block of raw samples, allowing for deflate overhead.
func (g *GeoTIFF) checkBlocks() error {
	raw := g.rawBlockSize()
	limit := raw
	if g.compression != Uncompressed {
		limit = raw + raw/2 + 1024
	}
	for i, count := range g.blockByteCounts {
		off := g.blockOffsets[i]
		if count > limit {
			return fmt.Errorf("block %d holds %d bytes, more than the %d expected", i, count, limit)
		}
		if off > g.size || count > g.size-off {
			return fmt.Errorf("block %d (%d bytes at offset %d) runs past the end of the file", i, count, off)
		}
	}
	return nil
}

// rawBlockSize is the size of an uncompressed block in bytes.
func (g *GeoTIFF) rawBlockSize() uint64 {
	spp := uint64(1)
	if g.planarConfig == PlanarChunky {
		spp = uint64(g.samplesPerPixel)
	}
	return uint64(g.blockWidth) * uint64(g.blockLength) * spp * uint64(g.bitsPerSample) / 8
}

// Close stops the block cache. The underlying reader is left to the caller.
func (g *GeoTIFF) Close() {
	g.blockCache.Stop()
}

// Width returns the raster width in pixels.
func (g *GeoTIFF) Width() int { return int(g.imageWidth) }

// Height returns the raster height in pixels.
func (g *GeoTIFF) Height() int { return int(g.imageLength) }

// Tiled reports whether pixel data is stored in tiles rather than strips.
func (g *GeoTIFF) Tiled() bool { return g.tiled }

// Bounds returns the geographic extent of the image, Min being the lower
// left corner and Max the upper right.
func (g *GeoTIFF) Bounds() (orb.Bound, error) {
	tiePointTag, ok := g.tags[ModelTiepoint]
	if !ok {
		return orb.Bound{}, errors.New("missing ModelTiepoint tag")
	}
	tiePointValues, ok := tiePointTag.doubles()
	if !ok || len(tiePointValues) < 6 {
		return orb.Bound{}, errors.New("invalid ModelTiepoint tag")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieLon, tieLat := tiePointValues[3], tiePointValues[4]

	ulLon := tieLon - (tieI * g.PixelScaleX)
	ulLat := tieLat - (tieJ * g.PixelScaleY)

	totalWidth := float64(g.imageWidth) * g.PixelScaleX
	totalHeight := float64(g.imageLength) * g.PixelScaleY // negative

	return orb.Bound{
		Min: orb.Point{ulLon, ulLat + totalHeight},
		Max: orb.Point{ulLon + totalWidth, ulLat},
	}, nil
}

// NoData returns the GDAL_NODATA value when the file declares one.
func (g *GeoTIFF) NoData() (float64, bool) {
	t, ok := g.tags[GDALNoData]
	if !ok || t.fType != ASCII {
		return 0, false
	}
	s := strings.TrimSpace(t.ascii)
	if strings.EqualFold(s, "nan") {
		return math.NaN(), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

func readTags(r io.ReadSeeker) (Tags, head, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, head{}, fmt.Errorf("failed to determine file size: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, head{}, err
	}
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}
	h.size = uint64(size)
	// Only the first IFD (full resolution) is read, overviews are ignored.
	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}
	if h.ifdOffset >= h.size {
		return nil, h, fmt.Errorf("IFD offset %d is past the end of the file (%d bytes)", h.ifdOffset, h.size)
	}
	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var n uint64
	if h.isBigTIFF {
		err = binary.Read(r, h.byteOrder, &n)
	} else {
		var n16 uint16
		err = binary.Read(r, h.byteOrder, &n16)
		n = uint64(n16)
	}
	if err != nil {
		return nil, h, fmt.Errorf("failed to read IFD entry count: %w", err)
	}

	if n > maxIFDEntries || n*uint64(h.entrySize()) > h.size-h.ifdOffset {
		return nil, h, fmt.Errorf("invalid IFD entry count %d", n)
	}
	block := make([]byte, h.entrySize()*int(n))
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}

	tags := make(Tags, n)
	for i := 0; i < int(n); i++ {
		entry := h.parseEntry(block[i*h.entrySize() : (i+1)*h.entrySize()])
		if entry.FType.bytes() == 0 {
			slog.Warn("skipping tiff tag with unrecognized field type", "tag", entry.Tag.String(), "type", uint16(entry.FType))
			continue
		}
		td, err := entry.value(r, h)
		if err != nil {
			return nil, h, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		tags[entry.Tag] = *td
	}
	return tags, h, nil
}

// entrySize is the size of one IFD entry in bytes.
func (h head) entrySize() int {
	if h.isBigTIFF {
		return 20
	}
	return 12
}

// parseEntry decodes one raw IFD entry. Values small enough to fit the
// offset field are kept inline, left-justified.
func (h head) parseEntry(raw []byte) iFDEntry {
	e := iFDEntry{
		Tag:   Tag(h.byteOrder.Uint16(raw[0:2])),
		FType: fieldType(h.byteOrder.Uint16(raw[2:4])),
	}
	var field []byte
	if h.isBigTIFF {
		e.Count = h.byteOrder.Uint64(raw[4:12])
		field = raw[12:20]
		e.ValueOffset = h.byteOrder.Uint64(field)
	} else {
		e.Count = uint64(h.byteOrder.Uint32(raw[4:8]))
		field = raw[8:12]
		e.ValueOffset = uint64(h.byteOrder.Uint32(field))
	}
	if fb := uint64(e.FType.bytes()); fb > 0 && e.Count <= uint64(len(field))/fb {
		size := fb * e.Count
		e.ValueBytes = append([]byte{}, field[:size]...)
	}
	return e
}

// value decodes the data of an entry. Counts and offsets come from the
// file and are checked against its size before anything is allocated.
func (ifd *iFDEntry) value(r io.ReadSeeker, h head) (*tagData, error) {
	order := h.byteOrder
	if ifd.Count > h.size {
		return nil, fmt.Errorf("count %d exceeds file size", ifd.Count)
	}
	t := tagData{fType: ifd.FType, count: ifd.Count}
	var reader io.Reader = bytes.NewReader(ifd.ValueBytes)
	if ifd.ValueBytes == nil {
		total := uint64(ifd.FType.bytes()) * ifd.Count
		if ifd.ValueOffset > h.size || total > h.size-ifd.ValueOffset {
			return nil, fmt.Errorf("%d bytes at offset %d run past the end of the file", total, ifd.ValueOffset)
		}
		ra, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(ra, int64(ifd.ValueOffset), int64(total))
	}

	var err error
	switch ifd.FType {
	case ASCII:
		p := make([]byte, ifd.Count)
		if _, err = io.ReadFull(reader, p); err == nil {
			t.ascii = string(bytes.Trim(p, "\x00"))
		}
	case BYTE, UNDEFINED:
		t.uints, err = readWidened[uint8, uint64](reader, order, ifd.Count)
	case SHORT:
		t.uints, err = readWidened[uint16, uint64](reader, order, ifd.Count)
	case LONG:
		t.uints, err = readWidened[uint32, uint64](reader, order, ifd.Count)
	case LONG8, IFD8:
		t.uints, err = readWidened[uint64, uint64](reader, order, ifd.Count)
	case FLOAT:
		t.floats, err = readWidened[float32, float64](reader, order, ifd.Count)
	case DOUBLE:
		t.floats, err = readWidened[float64, float64](reader, order, ifd.Count)
	default:
		// signed and rational tags keep their type and count only
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// readWidened reads n values of type S and converts them to D.
func readWidened[S uint8 | uint16 | uint32 | uint64 | float32 | float64, D uint64 | float64](r io.Reader, order binary.ByteOrder, n uint64) ([]D, error) {
	raw := make([]S, n)
	if err := binary.Read(r, order, raw); err != nil {
		return nil, err
	}
	out := make([]D, n)
	for i, v := range raw {
		out[i] = D(v)
	}
	return out, nil
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	vs, ok := g.getUints(tag)
	if !ok || len(vs) == 0 {
		return 0, false
	}
	return vs[0], true
}

// getUints returns the values of an unsigned integer tag.
func (g *GeoTIFF) getUints(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok || t.uints == nil {
		return nil, false
	}
	return t.uints, true
}

func (td tagData) doubles() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.floats, true
	}
	return nil, false
}
