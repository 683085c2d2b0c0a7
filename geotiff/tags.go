package geotiff

// Header magic values.
const (
	littleEndian      uint16 = 0x4949 // "II"
	bigEndian         uint16 = 0x4D4D // "MM"
	tiffIdentifier    uint16 = 42
	bigTiffIdentifier uint16 = 43
	bigTiffBytesize   uint16 = 8
)

type fieldType uint16

// TIFF field types.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// Baseline and GeoTIFF tags used by the reader.
const (
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	Compression     Tag = 259
	Photometric     Tag = 262
	StripOffsets    Tag = 273
	SamplesPerPixel Tag = 277
	RowsPerStrip    Tag = 278
	StripByteCounts Tag = 279
	PlanarConfig    Tag = 284
	Predictor       Tag = 317
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
	SampleFormat    Tag = 339
	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
	GeoKeyDirectory Tag = 34735
	GDALNoData      Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	BitsPerSample:   "BitsPerSample",
	Compression:     "Compression",
	Photometric:     "Photometric",
	StripOffsets:    "StripOffsets",
	SamplesPerPixel: "SamplesPerPixel",
	RowsPerStrip:    "RowsPerStrip",
	StripByteCounts: "StripByteCounts",
	PlanarConfig:    "PlanarConfig",
	Predictor:       "Predictor",
	TileWidth:       "TileWidth",
	TileLength:      "TileLength",
	TileOffsets:     "TileOffsets",
	TileByteCounts:  "TileByteCounts",
	SampleFormat:    "SampleFormat",
	ModelPixelScale: "ModelPixelScale",
	ModelTiepoint:   "ModelTiepoint",
	GeoKeyDirectory: "GeoKeyDirectory",
	GDALNoData:      "GDAL_NODATA",
}

// SampleFormat values.
const (
	SampleFormatUint  uint16 = 1
	SampleFormatInt   uint16 = 2
	SampleFormatFloat uint16 = 3
)

// Compression values.
const (
	Uncompressed uint16 = 1
	DEFLATE      uint16 = 8
	// DEFLATEOld is the obsolete code still written by some encoders.
	DEFLATEOld uint16 = 32946
)

// Predictor values.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
)

// PlanarConfig values.
const (
	PlanarChunky   uint16 = 1
	PlanarSeparate uint16 = 2
)
