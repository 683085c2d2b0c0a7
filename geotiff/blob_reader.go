package geotiff

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// BlobReader reads an object from a cloud bucket (S3, GCS, Azure, local
// files, memory) using gocloud.dev/blob. It satisfies io.ReadSeeker and
// io.ReaderAt.
type BlobReader struct {
	*cursor

	ctx    context.Context
	bucket *blob.Bucket
	key    string
}

// NewBlobReader looks the object up to learn its size.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	r := &BlobReader{ctx: ctx, bucket: bucket, key: key}
	r.cursor = &cursor{size: attrs.Size, readRange: r.get}
	return r, nil
}

func (r *BlobReader) get(p []byte, off int64) (int, error) {
	// gocloud.dev/blob takes an offset and a length, not an end byte.
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, int64(len(p)), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()
	return io.ReadFull(reader, p)
}
