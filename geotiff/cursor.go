package geotiff

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// rangeFunc reads len(p) bytes at off from a remote object whose size is
// already known. off is within [0, size) and len(p) does not run past size.
type rangeFunc func(p []byte, off int64) (int, error)

// cursor turns a stateless ranged read into io.Reader, io.Seeker and
// io.ReaderAt over an object of fixed size.
type cursor struct {
	size      int64
	readRange rangeFunc

	// mu protects offset for sequential Read/Seek. ReadAt does not take it.
	mu     sync.Mutex
	offset int64
}

// Read performs a sequential read. The lock is held for the whole remote
// request.
func (c *cursor) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offset >= c.size {
		return 0, io.EOF
	}
	n, err := c.ReadAt(p, c.offset)
	c.offset += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Seek updates the offset used by the next Read.
func (c *cursor) Seek(offset int64, whence int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = c.offset + offset
	case io.SeekEnd:
		next = c.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	c.offset = next
	return next, nil
}

// ReadAt implements io.ReaderAt. Reads crossing the end of the object are
// shortened and return io.EOF.
func (c *cursor) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("readAt: invalid offset %d", off)
	}
	if off >= c.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	short := off+want > c.size
	if short {
		want = c.size - off
	}
	n, err := c.readRange(p[:want], off)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// Size returns the length of the object in bytes.
func (c *cursor) Size() int64 { return c.size }
