package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"

	"github.com/akhenakh/farmit-overlay/geotiff"
)

// maxBoundarySize caps GeoJSON downloads.
const maxBoundarySize = 32 << 20

// BucketOpener opens a gocloud.dev bucket from its URL.
type BucketOpener func(ctx context.Context, bucketURL string) (*blob.Bucket, error)

func defaultBucketOpener(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, bucketURL)
}

type readSeekerAt interface {
	io.ReadSeeker
	io.ReaderAt
}

// open returns a random access reader on src and the func releasing it.
// src is an http(s) URL, a gocloud.dev blob URL or a local path.
func (l *Loader) open(ctx context.Context, src string) (readSeekerAt, func(), error) {
	switch kind(src) {
	case kindHTTP:
		r, err := geotiff.NewHTTPRangeReader(ctx, src, l.cfg.HTTPClient)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil

	case kindBlob:
		bucketURL, key, err := SplitBlobURL(src)
		if err != nil {
			return nil, nil, err
		}
		bucket, err := l.cfg.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
		}
		r, err := geotiff.NewBlobReader(ctx, bucket, key)
		if err != nil {
			bucket.Close()
			return nil, nil, err
		}
		return r, func() { bucket.Close() }, nil

	default:
		f, err := os.Open(src)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
}

// readAll fetches the whole of src.
func (l *Loader) readAll(ctx context.Context, src string) ([]byte, error) {
	switch kind(src) {
	case kindHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", src, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch %s: bad status %s", src, resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxBoundarySize))

	case kindBlob:
		bucketURL, key, err := SplitBlobURL(src)
		if err != nil {
			return nil, err
		}
		bucket, err := l.cfg.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
		}
		defer bucket.Close()
		return bucket.ReadAll(ctx, key)

	default:
		return os.ReadFile(src)
	}
}

type sourceKind int

const (
	kindFile sourceKind = iota
	kindHTTP
	kindBlob
)

func kind(src string) sourceKind {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return kindHTTP
	case strings.Contains(src, "://"):
		return kindBlob
	default:
		return kindFile
	}
}

// SplitBlobURL splits a blob object URL into its bucket URL and key.
// For file:// the bucket is the parent directory, otherwise it is the host:
//
//	s3://bucket/lst/zone.tif?region=eu-west-3 -> s3://bucket?region=eu-west-3, lst/zone.tif
//	file:///data/lst/zone.tif                  -> file:///data/lst, zone.tif
func SplitBlobURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid blob url %q: %w", raw, err)
	}

	var bucket, key string
	if u.Scheme == "file" {
		dir, base := path.Split(u.Path)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			dir = "/"
		}
		bucket = (&url.URL{Scheme: "file", Path: dir, RawQuery: u.RawQuery}).String()
		key = base
	} else {
		bucket = (&url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}).String()
		key = strings.TrimPrefix(u.Path, "/")
	}
	if key == "" {
		return "", "", errors.New("blob url " + raw + " has no object key")
	}
	return bucket, key, nil
}
