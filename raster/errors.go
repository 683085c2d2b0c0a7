package raster

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad is matched by every LoadError.
	ErrLoad = errors.New("raster load failed")

	// ErrEmptyDataset means no sample holds valid data.
	ErrEmptyDataset = errors.New("dataset has no valid samples")

	// ErrNotFound is returned by point queries that yield no value.
	ErrNotFound = errors.New("value not found")

	// ErrOutOfBounds is returned for a point outside the raster extent.
	ErrOutOfBounds = fmt.Errorf("%w: point outside raster extent", ErrNotFound)

	// ErrNoData is returned for a point over a no-data sample.
	ErrNoData = fmt.Errorf("%w: no data at point", ErrNotFound)
)

// LoadError reports a raster that could not be fetched or decoded.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load raster %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }
