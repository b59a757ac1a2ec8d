package quilt

import (
	"errors"
	"fmt"
)

var (
	ErrSizeMismatch      = errors.New("cell size mismatch")
	ErrDimensionMismatch = errors.New("image dimensions do not tile the grid")
	ErrOverlap           = errors.New("region overlaps an occupied cell")
	ErrAmbiguousRemoval  = errors.New("cell belongs to an image")
	ErrNotFound          = errors.New("not found")
	ErrInvalidRegion     = errors.New("invalid region")
	ErrInvalidOwner      = errors.New("invalid owner identity")
	ErrUninitialized     = errors.New("grid not initialized")
	ErrInvalidState      = errors.New("invalid grid state")
)

// SizeMismatchError reports a requested cell size that is not a divisor of
// the grid's current cell size. Limit is set when the size divides but
// refining to it would exceed that many cells.
type SizeMismatchError struct {
	Existing  int
	Requested int
	Limit     int
}

func (e *SizeMismatchError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("refining grid cell size %d to %d would exceed %d cells (reset required)", e.Existing, e.Requested, e.Limit)
	}
	return fmt.Sprintf("cell size %d is incompatible with grid cell size %d (reset required)", e.Requested, e.Existing)
}

func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }

type DimensionMismatchError struct {
	Width    int
	Height   int
	CellSize int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("image %dx%d is not a multiple of cell size %d", e.Width, e.Height, e.CellSize)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// OverlapError names the first colliding cell. Reserved is true when the cell
// is held by a pending reservation rather than a committed occupant.
type OverlapError struct {
	Cell     Cell
	Reserved bool
}

func (e *OverlapError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("cell %s is reserved by a pending submission", e.Cell)
	}
	return fmt.Sprintf("cell %s is occupied", e.Cell)
}

func (e *OverlapError) Is(target error) bool { return target == ErrOverlap }

type AmbiguousRemovalError struct {
	Cell  Cell
	Image int
}

func (e *AmbiguousRemovalError) Error() string {
	return fmt.Sprintf("cell %s belongs to image %d; remove the image or its owner instead", e.Cell, e.Image)
}

func (e *AmbiguousRemovalError) Is(target error) bool { return target == ErrAmbiguousRemoval }

type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.What, e.Key) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
