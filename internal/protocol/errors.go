package protocol

import (
	"context"
	"errors"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
	"img2brick.ai/internal/submit"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Grid allocation.
	ErrSizeMismatch      = "E_SIZE_MISMATCH"
	ErrDimensionMismatch = "E_DIMENSION_MISMATCH"
	ErrOverlap           = "E_OVERLAP"
	ErrTooLarge          = "E_TOO_LARGE"

	// Administrative.
	ErrAmbiguousRemoval = "E_AMBIGUOUS_REMOVAL"
	ErrNotFound         = "E_NOT_FOUND"
	ErrUninitialized    = "E_UNINITIALIZED"

	ErrBadRequest    = "E_BAD_REQUEST"
	ErrConvertFailed = "E_CONVERT_FAILED"
	ErrTimeout       = "E_TIMEOUT"
	ErrCorruptState  = "E_CORRUPT_STATE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrSizeMismatch:      {},
	ErrDimensionMismatch: {},
	ErrOverlap:           {},
	ErrTooLarge:          {},
	ErrAmbiguousRemoval:  {},
	ErrNotFound:          {},
	ErrUninitialized:     {},
	ErrBadRequest:        {},
	ErrConvertFailed:     {},
	ErrTimeout:           {},
	ErrCorruptState:      {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a service error to its wire code. nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, quilt.ErrSizeMismatch):
		return ErrSizeMismatch
	case errors.Is(err, quilt.ErrDimensionMismatch):
		return ErrDimensionMismatch
	case errors.Is(err, quilt.ErrOverlap):
		return ErrOverlap
	case errors.Is(err, submit.ErrTooLarge):
		return ErrTooLarge
	case errors.Is(err, quilt.ErrAmbiguousRemoval):
		return ErrAmbiguousRemoval
	case errors.Is(err, quilt.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, quilt.ErrUninitialized):
		return ErrUninitialized
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, convert.ErrConversionFailed):
		return ErrConvertFailed
	case errors.Is(err, quilt.ErrInvalidRegion), errors.Is(err, quilt.ErrInvalidOwner):
		return ErrBadRequest
	case snapshot.IsCorrupt(err):
		return ErrCorruptState
	default:
		return ErrInternal
	}
}
