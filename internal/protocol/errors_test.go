package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
	"img2brick.ai/internal/submit"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrSizeMismatch,
		ErrDimensionMismatch,
		ErrOverlap,
		ErrTooLarge,
		ErrAmbiguousRemoval,
		ErrNotFound,
		ErrUninitialized,
		ErrBadRequest,
		ErrConvertFailed,
		ErrTimeout,
		ErrCorruptState,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&quilt.SizeMismatchError{Existing: 8, Requested: 3}, ErrSizeMismatch},
		{&quilt.DimensionMismatchError{Width: 12, Height: 8, CellSize: 8}, ErrDimensionMismatch},
		{fmt.Errorf("reserve: %w", &quilt.OverlapError{Cell: quilt.Cell{X: 1}}), ErrOverlap},
		{&quilt.AmbiguousRemovalError{}, ErrAmbiguousRemoval},
		{&quilt.NotFoundError{What: "image", Key: "3"}, ErrNotFound},
		{quilt.ErrUninitialized, ErrUninitialized},
		{fmt.Errorf("%w (> 256)", submit.ErrTooLarge), ErrTooLarge},
		{fmt.Errorf("%w: %w", convert.ErrConversionFailed, context.DeadlineExceeded), ErrTimeout},
		{convert.ErrConversionFailed, ErrConvertFailed},
		{quilt.ErrInvalidOwner, ErrBadRequest},
		{&snapshot.CorruptStateError{Path: "x", Err: errors.New("bad")}, ErrCorruptState},
		{errors.New("disk on fire"), ErrInternal},
	}
	for _, tc := range cases {
		got := CodeFor(tc.err)
		if got != tc.want {
			t.Fatalf("CodeFor(%v)=%q want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(got) {
			t.Fatalf("CodeFor returned unknown code %q", got)
		}
	}
}
