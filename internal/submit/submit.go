// Package submit runs one image submission end to end: reserve the area,
// convert the image, then commit or release.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/quilt"
)

var ErrTooLarge = errors.New("image dimensions too large")

type Submission struct {
	Owner       quilt.Identity
	Pos         quilt.WorldPos
	PixelWidth  int
	PixelHeight int
	CellSize    int
	Mode        convert.Mode
	ImagePath   string
}

type Outcome struct {
	// ImageIndex is -1 when grid mode is off.
	ImageIndex    int            `json:"image_index"`
	ReservationID string         `json:"reservation_id,omitempty"`
	Cells         []quilt.Cell   `json:"cells,omitempty"`
	CellSize      int            `json:"cell_size,omitempty"`
	Offset        quilt.WorldPos `json:"offset"`
	SaveName      string         `json:"save_name"`
	DestPath      string         `json:"dest_path"`
	Bricks        int            `json:"bricks"`
}

type Options struct {
	GridEnabled    bool
	MaxImageSize   int
	ZOffset        int
	ConvertTimeout time.Duration
	OutputDir      string
	Logger         *log.Logger
}

type Pipeline struct {
	alloc *quilt.Allocator
	conv  convert.Converter
	opts  Options
	log   *log.Logger
}

func New(alloc *quilt.Allocator, conv convert.Converter, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = 2 * time.Minute
	}
	return &Pipeline{alloc: alloc, conv: conv, opts: opts, log: opts.Logger}
}

// Submit places and converts one image. In grid mode a failed or cancelled
// conversion releases the reservation; a failed commit (the reservation
// lapsed and its cells were taken) leaves the converted save unused.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	out := Outcome{ImageIndex: -1}
	if sub.PixelWidth <= 0 || sub.PixelHeight <= 0 {
		return out, fmt.Errorf("%w: image %dx%d", quilt.ErrInvalidRegion, sub.PixelWidth, sub.PixelHeight)
	}
	if limit := p.opts.MaxImageSize; limit > 0 && (sub.PixelWidth > limit || sub.PixelHeight > limit) {
		return out, fmt.Errorf("%w (> %d)", ErrTooLarge, limit)
	}
	if strings.TrimSpace(sub.Owner.ID) == "" {
		return out, quilt.ErrInvalidOwner
	}
	if p.conv == nil {
		return out, fmt.Errorf("%w: no converter configured", convert.ErrConversionFailed)
	}

	placement := quilt.Placement{Pos: sub.Pos, PixelWidth: sub.PixelWidth, PixelHeight: sub.PixelHeight, CellSize: sub.CellSize}
	var res quilt.Reservation
	if p.opts.GridEnabled {
		r, err := p.alloc.ReservePlacement(placement)
		if err != nil {
			return out, err
		}
		res = r
		out.ReservationID = r.ID
		out.Cells = r.Area
		out.CellSize = r.CellSize
		out.Offset = r.Offset
	} else {
		out.Offset = p.alloc.PlacementOffset(placement)
	}
	out.Offset.Z -= p.opts.ZOffset
	key := res.ID
	if key == "" {
		key = uuid.NewString()
	}
	out.SaveName = SaveName(sub.Owner.Name, sub.Owner.ID) + "_" + saveSuffix(key)
	out.DestPath = filepath.Join(p.opts.OutputDir, out.SaveName+".brs")

	cctx, cancel := context.WithTimeout(ctx, p.opts.ConvertTimeout)
	result, err := p.conv.Convert(cctx, convert.Job{
		ImagePath: sub.ImagePath,
		DestPath:  out.DestPath,
		OwnerID:   sub.Owner.ID,
		OwnerName: sub.Owner.Name,
		Mode:      sub.Mode,
	})
	cancel()
	if err != nil {
		if res.ID != "" {
			p.alloc.Release(res.ID)
		}
		p.log.Printf("conversion for %s failed: %v", sub.Owner.ID, err)
		return out, err
	}
	out.Bricks = result.Reduced

	// A session torn down during conversion never commits.
	if err := ctx.Err(); err != nil {
		if res.ID != "" {
			p.alloc.Release(res.ID)
		}
		return out, err
	}
	if res.ID != "" {
		idx, err := p.alloc.Commit(res.ID, sub.Owner)
		if err != nil {
			return out, err
		}
		out.ImageIndex = idx
	}
	p.log.Printf("%s placed %dx%d image at %+v (image=%d bricks=%d)", sub.Owner.ID, sub.PixelWidth, sub.PixelHeight, out.Offset, out.ImageIndex, out.Bricks)
	return out, nil
}

// saveSuffix keeps the first 12 hex digits of a uuid, enough to keep saves of
// concurrent submissions by one owner apart.
func saveSuffix(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// SaveName is the brick save name for a submitter. Submit appends a
// per-submission suffix to it.
func SaveName(name, id string) string {
	src := name
	if strings.TrimSpace(src) == "" {
		src = id
	}
	var b strings.Builder
	for _, r := range src {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return "img2brick_" + b.String()
}
