package submit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/quilt"
)

type fakeConverter struct {
	err  error
	jobs []convert.Job
}

func (f *fakeConverter) Convert(ctx context.Context, job convert.Job) (convert.Result, error) {
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return convert.Result{}, f.err
	}
	return convert.Result{DestPath: job.DestPath, Original: 100, Reduced: 40}, nil
}

func newPipeline(conv convert.Converter, grid bool) (*Pipeline, quilt.Components) {
	c := quilt.New(quilt.Config{DefaultCellSize: 8, ReservationTTL: time.Minute}).Components()
	p := New(c.Allocator, conv, Options{
		GridEnabled:  grid,
		MaxImageSize: 64,
		ZOffset:      28,
		OutputDir:    "builds",
	})
	return p, c
}

func TestSubmit_GridCommit(t *testing.T) {
	conv := &fakeConverter{}
	p, c := newPipeline(conv, true)
	out, err := p.Submit(context.Background(), Submission{
		Owner:       quilt.Identity{ID: "u1", Name: "alice"},
		Pos:         quilt.WorldPos{X: 80, Y: 40, Z: 100},
		PixelWidth:  16,
		PixelHeight: 8,
		Mode:        convert.ModeTile,
		ImagePath:   "alice.png",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.ImageIndex != 0 || len(out.Cells) != 2 || out.Bricks != 40 {
		t.Fatalf("outcome=%+v", out)
	}
	if out.Offset != (quilt.WorldPos{X: 0, Y: 0, Z: 72}) {
		t.Fatalf("offset=%+v", out.Offset)
	}
	if out.SaveName != "img2brick_alice_"+strings.ReplaceAll(out.ReservationID, "-", "")[:12] || conv.jobs[0].Mode != convert.ModeTile {
		t.Fatalf("save=%q job=%+v", out.SaveName, conv.jobs[0])
	}
	if st, ok := c.Ledger.StatsFor("u1"); !ok || st.TileCount != 2 {
		t.Fatalf("stats=%+v ok=%v", st, ok)
	}
}

func TestSubmit_FailedConversionReleases(t *testing.T) {
	conv := &fakeConverter{err: convert.ErrConversionFailed}
	p, c := newPipeline(conv, true)
	sub := Submission{Owner: quilt.Identity{ID: "u1"}, Pos: quilt.WorldPos{X: 40, Y: 40}, PixelWidth: 8, PixelHeight: 8, ImagePath: "a.png"}
	if _, err := p.Submit(context.Background(), sub); !errors.Is(err, convert.ErrConversionFailed) {
		t.Fatalf("expected conversion failure, got %v", err)
	}
	if tot := c.Ledger.Totals(); tot.ReservedCells != 0 || tot.Images != 0 {
		t.Fatalf("reservation leaked: %+v", tot)
	}

	conv.err = nil
	if _, err := p.Submit(context.Background(), sub); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	if _, err := p.Submit(context.Background(), sub); !errors.Is(err, quilt.ErrOverlap) {
		t.Fatalf("expected overlap for same spot, got %v", err)
	}
	if len(conv.jobs) != 2 {
		t.Fatalf("overlapping submission must not reach the converter, jobs=%d", len(conv.jobs))
	}
}

func TestSubmit_Preconditions(t *testing.T) {
	p, _ := newPipeline(&fakeConverter{}, true)
	ctx := context.Background()
	if _, err := p.Submit(ctx, Submission{Owner: quilt.Identity{ID: "u"}, PixelWidth: 128, PixelHeight: 8}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if _, err := p.Submit(ctx, Submission{Owner: quilt.Identity{ID: "u"}, PixelWidth: 12, PixelHeight: 8}); !errors.Is(err, quilt.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if _, err := p.Submit(ctx, Submission{PixelWidth: 8, PixelHeight: 8}); !errors.Is(err, quilt.ErrInvalidOwner) {
		t.Fatalf("expected invalid owner, got %v", err)
	}
}

func TestSubmit_NonGridModeTracksNothing(t *testing.T) {
	p, c := newPipeline(&fakeConverter{}, false)
	sub := Submission{Owner: quilt.Identity{ID: "u1", Name: "a b"}, Pos: quilt.WorldPos{X: 45, Y: 45, Z: 30}, PixelWidth: 12, PixelHeight: 6, ImagePath: "a.png"}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		out, err := p.Submit(context.Background(), sub)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if out.ImageIndex != -1 || out.Offset != (quilt.WorldPos{X: -20, Y: 10, Z: 2}) {
			t.Fatalf("outcome=%+v", out)
		}
		if !strings.HasPrefix(out.SaveName, "img2brick_a_b_") || seen[out.DestPath] {
			t.Fatalf("save name=%q dest=%q", out.SaveName, out.DestPath)
		}
		seen[out.DestPath] = true
	}
	if tot := c.Ledger.Totals(); tot.Images != 0 || tot.CellSize != 0 {
		t.Fatalf("non-grid mode touched the grid: %+v", tot)
	}
}

func TestSubmit_SameOwnerGetsDistinctSaves(t *testing.T) {
	conv := &fakeConverter{}
	p, _ := newPipeline(conv, true)
	paths := map[string]bool{}
	for i := 0; i < 3; i++ {
		out, err := p.Submit(context.Background(), Submission{
			Owner:       quilt.Identity{ID: "u1", Name: "alice"},
			Pos:         quilt.WorldPos{X: 80 + i*200, Y: 40},
			PixelWidth:  8,
			PixelHeight: 8,
			ImagePath:   "alice.png",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if paths[out.DestPath] {
			t.Fatalf("submission %d reused %s", i, out.DestPath)
		}
		paths[out.DestPath] = true
	}
	if len(conv.jobs) != 3 || conv.jobs[0].DestPath == conv.jobs[1].DestPath {
		t.Fatalf("jobs=%+v", conv.jobs)
	}
}

// cancellingConverter succeeds but tears down the caller's context first, as
// a closing session does.
type cancellingConverter struct{ cancel context.CancelFunc }

func (c cancellingConverter) Convert(ctx context.Context, job convert.Job) (convert.Result, error) {
	c.cancel()
	return convert.Result{DestPath: job.DestPath, Reduced: 1}, nil
}

func TestSubmit_CancelledSessionDoesNotCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, c := newPipeline(cancellingConverter{cancel: cancel}, true)
	_, err := p.Submit(ctx, Submission{Owner: quilt.Identity{ID: "u1"}, Pos: quilt.WorldPos{X: 40, Y: 40}, PixelWidth: 8, PixelHeight: 8, ImagePath: "a.png"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if tot := c.Ledger.Totals(); tot.Images != 0 || tot.ReservedCells != 0 || tot.Reservations != 0 {
		t.Fatalf("cancelled submission left state behind: %+v", tot)
	}
}
