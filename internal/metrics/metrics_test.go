package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"img2brick.ai/internal/quilt"
)

func TestRecorder_ExportsStoreGauges(t *testing.T) {
	s := quilt.New(quilt.Config{DefaultCellSize: 8})
	rec := New(Sources{Store: s, Sessions: func() int { return 3 }})
	s.AddSink(rec)

	c := s.Components()
	r, err := c.Allocator.ValidateRegion(quilt.Cell{X: 0, Y: 0}, 2, 2, 8)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := c.Allocator.Commit(r.ID, quilt.Identity{ID: "u1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := testutil.ToFloat64(rec.events.WithLabelValues("COMMIT")); got != 1 {
		t.Fatalf("commit events=%v", got)
	}

	rw := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rw, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rw.Body)
	for _, want := range []string{
		"quilt_cell_size 8",
		"quilt_image_cells 4",
		"quilt_images 1",
		"quilt_bridge_sessions 3",
		"quilt_index_queue_depth 0",
		`quilt_events_total{kind="RESERVE"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

type countingStore struct {
	*quilt.Store
	calls atomic.Int64
}

func (c *countingStore) Metrics() quilt.Metrics {
	c.calls.Add(1)
	return c.Store.Metrics()
}

func TestRecorder_ReadsStoreOncePerScrape(t *testing.T) {
	s := quilt.New(quilt.Config{DefaultCellSize: 8})
	if err := s.Components().Remover.ResetAll(8); err != nil {
		t.Fatalf("reset: %v", err)
	}
	src := &countingStore{Store: s}
	rec := New(Sources{Store: src})

	for i := 1; i <= 3; i++ {
		mfs, err := rec.Registry().Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		if n := src.calls.Load(); n != int64(i) {
			t.Fatalf("scrape %d read the store %d times", i, n)
		}
		found := false
		for _, mf := range mfs {
			if mf.GetName() == "quilt_cell_size" {
				found = mf.GetMetric()[0].GetGauge().GetValue() == 8
			}
		}
		if !found {
			t.Fatalf("scrape %d: quilt_cell_size 8 missing", i)
		}
	}
}
