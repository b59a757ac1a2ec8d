package quilt

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestComponents(t *testing.T) (Components, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(Config{DefaultCellSize: 8, ReservationTTL: time.Minute, Now: clk.Now})
	return s.Components(), clk
}

func place(t *testing.T, c Components, origin Cell, w, h, cellSize int, owner string) int {
	t.Helper()
	r, err := c.Allocator.ValidateRegion(origin, w, h, cellSize)
	if err != nil {
		t.Fatalf("validate %s %dx%d: %v", origin, w, h, err)
	}
	idx, err := c.Allocator.Commit(r.ID, Identity{ID: owner, Name: owner})
	if err != nil {
		t.Fatalf("commit %s: %v", origin, err)
	}
	return idx
}

func TestAliceBobScenario(t *testing.T) {
	c, _ := newTestComponents(t)

	// 16x8 image at cell size 8 covers two cells.
	r, err := c.Allocator.ValidateRegion(Cell{0, 0}, 16/8, 8/8, 8)
	if err != nil {
		t.Fatalf("validate A: %v", err)
	}
	if diff := cmp.Diff([]Cell{{0, 0}, {1, 0}}, r.Area); diff != "" {
		t.Fatalf("area A (-want +got):\n%s", diff)
	}
	if _, err := c.Allocator.Commit(r.ID, Identity{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("commit A: %v", err)
	}
	st, ok := c.Ledger.StatsFor("alice")
	if !ok || st.ImageCount != 1 || st.TileCount != 2 {
		t.Fatalf("alice stats=%+v ok=%v", st, ok)
	}

	_, err = c.Allocator.ValidateRegion(Cell{1, 0}, 1, 1, 8)
	var ov *OverlapError
	if !errors.As(err, &ov) || ov.Cell != (Cell{1, 0}) {
		t.Fatalf("expected overlap on (1,0), got %v", err)
	}

	place(t, c, Cell{2, 0}, 1, 1, 8, "bob")
	if occ := c.Queries.OccupantAt(Cell{2, 0}); occ.Kind != ImageRef || occ.Owner == nil || occ.Owner.ID != "bob" {
		t.Fatalf("occupant (2,0)=%+v", occ)
	}

	aliceIdx, _ := c.Queries.OwnerIndexOf("alice")
	n, err := c.Remover.RemoveAllByOwner(aliceIdx)
	if err != nil || n != 1 {
		t.Fatalf("remove alice: n=%d err=%v", n, err)
	}
	for _, cell := range []Cell{{0, 0}, {1, 0}} {
		if occ := c.Queries.OccupantAt(cell); occ.Kind != Unoccupied {
			t.Fatalf("cell %s still %v", cell, occ.Kind)
		}
	}
	bob, _ := c.Ledger.StatsFor("bob")
	if bob.ImageCount != 1 || bob.TileCount != 1 || bob.TileSharePercent != 100 {
		t.Fatalf("bob stats=%+v", bob)
	}
	alice, _ := c.Ledger.StatsFor("alice")
	if alice.ImageCount != 0 || alice.TileCount != 0 {
		t.Fatalf("alice stats after removal=%+v", alice)
	}
	if err := c.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestReservePlacement_CentresOnSubmitter(t *testing.T) {
	c, _ := newTestComponents(t)
	// 16x8 px at 10 units per pixel spans 160x80 units; centred on (80,40) the
	// corner is the world origin.
	r, err := c.Allocator.ReservePlacement(Placement{Pos: WorldPos{X: 80, Y: 40, Z: 5}, PixelWidth: 16, PixelHeight: 8, CellSize: 8})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.Origin != (Cell{0, 0}) || r.Width != 2 || r.Height != 1 {
		t.Fatalf("reservation=%+v", r)
	}
	if r.Offset != (WorldPos{X: 0, Y: 0, Z: 5}) {
		t.Fatalf("offset=%+v", r.Offset)
	}

	_, err = c.Allocator.ReservePlacement(Placement{Pos: WorldPos{}, PixelWidth: 12, PixelHeight: 8, CellSize: 8})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestValidateRegion_ReservationBlocksConcurrentSubmission(t *testing.T) {
	c, _ := newTestComponents(t)
	a, err := c.Allocator.ValidateRegion(Cell{0, 0}, 2, 2, 8)
	if err != nil {
		t.Fatalf("validate A: %v", err)
	}
	_, err = c.Allocator.ValidateRegion(Cell{1, 1}, 2, 2, 8)
	var ov *OverlapError
	if !errors.As(err, &ov) || !ov.Reserved || ov.Cell != (Cell{1, 1}) {
		t.Fatalf("expected reserved overlap at (1,1), got %v", err)
	}
	if occ := c.Queries.OccupantAt(Cell{1, 1}); occ.Kind != Unoccupied || !occ.Reserved {
		t.Fatalf("reserved cell occupancy=%+v", occ)
	}
	if !c.Allocator.Release(a.ID) {
		t.Fatalf("release returned false")
	}
	if c.Allocator.Release(a.ID) {
		t.Fatalf("second release returned true")
	}
	if _, err := c.Allocator.ValidateRegion(Cell{1, 1}, 2, 2, 8); err != nil {
		t.Fatalf("validate after release: %v", err)
	}
}

func TestValidateRegion_SizeMismatchLeavesGridAlone(t *testing.T) {
	c, _ := newTestComponents(t)
	place(t, c, Cell{0, 0}, 1, 1, 8, "alice")
	_, err := c.Allocator.ValidateRegion(Cell{5, 5}, 1, 1, 3)
	var sm *SizeMismatchError
	if !errors.As(err, &sm) || sm.Existing != 8 || sm.Requested != 3 {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if _, err := c.Allocator.ValidateRegion(Cell{5, 5}, 1, 1, 16); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("coarser size should be rejected, got %v", err)
	}
	if got := c.Store.CellSize(); got != 8 {
		t.Fatalf("cell size=%d want 8", got)
	}
}

func TestValidateRegion_RefinesGridForDivisor(t *testing.T) {
	c, _ := newTestComponents(t)
	idx := place(t, c, Cell{0, 0}, 1, 1, 8, "alice")
	pending, err := c.Allocator.ValidateRegion(Cell{3, 0}, 1, 1, 8)
	if err != nil {
		t.Fatalf("validate pending: %v", err)
	}

	// Fine cell (1,0) lies inside coarse (0,0): rejected before any refinement.
	if _, err := c.Allocator.ValidateRegion(Cell{1, 0}, 1, 1, 4); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected overlap, got %v", err)
	}
	if got := c.Store.CellSize(); got != 8 {
		t.Fatalf("failed validation changed cell size to %d", got)
	}

	if _, err := c.Allocator.ValidateRegion(Cell{2, 0}, 1, 1, 4); err != nil {
		t.Fatalf("validate fine: %v", err)
	}
	if got := c.Store.CellSize(); got != 4 {
		t.Fatalf("cell size=%d want 4", got)
	}
	img, err := c.Queries.ImageByIndex(idx)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if diff := cmp.Diff([]Cell{{0, 0}, {1, 0}, {0, 1}, {1, 1}}, img.Area); diff != "" {
		t.Fatalf("refined area (-want +got):\n%s", diff)
	}
	if st, _ := c.Ledger.StatsFor("alice"); st.TileCount != 4 {
		t.Fatalf("alice tiles=%d want 4", st.TileCount)
	}
	r, ok := c.Allocator.Reservation(pending.ID)
	if !ok || r.Origin != (Cell{6, 0}) || len(r.Area) != 4 || r.CellSize != 4 {
		t.Fatalf("refined reservation=%+v ok=%v", r, ok)
	}
	if err := c.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestCommit_Errors(t *testing.T) {
	c, _ := newTestComponents(t)
	if _, err := c.Allocator.Commit("nope", Identity{ID: "alice"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown reservation: %v", err)
	}
	r, err := c.Allocator.ValidateRegion(Cell{0, 0}, 1, 1, 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.CellSize != 8 {
		t.Fatalf("default cell size=%d", r.CellSize)
	}
	if _, err := c.Allocator.Commit(r.ID, Identity{ID: "  "}); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("empty owner: %v", err)
	}
	if _, err := c.Allocator.ValidateRegion(Cell{0, 0}, 0, 1, 8); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("zero width: %v", err)
	}
}

func TestCommit_IndicesAreNeverReused(t *testing.T) {
	c, _ := newTestComponents(t)
	first := place(t, c, Cell{0, 0}, 1, 1, 8, "alice")
	if err := c.Remover.RemoveImage(first); err != nil {
		t.Fatalf("remove: %v", err)
	}
	second := place(t, c, Cell{0, 0}, 1, 1, 8, "alice")
	if second != first+1 {
		t.Fatalf("second index=%d want %d", second, first+1)
	}
	place(t, c, Cell{1, 0}, 1, 1, 8, "bob")
	all := c.Ledger.StatsForAll()
	if len(all) != 2 || all[0].ID != "alice" || all[1].ID != "bob" {
		t.Fatalf("stats order=%+v", all)
	}
	if all[0].ImageSharePercent != 50 {
		t.Fatalf("alice image share=%v", all[0].ImageSharePercent)
	}
}

func TestExpireReservations(t *testing.T) {
	c, clk := newTestComponents(t)
	a, err := c.Allocator.ValidateRegion(Cell{0, 0}, 1, 1, 8)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	b, err := c.Allocator.ValidateRegion(Cell{5, 5}, 1, 1, 8)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if n := c.Allocator.ExpireReservations(clk.t.Add(30 * time.Second)); n != 0 {
		t.Fatalf("expired %d before ttl", n)
	}
	if n := c.Allocator.ExpireReservations(clk.t.Add(2 * time.Minute)); n != 2 {
		t.Fatalf("expired %d want 2", n)
	}
	if tot := c.Ledger.Totals(); tot.Reservations != 0 || tot.ReservedCells != 0 {
		t.Fatalf("totals after expiry=%+v", tot)
	}

	// Someone else takes A's cell; A can no longer commit.
	if _, err := c.Allocator.ValidateRegion(Cell{0, 0}, 1, 1, 8); err != nil {
		t.Fatalf("revalidate freed cell: %v", err)
	}
	if _, err := c.Allocator.Commit(a.ID, Identity{ID: "alice"}); !errors.Is(err, ErrOverlap) {
		t.Fatalf("lapsed commit over taken cell: %v", err)
	}
	// B's cell is still free, so the late commit goes through.
	if _, err := c.Allocator.Commit(b.ID, Identity{ID: "bob"}); err != nil {
		t.Fatalf("lapsed commit over free cell: %v", err)
	}
	if err := c.Store.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

type recordingSink struct{ evs []Event }

func (r *recordingSink) RecordEvent(ev Event) { r.evs = append(r.evs, ev) }

func TestEvents_EmittedInOrder(t *testing.T) {
	c, _ := newTestComponents(t)
	sink := &recordingSink{}
	c.Store.AddSink(sink)
	place(t, c, Cell{0, 0}, 1, 1, 8, "alice")
	if err := c.Remover.MarkCell(Cell{3, 3}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	var kinds []EventKind
	for i, ev := range sink.evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq=%d", i, ev.Seq)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventReserve, EventCommit, EventMarkCell}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("kinds (-want +got):\n%s", diff)
	}
	if sink.evs[1].OwnerID != "alice" || sink.evs[1].ImageIndex != 0 {
		t.Fatalf("commit event=%+v", sink.evs[1])
	}
}

func TestCellCoordOf_FloorsNegative(t *testing.T) {
	cases := []struct {
		pos  WorldPos
		want Cell
	}{
		{WorldPos{X: 0, Y: 0}, Cell{0, 0}},
		{WorldPos{X: 79, Y: 80}, Cell{0, 1}},
		{WorldPos{X: -1, Y: -80}, Cell{-1, -1}},
		{WorldPos{X: -81, Y: 160}, Cell{-2, 2}},
	}
	for _, tc := range cases {
		if got := CellCoordOf(tc.pos, 8, 10); got != tc.want {
			t.Fatalf("CellCoordOf(%+v)=%s want %s", tc.pos, got, tc.want)
		}
	}
}
