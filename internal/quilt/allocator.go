package quilt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Allocator validates placements against the grid and turns them into
// committed images. Validation reserves the area so that two submissions
// converting at the same time cannot both be granted overlapping cells.
type Allocator struct {
	s *Store
}

func NewAllocator(s *Store) *Allocator { return &Allocator{s: s} }

// Placement is a submission as seen by the game side: where the submitter
// stands and how large the image is in pixels.
type Placement struct {
	Pos         WorldPos
	PixelWidth  int
	PixelHeight int
	// CellSize is the requested cell size; 0 uses the grid's current size (or
	// the configured default for an uninitialized grid).
	CellSize int
}

// ValidateRegion checks a widthCells x heightCells rectangle at origin and
// reserves it. cellSize is the requested cell size: it initializes an empty
// grid, and on an initialized grid it must divide the current size. A proper
// divisor refines the whole grid to the smaller size first.
func (a *Allocator) ValidateRegion(origin Cell, widthCells, heightCells, cellSize int) (Reservation, error) {
	s := a.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := a.reserveLocked(origin, widthCells, heightCells, cellSize)
	if err != nil {
		return Reservation{}, err
	}
	r.Offset = CellCorner(r.Origin, r.CellSize, s.cfg.UnitsPerPixel)
	s.reservations[r.ID].Offset = r.Offset
	return r, nil
}

// ReservePlacement applies the dimension precondition, centres the image on
// the submitter, snaps it to the grid and reserves the covered cells, all
// under one lock hold so the cell size cannot change in between.
func (a *Allocator) ReservePlacement(p Placement) (Reservation, error) {
	s := a.s
	if p.PixelWidth <= 0 || p.PixelHeight <= 0 {
		return Reservation{}, fmt.Errorf("%w: image %dx%d", ErrInvalidRegion, p.PixelWidth, p.PixelHeight)
	}
	if lim := s.cfg.MaxImageSize; p.PixelWidth > lim || p.PixelHeight > lim {
		return Reservation{}, fmt.Errorf("%w: image %dx%d exceeds %d pixels", ErrInvalidRegion, p.PixelWidth, p.PixelHeight, lim)
	}
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	size, _, err := a.resolveLocked(p.CellSize)
	if err != nil {
		return Reservation{}, err
	}
	if p.PixelWidth%size != 0 || p.PixelHeight%size != 0 {
		return Reservation{}, &DimensionMismatchError{Width: p.PixelWidth, Height: p.PixelHeight, CellSize: size}
	}
	upp := s.cfg.UnitsPerPixel
	corner := FootprintCorner(p.Pos, p.PixelWidth, p.PixelHeight, upp)
	origin := CellCoordOf(corner, size, upp)
	r, err := a.reserveLocked(origin, p.PixelWidth/size, p.PixelHeight/size, size)
	if err != nil {
		return Reservation{}, err
	}
	off := CellCorner(r.Origin, r.CellSize, upp)
	off.Z = p.Pos.Z
	r.Offset = off
	s.reservations[r.ID].Offset = off
	return r, nil
}

// resolveLocked returns the cell size a request will use and the factor by
// which the current grid must be refined to reach it (1 = no change).
func (a *Allocator) resolveLocked(requested int) (size, factor int, err error) {
	s := a.s
	if requested <= 0 {
		if s.cellSize > 0 {
			return s.cellSize, 1, nil
		}
		requested = s.cfg.DefaultCellSize
	}
	if requested < s.cfg.MinCellSize {
		requested = s.cfg.MinCellSize
	}
	if s.cellSize == 0 {
		return requested, 1, nil
	}
	if s.cellSize%requested != 0 {
		return 0, 0, &SizeMismatchError{Existing: s.cellSize, Requested: requested}
	}
	k := s.cellSize / requested
	if k > 1 && !s.refinableLocked(k) {
		return 0, 0, &SizeMismatchError{Existing: s.cellSize, Requested: requested, Limit: s.cfg.MaxGridCells}
	}
	return requested, k, nil
}

// refinableLocked reports whether splitting every tracked cell into k x k
// stays within MaxGridCells.
func (s *Store) refinableLocked(k int) bool {
	limit := s.cfg.MaxGridCells
	if k > limit {
		return false
	}
	cells := len(s.grid)
	for _, r := range s.reservations {
		cells += len(r.Area)
	}
	return cells <= limit/(k*k)
}

// blockedLocked tests a cell given in the units of a grid refined by k,
// without refining anything.
func (a *Allocator) blockedLocked(c Cell, k int) error {
	s := a.s
	coarse := c
	if k > 1 {
		coarse = Cell{X: floorDiv(c.X, k), Y: floorDiv(c.Y, k)}
	}
	if occ, ok := s.grid[coarse]; ok && occ.Kind != Unoccupied {
		return &OverlapError{Cell: c}
	}
	if _, ok := s.reserved[coarse]; ok {
		return &OverlapError{Cell: c, Reserved: true}
	}
	return nil
}

func (a *Allocator) reserveLocked(origin Cell, width, height, requested int) (Reservation, error) {
	s := a.s
	if width <= 0 || height <= 0 {
		return Reservation{}, fmt.Errorf("%w: %dx%d cells", ErrInvalidRegion, width, height)
	}
	if width > s.cfg.MaxRegionCells/height {
		return Reservation{}, fmt.Errorf("%w: %dx%d cells exceeds %d", ErrInvalidRegion, width, height, s.cfg.MaxRegionCells)
	}
	size, k, err := a.resolveLocked(requested)
	if err != nil {
		return Reservation{}, err
	}
	area := rectCells(origin, width, height)
	for _, c := range area {
		if err := a.blockedLocked(c, k); err != nil {
			return Reservation{}, err
		}
	}

	switch {
	case s.cellSize == 0:
		s.cellSize = size
		s.markDirty()
	case k > 1:
		from := s.cellSize
		s.refineLocked(k)
		s.markDirty()
		s.publishLocked(s.newEvent(EventRefine, s.cellSize))
		s.log.Printf("grid refined from cell size %d to %d", from, s.cellSize)
	}

	now := s.cfg.Now()
	r := &Reservation{
		ID:       uuid.NewString(),
		Origin:   origin,
		Width:    width,
		Height:   height,
		CellSize: s.cellSize,
		Area:     area,
		Created:  now,
		Expires:  now.Add(s.cfg.ReservationTTL),
	}
	for _, c := range area {
		s.reserved[c] = r.ID
	}
	s.reservations[r.ID] = r

	ev := s.newEvent(EventReserve, s.cellSize)
	ev.ReservationID = r.ID
	ev.Cells = append([]Cell(nil), area...)
	s.publishLocked(ev)
	return r.clone(), nil
}

// refineLocked splits every cell of the grid into k x k cells. Images,
// markers and reservations keep covering the same world area; owner tile
// counts scale by k*k.
func (s *Store) refineLocked(k int) {
	grid := make(map[Cell]Occupant, len(s.grid)*k*k)
	for c, occ := range s.grid {
		for _, sub := range refineCells([]Cell{c}, k) {
			grid[sub] = occ
		}
	}
	s.grid = grid

	for i := range s.images {
		s.images[i].Area = refineCells(s.images[i].Area, k)
	}
	for i := range s.owners {
		s.owners[i].TileCount *= k * k
	}

	reserved := make(map[Cell]string, len(s.reserved)*k*k)
	for c, id := range s.reserved {
		for _, sub := range refineCells([]Cell{c}, k) {
			reserved[sub] = id
		}
	}
	s.reserved = reserved
	s.cellSize /= k
	for _, r := range s.reservations {
		r.Area = refineCells(r.Area, k)
		r.Origin = Cell{X: r.Origin.X * k, Y: r.Origin.Y * k}
		r.Width *= k
		r.Height *= k
		r.CellSize = s.cellSize
	}
}

// Commit turns a reservation into a committed image owned by owner and
// returns the new image index. The area is re-checked: a lapsed reservation
// whose cells were taken in the meantime fails with *OverlapError and is
// dropped.
func (a *Allocator) Commit(reservationID string, owner Identity) (int, error) {
	owner.ID = strings.TrimSpace(owner.ID)
	if owner.ID == "" {
		return 0, fmt.Errorf("%w: empty owner id", ErrInvalidOwner)
	}
	s := a.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return 0, &NotFoundError{What: "reservation", Key: reservationID}
	}
	for _, c := range r.Area {
		var conflict error
		if occ, ok := s.grid[c]; ok && occ.Kind != Unoccupied {
			conflict = &OverlapError{Cell: c}
		} else if holder, ok := s.reserved[c]; ok && holder != r.ID {
			conflict = &OverlapError{Cell: c, Reserved: true}
		}
		if conflict != nil {
			s.publishLocked(s.releaseLocked(r, EventRelease))
			return 0, conflict
		}
	}

	now := s.cfg.Now()
	ownerIdx, known := s.ownerByID[owner.ID]
	if !known {
		ownerIdx = s.ownerCounter
		s.ownerCounter++
		s.owners = append(s.owners, Owner{Index: ownerIdx, ID: owner.ID, Name: owner.Name})
		s.ownerByID[owner.ID] = ownerIdx
	}
	imgIdx := s.imageCounter
	s.imageCounter++
	img := Image{
		Index:       imgIdx,
		OwnerIndex:  ownerIdx,
		Area:        append([]Cell(nil), r.Area...),
		CommittedAt: now,
	}
	// imageCounter only grows, so appending keeps images ordered by Index.
	s.images = append(s.images, img)
	for _, c := range img.Area {
		s.grid[c] = Occupant{Kind: ImageRef, Image: imgIdx}
		if s.reserved[c] == r.ID {
			delete(s.reserved, c)
		}
	}
	delete(s.reservations, r.ID)

	o := &s.owners[ownerIdx]
	o.ImageCount++
	o.TileCount += len(img.Area)
	if owner.Name != "" {
		o.Name = owner.Name
	}
	s.markDirty()

	ev := s.newEvent(EventCommit, s.cellSize)
	ev.ImageIndex = imgIdx
	ev.OwnerIndex = ownerIdx
	ev.OwnerID = o.ID
	ev.OwnerName = o.Name
	ev.ReservationID = r.ID
	ev.Cells = append([]Cell(nil), img.Area...)
	s.publishLocked(ev)
	return imgIdx, nil
}

// Release abandons a reservation (failed or cancelled conversion). It reports
// whether the reservation existed.
func (a *Allocator) Release(reservationID string) bool {
	s := a.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return false
	}
	s.publishLocked(s.releaseLocked(r, EventRelease))
	return true
}

func (s *Store) releaseLocked(r *Reservation, kind EventKind) Event {
	for _, c := range r.Area {
		if s.reserved[c] == r.ID {
			delete(s.reserved, c)
		}
	}
	delete(s.reservations, r.ID)
	ev := s.newEvent(kind, s.cellSize)
	ev.ReservationID = r.ID
	ev.Cells = append([]Cell(nil), r.Area...)
	return ev
}

// ExpireReservations returns the cells of reservations older than their TTL
// to the pool and reports how many lapsed. Lapsed reservations stay
// committable for one more TTL if their cells remain free.
func (a *Allocator) ExpireReservations(now time.Time) int {
	s := a.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reservations {
		switch {
		case !r.lapsed && now.After(r.Expires):
			for _, c := range r.Area {
				if s.reserved[c] == id {
					delete(s.reserved, c)
				}
			}
			r.lapsed = true
			n++
			ev := s.newEvent(EventExpire, s.cellSize)
			ev.ReservationID = id
			ev.Cells = append([]Cell(nil), r.Area...)
			s.publishLocked(ev)
		case r.lapsed && now.After(r.Expires.Add(s.cfg.ReservationTTL)):
			delete(s.reservations, id)
		}
	}
	return n
}

// Reservation looks up a pending reservation.
func (a *Allocator) Reservation(id string) (Reservation, bool) {
	s := a.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return r.clone(), true
}

// PlacementOffset is the brick-load offset used when grid mode is off: the
// image is centred on the submitter and snapped to whole pixels, and nothing
// is tracked.
func (a *Allocator) PlacementOffset(p Placement) WorldPos {
	return FootprintCorner(p.Pos, p.PixelWidth, p.PixelHeight, a.s.cfg.UnitsPerPixel)
}
