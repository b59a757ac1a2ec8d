package quilt

// Ledger is the per-owner usage view derived from the owner and image
// records. Nothing here is stored separately.
type Ledger struct {
	s *Store
}

func NewLedger(s *Store) *Ledger { return &Ledger{s: s} }

type OwnerStats struct {
	Index             int     `json:"index"`
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ImageCount        int     `json:"image_count"`
	TileCount         int     `json:"tile_count"`
	ImageSharePercent float64 `json:"image_share_percent"`
	TileSharePercent  float64 `json:"tile_share_percent"`
}

type Totals struct {
	CellSize      int `json:"cell_size"`
	Owners        int `json:"owners"`
	Images        int `json:"images"`
	ImageCells    int `json:"image_cells"`
	MarkerCells   int `json:"marker_cells"`
	Reservations  int `json:"reservations"`
	ReservedCells int `json:"reserved_cells"`
}

// StatsFor reports the usage of the owner with the given external id. The
// second result is false if the id never committed an image.
func (l *Ledger) StatsFor(ownerID string) (OwnerStats, bool) {
	s := l.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.ownerByID[ownerID]
	if !ok {
		return OwnerStats{}, false
	}
	images, tiles := s.totalsLocked()
	return statsOf(s.owners[idx], images, tiles), true
}

// StatsForAll returns one entry per registered owner in registration order.
func (l *Ledger) StatsForAll() []OwnerStats {
	s := l.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	images, tiles := s.totalsLocked()
	out := make([]OwnerStats, 0, len(s.owners))
	for _, o := range s.owners {
		out = append(out, statsOf(o, images, tiles))
	}
	return out
}

func (l *Ledger) Totals() Totals {
	s := l.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := Totals{
		CellSize:      s.cellSize,
		Owners:        len(s.owners),
		Images:        len(s.images),
		ReservedCells: len(s.reserved),
	}
	for _, occ := range s.grid {
		switch occ.Kind {
		case ImageRef:
			t.ImageCells++
		case OwnerlessMarker:
			t.MarkerCells++
		}
	}
	for _, r := range s.reservations {
		if !r.lapsed {
			t.Reservations++
		}
	}
	return t
}

// totalsLocked sums the owner counters, which equal the number of live
// images and image-occupied cells.
func (s *Store) totalsLocked() (images, tiles int) {
	for _, o := range s.owners {
		images += o.ImageCount
		tiles += o.TileCount
	}
	return images, tiles
}

func statsOf(o Owner, totalImages, totalTiles int) OwnerStats {
	st := OwnerStats{
		Index:      o.Index,
		ID:         o.ID,
		Name:       o.Name,
		ImageCount: o.ImageCount,
		TileCount:  o.TileCount,
	}
	if totalImages > 0 {
		st.ImageSharePercent = 100 * float64(o.ImageCount) / float64(totalImages)
	}
	if totalTiles > 0 {
		st.TileSharePercent = 100 * float64(o.TileCount) / float64(totalTiles)
	}
	return st
}
