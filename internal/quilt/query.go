package quilt

import "strconv"

// Queries are read-only lookups for status reporting and preview rendering.
type Queries struct {
	s *Store
}

func NewQueries(s *Store) *Queries { return &Queries{s: s} }

// Occupancy is what occupies a cell. Image and Owner are set only for
// ImageRef.
type Occupancy struct {
	Kind     OccupantKind `json:"kind"`
	Reserved bool         `json:"reserved,omitempty"`
	Image    *Image       `json:"image,omitempty"`
	Owner    *Owner       `json:"owner,omitempty"`
}

// CellOccupant pairs a cell with its occupant for region listings.
type CellOccupant struct {
	Cell  Cell   `json:"cell"`
	Kind  string `json:"kind"`
	Image int    `json:"image"`
	Owner int    `json:"owner"`
}

func (q *Queries) OccupantAt(c Cell) Occupancy {
	s := q.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, reserved := s.reserved[c]
	occ, ok := s.grid[c]
	if !ok {
		return Occupancy{Kind: Unoccupied, Reserved: reserved}
	}
	out := Occupancy{Kind: occ.Kind}
	if occ.Kind != ImageRef {
		return out
	}
	if pos, ok := s.imagePosLocked(occ.Image); ok {
		img := s.images[pos].clone()
		out.Image = &img
		if o, ok := s.ownerLocked(img.OwnerIndex); ok {
			oc := *o
			out.Owner = &oc
		}
	}
	return out
}

// ImagesOwnedBy lists the live images of an owner, oldest first.
func (q *Queries) ImagesOwnedBy(ownerIndex int) ([]Image, error) {
	s := q.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ownerLocked(ownerIndex); !ok {
		return nil, &NotFoundError{What: "owner", Key: strconv.Itoa(ownerIndex)}
	}
	var out []Image
	for _, img := range s.images {
		if img.OwnerIndex == ownerIndex {
			out = append(out, img.clone())
		}
	}
	return out, nil
}

// OwnerIndexOf resolves an external owner id.
func (q *Queries) OwnerIndexOf(ownerID string) (int, bool) {
	s := q.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.ownerByID[ownerID]
	return idx, ok
}

// BrokenCells returns every ownerless marker cell, row-major.
func (q *Queries) BrokenCells() []Cell {
	s := q.s
	s.mu.RLock()
	out := make([]Cell, 0)
	for c, occ := range s.grid {
		if occ.Kind == OwnerlessMarker {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sortCells(out)
	return out
}

func (q *Queries) ImageByIndex(index int) (Image, error) {
	s := q.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.imagePosLocked(index)
	if !ok {
		return Image{}, &NotFoundError{What: "image", Key: strconv.Itoa(index)}
	}
	return s.images[pos].clone(), nil
}

// Region lists the non-empty cells inside the inclusive rectangle min..max,
// row-major. Reserved cells are reported with kind RESERVED.
func (q *Queries) Region(min, max Cell) []CellOccupant {
	if max.X < min.X {
		min.X, max.X = max.X, min.X
	}
	if max.Y < min.Y {
		min.Y, max.Y = max.Y, min.Y
	}
	s := q.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CellOccupant
	for y := min.Y; y <= max.Y; y++ {
		for x := min.X; x <= max.X; x++ {
			c := Cell{X: x, Y: y}
			if occ, ok := s.grid[c]; ok {
				e := CellOccupant{Cell: c, Kind: occ.Kind.String(), Image: -1, Owner: -1}
				if occ.Kind == ImageRef {
					e.Image = occ.Image
					if pos, ok := s.imagePosLocked(occ.Image); ok {
						e.Owner = s.images[pos].OwnerIndex
					}
				}
				out = append(out, e)
				continue
			}
			if _, ok := s.reserved[c]; ok {
				out = append(out, CellOccupant{Cell: c, Kind: "RESERVED", Image: -1, Owner: -1})
			}
		}
	}
	return out
}
