package quilt

import (
	"fmt"
	"strconv"

	"img2brick.ai/internal/persistence/snapshot"
)

// Remover holds the administrative mutations. Every operation runs under one
// exclusive lock hold, so validators never see a partially removed owner.
type Remover struct {
	s *Store
}

func NewRemover(s *Store) *Remover { return &Remover{s: s} }

// RemoveSingleCell clears an ownerless marker. Cells that belong to an image
// cannot be detached on their own.
func (r *Remover) RemoveSingleCell(c Cell) error {
	s := r.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	occ, ok := s.grid[c]
	if !ok {
		return &NotFoundError{What: "cell", Key: c.String()}
	}
	if occ.Kind == ImageRef {
		return &AmbiguousRemovalError{Cell: c, Image: occ.Image}
	}
	delete(s.grid, c)
	s.markDirty()
	ev := s.newEvent(EventRemoveCell, s.cellSize)
	ev.Cells = []Cell{c}
	s.publishLocked(ev)
	return nil
}

func (r *Remover) RemoveImage(index int) error {
	s := r.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.imagePosLocked(index)
	if !ok {
		return &NotFoundError{What: "image", Key: strconv.Itoa(index)}
	}
	img := s.images[pos]
	s.removeImageAtLocked(pos)
	s.markDirty()
	ev := s.newEvent(EventRemoveImage, s.cellSize)
	ev.ImageIndex = img.Index
	ev.OwnerIndex = img.OwnerIndex
	if o, ok := s.ownerLocked(img.OwnerIndex); ok {
		ev.OwnerID, ev.OwnerName = o.ID, o.Name
	}
	ev.Cells = img.Area
	s.publishLocked(ev)
	return nil
}

// RemoveAllByOwner removes every image of the owner and returns how many
// there were. The owner record stays, with zeroed counters.
func (r *Remover) RemoveAllByOwner(ownerIndex int) (int, error) {
	s := r.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ownerLocked(ownerIndex)
	if !ok {
		return 0, &NotFoundError{What: "owner", Key: strconv.Itoa(ownerIndex)}
	}
	var cells []Cell
	kept := s.images[:0]
	removed := 0
	for _, img := range s.images {
		if img.OwnerIndex != ownerIndex {
			kept = append(kept, img)
			continue
		}
		for _, c := range img.Area {
			if occ := s.grid[c]; occ.Kind == ImageRef && occ.Image == img.Index {
				delete(s.grid, c)
			}
		}
		cells = append(cells, img.Area...)
		removed++
	}
	clear(s.images[len(kept):])
	s.images = kept
	o.ImageCount = 0
	o.TileCount = 0
	s.markDirty()
	ev := s.newEvent(EventRemoveOwner, s.cellSize)
	ev.OwnerIndex = ownerIndex
	ev.OwnerID, ev.OwnerName = o.ID, o.Name
	sortCells(cells)
	ev.Cells = cells
	s.publishLocked(ev)
	return removed, nil
}

func (s *Store) removeImageAtLocked(pos int) {
	img := s.images[pos]
	for _, c := range img.Area {
		if occ := s.grid[c]; occ.Kind == ImageRef && occ.Image == img.Index {
			delete(s.grid, c)
		}
	}
	if o, ok := s.ownerLocked(img.OwnerIndex); ok {
		o.ImageCount--
		o.TileCount -= len(img.Area)
	}
	s.images = append(s.images[:pos], s.images[pos+1:]...)
}

// MarkCell places an ownerless marker, the manual single-cell placement used
// by operators to block off a cell.
func (r *Remover) MarkCell(c Cell) error {
	s := r.s
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cellSize == 0 {
		return ErrUninitialized
	}
	if occ, ok := s.grid[c]; ok && occ.Kind != Unoccupied {
		return &OverlapError{Cell: c}
	}
	if _, ok := s.reserved[c]; ok {
		return &OverlapError{Cell: c, Reserved: true}
	}
	s.grid[c] = Occupant{Kind: OwnerlessMarker}
	s.markDirty()
	ev := s.newEvent(EventMarkCell, s.cellSize)
	ev.Cells = []Cell{c}
	s.publishLocked(ev)
	return nil
}

// ResetAll discards owners, images, the grid and pending reservations, and
// starts over with cellSize (0 leaves the grid uninitialized until the next
// placement). Callers must Flush afterwards.
func (r *Remover) ResetAll(cellSize int) error {
	return r.ResetAllWith(cellSize, nil)
}

// ResetAllWith is ResetAll with a hook that receives the state being
// discarded. The hook runs in the same exclusive lock hold as the reset, so
// no mutation can land between the two; when it fails nothing is reset.
func (r *Remover) ResetAllWith(cellSize int, before func(prev snapshot.StateV1) error) error {
	s := r.s
	if cellSize < 0 {
		return fmt.Errorf("%w: cell size %d", ErrInvalidRegion, cellSize)
	}
	if cellSize > 0 && cellSize < s.cfg.MinCellSize {
		cellSize = s.cfg.MinCellSize
	}
	defer s.deliver()
	s.mu.Lock()
	defer s.mu.Unlock()

	if before != nil {
		if err := before(s.exportLocked()); err != nil {
			return err
		}
	}
	s.resetLocked(cellSize)
	s.markDirty()
	s.publishLocked(s.newEvent(EventReset, cellSize))
	s.log.Printf("grid reset, cell size %d", cellSize)
	return nil
}
