package quilt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"img2brick.ai/internal/persistence/snapshot"
)

const stateVersion = snapshot.Version

type Config struct {
	// SnapshotPath is where the grid is persisted. Empty keeps the store in memory only.
	SnapshotPath string

	DefaultCellSize int
	MinCellSize     int
	UnitsPerPixel   int

	// MaxImageSize bounds each side of a placement in pixels.
	MaxImageSize int
	// MaxRegionCells bounds the cells of one reservation.
	MaxRegionCells int
	// MaxGridCells bounds the cells a refinement may produce; requests that
	// would exceed it fail with *SizeMismatchError.
	MaxGridCells int

	ReservationTTL  time.Duration
	PersistDebounce time.Duration

	Logger *log.Logger
	Now    func() time.Time

	// SaveFunc overrides snapshot.WriteState (tests).
	SaveFunc func(path string, st snapshot.StateV1) error
}

func (c *Config) normalize() {
	if c.MinCellSize <= 0 {
		c.MinCellSize = 1
	}
	if c.DefaultCellSize < c.MinCellSize {
		c.DefaultCellSize = c.MinCellSize
	}
	if c.UnitsPerPixel <= 0 {
		c.UnitsPerPixel = 10
	}
	if c.MaxImageSize <= 0 {
		c.MaxImageSize = 4096
	}
	if c.MaxRegionCells <= 0 {
		c.MaxRegionCells = 1 << 16
	}
	if c.MaxGridCells <= 0 {
		c.MaxGridCells = 1 << 22
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.SaveFunc == nil {
		c.SaveFunc = snapshot.WriteState
	}
}

// Store owns the single authoritative copy of the grid state. Components
// (Allocator, Ledger, Queries, Remover) operate on it through its lock.
type Store struct {
	cfg Config
	log *log.Logger

	mu           sync.RWMutex
	version      int
	cellSize     int
	owners       []Owner
	ownerByID    map[string]int
	images       []Image
	imageCounter int
	ownerCounter int
	grid         map[Cell]Occupant

	reserved     map[Cell]string
	reservations map[string]*Reservation

	// eventSeq is guarded by mu; outbox by outMu. deliverMu serializes
	// delivery so sinks see events in sequence order.
	eventSeq  uint64
	outMu     sync.Mutex
	outbox    []Event
	deliverMu sync.Mutex
	sinkMu    sync.RWMutex
	sinks     []EventSink

	sched *Scheduler
}

// New returns an empty in-memory store without a persistence worker.
func New(cfg Config) *Store {
	cfg.normalize()
	s := &Store{cfg: cfg, log: cfg.Logger}
	s.resetLocked(0)
	return s
}

// Open loads the snapshot at cfg.SnapshotPath (a fresh state if none exists)
// and starts the persistence worker. A snapshot that cannot be decoded or
// violates the grid invariants yields a *snapshot.CorruptStateError and the
// file is left in place.
func Open(cfg Config) (*Store, error) {
	s := New(cfg)
	if s.cfg.SnapshotPath == "" {
		return s, nil
	}
	st, err := snapshot.ReadState(s.cfg.SnapshotPath)
	switch {
	case err == nil:
		rep, err := s.Import(st)
		if err != nil {
			return nil, &snapshot.CorruptStateError{Path: s.cfg.SnapshotPath, Err: err}
		}
		if rep.DanglingCells > 0 {
			s.log.Printf("loaded %s: %d grid cells referenced missing images and were kept as ownerless markers", s.cfg.SnapshotPath, rep.DanglingCells)
		}
		s.log.Printf("loaded %s: cell_size=%d owners=%d images=%d cells=%d", s.cfg.SnapshotPath, st.CellSize, len(st.Owners), len(st.Images), len(st.Grid))
	case errors.Is(err, os.ErrNotExist):
		s.log.Printf("no snapshot at %s; starting with an empty grid", s.cfg.SnapshotPath)
	default:
		return nil, err
	}
	s.sched = newScheduler(s, s.cfg.SnapshotPath, s.cfg.PersistDebounce, s.cfg.SaveFunc, s.log)
	s.sched.start()
	return s, nil
}

// Close stops the persistence worker after a final save. The returned error
// means the latest mutations were not persisted.
func (s *Store) Close() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Close()
}

func (s *Store) Scheduler() *Scheduler { return s.sched }

// Flush forces an immediate save. In-memory stores have nothing to flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Flush(ctx)
}

// Components bundles the views over one store.
type Components struct {
	Store     *Store
	Allocator *Allocator
	Ledger    *Ledger
	Queries   *Queries
	Remover   *Remover
}

func (s *Store) Components() Components {
	return Components{
		Store:     s,
		Allocator: NewAllocator(s),
		Ledger:    NewLedger(s),
		Queries:   NewQueries(s),
		Remover:   NewRemover(s),
	}
}

func (s *Store) markDirty() {
	if s.sched != nil {
		s.sched.MarkDirty()
	}
}

func (s *Store) resetLocked(cellSize int) {
	s.version = stateVersion
	s.cellSize = cellSize
	s.owners = nil
	s.ownerByID = map[string]int{}
	s.images = nil
	s.imageCounter = 0
	s.ownerCounter = 0
	s.grid = map[Cell]Occupant{}
	s.reserved = map[Cell]string{}
	s.reservations = map[string]*Reservation{}
}

func (s *Store) CellSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cellSize
}

// imagePosLocked finds an image by its stable index (images are kept ordered
// by Index, removed entries leave gaps).
func (s *Store) imagePosLocked(index int) (int, bool) {
	i := sort.Search(len(s.images), func(i int) bool { return s.images[i].Index >= index })
	if i < len(s.images) && s.images[i].Index == index {
		return i, true
	}
	return 0, false
}

func (s *Store) ownerLocked(index int) (*Owner, bool) {
	if index < 0 || index >= len(s.owners) {
		return nil, false
	}
	return &s.owners[index], true
}

// Export copies the durable part of the state into a snapshot value. Only a
// read lock is held; the result shares nothing with the store.
func (s *Store) Export() snapshot.StateV1 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exportLocked()
}

func (s *Store) exportLocked() snapshot.StateV1 {
	st := snapshot.StateV1{
		Version:      s.version,
		CellSize:     s.cellSize,
		Owners:       make([]snapshot.OwnerV1, 0, len(s.owners)),
		Images:       make([]snapshot.ImageV1, 0, len(s.images)),
		ImageCounter: s.imageCounter,
		OwnerCounter: s.ownerCounter,
		Grid:         make([]snapshot.GridEntryV1, 0, len(s.grid)),
	}
	for _, o := range s.owners {
		st.Owners = append(st.Owners, snapshot.OwnerV1{
			Index:      o.Index,
			ID:         o.ID,
			Name:       o.Name,
			TileCount:  o.TileCount,
			ImageCount: o.ImageCount,
		})
	}
	for _, img := range s.images {
		iv := snapshot.ImageV1{
			Index:      img.Index,
			OwnerIndex: img.OwnerIndex,
			Area:       make([][2]int, 0, len(img.Area)),
		}
		if !img.CommittedAt.IsZero() {
			iv.CommittedAt = img.CommittedAt.UTC().Format(time.RFC3339Nano)
		}
		for _, c := range img.Area {
			iv.Area = append(iv.Area, [2]int{c.X, c.Y})
		}
		st.Images = append(st.Images, iv)
	}
	for c, occ := range s.grid {
		e := snapshot.GridEntryV1{X: c.X, Y: c.Y}
		switch occ.Kind {
		case ImageRef:
			e.Kind = snapshot.KindImage
			e.Image = occ.Image
		case OwnerlessMarker:
			e.Kind = snapshot.KindMarker
		default:
			continue
		}
		st.Grid = append(st.Grid, e)
	}
	sort.Slice(st.Grid, func(i, j int) bool {
		if st.Grid[i].Y != st.Grid[j].Y {
			return st.Grid[i].Y < st.Grid[j].Y
		}
		return st.Grid[i].X < st.Grid[j].X
	})
	st.Header = snapshot.Header{
		Version:  st.Version,
		SavedAt:  s.cfg.Now().UTC().Format(time.RFC3339Nano),
		CellSize: st.CellSize,
		Owners:   len(st.Owners),
		Images:   len(st.Images),
		Cells:    len(st.Grid),
	}
	return st
}

type ImportReport struct {
	// DanglingCells counts image-valued grid entries whose image no longer
	// exists; they are kept as ownerless markers so an operator can inspect
	// and clear them.
	DanglingCells int
}

// Import replaces the in-memory state with st after validating it. Pending
// reservations are dropped.
func (s *Store) Import(st snapshot.StateV1) (ImportReport, error) {
	var rep ImportReport
	if st.Version != stateVersion {
		return rep, fmt.Errorf("%w: version %d", ErrInvalidState, st.Version)
	}
	if st.CellSize < 0 {
		return rep, fmt.Errorf("%w: cell size %d", ErrInvalidState, st.CellSize)
	}
	if st.CellSize == 0 && (len(st.Grid) > 0 || len(st.Images) > 0) {
		return rep, fmt.Errorf("%w: uninitialized grid with %d cells", ErrInvalidState, len(st.Grid))
	}

	owners := make([]Owner, 0, len(st.Owners))
	ownerByID := make(map[string]int, len(st.Owners))
	for i, o := range st.Owners {
		if o.Index != i {
			return rep, fmt.Errorf("%w: owner at position %d has index %d", ErrInvalidState, i, o.Index)
		}
		if _, dup := ownerByID[o.ID]; dup {
			return rep, fmt.Errorf("%w: duplicate owner id %q", ErrInvalidState, o.ID)
		}
		ownerByID[o.ID] = i
		owners = append(owners, Owner{Index: o.Index, ID: o.ID, Name: o.Name, TileCount: o.TileCount, ImageCount: o.ImageCount})
	}
	if st.OwnerCounter != len(owners) {
		return rep, fmt.Errorf("%w: owner counter %d but %d owners", ErrInvalidState, st.OwnerCounter, len(owners))
	}

	images := make([]Image, 0, len(st.Images))
	byIndex := make(map[int]int, len(st.Images))
	prev := -1
	for _, iv := range st.Images {
		if iv.Index <= prev || iv.Index >= st.ImageCounter {
			return rep, fmt.Errorf("%w: image index %d out of order or beyond counter %d", ErrInvalidState, iv.Index, st.ImageCounter)
		}
		prev = iv.Index
		if iv.OwnerIndex < 0 || iv.OwnerIndex >= len(owners) {
			return rep, fmt.Errorf("%w: image %d has unknown owner %d", ErrInvalidState, iv.Index, iv.OwnerIndex)
		}
		img := Image{Index: iv.Index, OwnerIndex: iv.OwnerIndex, Area: make([]Cell, 0, len(iv.Area))}
		if iv.CommittedAt != "" {
			t, err := time.Parse(time.RFC3339Nano, iv.CommittedAt)
			if err != nil {
				return rep, fmt.Errorf("%w: image %d committed_at: %v", ErrInvalidState, iv.Index, err)
			}
			img.CommittedAt = t
		}
		seen := make(map[Cell]struct{}, len(iv.Area))
		for _, p := range iv.Area {
			c := Cell{X: p[0], Y: p[1]}
			if _, dup := seen[c]; dup {
				return rep, fmt.Errorf("%w: image %d repeats cell %s", ErrInvalidState, iv.Index, c)
			}
			seen[c] = struct{}{}
			img.Area = append(img.Area, c)
		}
		byIndex[img.Index] = len(images)
		images = append(images, img)
	}

	grid := make(map[Cell]Occupant, len(st.Grid))
	for _, e := range st.Grid {
		c := Cell{X: e.X, Y: e.Y}
		if _, dup := grid[c]; dup {
			return rep, fmt.Errorf("%w: duplicate grid entry %s", ErrInvalidState, c)
		}
		switch e.Kind {
		case snapshot.KindMarker:
			grid[c] = Occupant{Kind: OwnerlessMarker}
		case snapshot.KindImage:
			if _, ok := byIndex[e.Image]; !ok {
				grid[c] = Occupant{Kind: OwnerlessMarker}
				rep.DanglingCells++
				continue
			}
			grid[c] = Occupant{Kind: ImageRef, Image: e.Image}
		default:
			return rep, fmt.Errorf("%w: grid entry %s has kind %q", ErrInvalidState, c, e.Kind)
		}
	}

	staged := &Store{
		version:      st.Version,
		cellSize:     st.CellSize,
		owners:       owners,
		ownerByID:    ownerByID,
		images:       images,
		imageCounter: st.ImageCounter,
		ownerCounter: st.OwnerCounter,
		grid:         grid,
	}
	if err := staged.checkInvariantsLocked(); err != nil {
		return rep, err
	}

	s.mu.Lock()
	s.version = staged.version
	s.cellSize = staged.cellSize
	s.owners = staged.owners
	s.ownerByID = staged.ownerByID
	s.images = staged.images
	s.imageCounter = staged.imageCounter
	s.ownerCounter = staged.ownerCounter
	s.grid = staged.grid
	s.reserved = map[Cell]string{}
	s.reservations = map[string]*Reservation{}
	s.mu.Unlock()
	return rep, nil
}

// CheckInvariants verifies grid/area consistency, non-overlap and owner counters.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkInvariantsLocked()
}

func (s *Store) checkInvariantsLocked() error {
	tiles := make([]int, len(s.owners))
	counts := make([]int, len(s.owners))
	claimed := make(map[Cell]int, len(s.grid))
	for _, img := range s.images {
		if img.OwnerIndex < 0 || img.OwnerIndex >= len(s.owners) {
			return fmt.Errorf("%w: image %d has unknown owner %d", ErrInvalidState, img.Index, img.OwnerIndex)
		}
		for _, c := range img.Area {
			if other, dup := claimed[c]; dup {
				return fmt.Errorf("%w: images %d and %d overlap at %s", ErrInvalidState, other, img.Index, c)
			}
			claimed[c] = img.Index
			occ := s.grid[c]
			if occ.Kind != ImageRef || occ.Image != img.Index {
				return fmt.Errorf("%w: cell %s of image %d maps to %v", ErrInvalidState, c, img.Index, occ)
			}
		}
		tiles[img.OwnerIndex] += len(img.Area)
		counts[img.OwnerIndex]++
	}
	for c, occ := range s.grid {
		if occ.Kind != ImageRef {
			continue
		}
		if idx, ok := claimed[c]; !ok || idx != occ.Image {
			return fmt.Errorf("%w: grid cell %s references image %d which does not cover it", ErrInvalidState, c, occ.Image)
		}
	}
	for i, o := range s.owners {
		if o.TileCount != tiles[i] || o.ImageCount != counts[i] {
			return fmt.Errorf("%w: owner %d counters tiles=%d images=%d, want tiles=%d images=%d",
				ErrInvalidState, i, o.TileCount, o.ImageCount, tiles[i], counts[i])
		}
	}
	return nil
}

type Metrics struct {
	CellSize      int    `json:"cell_size"`
	Owners        int    `json:"owners"`
	Images        int    `json:"images"`
	ImageCells    int    `json:"image_cells"`
	MarkerCells   int    `json:"marker_cells"`
	ReservedCells int    `json:"reserved_cells"`
	Reservations  int    `json:"reservations"`
	SavesOK       uint64 `json:"saves_ok"`
	SavesFailed   uint64 `json:"saves_failed"`
	LastSaveUnix  int64  `json:"last_save_unix"`
}

func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	m := Metrics{
		CellSize:      s.cellSize,
		Owners:        len(s.owners),
		Images:        len(s.images),
		ReservedCells: len(s.reserved),
	}
	for _, occ := range s.grid {
		switch occ.Kind {
		case ImageRef:
			m.ImageCells++
		case OwnerlessMarker:
			m.MarkerCells++
		}
	}
	for _, r := range s.reservations {
		if !r.lapsed {
			m.Reservations++
		}
	}
	s.mu.RUnlock()
	if s.sched != nil {
		m.SavesOK = s.sched.savesOK.Load()
		m.SavesFailed = s.sched.savesFailed.Load()
		m.LastSaveUnix = s.sched.lastSaveUnix.Load()
	}
	return m
}
