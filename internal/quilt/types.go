package quilt

import (
	"fmt"
	"time"
)

// Cell is one grid coordinate. A cell spans cellSize x cellSize pixels of a
// submitted image, i.e. cellSize*unitsPerPixel world units on each axis.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// WorldPos is a position in game world units.
type WorldPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

type OccupantKind uint8

const (
	Unoccupied OccupantKind = iota
	OwnerlessMarker
	ImageRef
)

func (k OccupantKind) String() string {
	switch k {
	case Unoccupied:
		return "UNOCCUPIED"
	case OwnerlessMarker:
		return "OWNERLESS_MARKER"
	case ImageRef:
		return "IMAGE"
	default:
		return fmt.Sprintf("OccupantKind(%d)", uint8(k))
	}
}

func (k OccupantKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Occupant is the value stored in the grid for a cell. Image is only
// meaningful when Kind == ImageRef.
type Occupant struct {
	Kind  OccupantKind
	Image int
}

type Owner struct {
	Index      int    `json:"index"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	TileCount  int    `json:"tile_count"`
	ImageCount int    `json:"image_count"`
}

type Image struct {
	Index       int       `json:"index"`
	OwnerIndex  int       `json:"owner_index"`
	Area        []Cell    `json:"area"`
	CommittedAt time.Time `json:"committed_at"`
}

// Identity is the external identity of a submitter.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Reservation is an ephemeral hold on an area between validation and commit.
// It is never persisted.
type Reservation struct {
	ID       string    `json:"id"`
	Origin   Cell      `json:"origin"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	CellSize int       `json:"cell_size"`
	Area     []Cell    `json:"area"`
	Offset   WorldPos  `json:"offset"`
	Created  time.Time `json:"created"`
	Expires  time.Time `json:"expires"`

	// lapsed is set once the sweeper returned the cells to the pool. A lapsed
	// reservation may still commit if nothing claimed its cells meanwhile.
	lapsed bool
}

func (r *Reservation) clone() Reservation {
	out := *r
	out.Area = append([]Cell(nil), r.Area...)
	out.lapsed = false
	return out
}

func (img Image) clone() Image {
	img.Area = append([]Cell(nil), img.Area...)
	return img
}
