package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Grid    Grid    `yaml:"grid"`
	Persist Persist `yaml:"persist"`
	Submit  Submit  `yaml:"submit"`
	Index   Index   `yaml:"index"`
}

type Grid struct {
	// Enabled turns occupancy tracking on. With it off, placements only get an
	// offset and nothing is reserved or recorded.
	Enabled         bool `yaml:"enabled"`
	DefaultCellSize int  `yaml:"default_cell_size"`
	MinCellSize     int  `yaml:"min_cell_size"`
	UnitsPerPixel   int  `yaml:"units_per_pixel"`
	// MaxGridCells caps the tracked cells after a refinement. Requests that
	// would refine past it are refused with a size mismatch.
	MaxGridCells int `yaml:"max_grid_cells"`

	ReservationTTLSec int `yaml:"reservation_ttl_sec"`
	SweepEverySec     int `yaml:"sweep_every_sec"`
}

type Persist struct {
	DebounceSec int `yaml:"debounce_sec"`
}

type Submit struct {
	MaxImageSize int `yaml:"max_image_size"`
	// ZOffset is subtracted from the submitter's height so the build sits on
	// the ground.
	ZOffset           int    `yaml:"z_offset"`
	ConvertTimeoutSec int    `yaml:"convert_timeout_sec"`
	HeightmapBin      string `yaml:"heightmap_bin"`
	OutputDir         string `yaml:"output_dir"`
}

type Index struct {
	QueueSize  int `yaml:"queue_size"`
	BatchSize  int `yaml:"batch_size"`
	FlushEvery int `yaml:"flush_every_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Grid: Grid{
			Enabled:           true,
			DefaultCellSize:   8,
			MinCellSize:       1,
			UnitsPerPixel:     10,
			MaxGridCells:      1 << 22,
			ReservationTTLSec: 300,
			SweepEverySec:     30,
		},
		Persist: Persist{DebounceSec: 60},
		Submit: Submit{
			MaxImageSize:      256,
			ZOffset:           28,
			ConvertTimeoutSec: 120,
			HeightmapBin:      "lib/heightmap",
			OutputDir:         "data/builds",
		},
		Index: Index{QueueSize: 4096, BatchSize: 256, FlushEvery: 250},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("quilt.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("quilt.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.Grid.MinCellSize <= 0 {
		t.Grid.MinCellSize = d.Grid.MinCellSize
	}
	if t.Grid.DefaultCellSize <= 0 {
		t.Grid.DefaultCellSize = d.Grid.DefaultCellSize
	}
	if t.Grid.UnitsPerPixel <= 0 {
		t.Grid.UnitsPerPixel = d.Grid.UnitsPerPixel
	}
	if t.Grid.MaxGridCells <= 0 {
		t.Grid.MaxGridCells = d.Grid.MaxGridCells
	}
	if t.Grid.ReservationTTLSec <= 0 {
		t.Grid.ReservationTTLSec = d.Grid.ReservationTTLSec
	}
	if t.Grid.SweepEverySec <= 0 {
		t.Grid.SweepEverySec = d.Grid.SweepEverySec
	}
	if t.Persist.DebounceSec <= 0 {
		t.Persist.DebounceSec = d.Persist.DebounceSec
	}
	if t.Submit.MaxImageSize <= 0 {
		t.Submit.MaxImageSize = d.Submit.MaxImageSize
	}
	if t.Submit.ConvertTimeoutSec <= 0 {
		t.Submit.ConvertTimeoutSec = d.Submit.ConvertTimeoutSec
	}
	if t.Index.QueueSize <= 0 {
		t.Index.QueueSize = d.Index.QueueSize
	}
	if t.Index.BatchSize <= 0 {
		t.Index.BatchSize = d.Index.BatchSize
	}
	if t.Index.FlushEvery <= 0 {
		t.Index.FlushEvery = d.Index.FlushEvery
	}
}

func (t Tuning) Validate() error {
	if t.Grid.DefaultCellSize < t.Grid.MinCellSize {
		return fmt.Errorf("grid.default_cell_size %d below min_cell_size %d", t.Grid.DefaultCellSize, t.Grid.MinCellSize)
	}
	if t.Submit.MaxImageSize < t.Grid.DefaultCellSize {
		return fmt.Errorf("submit.max_image_size %d smaller than one cell (%d)", t.Submit.MaxImageSize, t.Grid.DefaultCellSize)
	}
	if t.Submit.ZOffset < 0 {
		return fmt.Errorf("submit.z_offset must be >= 0")
	}
	return nil
}

func (t Tuning) ReservationTTL() time.Duration {
	return time.Duration(t.Grid.ReservationTTLSec) * time.Second
}

func (t Tuning) SweepEvery() time.Duration {
	return time.Duration(t.Grid.SweepEverySec) * time.Second
}

func (t Tuning) PersistDebounce() time.Duration {
	return time.Duration(t.Persist.DebounceSec) * time.Second
}

func (t Tuning) ConvertTimeout() time.Duration {
	return time.Duration(t.Submit.ConvertTimeoutSec) * time.Second
}

func (t Tuning) IndexFlushEvery() time.Duration {
	return time.Duration(t.Index.FlushEvery) * time.Millisecond
}
