package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"img2brick.ai/internal/persistence/snapshot"
)

func sampleState() snapshot.StateV1 {
	return snapshot.StateV1{
		Header:       snapshot.Header{Version: snapshot.Version, SavedAt: "2026-03-01T12:00:00Z", CellSize: 8, Owners: 1, Images: 1, Cells: 2},
		Version:      snapshot.Version,
		CellSize:     8,
		Owners:       []snapshot.OwnerV1{{Index: 0, ID: "u1", Name: "alice", TileCount: 2, ImageCount: 1}},
		Images:       []snapshot.ImageV1{{Index: 0, OwnerIndex: 0, Area: [][2]int{{0, 0}, {1, 0}}}},
		ImageCounter: 1,
		OwnerCounter: 1,
		Grid: []snapshot.GridEntryV1{
			{X: 0, Y: 0, Kind: snapshot.KindImage, Image: 0},
			{X: 1, Y: 0, Kind: snapshot.KindImage, Image: 0},
		},
	}
}

func TestArchiveState_WritesSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	st := sampleState()

	id, archivedPath, err := ArchiveState(dataDir, st)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if id != 1 || filepath.Base(archivedPath) != SnapshotName {
		t.Fatalf("id=%d path=%s", id, archivedPath)
	}
	got, err := snapshot.ReadState(archivedPath)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if diff := cmp.Diff(st.Images, got.Images); diff != "" {
		t.Fatalf("archived images (-want +got):\n%s", diff)
	}
	if got.Header.Images != 1 || got.CellSize != 8 {
		t.Fatalf("archived header=%+v", got.Header)
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
	if err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
	var meta ResetArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.ID != 1 || meta.Images != 1 || meta.Cells != 2 || meta.Snapshot != SnapshotName {
		t.Fatalf("meta=%+v", meta)
	}

	id, archivedPath, err = ArchiveState(dataDir, st)
	if err != nil {
		t.Fatalf("archive again: %v", err)
	}
	if id != 2 || filepath.Base(filepath.Dir(archivedPath)) != "reset_002" {
		t.Fatalf("second archive id=%d path=%s", id, archivedPath)
	}
}

func TestArchiveState_EmptyStateSkipped(t *testing.T) {
	dataDir := t.TempDir()
	id, path, err := ArchiveState(dataDir, snapshot.StateV1{Version: snapshot.Version, CellSize: 8})
	if err != nil || id != 0 || path != "" {
		t.Fatalf("id=%d path=%q err=%v", id, path, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "archives")); !os.IsNotExist(err) {
		t.Fatalf("archives dir should not be created: %v", err)
	}
}
