package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"img2brick.ai/internal/persistence/snapshot"
)

// SnapshotName is the file name of the archived state inside a reset directory.
const SnapshotName = "quilt.snap.zst"

type ResetArchiveMeta struct {
	ID        int    `json:"id"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
	CellSize  int    `json:"cell_size"`
	Owners    int    `json:"owners"`
	Images    int    `json:"images"`
	Cells     int    `json:"cells"`
}

// ArchiveState writes st as a snapshot into `dataDir/archives/reset_<NNN>/`
// so a grid reset can be undone by hand. It returns (0, "", nil) when st
// holds no owners, images or cells.
func ArchiveState(dataDir string, st snapshot.StateV1) (id int, archivedPath string, err error) {
	if len(st.Owners) == 0 && len(st.Images) == 0 && len(st.Grid) == 0 {
		return 0, "", nil
	}

	root := filepath.Join(dataDir, "archives")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, "", err
	}
	id, err = nextID(root)
	if err != nil {
		return 0, "", err
	}

	archiveDir := filepath.Join(root, fmt.Sprintf("reset_%03d", id))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", err
	}

	dst := filepath.Join(archiveDir, SnapshotName)
	if err := snapshot.WriteState(dst, st); err != nil {
		return 0, "", err
	}

	hdr := st.Header
	meta := ResetArchiveMeta{
		ID:        id,
		Snapshot:  SnapshotName,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		CellSize:  hdr.CellSize,
		Owners:    hdr.Owners,
		Images:    hdr.Images,
		Cells:     hdr.Cells,
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return id, dst, nil
}

// nextID is one past the highest existing reset_<NNN> directory.
func nextID(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "reset_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "reset_"))
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
