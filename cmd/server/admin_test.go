package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	persistlog "img2brick.ai/internal/persistence/log"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
)

type adminResp struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestAdmin(t *testing.T) (*adminAPI, *http.ServeMux) {
	t.Helper()
	dir := t.TempDir()
	store, err := quilt.Open(quilt.Config{
		SnapshotPath:    filepath.Join(dir, "quilt.snap.zst"),
		DefaultCellSize: 8,
		PersistDebounce: time.Hour,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	audit := persistlog.NewAuditLogger(dir)
	t.Cleanup(func() { _ = audit.Close() })
	a := &adminAPI{
		quilt:    store.Components(),
		audit:    audit,
		dataDir:  dir,
		snapPath: filepath.Join(dir, "quilt.snap.zst"),
		log:      log.New(io.Discard, "", 0),
	}
	mux := http.NewServeMux()
	a.register(mux)
	return a, mux
}

func doAdmin(t *testing.T, mux *http.ServeMux, method, target string) (int, adminResp) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	var resp adminResp
	if rw.Code != http.StatusMethodNotAllowed && rw.Code != http.StatusForbidden {
		if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rw.Body.String(), err)
		}
	}
	return rw.Code, resp
}

func commitImage(t *testing.T, c quilt.Components, origin quilt.Cell, w, h int, owner string) int {
	t.Helper()
	r, err := c.Allocator.ValidateRegion(origin, w, h, 8)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	idx, err := c.Allocator.Commit(r.ID, quilt.Identity{ID: owner, Name: owner})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return idx
}

func TestAdmin_RejectsRemoteAndWrongMethod(t *testing.T) {
	_, mux := newTestAdmin(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rw.Code)
	}

	if code, _ := doAdmin(t, mux, http.MethodGet, "/admin/v1/reset"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset status=%d", code)
	}
}

func TestAdmin_QueriesAndRemovals(t *testing.T) {
	a, mux := newTestAdmin(t)
	img := commitImage(t, a.quilt, quilt.Cell{X: 0, Y: 0}, 2, 1, "alice")

	code, resp := doAdmin(t, mux, http.MethodGet, "/admin/v1/occupant?x=1&y=0")
	if code != 200 || !resp.OK {
		t.Fatalf("occupant status=%d resp=%+v", code, resp)
	}
	var occ struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(resp.Data, &occ)
	if occ.Kind != "IMAGE" {
		t.Fatalf("occupant=%s", resp.Data)
	}

	if code, resp = doAdmin(t, mux, http.MethodGet, "/admin/v1/stats?owner_id=bob"); code != http.StatusNotFound || resp.Code != "E_NOT_FOUND" {
		t.Fatalf("stats unknown owner status=%d resp=%+v", code, resp)
	}
	if code, _ = doAdmin(t, mux, http.MethodGet, "/admin/v1/occupant?x=a&y=0"); code != http.StatusBadRequest {
		t.Fatalf("bad param status=%d", code)
	}
	if code, _ = doAdmin(t, mux, http.MethodGet, "/admin/v1/history"); code != http.StatusInternalServerError {
		t.Fatalf("history without index status=%d", code)
	}

	if code, resp = doAdmin(t, mux, http.MethodPost, "/admin/v1/remove_cell?x=0&y=0"); code != http.StatusConflict || resp.Code != "E_AMBIGUOUS_REMOVAL" {
		t.Fatalf("remove image cell status=%d resp=%+v", code, resp)
	}
	if code, resp = doAdmin(t, mux, http.MethodPost, "/admin/v1/mark_cell?x=5&y=5"); code != 200 {
		t.Fatalf("mark status=%d resp=%+v", code, resp)
	}
	code, resp = doAdmin(t, mux, http.MethodGet, "/admin/v1/broken")
	if code != 200 || string(resp.Data) != `[{"x":5,"y":5}]` {
		t.Fatalf("broken status=%d data=%s", code, resp.Data)
	}
	if code, _ = doAdmin(t, mux, http.MethodPost, "/admin/v1/remove_cell?x=5&y=5"); code != 200 {
		t.Fatalf("remove marker status=%d", code)
	}
	if code, _ = doAdmin(t, mux, http.MethodPost, "/admin/v1/remove_image?index="+itoa(img)); code != 200 {
		t.Fatalf("remove image status=%d", code)
	}
	if tot := a.quilt.Ledger.Totals(); tot.Images != 0 || tot.ImageCells != 0 {
		t.Fatalf("totals=%+v", tot)
	}
}

func TestAdmin_ResetArchivesSnapshot(t *testing.T) {
	a, mux := newTestAdmin(t)
	commitImage(t, a.quilt, quilt.Cell{X: 0, Y: 0}, 1, 1, "alice")
	commitImage(t, a.quilt, quilt.Cell{X: 3, Y: 0}, 1, 1, "bob")

	code, resp := doAdmin(t, mux, http.MethodPost, "/admin/v1/reset?cell_size=4")
	if code != 200 || !resp.OK {
		t.Fatalf("reset status=%d resp=%+v", code, resp)
	}
	var out struct {
		ArchiveID   int    `json:"archive_id"`
		ArchivePath string `json:"archive_path"`
		CellSize    int    `json:"cell_size"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ArchiveID != 1 || out.CellSize != 4 {
		t.Fatalf("reset out=%+v", out)
	}
	hdr, err := snapshot.ReadHeader(out.ArchivePath)
	if err != nil {
		t.Fatalf("archived header: %v", err)
	}
	if hdr.Images != 2 || hdr.Owners != 2 {
		t.Fatalf("archived header=%+v", hdr)
	}

	// The live snapshot was rewritten with the empty grid.
	live, err := snapshot.ReadHeader(a.snapPath)
	if err != nil {
		t.Fatalf("live header: %v", err)
	}
	if live.Images != 0 || live.CellSize != 4 {
		t.Fatalf("live header=%+v", live)
	}

	if code, _ = doAdmin(t, mux, http.MethodPost, "/admin/v1/reset?cell_size=-1"); code != http.StatusBadRequest {
		t.Fatalf("negative reset status=%d", code)
	}

	entries, err := os.ReadDir(filepath.Join(a.dataDir, "audit"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("audit log not written: %v", err)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
