package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func sampleState() StateV1 {
	st := StateV1{
		Version:  Version,
		CellSize: 8,
		Owners: []OwnerV1{
			{Index: 0, ID: "u1", Name: "alice", TileCount: 2, ImageCount: 1},
			{Index: 1, ID: "u2", Name: "bob", TileCount: 0, ImageCount: 0},
		},
		Images: []ImageV1{
			{Index: 2, OwnerIndex: 0, Area: [][2]int{{0, 0}, {1, 0}}, CommittedAt: "2026-03-01T12:00:00Z"},
		},
		ImageCounter: 3,
		OwnerCounter: 2,
		Grid: []GridEntryV1{
			{X: 0, Y: 0, Kind: KindImage, Image: 2},
			{X: 1, Y: 0, Kind: KindImage, Image: 2},
			{X: -4, Y: 7, Kind: KindMarker},
		},
	}
	st.Header = Header{Version: Version, SavedAt: "2026-03-01T12:00:01Z", CellSize: 8, Owners: 2, Images: 1, Cells: 3}
	return st
}

func TestWriteReadState_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "quilt.snap.zst")
	want := sampleState()
	if err := WriteState(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadState(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}
	hdr, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr != want.Header {
		t.Fatalf("header=%+v want %+v", hdr, want.Header)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestReadState_Missing(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), "nope.snap.zst"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if IsCorrupt(err) {
		t.Fatalf("missing file must not be reported as corrupt")
	}
}

func TestReadState_Corrupt(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.snap.zst")
	if err := os.WriteFile(garbage, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadState(garbage); !IsCorrupt(err) {
		t.Fatalf("garbage: expected corrupt, got %v", err)
	}

	// Valid zstd, valid header, truncated body.
	trunc := filepath.Join(dir, "trunc.snap.zst")
	f, err := os.Create(trunc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	hb, _ := json.Marshal(Header{Version: Version})
	_, _ = zw.Write(append(hb, '\n', 0xbf))
	_ = zw.Close()
	_ = f.Close()
	_, err = ReadState(trunc)
	var ce *CorruptStateError
	if !errors.As(err, &ce) || ce.Path != trunc {
		t.Fatalf("truncated: expected corrupt, got %v", err)
	}

	future := filepath.Join(dir, "future.snap.zst")
	st := sampleState()
	st.Header.Version = 9
	if err := WriteState(future, st); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadState(future); !IsCorrupt(err) {
		t.Fatalf("future version: expected corrupt, got %v", err)
	}
}

func TestStateJSON_MatchesSchema(t *testing.T) {
	schema, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "quilt_state.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := json.Marshal(sampleState())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var bad any
	_ = json.Unmarshal([]byte(`{"header":{"version":1,"saved_at":"","cell_size":8,"owners":0,"images":0,"cells":1},
	  "version":1,"cell_size":8,"owners":[],"images":[],"image_counter":0,"owner_counter":0,
	  "grid":[{"x":0.5,"y":0,"kind":"image","image":0}]}`), &bad)
	if err := schema.Validate(bad); err == nil {
		t.Fatalf("fractional grid coordinate should fail validation")
	}
}
