package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const Version = 1

const (
	KindImage  = "image"
	KindMarker = "marker"
)

type Header struct {
	Version  int    `json:"version"`
	SavedAt  string `json:"saved_at"`
	CellSize int    `json:"cell_size"`
	Owners   int    `json:"owners"`
	Images   int    `json:"images"`
	Cells    int    `json:"cells"`
}

// StateV1 is the durable form of the quilt grid. Reservations are not part of it.
type StateV1 struct {
	Header Header `json:"header"`

	Version      int           `json:"version"`
	CellSize     int           `json:"cell_size"`
	Owners       []OwnerV1     `json:"owners"`
	Images       []ImageV1     `json:"images"`
	ImageCounter int           `json:"image_counter"`
	OwnerCounter int           `json:"owner_counter"`
	Grid         []GridEntryV1 `json:"grid"`
}

type OwnerV1 struct {
	Index      int    `json:"index"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	TileCount  int    `json:"tile_count"`
	ImageCount int    `json:"image_count"`
}

type ImageV1 struct {
	Index       int      `json:"index"`
	OwnerIndex  int      `json:"owner_index"`
	Area        [][2]int `json:"area"`
	CommittedAt string   `json:"committed_at,omitempty"`
}

// GridEntryV1 is one occupied cell. Image is ignored for markers.
type GridEntryV1 struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Kind  string `json:"kind"`
	Image int    `json:"image"`
}

// CorruptStateError is returned when a snapshot exists but cannot be decoded.
// The file is left untouched.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt quilt state %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: cbor decoder: " + err.Error())
	}
}

// WriteState writes st to path atomically: the data goes to a temp file in the
// same directory which is synced and renamed over path.
func WriteState(path string, st StateV1) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = encode(f, st); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encode(w io.Writer, st StateV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, err := json.Marshal(st.Header)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := encMode.NewEncoder(bw).Encode(&st); err != nil {
		_ = enc.Close()
		return fmt.Errorf("cbor encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadState loads a snapshot. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist); anything unparseable is a *CorruptStateError.
func ReadState(path string) (StateV1, error) {
	var st StateV1
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return st, &CorruptStateError{Path: path, Err: err}
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return st, &CorruptStateError{Path: path, Err: fmt.Errorf("read header: %w", err)}
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return st, &CorruptStateError{Path: path, Err: fmt.Errorf("header: %w", err)}
	}
	if hdr.Version != Version {
		return st, &CorruptStateError{Path: path, Err: fmt.Errorf("unsupported version %d", hdr.Version)}
	}
	if err := decMode.NewDecoder(br).Decode(&st); err != nil {
		return st, &CorruptStateError{Path: path, Err: fmt.Errorf("cbor decode: %w", err)}
	}
	if st.Version != hdr.Version {
		return st, &CorruptStateError{Path: path, Err: fmt.Errorf("version mismatch header=%d body=%d", hdr.Version, st.Version)}
	}
	return st, nil
}

// ReadHeader returns only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, &CorruptStateError{Path: path, Err: err}
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return hdr, &CorruptStateError{Path: path, Err: fmt.Errorf("read header: %w", err)}
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, &CorruptStateError{Path: path, Err: fmt.Errorf("header: %w", err)}
	}
	return hdr, nil
}

// IsCorrupt reports whether err came from an unreadable snapshot.
func IsCorrupt(err error) bool {
	var ce *CorruptStateError
	return errors.As(err, &ce)
}
