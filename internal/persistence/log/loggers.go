package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"img2brick.ai/internal/quilt"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files
// <baseDir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventEntry is the JSONL form of one grid mutation.
type EventEntry struct {
	Seq           uint64   `json:"seq"`
	Time          string   `json:"time"`
	Kind          string   `json:"kind"`
	CellSize      int      `json:"cell_size"`
	ImageIndex    int      `json:"image_index"`
	OwnerIndex    int      `json:"owner_index"`
	OwnerID       string   `json:"owner_id,omitempty"`
	OwnerName     string   `json:"owner_name,omitempty"`
	ReservationID string   `json:"reservation_id,omitempty"`
	Cells         [][2]int `json:"cells,omitempty"`
}

func EntryFromEvent(ev quilt.Event) EventEntry {
	e := EventEntry{
		Seq:           ev.Seq,
		Time:          ev.Time.UTC().Format(time.RFC3339Nano),
		Kind:          string(ev.Kind),
		CellSize:      ev.CellSize,
		ImageIndex:    ev.ImageIndex,
		OwnerIndex:    ev.OwnerIndex,
		OwnerID:       ev.OwnerID,
		OwnerName:     ev.OwnerName,
		ReservationID: ev.ReservationID,
	}
	for _, c := range ev.Cells {
		e.Cells = append(e.Cells, [2]int{c.X, c.Y})
	}
	return e
}

// EventLogger writes one JSONL entry per grid event (compressed). It is a
// quilt.EventSink.
type EventLogger struct {
	w      *JSONLZstdWriter
	errs   atomic.Uint64
	onFail func(error)
}

func NewEventLogger(dataDir string, onFail func(error)) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events"), onFail: onFail}
}

func (l *EventLogger) RecordEvent(ev quilt.Event) {
	if err := l.w.Write(EntryFromEvent(ev)); err != nil {
		l.errs.Add(1)
		if l.onFail != nil {
			l.onFail(err)
		}
	}
}

// Errors is the number of events that could not be written.
func (l *EventLogger) Errors() uint64 { return l.errs.Load() }
func (l *EventLogger) Close() error   { return l.w.Close() }

// AuditEntry records one administrative command.
type AuditEntry struct {
	Time    string         `json:"time"`
	Action  string         `json:"action"`
	Remote  string         `json:"remote,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	OK      bool           `json:"ok"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// AuditLogger writes audit JSONL entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v AuditEntry) error {
	if v.Time == "" {
		v.Time = l.w.now().UTC().Format(time.RFC3339Nano)
	}
	return l.w.Write(v)
}
func (l *AuditLogger) Close() error { return l.w.Close() }
