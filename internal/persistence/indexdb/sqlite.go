package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
	"img2brick.ai/internal/tuning"
)

// SQLiteIndex is a queryable read model of the grid history. The snapshot
// stays the source of truth; the index may drop rows under backpressure.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu is held for reading across every send on ch and for writing while
	// ch is closed.
	mu     sync.RWMutex
	closed bool

	commitEvery   int
	commitMaxWait time.Duration

	dropEvent    atomic.Uint64
	dropSnapshot atomic.Uint64
	dropReset    atomic.Uint64
}

type Options struct {
	QueueSize     int
	CommitEvery   int
	CommitMaxWait time.Duration
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSnapshot
	reqReset
	reqSync
)

type req struct {
	kind reqKind

	event    quilt.Event
	snapshot snapshotRow
	reset    resetRow
	done     chan struct{}
}

type snapshotRow struct {
	SavedAt  string
	Path     string
	CellSize int
	Owners   int
	Images   int
	Cells    int
}

type resetRow struct {
	ArchiveID  int
	Path       string
	CellSize   int
	RecordedAt string
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 256
	}
	if opts.CommitMaxWait <= 0 {
		opts.CommitMaxWait = 250 * time.Millisecond
	}
	s := &SQLiteIndex{
		db:            db,
		ch:            make(chan req, opts.QueueSize),
		commitEvery:   opts.CommitEvery,
		commitMaxWait: opts.CommitMaxWait,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER NOT NULL,
			run INTEGER NOT NULL,
			time TEXT NOT NULL,
			kind TEXT NOT NULL,
			cell_size INTEGER NOT NULL,
			image_index INTEGER NOT NULL,
			owner_index INTEGER NOT NULL,
			owner_id TEXT,
			owner_name TEXT,
			reservation_id TEXT,
			cells INTEGER NOT NULL,
			cells_json TEXT NOT NULL,
			PRIMARY KEY (run, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner_id, time);`,
		`CREATE TABLE IF NOT EXISTS images (
			image_index INTEGER NOT NULL,
			reset_epoch INTEGER NOT NULL,
			owner_index INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			cells INTEGER NOT NULL,
			cell_size INTEGER NOT NULL,
			committed_at TEXT NOT NULL,
			removed_at TEXT,
			PRIMARY KEY (reset_epoch, image_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_images_owner ON images(owner_id, committed_at);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			saved_at TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			cell_size INTEGER NOT NULL,
			owners INTEGER NOT NULL,
			images INTEGER NOT NULL,
			cells INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resets (
			archive_id INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			cell_size INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// enqueue hands r to the writer without blocking. It reports false when the
// queue is full; requests after Close are ignored.
func (s *SQLiteIndex) enqueue(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

// RecordEvent queues a grid event. It never blocks; when the writer falls
// behind the event is dropped and counted.
func (s *SQLiteIndex) RecordEvent(ev quilt.Event) {
	if s == nil {
		return
	}
	if !s.enqueue(req{kind: reqEvent, event: ev}) {
		s.dropEvent.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, hdr snapshot.Header) {
	if s == nil {
		return
	}
	r := snapshotRow{
		SavedAt:  hdr.SavedAt,
		Path:     path,
		CellSize: hdr.CellSize,
		Owners:   hdr.Owners,
		Images:   hdr.Images,
		Cells:    hdr.Cells,
	}
	if !s.enqueue(req{kind: reqSnapshot, snapshot: r}) {
		s.dropSnapshot.Add(1)
	}
}

func (s *SQLiteIndex) RecordReset(archiveID int, archivedPath string, cellSize int) {
	if s == nil || archiveID <= 0 || archivedPath == "" {
		return
	}
	r := resetRow{
		ArchiveID:  archiveID,
		Path:       archivedPath,
		CellSize:   cellSize,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !s.enqueue(req{kind: reqReset, reset: r}) {
		s.dropReset.Add(1)
	}
}

// Sync waits until everything queued so far is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqSync, done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type QueueStats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropEventTotal    uint64 `json:"drop_event_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	DropResetTotal    uint64 `json:"drop_reset_total"`
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropEventTotal:    s.dropEvent.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropResetTotal:    s.dropReset.Load(),
	}
}

// UpsertTuning stores the tuning values actually applied, with a digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range map[string]string{
		"schema_version": "1",
		"tuning":         string(b),
		"tuning_digest":  hex.EncodeToString(sum[:]),
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type EventRow struct {
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

// RecentEvents returns up to limit events, newest first.
func (s *SQLiteIndex) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq,time,kind,cell_size,image_index,owner_index,
		COALESCE(owner_id,''),COALESCE(owner_name,''),COALESCE(reservation_id,''),cells_json
		FROM events ORDER BY run DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var (
			r     EventRow
			cells string
		)
		if err := rows.Scan(&r.Seq, &r.Time, &r.Kind, &r.CellSize, &r.ImageIndex, &r.OwnerIndex,
			&r.OwnerID, &r.OwnerName, &r.ReservationID, &cells); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cells), &r.Cells); err != nil {
			return nil, fmt.Errorf("event %d cells: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type ImageRow struct {
	ImageIndex  int    `json:"image_index"`
	ResetEpoch  int    `json:"reset_epoch"`
	OwnerIndex  int    `json:"owner_index"`
	OwnerID     string `json:"owner_id"`
	OwnerName   string `json:"owner_name"`
	Cells       int    `json:"cells"`
	CellSize    int    `json:"cell_size"`
	CommittedAt string `json:"committed_at"`
	RemovedAt   string `json:"removed_at,omitempty"`
}

// OwnerHistory lists every image an owner ever committed, including removed
// ones and those from before a reset, oldest first.
func (s *SQLiteIndex) OwnerHistory(ctx context.Context, ownerID string) ([]ImageRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT image_index,reset_epoch,owner_index,owner_id,owner_name,
		cells,cell_size,committed_at,COALESCE(removed_at,'')
		FROM images WHERE owner_id=? ORDER BY reset_epoch, image_index`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImageRow
	for rows.Next() {
		var r ImageRow
		if err := rows.Scan(&r.ImageIndex, &r.ResetEpoch, &r.OwnerIndex, &r.OwnerID, &r.OwnerName,
			&r.Cells, &r.CellSize, &r.CommittedAt, &r.RemovedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) currentEpoch(ctx context.Context) int {
	var v sql.NullString
	_ = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='reset_epoch'`).Scan(&v)
	var n int
	if v.Valid {
		_, _ = fmt.Sscanf(v.String, "%d", &n)
	}
	return n
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Image indices restart after a grid reset; the epoch keeps rows apart.
	// Event seqs restart with the process, so each process gets a run number.
	epoch := s.currentEpoch(ctx)
	var run int64
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(run),0)+1 FROM events`).Scan(&run)

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(seq,run,time,kind,cell_size,image_index,owner_index,owner_id,owner_name,reservation_id,cells,cells_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertImage, _ := s.db.Prepare(`INSERT OR REPLACE INTO images(image_index,reset_epoch,owner_index,owner_id,owner_name,cells,cell_size,committed_at) VALUES(?,?,?,?,?,?,?,?)`)
	removeImage, _ := s.db.Prepare(`UPDATE images SET removed_at=? WHERE reset_epoch=? AND image_index=? AND removed_at IS NULL`)
	removeOwner, _ := s.db.Prepare(`UPDATE images SET removed_at=? WHERE reset_epoch=? AND owner_index=? AND removed_at IS NULL`)
	refineImages, _ := s.db.Prepare(`UPDATE images SET cells=cells*?, cell_size=? WHERE reset_epoch=? AND removed_at IS NULL`)
	setMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(saved_at,path,cell_size,owners,images,cells) VALUES(?,?,?,?,?,?)`)
	insertReset, _ := s.db.Prepare(`INSERT OR REPLACE INTO resets(archive_id,path,cell_size,recorded_at) VALUES(?,?,?,?)`)
	stmts := []*sql.Stmt{insertEvent, insertImage, removeImage, removeOwner, refineImages, setMeta, insertSnapshot, insertReset}
	defer func() {
		for _, st := range stmts {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx      *sql.Tx
		opCount int
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	ticker := time.NewTicker(s.commitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-ticker.C:
			commit()
			continue
		}

		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			cells := make([][2]int, 0, len(ev.Cells))
			for _, c := range ev.Cells {
				cells = append(cells, [2]int{c.X, c.Y})
			}
			cellsJSON, _ := json.Marshal(cells)
			at := ev.Time.UTC().Format(time.RFC3339Nano)
			if !exec(insertEvent, int64(ev.Seq), run, at, string(ev.Kind), ev.CellSize, ev.ImageIndex, ev.OwnerIndex,
				ev.OwnerID, ev.OwnerName, ev.ReservationID, len(ev.Cells), string(cellsJSON)) {
				continue
			}
			switch ev.Kind {
			case quilt.EventCommit:
				exec(insertImage, ev.ImageIndex, epoch, ev.OwnerIndex, ev.OwnerID, ev.OwnerName, len(ev.Cells), ev.CellSize, at)
			case quilt.EventRemoveImage:
				exec(removeImage, at, epoch, ev.ImageIndex)
			case quilt.EventRemoveOwner:
				exec(removeOwner, at, epoch, ev.OwnerIndex)
			case quilt.EventRefine:
				// Refining by k multiplies every live image's cell count by k*k.
				var k int
				if ev.CellSize > 0 {
					var prev int
					_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(cell_size),0) FROM images WHERE reset_epoch=? AND removed_at IS NULL`, epoch).Scan(&prev)
					if prev > ev.CellSize {
						k = prev / ev.CellSize
					}
				}
				if k > 1 {
					exec(refineImages, k*k, ev.CellSize, epoch)
				}
			case quilt.EventReset:
				epoch++
				exec(setMeta, "reset_epoch", fmt.Sprint(epoch))
			}

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.SavedAt, sn.Path, sn.CellSize, sn.Owners, sn.Images, sn.Cells)

		case reqReset:
			rr := r.reset
			exec(insertReset, rr.ArchiveID, rr.Path, rr.CellSize, rr.RecordedAt)
		}
		if tx != nil && opCount >= s.commitEvery {
			commit()
		}
	}
}
