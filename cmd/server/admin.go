package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"img2brick.ai/internal/persistence/archive"
	"img2brick.ai/internal/persistence/indexdb"
	persistlog "img2brick.ai/internal/persistence/log"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/protocol"
	"img2brick.ai/internal/quilt"
)

var errBadParam = fmt.Errorf("%w: bad parameter", quilt.ErrInvalidRegion)

// adminAPI serves the loopback-only operator endpoints under /admin/v1/.
type adminAPI struct {
	quilt    quilt.Components
	index    *indexdb.SQLiteIndex
	audit    *persistlog.AuditLogger
	dataDir  string
	snapPath string
	log      *log.Logger
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.get(a.handleState))
	mux.HandleFunc("/admin/v1/stats", a.get(a.handleStats))
	mux.HandleFunc("/admin/v1/occupant", a.get(a.handleOccupant))
	mux.HandleFunc("/admin/v1/images", a.get(a.handleImages))
	mux.HandleFunc("/admin/v1/broken", a.get(a.handleBroken))
	mux.HandleFunc("/admin/v1/history", a.get(a.handleHistory))

	mux.HandleFunc("/admin/v1/remove_cell", a.post("remove_cell", a.handleRemoveCell))
	mux.HandleFunc("/admin/v1/remove_image", a.post("remove_image", a.handleRemoveImage))
	mux.HandleFunc("/admin/v1/remove_owner", a.post("remove_owner", a.handleRemoveOwner))
	mux.HandleFunc("/admin/v1/mark_cell", a.post("mark_cell", a.handleMarkCell))
	mux.HandleFunc("/admin/v1/reset", a.post("reset", a.handleReset))
	mux.HandleFunc("/admin/v1/flush", a.post("flush", a.handleFlush))
}

type adminHandler func(r *http.Request) (any, error)

func (a *adminAPI) get(h adminHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		data, err := h(r)
		writeAdmin(rw, data, err)
	}
}

// post runs a mutating handler and records it in the audit log.
func (a *adminAPI) post(action string, h adminHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		data, err := h(r)
		if a.audit != nil {
			entry := persistlog.AuditEntry{Action: action, Remote: r.RemoteAddr, OK: err == nil}
			if q := r.URL.Query(); len(q) > 0 {
				entry.Args = map[string]any{}
				for k := range q {
					entry.Args[k] = q.Get(k)
				}
			}
			if err != nil {
				entry.Code = protocol.CodeFor(err)
				entry.Message = err.Error()
			}
			if werr := a.audit.WriteAudit(entry); werr != nil {
				a.log.Printf("audit %s: %v", action, werr)
			}
		}
		if err != nil {
			a.log.Printf("admin %s failed: %v", action, err)
		} else {
			a.log.Printf("admin %s ok %s", action, r.URL.RawQuery)
		}
		writeAdmin(rw, data, err)
	}
}

func writeAdmin(rw http.ResponseWriter, data any, err error) {
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := protocol.CodeFor(err)
		rw.WriteHeader(statusFor(code))
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "code": code, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "data": data})
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrBadRequest, protocol.ErrSizeMismatch, protocol.ErrDimensionMismatch:
		return http.StatusBadRequest
	case protocol.ErrOverlap, protocol.ErrAmbiguousRemoval, protocol.ErrUninitialized:
		return http.StatusConflict
	case protocol.ErrTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *adminAPI) handleState(r *http.Request) (any, error) {
	return struct {
		Metrics quilt.Metrics      `json:"metrics"`
		Totals  quilt.Totals       `json:"totals"`
		Index   indexdb.QueueStats `json:"index"`
	}{
		Metrics: a.quilt.Store.Metrics(),
		Totals:  a.quilt.Ledger.Totals(),
		Index:   a.index.Stats(),
	}, nil
}

func (a *adminAPI) handleStats(r *http.Request) (any, error) {
	id := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if id == "" {
		return a.quilt.Ledger.StatsForAll(), nil
	}
	st, ok := a.quilt.Ledger.StatsFor(id)
	if !ok {
		return nil, &quilt.NotFoundError{What: "owner", Key: id}
	}
	return st, nil
}

func (a *adminAPI) handleOccupant(r *http.Request) (any, error) {
	c, err := cellParam(r)
	if err != nil {
		return nil, err
	}
	return a.quilt.Queries.OccupantAt(c), nil
}

func (a *adminAPI) handleImages(r *http.Request) (any, error) {
	idx, err := a.ownerIndexParam(r)
	if err != nil {
		return nil, err
	}
	return a.quilt.Queries.ImagesOwnedBy(idx)
}

func (a *adminAPI) handleBroken(r *http.Request) (any, error) {
	return a.quilt.Queries.BrokenCells(), nil
}

func (a *adminAPI) handleHistory(r *http.Request) (any, error) {
	if a.index == nil {
		return nil, errors.New("index backend disabled")
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if id := strings.TrimSpace(r.URL.Query().Get("owner_id")); id != "" {
		return a.index.OwnerHistory(ctx, id)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return a.index.RecentEvents(ctx, limit)
}

func (a *adminAPI) handleRemoveCell(r *http.Request) (any, error) {
	c, err := cellParam(r)
	if err != nil {
		return nil, err
	}
	return nil, a.quilt.Remover.RemoveSingleCell(c)
}

func (a *adminAPI) handleRemoveImage(r *http.Request) (any, error) {
	idx, err := intParam(r, "index")
	if err != nil {
		return nil, err
	}
	return nil, a.quilt.Remover.RemoveImage(idx)
}

func (a *adminAPI) handleRemoveOwner(r *http.Request) (any, error) {
	idx, err := a.ownerIndexParam(r)
	if err != nil {
		return nil, err
	}
	n, err := a.quilt.Remover.RemoveAllByOwner(idx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed_images": n}, nil
}

func (a *adminAPI) handleMarkCell(r *http.Request) (any, error) {
	c, err := cellParam(r)
	if err != nil {
		return nil, err
	}
	return nil, a.quilt.Remover.MarkCell(c)
}

// handleReset archives the grid state before wiping it. The archive is taken
// inside the reset's lock hold, so every commit either lands in the archive or
// after the reset.
func (a *adminAPI) handleReset(r *http.Request) (any, error) {
	size := 0
	if v := r.URL.Query().Get("cell_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: cell_size %q", errBadParam, v)
		}
		size = n
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: cell_size %d", errBadParam, size)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var (
		archiveID   int
		archivePath string
		archiveSize int
	)
	var keep func(prev snapshot.StateV1) error
	if a.snapPath != "" {
		keep = func(prev snapshot.StateV1) error {
			id, path, err := archive.ArchiveState(a.dataDir, prev)
			if err != nil {
				return fmt.Errorf("archive before reset: %w", err)
			}
			archiveID, archivePath, archiveSize = id, path, prev.CellSize
			return nil
		}
	}
	if err := a.quilt.Remover.ResetAllWith(size, keep); err != nil {
		return nil, err
	}
	out := map[string]any{}
	if archiveID > 0 {
		a.index.RecordReset(archiveID, archivePath, archiveSize)
		out["archive_id"] = archiveID
		out["archive_path"] = archivePath
	}
	if a.snapPath != "" {
		if err := a.quilt.Store.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flush after reset: %w", err)
		}
	}
	out["cell_size"] = a.quilt.Store.CellSize()
	return out, nil
}

func (a *adminAPI) handleFlush(r *http.Request) (any, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.quilt.Store.Flush(ctx); err != nil {
		return nil, err
	}
	if err := a.index.Sync(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *adminAPI) ownerIndexParam(r *http.Request) (int, error) {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("owner_id")); id != "" {
		idx, ok := a.quilt.Queries.OwnerIndexOf(id)
		if !ok {
			return 0, &quilt.NotFoundError{What: "owner", Key: id}
		}
		return idx, nil
	}
	return intParam(r, "owner_index")
}

func cellParam(r *http.Request) (quilt.Cell, error) {
	x, err := intParam(r, "x")
	if err != nil {
		return quilt.Cell{}, err
	}
	y, err := intParam(r, "y")
	if err != nil {
		return quilt.Cell{}, err
	}
	return quilt.Cell{X: x, Y: y}, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", errBadParam, name, v)
	}
	return n, nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
