package main

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	persistlog "img2brick.ai/internal/persistence/log"
	"img2brick.ai/internal/persistence/snapshot"
	"img2brick.ai/internal/quilt"
)

type InspectCmd struct {
	Path string `arg:"" help:"Snapshot file" type:"existingfile"`
	Grid bool   `help:"Also print every grid entry"`
}

func (c *InspectCmd) Run(g *Globals) error {
	st, err := snapshot.ReadState(c.Path)
	if err != nil {
		return err
	}
	out := struct {
		Header       snapshot.Header        `json:"header"`
		ImageCounter int                    `json:"image_counter"`
		OwnerCounter int                    `json:"owner_counter"`
		Owners       []snapshot.OwnerV1     `json:"owners"`
		Grid         []snapshot.GridEntryV1 `json:"grid,omitempty"`
	}{
		Header:       st.Header,
		ImageCounter: st.ImageCounter,
		OwnerCounter: st.OwnerCounter,
		Owners:       st.Owners,
	}
	if c.Grid {
		out.Grid = st.Grid
	}
	return printJSON(g, out)
}

type VerifyCmd struct {
	Path string `arg:"" help:"Snapshot file" type:"existingfile"`
}

// Run loads the snapshot into a scratch store, which applies the same checks
// the server runs at startup.
func (c *VerifyCmd) Run(g *Globals) error {
	st, err := snapshot.ReadState(c.Path)
	if err != nil {
		return err
	}
	s := quilt.New(quilt.Config{})
	rep, err := s.Import(st)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
	}
	if err := s.CheckInvariants(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
	}
	fmt.Fprintf(g.stdout(), "ok: %s cell_size=%d owners=%d images=%d cells=%d dangling=%d\n",
		filepath.Base(c.Path), st.CellSize, len(st.Owners), len(st.Images), len(st.Grid), rep.DanglingCells)
	return nil
}

type AuditCmd struct {
	Data   string `help:"Runtime data directory" default:"./data"`
	Action string `help:"Only this action (e.g. reset, remove_owner)"`
	Failed bool   `help:"Only failed commands"`
}

func (c *AuditCmd) Run(g *Globals) error {
	entries, err := readAudit(filepath.Join(c.Data, "audit"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if c.Action != "" && e.Action != c.Action {
			continue
		}
		if c.Failed && e.OK {
			continue
		}
		if err := printJSON(g, e); err != nil {
			return err
		}
	}
	return nil
}

// readAudit returns every audit entry in file order (files sort by hour).
func readAudit(dir string) ([]persistlog.AuditEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []persistlog.AuditEntry
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var e persistlog.AuditEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				dec.Close()
				_ = f.Close()
				return nil, fmt.Errorf("%s: unmarshal: %w", name, err)
			}
			out = append(out, e)
		}
		err = sc.Err()
		dec.Close()
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return out, nil
}

type DBCmd struct {
	Query string `arg:"" enum:"snapshots,resets,meta" default:"snapshots" help:"snapshots, resets or meta"`
	Data  string `help:"Runtime data directory" default:"./data"`
	DB    string `name:"db" help:"sqlite db path (default: <data>/index/quilt.sqlite)"`
	Limit int    `help:"Result limit" default:"20"`
}

func (c *DBCmd) Run(g *Globals) error {
	path := strings.TrimSpace(c.DB)
	if path == "" {
		path = filepath.Join(c.Data, "index", "quilt.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	if c.Limit <= 0 {
		c.Limit = 20
	}

	switch c.Query {
	case "snapshots":
		rows, err := db.Query(`SELECT saved_at,path,cell_size,owners,images,cells FROM snapshots ORDER BY saved_at DESC LIMIT ?`, c.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SavedAt  string `json:"saved_at"`
				Path     string `json:"path"`
				CellSize int    `json:"cell_size"`
				Owners   int    `json:"owners"`
				Images   int    `json:"images"`
				Cells    int    `json:"cells"`
			}
			if err := rows.Scan(&r.SavedAt, &r.Path, &r.CellSize, &r.Owners, &r.Images, &r.Cells); err != nil {
				return err
			}
			if err := printJSON(g, r); err != nil {
				return err
			}
		}
		return rows.Err()

	case "resets":
		rows, err := db.Query(`SELECT archive_id,path,cell_size,recorded_at FROM resets ORDER BY archive_id DESC LIMIT ?`, c.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ArchiveID  int    `json:"archive_id"`
				Path       string `json:"path"`
				CellSize   int    `json:"cell_size"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.ArchiveID, &r.Path, &r.CellSize, &r.RecordedAt); err != nil {
				return err
			}
			if err := printJSON(g, r); err != nil {
				return err
			}
		}
		return rows.Err()

	default:
		rows, err := db.Query(`SELECT key,value FROM meta ORDER BY key`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out := map[string]string{}
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return printJSON(g, out)
	}
}

func printJSON(g *Globals, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.stdout(), string(b))
	return err
}
