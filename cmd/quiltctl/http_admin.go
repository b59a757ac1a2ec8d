package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// call issues one admin request and prints the response body.
func (g *Globals) call(method, path string, q url.Values) error {
	u := strings.TrimRight(strings.TrimSpace(g.URL), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(g.stdout(), strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

type CellArgs struct {
	X int `arg:"" help:"Cell x"`
	Y int `arg:"" help:"Cell y"`
}

func (c CellArgs) values() url.Values {
	return url.Values{"x": {strconv.Itoa(c.X)}, "y": {strconv.Itoa(c.Y)}}
}

type OwnerArgs struct {
	Owner string `help:"Submitter id"`
	Index int    `help:"Owner index" default:"-1"`
}

func (o OwnerArgs) values() url.Values {
	q := url.Values{}
	if o.Owner != "" {
		q.Set("owner_id", o.Owner)
	}
	if o.Owner == "" && o.Index >= 0 {
		q.Set("owner_index", strconv.Itoa(o.Index))
	}
	return q
}

type StateCmd struct{}

func (c *StateCmd) Run(g *Globals) error { return g.call(http.MethodGet, "/admin/v1/state", nil) }

type StatsCmd struct {
	Owner string `help:"Only this submitter id"`
}

func (c *StatsCmd) Run(g *Globals) error {
	q := url.Values{}
	if c.Owner != "" {
		q.Set("owner_id", c.Owner)
	}
	return g.call(http.MethodGet, "/admin/v1/stats", q)
}

type OccupantCmd struct{ CellArgs }

func (c *OccupantCmd) Run(g *Globals) error {
	return g.call(http.MethodGet, "/admin/v1/occupant", c.values())
}

type ImagesCmd struct{ OwnerArgs }

func (c *ImagesCmd) Run(g *Globals) error {
	return g.call(http.MethodGet, "/admin/v1/images", c.values())
}

type BrokenCmd struct{}

func (c *BrokenCmd) Run(g *Globals) error { return g.call(http.MethodGet, "/admin/v1/broken", nil) }

type HistoryCmd struct {
	Owner string `help:"Submitter id (default: recent events)"`
	Limit int    `help:"Recent event count" default:"50"`
}

func (c *HistoryCmd) Run(g *Globals) error {
	q := url.Values{"limit": {strconv.Itoa(c.Limit)}}
	if c.Owner != "" {
		q.Set("owner_id", c.Owner)
	}
	return g.call(http.MethodGet, "/admin/v1/history", q)
}

type RemoveCellCmd struct{ CellArgs }

func (c *RemoveCellCmd) Run(g *Globals) error {
	return g.call(http.MethodPost, "/admin/v1/remove_cell", c.values())
}

type RemoveImageCmd struct {
	Index int `arg:"" help:"Image index"`
}

func (c *RemoveImageCmd) Run(g *Globals) error {
	return g.call(http.MethodPost, "/admin/v1/remove_image", url.Values{"index": {strconv.Itoa(c.Index)}})
}

type RemoveOwnerCmd struct{ OwnerArgs }

func (c *RemoveOwnerCmd) Run(g *Globals) error {
	q := c.values()
	if len(q) == 0 {
		return fmt.Errorf("one of --owner or --index is required")
	}
	return g.call(http.MethodPost, "/admin/v1/remove_owner", q)
}

type MarkCellCmd struct{ CellArgs }

func (c *MarkCellCmd) Run(g *Globals) error {
	return g.call(http.MethodPost, "/admin/v1/mark_cell", c.values())
}

type ResetCmd struct {
	CellSize int  `help:"Cell size after the reset (0 leaves the grid uninitialized)" default:"0"`
	Yes      bool `help:"Confirm the reset" required:""`
}

func (c *ResetCmd) Run(g *Globals) error {
	return g.call(http.MethodPost, "/admin/v1/reset", url.Values{"cell_size": {strconv.Itoa(c.CellSize)}})
}

type FlushCmd struct{}

func (c *FlushCmd) Run(g *Globals) error { return g.call(http.MethodPost, "/admin/v1/flush", nil) }
