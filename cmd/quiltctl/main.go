// Command quiltctl administers a running quilt server over its loopback admin
// API and inspects snapshots, audit logs and the index offline.
package main

import (
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

type Globals struct {
	URL     string        `help:"Server base url" default:"http://127.0.0.1:8080" env:"QUILTCTL_URL"`
	Timeout time.Duration `help:"Request timeout" default:"10s"`

	Out io.Writer `kong:"-"`
}

func (g *Globals) stdout() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

type CLI struct {
	Globals

	State       StateCmd       `cmd:"" help:"Show grid metrics and totals"`
	Stats       StatsCmd       `cmd:"" help:"Show ownership statistics"`
	Occupant    OccupantCmd    `cmd:"" help:"Show what occupies a cell"`
	Images      ImagesCmd      `cmd:"" help:"List images owned by a submitter"`
	Broken      BrokenCmd      `cmd:"" help:"List ownerless marker cells"`
	History     HistoryCmd     `cmd:"" help:"Show recent events or an owner's image history from the index"`
	RemoveCell  RemoveCellCmd  `cmd:"" name:"remove-cell" help:"Clear an ownerless marker cell"`
	RemoveImage RemoveImageCmd `cmd:"" name:"remove-image" help:"Remove a committed image"`
	RemoveOwner RemoveOwnerCmd `cmd:"" name:"remove-owner" help:"Remove every image of a submitter"`
	MarkCell    MarkCellCmd    `cmd:"" name:"mark-cell" help:"Place an ownerless marker on a free cell"`
	Reset       ResetCmd       `cmd:"" help:"Archive the snapshot and wipe the grid"`
	Flush       FlushCmd       `cmd:"" help:"Force an immediate snapshot save"`

	Inspect InspectCmd `cmd:"" help:"Print a snapshot file's header and contents"`
	Verify  VerifyCmd  `cmd:"" help:"Check a snapshot file against the grid invariants"`
	Audit   AuditCmd   `cmd:"" help:"Print administrative audit entries"`
	DB      DBCmd      `cmd:"" name:"db" help:"Query the sqlite index offline"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("quiltctl"),
		kong.Description("Quilt grid administration."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
