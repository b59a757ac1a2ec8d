// Package convert runs the external image-to-brick converter. It does not
// generate geometry itself.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeDefault Mode = ""
	ModeTile    Mode = "tile"
	ModeMicro   Mode = "micro"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDefault, ModeTile, ModeMicro:
		return m, nil
	default:
		return "", fmt.Errorf("unknown conversion mode %q", s)
	}
}

type Job struct {
	ImagePath string
	DestPath  string
	OwnerID   string
	OwnerName string
	Mode      Mode
}

type Result struct {
	DestPath string
	// Bricks before and after the converter merged neighbours.
	Original int
	Reduced  int
}

// Converter turns an image into a brick save. Implementations must honour ctx
// cancellation.
type Converter interface {
	Convert(ctx context.Context, job Job) (Result, error)
}

var ErrConversionFailed = errors.New("conversion software failed")

// Heightmap invokes the heightmap binary.
type Heightmap struct {
	Bin string
}

var reducedRE = regexp.MustCompile(`Reduced (\d+) to (\d+) `)

func (h Heightmap) Args(job Job) []string {
	args := []string{
		"-o", job.DestPath,
		"--cull",
		"--owner_id", job.OwnerID,
		"--owner", job.OwnerName,
		"--img", job.ImagePath,
	}
	switch job.Mode {
	case ModeTile:
		args = append(args, "--tile")
	case ModeMicro:
		args = append(args, "--micro")
	}
	return args
}

func (h Heightmap) Convert(ctx context.Context, job Job) (Result, error) {
	if h.Bin == "" {
		return Result{}, fmt.Errorf("%w: no converter binary configured", ErrConversionFailed)
	}
	if job.ImagePath == "" || job.DestPath == "" {
		return Result{}, fmt.Errorf("%w: image and destination paths are required", ErrConversionFailed)
	}
	cmd := exec.CommandContext(ctx, h.Bin, h.Args(job)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrConversionFailed, ctxErr)
		}
		return Result{}, fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(stdout.String(), job.DestPath)
}

func parseOutput(out, dest string) (Result, error) {
	m := reducedRE.FindStringSubmatch(out)
	if !strings.Contains(out, "Done!") || m == nil {
		return Result{}, fmt.Errorf("%w: could not finish conversion", ErrConversionFailed)
	}
	orig, _ := strconv.Atoi(m[1])
	red, _ := strconv.Atoi(m[2])
	return Result{DestPath: dest, Original: orig, Reduced: red}, nil
}
