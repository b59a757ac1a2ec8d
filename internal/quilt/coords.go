package quilt

import (
	"cmp"
	"slices"
)

// CellCoordOf maps a world position to its grid cell. One cell spans
// cellSize*unitsPerPixel world units; division floors toward negative infinity
// so cells left of or below the origin do not collapse onto cell 0.
func CellCoordOf(pos WorldPos, cellSize, unitsPerPixel int) Cell {
	span := cellSize * unitsPerPixel
	if span <= 0 {
		return Cell{}
	}
	return Cell{X: floorDiv(pos.X, span), Y: floorDiv(pos.Y, span)}
}

// CellCorner is the world position of a cell's minimum corner.
func CellCorner(c Cell, cellSize, unitsPerPixel int) WorldPos {
	span := cellSize * unitsPerPixel
	return WorldPos{X: c.X * span, Y: c.Y * span}
}

// FootprintCorner returns the corner of an image of the given pixel size
// centred on pos, snapped down to whole pixels.
func FootprintCorner(pos WorldPos, pixelWidth, pixelHeight, unitsPerPixel int) WorldPos {
	if unitsPerPixel <= 0 {
		unitsPerPixel = 1
	}
	x := pos.X - pixelWidth*unitsPerPixel/2
	y := pos.Y - pixelHeight*unitsPerPixel/2
	return WorldPos{
		X: floorDiv(x, unitsPerPixel) * unitsPerPixel,
		Y: floorDiv(y, unitsPerPixel) * unitsPerPixel,
		Z: pos.Z,
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// rectCells enumerates a width x height rectangle row by row.
func rectCells(origin Cell, width, height int) []Cell {
	out := make([]Cell, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out = append(out, Cell{X: origin.X + x, Y: origin.Y + y})
		}
	}
	return out
}

// refineCells splits every cell into k x k sub-cells, keeping row-major order.
func refineCells(cells []Cell, k int) []Cell {
	if k <= 1 {
		return cells
	}
	out := make([]Cell, 0, len(cells)*k*k)
	for _, c := range cells {
		for dy := 0; dy < k; dy++ {
			for dx := 0; dx < k; dx++ {
				out = append(out, Cell{X: c.X*k + dx, Y: c.Y*k + dy})
			}
		}
	}
	sortCells(out)
	return out
}

func sortCells(cells []Cell) {
	slices.SortFunc(cells, compareCells)
}

// compareCells orders cells row-major: by Y, then X.
func compareCells(a, b Cell) int {
	if a.Y != b.Y {
		return cmp.Compare(a.Y, b.Y)
	}
	return cmp.Compare(a.X, b.X)
}
