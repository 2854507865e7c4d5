package slab

import (
	"fmt"
	"math"
)

// Rect is a rectangle in raster pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// GridCoord is the (column, row) index of a slab in the raster's slab grid.
type GridCoord struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// MaxX returns the exclusive right edge, saturating at math.MaxInt.
func (r Rect) MaxX() int {
	return edge(r.X, r.Width)
}

// MaxY returns the exclusive bottom edge, saturating at math.MaxInt.
func (r Rect) MaxY() int {
	return edge(r.Y, r.Height)
}

func edge(origin, size int) int {
	if size > 0 && origin > math.MaxInt-size {
		return math.MaxInt
	}
	return origin + size
}

// Area returns the number of pixels covered by r.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Intersect returns the overlap of r and o. The result is empty when they don't overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.MaxX(), o.MaxX())
	y1 := min(r.MaxY(), o.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return !o.Empty() && o.X >= r.X && o.Y >= r.Y && o.MaxX() <= r.MaxX() && o.MaxY() <= r.MaxY()
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.Width, r.Height)
}

func (c GridCoord) String() string {
	return fmt.Sprintf("%d/%d", c.Col, c.Row)
}

// floorDiv divides rounding towards negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
