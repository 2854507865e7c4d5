package slab

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRectIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want Rect
	}{
		{"overlap", Rect{0, 0, 10, 10}, Rect{5, 5, 10, 10}, Rect{5, 5, 5, 5}},
		{"inside", Rect{0, 0, 10, 10}, Rect{2, 3, 4, 5}, Rect{2, 3, 4, 5}},
		{"touching edges", Rect{0, 0, 10, 10}, Rect{10, 0, 5, 5}, Rect{}},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 5, 5}, Rect{}},
		{"negative origin", Rect{-5, -5, 10, 10}, Rect{0, 0, 10, 10}, Rect{0, 0, 5, 5}},
		{"huge width", Rect{1, 0, math.MaxInt, 1}, Rect{0, 0, 10, 10}, Rect{1, 0, 9, 1}},
		{"huge height", Rect{0, 5, 3, math.MaxInt}, Rect{0, 0, 10, 10}, Rect{0, 5, 3, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersect(tt.b))
			assert.Equal(t, tt.want, tt.b.Intersect(tt.a))
		})
	}
}

func TestRectContains(t *testing.T) {
	outer := Rect{0, 0, 10, 10}

	assert.True(t, outer.Contains(Rect{0, 0, 10, 10}))
	assert.True(t, outer.Contains(Rect{9, 9, 1, 1}))
	assert.False(t, outer.Contains(Rect{9, 9, 2, 1}))
	assert.False(t, outer.Contains(Rect{3, 3, 0, 0}))
}

func TestRectEdgesSaturate(t *testing.T) {
	r := Rect{X: math.MaxInt - 1, Y: 10, Width: 5, Height: math.MaxInt}
	assert.Equal(t, math.MaxInt, r.MaxX())
	assert.Equal(t, math.MaxInt, r.MaxY())
	assert.False(t, Rect{0, 0, 10, 10}.Contains(Rect{1, 1, math.MaxInt, 1}))
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, 0, floorDiv(9, 10))
	assert.Equal(t, 1, floorDiv(10, 10))
	assert.Equal(t, -1, floorDiv(-1, 10))
	assert.Equal(t, -1, floorDiv(-10, 10))
	assert.Equal(t, -2, floorDiv(-11, 10))
}

func TestCellRegionAndCoordOf(t *testing.T) {
	c, err := New(25, 17, 10, 10, StorageFunc(func(_ context.Context, _ Rect, _ []float32) error { return nil }))
	assert.NoError(t, err)

	cols, rows := c.GridSize()
	assert.Equal(t, 3, cols)
	assert.Equal(t, 2, rows)

	assert.Equal(t, GridCoord{Col: 2, Row: 1}, c.CoordOf(24, 16))
	assert.Equal(t, Rect{X: 20, Y: 10, Width: 5, Height: 7}, c.CellRegion(GridCoord{Col: 2, Row: 1}))
}
