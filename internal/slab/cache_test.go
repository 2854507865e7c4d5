package slab

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStorage fills every sample with x*1000+y and remembers each read.
type recordingStorage struct {
	mu    sync.Mutex
	reads []Rect
	err   error
	delay time.Duration
}

func (s *recordingStorage) ReadRasterData(ctx context.Context, region Rect, dst []float32) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.reads = append(s.reads, region)
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for y := 0; y < region.Height; y++ {
		for x := 0; x < region.Width; x++ {
			dst[y*region.Width+x] = sampleAt(region.X+x, region.Y+y)
		}
	}
	return nil
}

func (s *recordingStorage) Reads() []Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rect(nil), s.reads...)
}

func sampleAt(x, y int) float32 {
	return float32(x*1000 + y)
}

func regions(slabs []*Slab) []Rect {
	out := make([]Rect, len(slabs))
	for i, s := range slabs {
		out[i] = s.Region()
	}
	return out
}

func TestGet_OneSlabCreated(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(100, 200, 10, 10, storage)
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, slabs, 1)

	assert.Equal(t, Rect{X: 0, Y: 0, Width: 10, Height: 10}, slabs[0].Region())
	assert.Equal(t, GridCoord{Col: 0, Row: 0}, slabs[0].Coord())
	assert.False(t, slabs[0].LastAccess().IsZero())
	assert.Len(t, slabs[0].Data(), 100)

	assert.Equal(t, []Rect{{X: 0, Y: 0, Width: 10, Height: 10}}, storage.Reads())
}

func TestGet_OneSlabFromCache(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(100, 200, 10, 10, storage)
	require.NoError(t, err)

	first, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, first, 1)
	lastAccess := first[0].LastAccess()

	second, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Same(t, first[0], second[0])
	assert.False(t, second[0].LastAccess().Before(lastAccess))
	assert.Len(t, storage.Reads(), 1)

	stats := c.Stats()
	assert.Equal(t, Stats{Slabs: 1, Hits: 1, Misses: 1, Reads: 1}, stats)
}

func TestGet_TwoSlabsHorizontal(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(90, 190, 10, 9, storage)
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), 8, 3, 4, 3)
	require.NoError(t, err)

	want := []Rect{
		{X: 0, Y: 0, Width: 10, Height: 9},
		{X: 10, Y: 0, Width: 10, Height: 9},
	}
	if diff := cmp.Diff(want, regions(slabs)); diff != "" {
		t.Errorf("slab regions mismatch (-want +got):\n%s", diff)
	}
	assert.ElementsMatch(t, want, storage.Reads())
}

func TestGet_TwoSlabsVertical(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(80, 180, 9, 8, storage)
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), 2, 6, 4, 4)
	require.NoError(t, err)

	want := []Rect{
		{X: 0, Y: 0, Width: 9, Height: 8},
		{X: 0, Y: 8, Width: 9, Height: 8},
	}
	if diff := cmp.Diff(want, regions(slabs)); diff != "" {
		t.Errorf("slab regions mismatch (-want +got):\n%s", diff)
	}
	assert.ElementsMatch(t, want, storage.Reads())
}

func TestGet_FourSlabsAroundGridCorner(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  []Rect
	}{
		{
			name:  "row major",
			order: RowMajor,
			want: []Rect{
				{X: 20, Y: 20, Width: 10, Height: 20},
				{X: 30, Y: 20, Width: 10, Height: 20},
				{X: 20, Y: 40, Width: 10, Height: 20},
				{X: 30, Y: 40, Width: 10, Height: 20},
			},
		},
		{
			name:  "column major",
			order: ColumnMajor,
			want: []Rect{
				{X: 20, Y: 20, Width: 10, Height: 20},
				{X: 20, Y: 40, Width: 10, Height: 20},
				{X: 30, Y: 20, Width: 10, Height: 20},
				{X: 30, Y: 40, Width: 10, Height: 20},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &recordingStorage{}
			c, err := New(50, 140, 10, 20, storage, WithOrder(tt.order))
			require.NoError(t, err)

			slabs, err := c.Get(context.Background(), 28, 38, 10, 10)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.want, regions(slabs)); diff != "" {
				t.Errorf("slab regions mismatch (-want +got):\n%s", diff)
			}
			assert.ElementsMatch(t, tt.want, storage.Reads())
			for _, s := range slabs {
				assert.False(t, s.LastAccess().IsZero())
			}
		})
	}
}

func TestGet_EdgeSlabsClippedToRaster(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(25, 17, 10, 10, storage)
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), 18, 8, 7, 9)
	require.NoError(t, err)

	want := []Rect{
		{X: 10, Y: 0, Width: 10, Height: 10},
		{X: 20, Y: 0, Width: 5, Height: 10},
		{X: 10, Y: 10, Width: 10, Height: 7},
		{X: 20, Y: 10, Width: 5, Height: 7},
	}
	if diff := cmp.Diff(want, regions(slabs)); diff != "" {
		t.Errorf("slab regions mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, slabs[3].Data(), 35)
}

func TestGet_QueryPartiallyOutsideIsClipped(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(30, 30, 10, 10, storage)
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), -5, 25, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, []Rect{{X: 0, Y: 20, Width: 10, Height: 10}}, regions(slabs))

	slabs, err = c.Get(context.Background(), 1, 0, math.MaxInt, 1)
	require.NoError(t, err)
	assert.Equal(t, []Rect{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 10, Y: 0, Width: 10, Height: 10},
		{X: 20, Y: 0, Width: 10, Height: 10},
	}, regions(slabs))
}

func TestGet_InvalidQueries(t *testing.T) {
	c, err := New(30, 30, 10, 10, &recordingStorage{})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), 0, 0, 0, 5)
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = c.Get(context.Background(), 0, 0, 5, -1)
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = c.Get(context.Background(), 30, 0, 5, 5)
	assert.ErrorIs(t, err, ErrOutsideRaster)

	_, err = c.Get(context.Background(), -10, -10, 5, 5)
	assert.ErrorIs(t, err, ErrOutsideRaster)

	assert.Zero(t, c.Len())
}

func TestNew_RejectsBadGeometry(t *testing.T) {
	storage := &recordingStorage{}

	_, err := New(0, 10, 10, 10, storage)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = New(10, 10, 0, 10, storage)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = New(10, 10, 10, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestGet_LastAccessNonDecreasing(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// The clock deliberately jumps backwards on the third call.
	ticks := []time.Time{
		base,
		base.Add(time.Second),
		base.Add(-time.Hour),
		base.Add(2 * time.Second),
	}
	var i int
	clock := func() time.Time {
		t := ticks[min(i, len(ticks)-1)]
		i++
		return t
	}

	c, err := New(10, 10, 10, 10, &recordingStorage{}, WithClock(clock))
	require.NoError(t, err)

	var prev time.Time
	for n := 0; n < 3; n++ {
		slabs, err := c.Get(context.Background(), 0, 0, 1, 1)
		require.NoError(t, err)
		got := slabs[0].LastAccess()
		assert.False(t, got.Before(prev), "access %d went backwards: %v < %v", n, got, prev)
		prev = got
	}
	assert.Equal(t, base.Add(2*time.Second), prev)
}

func TestGet_StorageErrorPropagatesAndIsNotCached(t *testing.T) {
	boom := errors.New("disk on fire")
	storage := &recordingStorage{err: boom}
	c, err := New(20, 20, 10, 10, storage)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), 0, 0, 5, 5)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	storage.mu.Lock()
	storage.err = nil
	storage.mu.Unlock()

	slabs, err := c.Get(context.Background(), 0, 0, 5, 5)
	require.NoError(t, err)
	require.Len(t, slabs, 1)
	assert.Len(t, storage.Reads(), 2)
	assert.Equal(t, int64(1), c.Stats().ReadFailures)
}

func TestGet_ConcurrentCallersShareOneRead(t *testing.T) {
	storage := &recordingStorage{delay: 20 * time.Millisecond}
	c, err := New(40, 40, 10, 10, storage)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]*Slab, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slabs, err := c.Get(context.Background(), 5, 5, 10, 10)
			assert.NoError(t, err)
			results[i] = slabs
		}(i)
	}
	wg.Wait()

	assert.Len(t, storage.Reads(), 4)
	for _, r := range results[1:] {
		require.Len(t, r, 4)
		for j := range r {
			assert.Same(t, results[0][j], r[j])
		}
	}
}

// gatedStorage blocks every read until release is closed.
type gatedStorage struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	reads   atomic.Int32
}

func (s *gatedStorage) ReadRasterData(ctx context.Context, region Rect, dst []float32) error {
	s.reads.Add(1)
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	for i := range dst {
		dst[i] = 1
	}
	return nil
}

func TestGet_CancelledCallerDoesNotFailOthers(t *testing.T) {
	storage := &gatedStorage{started: make(chan struct{}), release: make(chan struct{})}
	c, err := New(10, 10, 10, 10, storage)
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, 0, 0, 5, 5)
		errA <- err
	}()
	<-storage.started

	type result struct {
		slabs []*Slab
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		slabs, err := c.Get(context.Background(), 0, 0, 5, 5)
		resB <- result{slabs, err}
	}()
	require.Eventually(t, func() bool { return c.Stats().Misses == 2 }, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(storage.release)
	b := <-resB
	require.NoError(t, b.err)
	require.Len(t, b.slabs, 1)
	assert.Equal(t, float32(1), b.slabs[0].At(3, 3))
	assert.Equal(t, int32(1), storage.reads.Load())

	// The slab loaded for the cancelled caller stays cached.
	_, ok := c.Peek(GridCoord{})
	assert.True(t, ok)
}

func TestRead_AssemblesAcrossSlabs(t *testing.T) {
	storage := &recordingStorage{}
	c, err := New(50, 40, 7, 6, storage)
	require.NoError(t, err)

	region := Rect{X: 5, Y: 4, Width: 12, Height: 9}
	dst := make([]float32, region.Area())
	require.NoError(t, c.Read(context.Background(), region, dst))

	for y := 0; y < region.Height; y++ {
		for x := 0; x < region.Width; x++ {
			want := sampleAt(region.X+x, region.Y+y)
			if got := dst[y*region.Width+x]; got != want {
				t.Fatalf("sample (%d,%d) = %v, want %v", region.X+x, region.Y+y, got, want)
			}
		}
	}

	// 5..16 spans columns 0-2, 4..12 spans rows 0-2.
	assert.Len(t, storage.Reads(), 9)
}

func TestRead_Validation(t *testing.T) {
	c, err := New(20, 20, 10, 10, &recordingStorage{})
	require.NoError(t, err)

	err = c.Read(context.Background(), Rect{X: 0, Y: 0, Width: 4, Height: 4}, make([]float32, 15))
	assert.ErrorIs(t, err, ErrBufferSize)

	err = c.Read(context.Background(), Rect{X: 15, Y: 15, Width: 10, Height: 2}, make([]float32, 20))
	assert.ErrorIs(t, err, ErrOutsideRaster)
}

func TestSlabs_SnapshotIsRowMajor(t *testing.T) {
	c, err := New(30, 30, 10, 10, &recordingStorage{}, WithOrder(ColumnMajor))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), 0, 0, 30, 20)
	require.NoError(t, err)

	var coords []GridCoord
	for _, s := range c.Slabs() {
		coords = append(coords, s.Coord())
	}
	want := []GridCoord{{0, 0}, {1, 0}, {2, 0}, {0, 1}, {1, 1}, {2, 1}}
	if diff := cmp.Diff(want, coords); diff != "" {
		t.Errorf("snapshot order mismatch (-want +got):\n%s", diff)
	}
}

func TestSlab_At(t *testing.T) {
	c, err := New(30, 30, 10, 10, &recordingStorage{})
	require.NoError(t, err)

	slabs, err := c.Get(context.Background(), 12, 23, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, sampleAt(12, 23), slabs[0].At(12, 23))
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("column")
	require.NoError(t, err)
	assert.Equal(t, ColumnMajor, o)

	o, err = ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, RowMajor, o)

	_, err = ParseOrder("diagonal")
	assert.Error(t, err)
}
