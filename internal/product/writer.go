package product

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slabview/internal/slab"
)

var (
	ErrTileGeometry = errors.New("tile does not match the product tile grid")
	ErrWriterFailed = errors.New("product writer already failed")
)

type Config struct {
	Bands      int
	Width      int
	Height     int
	TileWidth  int
	TileHeight int

	// CompleteLines holds tiles back until every tile of a tile row is
	// available and then writes full-width raster rows.
	CompleteLines bool
	// DeleteOutputOnFailure removes the output when any write fails.
	DeleteOutputOnFailure bool
}

// Tile is a computed block of one band.
type Tile struct {
	Region  slab.Rect
	Samples []float32
}

type bandLine struct {
	band    int
	tileRow int
}

// Writer streams tiles into a BandWriter. WriteTile may be called from
// multiple goroutines. After the first write failure the writer refuses
// every further tile.
type Writer struct {
	cfg      Config
	out      BandWriter
	logger   *zap.Logger
	tileCols int
	tileRows int

	// outMu serializes every call into out.
	outMu         sync.Mutex
	headerWritten bool
	failErr       error

	lineMu sync.Mutex
	lines  map[bandLine][]*Tile

	pendingMu sync.Mutex
	pending   []map[slab.GridCoord]struct{}
	remaining int
}

func NewWriter(cfg Config, out BandWriter, logger *zap.Logger) (*Writer, error) {
	if cfg.Bands <= 0 || cfg.Width <= 0 || cfg.Height <= 0 || cfg.TileWidth <= 0 || cfg.TileHeight <= 0 {
		return nil, fmt.Errorf("invalid product geometry: %d bands %dx%d tiles %dx%d",
			cfg.Bands, cfg.Width, cfg.Height, cfg.TileWidth, cfg.TileHeight)
	}

	w := &Writer{
		cfg:      cfg,
		out:      out,
		logger:   logger,
		tileCols: (cfg.Width + cfg.TileWidth - 1) / cfg.TileWidth,
		tileRows: (cfg.Height + cfg.TileHeight - 1) / cfg.TileHeight,
		lines:    make(map[bandLine][]*Tile),
		pending:  make([]map[slab.GridCoord]struct{}, cfg.Bands),
	}
	for b := range w.pending {
		w.pending[b] = make(map[slab.GridCoord]struct{}, w.tileCols*w.tileRows)
		for row := 0; row < w.tileRows; row++ {
			for col := 0; col < w.tileCols; col++ {
				w.pending[b][slab.GridCoord{Col: col, Row: row}] = struct{}{}
			}
		}
	}
	w.remaining = cfg.Bands * w.tileCols * w.tileRows
	return w, nil
}

// TileRegion returns the product area of tile (col, row), clipped to the raster.
func (w *Writer) TileRegion(coord slab.GridCoord) slab.Rect {
	cell := slab.Rect{
		X:      coord.Col * w.cfg.TileWidth,
		Y:      coord.Row * w.cfg.TileHeight,
		Width:  w.cfg.TileWidth,
		Height: w.cfg.TileHeight,
	}
	return cell.Intersect(slab.Rect{Width: w.cfg.Width, Height: w.cfg.Height})
}

// TileGrid returns the number of tile columns and rows.
func (w *Writer) TileGrid() (int, int) {
	return w.tileCols, w.tileRows
}

// WriteTile hands one tile of band to the writer.
func (w *Writer) WriteTile(band int, tile Tile) error {
	coord, err := w.checkTile(band, tile)
	if err != nil {
		return err
	}
	if err := w.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriterFailed, err)
	}

	written, err := w.writeTile(band, coord, tile)
	if err != nil {
		if errors.Is(err, ErrWriterFailed) {
			return err
		}
		return w.fail(err)
	}
	for _, c := range written {
		w.markWritten(band, c)
	}
	return nil
}

// writeTile returns the tiles that reached the output. A tile parked in an
// incomplete line has not.
func (w *Writer) writeTile(band int, coord slab.GridCoord, tile Tile) ([]slab.GridCoord, error) {
	if err := w.ensureHeader(); err != nil {
		return nil, err
	}

	if !w.cfg.CompleteLines {
		if err := w.writeOut(band, tile.Region, tile.Samples); err != nil {
			return nil, err
		}
		return []slab.GridCoord{coord}, nil
	}

	line := w.storeTileInLine(bandLine{band: band, tileRow: coord.Row}, coord.Col, &tile)
	if line == nil {
		return nil, nil
	}
	if err := w.writeLine(band, line); err != nil {
		return nil, err
	}
	written := make([]slab.GridCoord, len(line))
	for col := range line {
		written[col] = slab.GridCoord{Col: col, Row: coord.Row}
	}
	return written, nil
}

func (w *Writer) checkTile(band int, tile Tile) (slab.GridCoord, error) {
	if band < 0 || band >= w.cfg.Bands {
		return slab.GridCoord{}, fmt.Errorf("%w: band %d out of range", ErrTileGeometry, band)
	}
	r := tile.Region
	if r.X < 0 || r.Y < 0 || r.X%w.cfg.TileWidth != 0 || r.Y%w.cfg.TileHeight != 0 {
		return slab.GridCoord{}, fmt.Errorf("%w: %s not aligned", ErrTileGeometry, r)
	}
	coord := slab.GridCoord{Col: r.X / w.cfg.TileWidth, Row: r.Y / w.cfg.TileHeight}
	if coord.Col >= w.tileCols || coord.Row >= w.tileRows || w.TileRegion(coord) != r {
		return slab.GridCoord{}, fmt.Errorf("%w: %s", ErrTileGeometry, r)
	}
	if len(tile.Samples) != r.Area() {
		return slab.GridCoord{}, fmt.Errorf("%w: %d samples for %s", ErrTileGeometry, len(tile.Samples), r)
	}
	return coord, nil
}

func (w *Writer) ensureHeader() error {
	w.outMu.Lock()
	defer w.outMu.Unlock()

	if w.failErr != nil {
		return fmt.Errorf("%w: %w", ErrWriterFailed, w.failErr)
	}
	if w.headerWritten {
		return nil
	}
	h := NewHeader(w.cfg.Bands, w.cfg.Width, w.cfg.Height, w.cfg.TileWidth, w.cfg.TileHeight)
	if err := w.out.WriteHeader(h); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// storeTileInLine parks tile in its line and returns the whole line once
// every column is present.
func (w *Writer) storeTileInLine(key bandLine, col int, tile *Tile) []*Tile {
	w.lineMu.Lock()
	defer w.lineMu.Unlock()

	line, ok := w.lines[key]
	if !ok {
		line = make([]*Tile, w.tileCols)
		w.lines[key] = line
	}
	line[col] = tile
	for _, t := range line {
		if t == nil {
			return nil
		}
	}
	delete(w.lines, key)
	return line
}

// writeLine writes a complete tile line as full-width raster rows.
func (w *Writer) writeLine(band int, line []*Tile) error {
	first := line[0].Region
	row := make([]float32, w.cfg.Width)

	for y := first.Y; y < first.MaxY(); y++ {
		pos := 0
		for _, t := range line {
			width := t.Region.Width
			src := (y - first.Y) * width
			copy(row[pos:pos+width], t.Samples[src:src+width])
			pos += width
		}

		if err := w.writeOut(band, slab.Rect{X: 0, Y: y, Width: w.cfg.Width, Height: 1}, row); err != nil {
			return err
		}
	}
	return nil
}

// writeOut writes samples unless an earlier failure has closed the writer.
func (w *Writer) writeOut(band int, region slab.Rect, samples []float32) error {
	w.outMu.Lock()
	defer w.outMu.Unlock()

	if w.failErr != nil {
		return fmt.Errorf("%w: %w", ErrWriterFailed, w.failErr)
	}
	return w.out.WriteBandRasterData(band, region, samples)
}

func (w *Writer) markWritten(band int, coord slab.GridCoord) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if _, ok := w.pending[band][coord]; !ok {
		return
	}
	delete(w.pending[band], coord)
	w.remaining--
	if w.remaining == 0 {
		w.logger.Info("All tiles written", zap.Int("bands", w.cfg.Bands), zap.Int("tiles", w.tileCols*w.tileRows))
	}
}

// fail records the first failure, drops parked tiles and, when configured,
// deletes the output. It returns err.
func (w *Writer) fail(err error) error {
	w.lineMu.Lock()
	clear(w.lines)
	w.lineMu.Unlock()

	w.outMu.Lock()
	defer w.outMu.Unlock()

	if w.failErr == nil {
		w.failErr = err
	}
	if w.cfg.DeleteOutputOnFailure {
		w.deleteOutput()
	}
	return err
}

// deleteOutput must be called with outMu held.
func (w *Writer) deleteOutput() {
	if err := w.out.DeleteOutput(); err != nil {
		w.logger.Warn("Failed to delete output after write failure", zap.Error(err))
	}
	w.headerWritten = false
}

// Err returns the failure that closed the writer, or nil.
func (w *Writer) Err() error {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	return w.failErr
}

// Done reports whether every tile of every band has been written.
func (w *Writer) Done() bool {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.remaining == 0
}

// Remaining returns the number of tiles not yet written.
func (w *Writer) Remaining() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.remaining
}

func (w *Writer) Close() error {
	w.lineMu.Lock()
	parked := len(w.lines)
	w.lineMu.Unlock()

	if remaining := w.Remaining(); remaining > 0 {
		w.logger.Warn("Closing incomplete product",
			zap.Int("remaining_tiles", remaining),
			zap.Int("incomplete_lines", parked),
		)
	}

	w.outMu.Lock()
	defer w.outMu.Unlock()
	return w.out.Close()
}

// Export reads every tile of band from src and writes it through w using
// up to workers goroutines. On error the writer is closed for further
// tiles, the output is deleted if the writer is configured to, and the
// first error is returned.
func Export(ctx context.Context, src *slab.Cache, w *Writer, band, workers int) error {
	if src.Bounds() != (slab.Rect{Width: w.cfg.Width, Height: w.cfg.Height}) {
		return fmt.Errorf("source %s does not match product %dx%d", src.Bounds(), w.cfg.Width, w.cfg.Height)
	}
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for row := 0; row < w.tileRows; row++ {
		for col := 0; col < w.tileCols; col++ {
			region := w.TileRegion(slab.GridCoord{Col: col, Row: row})
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				samples := make([]float32, region.Area())
				if err := src.Read(ctx, region, samples); err != nil {
					return w.fail(fmt.Errorf("failed to read tile %s: %w", region, err))
				}
				return w.WriteTile(band, Tile{Region: region, Samples: samples})
			})
		}
	}
	if err := g.Wait(); err != nil {
		// Every worker has returned, so nothing can recreate the output.
		return w.fail(err)
	}
	return nil
}
