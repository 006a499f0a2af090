// Package resolver turns a geographic read request into a raster: it picks a
// zoom level, fetches the covering tiles and crops them to the request.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/observability"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

const (
	DefaultMaxConcurrentTiles = 8

	// tolerance for pixel offsets computed from tile-aligned coordinates
	pixelEps = 1e-6
)

// MetadataSource is satisfied by *pyramid.Accessor.
type MetadataSource interface {
	Metadata(ctx context.Context, name string) (model.PyramidMetadata, error)
}

type ReadRequest struct {
	Dataset string
	// Nil bounds read the whole dataset at its deepest zoom.
	Bounds *model.GeoBounds
	// Nil window reads at the deepest zoom.
	Window *model.PixelWindow
}

type Result struct {
	Block   *raster.Block
	Bounds  model.GeoBounds
	Zoom    int
	CRS     string
	Tiles   int
	Missing int
}

type Options struct {
	// MaxReadPixels caps the output size; 0 means unlimited.
	MaxReadPixels      int64
	MaxConcurrentTiles int
	Logger             *slog.Logger
}

type Resolver struct {
	meta  MetadataSource
	tiles store.TileOpener
	opts  Options
	log   *slog.Logger
}

func New(meta MetadataSource, tiles store.TileOpener, opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrentTiles <= 0 {
		opts.MaxConcurrentTiles = DefaultMaxConcurrentTiles
	}
	return &Resolver{meta: meta, tiles: tiles, opts: opts, log: opts.Logger}
}

// SelectZoom picks the coarsest stored zoom at least as fine as the requested
// pixel size on both axes. Anything it cannot honour falls back to MaxZoom.
func SelectZoom(meta model.PyramidMetadata, bounds model.GeoBounds, win *model.PixelWindow) int {
	if win == nil || win.Width <= 0 || win.Height <= 0 {
		return meta.MaxZoom
	}
	return ZoomForResolution(meta, bounds.Width()/float64(win.Width), bounds.Height()/float64(win.Height))
}

// ZoomForResolution is SelectZoom for explicit pixel sizes in degrees.
func ZoomForResolution(meta model.PyramidMetadata, px, py float64) int {
	zoom := max(tilemath.ZoomForPixelSize(px, meta.TileSize), tilemath.ZoomForPixelSize(py, meta.TileSize))
	if zoom < 1 || zoom > meta.MaxZoom || !meta.HasLevel(zoom) {
		return meta.MaxZoom
	}
	return zoom
}

func (r *Resolver) Read(ctx context.Context, req ReadRequest) (res Result, err error) {
	start := time.Now()
	defer func() {
		observability.ObserveRasterRead(Outcome(err), time.Since(start).Seconds())
	}()

	name := strings.TrimSpace(req.Dataset)
	if name == "" {
		return Result{}, fmt.Errorf("%w: dataset is required", ErrInvalidRequest)
	}
	if w := req.Window; w != nil && (w.Width <= 0 || w.Height <= 0) {
		return Result{}, fmt.Errorf("%w: window %dx%d", ErrInvalidRequest, w.Width, w.Height)
	}

	meta, err := r.meta.Metadata(ctx, name)
	if err != nil {
		return Result{}, err
	}

	var bounds model.GeoBounds
	var zoom int
	if req.Bounds == nil {
		bounds = tilemath.ClampBounds(meta.Bounds)
		zoom = meta.MaxZoom
	} else {
		if !req.Bounds.Valid() {
			return Result{}, fmt.Errorf("%w: bounds %s", ErrInvalidRequest, req.Bounds)
		}
		bounds = tilemath.ClampBounds(*req.Bounds)
		if !bounds.Valid() {
			return Result{}, fmt.Errorf("%w: bounds %s outside the world extent", ErrInvalidRequest, req.Bounds)
		}
		zoom = SelectZoom(meta, bounds, req.Window)
	}

	ts := meta.TileSize
	tr := tilemath.BoundsToTileRange(bounds, zoom)
	actual := tilemath.TileRangeToBounds(tr)
	win, outBounds := cropWindow(bounds, actual, tr, ts)

	if limit := r.opts.MaxReadPixels; limit > 0 && int64(win.w)*int64(win.h) > limit {
		return Result{}, fmt.Errorf("%w: %dx%d pixels exceeds %d", ErrRequestTooLarge, win.w, win.h, limit)
	}

	src, err := r.tiles.OpenTiles(ctx, name, zoom)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			r.log.Warn("tile source close failed", "dataset", name, "zoom", zoom, "err", cerr)
		}
	}()

	block, found, missing, err := r.assemble(ctx, src, meta, tr, win)
	observability.AddTiles(found, missing)
	if err != nil {
		return Result{}, err
	}
	if found == 0 {
		return Result{}, fmt.Errorf("%w: %s zoom %d tiles %d..%d x %d..%d",
			ErrNoTilesInRange, name, zoom, tr.MinCol, tr.MaxCol, tr.MinRow, tr.MaxRow)
	}

	r.log.Debug("raster read",
		"dataset", name,
		"zoom", zoom,
		"tiles", found,
		"missing", missing,
		"width", win.w,
		"height", win.h,
		"dur_ms", time.Since(start).Milliseconds(),
	)
	return Result{
		Block:   block,
		Bounds:  outBounds,
		Zoom:    zoom,
		CRS:     model.CRS,
		Tiles:   found,
		Missing: missing,
	}, nil
}

// window is the crop rectangle in the pixel space of the merged tile block.
type window struct {
	offX, offY int
	w, h       int
}

func cropWindow(req, actual model.GeoBounds, tr model.TileBoundsRange, ts int) (window, model.GeoBounds) {
	zoom := tr.Zoom
	reqUL := tilemath.LatLonToPixel(req.North, req.West, zoom, ts)
	reqLR := tilemath.LatLonToPixel(req.South, req.East, zoom, ts)
	actUL := tilemath.LatLonToPixel(actual.North, actual.West, zoom, ts)
	mergedW, mergedH := tr.Cols()*ts, tr.Rows()*ts

	win := window{
		offX: int(math.Floor(reqUL.X - actUL.X + pixelEps)),
		offY: int(math.Floor(reqUL.Y - actUL.Y + pixelEps)),
		w:    max(int(math.Round(reqLR.X-reqUL.X)), 1),
		h:    max(int(math.Round(reqLR.Y-reqUL.Y)), 1),
	}
	// the part of the request before the merged raster is dropped, so the
	// window and the reported bounds keep matching
	out := req
	if win.offX < 0 {
		win.w = max(win.w+win.offX, 1)
		win.offX = 0
		out.West = actual.West
	}
	if win.offY < 0 {
		win.h = max(win.h+win.offY, 1)
		win.offY = 0
		out.North = actual.North
	}
	if win.offX+win.w > mergedW {
		win.w = mergedW - win.offX
		out.East = actual.East
	}
	if win.offY+win.h > mergedH {
		win.h = mergedH - win.offY
		out.South = actual.South
	}
	return win, out
}

func (r *Resolver) assemble(
	ctx context.Context,
	src store.TileSource,
	meta model.PyramidMetadata,
	tr model.TileBoundsRange,
	win window,
) (*raster.Block, int, int, error) {
	out, err := raster.NewFilled(win.w, win.h, meta.PixelType(), meta.NoData())
	if err != nil {
		return nil, 0, 0, err
	}
	ts := meta.TileSize
	var found, missing atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxConcurrentTiles)
	for row := tr.MinRow; row <= tr.MaxRow; row++ {
		for col := tr.MinCol; col <= tr.MaxCol; col++ {
			tx0, ty0 := (col-tr.MinCol)*ts, (row-tr.MinRow)*ts
			ix0, ix1 := max(tx0, win.offX), min(tx0+ts, win.offX+win.w)
			iy0, iy1 := max(ty0, win.offY), min(ty0+ts, win.offY+win.h)
			if ix0 >= ix1 || iy0 >= iy1 {
				continue
			}
			g.Go(func() error {
				tile, err := src.ReadTile(gctx, col, row)
				if errors.Is(err, store.ErrTileNotFound) {
					missing.Add(1)
					return nil
				}
				if err != nil {
					return fmt.Errorf("read tile %d/%d/%d: %w", tr.Zoom, col, row, err)
				}
				// tiles cover disjoint regions of out
				if err := out.CopyRect(tile, ix0-tx0, iy0-ty0, ix0-win.offX, iy0-win.offY, ix1-ix0, iy1-iy0); err != nil {
					return fmt.Errorf("place tile %d/%d/%d: %w", tr.Zoom, col, row, err)
				}
				found.Add(1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, int(found.Load()), int(missing.Load()), err
	}
	return out, int(found.Load()), int(missing.Load()), nil
}
