package coverage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/resolver"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

var (
	ErrDatasetNotFound = resolver.ErrDatasetNotFound
	ErrInvalidRequest  = resolver.ErrInvalidRequest
)

// RasterReader is satisfied by *resolver.Resolver and *readcache.Cache.
type RasterReader interface {
	Read(ctx context.Context, req resolver.ReadRequest) (resolver.Result, error)
}

type ReadParams struct {
	Bounds *model.GeoBounds
	Window *model.PixelWindow
}

// Description is everything the reader knows about one coverage.
type Description struct {
	Name              string             `json:"name"`
	CRS               string             `json:"crs"`
	Envelope          model.GeoBounds    `json:"envelope"`
	GridRange         model.GridEnvelope `json:"gridRange"`
	HighestResolution [2]float64         `json:"highestResolution"`
	MaxZoom           int                `json:"maxZoom"`
	TileSize          int                `json:"tileSize"`
	Bands             []model.BandInfo   `json:"bands"`
}

// Reader answers per-coverage queries. Every per-name call first checks the
// name against the live inventory, so a dataset removed from the store
// disappears here before the synchronizer catches up.
type Reader struct {
	inv    store.Inventory
	meta   resolver.MetadataSource
	raster RasterReader
	cfg    config.Plugin
	log    *slog.Logger
}

func NewReader(inv store.Inventory, meta resolver.MetadataSource, raster RasterReader, cfg config.Plugin, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{inv: inv, meta: meta, raster: raster, cfg: cfg, log: logger.With("component", "coverage")}
}

// Config is the plugin configuration the reader was opened with.
func (r *Reader) Config() config.Plugin { return r.cfg }

func (r *Reader) CoverageNames(ctx context.Context) ([]string, error) {
	names, err := r.inv.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (r *Reader) CoverageCount(ctx context.Context) (int, error) {
	names, err := r.inv.ListDatasets(ctx)
	return len(names), err
}

func (r *Reader) check(ctx context.Context, name string) error {
	names, err := r.inv.ListDatasets(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, name) {
		r.log.Debug("coverage not found", "coverage", name)
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	return nil
}

func (r *Reader) metadata(ctx context.Context, name string) (model.PyramidMetadata, error) {
	if err := r.check(ctx, name); err != nil {
		return model.PyramidMetadata{}, err
	}
	return r.meta.Metadata(ctx, name)
}

// CRS is always EPSG:4326.
func (r *Reader) CRS(ctx context.Context, name string) (string, error) {
	if err := r.check(ctx, name); err != nil {
		return "", err
	}
	return model.CRS, nil
}

// OriginalGridRange is the native pixel envelope at the deepest zoom.
func (r *Reader) OriginalGridRange(ctx context.Context, name string) (model.GridEnvelope, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return model.GridEnvelope{}, err
	}
	return tilemath.PixelBounds(tilemath.ClampBounds(m.Bounds), m.MaxZoom, m.TileSize), nil
}

func (r *Reader) OriginalEnvelope(ctx context.Context, name string) (model.GeoBounds, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return model.GeoBounds{}, err
	}
	return m.Bounds, nil
}

// HighestResolution is the x/y pixel size in degrees at the deepest zoom.
func (r *Reader) HighestResolution(ctx context.Context, name string) ([2]float64, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return [2]float64{}, err
	}
	res := tilemath.Resolution(m.MaxZoom, m.TileSize)
	return [2]float64{res, res}, nil
}

// ResolutionLevels lists only the highest resolution.
func (r *Reader) ResolutionLevels(ctx context.Context, name string) ([][2]float64, error) {
	hr, err := r.HighestResolution(ctx, name)
	if err != nil {
		return nil, err
	}
	return [][2]float64{hr}, nil
}

// ReadingResolutions returns the resolution a read at the requested x/y
// pixel size would actually use.
func (r *Reader) ReadingResolutions(ctx context.Context, name string, requested []float64) ([2]float64, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return [2]float64{}, err
	}
	if len(requested) != 2 {
		return [2]float64{}, fmt.Errorf("%w: want 2 resolutions, got %d", ErrInvalidRequest, len(requested))
	}
	for _, v := range requested {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return [2]float64{}, fmt.Errorf("%w: resolution %v", ErrInvalidRequest, v)
		}
	}
	zoom := resolver.ZoomForResolution(m, requested[0], requested[1])
	res := tilemath.Resolution(zoom, m.TileSize)
	return [2]float64{res, res}, nil
}

// OverviewGridRange is the pixel envelope of the coverage at zoom.
func (r *Reader) OverviewGridRange(ctx context.Context, name string, zoom int) (model.GridEnvelope, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return model.GridEnvelope{}, err
	}
	if zoom < 0 || zoom > m.MaxZoom {
		return model.GridEnvelope{}, fmt.Errorf("%w: zoom %d outside [0,%d]", ErrInvalidRequest, zoom, m.MaxZoom)
	}
	return tilemath.PixelBounds(tilemath.ClampBounds(m.Bounds), zoom, m.TileSize), nil
}

func (r *Reader) Describe(ctx context.Context, name string) (Description, error) {
	m, err := r.metadata(ctx, name)
	if err != nil {
		return Description{}, err
	}
	res := tilemath.Resolution(m.MaxZoom, m.TileSize)
	return Description{
		Name:              name,
		CRS:               model.CRS,
		Envelope:          m.Bounds,
		GridRange:         tilemath.PixelBounds(tilemath.ClampBounds(m.Bounds), m.MaxZoom, m.TileSize),
		HighestResolution: [2]float64{res, res},
		MaxZoom:           m.MaxZoom,
		TileSize:          m.TileSize,
		Bands:             m.Bands,
	}, nil
}

func (r *Reader) Read(ctx context.Context, name string, p ReadParams) (resolver.Result, error) {
	if err := r.check(ctx, name); err != nil {
		return resolver.Result{}, err
	}
	return r.raster.Read(ctx, resolver.ReadRequest{Dataset: name, Bounds: p.Bounds, Window: p.Window})
}
