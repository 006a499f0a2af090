// Package readcache caches resolved raster reads in Redis and invalidates
// them by dataset or by area.
package readcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/cache"
	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/cellindex"
	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/keys"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/observability"
	"github.com/mohammed-shakir/pyramid-catalog/internal/mapper"
	h3mapper "github.com/mohammed-shakir/pyramid-catalog/internal/mapper/h3"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/resolver"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultH3Res    = 5
	DefaultMaxCells = 2048
)

// Reader is satisfied by *resolver.Resolver.
type Reader interface {
	Read(ctx context.Context, req resolver.ReadRequest) (resolver.Result, error)
}

type Options struct {
	TTL      time.Duration
	H3Res    int
	MaxCells int
	// Mapper defaults to an H3 mapper capped at MaxCells.
	Mapper mapper.Interface
	Logger *slog.Logger
}

type Cache struct {
	next   Reader
	kv     cache.Interface
	idx    cellindex.CellIndex
	mapper mapper.Interface
	opts   Options
	log    *slog.Logger
}

func New(next Reader, kv cache.Interface, idx cellindex.CellIndex, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.H3Res <= 0 {
		opts.H3Res = DefaultH3Res
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = DefaultMaxCells
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mapper == nil {
		opts.Mapper = h3mapper.New(opts.MaxCells)
	}
	return &Cache{
		next:   next,
		kv:     kv,
		idx:    idx,
		mapper: opts.Mapper,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Read serves req from Redis when possible. Cache failures never fail the
// read; they are logged and the resolver is used directly.
func (c *Cache) Read(ctx context.Context, req resolver.ReadRequest) (resolver.Result, error) {
	name := strings.TrimSpace(req.Dataset)
	gen, err := c.generation(ctx, name)
	if err != nil {
		c.log.Warn("read cache generation lookup failed", "dataset", name, "err", err)
		observability.IncCacheBypass()
		return c.next.Read(ctx, req)
	}
	key := keys.ReadKey(name, gen, req.Bounds, req.Window)

	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.log.Warn("read cache get failed", "key", key, "err", err)
	}
	if ok {
		res, derr := decodeResult(raw)
		if derr == nil {
			observability.IncCacheHit()
			return res, nil
		}
		c.log.Warn("read cache entry corrupt", "key", key, "err", derr)
	}
	observability.IncCacheMiss()

	res, err := c.next.Read(ctx, req)
	if err != nil {
		return res, err
	}
	c.store(ctx, name, key, res)
	return res, nil
}

func (c *Cache) store(ctx context.Context, name, key string, res resolver.Result) {
	cells, err := c.mapper.CellsForBounds(res.Bounds, c.opts.H3Res)
	if err != nil {
		if errors.Is(err, h3mapper.ErrTooManyCells) {
			c.log.Debug("read too wide to index, not cached", "dataset", name, "bounds", res.Bounds.String())
		} else {
			c.log.Warn("read cache cell mapping failed", "dataset", name, "err", err)
		}
		observability.IncCacheBypass()
		return
	}
	payload, err := encodeResult(res)
	if err != nil {
		c.log.Warn("read cache encode failed", "key", key, "err", err)
		return
	}
	// index first so an entry is never reachable without being invalidatable
	if err := c.idx.Add(ctx, name, c.opts.H3Res, cells, key, c.opts.TTL); err != nil {
		c.log.Warn("read cache index failed", "key", key, "err", err)
		return
	}
	if err := c.kv.Set(ctx, key, payload, c.opts.TTL); err != nil {
		c.log.Warn("read cache set failed", "key", key, "err", err)
	}
}

// InvalidateDataset makes every cached read of name unreachable.
func (c *Cache) InvalidateDataset(ctx context.Context, name string) error {
	if _, err := c.kv.Incr(ctx, keys.GenerationKey(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("bump generation for %s: %w", name, err)
	}
	return nil
}

// InvalidateBounds drops the cached reads of name that overlap b. Areas too
// large to map fall back to InvalidateDataset.
func (c *Cache) InvalidateBounds(ctx context.Context, name string, b model.GeoBounds) (int, error) {
	name = strings.TrimSpace(name)
	cells, err := c.mapper.CellsForBounds(b, c.opts.H3Res)
	if err == nil {
		cells, err = c.mapper.WithNeighbors(cells)
	}
	if errors.Is(err, h3mapper.ErrTooManyCells) {
		return 0, c.InvalidateDataset(ctx, name)
	}
	if err != nil {
		return 0, fmt.Errorf("map bounds %s: %w", b, err)
	}
	readKeys, err := c.idx.Keys(ctx, name, c.opts.H3Res, cells)
	if err != nil {
		return 0, err
	}
	if err := c.kv.Del(ctx, readKeys...); err != nil {
		return 0, err
	}
	if err := c.idx.Drop(ctx, name, c.opts.H3Res, cells); err != nil {
		return len(readKeys), err
	}
	return len(readKeys), nil
}

func (c *Cache) generation(ctx context.Context, name string) (int64, error) {
	raw, ok, err := c.kv.Get(ctx, keys.GenerationKey(name))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation %q: %w", raw, err)
	}
	return n, nil
}

type entryHeader struct {
	Bounds  model.GeoBounds `json:"bounds"`
	Zoom    int             `json:"zoom"`
	CRS     string          `json:"crs"`
	Tiles   int             `json:"tiles"`
	Missing int             `json:"missing"`
	Width   int             `json:"width"`
	Height  int             `json:"height"`
	Type    model.PixelType `json:"type"`
	Bands   int             `json:"bands"`
}

// entries are a JSON header line followed by the raw band samples
func encodeResult(res resolver.Result) ([]byte, error) {
	if res.Block == nil {
		return nil, errors.New("result has no raster")
	}
	hdr, err := json.Marshal(entryHeader{
		Bounds:  res.Bounds,
		Zoom:    res.Zoom,
		CRS:     res.CRS,
		Tiles:   res.Tiles,
		Missing: res.Missing,
		Width:   res.Block.Width,
		Height:  res.Block.Height,
		Type:    res.Block.Type,
		Bands:   res.Block.NumBands(),
	})
	if err != nil {
		return nil, err
	}
	body, err := raster.Marshal(res.Block, raster.CompressionNone)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hdr)+1+len(body))
	out = append(out, hdr...)
	out = append(out, '\n')
	return append(out, body...), nil
}

func decodeResult(raw []byte) (resolver.Result, error) {
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return resolver.Result{}, errors.New("missing header")
	}
	var hdr entryHeader
	if err := json.Unmarshal(raw[:i], &hdr); err != nil {
		return resolver.Result{}, fmt.Errorf("decode header: %w", err)
	}
	block, err := raster.Decode(raw[i+1:], hdr.Width, hdr.Height, hdr.Bands, hdr.Type, raster.CompressionNone)
	if err != nil {
		return resolver.Result{}, err
	}
	return resolver.Result{
		Block:   block,
		Bounds:  hdr.Bounds,
		Zoom:    hdr.Zoom,
		CRS:     hdr.CRS,
		Tiles:   hdr.Tiles,
		Missing: hdr.Missing,
	}, nil
}
