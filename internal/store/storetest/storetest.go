// Package storetest builds small pyramids on disk for tests.
package storetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store/fsstore"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store/gpkgstore"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

// Meta returns a single-band descriptor.
func Meta(name string, b model.GeoBounds, maxZoom, tileSize int, pt model.PixelType, nodata float64) model.PyramidMetadata {
	return model.PyramidMetadata{
		Name:     name,
		Bounds:   b,
		MaxZoom:  maxZoom,
		TileSize: tileSize,
		Bands:    []model.BandInfo{{PixelType: pt, NoData: nodata}},
	}
}

// Elevation is the single-band dataset used throughout the docs and tests.
func Elevation() model.PyramidMetadata {
	m := Meta("elevation", model.GeoBounds{West: -10, South: -5, East: 10, North: 5}, 8, 512, model.PixelInt16, -9999)
	m.Bands[0].Stats = &model.BandStats{Min: -412, Max: 2250}
	return m
}

// Value is the sample stored at world pixel (gx, gy) in every Gradient tile.
func Value(gx, gy int) float64 {
	return float64((gx*31 + gy*17) % 251)
}

// Gradient returns a tile whose samples depend only on their world pixel
// position, so assembled rasters can be checked against Value.
func Gradient(t testing.TB, m model.PyramidMetadata, col, row int) *raster.Block {
	t.Helper()
	b, err := raster.New(m.TileSize, m.TileSize, m.PixelType(), len(m.Bands))
	if err != nil {
		t.Fatalf("new tile: %v", err)
	}
	for band := range b.Bands {
		for y := 0; y < m.TileSize; y++ {
			for x := 0; x < m.TileSize; x++ {
				b.Set(band, x, y, Value(col*m.TileSize+x, row*m.TileSize+y))
			}
		}
	}
	return b
}

// Covering lists the tiles covering the dataset bounds at zoom.
func Covering(m model.PyramidMetadata, zoom int) []model.TileAddress {
	r := tilemath.BoundsToTileRange(m.Bounds, zoom)
	var out []model.TileAddress
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			out = append(out, model.TileAddress{Zoom: zoom, Col: col, Row: row})
		}
	}
	return out
}

// WriteFS writes a dataset directory with Gradient tiles at addrs.
func WriteFS(t testing.TB, root string, m model.PyramidMetadata, addrs []model.TileAddress) {
	t.Helper()
	raw, err := store.EncodeMetadata(m)
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	WriteFSRaw(t, root, m.Name, raw)
	dir := filepath.Join(root, m.Name)
	for _, a := range addrs {
		p := filepath.Join(dir, fsstore.TilePath(a.Zoom, a.Col, a.Row))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		data, err := raster.Marshal(Gradient(t, m, a.Col, a.Row), m.Compression)
		if err != nil {
			t.Fatalf("marshal tile: %v", err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write tile: %v", err)
		}
	}
}

// WriteFSRaw writes a dataset directory holding only the given descriptor.
func WriteFSRaw(t testing.TB, root, name string, descriptor []byte) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fsstore.MetadataFile), descriptor, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}

// NewFS returns an fsstore over a fresh temp root.
func NewFS(t testing.TB) (*fsstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := fsstore.New(root, store.Credentials{}, nil)
	if err != nil {
		t.Fatalf("fsstore: %v", err)
	}
	return s, root
}

// WriteGPKG adds a dataset with Gradient tiles at addrs to the GeoPackage at path.
func WriteGPKG(t testing.TB, path string, m model.PyramidMetadata, addrs []model.TileAddress) {
	t.Helper()
	ctx := context.Background()
	w, err := gpkgstore.Create(ctx, path)
	if err != nil {
		t.Fatalf("create gpkg: %v", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.CreateDataset(ctx, m); err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	for _, a := range addrs {
		if err := w.PutTile(ctx, m, a, Gradient(t, m, a.Col, a.Row)); err != nil {
			t.Fatalf("put tile: %v", err)
		}
	}
}
