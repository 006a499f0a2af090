// Package tilemath implements the equirectangular EPSG:4326 tiling scheme
// used by pyramid stores. Tile and pixel rows count down from the north edge.
package tilemath

import (
	"math"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

const (
	MaxZoomLevel    = 22
	DefaultTileSize = 512

	// snap tolerance, in tiles or pixels, for values computed right on an edge
	edgeEps = 1e-9
)

var World = model.GeoBounds{West: -180, South: -90, East: 180, North: 90}

// Pixel is a position in world pixel space at some zoom.
type Pixel struct {
	X float64
	Y float64
}

// Resolution returns degrees per pixel at zoom.
func Resolution(zoom, tileSize int) float64 {
	return 360.0 / (float64(tileSize) * math.Exp2(float64(zoom)))
}

// TileDegrees returns the extent of one tile, in degrees, at zoom.
func TileDegrees(zoom int) float64 {
	return 360.0 / math.Exp2(float64(zoom))
}

func Columns(zoom int) int { return 1 << zoom }

func Rows(zoom int) int {
	if zoom < 1 {
		return 1
	}
	return 1 << (zoom - 1)
}

// ZoomForPixelSize returns the smallest zoom whose resolution is at least as
// fine as pixelSize. Non-positive or non-finite input yields MaxZoomLevel.
func ZoomForPixelSize(pixelSize float64, tileSize int) int {
	if !(pixelSize > 0) || math.IsInf(pixelSize, 0) || tileSize <= 0 {
		return MaxZoomLevel
	}
	for z := 0; z <= MaxZoomLevel; z++ {
		if Resolution(z, tileSize) <= pixelSize*(1+edgeEps) {
			return z
		}
	}
	return MaxZoomLevel
}

func LatLonToPixel(lat, lon float64, zoom, tileSize int) Pixel {
	res := Resolution(zoom, tileSize)
	return Pixel{X: (lon + 180) / res, Y: (90 - lat) / res}
}

func PixelToLatLon(p Pixel, zoom, tileSize int) (lat, lon float64) {
	res := Resolution(zoom, tileSize)
	return 90 - p.Y*res, p.X*res - 180
}

// TileToBounds returns the geographic extent of a single tile.
func TileToBounds(col, row, zoom int) model.GeoBounds {
	span := TileDegrees(zoom)
	return model.GeoBounds{
		West:  float64(col)*span - 180,
		East:  float64(col+1)*span - 180,
		North: 90 - float64(row)*span,
		South: 90 - float64(row+1)*span,
	}
}

// BoundsToTileRange returns the minimal tile block covering b at zoom,
// clamped to the tile grid.
func BoundsToTileRange(b model.GeoBounds, zoom int) model.TileBoundsRange {
	span := TileDegrees(zoom)
	minCol := int(math.Floor(snap((b.West + 180) / span)))
	maxCol := int(math.Ceil(snap((b.East+180)/span))) - 1
	minRow := int(math.Floor(snap((90 - b.North) / span)))
	maxRow := int(math.Ceil(snap((90-b.South)/span))) - 1
	if maxCol < minCol {
		maxCol = minCol
	}
	if maxRow < minRow {
		maxRow = minRow
	}
	cols, rows := Columns(zoom), Rows(zoom)
	return model.TileBoundsRange{
		Zoom:   zoom,
		MinCol: clampInt(minCol, 0, cols-1),
		MaxCol: clampInt(maxCol, 0, cols-1),
		MinRow: clampInt(minRow, 0, rows-1),
		MaxRow: clampInt(maxRow, 0, rows-1),
	}
}

// TileRangeToBounds returns the extent of a tile block, snapped to tile edges.
func TileRangeToBounds(r model.TileBoundsRange) model.GeoBounds {
	ul := TileToBounds(r.MinCol, r.MinRow, r.Zoom)
	lr := TileToBounds(r.MaxCol, r.MaxRow, r.Zoom)
	return model.GeoBounds{West: ul.West, North: ul.North, East: lr.East, South: lr.South}
}

// ClampBounds intersects b with the world extent.
func ClampBounds(b model.GeoBounds) model.GeoBounds {
	return model.GeoBounds{
		West:  math.Max(b.West, World.West),
		South: math.Max(b.South, World.South),
		East:  math.Min(b.East, World.East),
		North: math.Min(b.North, World.North),
	}
}

// PixelBounds returns the world pixel envelope of b at zoom.
func PixelBounds(b model.GeoBounds, zoom, tileSize int) model.GridEnvelope {
	ul := LatLonToPixel(b.North, b.West, zoom, tileSize)
	lr := LatLonToPixel(b.South, b.East, zoom, tileSize)
	minX := int64(math.Floor(snap(ul.X)))
	minY := int64(math.Floor(snap(ul.Y)))
	w := max(int64(math.Round(lr.X-ul.X)), 1)
	h := max(int64(math.Round(lr.Y-ul.Y)), 1)
	return model.GridEnvelope{MinX: minX, MinY: minY, MaxX: minX + w, MaxY: minY + h}
}

func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < edgeEps {
		return r
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
