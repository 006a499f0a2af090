// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"slices"
)

// CRS is the only coordinate reference system pyramids are stored in.
const CRS = "EPSG:4326"

// GeoBounds is an axis-aligned rectangle in decimal degrees.
type GeoBounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// String representation matching wcs/wms bbox order
func (b GeoBounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

func (b GeoBounds) Width() float64  { return b.East - b.West }
func (b GeoBounds) Height() float64 { return b.North - b.South }

// Valid reports whether the bounds are finite and non-empty.
func (b GeoBounds) Valid() bool {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.West < b.East && b.South < b.North
}

func (b GeoBounds) Contains(o GeoBounds) bool {
	return o.West >= b.West && o.East <= b.East && o.South >= b.South && o.North <= b.North
}

func (b GeoBounds) Intersects(o GeoBounds) bool {
	return o.West < b.East && o.East > b.West && o.South < b.North && o.North > b.South
}

// TileAddress identifies one tile. Rows count down from the north edge.
type TileAddress struct {
	Zoom int
	Col  int
	Row  int
}

func (a TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Zoom, a.Col, a.Row)
}

// TileBoundsRange is an inclusive block of tiles at one zoom.
type TileBoundsRange struct {
	Zoom   int
	MinCol int
	MinRow int
	MaxCol int
	MaxRow int
}

func (r TileBoundsRange) Cols() int { return r.MaxCol - r.MinCol + 1 }
func (r TileBoundsRange) Rows() int { return r.MaxRow - r.MinRow + 1 }

// Count is the number of tiles addressed by the range.
func (r TileBoundsRange) Count() int { return r.Cols() * r.Rows() }

// PixelWindow is the requested output raster size.
type PixelWindow struct {
	Width  int
	Height int
}

// GridEnvelope is a pixel rectangle in world pixel space at some zoom.
// MaxX and MaxY are exclusive.
type GridEnvelope struct {
	MinX int64 `json:"minX"`
	MinY int64 `json:"minY"`
	MaxX int64 `json:"maxX"`
	MaxY int64 `json:"maxY"`
}

func (g GridEnvelope) Width() int64  { return g.MaxX - g.MinX }
func (g GridEnvelope) Height() int64 { return g.MaxY - g.MinY }

type PixelType string

const (
	PixelByte    PixelType = "byte"
	PixelInt16   PixelType = "int16"
	PixelUInt16  PixelType = "uint16"
	PixelInt32   PixelType = "int32"
	PixelFloat32 PixelType = "float32"
	PixelFloat64 PixelType = "float64"
)

// Size returns the sample width in bytes, or 0 for an unknown type.
func (p PixelType) Size() int {
	switch p {
	case PixelByte:
		return 1
	case PixelInt16, PixelUInt16:
		return 2
	case PixelInt32, PixelFloat32:
		return 4
	case PixelFloat64:
		return 8
	default:
		return 0
	}
}

func (p PixelType) Valid() bool { return p.Size() > 0 }

// Description is the human-readable sample type used in band titles.
func (p PixelType) Description() string {
	switch p {
	case PixelByte:
		return "byte"
	case PixelInt16:
		return "short"
	case PixelUInt16:
		return "unsigned short"
	case PixelInt32:
		return "int"
	case PixelFloat32:
		return "float"
	case PixelFloat64:
		return "double"
	default:
		return "unknown"
	}
}

type BandStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean,omitempty"`
}

type BandInfo struct {
	PixelType PixelType  `json:"pixelType" validate:"required,oneof=byte int16 uint16 int32 float32 float64"`
	NoData    float64    `json:"nodata"`
	Stats     *BandStats `json:"stats,omitempty"`
}

// PyramidMetadata describes one dataset. Values returned by the metadata
// accessor are shared and must be treated as read-only.
type PyramidMetadata struct {
	Name        string     `json:"name" validate:"required"`
	Bounds      GeoBounds  `json:"bounds"`
	MaxZoom     int        `json:"maxZoom" validate:"min=1,max=22"`
	TileSize    int        `json:"tileSize" validate:"min=1,max=8192"`
	Bands       []BandInfo `json:"bands" validate:"required,min=1,dive"`
	Levels      []int      `json:"levels,omitempty" validate:"omitempty,dive,min=0,max=22"`
	Compression string     `json:"compression,omitempty" validate:"omitempty,oneof=none gzip"`
	Roles       []string   `json:"roles,omitempty"`
}

// HasLevel reports whether tiles are stored at zoom. An empty Levels list
// means every level up to MaxZoom is present.
func (m PyramidMetadata) HasLevel(zoom int) bool {
	if zoom < 0 || zoom > m.MaxZoom {
		return false
	}
	if len(m.Levels) == 0 {
		return true
	}
	return slices.Contains(m.Levels, zoom)
}

// PixelType is the sample type of the first band.
func (m PyramidMetadata) PixelType() PixelType {
	if len(m.Bands) == 0 {
		return ""
	}
	return m.Bands[0].PixelType
}

// NoData returns one nodata value per band.
func (m PyramidMetadata) NoData() []float64 {
	out := make([]float64, len(m.Bands))
	for i, b := range m.Bands {
		out[i] = b.NoData
	}
	return out
}

// CatalogEntryRef is a published coverage as seen by the layer synchronizer:
// the (namespace, workspace, store) triple it lives in, the coverage and the
// layers bound to it.
type CatalogEntryRef struct {
	Namespace  string
	Workspace  string
	Store      string
	Coverage   string
	NativeName string
	Layers     []string
}
