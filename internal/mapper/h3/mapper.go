// Package h3mapper maps geographic bounds onto H3 cells so cached reads can be
// invalidated by area.
package h3mapper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

const (
	// average hexagon area at resolution 0, in km²; each finer level is 7x smaller
	res0AreaKm2 = 4357449.416078392

	// h3 polygon edges follow great circles, so wide rectangles are split
	maxChunkDeg = 90.0
)

var ErrTooManyCells = errors.New("h3mapper: bounds cover too many cells")

type Mapper struct {
	// MaxCells caps the number of cells a single lookup may produce; 0 means
	// no cap.
	MaxCells int
}

func New(maxCells int) *Mapper { return &Mapper{MaxCells: maxCells} }

// EstimateCells is a cheap upper-bound-ish guess of how many cells b covers.
func EstimateCells(b model.GeoBounds, res int) float64 {
	midLat := (b.North + b.South) / 2 * math.Pi / 180
	widthKm := b.Width() * 111.32 * math.Max(math.Cos(midLat), 0.05)
	heightKm := b.Height() * 110.57
	return widthKm*heightKm/(res0AreaKm2/math.Pow(7, float64(res))) + 1
}

// CellsForBounds returns the sorted, unique cells covering b. Cells containing
// the corners and centre are always included, so tiny bounds never map to an
// empty set.
func (m *Mapper) CellsForBounds(b model.GeoBounds, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if !b.Valid() {
		return nil, fmt.Errorf("h3mapper: invalid bounds %s", b)
	}
	if m.MaxCells > 0 && EstimateCells(b, res) > float64(m.MaxCells) {
		return nil, fmt.Errorf("%w: ~%.0f at res %d", ErrTooManyCells, EstimateCells(b, res), res)
	}

	seen := map[string]struct{}{}
	for west := b.West; west < b.East; west += maxChunkDeg {
		east := math.Min(west+maxChunkDeg, b.East)
		loop := h3.GeoLoop{
			{Lat: b.South, Lng: west},
			{Lat: b.South, Lng: east},
			{Lat: b.North, Lng: east},
			{Lat: b.North, Lng: west},
		}
		cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
		for _, c := range cells {
			seen[c.String()] = struct{}{}
		}
	}

	seeds := []h3.LatLng{
		{Lat: b.South, Lng: b.West},
		{Lat: b.South, Lng: b.East},
		{Lat: b.North, Lng: b.East},
		{Lat: b.North, Lng: b.West},
		{Lat: (b.North + b.South) / 2, Lng: (b.East + b.West) / 2},
	}
	for _, ll := range seeds {
		c, err := h3.LatLngToCell(ll, res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell for %v: %w", ll, err)
		}
		seen[c.String()] = struct{}{}
	}

	if m.MaxCells > 0 && len(seen) > m.MaxCells {
		return nil, fmt.Errorf("%w: %d at res %d", ErrTooManyCells, len(seen), res)
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// WithNeighbors returns cells plus their immediate ring, sorted and unique.
// Invalidation uses it so an update touching only the edge of a read's
// coverage still finds the read.
func (m *Mapper) WithNeighbors(cells []string) ([]string, error) {
	seen := make(map[string]struct{}, len(cells)*7)
	for _, s := range cells {
		var c h3.Cell
		if err := c.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("parse cell: %w", err)
		}
		if !c.IsValid() {
			return nil, fmt.Errorf("invalid h3 cell %q", s)
		}
		disk, err := c.GridDisk(1)
		if err != nil {
			return nil, fmt.Errorf("h3 grid disk: %w", err)
		}
		for _, d := range disk {
			seen[d.String()] = struct{}{}
		}
	}
	if m.MaxCells > 0 && len(seen) > m.MaxCells {
		return nil, fmt.Errorf("%w: %d with neighbours", ErrTooManyCells, len(seen))
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}
