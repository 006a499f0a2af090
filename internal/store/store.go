// Package store defines the outbound interface to a tiled pyramid store and the
// registry of backends that implement it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
)

var (
	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrMetadataUnreadable = errors.New("dataset metadata unreadable")
	ErrTileNotFound       = errors.New("tile not found")
	ErrClosed             = errors.New("store: closed")
)

// Inventory enumerates dataset names. Results are never cached.
type Inventory interface {
	ListDatasets(ctx context.Context) ([]string, error)
}

type MetadataReader interface {
	ReadMetadata(ctx context.Context, name string) (model.PyramidMetadata, error)
}

// TileSource reads tiles of one dataset at one zoom. A source belongs to a
// single read and must be closed by it.
type TileSource interface {
	ReadTile(ctx context.Context, col, row int) (*raster.Block, error)
	Close() error
}

type TileOpener interface {
	OpenTiles(ctx context.Context, name string, zoom int) (TileSource, error)
}

type Store interface {
	Inventory
	MetadataReader
	TileOpener
	Available(ctx context.Context) error
	Close() error
}

// Credentials restrict which datasets a store exposes.
type Credentials struct {
	User  string
	Roles []string
}

// ParseRoles splits a comma separated role list.
func ParseRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Allows reports whether a dataset protected by roles is visible. Datasets
// without roles are public.
func (c Credentials) Allows(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// ValidName rejects dataset names that could escape a store root.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeMetadata parses and validates a JSON pyramid descriptor. The
// descriptor name defaults to the dataset name.
func DecodeMetadata(raw []byte, name string) (model.PyramidMetadata, error) {
	var m model.PyramidMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnreadable, name, err)
	}
	if m.Name == "" {
		m.Name = name
	}
	if err := ValidateMetadata(m); err != nil {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnreadable, name, err)
	}
	return m, nil
}

func ValidateMetadata(m model.PyramidMetadata) error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	if !m.Bounds.Valid() {
		return fmt.Errorf("invalid bounds %s", m.Bounds)
	}
	pt := m.PixelType()
	for i, b := range m.Bands {
		if b.PixelType != pt {
			return fmt.Errorf("band %d pixel type %s differs from %s", i, b.PixelType, pt)
		}
		if b.Stats != nil && b.Stats.Min > b.Stats.Max {
			return fmt.Errorf("band %d stats min > max", i)
		}
	}
	return nil
}

// EncodeMetadata is the inverse of DecodeMetadata, used by writers and tests.
func EncodeMetadata(m model.PyramidMetadata) ([]byte, error) {
	if err := ValidateMetadata(m); err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", m.Name, err)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", m.Name, err)
	}
	return b, nil
}

// DecodeTile decodes one stored tile using the dataset geometry.
func DecodeTile(data []byte, m model.PyramidMetadata) (*raster.Block, error) {
	b, err := raster.Decode(data, m.TileSize, m.TileSize, len(m.Bands), m.PixelType(), m.Compression)
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	return b, nil
}
