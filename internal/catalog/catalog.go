// Package catalog describes the host catalog that pyramids are published
// into: namespaces, workspaces, coverage stores, coverages and layers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidationFailed = errors.New("catalog: validation failed")
	ErrMutationFailed   = errors.New("catalog: mutation failed")
	ErrReadFailed       = errors.New("catalog: read failed")
	ErrNotFound         = errors.New("catalog: not found")
)

// Catalog is the outbound surface to the host catalog. Creation calls treat
// an existing entry as success; removals treat an absent entry as success.
type Catalog interface {
	EnsureNamespace(ctx context.Context, prefix, uri string) error
	EnsureWorkspace(ctx context.Context, name string) error
	EnsureCoverageStore(ctx context.Context, ws string, s StoreInfo) error
	ListCoverages(ctx context.Context, ws, store string) ([]PublishedCoverage, error)
	Validate(ctx context.Context, ws, store string, c CoverageInfo) error
	AddCoverage(ctx context.Context, ws, store string, c CoverageInfo) error
	AddLayer(ctx context.Context, ws string, l LayerInfo) error
	RemoveLayer(ctx context.Context, ws, name string) error
	RemoveCoverage(ctx context.Context, ws, store, name string) error
}

const (
	SRS                     = "EPSG:4326"
	NativeFormat            = "GEOTIFF"
	ProjectionForceDeclared = "FORCE_DECLARED"
	LayerTypeRaster         = "RASTER"
	DefaultStoreType        = "MrGeo"
	DefaultStoreDescription = "MrGeo data source, automatically (periodically) updated with new layers"
)

// SupportedFormats is advertised on every published coverage.
var SupportedFormats = []string{"GIF", "PNG", "JPEG", "TIFF", "ImageMosaic", "GEOTIFF", "ArcGrid", "Gtopo30"}

type StoreInfo struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"required"`
	URL         string `json:"url" validate:"required"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type BoundingBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	CRS  string  `json:"crs" validate:"required"`
}

func (b BoundingBox) valid() bool {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX < b.MaxX && b.MinY < b.MaxY
}

// Grid is the coverage's raster grid in world pixel space; High is exclusive.
type Grid struct {
	LowX       int64   `json:"lowX"`
	LowY       int64   `json:"lowY"`
	HighX      int64   `json:"highX"`
	HighY      int64   `json:"highY"`
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
	CRS        string  `json:"crs" validate:"required"`
}

type NumberRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Dimension struct {
	Name          string       `json:"name" validate:"required"`
	Description   string       `json:"description" validate:"required"`
	DimensionType string       `json:"dimensionType" validate:"required,oneof=UNSIGNED_8BITS SIGNED_16BITS UNSIGNED_16BITS SIGNED_32BITS REAL_32BITS REAL_64BITS"`
	NullValues    []float64    `json:"nullValues" validate:"min=1"`
	Range         *NumberRange `json:"range,omitempty"`
}

type CoverageInfo struct {
	Name               string      `json:"name" validate:"required"`
	NativeName         string      `json:"nativeName" validate:"required"`
	NativeCoverageName string      `json:"nativeCoverageName" validate:"required"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Abstract           string      `json:"abstract"`
	Namespace          string      `json:"namespace" validate:"required"`
	SRS                string      `json:"srs" validate:"required,eq=EPSG:4326"`
	NativeBoundingBox  BoundingBox `json:"nativeBoundingBox"`
	LatLonBoundingBox  BoundingBox `json:"latLonBoundingBox"`
	Grid               Grid        `json:"grid"`
	NativeFormat       string      `json:"nativeFormat" validate:"required"`
	SupportedFormats   []string    `json:"supportedFormats" validate:"min=1"`
	RequestSRS         []string    `json:"requestSRS" validate:"min=1"`
	ResponseSRS        []string    `json:"responseSRS" validate:"min=1"`
	ProjectionPolicy   string      `json:"projectionPolicy" validate:"oneof=FORCE_DECLARED REPROJECT_TO_DECLARED NONE"`
	Dimensions         []Dimension `json:"dimensions" validate:"min=1,dive"`
	Enabled            bool        `json:"enabled"`
	Advertised         bool        `json:"advertised"`
}

type LayerInfo struct {
	Name     string `json:"name" validate:"required"`
	Resource string `json:"resource" validate:"required"`
	Type     string `json:"type" validate:"required,eq=RASTER"`
	Path     string `json:"path"`
	Enabled  bool   `json:"enabled"`

	// DefaultStyle is left to the host when empty.
	DefaultStyle string `json:"defaultStyle,omitempty"`
}

// PublishedCoverage is what the synchronizer needs to know about an existing
// coverage: its names and every layer bound to it.
type PublishedCoverage struct {
	Name       string
	NativeName string
	Layers     []string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateCoverage is the rule set shared by every backend.
func ValidateCoverage(c CoverageInfo) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: coverage %q: %v", ErrValidationFailed, c.Name, err)
	}
	if !c.NativeBoundingBox.valid() || !c.LatLonBoundingBox.valid() {
		return fmt.Errorf("%w: coverage %q: empty or non-finite bounding box", ErrValidationFailed, c.Name)
	}
	if c.Grid.HighX <= c.Grid.LowX || c.Grid.HighY <= c.Grid.LowY {
		return fmt.Errorf("%w: coverage %q: empty grid envelope", ErrValidationFailed, c.Name)
	}
	for i, d := range c.Dimensions {
		if d.Range != nil && d.Range.Min > d.Range.Max {
			return fmt.Errorf("%w: coverage %q: band %d range min > max", ErrValidationFailed, c.Name, i)
		}
	}
	return nil
}

func ValidateLayer(l LayerInfo) error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("%w: layer %q: %v", ErrValidationFailed, l.Name, err)
	}
	return nil
}

// IsAlreadyExists reports whether a host answer means the entry exists.
func IsAlreadyExists(status int, body string) bool {
	if status == 409 {
		return true
	}
	return strings.Contains(strings.ToLower(body), "already exists")
}
