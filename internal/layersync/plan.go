// Package layersync keeps the coverages and layers of one managed coverage
// store in step with the datasets of a pyramid store.
package layersync

import (
	"fmt"
	"sort"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

// Target is the managed (namespace, workspace, coverage store) triple.
type Target struct {
	Namespace    string
	NamespaceURI string
	Workspace    string
	Store        string

	// StoreURL is recorded on the coverage store, normally the plugin
	// configuration path.
	StoreURL string
}

func (t Target) Key() string { return t.Namespace + "/" + t.Workspace + "/" + t.Store }

func (t Target) storeInfo() catalog.StoreInfo {
	return catalog.StoreInfo{
		Name:        t.Store,
		Type:        catalog.DefaultStoreType,
		URL:         t.StoreURL,
		Description: catalog.DefaultStoreDescription,
		Enabled:     true,
	}
}

// Plan is the difference between the inventory and the published coverages.
type Plan struct {
	// ToAdd holds dataset names with no coverage, sorted.
	ToAdd []string
	// ToRemove holds coverages whose dataset is gone, with every bound layer.
	ToRemove []model.CatalogEntryRef
	// ToRepublish holds coverages still backed by a dataset but without any
	// layer; they are removed and published again.
	ToRepublish []model.CatalogEntryRef
}

func (p Plan) Empty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0 && len(p.ToRepublish) == 0
}

func (p Plan) String() string {
	return fmt.Sprintf("add=%d remove=%d republish=%d", len(p.ToAdd), len(p.ToRemove), len(p.ToRepublish))
}

// In scopes every entry of the plan to the managed triple of t.
func (p Plan) In(t Target) Plan {
	scope := func(refs []model.CatalogEntryRef) []model.CatalogEntryRef {
		out := make([]model.CatalogEntryRef, len(refs))
		for i, r := range refs {
			r.Namespace, r.Workspace, r.Store = t.Namespace, t.Workspace, t.Store
			out[i] = r
		}
		return out
	}
	if p.ToRemove != nil {
		p.ToRemove = scope(p.ToRemove)
	}
	if p.ToRepublish != nil {
		p.ToRepublish = scope(p.ToRepublish)
	}
	return p
}

// Diff compares the live inventory with the coverages published in the
// managed store. Coverages are matched to datasets by native coverage name.
func Diff(inventory []string, published []catalog.PublishedCoverage) Plan {
	inv := make(map[string]bool, len(inventory))
	for _, n := range inventory {
		inv[n] = true
	}
	pubs := append([]catalog.PublishedCoverage(nil), published...)
	sort.Slice(pubs, func(i, j int) bool { return pubs[i].Name < pubs[j].Name })

	var p Plan
	covered := map[string]bool{}
	for _, pc := range pubs {
		native := pc.NativeName
		if native == "" {
			native = pc.Name
		}
		ref := model.CatalogEntryRef{
			Coverage:   pc.Name,
			NativeName: native,
			Layers:     append([]string(nil), pc.Layers...),
		}
		if !inv[native] {
			p.ToRemove = append(p.ToRemove, ref)
			continue
		}
		covered[native] = true
		if len(pc.Layers) == 0 {
			p.ToRepublish = append(p.ToRepublish, ref)
		}
	}
	for n := range inv {
		if !covered[n] {
			p.ToAdd = append(p.ToAdd, n)
		}
	}
	sort.Strings(p.ToAdd)
	return p
}

// BuildCoverage translates pyramid metadata into the coverage and layer
// descriptors published for it. The dataset name is meta.Name.
func BuildCoverage(meta model.PyramidMetadata, t Target) (catalog.CoverageInfo, catalog.LayerInfo) {
	name := meta.Name
	b := tilemath.ClampBounds(meta.Bounds)
	env := tilemath.PixelBounds(b, meta.MaxZoom, meta.TileSize)
	res := tilemath.Resolution(meta.MaxZoom, meta.TileSize)
	bbox := catalog.BoundingBox{MinX: b.West, MinY: b.South, MaxX: b.East, MaxY: b.North, CRS: catalog.SRS}

	dims := make([]catalog.Dimension, 0, len(meta.Bands))
	for i, band := range meta.Bands {
		d := catalog.Dimension{
			Name:          fmt.Sprintf("band %d", i),
			Description:   fmt.Sprintf("Band %d (%s)", i+1, band.PixelType.Description()),
			DimensionType: dimensionType(band.PixelType),
			NullValues:    []float64{band.NoData},
		}
		if band.Stats != nil {
			d.Range = &catalog.NumberRange{Min: band.Stats.Min, Max: band.Stats.Max}
		}
		dims = append(dims, d)
	}

	ci := catalog.CoverageInfo{
		Name:               name,
		NativeName:         name,
		NativeCoverageName: name,
		Title:              name,
		Namespace:          t.Namespace,
		SRS:                catalog.SRS,
		NativeBoundingBox:  bbox,
		LatLonBoundingBox:  bbox,
		Grid: catalog.Grid{
			LowX:       env.MinX,
			LowY:       env.MinY,
			HighX:      env.MaxX,
			HighY:      env.MaxY,
			ScaleX:     res,
			ScaleY:     -res,
			TranslateX: tilemath.World.West,
			TranslateY: tilemath.World.North,
			CRS:        catalog.SRS,
		},
		NativeFormat:     catalog.NativeFormat,
		SupportedFormats: append([]string(nil), catalog.SupportedFormats...),
		RequestSRS:       []string{catalog.SRS},
		ResponseSRS:      []string{catalog.SRS},
		ProjectionPolicy: catalog.ProjectionForceDeclared,
		Dimensions:       dims,
		Enabled:          true,
		Advertised:       true,
	}
	li := catalog.LayerInfo{
		Name:     name,
		Resource: name,
		Type:     catalog.LayerTypeRaster,
		Path:     "/",
		Enabled:  true,
	}
	return ci, li
}

func dimensionType(p model.PixelType) string {
	switch p {
	case model.PixelByte:
		return "UNSIGNED_8BITS"
	case model.PixelInt16:
		return "SIGNED_16BITS"
	case model.PixelUInt16:
		return "UNSIGNED_16BITS"
	case model.PixelInt32:
		return "SIGNED_32BITS"
	case model.PixelFloat32:
		return "REAL_32BITS"
	case model.PixelFloat64:
		return "REAL_64BITS"
	default:
		return ""
	}
}
