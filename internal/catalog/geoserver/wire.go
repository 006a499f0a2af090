package geoserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
)

type nameRef struct {
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

type namespaceBody struct {
	Namespace struct {
		Prefix string `json:"prefix"`
		URI    string `json:"uri"`
	} `json:"namespace"`
}

type workspaceBody struct {
	Workspace nameRef `json:"workspace"`
}

type coverageStoreBody struct {
	CoverageStore struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		URL         string  `json:"url"`
		Description string  `json:"description,omitempty"`
		Enabled     bool    `json:"enabled"`
		Workspace   nameRef `json:"workspace"`
	} `json:"coverageStore"`
}

// refList decodes GeoServer collection answers such as
// {"coverages":{"coverage":[...]}}. Empty collections come back as "" and a
// single entry may come back as an object instead of an array.
type refList []nameRef

func (r *refList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == `""` || string(b) == "null" {
		*r = nil
		return nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return fmt.Errorf("geoserver: decode list: %w", err)
	}
	var out refList
	for _, raw := range wrapper {
		var many []nameRef
		if err := json.Unmarshal(raw, &many); err != nil {
			var one nameRef
			if err2 := json.Unmarshal(raw, &one); err2 != nil {
				return fmt.Errorf("geoserver: decode list entry: %w", err)
			}
			many = []nameRef{one}
		}
		out = append(out, many...)
	}
	*r = out
	return nil
}

type coverageListBody struct {
	Coverages refList `json:"coverages"`
}

type layerListBody struct {
	Layers refList `json:"layers"`
}

type stringList struct {
	String []string `json:"string"`
}

type doubleList struct {
	Double []float64 `json:"double"`
}

type bbox struct {
	MinX float64 `json:"minx"`
	MaxX float64 `json:"maxx"`
	MinY float64 `json:"miny"`
	MaxY float64 `json:"maxy"`
	CRS  string  `json:"crs"`
}

type gridRange struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

type transform struct {
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
	ShearX     float64 `json:"shearX"`
	ShearY     float64 `json:"shearY"`
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
}

type grid struct {
	Dimension string    `json:"@dimension"`
	Range     gridRange `json:"range"`
	Transform transform `json:"transform"`
	CRS       string    `json:"crs"`
}

type numberRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type dimension struct {
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Range         *numberRange `json:"range,omitempty"`
	NullValues    doubleList   `json:"nullValues"`
	DimensionType nameRef      `json:"dimensionType"`
}

type dimensions struct {
	CoverageDimension []dimension `json:"coverageDimension"`
}

type coverage struct {
	Name               string      `json:"name"`
	NativeName         string      `json:"nativeName"`
	NativeCoverageName string      `json:"nativeCoverageName,omitempty"`
	Title              string      `json:"title,omitempty"`
	Description        string      `json:"description,omitempty"`
	Abstract           string      `json:"abstract,omitempty"`
	Enabled            bool        `json:"enabled"`
	Advertised         bool        `json:"advertised"`
	Namespace          *nameRef    `json:"namespace,omitempty"`
	SRS                string      `json:"srs,omitempty"`
	NativeCRS          string      `json:"nativeCRS,omitempty"`
	NativeBoundingBox  *bbox       `json:"nativeBoundingBox,omitempty"`
	LatLonBoundingBox  *bbox       `json:"latLonBoundingBox,omitempty"`
	ProjectionPolicy   string      `json:"projectionPolicy,omitempty"`
	NativeFormat       string      `json:"nativeFormat,omitempty"`
	Grid               *grid       `json:"grid,omitempty"`
	SupportedFormats   *stringList `json:"supportedFormats,omitempty"`
	RequestSRS         *stringList `json:"requestSRS,omitempty"`
	ResponseSRS        *stringList `json:"responseSRS,omitempty"`
	Dimensions         *dimensions `json:"dimensions,omitempty"`
}

type coverageBody struct {
	Coverage coverage `json:"coverage"`
}

type resourceRef struct {
	Class string `json:"@class,omitempty"`
	Name  string `json:"name"`
}

type layer struct {
	Name         string       `json:"name"`
	Type         string       `json:"type,omitempty"`
	Path         string       `json:"path,omitempty"`
	Enabled      bool         `json:"enabled"`
	Resource     *resourceRef `json:"resource,omitempty"`
	DefaultStyle *nameRef     `json:"defaultStyle,omitempty"`
}

type layerBody struct {
	Layer layer `json:"layer"`
}

func toBBox(b catalog.BoundingBox) *bbox {
	return &bbox{MinX: b.MinX, MaxX: b.MaxX, MinY: b.MinY, MaxY: b.MaxY, CRS: b.CRS}
}

func toWire(c catalog.CoverageInfo) coverageBody {
	dims := make([]dimension, 0, len(c.Dimensions))
	for _, d := range c.Dimensions {
		wd := dimension{
			Name:          d.Name,
			Description:   d.Description,
			NullValues:    doubleList{Double: d.NullValues},
			DimensionType: nameRef{Name: d.DimensionType},
		}
		if d.Range != nil {
			wd.Range = &numberRange{Min: d.Range.Min, Max: d.Range.Max}
		}
		dims = append(dims, wd)
	}
	g := c.Grid
	return coverageBody{Coverage: coverage{
		Name:               c.Name,
		NativeName:         c.NativeName,
		NativeCoverageName: c.NativeCoverageName,
		Title:              c.Title,
		Description:        c.Description,
		Abstract:           c.Abstract,
		Enabled:            c.Enabled,
		Advertised:         c.Advertised,
		Namespace:          &nameRef{Name: c.Namespace},
		SRS:                c.SRS,
		NativeCRS:          c.SRS,
		NativeBoundingBox:  toBBox(c.NativeBoundingBox),
		LatLonBoundingBox:  toBBox(c.LatLonBoundingBox),
		ProjectionPolicy:   c.ProjectionPolicy,
		NativeFormat:       c.NativeFormat,
		Grid: &grid{
			Dimension: "2",
			Range: gridRange{
				Low:  fmt.Sprintf("%d %d", g.LowX, g.LowY),
				High: fmt.Sprintf("%d %d", g.HighX, g.HighY),
			},
			Transform: transform{
				ScaleX:     g.ScaleX,
				ScaleY:     g.ScaleY,
				TranslateX: g.TranslateX,
				TranslateY: g.TranslateY,
			},
			CRS: g.CRS,
		},
		SupportedFormats: &stringList{String: c.SupportedFormats},
		RequestSRS:       &stringList{String: c.RequestSRS},
		ResponseSRS:      &stringList{String: c.ResponseSRS},
		Dimensions:       &dimensions{CoverageDimension: dims},
	}}
}

func toLayerWire(ws string, l catalog.LayerInfo) layerBody {
	body := layerBody{Layer: layer{
		Name:     l.Name,
		Type:     l.Type,
		Path:     l.Path,
		Enabled:  l.Enabled,
		Resource: &resourceRef{Class: "coverage", Name: ws + ":" + l.Resource},
	}}
	if l.DefaultStyle != "" {
		body.Layer.DefaultStyle = &nameRef{Name: l.DefaultStyle}
	}
	return body
}

// unqualify strips a "workspace:" prefix from a resource name.
func unqualify(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
