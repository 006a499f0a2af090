// Package router exposes the coverage reader and the layer synchronizer over
// HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/coverage"
	"github.com/mohammed-shakir/pyramid-catalog/internal/layersync"
	"github.com/mohammed-shakir/pyramid-catalog/internal/logger"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/resolver"
)

// Coverages is satisfied by *coverage.Reader.
type Coverages interface {
	CoverageNames(ctx context.Context) ([]string, error)
	Describe(ctx context.Context, name string) (coverage.Description, error)
	ReadingResolutions(ctx context.Context, name string, requested []float64) ([2]float64, error)
	Read(ctx context.Context, name string, p coverage.ReadParams) (resolver.Result, error)
}

// Sync is satisfied by *layersync.Handle.
type Sync interface {
	State() layersync.State
	Continuous() bool
	Trigger()
	LastReport() (layersync.Report, bool)
}

type Deps struct {
	Coverages Coverages
	// Sync may be nil when no synchronizer runs in this process.
	Sync   Sync
	Format coverage.Info
	Logger *slog.Logger
}

type handlers struct {
	cov    Coverages
	sync   Sync
	format coverage.Info
	log    *slog.Logger
}

// Mount registers the coverage and sync routes on r.
func Mount(r chi.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{cov: d.Coverages, sync: d.Sync, format: d.Format, log: d.Logger}

	r.Route("/coverages", func(r chi.Router) {
		r.Get("/", h.list)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.describe)
			r.Get("/resolution", h.resolution)
			r.Get("/raster", h.raster)
		})
	})
	r.Get("/sync", h.syncStatus)
	r.Post("/sync", h.syncTrigger)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	names, err := h.cov.CoverageNames(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"format":    h.format,
		"coverages": names,
	})
}

func (h *handlers) describe(w http.ResponseWriter, r *http.Request) {
	ctx := withDataset(r)
	d, err := h.cov.Describe(ctx, chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) resolution(w http.ResponseWriter, r *http.Request) {
	ctx := withDataset(r)
	req, err := parseFloats(r.URL.Query().Get("res"))
	if err != nil {
		http.Error(w, "invalid res: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.cov.ReadingResolutions(ctx, chi.URLParam(r, "name"), req)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requested":  req,
		"resolution": res,
	})
}

func (h *handlers) raster(w http.ResponseWriter, r *http.Request) {
	ctx := withDataset(r)
	p, compression, err := ParseReadParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.cov.Read(ctx, chi.URLParam(r, "name"), p)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	body, err := raster.Marshal(res.Block, compression)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}

	hd := w.Header()
	hd.Set("Content-Type", "application/octet-stream")
	hd.Set("X-Bounds", res.Bounds.String())
	hd.Set("X-Zoom", strconv.Itoa(res.Zoom))
	hd.Set("X-Pixel-Type", string(res.Block.Type))
	hd.Set("X-Bands", strconv.Itoa(res.Block.NumBands()))
	hd.Set("X-Width", strconv.Itoa(res.Block.Width))
	hd.Set("X-Height", strconv.Itoa(res.Block.Height))
	hd.Set("X-CRS", res.CRS)
	hd.Set("X-Tiles", strconv.Itoa(res.Tiles))
	hd.Set("X-Missing-Tiles", strconv.Itoa(res.Missing))
	if compression == raster.CompressionGzip {
		hd.Set("X-Compression", compression)
	}
	hd.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type failureView struct {
	Dataset string `json:"dataset"`
	Op      string `json:"op"`
	Error   string `json:"error"`
}

type reportView struct {
	CycleID     string        `json:"cycleId"`
	Started     time.Time     `json:"started"`
	DurationMs  int64         `json:"durationMs"`
	Inventory   int           `json:"inventory"`
	Published   int           `json:"published"`
	Added       []string      `json:"added"`
	Removed     []string      `json:"removed"`
	Republished []string      `json:"republished"`
	Failures    []failureView `json:"failures"`
}

type syncView struct {
	State      string      `json:"state"`
	Continuous bool        `json:"continuous"`
	LastReport *reportView `json:"lastReport,omitempty"`
}

func (h *handlers) syncView() syncView {
	v := syncView{State: h.sync.State().String(), Continuous: h.sync.Continuous()}
	rep, ok := h.sync.LastReport()
	if !ok {
		return v
	}
	rv := &reportView{
		CycleID:     rep.CycleID,
		Started:     rep.Started,
		DurationMs:  rep.Duration.Milliseconds(),
		Inventory:   rep.Inventory,
		Published:   rep.Published,
		Added:       rep.Added,
		Removed:     rep.Removed,
		Republished: rep.Republished,
		Failures:    make([]failureView, 0, len(rep.Failures)),
	}
	for _, f := range rep.Failures {
		rv.Failures = append(rv.Failures, failureView{Dataset: f.Dataset, Op: f.Op, Error: f.Err.Error()})
	}
	v.LastReport = rv
	return v
}

func (h *handlers) syncStatus(w http.ResponseWriter, _ *http.Request) {
	if h.sync == nil {
		http.Error(w, "layer synchronization is not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.syncView())
}

func (h *handlers) syncTrigger(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		http.Error(w, "layer synchronization is not running", http.StatusServiceUnavailable)
		return
	}
	if h.sync.State() == layersync.Terminated {
		http.Error(w, "layer synchronizer has terminated", http.StatusConflict)
		return
	}
	// a one-shot loop never runs a follow-up cycle
	if !h.sync.Continuous() {
		http.Error(w, "layer synchronizer runs once (enable.update is off); trigger not accepted", http.StatusConflict)
		return
	}
	h.sync.Trigger()
	h.log.InfoContext(r.Context(), "reconciliation requested")
	writeJSON(w, http.StatusAccepted, h.syncView())
}

// fail maps read errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	msg := err.Error()
	switch {
	case errors.Is(err, resolver.ErrDatasetNotFound):
		code = http.StatusNotFound
	case errors.Is(err, resolver.ErrNoTilesInRange):
		code = http.StatusNotFound
		msg = "no tiles in range: " + msg
	case errors.Is(err, resolver.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, resolver.ErrRequestTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	if code >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	} else {
		h.log.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	http.Error(w, msg, code)
}

func withDataset(r *http.Request) context.Context {
	return logger.WithDataset(r.Context(), chi.URLParam(r, "name"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ParseReadParams reads bbox, width, height and compression from the query.
// Omitting bbox reads the whole coverage; width and height go together.
func ParseReadParams(r *http.Request) (coverage.ReadParams, string, error) {
	q := r.URL.Query()
	var p coverage.ReadParams

	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		b, err := ParseBBox(raw)
		if err != nil {
			return coverage.ReadParams{}, "", fmt.Errorf("invalid bbox: %w", err)
		}
		p.Bounds = &b
	}

	rw, rh := strings.TrimSpace(q.Get("width")), strings.TrimSpace(q.Get("height"))
	switch {
	case rw == "" && rh == "":
	case rw == "" || rh == "":
		return coverage.ReadParams{}, "", errors.New("width and height must be given together")
	default:
		wd, err := strconv.Atoi(rw)
		if err != nil || wd <= 0 {
			return coverage.ReadParams{}, "", fmt.Errorf("invalid width %q", rw)
		}
		ht, err := strconv.Atoi(rh)
		if err != nil || ht <= 0 {
			return coverage.ReadParams{}, "", fmt.Errorf("invalid height %q", rh)
		}
		p.Window = &model.PixelWindow{Width: wd, Height: ht}
	}

	compression := strings.ToLower(strings.TrimSpace(q.Get("compression")))
	switch compression {
	case "", raster.CompressionNone:
		compression = raster.CompressionNone
	case raster.CompressionGzip:
	default:
		return coverage.ReadParams{}, "", fmt.Errorf("unsupported compression %q", compression)
	}
	return p, compression, nil
}

// ParseBBox parses "west,south,east,north" with an optional fifth CRS
// element, which must be EPSG:4326. Coordinates past the world extent are
// accepted; the resolver clamps them.
func ParseBBox(raw string) (model.GeoBounds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return model.GeoBounds{}, errors.New("expected west,south,east,north[,EPSG:4326]")
	}
	if len(parts) == 5 {
		crs := strings.ToUpper(strings.TrimSpace(parts[4]))
		if crs != model.CRS {
			return model.GeoBounds{}, fmt.Errorf("only %s is supported (got %q)", model.CRS, crs)
		}
	}
	vals, err := parseFloats(strings.Join(parts[:4], ","))
	if err != nil {
		return model.GeoBounds{}, err
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.GeoBounds{}, errors.New("coordinates must be finite")
		}
	}
	b := model.GeoBounds{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if !b.Valid() {
		return model.GeoBounds{}, errors.New("coordinates must satisfy east>west and north>south")
	}
	return b, nil
}

func parseFloats(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("no values")
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("parse float: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
