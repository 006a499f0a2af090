// Package geoserver publishes coverages through the GeoServer REST API.
package geoserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/httpclient"
)

const defaultTimeout = 15 * time.Second

func init() {
	catalog.Register("geoserver", func(cfg catalog.Config, logger *slog.Logger) (catalog.Catalog, error) {
		return New(cfg, logger)
	})
}

type Client struct {
	http *resty.Client
	log  *slog.Logger
}

// New builds a client for cfg.URL, the GeoServer base URL such as
// http://localhost:8080/geoserver.
func New(cfg catalog.Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("geoserver: URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("geoserver: bad URL %q: %w", cfg.URL, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := resty.NewWithClient(httpclient.NewOutbound(timeout)).
		SetBaseURL(base+"/rest").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.User != "" {
		hc.SetBasicAuth(cfg.User, cfg.Password)
	}
	return &Client{http: hc, log: logger}, nil
}

func esc(s string) string { return url.PathEscape(s) }

// get fetches path into out; found is false on 404.
func (c *Client) get(ctx context.Context, path string, out any) (found bool, err error) {
	req := c.http.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Get(path)
	if err != nil {
		return false, fmt.Errorf("%w: GET %s: %v", catalog.ErrReadFailed, path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsSuccess():
		return true, nil
	default:
		return false, fmt.Errorf("%w: GET %s: status %d: %s",
			catalog.ErrReadFailed, path, resp.StatusCode(), snippet(resp.String()))
	}
}

// create posts body; an "already exists" answer counts as success.
func (c *Client) create(ctx context.Context, path string, body any) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", catalog.ErrMutationFailed, path, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	if catalog.IsAlreadyExists(resp.StatusCode(), resp.String()) {
		c.log.Debug("geoserver entry already exists", "path", path)
		return nil
	}
	return fmt.Errorf("%w: POST %s: status %d: %s",
		catalog.ErrMutationFailed, path, resp.StatusCode(), snippet(resp.String()))
}

// remove deletes path; an absent entry counts as success.
func (c *Client) remove(ctx context.Context, path string, query map[string]string) error {
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(query).Delete(path)
	if err != nil {
		return fmt.Errorf("%w: DELETE %s: %v", catalog.ErrMutationFailed, path, err)
	}
	if resp.IsSuccess() || resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%w: DELETE %s: status %d: %s",
		catalog.ErrMutationFailed, path, resp.StatusCode(), snippet(resp.String()))
}

func (c *Client) EnsureNamespace(ctx context.Context, prefix, uri string) error {
	found, err := c.get(ctx, "/namespaces/"+esc(prefix)+".json", nil)
	if err != nil || found {
		return err
	}
	var body namespaceBody
	body.Namespace.Prefix = prefix
	body.Namespace.URI = uri
	c.log.Info("adding namespace", "namespace", prefix)
	return c.create(ctx, "/namespaces", body)
}

func (c *Client) EnsureWorkspace(ctx context.Context, name string) error {
	found, err := c.get(ctx, "/workspaces/"+esc(name)+".json", nil)
	if err != nil || found {
		return err
	}
	c.log.Info("adding workspace", "workspace", name)
	return c.create(ctx, "/workspaces", workspaceBody{Workspace: nameRef{Name: name}})
}

func (c *Client) EnsureCoverageStore(ctx context.Context, ws string, s catalog.StoreInfo) error {
	found, err := c.get(ctx, "/workspaces/"+esc(ws)+"/coveragestores/"+esc(s.Name)+".json", nil)
	if err != nil || found {
		return err
	}
	var body coverageStoreBody
	body.CoverageStore.Name = s.Name
	body.CoverageStore.Type = s.Type
	body.CoverageStore.URL = s.URL
	body.CoverageStore.Description = s.Description
	body.CoverageStore.Enabled = s.Enabled
	body.CoverageStore.Workspace = nameRef{Name: ws}
	c.log.Info("adding coverage store", "workspace", ws, "store", s.Name)
	return c.create(ctx, "/workspaces/"+esc(ws)+"/coveragestores", body)
}

// ListCoverages returns the store's coverages with the layers bound to each.
func (c *Client) ListCoverages(ctx context.Context, ws, store string) ([]catalog.PublishedCoverage, error) {
	var list coverageListBody
	base := "/workspaces/" + esc(ws) + "/coveragestores/" + esc(store) + "/coverages"
	found, err := c.get(ctx, base+".json", &list)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: coverage store %s/%s", catalog.ErrNotFound, ws, store)
	}

	byName := map[string]*catalog.PublishedCoverage{}
	out := make([]catalog.PublishedCoverage, 0, len(list.Coverages))
	for _, ref := range list.Coverages {
		var detail coverageBody
		ok, err := c.get(ctx, base+"/"+esc(ref.Name)+".json", &detail)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		native := detail.Coverage.NativeCoverageName
		if native == "" {
			native = detail.Coverage.NativeName
		}
		out = append(out, catalog.PublishedCoverage{Name: ref.Name, NativeName: native})
	}
	for i := range out {
		byName[out[i].Name] = &out[i]
	}

	var layers layerListBody
	if _, err := c.get(ctx, "/workspaces/"+esc(ws)+"/layers.json", &layers); err != nil {
		return nil, err
	}
	for _, ref := range layers.Layers {
		var detail layerBody
		ok, err := c.get(ctx, "/layers/"+esc(ws+":"+ref.Name)+".json", &detail)
		if err != nil {
			return nil, err
		}
		if !ok || detail.Layer.Resource == nil {
			continue
		}
		if pc, bound := byName[unqualify(detail.Layer.Resource.Name)]; bound {
			pc.Layers = append(pc.Layers, ref.Name)
		}
	}
	for i := range out {
		sort.Strings(out[i].Layers)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Validate applies the shared descriptor rules and rejects names already
// used by a coverage or layer in the workspace.
func (c *Client) Validate(ctx context.Context, ws, _ string, ci catalog.CoverageInfo) error {
	if err := catalog.ValidateCoverage(ci); err != nil {
		return err
	}
	taken, err := c.get(ctx, "/workspaces/"+esc(ws)+"/coverages/"+esc(ci.Name)+".json", nil)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: coverage %q already exists in %s", catalog.ErrValidationFailed, ci.Name, ws)
	}
	taken, err = c.get(ctx, "/layers/"+esc(ws+":"+ci.Name)+".json", nil)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: layer %q already exists in %s", catalog.ErrValidationFailed, ci.Name, ws)
	}
	return nil
}

// AddCoverage publishes ci. GeoServer creates the matching layer itself.
func (c *Client) AddCoverage(ctx context.Context, ws, store string, ci catalog.CoverageInfo) error {
	c.log.Info("adding coverage", "workspace", ws, "store", store, "coverage", ci.Name)
	return c.create(ctx, "/workspaces/"+esc(ws)+"/coveragestores/"+esc(store)+"/coverages", toWire(ci))
}

// AddLayer sets the layer attributes on the layer created with its coverage.
func (c *Client) AddLayer(ctx context.Context, ws string, l catalog.LayerInfo) error {
	if err := catalog.ValidateLayer(l); err != nil {
		return err
	}
	path := "/layers/" + esc(ws+":"+l.Name)
	resp, err := c.http.R().SetContext(ctx).SetBody(toLayerWire(ws, l)).Put(path)
	if err != nil {
		return fmt.Errorf("%w: PUT %s: %v", catalog.ErrMutationFailed, path, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: PUT %s: status %d: %s",
			catalog.ErrMutationFailed, path, resp.StatusCode(), snippet(resp.String()))
	}
	c.log.Debug("layer configured", "workspace", ws, "layer", l.Name)
	return nil
}

func (c *Client) RemoveLayer(ctx context.Context, ws, name string) error {
	c.log.Info("removing layer", "workspace", ws, "layer", name)
	return c.remove(ctx, "/workspaces/"+esc(ws)+"/layers/"+esc(name), nil)
}

func (c *Client) RemoveCoverage(ctx context.Context, ws, store, name string) error {
	c.log.Info("removing coverage", "workspace", ws, "store", store, "coverage", name)
	return c.remove(ctx,
		"/workspaces/"+esc(ws)+"/coveragestores/"+esc(store)+"/coverages/"+esc(name),
		map[string]string{"recurse": "true"})
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
