// Package memory is an in-process catalog used in standalone mode and tests.
// Every mutation is recorded so callers can assert convergence.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
)

func init() {
	catalog.Register("memory", func(_ catalog.Config, logger *slog.Logger) (catalog.Catalog, error) {
		return New(logger), nil
	})
}

type Mutation struct {
	Op     string
	Target string
}

func (m Mutation) String() string { return m.Op + " " + m.Target }

type Catalog struct {
	mu         sync.Mutex
	log        *slog.Logger
	namespaces map[string]string
	workspaces map[string]bool
	stores     map[string]catalog.StoreInfo
	coverages  map[string]catalog.CoverageInfo

	// coverage key of each coverage, by workspace/name
	owner     map[string]string
	layers    map[string]catalog.LayerInfo
	mutations []Mutation
	faults    map[string]error
}

func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		log:        logger,
		namespaces: map[string]string{},
		workspaces: map[string]bool{},
		stores:     map[string]catalog.StoreInfo{},
		coverages:  map[string]catalog.CoverageInfo{},
		owner:      map[string]string{},
		layers:     map[string]catalog.LayerInfo{},
		faults:     map[string]error{},
	}
}

func storeKey(ws, store string) string { return ws + "/" + store }

func coverageKey(ws, store, name string) string { return ws + "/" + store + "/" + name }

func wsKey(ws, name string) string { return ws + ":" + name }

// FailOn makes the next calls of op against target fail with err until
// cleared with a nil err. op is a method name such as "AddCoverage".
func (c *Catalog) FailOn(op, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := op + " " + target
	if err == nil {
		delete(c.faults, k)
		return
	}
	c.faults[k] = err
}

func (c *Catalog) fault(op, target string) error {
	if err, ok := c.faults[op+" "+target]; ok {
		kind := catalog.ErrMutationFailed
		if op == "ListCoverages" {
			kind = catalog.ErrReadFailed
		}
		return fmt.Errorf("%w: %s %s: %w", kind, op, target, err)
	}
	return nil
}

func (c *Catalog) record(op, target string) {
	c.mutations = append(c.mutations, Mutation{Op: op, Target: target})
	c.log.Debug("catalog mutation", "op", op, "target", target)
}

// Mutations returns the mutation log since the last reset.
func (c *Catalog) Mutations() []Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Mutation(nil), c.mutations...)
}

func (c *Catalog) ResetMutations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = nil
}

func (c *Catalog) EnsureNamespace(_ context.Context, prefix, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("EnsureNamespace", prefix); err != nil {
		return err
	}
	if _, ok := c.namespaces[prefix]; ok {
		return nil
	}
	c.namespaces[prefix] = uri
	c.record("AddNamespace", prefix)
	return nil
}

func (c *Catalog) EnsureWorkspace(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("EnsureWorkspace", name); err != nil {
		return err
	}
	if c.workspaces[name] {
		return nil
	}
	c.workspaces[name] = true
	c.record("AddWorkspace", name)
	return nil
}

func (c *Catalog) EnsureCoverageStore(_ context.Context, ws string, s catalog.StoreInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("EnsureCoverageStore", s.Name); err != nil {
		return err
	}
	if !c.workspaces[ws] {
		return fmt.Errorf("%w: workspace %q", catalog.ErrNotFound, ws)
	}
	k := storeKey(ws, s.Name)
	if _, ok := c.stores[k]; ok {
		return nil
	}
	c.stores[k] = s
	c.record("AddCoverageStore", k)
	return nil
}

func (c *Catalog) ListCoverages(_ context.Context, ws, store string) ([]catalog.PublishedCoverage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("ListCoverages", store); err != nil {
		return nil, err
	}
	if _, ok := c.stores[storeKey(ws, store)]; !ok {
		return nil, fmt.Errorf("%w: coverage store %s", catalog.ErrNotFound, storeKey(ws, store))
	}
	var out []catalog.PublishedCoverage
	for k, cov := range c.coverages {
		if c.owner[wsKey(ws, cov.Name)] != k || k != coverageKey(ws, store, cov.Name) {
			continue
		}
		pc := catalog.PublishedCoverage{Name: cov.Name, NativeName: cov.NativeCoverageName}
		for lk, l := range c.layers {
			if lk == wsKey(ws, l.Name) && l.Resource == cov.Name {
				pc.Layers = append(pc.Layers, l.Name)
			}
		}
		sort.Strings(pc.Layers)
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Validate rejects descriptors that break the shared rules or whose name is
// already taken in the workspace.
func (c *Catalog) Validate(_ context.Context, ws, _ string, ci catalog.CoverageInfo) error {
	if err := catalog.ValidateCoverage(ci); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.faults["Validate "+ci.Name]; ok {
		return fmt.Errorf("%w: %v", catalog.ErrValidationFailed, err)
	}
	if _, taken := c.owner[wsKey(ws, ci.Name)]; taken {
		return fmt.Errorf("%w: coverage %q already exists in %s", catalog.ErrValidationFailed, ci.Name, ws)
	}
	if _, taken := c.layers[wsKey(ws, ci.Name)]; taken {
		return fmt.Errorf("%w: layer %q already exists in %s", catalog.ErrValidationFailed, ci.Name, ws)
	}
	return nil
}

func (c *Catalog) AddCoverage(_ context.Context, ws, store string, ci catalog.CoverageInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("AddCoverage", ci.Name); err != nil {
		return err
	}
	if _, ok := c.stores[storeKey(ws, store)]; !ok {
		return fmt.Errorf("%w: coverage store %s missing", catalog.ErrMutationFailed, storeKey(ws, store))
	}
	k := coverageKey(ws, store, ci.Name)
	if _, ok := c.coverages[k]; ok {
		return nil
	}
	c.coverages[k] = ci
	c.owner[wsKey(ws, ci.Name)] = k
	c.record("AddCoverage", k)
	return nil
}

func (c *Catalog) AddLayer(_ context.Context, ws string, l catalog.LayerInfo) error {
	if err := catalog.ValidateLayer(l); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("AddLayer", l.Name); err != nil {
		return err
	}
	if _, ok := c.owner[wsKey(ws, l.Resource)]; !ok {
		return fmt.Errorf("%w: layer %q references missing coverage %q", catalog.ErrMutationFailed, l.Name, l.Resource)
	}
	k := wsKey(ws, l.Name)
	if _, ok := c.layers[k]; ok {
		return nil
	}
	c.layers[k] = l
	c.record("AddLayer", k)
	return nil
}

func (c *Catalog) RemoveLayer(_ context.Context, ws, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("RemoveLayer", name); err != nil {
		return err
	}
	k := wsKey(ws, name)
	if _, ok := c.layers[k]; !ok {
		return nil
	}
	delete(c.layers, k)
	c.record("RemoveLayer", k)
	return nil
}

func (c *Catalog) RemoveCoverage(_ context.Context, ws, store, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault("RemoveCoverage", name); err != nil {
		return err
	}
	k := coverageKey(ws, store, name)
	if _, ok := c.coverages[k]; !ok {
		return nil
	}
	delete(c.coverages, k)
	delete(c.owner, wsKey(ws, name))
	c.record("RemoveCoverage", k)
	return nil
}

// Coverage returns a published descriptor, for inspection in tests.
func (c *Catalog) Coverage(ws, store, name string) (catalog.CoverageInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ci, ok := c.coverages[coverageKey(ws, store, name)]
	return ci, ok
}

// Layers returns the layer names in ws, sorted.
func (c *Catalog) Layers(ws string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k, l := range c.layers {
		if k == wsKey(ws, l.Name) {
			out = append(out, l.Name)
		}
	}
	sort.Strings(out)
	return out
}

// DeleteLayerOutOfBand removes a layer without recording a mutation, the way
// an operator editing the host catalog by hand would.
func (c *Catalog) DeleteLayerOutOfBand(ws, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, wsKey(ws, name))
}
