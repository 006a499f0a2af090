package layersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/observability"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

const DefaultInterval = 300 * time.Second

// ErrReconciliationFatal wraps failures outside per-dataset work. The
// synchronizer loop stops for good when a cycle returns it.
var ErrReconciliationFatal = errors.New("layersync: reconciliation failed")

// MetadataSource is satisfied by *pyramid.Accessor.
type MetadataSource interface {
	Metadata(ctx context.Context, name string) (model.PyramidMetadata, error)
	Invalidate(names ...string)
}

type Options struct {
	Target    Target
	Inventory store.Inventory
	Metadata  MetadataSource
	Catalog   catalog.Catalog

	// Continuous keeps reconciling every Interval; otherwise the loop stops
	// after one pass.
	Continuous bool
	Interval   time.Duration
	Logger     *slog.Logger
}

// Failure is one dataset that could not be added, removed or republished.
type Failure struct {
	Dataset string
	Op      string
	Err     error
}

func (f Failure) Error() string { return f.Op + " " + f.Dataset + ": " + f.Err.Error() }

func (f Failure) Unwrap() error { return f.Err }

// Report summarises one reconciliation cycle.
type Report struct {
	CycleID     string
	Started     time.Time
	Duration    time.Duration
	Inventory   int
	Published   int
	Added       []string
	Removed     []string
	Republished []string
	Failures    []Failure
}

// Changes is the number of catalog entries the cycle added, removed or
// republished.
func (r Report) Changes() int { return len(r.Added) + len(r.Removed) + len(r.Republished) }

type Synchronizer struct {
	target     Target
	inv        store.Inventory
	meta       MetadataSource
	cat        catalog.Catalog
	continuous bool
	interval   time.Duration
	log        *slog.Logger
}

func New(opts Options) (*Synchronizer, error) {
	if opts.Inventory == nil || opts.Metadata == nil || opts.Catalog == nil {
		return nil, errors.New("layersync: inventory, metadata and catalog are required")
	}
	t := opts.Target
	if t.Workspace == "" || t.Store == "" {
		return nil, errors.New("layersync: workspace and store are required")
	}
	if t.Namespace == "" {
		t.Namespace = t.Workspace
	}
	if t.NamespaceURI == "" {
		t.NamespaceURI = t.Namespace
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		target:     t,
		inv:        opts.Inventory,
		meta:       opts.Metadata,
		cat:        opts.Catalog,
		continuous: opts.Continuous,
		interval:   opts.Interval,
		log:        opts.Logger.With("component", "layersync", "workspace", t.Workspace, "store", t.Store),
	}, nil
}

func (s *Synchronizer) Target() Target { return s.target }

func (s *Synchronizer) Continuous() bool { return s.continuous }

func (s *Synchronizer) Interval() time.Duration { return s.interval }

// Plan ensures the managed entries exist and computes the current diff
// without changing any coverage.
func (s *Synchronizer) Plan(ctx context.Context) (Plan, error) {
	_, _, p, err := s.plan(ctx)
	return p, err
}

func (s *Synchronizer) plan(ctx context.Context) (inv []string, pub []catalog.PublishedCoverage, p Plan, err error) {
	t := s.target
	if err := s.cat.EnsureNamespace(ctx, t.Namespace, t.NamespaceURI); err != nil {
		return nil, nil, Plan{}, fmt.Errorf("%w: namespace %s: %w", ErrReconciliationFatal, t.Namespace, err)
	}
	if err := s.cat.EnsureWorkspace(ctx, t.Workspace); err != nil {
		return nil, nil, Plan{}, fmt.Errorf("%w: workspace %s: %w", ErrReconciliationFatal, t.Workspace, err)
	}
	if err := s.cat.EnsureCoverageStore(ctx, t.Workspace, t.storeInfo()); err != nil {
		return nil, nil, Plan{}, fmt.Errorf("%w: coverage store %s: %w", ErrReconciliationFatal, t.Store, err)
	}
	inv, err = s.inv.ListDatasets(ctx)
	if err != nil {
		return nil, nil, Plan{}, fmt.Errorf("%w: list datasets: %w", ErrReconciliationFatal, err)
	}
	pub, err = s.cat.ListCoverages(ctx, t.Workspace, t.Store)
	if err != nil {
		return nil, nil, Plan{}, fmt.Errorf("%w: list coverages: %w", ErrReconciliationFatal, err)
	}
	return inv, pub, Diff(inv, pub).In(t), nil
}

// Reconcile runs one cycle. Per-dataset failures are collected in the
// report; any other failure is returned wrapped in ErrReconciliationFatal.
// A cancelled ctx stops the cycle between datasets and returns ctx.Err().
func (s *Synchronizer) Reconcile(ctx context.Context) (rep Report, err error) {
	rep = Report{CycleID: uuid.NewString(), Started: time.Now()}
	log := s.log.With("cycle", rep.CycleID)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrReconciliationFatal, p)
		}
		rep.Duration = time.Since(rep.Started)
		s.observe(rep, err)
	}()

	inv, pub, plan, err := s.plan(ctx)
	if err != nil {
		return rep, err
	}
	rep.Inventory, rep.Published = len(inv), len(pub)
	log.Debug("reconciliation planned", "datasets", len(inv), "coverages", len(pub), "plan", plan.String())

	for _, ref := range plan.ToRemove {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.remove(ctx, ref); err != nil {
			rep.Failures = append(rep.Failures, Failure{Dataset: ref.NativeName, Op: "remove", Err: err})
			log.Warn("remove failed", "coverage", ref.Coverage, "err", err)
			continue
		}
		s.meta.Invalidate(ref.NativeName)
		rep.Removed = append(rep.Removed, ref.NativeName)
		log.Info("coverage removed", "coverage", ref.Coverage, "layers", ref.Layers)
	}

	for _, ref := range plan.ToRepublish {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.republish(ctx, ref); err != nil {
			rep.Failures = append(rep.Failures, Failure{Dataset: ref.NativeName, Op: "republish", Err: err})
			log.Warn("republish failed", "coverage", ref.Coverage, "err", err)
			continue
		}
		rep.Republished = append(rep.Republished, ref.NativeName)
		log.Info("coverage republished", "coverage", ref.Coverage)
	}

	for _, name := range plan.ToAdd {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		s.meta.Invalidate(name)
		ci, li, err := s.describe(ctx, name)
		if err == nil {
			err = s.publish(ctx, ci, li)
		}
		if err != nil {
			rep.Failures = append(rep.Failures, Failure{Dataset: name, Op: "add", Err: err})
			log.Warn("add failed", "dataset", name, "err", err)
			continue
		}
		rep.Added = append(rep.Added, name)
		log.Info("coverage added", "dataset", name)
	}

	if rep.Changes() > 0 || len(rep.Failures) > 0 {
		log.Info("reconciliation finished",
			"added", len(rep.Added), "removed", len(rep.Removed),
			"republished", len(rep.Republished), "failed", len(rep.Failures))
	}
	return rep, nil
}

func (s *Synchronizer) describe(ctx context.Context, name string) (catalog.CoverageInfo, catalog.LayerInfo, error) {
	meta, err := s.meta.Metadata(ctx, name)
	if err != nil {
		return catalog.CoverageInfo{}, catalog.LayerInfo{}, err
	}
	// coverages are matched to datasets by name, whatever the descriptor says
	meta.Name = name
	ci, li := BuildCoverage(meta, s.target)
	return ci, li, nil
}

func (s *Synchronizer) publish(ctx context.Context, ci catalog.CoverageInfo, li catalog.LayerInfo) error {
	t := s.target
	if err := s.cat.Validate(ctx, t.Workspace, t.Store, ci); err != nil {
		return err
	}
	if err := s.cat.AddCoverage(ctx, t.Workspace, t.Store, ci); err != nil {
		return err
	}
	return s.cat.AddLayer(ctx, t.Workspace, li)
}

// remove drops every layer bound to the coverage, then the coverage. It keeps
// going after a failed layer so one cycle removes as much as it can.
func (s *Synchronizer) remove(ctx context.Context, ref model.CatalogEntryRef) error {
	if ref.Workspace != s.target.Workspace || ref.Store != s.target.Store {
		return fmt.Errorf("%w: %s/%s is outside the managed store %s",
			catalog.ErrMutationFailed, ref.Workspace, ref.Coverage, s.target.Key())
	}
	var errs []error
	for _, l := range ref.Layers {
		if err := s.cat.RemoveLayer(ctx, ref.Workspace, l); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return s.cat.RemoveCoverage(ctx, ref.Workspace, ref.Store, ref.Coverage)
}

// republish replaces a coverage that lost its layer. Metadata is read first
// so an unreadable dataset leaves the existing coverage in place.
func (s *Synchronizer) republish(ctx context.Context, ref model.CatalogEntryRef) error {
	s.meta.Invalidate(ref.NativeName)
	ci, li, err := s.describe(ctx, ref.NativeName)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, ref); err != nil {
		return err
	}
	return s.publish(ctx, ci, li)
}

func (s *Synchronizer) observe(rep Report, err error) {
	st := s.target.Store
	result := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	case err != nil:
		result = "fatal"
	case len(rep.Failures) > 0:
		result = "partial"
	}
	observability.ObserveSyncCycle(st, result, rep.Duration.Seconds())
	observability.AddSyncActions(st, "add", len(rep.Added))
	observability.AddSyncActions(st, "remove", len(rep.Removed))
	observability.AddSyncActions(st, "republish", len(rep.Republished))
	observability.AddSyncActions(st, "failure", len(rep.Failures))
}
