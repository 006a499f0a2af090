package layersync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog/memory"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/pyramid"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store/storetest"
)

var testTarget = Target{Namespace: "mrgeo", Workspace: "mrgeo", Store: "mrgeo", StoreURL: "/etc/mrgeo.config"}

type fixture struct {
	root string
	cat  *memory.Catalog
	meta *pyramid.Accessor
	sync *Synchronizer
}

func slope() model.PyramidMetadata {
	return storetest.Meta("slope", model.GeoBounds{West: 0, South: 0, East: 20, North: 10}, 6, 256, model.PixelFloat32, -1)
}

func newFixture(t *testing.T, continuous bool, interval time.Duration, metas ...model.PyramidMetadata) *fixture {
	t.Helper()
	fs, root := storetest.NewFS(t)
	for _, m := range metas {
		storetest.WriteFS(t, root, m, nil)
	}
	f := &fixture{
		root: root,
		cat:  memory.New(nil),
		meta: pyramid.NewAccessor(fs, pyramid.Options{Size: 16}),
	}
	s, err := New(Options{
		Target:     testTarget,
		Inventory:  fs,
		Metadata:   f.meta,
		Catalog:    f.cat,
		Continuous: continuous,
		Interval:   interval,
	})
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	f.sync = s
	return f
}

func (f *fixture) reconcile(t *testing.T) Report {
	t.Helper()
	rep, err := f.sync.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return rep
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Target: testTarget}); err == nil {
		t.Fatal("expected error without inventory/metadata/catalog")
	}
	fs, _ := storetest.NewFS(t)
	_, err := New(Options{
		Target:    Target{Workspace: "mrgeo"},
		Inventory: fs,
		Metadata:  pyramid.NewAccessor(fs, pyramid.Options{}),
		Catalog:   memory.New(nil),
	})
	if err == nil {
		t.Fatal("expected error without store name")
	}
}

func TestNew_NamespaceDefaultsToWorkspace(t *testing.T) {
	fs, _ := storetest.NewFS(t)
	s, err := New(Options{
		Target:    Target{Workspace: "ws", Store: "cs"},
		Inventory: fs,
		Metadata:  pyramid.NewAccessor(fs, pyramid.Options{}),
		Catalog:   memory.New(nil),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := s.Target(); got.Namespace != "ws" || got.NamespaceURI != "ws" {
		t.Fatalf("target %+v", got)
	}
	if s.Interval() != DefaultInterval {
		t.Fatalf("interval %s want %s", s.Interval(), DefaultInterval)
	}
}

func TestReconcile_Converges(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation(), slope())

	rep := f.reconcile(t)
	if !reflect.DeepEqual(rep.Added, []string{"elevation", "slope"}) {
		t.Fatalf("added=%v", rep.Added)
	}
	if len(rep.Failures) != 0 {
		t.Fatalf("failures=%v", rep.Failures)
	}
	if rep.CycleID == "" {
		t.Fatal("missing cycle id")
	}
	if got := f.cat.Layers("mrgeo"); !reflect.DeepEqual(got, []string{"elevation", "slope"}) {
		t.Fatalf("layers=%v", got)
	}
	ci, ok := f.cat.Coverage("mrgeo", "mrgeo", "slope")
	if !ok || ci.Dimensions[0].DimensionType != "REAL_32BITS" {
		t.Fatalf("slope coverage %+v ok=%v", ci, ok)
	}

	f.cat.ResetMutations()
	rep = f.reconcile(t)
	if rep.Changes() != 0 || len(rep.Failures) != 0 {
		t.Fatalf("second cycle changed the catalog: %+v", rep)
	}
	if m := f.cat.Mutations(); len(m) != 0 {
		t.Fatalf("second cycle mutations: %v", m)
	}
}

func TestReconcile_CreatesManagedEntries(t *testing.T) {
	f := newFixture(t, false, 0)
	f.reconcile(t)

	want := []string{"AddNamespace mrgeo", "AddWorkspace mrgeo", "AddCoverageStore mrgeo/mrgeo"}
	var got []string
	for _, m := range f.cat.Mutations() {
		got = append(got, m.String())
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mutations=%v want %v", got, want)
	}
}

func TestReconcile_RemovesOrphans(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation(), slope())
	f.reconcile(t)
	if f.meta.Len() != 2 {
		t.Fatalf("metadata cache len=%d want 2", f.meta.Len())
	}

	ctx := context.Background()
	alias := catalog.LayerInfo{Name: "slope-alias", Resource: "slope", Type: catalog.LayerTypeRaster, Enabled: true}
	if err := f.cat.AddLayer(ctx, "mrgeo", alias); err != nil {
		t.Fatalf("add alias: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(f.root, "slope")); err != nil {
		t.Fatalf("remove dataset: %v", err)
	}

	rep := f.reconcile(t)
	if !reflect.DeepEqual(rep.Removed, []string{"slope"}) {
		t.Fatalf("removed=%v", rep.Removed)
	}
	if got := f.cat.Layers("mrgeo"); !reflect.DeepEqual(got, []string{"elevation"}) {
		t.Fatalf("layers=%v want [elevation]", got)
	}
	if _, ok := f.cat.Coverage("mrgeo", "mrgeo", "slope"); ok {
		t.Fatal("slope coverage still published")
	}
	if f.meta.Len() != 1 {
		t.Fatalf("metadata cache len=%d want 1 after removal", f.meta.Len())
	}
}

func TestReconcile_SelfHealsAfterLayerDeletion(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation())
	f.reconcile(t)

	f.cat.DeleteLayerOutOfBand("mrgeo", "elevation")
	f.cat.ResetMutations()

	rep := f.reconcile(t)
	if !reflect.DeepEqual(rep.Republished, []string{"elevation"}) {
		t.Fatalf("republished=%v", rep.Republished)
	}
	if got := f.cat.Layers("mrgeo"); !reflect.DeepEqual(got, []string{"elevation"}) {
		t.Fatalf("layers=%v", got)
	}
	var ops []string
	for _, m := range f.cat.Mutations() {
		ops = append(ops, m.Op)
	}
	if !reflect.DeepEqual(ops, []string{"RemoveCoverage", "AddCoverage", "AddLayer"}) {
		t.Fatalf("ops=%v", ops)
	}

	if rep := f.reconcile(t); rep.Changes() != 0 {
		t.Fatalf("not converged after self-heal: %+v", rep)
	}
}

func TestReconcile_IsolatesDatasetFailures(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation(), slope())
	storetest.WriteFSRaw(t, f.root, "broken", []byte("{not json"))
	f.cat.FailOn("Validate", "slope", errors.New("rejected"))

	rep := f.reconcile(t)
	if !reflect.DeepEqual(rep.Added, []string{"elevation"}) {
		t.Fatalf("added=%v want [elevation]", rep.Added)
	}
	if len(rep.Failures) != 2 {
		t.Fatalf("failures=%v want 2", rep.Failures)
	}
	byName := map[string]Failure{}
	for _, fl := range rep.Failures {
		byName[fl.Dataset] = fl
	}
	if !errors.Is(byName["broken"], store.ErrMetadataUnreadable) {
		t.Fatalf("broken: %v", byName["broken"].Err)
	}
	if !errors.Is(byName["slope"], catalog.ErrValidationFailed) || byName["slope"].Op != "add" {
		t.Fatalf("slope: %+v", byName["slope"])
	}

	// the failed datasets are retried on the next cycle
	f.cat.FailOn("Validate", "slope", nil)
	rep = f.reconcile(t)
	if !reflect.DeepEqual(rep.Added, []string{"slope"}) || len(rep.Failures) != 1 {
		t.Fatalf("retry: added=%v failures=%v", rep.Added, rep.Failures)
	}
}

func TestReconcile_LayerFailureHealsNextCycle(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation())
	f.cat.FailOn("AddLayer", "elevation", errors.New("boom"))

	rep := f.reconcile(t)
	if len(rep.Failures) != 1 || !errors.Is(rep.Failures[0], catalog.ErrMutationFailed) {
		t.Fatalf("failures=%v", rep.Failures)
	}
	if _, ok := f.cat.Coverage("mrgeo", "mrgeo", "elevation"); !ok {
		t.Fatal("coverage should have been added before the layer failed")
	}

	f.cat.FailOn("AddLayer", "elevation", nil)
	rep = f.reconcile(t)
	if !reflect.DeepEqual(rep.Republished, []string{"elevation"}) {
		t.Fatalf("republished=%v", rep.Republished)
	}
	if got := f.cat.Layers("mrgeo"); !reflect.DeepEqual(got, []string{"elevation"}) {
		t.Fatalf("layers=%v", got)
	}
}

func TestReconcile_FatalOutsideDatasetWork(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation())
	f.cat.FailOn("ListCoverages", "mrgeo", errors.New("catalog down"))

	_, err := f.sync.Reconcile(context.Background())
	if !errors.Is(err, ErrReconciliationFatal) {
		t.Fatalf("err=%v want ErrReconciliationFatal", err)
	}

	f.cat.FailOn("ListCoverages", "mrgeo", nil)
	f.cat.FailOn("EnsureWorkspace", "mrgeo", errors.New("forbidden"))
	_, err = f.sync.Reconcile(context.Background())
	if !errors.Is(err, ErrReconciliationFatal) || !errors.Is(err, catalog.ErrMutationFailed) {
		t.Fatalf("err=%v", err)
	}
}

func TestReconcile_StopsOnCancel(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sync.Reconcile(ctx)
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if len(f.cat.Layers("mrgeo")) != 0 {
		t.Fatal("cancelled cycle published layers")
	}
}

func TestPlan_DoesNotPublish(t *testing.T) {
	f := newFixture(t, false, 0, storetest.Elevation())
	p, err := f.sync.Plan(context.Background())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !reflect.DeepEqual(p.ToAdd, []string{"elevation"}) {
		t.Fatalf("ToAdd=%v", p.ToAdd)
	}
	if len(f.cat.Layers("mrgeo")) != 0 {
		t.Fatal("plan published layers")
	}
}
