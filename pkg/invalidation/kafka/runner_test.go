package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/invalidation"
)

type fakeMeta struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeMeta) Invalidate(names ...string) {
	f.mu.Lock()
	f.evicted = append(f.evicted, names...)
	f.mu.Unlock()
}

type fakeReads struct {
	mu      sync.Mutex
	bumps   []string
	spatial []model.GeoBounds
	err     error
}

func (f *fakeReads) InvalidateDataset(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bumps = append(f.bumps, name)
	return nil
}

func (f *fakeReads) InvalidateBounds(_ context.Context, _ string, b model.GeoBounds) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.spatial = append(f.spatial, b)
	return 3, nil
}

type fakeTrigger struct{ n int }

func (f *fakeTrigger) Trigger() { f.n++ }

func newRunner(t *testing.T) (*Runner, *fakeMeta, *fakeReads, *fakeTrigger, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	fm, fr, ft := &fakeMeta{}, &fakeReads{}, &fakeTrigger{}
	r := New(InvalidationConfig{Enabled: true, Driver: DriverKafka}, Options{
		Register: reg, Metadata: fm, Reads: fr, Sync: ft,
	})
	return r, fm, fr, ft, reg
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func TestUpdatedWithBBox_SpatialInvalidation(t *testing.T) {
	r, fm, fr, ft, reg := newRunner(t)
	ev := invalidation.Event{
		Dataset: "elevation", Op: invalidation.OpUpdated, Version: 1, TS: time.Now().UTC(),
		BBox: &model.GeoBounds{West: 0, South: 0, East: 1, North: 1},
	}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fm.evicted) != 1 || fm.evicted[0] != "elevation" {
		t.Fatalf("metadata evictions=%v", fm.evicted)
	}
	if len(fr.spatial) != 1 || len(fr.bumps) != 0 {
		t.Fatalf("spatial=%v bumps=%v", fr.spatial, fr.bumps)
	}
	if ft.n != 0 {
		t.Fatalf("updates must not trigger a sync, got %d", ft.n)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok count=%v", got)
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("read_delete")); got != 3 {
		t.Fatalf("read_delete=%v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "store_events_total"); err != nil || n == 0 {
		t.Fatalf("metric not registered: n=%d err=%v", n, err)
	}
}

func TestCreatedDeleted_TriggerSyncAndBumpGeneration(t *testing.T) {
	r, _, fr, ft, _ := newRunner(t)
	ctx := context.Background()
	for i, op := range []string{invalidation.OpCreated, invalidation.OpDeleted} {
		ev := invalidation.Event{Dataset: "aspect", Op: op, Version: uint64(i + 1), TS: time.Now().UTC()}
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}
	if ft.n != 2 {
		t.Fatalf("expected 2 sync triggers, got %d", ft.n)
	}
	if len(fr.bumps) != 2 {
		t.Fatalf("expected 2 generation bumps, got %v", fr.bumps)
	}
}

func TestVersionDedupe_SkipsStaleAndDuplicate(t *testing.T) {
	r, fm, _, _, _ := newRunner(t)
	ctx := context.Background()
	ev := invalidation.Event{Dataset: "elevation", Op: invalidation.OpUpdated, Version: 5, TS: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if err := r.Apply(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	ev.Version = 4
	if err := r.Apply(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if len(fm.evicted) != 1 {
		t.Fatalf("duplicate and stale versions must be skipped, evictions=%v", fm.evicted)
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("skip_version")); got != 2 {
		t.Fatalf("skip_version=%v", got)
	}
	ev.Version = 6
	if err := r.Apply(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if len(fm.evicted) != 2 {
		t.Fatalf("newer version must apply, evictions=%v", fm.evicted)
	}
}

func TestApplyFailure_IsRetriedWithSameVersion(t *testing.T) {
	r, _, fr, _, _ := newRunner(t)
	ctx := context.Background()
	fr.err = errors.New("redis down")
	ev := invalidation.Event{Dataset: "elevation", Op: invalidation.OpUpdated, Version: 1, TS: time.Now().UTC()}

	if err := r.handleMessage(ctx, message(t, ev)); err == nil {
		t.Fatalf("expected apply error to surface")
	}
	fr.err = nil
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fr.bumps) != 1 {
		t.Fatalf("retry must apply, bumps=%v", fr.bumps)
	}
}

func TestMalformed_IsSkipped(t *testing.T) {
	r, fm, _, _, _ := newRunner(t)
	ctx := context.Background()

	bad := &sarama.ConsumerMessage{Value: []byte(`{not json`)}
	if err := r.handleMessage(ctx, bad); err != nil {
		t.Fatalf("malformed json must be skipped, got %v", err)
	}
	invalid := message(t, invalidation.Event{Dataset: "elevation", Op: "insert", Version: 1, TS: time.Now()})
	if err := r.handleMessage(ctx, invalid); err != nil {
		t.Fatalf("invalid event must be skipped, got %v", err)
	}
	if len(fm.evicted) != 0 {
		t.Fatalf("nothing should be applied, evictions=%v", fm.evicted)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("invalid")); got != 2 {
		t.Fatalf("invalid count=%v", got)
	}
}

func TestNilConsumers_AreOptional(t *testing.T) {
	r := New(InvalidationConfig{}, Options{})
	ev := invalidation.Event{Dataset: "elevation", Op: invalidation.OpCreated, Version: 1, TS: time.Now()}
	if err := r.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	if ready, _ := r.Readiness(); ready {
		t.Fatalf("disabled runner is never assigned")
	}
	r.Stop()
}

func TestSaramaConfig_SASL(t *testing.T) {
	cfg := InvalidationConfig{SASL: SASLConfig{Enable: true, Username: "u", Password: "p"}}
	sc, err := cfg.Sarama()
	if err != nil {
		t.Fatalf("Sarama: %v", err)
	}
	if !sc.Net.SASL.Enable || sc.Net.SASL.User != "u" || sc.Net.SASL.Mechanism != sarama.SASLTypePlaintext {
		t.Fatalf("sasl not applied: %+v", sc.Net.SASL)
	}
	cfg.SASL.Mechanism = "OAUTHBEARER"
	if _, err := cfg.Sarama(); err == nil {
		t.Fatalf("expected unsupported mechanism error")
	}
}
