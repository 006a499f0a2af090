package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

type countingReader struct {
	calls atomic.Int32
	fail  map[string]error
}

func (c *countingReader) ReadMetadata(_ context.Context, name string) (model.PyramidMetadata, error) {
	c.calls.Add(1)
	if err := c.fail[name]; err != nil {
		return model.PyramidMetadata{}, err
	}
	return model.PyramidMetadata{Name: name, MaxZoom: 4, TileSize: 256}, nil
}

func TestAccessor_CachesSuccess(t *testing.T) {
	r := &countingReader{}
	a := NewAccessor(r, Options{Size: 8, TTL: time.Minute})
	for i := 0; i < 3; i++ {
		m, err := a.Metadata(context.Background(), "dem")
		if err != nil || m.Name != "dem" {
			t.Fatalf("metadata: %+v %v", m, err)
		}
	}
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("store called %d times, want 1", got)
	}

	a.Invalidate("dem")
	if _, err := a.Metadata(context.Background(), "dem"); err != nil {
		t.Fatal(err)
	}
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("store called %d times after invalidate, want 2", got)
	}
}

func TestAccessor_ErrorsNotCached(t *testing.T) {
	r := &countingReader{fail: map[string]error{
		"gone": fmt.Errorf("%w: gone", store.ErrDatasetNotFound),
	}}
	a := NewAccessor(r, Options{Size: 8})
	for i := 0; i < 2; i++ {
		if _, err := a.Metadata(context.Background(), "gone"); !errors.Is(err, store.ErrDatasetNotFound) {
			t.Fatalf("expected ErrDatasetNotFound, got %v", err)
		}
	}
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("store called %d times, want 2", got)
	}
	if a.Len() != 0 {
		t.Fatalf("cache holds %d entries", a.Len())
	}
}

func TestAccessor_Disabled(t *testing.T) {
	r := &countingReader{}
	a := NewAccessor(r, Options{})
	_, _ = a.Metadata(context.Background(), "dem")
	_, _ = a.Metadata(context.Background(), "dem")
	a.Invalidate("dem")
	a.Purge()
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("store called %d times, want 2", got)
	}
}

func TestAccessor_Purge(t *testing.T) {
	r := &countingReader{}
	a := NewAccessor(r, Options{Size: 8})
	_, _ = a.Metadata(context.Background(), "a")
	_, _ = a.Metadata(context.Background(), "b")
	a.Purge()
	if a.Len() != 0 {
		t.Fatalf("len=%d after purge", a.Len())
	}
}
