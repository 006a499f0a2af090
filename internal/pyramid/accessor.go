// Package pyramid caches pyramid metadata in front of a store.
package pyramid

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

const DefaultTTL = 30 * time.Second

type Options struct {
	// Size bounds the number of cached descriptors; 0 disables caching.
	Size   int
	TTL    time.Duration
	Logger *slog.Logger
}

// Accessor answers metadata queries for one store. Errors are never cached.
type Accessor struct {
	src   store.MetadataReader
	cache *expirable.LRU[string, model.PyramidMetadata]
	log   *slog.Logger
}

func NewAccessor(src store.MetadataReader, opts Options) *Accessor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	a := &Accessor{src: src, log: opts.Logger}
	if opts.Size > 0 {
		a.cache = expirable.NewLRU[string, model.PyramidMetadata](opts.Size, nil, opts.TTL)
	}
	return a
}

func (a *Accessor) Metadata(ctx context.Context, name string) (model.PyramidMetadata, error) {
	if a.cache != nil {
		if m, ok := a.cache.Get(name); ok {
			return m, nil
		}
	}
	m, err := a.src.ReadMetadata(ctx, name)
	if err != nil {
		return model.PyramidMetadata{}, err
	}
	if a.cache != nil {
		a.cache.Add(name, m)
	}
	return m, nil
}

func (a *Accessor) Invalidate(names ...string) {
	if a.cache == nil {
		return
	}
	for _, n := range names {
		if a.cache.Remove(n) {
			a.log.Debug("metadata evicted", "dataset", n)
		}
	}
}

func (a *Accessor) Purge() {
	if a.cache != nil {
		a.cache.Purge()
	}
}

func (a *Accessor) Len() int {
	if a.cache == nil {
		return 0
	}
	return a.cache.Len()
}
