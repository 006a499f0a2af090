// Package app assembles the pyramid store, read path, catalog and layer
// synchronizer from configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/cellindex"
	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/readcache"
	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/redisstore"
	"github.com/mohammed-shakir/pyramid-catalog/internal/catalog"
	_ "github.com/mohammed-shakir/pyramid-catalog/internal/catalog/geoserver"
	_ "github.com/mohammed-shakir/pyramid-catalog/internal/catalog/memory"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/health"
	"github.com/mohammed-shakir/pyramid-catalog/internal/coverage"
	"github.com/mohammed-shakir/pyramid-catalog/internal/layersync"
	"github.com/mohammed-shakir/pyramid-catalog/internal/pyramid"
	"github.com/mohammed-shakir/pyramid-catalog/internal/resolver"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	_ "github.com/mohammed-shakir/pyramid-catalog/internal/store/fsstore"
	_ "github.com/mohammed-shakir/pyramid-catalog/internal/store/gpkgstore"
)

var ErrNoStore = errors.New("app: no pyramid store configured (set STORE_URI or image.base)")

type App struct {
	Config   config.Config
	Plugin   config.Plugin
	Store    store.Store
	Metadata *pyramid.Accessor
	Resolver *resolver.Resolver
	// Reads is nil when the read cache is disabled or Redis is unreachable.
	Reads   *readcache.Cache
	Reader  *coverage.Reader
	Factory *coverage.Factory
	Catalog catalog.Catalog

	redis *redisstore.Client
	log   *slog.Logger
	key   string

	mu    sync.Mutex
	bound map[string]*binding
}

// binding is the read path for one store location and set of credentials.
type binding struct {
	st   store.Store
	meta *pyramid.Accessor
	res  *resolver.Resolver
}

func accessKey(uri string, c store.Credentials) string {
	return uri + "|" + c.User + "|" + strings.Join(c.Roles, ",")
}

// LoadPlugin reads the plugin configuration at path. A missing file yields
// the defaults, so a bare deployment still starts.
func LoadPlugin(path string, logger *slog.Logger) (config.Plugin, error) {
	if coverage.NewFormat(nil, logger).Accepts(path) {
		return config.LoadPlugin(path)
	}
	logger.Warn("plugin config not found, using defaults", "path", path)
	return config.ParsePlugin(map[string]string{}, path)
}

// StoreURI picks the store location: the environment wins over image.base.
func StoreURI(cfg config.Config, p config.Plugin) string {
	if u := strings.TrimSpace(cfg.StoreURI); u != "" {
		return u
	}
	return strings.TrimSpace(p.ImageBase)
}

func Open(ctx context.Context, cfg config.Config, p config.Plugin, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uri := StoreURI(cfg, p)
	if uri == "" {
		return nil, ErrNoStore
	}
	creds := store.Credentials{User: p.UserName, Roles: store.ParseRoles(p.UserRoles)}
	st, err := store.Open(uri, creds, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Config: cfg, Plugin: p, Store: st, log: logger, key: accessKey(uri, creds)}
	a.Metadata = pyramid.NewAccessor(st, pyramid.Options{
		Size:   cfg.MetadataCacheSize,
		TTL:    cfg.MetadataCacheTTL,
		Logger: logger.With("component", "pyramid"),
	})
	a.Resolver = resolver.New(a.Metadata, st, resolver.Options{
		MaxReadPixels:      cfg.MaxReadPixels,
		MaxConcurrentTiles: cfg.MaxConcurrentTiles,
		Logger:             logger.With("component", "resolver"),
	})

	var raster coverage.RasterReader = a.Resolver
	if cfg.ReadCacheEnabled {
		if err := a.openReadCache(ctx); err != nil {
			logger.Warn("read cache disabled", "redis", cfg.RedisAddr, "err", err)
		} else {
			raster = a.Reads
		}
	}

	open := func(pc config.Plugin) (*coverage.Reader, error) {
		return a.readerFor(pc, raster)
	}
	a.Factory = coverage.NewFactory(st, open, logger)
	a.Reader = coverage.NewReader(st, a.Metadata, raster, p, logger)

	a.Catalog, err = catalog.Open(catalog.Config{
		Driver:   cfg.CatalogDriver,
		URL:      cfg.GeoServerURL,
		User:     cfg.GeoServerUser,
		Password: cfg.GeoServerPassword,
		Timeout:  cfg.CatalogTimeout,
	}, logger.With("component", "catalog"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("pyramid store opened",
		"uri", uri,
		"catalog", cfg.CatalogDriver,
		"read_cache", a.Reads != nil,
		"workspace", p.Workspace,
		"coverage_store", p.CoverageStore)
	return a, nil
}

// readerFor returns a reader whose store access follows pc: its user.name,
// user.roles and image.base. Configs matching the startup access share the
// app's store and read cache; others get their own store and metadata cache
// and read uncached, so role-gated tiles never leak between bindings.
func (a *App) readerFor(pc config.Plugin, shared coverage.RasterReader) (*coverage.Reader, error) {
	uri := StoreURI(a.Config, pc)
	if uri == "" {
		return nil, ErrNoStore
	}
	creds := store.Credentials{User: pc.UserName, Roles: store.ParseRoles(pc.UserRoles)}
	key := accessKey(uri, creds)
	if key == a.key {
		return coverage.NewReader(a.Store, a.Metadata, shared, pc, a.log), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bound[key]
	if !ok {
		st, err := store.Open(uri, creds, a.log.With("component", "store"))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		meta := pyramid.NewAccessor(st, pyramid.Options{
			Size:   a.Config.MetadataCacheSize,
			TTL:    a.Config.MetadataCacheTTL,
			Logger: a.log.With("component", "pyramid"),
		})
		b = &binding{
			st:   st,
			meta: meta,
			res: resolver.New(meta, st, resolver.Options{
				MaxReadPixels:      a.Config.MaxReadPixels,
				MaxConcurrentTiles: a.Config.MaxConcurrentTiles,
				Logger:             a.log.With("component", "resolver"),
			}),
		}
		if a.bound == nil {
			a.bound = map[string]*binding{}
		}
		a.bound[key] = b
		a.log.Info("reader store opened", "uri", uri, "user", creds.User, "roles", creds.Roles)
	}
	return coverage.NewReader(b.st, b.meta, b.res, pc, a.log), nil
}

// Invalidate drops cached metadata for names in every store binding.
func (a *App) Invalidate(names ...string) {
	a.Metadata.Invalidate(names...)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.bound {
		b.meta.Invalidate(names...)
	}
}

func (a *App) openReadCache(ctx context.Context) error {
	cli, err := redisstore.New(ctx, a.Config.RedisAddr,
		redisstore.WithReadTimeout(a.Config.CacheOpTimeout),
		redisstore.WithWriteTimeout(a.Config.CacheOpTimeout),
	)
	if err != nil {
		return err
	}
	a.redis = cli
	a.Reads = readcache.New(a.Resolver, cli, cellindex.NewRedisIndex(cli), readcache.Options{
		TTL:      a.Config.ReadCacheTTL,
		H3Res:    a.Config.H3Res,
		MaxCells: a.Config.H3MaxCells,
		Logger:   a.log.With("component", "readcache"),
	})
	return nil
}

// Target is the managed catalog entry set named by the plugin config. The
// store URL is the plugin config path.
func (a *App) Target() layersync.Target {
	return layersync.Target{
		Namespace: a.Plugin.Namespace,
		Workspace: a.Plugin.Workspace,
		Store:     a.Plugin.CoverageStore,
		StoreURL:  a.Plugin.Path,
	}
}

// Synchronizer builds a synchronizer for the plugin target; continuous and
// interval follow enable.update and update.time.
func (a *App) Synchronizer() (*layersync.Synchronizer, error) {
	return layersync.New(layersync.Options{
		Target:     a.Target(),
		Inventory:  a.Store,
		Metadata:   a.Metadata,
		Catalog:    a.Catalog,
		Continuous: a.Plugin.EnableUpdate,
		Interval:   a.Plugin.UpdateInterval(),
		Logger:     a.log,
	})
}

// Checks are the readiness probes: store reachability and, when h is set,
// the synchronizer state.
func (a *App) Checks(h *layersync.Handle) []health.Check {
	checks := []health.Check{{Name: "store", Probe: func(ctx context.Context) (string, error) {
		if !a.Factory.Available(ctx) {
			return "unavailable", errors.New("pyramid store unreachable")
		}
		return "ok", nil
	}}}
	if h != nil {
		checks = append(checks, health.Check{Name: "sync", Probe: func(context.Context) (string, error) {
			st := h.State()
			if err := h.Err(); err != nil {
				return st.String(), err
			}
			return st.String(), nil
		}})
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, b := range a.bound {
		errs = append(errs, b.st.Close())
		delete(a.bound, k)
	}
	return errors.Join(errs...)
}
