package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/layersync"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store/storetest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func baseConfig(root string) config.Config {
	return config.Config{
		StoreURI:           root,
		CatalogDriver:      "memory",
		MetadataCacheSize:  16,
		MaxConcurrentTiles: 2,
		H3Res:              5,
		H3MaxCells:         2048,
	}
}

func writeElevation(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	storetest.WriteFS(t, root, storetest.Elevation(), nil)
	return root
}

func TestLoadPlugin_MissingUsesDefaults(t *testing.T) {
	p, err := LoadPlugin(filepath.Join(t.TempDir(), "mrgeo.config"), quiet)
	require.NoError(t, err)
	assert.Equal(t, "mrgeo", p.Workspace)
	assert.Equal(t, "mrgeo", p.CoverageStore)
	assert.False(t, p.EnableUpdate)
}

func TestStoreURI_EnvWins(t *testing.T) {
	p := config.Plugin{ImageBase: "gpkg:///data/base.gpkg"}
	assert.Equal(t, "gpkg:///data/base.gpkg", StoreURI(config.Config{}, p))
	assert.Equal(t, "/srv/pyramids", StoreURI(config.Config{StoreURI: " /srv/pyramids "}, p))
}

func TestOpen_NoStore(t *testing.T) {
	_, err := Open(context.Background(), config.Config{CatalogDriver: "memory"}, config.Plugin{}, quiet)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestOpen_UnknownCatalogDriver(t *testing.T) {
	cfg := baseConfig(writeElevation(t))
	cfg.CatalogDriver = "nope"
	_, err := Open(context.Background(), cfg, config.Plugin{}, quiet)
	assert.Error(t, err)
}

func TestOpen_SyncAndRead(t *testing.T) {
	ctx := context.Background()
	p, err := config.ParsePlugin(map[string]string{"workspace": "rasters"}, "/etc/mrgeo.config")
	require.NoError(t, err)

	a, err := Open(ctx, baseConfig(writeElevation(t)), p, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Nil(t, a.Reads)

	tgt := a.Target()
	assert.Equal(t, "rasters", tgt.Workspace)
	assert.Equal(t, "rasters", tgt.Namespace)
	assert.Equal(t, "mrgeo", tgt.Store)
	assert.Equal(t, "/etc/mrgeo.config", tgt.StoreURL)

	s, err := a.Synchronizer()
	require.NoError(t, err)
	assert.False(t, s.Continuous())

	rep, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"elevation"}, rep.Added)

	pub, err := a.Catalog.ListCoverages(ctx, "rasters", "mrgeo")
	require.NoError(t, err)
	require.Len(t, pub, 1)
	assert.Equal(t, "elevation", pub[0].Name)

	names, err := a.Reader.CoverageNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"elevation"}, names)
}

func TestOpen_ReadCacheWithMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(writeElevation(t))
	cfg.ReadCacheEnabled = true
	cfg.RedisAddr = mr.Addr()

	a, err := Open(context.Background(), cfg, config.Plugin{Workspace: "mrgeo", CoverageStore: "mrgeo"}, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Reads)

	names, err := a.Reader.CoverageNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"elevation"}, names)
}

func TestOpen_ReadCacheUnreachableFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig(writeElevation(t))
	cfg.ReadCacheEnabled = true
	cfg.RedisAddr = addr

	a, err := Open(context.Background(), cfg, config.Plugin{Workspace: "mrgeo", CoverageStore: "mrgeo"}, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Nil(t, a.Reads)
}

func TestChecks(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, baseConfig(writeElevation(t)), config.Plugin{Workspace: "mrgeo", CoverageStore: "mrgeo"}, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s, err := a.Synchronizer()
	require.NoError(t, err)
	reg := layersync.NewRegistry()
	h, err := reg.Start(ctx, s)
	require.NoError(t, err)
	<-h.Done()

	checks := a.Checks(h)
	require.Len(t, checks, 2)
	st, err := checks[0].Probe(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "ok", st)
	st, err = checks[1].Probe(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "terminated", st)
}

func TestFormatReader_UsesConfigCredentials(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	storetest.WriteFS(t, root, storetest.Elevation(), nil)
	secret := storetest.Meta("classified", model.GeoBounds{West: 0, South: 0, East: 1, North: 1}, 3, 64, model.PixelByte, 0)
	secret.Roles = []string{"secret"}
	storetest.WriteFS(t, root, secret, nil)

	a, err := Open(ctx, baseConfig(root), config.Plugin{Workspace: "mrgeo", CoverageStore: "mrgeo"}, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	names, err := a.Reader.CoverageNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"elevation"}, names)

	src := filepath.Join(t.TempDir(), "mrgeo.config")
	require.NoError(t, os.WriteFile(src, []byte("user.name=ops\nuser.roles=secret\n"), 0o644))
	rd, err := a.Factory.Format().Reader(src)
	require.NoError(t, err)
	assert.Equal(t, "secret", rd.Config().UserRoles)

	names, err = rd.CoverageNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"classified", "elevation"}, names)
	d, err := rd.Describe(ctx, "classified")
	require.NoError(t, err)
	assert.Equal(t, 3, d.MaxZoom)

	again, err := a.Factory.Format().Reader(src)
	require.NoError(t, err)
	_, err = again.Describe(ctx, "classified")
	require.NoError(t, err)
	assert.Len(t, a.bound, 1)

	_, err = a.Reader.Describe(ctx, "classified")
	assert.Error(t, err)

	a.Invalidate("classified")
}

func TestFormatReader_SameAccessSharesStore(t *testing.T) {
	a, err := Open(context.Background(), baseConfig(writeElevation(t)), config.Plugin{Workspace: "mrgeo", CoverageStore: "mrgeo"}, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	src := filepath.Join(t.TempDir(), "mrgeo.config")
	require.NoError(t, os.WriteFile(src, []byte("workspace=other\n"), 0o644))
	rd, err := a.Factory.Format().Reader(src)
	require.NoError(t, err)
	assert.Equal(t, "other", rd.Config().Workspace)
	assert.Empty(t, a.bound)
}
