package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ADDR", "CATALOG_DRIVER", "H3_RES", "READ_CACHE_ENABLED", "PLUGIN_CONFIG", "KAFKA_TOPIC"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	assert.Equal(t, ":8090", c.Addr)
	assert.Equal(t, "memory", c.CatalogDriver)
	assert.Equal(t, 5, c.H3Res)
	assert.False(t, c.ReadCacheEnabled)
	assert.Equal(t, DefaultPluginFile, c.PluginConfig)
	assert.Equal(t, "pyramid-store-events", c.Invalidation.Topic)
	assert.Equal(t, 30*time.Second, c.MetadataCacheTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("CATALOG_DRIVER", "geoserver")
	t.Setenv("READ_CACHE_ENABLED", "yes")
	t.Setenv("READ_CACHE_TTL", "90s")
	t.Setenv("H3_RES", "42")
	t.Setenv("MAX_READ_PIXELS", "1000")
	t.Setenv("INVALIDATION_ENABLED", "true")

	c := FromEnv()
	assert.Equal(t, ":9999", c.Addr)
	assert.Equal(t, "geoserver", c.CatalogDriver)
	assert.True(t, c.ReadCacheEnabled)
	assert.Equal(t, 90*time.Second, c.ReadCacheTTL)
	assert.Equal(t, 5, c.H3Res, "out of range resolution falls back")
	assert.Equal(t, int64(1000), c.MaxReadPixels)
	assert.True(t, c.Invalidation.Enabled)
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("PYRAMID_TEST_A=fromfile\nPYRAMID_TEST_B=fromfile\n"), 0o644))
	t.Setenv("PYRAMID_TEST_A", "fromenv")
	t.Setenv("PYRAMID_TEST_B", "")
	require.NoError(t, os.Unsetenv("PYRAMID_TEST_B"))

	require.NoError(t, LoadDotEnv(p, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "fromenv", os.Getenv("PYRAMID_TEST_A"))
	assert.Equal(t, "fromfile", os.Getenv("PYRAMID_TEST_B"))
}

func TestLoadPlugin_Properties(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mrgeo.config")
	body := "# plugin settings\n" +
		"enable.update=true\n" +
		"update.time=60\n" +
		"workspace=rasters\n" +
		"coveragestore=pyramids\n" +
		"user.name=alice\n" +
		"user.roles=analyst,admin\n" +
		"image.base=file:///data/pyramids\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	cfg, err := LoadPlugin(p)
	require.NoError(t, err)
	assert.True(t, cfg.EnableUpdate)
	assert.Equal(t, time.Minute, cfg.UpdateInterval())
	assert.Equal(t, "rasters", cfg.Workspace)
	assert.Equal(t, "pyramids", cfg.CoverageStore)
	assert.Equal(t, "rasters", cfg.Namespace, "namespace defaults to workspace")
	assert.Equal(t, "alice", cfg.UserName)
	assert.Equal(t, "analyst,admin", cfg.UserRoles)
	assert.Equal(t, "file:///data/pyramids", cfg.ImageBase)
	assert.Equal(t, p, cfg.Path)
}

func TestLoadPlugin_YAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mrgeo.yaml")
	body := "enable.update: false\nupdate.time: 120\nnamespace: ns\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	cfg, err := LoadPlugin(p)
	require.NoError(t, err)
	assert.False(t, cfg.EnableUpdate)
	assert.Equal(t, 120, cfg.UpdateTime)
	assert.Equal(t, "mrgeo", cfg.Workspace)
	assert.Equal(t, "mrgeo", cfg.CoverageStore)
	assert.Equal(t, "ns", cfg.Namespace)
}

func TestParsePlugin_Defaults(t *testing.T) {
	cfg, err := ParsePlugin(map[string]string{}, "/etc/mrgeo.config")
	require.NoError(t, err)
	assert.False(t, cfg.EnableUpdate)
	assert.Equal(t, 300*time.Second, cfg.UpdateInterval())
	assert.Equal(t, "mrgeo", cfg.Workspace)
	assert.Equal(t, "mrgeo", cfg.CoverageStore)
	assert.Equal(t, "mrgeo", cfg.Namespace)
}

func TestParsePlugin_Rejects(t *testing.T) {
	_, err := ParsePlugin(map[string]string{"enable.update": "maybe"}, "x")
	assert.Error(t, err)
	_, err = ParsePlugin(map[string]string{"update.time": "soon"}, "x")
	assert.Error(t, err)
	_, err = ParsePlugin(map[string]string{"update.time": "0"}, "x")
	assert.Error(t, err)
}

func TestLoadPlugin_Missing(t *testing.T) {
	_, err := LoadPlugin(filepath.Join(t.TempDir(), "nope.config"))
	assert.Error(t, err)
}
