package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	// StoreURI overrides image.base from the plugin config.
	StoreURI     string
	PluginConfig string

	CatalogDriver     string
	GeoServerURL      string
	GeoServerUser     string
	GeoServerPassword string
	CatalogTimeout    time.Duration

	RedisAddr        string
	ReadCacheEnabled bool
	ReadCacheTTL     time.Duration
	H3Res            int
	H3MaxCells       int
	CacheOpTimeout   time.Duration

	MetadataCacheSize  int
	MetadataCacheTTL   time.Duration
	MaxReadPixels      int64
	MaxConcurrentTiles int

	Invalidation InvalidationCfg
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func FromEnv() Config {
	res := getint("H3_RES", 5)
	if res < 0 || res > 15 {
		res = 5
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		StoreURI:     getenv("STORE_URI", ""),
		PluginConfig: getenv("PLUGIN_CONFIG", DefaultPluginFile),

		CatalogDriver:     getenv("CATALOG_DRIVER", "memory"),
		GeoServerURL:      getenv("GEOSERVER_URL", "http://localhost:8080/geoserver"),
		GeoServerUser:     getenv("GEOSERVER_USER", "admin"),
		GeoServerPassword: getenv("GEOSERVER_PASSWORD", ""),
		CatalogTimeout:    getduration("CATALOG_TIMEOUT", 15*time.Second),

		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		ReadCacheEnabled: getbool("READ_CACHE_ENABLED", false),
		ReadCacheTTL:     getduration("READ_CACHE_TTL", 5*time.Minute),
		H3Res:            res,
		H3MaxCells:       getint("H3_MAX_CELLS", 2048),
		CacheOpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		MetadataCacheSize:  getint("METADATA_CACHE_SIZE", 256),
		MetadataCacheTTL:   getduration("METADATA_CACHE_TTL", 30*time.Second),
		MaxReadPixels:      getint64("MAX_READ_PIXELS", 64<<20),
		MaxConcurrentTiles: getint("MAX_CONCURRENT_TILES", 8),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "pyramid-store-events"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "pyramid-catalog"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, ok := parseBool(v); ok {
			return b
		}
	}
	return def
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, true
	case "0", "f", "false", "n", "no", "off":
		return false, true
	}
	return false, false
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
