package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config selects and configures a catalog backend.
type Config struct {
	Driver   string
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

type Factory func(cfg Config, logger *slog.Logger) (Catalog, error)

var (
	regMu   sync.RWMutex
	drivers = map[string]Factory{}
)

// Register makes a backend available under name. Backends call it from init.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("catalog: driver registered twice: " + name)
	}
	drivers[name] = f
}

func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for n := range drivers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func Open(cfg Config, logger *slog.Logger) (Catalog, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	regMu.RLock()
	f, ok := drivers[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: unknown driver %q (known: %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(cfg, logger)
}
