package store

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Factory opens a backend for the location part of a store URI.
type Factory func(location string, creds Credentials, logger *slog.Logger) (Store, error)

var (
	regMu sync.RWMutex
	reg   = map[string]Factory{}
)

// Register makes a backend available under a URI scheme. Backends call it
// from init.
func Register(scheme string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	reg[scheme] = f
}

func Schemes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(reg))
	for s := range reg {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open selects a backend by URI scheme. A plain path uses the "file" backend.
func Open(uri string, creds Credentials, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheme, location := splitURI(uri)
	if location == "" {
		return nil, fmt.Errorf("store uri %q: empty location", uri)
	}
	regMu.RLock()
	f, ok := reg[scheme]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store uri %q: no backend for scheme %q (have %v)", uri, scheme, Schemes())
	}
	return f(location, creds, logger)
}

func splitURI(uri string) (scheme, location string) {
	uri = strings.TrimSpace(uri)
	if !strings.Contains(uri, "://") {
		return "file", uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", ""
	}
	loc := u.Path
	if u.Host != "" {
		loc = u.Host + u.Path
	}
	return u.Scheme, loc
}
