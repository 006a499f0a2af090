// Package coverage is the read-only coverage format the host framework talks
// to: a factory reporting store availability, a format that accepts plugin
// configuration files, and a reader answering per-coverage queries.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

const (
	FormatName        = "MrGeo"
	FormatDescription = "A big-data raster image stored in MrGeo format"
	FormatVendor      = "MrGeo"
	FormatDocURL      = "http://github.com/ngageoint/mrgeo"
	FormatVersion     = "0.1"
)

var ErrReadOnly = errors.New("coverage: format is read-only")

type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Vendor      string `json:"vendor"`
	DocURL      string `json:"docURL"`
	Version     string `json:"version"`
}

// OpenFunc builds a reader for a loaded plugin configuration.
type OpenFunc func(cfg config.Plugin) (*Reader, error)

// Factory hands out the format while the pyramid store is reachable.
type Factory struct {
	st     store.Store
	format *Format
}

func NewFactory(st store.Store, open OpenFunc, logger *slog.Logger) *Factory {
	return &Factory{st: st, format: NewFormat(open, logger)}
}

// Available reports whether the store client can reach the store.
func (f *Factory) Available(ctx context.Context) bool {
	return f.st != nil && f.st.Available(ctx) == nil
}

func (f *Factory) Format() *Format { return f.format }

type Format struct {
	open OpenFunc
	log  *slog.Logger
}

func NewFormat(open OpenFunc, logger *slog.Logger) *Format {
	if logger == nil {
		logger = slog.Default()
	}
	return &Format{open: open, log: logger}
}

func (f *Format) Info() Info {
	return Info{
		Name:        FormatName,
		Description: FormatDescription,
		Vendor:      FormatVendor,
		DocURL:      FormatDocURL,
		Version:     FormatVersion,
	}
}

// Accepts reports whether source, a path or file:// URI, names a readable
// regular file.
func (f *Format) Accepts(source string) bool {
	p, err := sourcePath(source)
	if err != nil {
		return false
	}
	fh, err := os.Open(p)
	if err != nil {
		f.log.Debug("source not accepted", "source", source, "err", err)
		return false
	}
	defer func() { _ = fh.Close() }()
	st, err := fh.Stat()
	return err == nil && st.Mode().IsRegular()
}

// Reader loads the plugin configuration at source and opens a reader on it.
func (f *Format) Reader(source string) (*Reader, error) {
	p, err := sourcePath(source)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadPlugin(p)
	if err != nil {
		f.log.Error("can't create reader", "config", p, "err", err)
		return nil, err
	}
	if f.open == nil {
		return nil, errors.New("coverage: no reader opener configured")
	}
	return f.open(cfg)
}

func (f *Format) Writer(string) error { return ErrReadOnly }

func sourcePath(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", errors.New("coverage: empty source")
	}
	if !strings.Contains(source, "://") {
		return source, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("coverage: bad source %q: %w", source, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("coverage: unsupported source scheme %q", u.Scheme)
	}
	return u.Path, nil
}
