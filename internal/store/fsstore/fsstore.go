// Package fsstore reads pyramids laid out as directories:
//
//	<root>/<dataset>/metadata.json
//	<root>/<dataset>/<zoom>/<col>/<row>.tile
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

const (
	MetadataFile = "metadata.json"
	TileExt      = ".tile"
)

func init() {
	store.Register("file", func(location string, creds store.Credentials, logger *slog.Logger) (store.Store, error) {
		return New(location, creds, logger)
	})
}

type Store struct {
	root  string
	creds store.Credentials
	log   *slog.Logger
}

func New(root string, creds store.Credentials, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fsstore: root %q: %w", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("fsstore: root %q is not a directory", root)
	}
	return &Store{root: root, creds: creds, log: logger}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Available(context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("fsstore: root unavailable: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// ListDatasets returns the directories under root that hold a metadata file
// visible to the configured credentials.
func (s *Store) ListDatasets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("fsstore: list %q: %w", s.root, err)
	}
	var out []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if !e.IsDir() || !store.ValidName(name) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, name, MetadataFile))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("metadata not readable; listing dataset anyway", "dataset", name, "err", err)
				out = append(out, name)
			}
			continue
		}
		// unparsable metadata stays listed so reconciliation reports it
		if m, err := store.DecodeMetadata(raw, name); err == nil && !s.creds.Allows(m.Roles) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ReadMetadata(_ context.Context, name string) (model.PyramidMetadata, error) {
	if !store.ValidName(name) {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %q", store.ErrDatasetNotFound, name)
	}
	raw, err := os.ReadFile(filepath.Join(s.root, name, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, name)
	}
	if err != nil {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s: %v", store.ErrMetadataUnreadable, name, err)
	}
	m, err := store.DecodeMetadata(raw, name)
	if err != nil {
		return model.PyramidMetadata{}, err
	}
	if !s.creds.Allows(m.Roles) {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, name)
	}
	return m, nil
}

func (s *Store) OpenTiles(ctx context.Context, name string, zoom int) (store.TileSource, error) {
	m, err := s.ReadMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tileSource{
		dir:  filepath.Join(s.root, name, strconv.Itoa(zoom)),
		meta: m,
	}, nil
}

// TilePath is where a tile lives relative to the dataset directory.
func TilePath(zoom, col, row int) string {
	return filepath.Join(strconv.Itoa(zoom), strconv.Itoa(col), strconv.Itoa(row)+TileExt)
}

type tileSource struct {
	dir    string
	meta   model.PyramidMetadata
	closed atomic.Bool
}

func (t *tileSource) ReadTile(ctx context.Context, col, row int) (*raster.Block, error) {
	if t.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(t.dir, strconv.Itoa(col), strconv.Itoa(row)+TileExt)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read tile %s: %w", p, err)
	}
	return store.DecodeTile(data, t.meta)
}

func (t *tileSource) Close() error {
	t.closed.Store(true)
	return nil
}
