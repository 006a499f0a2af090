// Package gpkgstore reads pyramids from a GeoPackage file. Each dataset is a
// tile user table registered in gpkg_contents; its JSON descriptor lives in
// the pyramid_metadata extension table.
package gpkgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS gpkg_contents (
	table_name  TEXT NOT NULL PRIMARY KEY,
	data_type   TEXT NOT NULL,
	identifier  TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
	srs_id INTEGER
);
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix_set (
	table_name TEXT NOT NULL PRIMARY KEY,
	srs_id INTEGER NOT NULL,
	min_x DOUBLE NOT NULL, min_y DOUBLE NOT NULL, max_x DOUBLE NOT NULL, max_y DOUBLE NOT NULL
);
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix (
	table_name    TEXT NOT NULL,
	zoom_level    INTEGER NOT NULL,
	matrix_width  INTEGER NOT NULL,
	matrix_height INTEGER NOT NULL,
	tile_width    INTEGER NOT NULL,
	tile_height   INTEGER NOT NULL,
	pixel_x_size  DOUBLE NOT NULL,
	pixel_y_size  DOUBLE NOT NULL,
	CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level)
);
CREATE TABLE IF NOT EXISTS pyramid_metadata (
	table_name TEXT NOT NULL PRIMARY KEY,
	descriptor TEXT NOT NULL
);`

// dataset names double as SQL identifiers
var tableName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)

func init() {
	store.Register("gpkg", func(location string, creds store.Credentials, logger *slog.Logger) (store.Store, error) {
		return Open(location, creds, logger)
	})
}

type Store struct {
	db    *sql.DB
	path  string
	creds store.Credentials
	log   *slog.Logger
}

// Open opens an existing GeoPackage read-only.
func Open(path string, creds store.Credentials, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("gpkgstore: open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gpkgstore: open %q: %w", path, err)
	}
	return &Store{db: db, path: path, creds: creds, log: logger}, nil
}

func (s *Store) Available(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("gpkgstore: unavailable: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("gpkgstore: close: %w", err)
	}
	return nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.table_name, m.descriptor
		FROM gpkg_contents c LEFT JOIN pyramid_metadata m ON m.table_name = c.table_name
		WHERE c.data_type = 'tiles'`)
	if err != nil {
		return nil, fmt.Errorf("gpkgstore: list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		var desc sql.NullString
		if err := rows.Scan(&name, &desc); err != nil {
			return nil, fmt.Errorf("gpkgstore: list datasets: %w", err)
		}
		if !tableName.MatchString(name) {
			continue
		}
		if desc.Valid {
			if m, err := store.DecodeMetadata([]byte(desc.String), name); err == nil && !s.creds.Allows(m.Roles) {
				continue
			}
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gpkgstore: list datasets: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ReadMetadata(ctx context.Context, name string) (model.PyramidMetadata, error) {
	if !tableName.MatchString(name) {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %q", store.ErrDatasetNotFound, name)
	}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT m.descriptor
		FROM gpkg_contents c LEFT JOIN pyramid_metadata m ON m.table_name = c.table_name
		WHERE c.table_name = ? AND c.data_type = 'tiles'`, name).Scan(&desc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, name)
	}
	if err != nil {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s: %v", store.ErrMetadataUnreadable, name, err)
	}
	if !desc.Valid {
		return model.PyramidMetadata{}, fmt.Errorf("%w: %s: no descriptor", store.ErrMetadataUnreadable, name)
	}
	m, err := store.DecodeMetadata([]byte(desc.String), name)
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
	stmt, err := s.db.PrepareContext(ctx, fmt.Sprintf(
		`SELECT tile_data FROM %q WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`, name))
	if err != nil {
		return nil, fmt.Errorf("gpkgstore: prepare tiles %s: %w", name, err)
	}
	return &tileSource{stmt: stmt, zoom: zoom, meta: m}, nil
}

type tileSource struct {
	mu   sync.Mutex
	stmt *sql.Stmt
	zoom int
	meta model.PyramidMetadata
}

func (t *tileSource) ReadTile(ctx context.Context, col, row int) (*raster.Block, error) {
	t.mu.Lock()
	stmt := t.stmt
	t.mu.Unlock()
	if stmt == nil {
		return nil, store.ErrClosed
	}
	var data []byte
	err := stmt.QueryRowContext(ctx, t.zoom, col, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gpkgstore: read tile %d/%d/%d: %w", t.zoom, col, row, err)
	}
	return store.DecodeTile(data, t.meta)
}

func (t *tileSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stmt == nil {
		return nil
	}
	err := t.stmt.Close()
	t.stmt = nil
	return err
}
