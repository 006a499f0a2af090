package gpkgstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

// Writer creates datasets in a GeoPackage, creating the file if needed.
type Writer struct {
	db *sql.DB
}

func Create(ctx context.Context, path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=rwc&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("gpkgstore: create %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gpkgstore: init schema: %w", err)
	}
	return &Writer{db: db}, nil
}

// CreateDataset registers a tile table and its descriptor.
func (w *Writer) CreateDataset(ctx context.Context, m model.PyramidMetadata) error {
	if !tableName.MatchString(m.Name) {
		return fmt.Errorf("gpkgstore: invalid dataset name %q", m.Name)
	}
	desc, err := store.EncodeMetadata(m)
	if err != nil {
		return err
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gpkgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		q    string
		args []any
	}{
		{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			UNIQUE (zoom_level, tile_column, tile_row))`, m.Name), nil},
		{`INSERT OR REPLACE INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
			VALUES (?, 'tiles', ?, ?, ?, ?, ?, 4326)`,
			[]any{m.Name, m.Name, m.Bounds.West, m.Bounds.South, m.Bounds.East, m.Bounds.North}},
		{`INSERT OR REPLACE INTO gpkg_tile_matrix_set (table_name, srs_id, min_x, min_y, max_x, max_y)
			VALUES (?, 4326, -180, -90, 180, 90)`, []any{m.Name}},
		{`INSERT OR REPLACE INTO pyramid_metadata (table_name, descriptor) VALUES (?, ?)`,
			[]any{m.Name, string(desc)}},
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return fmt.Errorf("gpkgstore: create dataset %s: %w", m.Name, err)
		}
	}
	for z := 0; z <= m.MaxZoom; z++ {
		if !m.HasLevel(z) {
			continue
		}
		res := tilemath.Resolution(z, m.TileSize)
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO gpkg_tile_matrix
			(table_name, zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Name, z, tilemath.Columns(z), tilemath.Rows(z), m.TileSize, m.TileSize, res, res); err != nil {
			return fmt.Errorf("gpkgstore: tile matrix %s/%d: %w", m.Name, z, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gpkgstore: commit: %w", err)
	}
	return nil
}

func (w *Writer) PutTile(ctx context.Context, m model.PyramidMetadata, addr model.TileAddress, b *raster.Block) error {
	data, err := raster.Marshal(b, m.Compression)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %q (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`, m.Name),
		addr.Zoom, addr.Col, addr.Row, data)
	if err != nil {
		return fmt.Errorf("gpkgstore: put tile %s %s: %w", m.Name, addr, err)
	}
	return nil
}

// SetDescriptor overwrites the raw descriptor without validation.
func (w *Writer) SetDescriptor(ctx context.Context, name, raw string) error {
	if _, err := w.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pyramid_metadata (table_name, descriptor) VALUES (?, ?)`, name, raw); err != nil {
		return fmt.Errorf("gpkgstore: set descriptor %s: %w", name, err)
	}
	return nil
}

func (w *Writer) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("gpkgstore: close writer: %w", err)
	}
	return nil
}
