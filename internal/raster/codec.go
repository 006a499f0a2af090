package raster

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

var ErrCorruptTile = errors.New("raster: corrupt tile")

// Encode writes b band-sequentially, optionally gzip-compressed.
func Encode(w io.Writer, b *Block, compression string) error {
	switch compression {
	case "", CompressionNone:
		for _, band := range b.Bands {
			if _, err := w.Write(band); err != nil {
				return fmt.Errorf("raster: write band: %w", err)
			}
		}
		return nil
	case CompressionGzip:
		zw := gzip.NewWriter(w)
		for _, band := range b.Bands {
			if _, err := zw.Write(band); err != nil {
				_ = zw.Close()
				return fmt.Errorf("raster: write band: %w", err)
			}
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("raster: gzip close: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("raster: unsupported compression %q", compression)
	}
}

// Marshal is Encode into a fresh buffer.
func Marshal(b *Block, compression string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(b.Pixels() * b.Type.Size() * b.NumBands())
	if err := Encode(&buf, b, compression); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a tile written by Encode. The caller supplies the geometry
// from the pyramid metadata.
func Decode(data []byte, width, height, bands int, pt model.PixelType, compression string) (*Block, error) {
	b, err := New(width, height, pt, bands)
	if err != nil {
		return nil, err
	}
	var r io.Reader = bytes.NewReader(data)
	switch compression {
	case "", CompressionNone:
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptTile, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	default:
		return nil, fmt.Errorf("raster: unsupported compression %q", compression)
	}
	for i := range b.Bands {
		if _, err := io.ReadFull(r, b.Bands[i]); err != nil {
			return nil, fmt.Errorf("%w: band %d: %v", ErrCorruptTile, i, err)
		}
	}
	return b, nil
}
