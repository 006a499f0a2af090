// Package raster holds in-memory raster blocks and the on-disk tile codec.
package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

var ErrOutOfBounds = errors.New("raster: rectangle out of bounds")

// Block is a multi-band raster. Each band stores Width*Height samples of Type,
// row-major, little-endian.
type Block struct {
	Width  int
	Height int
	Type   model.PixelType
	Bands  [][]byte
}

func New(width, height int, pt model.PixelType, bands int) (*Block, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("raster: invalid size %dx%d", width, height)
	}
	if !pt.Valid() {
		return nil, fmt.Errorf("raster: unsupported pixel type %q", pt)
	}
	if bands <= 0 {
		return nil, fmt.Errorf("raster: invalid band count %d", bands)
	}
	b := &Block{Width: width, Height: height, Type: pt, Bands: make([][]byte, bands)}
	n := width * height * pt.Size()
	for i := range b.Bands {
		b.Bands[i] = make([]byte, n)
	}
	return b, nil
}

// NewFilled allocates a block with every band set to its nodata value.
func NewFilled(width, height int, pt model.PixelType, nodata []float64) (*Block, error) {
	b, err := New(width, height, pt, len(nodata))
	if err != nil {
		return nil, err
	}
	for i, v := range nodata {
		b.Fill(i, v)
	}
	return b, nil
}

func (b *Block) NumBands() int { return len(b.Bands) }

func (b *Block) Pixels() int { return b.Width * b.Height }

func (b *Block) Fill(band int, v float64) {
	sz := b.Type.Size()
	buf := b.Bands[band]
	if len(buf) == 0 {
		return
	}
	putSample(buf[:sz], b.Type, v)
	for filled := sz; filled < len(buf); filled *= 2 {
		copy(buf[filled:], buf[:filled])
	}
}

func (b *Block) At(band, x, y int) float64 {
	sz := b.Type.Size()
	off := (y*b.Width + x) * sz
	return getSample(b.Bands[band][off:off+sz], b.Type)
}

func (b *Block) Set(band, x, y int, v float64) {
	sz := b.Type.Size()
	off := (y*b.Width + x) * sz
	putSample(b.Bands[band][off:off+sz], b.Type, v)
}

// CopyRect copies a w*h rectangle from src at (sx,sy) into b at (dx,dy).
// Both blocks must share pixel type and band count.
func (b *Block) CopyRect(src *Block, sx, sy, dx, dy, w, h int) error {
	if src.Type != b.Type {
		return fmt.Errorf("raster: pixel type mismatch %s != %s", src.Type, b.Type)
	}
	if src.NumBands() != b.NumBands() {
		return fmt.Errorf("raster: band count mismatch %d != %d", src.NumBands(), b.NumBands())
	}
	if w <= 0 || h <= 0 {
		return nil
	}
	if sx < 0 || sy < 0 || sx+w > src.Width || sy+h > src.Height ||
		dx < 0 || dy < 0 || dx+w > b.Width || dy+h > b.Height {
		return ErrOutOfBounds
	}
	sz := b.Type.Size()
	rowBytes := w * sz
	for band := range b.Bands {
		s, d := src.Bands[band], b.Bands[band]
		for row := 0; row < h; row++ {
			so := ((sy+row)*src.Width + sx) * sz
			do := ((dy+row)*b.Width + dx) * sz
			copy(d[do:do+rowBytes], s[so:so+rowBytes])
		}
	}
	return nil
}

// Crop returns a copy of the w*h rectangle at (x,y).
func (b *Block) Crop(x, y, w, h int) (*Block, error) {
	out, err := New(w, h, b.Type, b.NumBands())
	if err != nil {
		return nil, err
	}
	if err := out.CopyRect(b, x, y, 0, 0, w, h); err != nil {
		return nil, err
	}
	return out, nil
}

func putSample(buf []byte, pt model.PixelType, v float64) {
	switch pt {
	case model.PixelByte:
		buf[0] = uint8(clampRound(v, 0, math.MaxUint8))
	case model.PixelInt16:
		binary.LittleEndian.PutUint16(buf, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case model.PixelUInt16:
		binary.LittleEndian.PutUint16(buf, uint16(clampRound(v, 0, math.MaxUint16)))
	case model.PixelInt32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case model.PixelFloat32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	case model.PixelFloat64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	}
}

func getSample(buf []byte, pt model.PixelType) float64 {
	switch pt {
	case model.PixelByte:
		return float64(buf[0])
	case model.PixelInt16:
		return float64(int16(binary.LittleEndian.Uint16(buf)))
	case model.PixelUInt16:
		return float64(binary.LittleEndian.Uint16(buf))
	case model.PixelInt32:
		return float64(int32(binary.LittleEndian.Uint32(buf)))
	case model.PixelFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case model.PixelFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	default:
		return math.NaN()
	}
}

// integer types have no NaN; it maps to zero
func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
