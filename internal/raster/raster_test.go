package raster

import (
	"errors"
	"math"
	"testing"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

func TestSampleConversion_PerType(t *testing.T) {
	cases := []struct {
		pt   model.PixelType
		in   float64
		want float64
	}{
		{model.PixelByte, 200, 200},
		{model.PixelByte, 300, 255},
		{model.PixelInt16, -9999, -9999},
		{model.PixelUInt16, 65535, 65535},
		{model.PixelInt32, -123456, -123456},
		{model.PixelFloat32, 1.5, 1.5},
		{model.PixelFloat64, -32768.25, -32768.25},
	}
	for _, tc := range cases {
		b, err := New(2, 2, tc.pt, 1)
		if err != nil {
			t.Fatalf("%s: new: %v", tc.pt, err)
		}
		b.Set(0, 1, 1, tc.in)
		if got := b.At(0, 1, 1); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.pt, got, tc.want)
		}
	}
}

func TestNewFilled_UsesNodataPerBand(t *testing.T) {
	b, err := NewFilled(3, 5, model.PixelFloat32, []float64{-9999, math.NaN()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for y := 0; y < 5; y++ {
		for x := 0; x < 3; x++ {
			if b.At(0, x, y) != -9999 {
				t.Fatalf("band 0 (%d,%d)=%v", x, y, b.At(0, x, y))
			}
			if !math.IsNaN(b.At(1, x, y)) {
				t.Fatalf("band 1 (%d,%d) not NaN", x, y)
			}
		}
	}
}

func TestCopyRectAndCrop(t *testing.T) {
	src, _ := New(4, 4, model.PixelInt16, 1)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.Set(0, x, y, float64(y*10+x))
		}
	}
	dst, _ := NewFilled(3, 3, model.PixelInt16, []float64{-1})
	if err := dst.CopyRect(src, 2, 1, 1, 1, 2, 2); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if dst.At(0, 0, 0) != -1 || dst.At(0, 1, 1) != 12 || dst.At(0, 2, 2) != 23 {
		t.Fatalf("unexpected copy result: %v %v %v", dst.At(0, 0, 0), dst.At(0, 1, 1), dst.At(0, 2, 2))
	}

	if err := dst.CopyRect(src, 3, 3, 0, 0, 2, 2); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}

	c, err := src.Crop(1, 2, 2, 2)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if c.Width != 2 || c.Height != 2 || c.At(0, 0, 0) != 21 || c.At(0, 1, 1) != 32 {
		t.Fatalf("unexpected crop %+v", c)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, comp := range []string{CompressionNone, CompressionGzip} {
		b, _ := New(8, 8, model.PixelUInt16, 2)
		for i := 0; i < 64; i++ {
			b.Set(0, i%8, i/8, float64(i))
			b.Set(1, i%8, i/8, float64(1000+i))
		}
		raw, err := Marshal(b, comp)
		if err != nil {
			t.Fatalf("%s: marshal: %v", comp, err)
		}
		got, err := Decode(raw, 8, 8, 2, model.PixelUInt16, comp)
		if err != nil {
			t.Fatalf("%s: decode: %v", comp, err)
		}
		if got.At(0, 7, 7) != 63 || got.At(1, 3, 2) != 1019 {
			t.Fatalf("%s: unexpected samples", comp)
		}
	}
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode(make([]byte, 10), 4, 4, 1, model.PixelByte, CompressionNone)
	if !errors.Is(err, ErrCorruptTile) {
		t.Fatalf("expected ErrCorruptTile, got %v", err)
	}
}
