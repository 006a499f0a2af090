package resolver

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/pyramid"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
	"github.com/mohammed-shakir/pyramid-catalog/internal/store/storetest"
	"github.com/mohammed-shakir/pyramid-catalog/internal/tilemath"
)

func newResolver(t *testing.T, opts Options, metas map[*model.PyramidMetadata][]model.TileAddress) *Resolver {
	t.Helper()
	s, root := storetest.NewFS(t)
	for m, addrs := range metas {
		storetest.WriteFS(t, root, *m, addrs)
	}
	return New(pyramid.NewAccessor(s, pyramid.Options{Size: 16}), s, opts)
}

func light() model.PyramidMetadata {
	return storetest.Meta("light", model.GeoBounds{West: -10, South: -5, East: 10, North: 5}, 5, 64, model.PixelInt16, -9999)
}

func TestRead_ElevationWindow(t *testing.T) {
	elev := storetest.Elevation()
	r := newResolver(t, Options{}, map[*model.PyramidMetadata][]model.TileAddress{
		&elev: {{Zoom: 7, Col: 63, Row: 31}, {Zoom: 7, Col: 64, Row: 31}, {Zoom: 7, Col: 63, Row: 32}, {Zoom: 7, Col: 64, Row: 32}},
	})

	b := model.GeoBounds{West: -1, South: -1, East: 1, North: 1}
	res, err := r.Read(context.Background(), ReadRequest{
		Dataset: "elevation",
		Bounds:  &b,
		Window:  &model.PixelWindow{Width: 256, Height: 256},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Zoom != 7 {
		t.Fatalf("zoom=%d want 7", res.Zoom)
	}
	if res.Bounds != b {
		t.Fatalf("bounds=%v want %v", res.Bounds, b)
	}
	if res.CRS != "EPSG:4326" || res.Tiles != 4 || res.Missing != 0 {
		t.Fatalf("unexpected result meta %+v", res)
	}
	px := tilemath.Resolution(7, 512)
	want := int(math.Round(2 / px))
	if res.Block.Width != want || res.Block.Height != want {
		t.Fatalf("size %dx%d want %dx%d", res.Block.Width, res.Block.Height, want, want)
	}

	gx0 := int(math.Floor(179 / px))
	gy0 := int(math.Floor(89 / px))
	for _, p := range [][2]int{{0, 0}, {100, 7}, {200, 200}, {want - 1, want - 1}} {
		got := res.Block.At(0, p[0], p[1])
		if exp := storetest.Value(gx0+p[0], gy0+p[1]); got != exp {
			t.Fatalf("pixel %v=%v want %v", p, got, exp)
		}
	}
}

func TestRead_ElevationFullExtent(t *testing.T) {
	elev := storetest.Elevation()
	r := newResolver(t, Options{}, map[*model.PyramidMetadata][]model.TileAddress{
		&elev: {{Zoom: 8, Col: 128, Row: 64}},
	})

	res, err := r.Read(context.Background(), ReadRequest{Dataset: "elevation"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Zoom != 8 || res.Bounds != elev.Bounds {
		t.Fatalf("zoom=%d bounds=%v", res.Zoom, res.Bounds)
	}
	if res.Tiles != 1 || res.Missing != 127 {
		t.Fatalf("tiles=%d missing=%d", res.Tiles, res.Missing)
	}
	if got := res.Block.At(0, 0, 0); got != -9999 {
		t.Fatalf("corner sample %v want nodata", got)
	}
}

func TestRead_FullExtentMatchesNativeBounds(t *testing.T) {
	m := light()
	r := newResolver(t, Options{}, map[*model.PyramidMetadata][]model.TileAddress{
		&m: storetest.Covering(m, 5),
	})

	res, err := r.Read(context.Background(), ReadRequest{Dataset: "light"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Bounds != m.Bounds || res.Zoom != m.MaxZoom {
		t.Fatalf("bounds=%v zoom=%d", res.Bounds, res.Zoom)
	}
	px := tilemath.Resolution(5, 64)
	if res.Block.Width != int(math.Round(20/px)) || res.Block.Height != int(math.Round(10/px)) {
		t.Fatalf("size %dx%d", res.Block.Width, res.Block.Height)
	}
	if res.Missing != 0 {
		t.Fatalf("missing=%d", res.Missing)
	}
}

func TestRead_MissingTileFilledWithNodata(t *testing.T) {
	m := light()
	cover := storetest.Covering(m, 5)
	r := newResolver(t, Options{}, map[*model.PyramidMetadata][]model.TileAddress{
		&m: cover[1:],
	})

	res, err := r.Read(context.Background(), ReadRequest{Dataset: "light"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Missing != 1 || res.Tiles != len(cover)-1 {
		t.Fatalf("tiles=%d missing=%d", res.Tiles, res.Missing)
	}
	if got := res.Block.At(0, 0, 0); got != -9999 {
		t.Fatalf("upper-left comes from the missing tile; got %v", got)
	}
	last := res.Block.At(0, res.Block.Width-1, res.Block.Height-1)
	if last == -9999 {
		t.Fatal("lower-right tile exists but was filled with nodata")
	}
}

func TestRead_NoTilesInRange(t *testing.T) {
	m := light()
	r := newResolver(t, Options{}, map[*model.PyramidMetadata][]model.TileAddress{&m: nil})
	_, err := r.Read(context.Background(), ReadRequest{Dataset: "light"})
	if !errors.Is(err, ErrNoTilesInRange) {
		t.Fatalf("expected ErrNoTilesInRange, got %v", err)
	}
}

func TestRead_Errors(t *testing.T) {
	m := light()
	r := newResolver(t, Options{MaxReadPixels: 100}, map[*model.PyramidMetadata][]model.TileAddress{
		&m: storetest.Covering(m, 5),
	})
	ctx := context.Background()

	if _, err := r.Read(ctx, ReadRequest{Dataset: "nope"}); !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
	if _, err := r.Read(ctx, ReadRequest{Dataset: " "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty name, got %v", err)
	}
	b := model.GeoBounds{West: -1, South: -1, East: 1, North: 1}
	if _, err := r.Read(ctx, ReadRequest{Dataset: "light", Bounds: &b, Window: &model.PixelWindow{}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty window, got %v", err)
	}
	outside := model.GeoBounds{West: 200, South: 0, East: 210, North: 1}
	if _, err := r.Read(ctx, ReadRequest{Dataset: "light", Bounds: &outside}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bounds outside world, got %v", err)
	}
	if _, err := r.Read(ctx, ReadRequest{Dataset: "light"}); !errors.Is(err, ErrRequestTooLarge) {
		t.Fatalf("expected ErrRequestTooLarge, got %v", err)
	}
}

func TestSelectZoom(t *testing.T) {
	m := light()
	b := m.Bounds

	if z := SelectZoom(m, b, nil); z != 5 {
		t.Fatalf("nil window zoom=%d", z)
	}
	if z := SelectZoom(m, b, &model.PixelWindow{Width: 1, Height: 1}); z != 5 {
		t.Fatalf("coarse request should fall back to max zoom, got %d", z)
	}
	if z := SelectZoom(m, b, &model.PixelWindow{Width: 1 << 20, Height: 1 << 20}); z != 5 {
		t.Fatalf("too fine request should fall back to max zoom, got %d", z)
	}
	// 20 deg over 32 px is 0.625 deg/px: zoom 3 at 64 px tiles is 0.703, zoom 4 is 0.35
	if z := SelectZoom(m, b, &model.PixelWindow{Width: 32, Height: 16}); z != 4 {
		t.Fatalf("zoom=%d want 4", z)
	}
	// the finer axis wins
	if z := SelectZoom(m, b, &model.PixelWindow{Width: 32, Height: 40}); z != 5 {
		t.Fatalf("zoom=%d want 5", z)
	}

	m.Levels = []int{1, 5}
	if z := SelectZoom(m, b, &model.PixelWindow{Width: 32, Height: 16}); z != 5 {
		t.Fatalf("unretained level should fall back to max zoom, got %d", z)
	}
}

type failingSource struct {
	closed *atomic.Bool
}

func (f failingSource) ReadTile(context.Context, int, int) (*raster.Block, error) {
	return nil, errors.New("disk on fire")
}

func (f failingSource) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeOpener struct {
	closed atomic.Bool
}

func (o *fakeOpener) OpenTiles(context.Context, string, int) (store.TileSource, error) {
	return failingSource{closed: &o.closed}, nil
}

type fixedMeta model.PyramidMetadata

func (f fixedMeta) Metadata(context.Context, string) (model.PyramidMetadata, error) {
	return model.PyramidMetadata(f), nil
}

func TestRead_TileErrorClosesSource(t *testing.T) {
	op := &fakeOpener{}
	r := New(fixedMeta(light()), op, Options{})
	_, err := r.Read(context.Background(), ReadRequest{Dataset: "light"})
	if err == nil || errors.Is(err, ErrNoTilesInRange) {
		t.Fatalf("expected tile read error, got %v", err)
	}
	if !op.closed.Load() {
		t.Fatal("tile source not closed")
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" || Outcome(ErrNoTilesInRange) != "no_tiles" || Outcome(errors.New("x")) != "error" {
		t.Fatal("unexpected outcome labels")
	}
}

func TestCropWindow_ClampsToMergedRaster(t *testing.T) {
	// zoom 1, 64px tiles: 2.8125 degrees per pixel, tile 0/0 spans -180..0 x -90..90
	tr := model.TileBoundsRange{Zoom: 1, MinCol: 0, MinRow: 0, MaxCol: 0, MaxRow: 0}
	actual := tilemath.TileRangeToBounds(tr)
	if actual != (model.GeoBounds{West: -180, South: -90, East: 0, North: 90}) {
		t.Fatalf("actual=%+v", actual)
	}

	cases := []struct {
		name string
		req  model.GeoBounds
		win  window
		out  model.GeoBounds
	}{
		{
			name: "inside",
			req:  model.GeoBounds{West: -90, South: -45, East: -45, North: 45},
			win:  window{offX: 32, offY: 16, w: 16, h: 32},
			out:  model.GeoBounds{West: -90, South: -45, East: -45, North: 45},
		},
		{
			name: "west of raster",
			req:  model.GeoBounds{West: -185.625, South: -45, East: -90, North: 45},
			win:  window{offX: 0, offY: 16, w: 32, h: 32},
			out:  model.GeoBounds{West: -180, South: -45, East: -90, North: 45},
		},
		{
			name: "north of raster",
			req:  model.GeoBounds{West: -90, South: -45, East: -45, North: 95.625},
			win:  window{offX: 32, offY: 0, w: 16, h: 48},
			out:  model.GeoBounds{West: -90, South: -45, East: -45, North: 90},
		},
		{
			name: "past right and bottom",
			req:  model.GeoBounds{West: -45, South: -95.625, East: 5.625, North: 0},
			win:  window{offX: 48, offY: 32, w: 16, h: 32},
			out:  model.GeoBounds{West: -45, South: -90, East: 0, North: 0},
		},
	}
	for _, c := range cases {
		win, out := cropWindow(c.req, actual, tr, 64)
		if win != c.win {
			t.Fatalf("%s: window=%+v want %+v", c.name, win, c.win)
		}
		if out != c.out {
			t.Fatalf("%s: bounds=%+v want %+v", c.name, out, c.out)
		}
	}
}
