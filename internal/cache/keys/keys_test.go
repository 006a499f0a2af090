package keys

import (
	"regexp"
	"strings"
	"testing"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

var allowed = regexp.MustCompile(`^[A-Za-z0-9:_=.\-]+$`)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	b := model.GeoBounds{West: -1, South: -1, East: 1, North: 1}
	w := model.PixelWindow{Width: 256, Height: 256}
	k1 := ReadKey("elevation", 3, &b, &w)
	b2, w2 := b, w
	k2 := ReadKey(" elevation ", 3, &b2, &w2)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !allowed.MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestDifference_RequestPartsChangeKey(t *testing.T) {
	b := model.GeoBounds{West: -1, South: -1, East: 1, North: 1}
	w := model.PixelWindow{Width: 256, Height: 256}
	base := ReadKey("elevation", 1, &b, &w)

	other := b
	other.East = 1.5
	wider := model.PixelWindow{Width: 512, Height: 256}

	for name, k := range map[string]string{
		"generation": ReadKey("elevation", 2, &b, &w),
		"bounds":     ReadKey("elevation", 1, &other, &w),
		"window":     ReadKey("elevation", 1, &b, &wider),
		"no window":  ReadKey("elevation", 1, &b, nil),
		"no bounds":  ReadKey("elevation", 1, nil, &w),
		"dataset":    ReadKey("aspect", 1, &b, &w),
	} {
		if k == base {
			t.Fatalf("%s: expected a different key, got %s", name, k)
		}
	}
}

func TestSanitize_SeparatorsAndWhitespace(t *testing.T) {
	k := CellIndexKey("my:odd  name/x", 5, "85283473fffffff")
	if !allowed.MatchString(k) {
		t.Fatalf("key contains disallowed characters: %s", k)
	}
	if strings.Count(k, ":") != 3 {
		t.Fatalf("dataset separators leaked into key: %s", k)
	}
	if GenerationKey("") != "gen:_" {
		t.Fatalf("empty dataset key=%s", GenerationKey(""))
	}
}
