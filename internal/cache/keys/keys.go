// Package keys builds the Redis keys used by the read cache.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

// ReadKey identifies one cached raster read. The generation lets a whole
// dataset be invalidated by bumping a counter.
func ReadKey(dataset string, gen int64, bounds *model.GeoBounds, win *model.PixelWindow) string {
	canon := canonicalRequest(bounds, win)
	return fmt.Sprintf("read:%s:g%d:%s:h=%016x",
		sanitizeName(strings.TrimSpace(dataset)), gen, canon, xxhash.Sum64String(canon))
}

func GenerationKey(dataset string) string {
	return "gen:" + sanitizeName(strings.TrimSpace(dataset))
}

// CellIndexKey names the set of read keys touching an H3 cell.
func CellIndexKey(dataset string, res int, cell string) string {
	return fmt.Sprintf("idx:%s:%d:%s", sanitizeName(strings.TrimSpace(dataset)), res, cell)
}

// coordinates are rounded to 1e-9 degrees so equal requests share a key
func canonicalRequest(b *model.GeoBounds, w *model.PixelWindow) string {
	var sb strings.Builder
	if b == nil {
		sb.WriteString("all")
	} else {
		fmt.Fprintf(&sb, "%.9f_%.9f_%.9f_%.9f", b.West, b.South, b.East, b.North)
	}
	sb.WriteByte(':')
	if w == nil {
		sb.WriteString("native")
	} else {
		fmt.Fprintf(&sb, "%dx%d", w.Width, w.Height)
	}
	return sb.String()
}

func sanitizeName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' is the key separator, so it is replaced too
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
