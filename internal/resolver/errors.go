package resolver

import (
	"errors"

	"github.com/mohammed-shakir/pyramid-catalog/internal/store"
)

var (
	ErrDatasetNotFound    = store.ErrDatasetNotFound
	ErrMetadataUnreadable = store.ErrMetadataUnreadable
	ErrNoTilesInRange     = errors.New("no tiles in range")
	ErrRequestTooLarge    = errors.New("requested raster too large")
	ErrInvalidRequest     = errors.New("invalid read request")
)

// Outcome maps a read error to a short metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDatasetNotFound):
		return "not_found"
	case errors.Is(err, ErrNoTilesInRange):
		return "no_tiles"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrRequestTooLarge):
		return "too_large"
	case errors.Is(err, ErrMetadataUnreadable):
		return "bad_metadata"
	default:
		return "error"
	}
}
