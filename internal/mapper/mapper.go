// Package mapper converts geographic bounds into spatial index cells.
package mapper

import (
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

// Interface is satisfied by *h3mapper.Mapper.
type Interface interface {
	CellsForBounds(b model.GeoBounds, res int) ([]string, error)
	WithNeighbors(cells []string) ([]string, error)
}
