// Package cellindex records which cached reads touch which H3 cells.
package cellindex

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/keys"
	"github.com/mohammed-shakir/pyramid-catalog/internal/cache/redisstore"
)

type CellIndex interface {
	// Add indexes readKey under every cell.
	Add(ctx context.Context, dataset string, res int, cells []string, readKey string, ttl time.Duration) error
	// Keys returns the read keys indexed under any of the cells.
	Keys(ctx context.Context, dataset string, res int, cells []string) ([]string, error)
	// Drop removes the index sets for the cells.
	Drop(ctx context.Context, dataset string, res int, cells []string) error
}

type redisCellIndex struct {
	cli *redisstore.Client
}

func NewRedisIndex(cli *redisstore.Client) CellIndex {
	return &redisCellIndex{cli: cli}
}

func (ci *redisCellIndex) Add(ctx context.Context, dataset string, res int, cells []string, readKey string, ttl time.Duration) error {
	if len(cells) == 0 {
		return nil
	}
	if err := ci.cli.SAddWithTTL(ctx, setKeys(dataset, res, cells), readKey, ttl); err != nil {
		return fmt.Errorf("cellindex add: %w", err)
	}
	return nil
}

func (ci *redisCellIndex) Keys(ctx context.Context, dataset string, res int, cells []string) ([]string, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	members, err := ci.cli.SUnion(ctx, setKeys(dataset, res, cells)...)
	if err != nil {
		return nil, fmt.Errorf("cellindex lookup: %w", err)
	}
	return members, nil
}

func (ci *redisCellIndex) Drop(ctx context.Context, dataset string, res int, cells []string) error {
	if err := ci.cli.Del(ctx, setKeys(dataset, res, cells)...); err != nil {
		return fmt.Errorf("cellindex drop: %w", err)
	}
	return nil
}

func setKeys(dataset string, res int, cells []string) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, keys.CellIndexKey(dataset, res, c))
	}
	return out
}
