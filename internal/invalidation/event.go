// Package invalidation defines the store-change events exchanged between
// pyramid writers and running services.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
)

const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

type Event struct {
	Dataset string           `json:"dataset"`
	Op      string           `json:"op"`
	BBox    *model.GeoBounds `json:"bbox,omitempty"`
	Version uint64           `json:"version"`
	TS      time.Time        `json:"ts"`
	Source  string           `json:"source,omitempty"`
}

// Structural reports whether the event changes the set of datasets, which
// is what the layer synchronizer cares about.
func (e Event) Structural() bool {
	return e.Op == OpCreated || e.Op == OpDeleted
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Dataset) == "" {
		return fmt.Errorf("dataset is required")
	}
	switch e.Op {
	case OpCreated, OpUpdated, OpDeleted:
	default:
		return fmt.Errorf("op must be created|updated|deleted")
	}
	if e.Version == 0 {
		return fmt.Errorf("version must be > 0")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox != nil {
		bb := *e.BBox
		if !(bb.West >= -180 && bb.West <= 180 && bb.East >= -180 && bb.East <= 180) {
			return fmt.Errorf("bbox longitude out of range")
		}
		if !(bb.South >= -90 && bb.South <= 90 && bb.North >= -90 && bb.North <= 90) {
			return fmt.Errorf("bbox latitude out of range")
		}
		if !bb.Valid() {
			return fmt.Errorf("bbox must satisfy east>west and north>south")
		}
	}
	return nil
}
