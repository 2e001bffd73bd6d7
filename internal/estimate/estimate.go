// Package estimate fills in diff costs before planning: exact
// measurement via a backend's MeasureSize, or a cheap approximation via
// EstimateSize (quota data, or a stricter logical-size fallback).
package estimate

import (
	"context"
	"fmt"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// Policy selects how diff costs are filled in before planning.
type Policy int

const (
	// Measured calls MeasureSize on every candidate diff: accurate but
	// O(N) local send dry-runs.
	Measured Policy = iota
	// Quota uses btrfs quota data (EstimateSize) as a cheap proxy.
	Quota
	// LogicalSize disables quota use entirely and falls back to the
	// child volume's logical size. The stricter of the two estimated modes.
	LogicalSize
)

func (p Policy) String() string {
	switch p {
	case Measured:
		return "measured"
	case Quota:
		return "quota"
	case LogicalSize:
		return "logical-size"
	default:
		return "unknown"
	}
}

// FromFlagCount maps the CLI's `-e`/`--estimate` repeat count onto a Policy:
// absent (0) means Measured, one occurrence means Quota, two or more
// disables quota reliance entirely in favor of LogicalSize.
func FromFlagCount(count int) Policy {
	switch {
	case count <= 0:
		return Measured
	case count == 1:
		return Quota
	default:
		return LogicalSize
	}
}

// Estimator annotates candidate diffs with a (size, exact) pair before one
// planning round. The planner never re-queries sizes mid-round: call
// Annotate once per candidate and hand the result to the planner.
type Estimator struct {
	Policy Policy
}

// Annotate fills in d.Size and d.Exact according to the configured policy.
// child is the volume d.ToUUID refers to, used by the LogicalSize fallback.
func (e Estimator) Annotate(ctx context.Context, src store.Store, d volume.Diff, child volume.Volume) (volume.Diff, error) {
	switch e.Policy {
	case Measured:
		size, err := src.MeasureSize(ctx, d)
		if err != nil {
			return volume.Diff{}, fmt.Errorf("measure size of diff %s->%s on %s: %w", d.FromUUID, d.ToUUID, src.Name(), err)
		}

		d.Size = size
		d.Exact = true

	case Quota:
		size, err := src.EstimateSize(ctx, d)
		if err != nil {
			return volume.Diff{}, fmt.Errorf("estimate size of diff %s->%s on %s: %w", d.FromUUID, d.ToUUID, src.Name(), err)
		}

		d.Size = size
		d.Exact = false

	case LogicalSize:
		size := child.Size
		if size < 0 {
			size = 0
		}

		d.Size = size
		d.Exact = false

	default:
		return volume.Diff{}, fmt.Errorf("unknown estimator policy %v", e.Policy)
	}

	return d, nil
}
