// Package prune implements the deletion policy: after a fully successful
// sync round, remove destination volumes that are no longer required.
package prune

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// Result reports what pruning did.
type Result struct {
	Deleted int
	Kept    int
}

// Run deletes every destination volume that is neither held by the source
// nor required as an ancestor of one that is, child before parent (by
// OTime descending), so a partially-pruned destination never loses a
// volume still needed as another volume's parent. Per-volume delete
// failures are collected and returned together; one failure does not stop
// the sweep.
func Run(ctx context.Context, dst store.Store, srcVolumes, dstVolumes []volume.Volume, eq *volume.Equivalence, log *logrus.Entry) (Result, error) {
	if !dst.Mode().CanDelete() {
		return Result{}, store.NewError(store.KindStoreReadonly, "prune", fmt.Errorf("store %s is not opened in write mode", dst.Name()))
	}

	required := make(map[uuid.UUID]bool, len(srcVolumes))
	for _, v := range srcVolumes {
		required[eq.Canon(v.UUID)] = true
	}

	// A destination volume also survives if it is a required ancestor of
	// another destination volume that itself is required, or of a volume
	// still needed to complete an in-flight chain. Since pruning only runs
	// after a fully successful round (every source volume materialized or
	// unreachable), the only ancestors worth protecting are parents of
	// other destination volumes that are themselves required.
	byUUID := make(map[uuid.UUID]volume.Volume, len(dstVolumes))
	for _, v := range dstVolumes {
		byUUID[v.UUID] = v
	}

	for _, v := range dstVolumes {
		canon := eq.Canon(v.UUID)
		if !required[canon] {
			continue
		}

		for p := v; p.HasParent(); {
			parent, ok := byUUID[p.ParentUUID]
			if !ok {
				break
			}

			required[eq.Canon(parent.UUID)] = true
			p = parent
		}
	}

	var victims []volume.Volume

	for _, v := range dstVolumes {
		if required[eq.Canon(v.UUID)] {
			continue
		}

		victims = append(victims, v)
	}

	// Child before parent: reverse chronological order.
	sort.Slice(victims, func(i, j int) bool { return volume.Less(victims[j], victims[i]) })

	var result Result

	var errs *multierror.Error

	for _, v := range victims {
		if err := dst.DeleteVolume(ctx, v.UUID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete %s on %s: %w", v.UUID, dst.Name(), err))

			if log != nil {
				log.WithFields(logrus.Fields{"volume": v.UUID, "err": err}).Warn("Failed to prune volume")
			}

			continue
		}

		result.Deleted++
	}

	result.Kept = len(dstVolumes) - len(victims)

	if errs != nil {
		return result, errs
	}

	return result, nil
}
