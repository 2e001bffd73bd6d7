// Package volume defines the identity and metadata model shared by every
// snapshot store: Volume (an immutable read-only subvolume) and Diff (a
// parent-to-child incremental or full send).
package volume

import (
	"time"

	"github.com/google/uuid"
)

// Volume is an immutable, read-only snapshot as reported by a Store.
type Volume struct {
	// UUID globally identifies this snapshot.
	UUID uuid.UUID
	// ParentUUID is the snapshot this one was cloned from, or uuid.Nil.
	ParentUUID uuid.UUID
	// ReceivedUUID is the source-side volume this one mirrors, if it was
	// itself materialized from an incremental send. uuid.Nil otherwise.
	ReceivedUUID uuid.UUID
	// Paths are human-readable locations relative to the owning store.
	Paths []string
	// OTime is the creation timestamp.
	OTime time.Time
	// Size is the approximate exclusive usage in bytes.
	Size int64
}

// HasParent reports whether the volume was cloned from another snapshot.
func (v Volume) HasParent() bool {
	return v.ParentUUID != uuid.Nil
}

// IsReceived reports whether the volume was materialized via an incremental
// or full receive from another store.
func (v Volume) IsReceived() bool {
	return v.ReceivedUUID != uuid.Nil
}

// Path returns the first known path, or "" if the volume has none.
func (v Volume) Path() string {
	if len(v.Paths) == 0 {
		return ""
	}

	return v.Paths[0]
}

// Less orders volumes by (OTime, UUID), the deterministic order the planner
// relaxes in and the order the deletion policy reverses for child-before-parent
// pruning.
func Less(a, b Volume) bool {
	if !a.OTime.Equal(b.OTime) {
		return a.OTime.Before(b.OTime)
	}

	return a.UUID.String() < b.UUID.String()
}
