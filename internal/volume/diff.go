package volume

import "github.com/google/uuid"

// Diff is a directed edge from a parent volume to a child volume: a byte
// stream that, applied to the parent (or to nothing, for a full send),
// reconstructs the child.
type Diff struct {
	// FromUUID is the parent volume, or uuid.Nil for a full send.
	FromUUID uuid.UUID
	// ToUUID is the child volume this diff produces.
	ToUUID uuid.UUID
	// Sink names the store that owns and can produce this diff.
	Sink string
	// Size is the estimated or measured byte cost.
	Size int64
	// Exact reports whether Size came from measurement rather than estimation.
	Exact bool
}

// IsFullSend reports whether this diff has no parent.
func (d Diff) IsFullSend() bool {
	return d.FromUUID == uuid.Nil
}
