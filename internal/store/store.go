// Package store defines the capability set every backend (local btrfs,
// remote btrfs, object storage) must expose to the planner and transfer
// driver. The package itself never touches
// a filesystem, a shell, or an object-storage bucket; concrete backends
// live in the btrfslocal, btrfsremote and objectstore subpackages.
package store

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/canonical/buttersync/internal/volume"
)

// Mode is the capability level a Store was opened with.
type Mode int

const (
	// ModeRead permits listing and sending only.
	ModeRead Mode = iota
	// ModeAppend permits receiving new volumes but not deleting existing ones.
	// This is the default destination mode.
	ModeAppend
	// ModeWrite additionally permits deletion, for --delete runs.
	ModeWrite
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeAppend:
		return "append"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// CanReceive reports whether the mode permits accepting new volumes.
func (m Mode) CanReceive() bool {
	return m == ModeAppend || m == ModeWrite
}

// CanDelete reports whether the mode permits destructive operations.
func (m Mode) CanDelete() bool {
	return m == ModeWrite
}

// ProgressFunc is called periodically during a Send with the cumulative
// number of bytes moved so far.
type ProgressFunc func(bytesDone int64)

// ReceiveContext is the sink side of one transfer: a handle opened by
// Receive and driven by the sending store's Send method.
type ReceiveContext interface {
	io.Writer
	// Close finalizes the receive; the new volume becomes visible to
	// ListVolumes only after Close returns without error.
	Close() error
	// Abort discards whatever has been written so far. Called when Send
	// fails or the driver is interrupted; the partial volume (if any) is
	// guaranteed gone by the next DeletePartials call.
	Abort() error
}

// Store is the uniform capability set every backend exposes.
type Store interface {
	// Name identifies this store as a diff sink, e.g. for planner tie-breaks
	// and the transfer summary.
	Name() string

	// Mode reports the capability level this store was opened with.
	Mode() Mode

	// ListVolumes enumerates every snapshot currently held. Must be stable
	// within one planning round.
	ListVolumes(ctx context.Context) ([]volume.Volume, error)

	// GetEdges enumerates the diffs this store could produce whose ToUUID is
	// v.UUID: always a full-send edge, plus an incremental edge from v's
	// direct parent when this store holds that parent. No edges from more
	// distant ancestors are offered.
	GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error)

	// HasVolume is a presence test.
	HasVolume(ctx context.Context, id uuid.UUID) (bool, error)

	// MeasureSize returns the exact cost of a diff. May be expensive.
	MeasureSize(ctx context.Context, d volume.Diff) (int64, error)

	// EstimateSize returns a cheap approximation of a diff's cost.
	EstimateSize(ctx context.Context, d volume.Diff) (int64, error)

	// Receive opens a sink for an incoming diff stream. path is a
	// store-relative hint for where to materialize the new volume.
	Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (ReceiveContext, error)

	// Send drives diff bytes for toUUID (incremental from fromUUID, or a
	// full send if fromUUID is uuid.Nil) into rc.
	Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc ReceiveContext, progress ProgressFunc) error

	// DeleteVolume destroys a volume. Requires ModeWrite.
	DeleteVolume(ctx context.Context, id uuid.UUID) error

	// DeletePartials removes any volume left behind by an aborted receive.
	DeletePartials(ctx context.Context) error

	// RescanSizes recomputes per-volume logical sizes, used as estimator
	// input when the quota estimation policy is active.
	RescanSizes(ctx context.Context) error

	// GetPaths returns the human-readable paths for a volume, used for
	// --exclude filtering.
	GetPaths(ctx context.Context, v volume.Volume) ([]string, error)

	// Close flushes sidecar metadata, closes network sessions, aborts any
	// partial receives, and releases whatever resources Open acquired. It
	// is always called, on every exit path, by whoever opened the store.
	Close() error
}
