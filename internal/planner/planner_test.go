package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/buttersync/internal/planner"
	"github.com/canonical/buttersync/internal/volume"
)

func vol(u uuid.UUID, parent uuid.UUID, otime int64, size int64) volume.Volume {
	return volume.Volume{UUID: u, ParentUUID: parent, OTime: time.Unix(otime, 0), Size: size}
}

// S1: empty-to-one. One full-send diff, cost 100.
func TestS1EmptyToOne(t *testing.T) {
	a := uuid.New()
	volA := vol(a, uuid.Nil, 1, 100)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA},
		AllVolumes:    []volume.Volume{volA},
		Resident:      map[uuid.UUID]bool{},
		Edges: map[uuid.UUID][]planner.Candidate{
			a: {{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: a, Sink: "src", Size: 100}, Sink: "src"}},
		},
		DestSink: "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, plan.Unreachable)
	require.Contains(t, plan.Nodes, a)
	node := plan.Nodes[a]
	assert.False(t, node.Keep)
	assert.Equal(t, int64(100), node.Size)
	assert.Equal(t, uuid.Nil, node.Previous)

	summary := plan.Summary()
	assert.Equal(t, 1, summary[""].Count)
	assert.Equal(t, int64(100), summary[""].TotalSize)
}

// S2: linear chain. A resident, B and C must be diffed in.
func TestS2LinearChain(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	volA := vol(a, uuid.Nil, 1, 100)
	volB := vol(b, a, 2, 10)
	volC := vol(c, b, 3, 10)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA, volB, volC},
		AllVolumes:    []volume.Volume{volA, volB, volC},
		Resident:      map[uuid.UUID]bool{a: true},
		Edges: map[uuid.UUID][]planner.Candidate{
			a: {{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: a, Size: 100}, Sink: "src"}},
			b: {{Diff: volume.Diff{FromUUID: a, ToUUID: b, Size: 10}, Sink: "src"}},
			c: {{Diff: volume.Diff{FromUUID: b, ToUUID: c, Size: 10}, Sink: "src"}},
		},
		DestSink: "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, plan.Unreachable)

	assert.True(t, plan.Nodes[a].Keep)
	assert.Equal(t, int64(10), plan.Nodes[b].Size)
	assert.Equal(t, a, plan.Nodes[b].Previous)
	assert.Equal(t, int64(10), plan.Nodes[c].Size)
	assert.Equal(t, b, plan.Nodes[c].Previous)

	summary := plan.Summary()
	assert.Equal(t, int64(20), summary[""].TotalSize)

	// After executing A->B, B becomes resident; the B->C edge is unaffected, re-plan
	// should still pick B->C with B as parent.
	in2 := in
	in2.Resident = map[uuid.UUID]bool{a: true, b: true}
	plan2, err := planner.BestDiffs(context.Background(), in2)
	require.NoError(t, err)
	assert.True(t, plan2.Nodes[b].Keep)
	assert.Equal(t, b, plan2.Nodes[c].Previous)
}

// S3: cross-store reuse. A and C already resident; keep both even though
// there is no diff path from A to C directly.
func TestS3CrossStoreReuse(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	volA := vol(a, uuid.Nil, 1, 100)
	volB := vol(b, a, 2, 10)
	volC := vol(c, b, 3, 10)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA, volB, volC},
		AllVolumes:    []volume.Volume{volA, volB, volC},
		Resident:      map[uuid.UUID]bool{a: true, c: true},
		Edges: map[uuid.UUID][]planner.Candidate{
			a: {{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: a, Size: 100}, Sink: "src"}},
			b: {{Diff: volume.Diff{FromUUID: a, ToUUID: b, Size: 10}, Sink: "src"}},
			c: {{Diff: volume.Diff{FromUUID: b, ToUUID: c, Size: 10}, Sink: "src"}},
		},
		DestSink: "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, plan.Nodes[a].Keep)
	assert.True(t, plan.Nodes[c].Keep)
	assert.Equal(t, int64(10), plan.Nodes[b].Size)

	summary := plan.Summary()
	assert.Equal(t, int64(10), summary[""].TotalSize)
}

// S4: unreachable. X's parent Y is unknown, and no full-send edge exists.
func TestS4Unreachable(t *testing.T) {
	x := uuid.New()
	y := uuid.New()
	volX := vol(x, y, 1, 50)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volX},
		AllVolumes:    []volume.Volume{volX},
		Resident:      map[uuid.UUID]bool{},
		Edges:         map[uuid.UUID][]planner.Candidate{},
		DestSink:      "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, plan.Unreachable, 1)
	assert.Equal(t, x, plan.Unreachable[0].UUID)
	assert.NotContains(t, plan.Nodes, x)
}

// S5: tie-break. Two equal-cost diffs from the same sink; the one with the
// smaller parent UUID wins deterministically.
func TestS5TieBreakPrefersSmallerParentUUID(t *testing.T) {
	p1, p2, v := uuid.New(), uuid.New(), uuid.New()
	volP1 := vol(p1, uuid.Nil, 1, 0)
	volP2 := vol(p2, uuid.Nil, 2, 0)
	volV := vol(v, uuid.Nil, 3, 0)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volP1, volP2, volV},
		AllVolumes:    []volume.Volume{volP1, volP2, volV},
		Resident:      map[uuid.UUID]bool{p1: true, p2: true},
		Edges: map[uuid.UUID][]planner.Candidate{
			v: {
				{Diff: volume.Diff{FromUUID: p2, ToUUID: v, Size: 10}, Sink: "src"},
				{Diff: volume.Diff{FromUUID: p1, ToUUID: v, Size: 10}, Sink: "src"},
			},
		},
		DestSink: "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)

	// Both P1 and P2 are equally valid parents at equal cost; determinism
	// requires the same one to win every time. With our tie-break rule (e),
	// the smaller-UUID parent wins.
	smaller := p1
	if p2.String() < p1.String() {
		smaller = p2
	}

	assert.Equal(t, smaller, plan.Nodes[v].Previous)

	// Re-running with identical input must produce the identical plan.
	plan2, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, plan.Nodes[v].Previous, plan2.Nodes[v].Previous)
}

func TestPreferIncrementalOverFullAtEqualCost(t *testing.T) {
	p, v := uuid.New(), uuid.New()
	volP := vol(p, uuid.Nil, 1, 0)
	volV := vol(v, p, 2, 0)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volP, volV},
		AllVolumes:    []volume.Volume{volP, volV},
		Resident:      map[uuid.UUID]bool{p: true},
		Edges: map[uuid.UUID][]planner.Candidate{
			v: {
				{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: v, Size: 5}, Sink: "src"},
				{Diff: volume.Diff{FromUUID: p, ToUUID: v, Size: 5}, Sink: "src"},
			},
		},
		DestSink: "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, p, plan.Nodes[v].Previous)
}

func TestCyclicParentMetadataIsDroppedNotFatal(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	// a's parent is b, b's parent is a: a malformed cycle.
	volA := vol(a, b, 1, 10)
	volB := vol(b, a, 2, 10)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA, volB},
		AllVolumes:    []volume.Volume{volA, volB},
		Resident:      map[uuid.UUID]bool{},
		Edges: map[uuid.UUID][]planner.Candidate{
			a: {
				{Diff: volume.Diff{FromUUID: b, ToUUID: a, Size: 10}, Sink: "src"},
				{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: a, Size: 100}, Sink: "src"},
			},
			b: {
				{Diff: volume.Diff{FromUUID: a, ToUUID: b, Size: 10}, Sink: "src"},
				{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: b, Size: 100}, Sink: "src"},
			},
		},
		DestSink: "dst",
	}

	// Must not hang or error; both fall back to their full-send edges.
	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(100), plan.Nodes[a].Size)
	assert.Equal(t, int64(100), plan.Nodes[b].Size)
}

// Growing the destination can only make the plan cheaper: every new
// resident volume adds keep and parent options without removing any.
func TestAddingResidentVolumeNeverRaisesCost(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	volA := vol(a, uuid.Nil, 1, 100)
	volB := vol(b, a, 2, 10)
	volC := vol(c, b, 3, 10)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA, volB, volC},
		AllVolumes:    []volume.Volume{volA, volB, volC},
		Resident:      map[uuid.UUID]bool{a: true},
		Edges: map[uuid.UUID][]planner.Candidate{
			a: {{Diff: volume.Diff{FromUUID: uuid.Nil, ToUUID: a, Size: 100}, Sink: "src"}},
			b: {{Diff: volume.Diff{FromUUID: a, ToUUID: b, Size: 10}, Sink: "src"}},
			c: {{Diff: volume.Diff{FromUUID: b, ToUUID: c, Size: 10}, Sink: "src"}},
		},
		DestSink: "dst",
	}

	before, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)

	in2 := in
	in2.Resident = map[uuid.UUID]bool{a: true, b: true}

	after, err := planner.BestDiffs(context.Background(), in2)
	require.NoError(t, err)

	assert.LessOrEqual(t, after.Summary()[""].TotalSize, before.Summary()[""].TotalSize)
}

func TestIdempotentOnFullyMaterializedDestination(t *testing.T) {
	a := uuid.New()
	volA := vol(a, uuid.Nil, 1, 100)

	in := planner.Input{
		SourceVolumes: []volume.Volume{volA},
		AllVolumes:    []volume.Volume{volA},
		Resident:      map[uuid.UUID]bool{a: true},
		Edges:         map[uuid.UUID][]planner.Candidate{},
		DestSink:      "dst",
	}

	plan, err := planner.BestDiffs(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}
