// Package planner implements BestDiffs: given every volume known across
// the source and destination stores and the candidate diffs each store
// could produce, it picks the single cheapest way to materialize every
// source volume on the destination.
//
// The weighted shortest-path relaxation is hand-rolled rather than a call
// into gonum's path.Dijkstra: the tie-break (keep > incremental > full,
// then chain length, then sink name, then parent UUID) has no analogue in
// a generic shortest-path API. gonum is still put to work for the one
// sub-problem it fits cleanly: detecting cycles in the parent metadata
// graph (see cycles.go).
package planner

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canonical/buttersync/internal/volume"
)

// Candidate is one diff offered by some store for a given child volume.
type Candidate struct {
	Diff volume.Diff
	Sink string
}

// Input is everything the planner needs for one round: the union of every
// volume known across stores, which of them the source requires, which are
// already resident on the destination, and the candidate diffs available
// for each child.
type Input struct {
	// SourceVolumes is V_src: every volume the run must ensure exists on
	// the destination.
	SourceVolumes []volume.Volume
	// AllVolumes is V_src ∪ V_dst (∪ any transitively reachable store),
	// deduplicated by identity is not required: the planner canonicalizes.
	AllVolumes []volume.Volume
	// Resident marks UUIDs already present on the destination (keep
	// candidate, cost 0). Callers should include both a destination
	// volume's own UUID and its ReceivedUUID, so a chain can continue
	// from a volume that was itself materialized by an earlier receive.
	Resident map[uuid.UUID]bool
	// Edges maps a child volume's UUID to every candidate diff any store
	// offers for producing it.
	Edges map[uuid.UUID][]Candidate
	// DestSink is the destination store's Name(), used for the
	// keep-over-transfer tie-break and as the Sink of kept nodes.
	DestSink string
	// Log receives cycle-drop and unreachable-volume warnings. May be nil.
	Log *logrus.Entry
}

// Node is the planner's decision for one source volume.
type Node struct {
	Volume volume.Volume
	// Keep means the volume is already resident on the destination.
	Keep bool
	// Sink is the store supplying the bytes (DestSink if Keep).
	Sink string
	// Previous is the chosen parent UUID, or uuid.Nil for a full send or a keep.
	Previous uuid.UUID
	// Size is the cost attributed to this choice.
	Size int64
	// Exact reports whether Size came from measurement.
	Exact bool
	// Ancestors is the chain length from a destination-resident ancestor,
	// used only as a tie-breaker.
	Ancestors int
}

// Plan is the planner's complete output for one round.
type Plan struct {
	// Nodes holds one entry per reachable volume in Input.SourceVolumes,
	// keyed by that volume's own UUID.
	Nodes map[uuid.UUID]Node
	// Unreachable lists source volumes for which no finite-cost path exists.
	Unreachable []volume.Volume
}

// IsEmpty reports whether there is no more work: every source volume is
// either unreachable or already a Keep.
func (p *Plan) IsEmpty() bool {
	for _, n := range p.Nodes {
		if !n.Keep {
			return false
		}
	}

	return true
}

const infiniteCost = math.MaxInt64

type state struct {
	reachable bool
	cost      int64
	node      Node
}

// BestDiffs picks, for every source volume, the single cheapest way to
// materialize it on the destination, and returns the resulting plan.
func BestDiffs(ctx context.Context, in Input) (*Plan, error) {
	eq := volume.NewEquivalence(in.AllVolumes)

	droppedParents := detectCycles(in.AllVolumes, eq, in.Log)

	states := make(map[uuid.UUID]*state)

	stateFor := func(canon uuid.UUID) *state {
		s, ok := states[canon]
		if !ok {
			s = &state{reachable: false, cost: infiniteCost}
			states[canon] = s
		}

		return s
	}

	// Seed: every volume already resident on the destination costs 0.
	for _, v := range in.AllVolumes {
		if !in.Resident[v.UUID] {
			continue
		}

		canon := eq.Canon(v.UUID)
		s := stateFor(canon)
		if !s.reachable || s.cost > 0 {
			s.reachable = true
			s.cost = 0
			s.node = Node{Keep: true, Sink: in.DestSink, Previous: uuid.Nil, Size: 0, Exact: true, Ancestors: 0}
		}
	}

	// Relax in topological order by (OTime, UUID).
	order := append([]volume.Volume(nil), in.AllVolumes...)
	sort.Slice(order, func(i, j int) bool { return volume.Less(order[i], order[j]) })

	for _, v := range order {
		canon := eq.Canon(v.UUID)
		s := stateFor(canon)
		if s.reachable && s.node.Keep {
			// Nothing beats a free keep; don't bother evaluating candidates.
			continue
		}

		for _, c := range in.Edges[v.UUID] {
			candidate, candidateCost, ok := evaluateCandidate(c, canon, eq, droppedParents, states, in.Log)
			if !ok {
				continue
			}

			if better(candidateCost, candidate, s.cost, s.node, s.reachable) {
				s.reachable = true
				s.cost = candidateCost
				s.node = candidate
			}
		}
	}

	plan := &Plan{Nodes: make(map[uuid.UUID]Node)}

	for _, v := range in.SourceVolumes {
		canon := eq.Canon(v.UUID)
		s := stateFor(canon)
		if !s.reachable {
			plan.Unreachable = append(plan.Unreachable, v)

			if in.Log != nil {
				in.Log.WithField("volume", v.UUID).Warn("No path found to materialize volume on destination; marking unreachable")
			}

			continue
		}

		node := s.node
		node.Volume = v
		plan.Nodes[v.UUID] = node
	}

	return plan, nil
}

func evaluateCandidate(
	c Candidate,
	canon uuid.UUID,
	eq *volume.Equivalence,
	droppedParents map[uuid.UUID]uuid.UUID,
	states map[uuid.UUID]*state,
	log *logrus.Entry,
) (Node, int64, bool) {
	node := Node{Sink: c.Sink, Previous: c.Diff.FromUUID, Size: c.Diff.Size, Exact: c.Diff.Exact}

	if c.Diff.IsFullSend() {
		node.Ancestors = 0
		return node, clampCost(c.Diff.Size), true
	}

	parentCanon := eq.Canon(c.Diff.FromUUID)
	if dropped, ok := droppedParents[canon]; ok && dropped == parentCanon {
		if log != nil {
			log.WithFields(logrus.Fields{"volume": canon, "parent": parentCanon}).
				Warn("Refusing cyclic parent edge from malformed metadata")
		}

		return Node{}, 0, false
	}

	ps, ok := states[parentCanon]
	if !ok || !ps.reachable {
		return Node{}, 0, false
	}

	node.Ancestors = ps.node.Ancestors + 1

	total := ps.cost + c.Diff.Size
	if total < 0 || total > infiniteCost {
		total = infiniteCost
	}

	return node, total, true
}

func clampCost(size int64) int64 {
	if size < 0 {
		return 0
	}

	return size
}

// better implements the deterministic tie-break: lower cost wins;
// on a tie, prefer (a) keep over transfer, (b) incremental over full,
// (c) a shorter ancestor chain, (d) a lexicographically smaller sink name,
// (e) a smaller parent UUID.
func better(newCost int64, newNode Node, curCost int64, curNode Node, hasCur bool) bool {
	if !hasCur {
		return true
	}

	if newCost != curCost {
		return newCost < curCost
	}

	if curNode.Keep != newNode.Keep {
		return newNode.Keep
	}

	newFull := newNode.Previous == uuid.Nil && !newNode.Keep
	curFull := curNode.Previous == uuid.Nil && !curNode.Keep
	if newFull != curFull {
		return !newFull
	}

	if newNode.Ancestors != curNode.Ancestors {
		return newNode.Ancestors < curNode.Ancestors
	}

	if newNode.Sink != curNode.Sink {
		return newNode.Sink < curNode.Sink
	}

	return newNode.Previous.String() < curNode.Previous.String()
}
