package volume

import "github.com/google/uuid"

// Equivalence tracks the cross-store identity relation: two volumes are
// the same snapshot iff one's UUID equals the other's UUID or the other's
// ReceivedUUID. This is a union-find over every UUID seen, so the
// relation is transitive across any number of stores.
type Equivalence struct {
	parent map[uuid.UUID]uuid.UUID
}

// NewEquivalence builds the equivalence classes for the given volumes. Call
// this once per planning round over the union of every volume from every
// store; the planner never re-derives identity mid-round.
func NewEquivalence(volumes []Volume) *Equivalence {
	eq := &Equivalence{parent: make(map[uuid.UUID]uuid.UUID)}
	for _, v := range volumes {
		eq.add(v.UUID)
		if v.IsReceived() {
			eq.add(v.ReceivedUUID)
			eq.union(v.UUID, v.ReceivedUUID)
		}
	}

	return eq
}

func (eq *Equivalence) add(id uuid.UUID) {
	if _, ok := eq.parent[id]; !ok {
		eq.parent[id] = id
	}
}

// Canon returns the canonical identity for a UUID: the smallest UUID (by
// string order) in its equivalence class, so canonicalization is
// deterministic regardless of discovery order.
func (eq *Equivalence) Canon(id uuid.UUID) uuid.UUID {
	eq.add(id)
	root := id
	for eq.parent[root] != root {
		root = eq.parent[root]
	}

	// Path compression.
	for eq.parent[id] != root {
		next := eq.parent[id]
		eq.parent[id] = root
		id = next
	}

	return root
}

func (eq *Equivalence) union(a, b uuid.UUID) {
	ra, rb := eq.Canon(a), eq.Canon(b)
	if ra == rb {
		return
	}

	// Keep the lexicographically smaller UUID as canonical, for determinism.
	if ra.String() < rb.String() {
		eq.parent[rb] = ra
	} else {
		eq.parent[ra] = rb
	}
}
