package planner

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/canonical/buttersync/internal/volume"
)

// detectCycles builds a directed graph of the canonicalized parent->child
// relation and returns, for every child caught in a cycle, the parent edge
// that should be refused this round. Snapshot parentage is a DAG by
// construction, but corrupted metadata has been observed in the wild; the
// planner must drop the offending edge and warn rather than loop or
// crash.
func detectCycles(volumes []volume.Volume, eq *volume.Equivalence, log *logrus.Entry) map[uuid.UUID]uuid.UUID {
	g := simple.NewDirectedGraph()

	ids := make(map[uuid.UUID]int64)
	uuids := make(map[int64]uuid.UUID)
	nextID := int64(0)

	nodeFor := func(u uuid.UUID) int64 {
		if id, ok := ids[u]; ok {
			return id
		}

		id := nextID
		nextID++
		ids[u] = id
		uuids[id] = u
		g.AddNode(simple.Node(id))

		return id
	}

	parentOf := make(map[uuid.UUID]uuid.UUID)

	for _, v := range volumes {
		if !v.HasParent() {
			continue
		}

		child := eq.Canon(v.UUID)
		parent := eq.Canon(v.ParentUUID)
		if child == parent {
			continue
		}

		if _, ok := parentOf[child]; !ok {
			parentOf[child] = parent
		}

		pid, cid := nodeFor(parent), nodeFor(child)
		if !g.HasEdgeFromTo(pid, cid) {
			g.SetEdge(simple.Edge{F: simple.Node(pid), T: simple.Node(cid)})
		}
	}

	dropped := make(map[uuid.UUID]uuid.UUID)

	_, err := topo.Sort(g)
	if err == nil {
		return dropped
	}

	var unorderable topo.Unorderable

	if !errors.As(err, &unorderable) {
		return dropped
	}

	for _, cycle := range unorderable {
		for _, n := range cycle {
			child := uuids[n.ID()]

			parent, ok := parentOf[child]
			if !ok {
				continue
			}

			dropped[child] = parent

			if log != nil {
				log.WithFields(logrus.Fields{
					"volume": child,
					"parent": parent,
				}).Warn("Parent metadata forms a cycle; dropping the edge and continuing")
			}
		}
	}

	return dropped
}
