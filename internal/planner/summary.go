package planner

import "github.com/google/uuid"

// SinkSummary is the per-sink rollup of a Plan: how many diffs it will
// supply and their total byte cost.
type SinkSummary struct {
	Count     int
	TotalSize int64
}

// Summary returns, per sink, the count and total size of diffs this plan
// will pull from it (kept volumes are excluded), plus a grand total under
// the empty-string key.
func (p *Plan) Summary() map[string]SinkSummary {
	out := make(map[string]SinkSummary)

	var total SinkSummary

	for _, n := range p.Nodes {
		if n.Keep {
			continue
		}

		s := out[n.Sink]
		s.Count++
		s.TotalSize += n.Size
		out[n.Sink] = s

		total.Count++
		total.TotalSize += n.Size
	}

	out[""] = total

	return out
}

// Ready returns the source volumes whose chosen diff can be executed right
// now: its Previous parent is already resident on the destination
// (resident meaning "in Resident, or already applied earlier this round"),
// or it is a full send (Previous == uuid.Nil). destResident should include
// every volume materialized so far this round, keyed by UUID.
func (p *Plan) Ready(destResident map[uuid.UUID]bool) []Node {
	var ready []Node

	for _, n := range p.Nodes {
		if n.Keep {
			continue
		}

		if n.Previous == uuid.Nil || destResident[n.Previous] {
			ready = append(ready, n)
		}
	}

	return ready
}
