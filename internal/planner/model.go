package planner

import (
	"context"
	"sort"

	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// Model is a read-only dpb.DistanceModel: the pairwise minimum-delay
// routes between a fixed set of subterminals over the current candidate
// graph, computed without allocating anything. This is what lets an
// aggregator itself satisfy dpb.InferiorNetwork's GetModel for whatever
// composes it: the same candidate-graph machinery the Planner uses to
// plan a request, run read-only.
type Model struct {
	edges []dpb.DistanceEdge
}

func (m *Model) Edges() []dpb.DistanceEdge { return m.edges }

// Model computes the pairwise minimum-delay distances between every pair
// of terminals, over the same candidate graph (commissioned trunks with
// at least minBandwidth capacity plus each involved inferior network's
// own distance model) the Planner would use to plan a request at that
// bandwidth. It runs one Dijkstra per terminal rather than the
// prune-and-retry loop Plan uses, since no allocation decision is being
// made; a terminal unreachable from another at this bandwidth is simply
// omitted from the result, never an error.
func (p *Planner) Model(ctx context.Context, tx *store.Tx, minBandwidth uint64, terminals []dpb.SubterminalRef) (*Model, error) {
	agg := map[dpb.SubterminalRef]*aggBandwidth{}
	for _, t := range terminals {
		agg[t] = &aggBandwidth{}
	}

	edges, err := p.candidateEdges(ctx, tx, minBandwidth, agg)
	if err != nil {
		return nil, err
	}
	g := newGraph(edges)

	sorted := append([]dpb.SubterminalRef(nil), terminals...)
	sort.Slice(sorted, func(i, j int) bool { return subterminalLess(sorted[i], sorted[j]) })

	var out []dpb.DistanceEdge
	for _, from := range sorted {
		f := buildFIB(g, from)
		for _, to := range sorted {
			if to == from {
				continue
			}
			d, ok := f.dist[to]
			if !ok {
				continue
			}
			out = append(out, dpb.DistanceEdge{From: from, To: to, Metric: uint32(d)})
		}
	}
	return &Model{edges: out}, nil
}
