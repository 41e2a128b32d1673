// Package planner implements the Planner: it turns a
// service's circuit request into a set of trunk tunnel allocations and a
// sub-request per inferior network, using an asymmetric capacitated
// spanning-tree search over the current trunk set and each inferior
// network's advertised distance model.
//
// The graph/FIB/spanning-tree logic here is bespoke to this algorithm (a
// capacity-pruning variant of shortest-path-tree construction with a
// network-grouping cycle rule) rather than a generic shortest-path
// concern a library would serve, so it is implemented directly against
// graph.go's Dijkstra/FIB primitives.
package planner

import (
	"context"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// NetworkResolver looks up an inferior network by the name its
// subterminals carry (terminal.Subnetwork / trunk endpoint network).
type NetworkResolver interface {
	Network(name string) (dpb.InferiorNetwork, bool)
}

// Allocation is one trunk tunnel the Planner committed, in the trunk's own
// start→end orientation.
type Allocation struct {
	TrunkID    int64
	StartLabel dpb.Label
	EndLabel   dpb.Label
	Up, Down   uint64
}

// SubCircuit is one circuit of a sub-request handed to an inferior
// network: either a user-supplied circuit that terminates in that
// network, or the network-side endpoint of a trunk tunnel leaving it.
type SubCircuit struct {
	Subterminal     dpb.SubterminalRef
	Label           dpb.Label
	Ingress, Egress uint64
	Shaping         bool
}

// SubRequest is the portion of the overall request delegated to one
// inferior network.
type SubRequest struct {
	Network  string
	Circuits []SubCircuit
}

// Result is the Planner's output: the tunnels it allocated
// plus the sub-requests to hand to each involved inferior network.
type Result struct {
	Allocations []Allocation
	SubRequests []SubRequest
}

// Planner plans circuit requests against the current trunk set and each
// involved inferior network's distance model.
type Planner struct {
	networks NetworkResolver
}

// New constructs a Planner. networks resolves inferior networks by name
// for distance-model lookups (step 2) and is never consulted for capacity
// or label state; that is always read from tx.
func New(networks NetworkResolver) *Planner {
	return &Planner{networks: networks}
}

type aggBandwidth struct {
	ingress, egress uint64
	circuits        []dpb.CircuitRequest
}

// Plan computes a tunnel/sub-request plan for request within tx, and
// allocates every tunnel it decides on before returning.
// terminals resolves each circuit's aggregator-local TerminalID to its
// backing subterminal.
func (p *Planner) Plan(
	ctx context.Context,
	tx *store.Tx,
	serviceID int64,
	request dpb.ServiceRequest,
	terminals map[dpb.TerminalID]*store.TerminalRow,
) (*Result, error) {
	if len(request) < 2 {
		return nil, errcat.InvalidRequest.New("planner: service request must have at least 2 circuits")
	}

	agg := map[dpb.SubterminalRef]*aggBandwidth{}
	var bMin uint64 = ^uint64(0)
	for _, cr := range request {
		row, ok := terminals[cr.Circuit.Terminal]
		if !ok {
			return nil, errcat.UnknownTerminal(cr.Circuit.Terminal.String())
		}
		sub := dpb.SubterminalRef{Subnetwork: row.Subnetwork, Subname: row.Subname}
		a, ok := agg[sub]
		if !ok {
			a = &aggBandwidth{}
			agg[sub] = a
		}
		a.ingress += cr.Ingress
		a.egress += cr.Egress
		a.circuits = append(a.circuits, cr)
		if cr.Ingress < bMin {
			bMin = cr.Ingress
		}
	}

	goals := make([]dpb.SubterminalRef, 0, len(agg))
	for v := range agg {
		goals = append(goals, v)
	}
	sort.Slice(goals, func(i, j int) bool { return subterminalLess(goals[i], goals[j]) })
	start := goals[0]

	active, err := p.candidateEdges(ctx, tx, bMin, agg)
	if err != nil {
		return nil, err
	}

	const maxIterations = 4096
	for iter := 0; iter < maxIterations && len(active) > 0; iter++ {
		g := newGraph(active)
		f := buildFIB(g, start)

		treeIdx, reached, ok := growTree(g, f, start, goals)
		if !ok {
			return nil, errcat.NoPath("no spanning tree reaches every requested terminal")
		}

		worst, shortfall, err := worstShortfall(ctx, tx, g, treeIdx, reached, agg)
		if err != nil {
			return nil, err
		}
		if worst < 0 {
			return p.commit(ctx, tx, serviceID, g, treeIdx, reached, agg)
		}
		dlog.Debugf(ctx, "planner: trunk %d shortfall %d, retrying with it excluded", g.edges[worst].trunkID, shortfall)
		active = removeEdge(active, g.edges[worst])
	}
	return nil, errcat.NoPath("no feasible trunk set after capacity pruning")
}

func subterminalLess(a, b dpb.SubterminalRef) bool {
	if a.Subnetwork != b.Subnetwork {
		return a.Subnetwork < b.Subnetwork
	}
	return a.Subname < b.Subname
}

func removeEdge(edges []edge, target edge) []edge {
	out := make([]edge, 0, len(edges))
	removed := false
	for _, e := range edges {
		if !removed && e == target {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out
}

// candidateEdges builds the candidate graph's edges: one per
// commissioned trunk with enough capacity and a free label, plus each
// involved inferior network's distance-model edges at capacity bMin.
func (p *Planner) candidateEdges(ctx context.Context, tx *store.Tx, bMin uint64, agg map[dpb.SubterminalRef]*aggBandwidth) ([]edge, error) {
	trunks, err := tx.ListCommissionedTrunks(ctx)
	if err != nil {
		return nil, err
	}

	var edges []edge
	networks := map[string]bool{}
	for v := range agg {
		networks[v.Subnetwork] = true
	}

	for _, t := range trunks {
		maxCap := t.UpCap
		if t.DownCap > maxCap {
			maxCap = t.DownCap
		}
		if uint64(maxCap) < bMin {
			continue
		}
		avail, err := tx.GetAvailableTunnelCount(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if avail < 1 {
			continue
		}
		from := dpb.SubterminalRef{Subnetwork: t.StartNetwork, Subname: t.StartName}
		to := dpb.SubterminalRef{Subnetwork: t.EndNetwork, Subname: t.EndName}
		edges = append(edges, edge{from: from, to: to, metric: uint32(t.Metric), trunkID: t.ID})
		networks[from.Subnetwork] = true
		networks[to.Subnetwork] = true
	}

	for name := range networks {
		net, ok := p.networks.Network(name)
		if !ok {
			continue
		}
		model, err := net.GetModel(ctx, bMin)
		if err != nil {
			return nil, errcat.SubserviceFailure.Wrap(err)
		}
		for _, de := range model.Edges() {
			edges = append(edges, edge{from: de.From, to: de.To, metric: de.Metric, networkName: name})
		}
	}
	return edges, nil
}
