package planner

import (
	"context"
	"sort"

	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// commit allocates every trunk tunnel in the final tree and assembles the
// per-network sub-requests. It must run inside the
// same transaction the caller is already holding, so a failed allocation
// rolls back everything the Planner decided.
func (p *Planner) commit(
	ctx context.Context,
	tx *store.Tx,
	serviceID int64,
	g *graph,
	treeIdx []int,
	reached map[dpb.SubterminalRef]bool,
	agg map[dpb.SubterminalRef]*aggBandwidth,
) (*Result, error) {
	result := &Result{}
	tunnelCircuits := map[dpb.SubterminalRef][]SubCircuit{}

	for pos, idx := range treeIdx {
		e := g.edges[idx]
		if !e.isTrunk() {
			continue
		}
		up, down, _, _ := loadsAcross(g, treeIdx, pos, agg)

		startLabel, err := tx.AllocateTunnel(ctx, e.trunkID, serviceID, up, down)
		if err != nil {
			return nil, err
		}
		endLabel, _, err := tx.GetPeer(ctx, e.trunkID, startLabel, true)
		if err != nil {
			return nil, err
		}

		result.Allocations = append(result.Allocations, Allocation{
			TrunkID:    e.trunkID,
			StartLabel: dpb.Label(startLabel),
			EndLabel:   dpb.Label(endLabel),
			Up:         up,
			Down:       down,
		})

		tunnelCircuits[e.from] = append(tunnelCircuits[e.from], SubCircuit{
			Subterminal: e.from,
			Label:       dpb.Label(startLabel),
			Ingress:     down,
			Egress:      up,
		})
		tunnelCircuits[e.to] = append(tunnelCircuits[e.to], SubCircuit{
			Subterminal: e.to,
			Label:       dpb.Label(endLabel),
			Ingress:     up,
			Egress:      down,
		})
	}

	byNetwork := map[string]*SubRequest{}
	var order []string
	ensure := func(name string) *SubRequest {
		sr, ok := byNetwork[name]
		if !ok {
			sr = &SubRequest{Network: name}
			byNetwork[name] = sr
			order = append(order, name)
		}
		return sr
	}

	for v := range reached {
		sr := ensure(v.Subnetwork)
		if a, ok := agg[v]; ok {
			for _, cr := range a.circuits {
				sr.Circuits = append(sr.Circuits, SubCircuit{
					Subterminal: v,
					Label:       cr.Circuit.Label,
					Ingress:     cr.Ingress,
					Egress:      cr.Egress,
					Shaping:     cr.Shaping,
				})
			}
		}
		sr.Circuits = append(sr.Circuits, tunnelCircuits[v]...)
	}

	sort.Strings(order)
	for _, name := range order {
		result.SubRequests = append(result.SubRequests, *byNetwork[name])
	}
	return result, nil
}
