package planner

import (
	"context"
	"sort"

	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// growTree builds a spanning tree over g rooted at start that reaches
// every goal, by splicing in each goal's shortest path from the FIB. An
// edge whose both endpoints are already reached by the tree is skipped:
// its endpoints are connected already, and adding it would close a cycle
// (through an inferior network, for a cross-network edge).
func growTree(g *graph, f *fib, start dpb.SubterminalRef, goals []dpb.SubterminalRef) ([]int, map[dpb.SubterminalRef]bool, bool) {
	reached := map[dpb.SubterminalRef]bool{start: true}
	treeSet := map[int]bool{}

	for _, goal := range goals {
		if reached[goal] {
			continue
		}
		path, ok := f.pathTo(g, start, goal)
		if !ok {
			return nil, nil, false
		}
		for _, idx := range path {
			if treeSet[idx] {
				continue
			}
			e := g.edges[idx]
			if reached[e.from] && reached[e.to] {
				continue
			}
			treeSet[idx] = true
			reached[e.from] = true
			reached[e.to] = true
		}
		reached[goal] = true
	}

	treeIdx := make([]int, 0, len(treeSet))
	for idx := range treeSet {
		treeIdx = append(treeIdx, idx)
	}
	sort.Ints(treeIdx)
	return treeIdx, reached, true
}

// treeAdjacency builds an adjacency list restricted to the tree edges,
// used to partition the tree around one edge.
func treeAdjacency(g *graph, treeIdx []int) map[dpb.SubterminalRef][]int {
	adj := map[dpb.SubterminalRef][]int{}
	for _, idx := range treeIdx {
		e := g.edges[idx]
		adj[e.from] = append(adj[e.from], idx)
		adj[e.to] = append(adj[e.to], idx)
	}
	return adj
}

// sideFrom floods the tree (excluding excludeIdx) starting at v, returning
// every vertex reachable on that side of the cut.
func sideFrom(g *graph, adj map[dpb.SubterminalRef][]int, v dpb.SubterminalRef, excludeIdx int) map[dpb.SubterminalRef]bool {
	side := map[dpb.SubterminalRef]bool{v: true}
	stack := []dpb.SubterminalRef{v}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, idx := range adj[cur] {
			if idx == excludeIdx {
				continue
			}
			next := g.other(idx, cur)
			if !side[next] {
				side[next] = true
				stack = append(stack, next)
			}
		}
	}
	return side
}

func sumBandwidth(side map[dpb.SubterminalRef]bool, agg map[dpb.SubterminalRef]*aggBandwidth) (ingress, egress uint64) {
	for v := range side {
		if a, ok := agg[v]; ok {
			ingress += a.ingress
			egress += a.egress
		}
	}
	return
}

// loadsAcross computes the per-direction load carried by the tree edge
// at treeIdx[pos]: the minimum of the producing side's
// ingress and the consuming side's egress, in each direction. from-side is
// g.edges[idx].from's half of the tree.
func loadsAcross(g *graph, treeIdx []int, pos int, agg map[dpb.SubterminalRef]*aggBandwidth) (up, down uint64, fromSide, toSide map[dpb.SubterminalRef]bool) {
	idx := treeIdx[pos]
	e := g.edges[idx]
	adj := treeAdjacency(g, treeIdx)
	fromSide = sideFrom(g, adj, e.from, idx)
	toSide = sideFrom(g, adj, e.to, idx)

	ingressFrom, egressFrom := sumBandwidth(fromSide, agg)
	ingressTo, egressTo := sumBandwidth(toSide, agg)

	up = min64(ingressFrom, egressTo)
	down = min64(ingressTo, egressFrom)
	return
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxSub(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// worstShortfall re-reads each trunk edge's current capacity and reports
// the graph edge index with the largest combined shortfall (ties broken
// toward the lower trunk id), or -1 if every trunk edge in the tree fits.
func worstShortfall(ctx context.Context, tx *store.Tx, g *graph, treeIdx []int, reached map[dpb.SubterminalRef]bool, agg map[dpb.SubterminalRef]*aggBandwidth) (int, uint64, error) {
	worstPos := -1
	var worstAmount uint64
	var worstTrunk int64

	for pos, idx := range treeIdx {
		e := g.edges[idx]
		if !e.isTrunk() {
			continue
		}
		row, ok, err := tx.GetTrunk(ctx, e.trunkID)
		if err != nil {
			return -1, 0, err
		}
		if !ok {
			// The trunk was removed while planning; treat its edge as
			// unusable so the next iteration excludes it.
			return idx, 1, nil
		}
		up, down, _, _ := loadsAcross(g, treeIdx, pos, agg)
		shortfall := uint64(maxSub(int64(up)-row.UpCap, 0)) + uint64(maxSub(int64(down)-row.DownCap, 0))
		if shortfall == 0 {
			continue
		}
		if worstPos == -1 || shortfall > worstAmount || (shortfall == worstAmount && e.trunkID < worstTrunk) {
			worstPos = idx
			worstAmount = shortfall
			worstTrunk = e.trunkID
		}
	}
	return worstPos, worstAmount, nil
}
