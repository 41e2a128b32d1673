package planner

import (
	"container/heap"

	"github.com/nwfabric/dpb/pkg/dpb"
)

// edge is one candidate link in the Planner's graph:
// either a commissioned trunk (trunkID > 0) or an inferior network's
// internal distance-model edge (trunkID == 0, networkName names the
// network it crosses).
type edge struct {
	from, to    dpb.SubterminalRef
	metric      uint32
	trunkID     int64
	networkName string
}

func (e edge) isTrunk() bool { return e.trunkID != 0 }

// graph is the undirected candidate graph: trunk and distance edges are
// both treated as traversable in either direction for routing purposes,
// while edge.from/edge.to retain the trunk's own orientation for the
// capacity check.
type graph struct {
	edges []edge
	adj   map[dpb.SubterminalRef][]int // vertex -> indices into edges
}

func newGraph(edges []edge) *graph {
	g := &graph{edges: edges, adj: make(map[dpb.SubterminalRef][]int)}
	for i, e := range edges {
		g.adj[e.from] = append(g.adj[e.from], i)
		g.adj[e.to] = append(g.adj[e.to], i)
	}
	return g
}

func (g *graph) without(excluded map[int]bool) *graph {
	kept := make([]edge, 0, len(g.edges))
	for i, e := range g.edges {
		if !excluded[i] {
			kept = append(kept, e)
		}
	}
	return newGraph(kept)
}

func (g *graph) other(edgeIdx int, v dpb.SubterminalRef) dpb.SubterminalRef {
	e := g.edges[edgeIdx]
	if e.from == v {
		return e.to
	}
	return e.from
}

// fib is a distance-vector forwarding table rooted at one starting
// terminal: for every reachable vertex, the total
// metric and the edge used to reach it from its predecessor.
type fib struct {
	dist map[dpb.SubterminalRef]uint64
	via  map[dpb.SubterminalRef]int // vertex -> edge index used to reach it
}

type pqItem struct {
	v    dpb.SubterminalRef
	dist uint64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// buildFIB runs Dijkstra's algorithm from start over g. All edge metrics
// are non-negative, so Dijkstra is exact.
func buildFIB(g *graph, start dpb.SubterminalRef) *fib {
	f := &fib{dist: map[dpb.SubterminalRef]uint64{start: 0}, via: map[dpb.SubterminalRef]int{}}
	pq := &priorityQueue{{v: start, dist: 0}}
	heap.Init(pq)
	visited := map[dpb.SubterminalRef]bool{}

	for pq.Len() > 0 {
		top := heap.Pop(pq).(pqItem)
		if visited[top.v] {
			continue
		}
		visited[top.v] = true

		for _, idx := range g.adj[top.v] {
			next := g.other(idx, top.v)
			nd := top.dist + uint64(g.edges[idx].metric)
			if cur, ok := f.dist[next]; !ok || nd < cur {
				f.dist[next] = nd
				f.via[next] = idx
				heap.Push(pq, pqItem{v: next, dist: nd})
			}
		}
	}
	return f
}

// pathTo reconstructs the edge sequence from start to v using the FIB's
// predecessor pointers, start-to-v order.
func (f *fib) pathTo(g *graph, start, v dpb.SubterminalRef) ([]int, bool) {
	if v == start {
		return nil, true
	}
	if _, ok := f.dist[v]; !ok {
		return nil, false
	}
	var rev []int
	cur := v
	for cur != start {
		idx, ok := f.via[cur]
		if !ok {
			return nil, false
		}
		rev = append(rev, idx)
		cur = g.other(idx, cur)
	}
	path := make([]int, len(rev))
	for i, idx := range rev {
		path[len(rev)-1-i] = idx
	}
	return path, true
}
