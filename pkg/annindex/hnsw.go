// Package annindex provides the in-memory approximate nearest neighbor
// index that mirrors the authoritative vector store for low-latency search.
//
// The index is an HNSW (Hierarchical Navigable Small World) graph. It is an
// optional speed layer: every failure mode here is non-fatal, and the
// primary store alone must always satisfy the full search contract.
package annindex

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
)

// graph is a single-writer HNSW graph over cosine distance.
//
// It is not safe for concurrent use; the Manager serializes writes and
// guards reads.
type graph struct {
	dim            int
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	ml             float64

	entry    int
	maxLevel int
	nodes    []*node

	rng *rand.Rand
}

// node is one vector in the graph with its per-level neighbor lists.
type node struct {
	Label     uint32
	Vector    []float64
	Level     int
	Neighbors [][]int
}

// neighbor pairs an internal node index with its distance to a query.
type neighbor struct {
	idx  int
	dist float64
}

// minHeap orders neighbors closest-first.
type minHeap []neighbor

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(neighbor)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap orders neighbors farthest-first, bounding the result set.
type maxHeap []neighbor

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(neighbor)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// newGraph creates an empty HNSW graph.
func newGraph(dim, m, efConstruction, efSearch int, seed int64) *graph {
	return &graph{
		dim:            dim,
		m:              m,
		mMax0:          m * 2,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             1.0 / math.Log(float64(m)),
		entry:          -1,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// cosineDistance returns 1 - cosine similarity, clamped at 0 for identical
// directions.
func cosineDistance(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// len returns the number of vectors in the graph.
func (g *graph) len() int {
	return len(g.nodes)
}

// add inserts a labeled vector.
func (g *graph) add(label uint32, vector []float64) error {
	if len(vector) != g.dim {
		return fmt.Errorf("add: vector dimension %d does not match index dimension %d", len(vector), g.dim)
	}

	level := g.randomLevel()
	n := &node{
		Label:     label,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]int, level+1),
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, n)

	if g.entry < 0 {
		g.entry = idx
		g.maxLevel = level
		return nil
	}

	// Greedy descent through levels above the new node's level.
	cur := g.entry
	curDist := cosineDistance(vector, g.nodes[cur].Vector)
	for l := g.maxLevel; l > level; l-- {
		cur, curDist = g.greedyStep(vector, cur, curDist, l)
	}

	// Connect on each level from min(level, maxLevel) down to 0.
	for l := min(level, g.maxLevel); l >= 0; l-- {
		candidates := g.searchLayer(vector, cur, g.efConstruction, l)

		maxConn := g.m
		if l == 0 {
			maxConn = g.mMax0
		}

		selected := candidates
		if len(selected) > g.m {
			selected = selected[:g.m]
		}

		for _, c := range selected {
			n.Neighbors[l] = append(n.Neighbors[l], c.idx)
			other := g.nodes[c.idx]
			other.Neighbors[l] = append(other.Neighbors[l], idx)
			if len(other.Neighbors[l]) > maxConn {
				g.pruneNeighbors(other, l, maxConn)
			}
		}

		if len(candidates) > 0 {
			cur = candidates[0].idx
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = idx
	}

	return nil
}

// search returns up to k labels nearest to the query with their cosine
// distances, closest first.
func (g *graph) search(query []float64, k int) ([]uint32, []float64, error) {
	if len(query) != g.dim {
		return nil, nil, fmt.Errorf("search: vector dimension %d does not match index dimension %d", len(query), g.dim)
	}
	if g.entry < 0 {
		return nil, nil, nil
	}

	cur := g.entry
	curDist := cosineDistance(query, g.nodes[cur].Vector)
	for l := g.maxLevel; l > 0; l-- {
		cur, curDist = g.greedyStep(query, cur, curDist, l)
	}

	ef := g.efSearch
	if ef < k {
		ef = k
	}
	candidates := g.searchLayer(query, cur, ef, 0)

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	labels := make([]uint32, len(candidates))
	dists := make([]float64, len(candidates))
	for i, c := range candidates {
		labels[i] = g.nodes[c.idx].Label
		dists[i] = c.dist
	}
	return labels, dists, nil
}

// greedyStep walks to the closest neighbor on a level until no improvement.
func (g *graph) greedyStep(query []float64, cur int, curDist float64, level int) (int, float64) {
	for {
		improved := false
		for _, nb := range g.neighborsAt(cur, level) {
			d := cosineDistance(query, g.nodes[nb].Vector)
			if d < curDist {
				cur = nb
				curDist = d
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// searchLayer runs a best-first search on one level and returns up to ef
// neighbors sorted closest-first.
func (g *graph) searchLayer(query []float64, entry, ef, level int) []neighbor {
	visited := map[int]bool{entry: true}

	entryDist := cosineDistance(query, g.nodes[entry].Vector)
	candidates := minHeap{{idx: entry, dist: entryDist}}
	results := maxHeap{{idx: entry, dist: entryDist}}

	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(neighbor)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}

		for _, nb := range g.neighborsAt(c.idx, level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			d := cosineDistance(query, g.nodes[nb].Vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, neighbor{idx: nb, dist: d})
				heap.Push(&results, neighbor{idx: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	sorted := make([]neighbor, results.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i] = heap.Pop(&results).(neighbor)
	}
	return sorted
}

// pruneNeighbors keeps only the maxConn closest neighbors of a node.
func (g *graph) pruneNeighbors(n *node, level, maxConn int) {
	nbs := n.Neighbors[level]
	h := make(minHeap, 0, len(nbs))
	for _, nb := range nbs {
		h = append(h, neighbor{idx: nb, dist: cosineDistance(n.Vector, g.nodes[nb].Vector)})
	}
	heap.Init(&h)

	kept := make([]int, 0, maxConn)
	for len(kept) < maxConn && h.Len() > 0 {
		kept = append(kept, heap.Pop(&h).(neighbor).idx)
	}
	n.Neighbors[level] = kept
}

// neighborsAt returns a node's neighbor list at a level, tolerating nodes
// that do not reach it.
func (g *graph) neighborsAt(idx, level int) []int {
	n := g.nodes[idx]
	if level > n.Level {
		return nil
	}
	return n.Neighbors[level]
}

// randomLevel draws a node level from the standard HNSW exponential
// distribution.
func (g *graph) randomLevel() int {
	return int(-math.Log(g.rng.Float64()+1e-12) * g.ml)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
