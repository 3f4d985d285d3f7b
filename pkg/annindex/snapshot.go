package annindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// graphState is the gob-serializable form of a graph.
type graphState struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Entry          int
	MaxLevel       int
	Nodes          []nodeState
}

// nodeState mirrors node for serialization.
type nodeState struct {
	Label     uint32
	Vector    []float64
	Level     int
	Neighbors [][]int
}

// encodeGraph serializes a graph into a snapshot blob.
func encodeGraph(g *graph) ([]byte, error) {
	state := graphState{
		Dim:            g.dim,
		M:              g.m,
		EfConstruction: g.efConstruction,
		EfSearch:       g.efSearch,
		Entry:          g.entry,
		MaxLevel:       g.maxLevel,
		Nodes:          make([]nodeState, len(g.nodes)),
	}
	for i, n := range g.nodes {
		state.Nodes[i] = nodeState{
			Label:     n.Label,
			Vector:    n.Vector,
			Level:     n.Level,
			Neighbors: n.Neighbors,
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeGraph reconstructs a graph from a snapshot blob.
func decodeGraph(blob []byte, seed int64) (*graph, error) {
	var state graphState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}

	g := newGraph(state.Dim, state.M, state.EfConstruction, state.EfSearch, seed)
	g.entry = state.Entry
	g.maxLevel = state.MaxLevel
	g.nodes = make([]*node, len(state.Nodes))
	for i, n := range state.Nodes {
		g.nodes[i] = &node{
			Label:     n.Label,
			Vector:    n.Vector,
			Level:     n.Level,
			Neighbors: n.Neighbors,
		}
	}
	return g, nil
}
