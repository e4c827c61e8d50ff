package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeGraph uses a navigable small-world graph with exact scan for small or cold indexes.
	IndexTypeGraph IndexType = "graph"
	// IndexTypeMemory uses brute-force search. Good for small projects (<10k entries).
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "graph" (default), "memory".
func NewVectorIndex(indexType string, dimensions int, opts ...Option) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeGraph, "":
		return NewGraphIndex(dimensions, opts...)
	case IndexTypeMemory:
		return NewMemoryIndex(dimensions, opts...)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: graph, memory)", indexType)
	}
}
