package p2p

import "math"

// CalculateDensity returns the density of an undirected graph with nodeCount
// vertices and connectionCount edges: c / (n(n-1)/2), clamped to [0, 1].
func CalculateDensity(nodeCount, connectionCount float64) float64 {
	if nodeCount <= 1 || math.IsNaN(nodeCount) || math.IsInf(nodeCount, 0) ||
		math.IsNaN(connectionCount) || math.IsInf(connectionCount, 0) || connectionCount <= 0 {
		return 0
	}
	possible := nodeCount * (nodeCount - 1) / 2
	density := connectionCount / possible
	if density > 1 {
		return 1
	}
	return density
}
