package stats

import (
	"math"
	"slices"
)

// LatencyStats summarizes latency samples in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// ComputeLatencyStats returns the zero value for no samples.
func ComputeLatencyStats(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}

	return LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   Percentile(sorted, 50),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Percentile returns the p-th percentile of ascending samples, linearly
// interpolating between the two nearest ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	index := (p / 100) * float64(n-1)
	lower := math.Floor(index)
	if index == lower {
		return sorted[int(index)]
	}

	i := int(lower)
	if i+1 >= n {
		return sorted[n-1]
	}
	weight := index - lower
	return sorted[i] + (sorted[i+1]-sorted[i])*weight
}
