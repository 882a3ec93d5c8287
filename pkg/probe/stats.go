package probe

import (
	"math"
	"sort"
)

// warmupFraction is the share of earliest throughput samples discarded as
// connection ramp-up before computing the steady-state mean.
const warmupFraction = 0.2

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func median(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// jitter is the mean absolute successive difference of the sample series.
func jitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
}

// trimWarmup discards the earliest warmupFraction of samples. If the discard
// would consume the entire set, the full set is returned unfiltered.
func trimWarmup(samples []float64) []float64 {
	cut := int(math.Floor(float64(len(samples)) * warmupFraction))
	if cut >= len(samples) {
		return samples
	}
	return samples[cut:]
}
