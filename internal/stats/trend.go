package stats

import (
	"math"
	"sort"
)

// Improvement reports how the mean time per lap moved between the earlier and
// the later half of a patient's records.
type Improvement struct {
	Improved bool    `json:"improved"`
	Percent  float64 `json:"percent"`
}

// ImprovementIndicator splits samples chronologically into two halves and
// compares their mean time per lap. Only samples with a positive parsed
// elapsed time and a positive lap count contribute to a half. It returns nil
// when there are fewer than two samples, when either half has no qualifying
// sample, or when the earlier mean cannot serve as a divisor.
func ImprovementIndicator(samples []Sample) *Improvement {
	if len(samples) < 2 {
		return nil
	}

	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RecordedAt.Before(ordered[j].RecordedAt)
	})

	half := len(ordered) / 2
	if half == 0 {
		return nil
	}

	earlier, ok := meanTimePerLap(ordered[:half])
	if !ok {
		return nil
	}
	later, ok := meanTimePerLap(ordered[half:])
	if !ok {
		return nil
	}
	if earlier <= 0 || math.IsInf(earlier, 0) || math.IsNaN(earlier) {
		return nil
	}

	change := (earlier - later) / earlier * 100
	if math.IsInf(change, 0) || math.IsNaN(change) {
		return nil
	}
	return &Improvement{
		Improved: change > 0,
		Percent:  math.Abs(change),
	}
}

func meanTimePerLap(samples []Sample) (float64, bool) {
	var totalTime, totalLaps float64
	for _, sample := range samples {
		elapsed := ParseNumber(sample.ElapsedTime)
		if elapsed <= 0 || sample.LapCount <= 0 {
			continue
		}
		totalTime += elapsed
		totalLaps += sample.LapCount
	}
	if totalLaps == 0 {
		return 0, false
	}
	return totalTime / totalLaps, true
}
