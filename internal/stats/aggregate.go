package stats

import (
	"sort"
	"strconv"
	"time"
)

// UnsequencedKey labels records that carry no patient-session sequence number.
const UnsequencedKey = "N/A"

// Sample is the storage-independent view of one lap batch.
type Sample struct {
	Sequence    *int
	LapCount    float64
	Distance    float64
	ElapsedTime string
	RecordedAt  time.Time
}

// SessionAggregate summarises every sample sharing a patient-session sequence number.
type SessionAggregate struct {
	Key            string   `json:"session_key"`
	Sequence       *int     `json:"patient_sequence,omitempty"`
	Records        int      `json:"records"`
	TotalLaps      float64  `json:"total_laps"`
	TotalTime      float64  `json:"total_time"`
	TotalDistance  float64  `json:"total_distance"`
	MeanTimePerLap *float64 `json:"mean_time_per_lap"`
}

// AggregateBySession groups samples by sequence number and totals time,
// distance and laps per group. Numeric keys come first in ascending order,
// followed by non-numeric keys in lexicographic order. A group with no laps
// has a nil MeanTimePerLap.
func AggregateBySession(samples []Sample) []SessionAggregate {
	if len(samples) == 0 {
		return []SessionAggregate{}
	}

	groups := make(map[string]*SessionAggregate)
	for _, sample := range samples {
		key := UnsequencedKey
		if sample.Sequence != nil {
			key = strconv.Itoa(*sample.Sequence)
		}

		group, ok := groups[key]
		if !ok {
			group = &SessionAggregate{Key: key}
			if sample.Sequence != nil {
				seq := *sample.Sequence
				group.Sequence = &seq
			}
			groups[key] = group
		}

		group.Records++
		group.TotalTime += ParseNumber(sample.ElapsedTime)
		group.TotalDistance += sample.Distance
		group.TotalLaps += sample.LapCount
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })

	out := make([]SessionAggregate, 0, len(keys))
	for _, key := range keys {
		group := groups[key]
		if group.TotalLaps > 0 {
			mean := group.TotalTime / group.TotalLaps
			group.MeanTimePerLap = &mean
		}
		out = append(out, *group)
	}
	return out
}

func lessKey(a, b string) bool {
	na, errA := strconv.ParseFloat(a, 64)
	nb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
