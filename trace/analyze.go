package trace

import (
	"gonum.org/v1/gonum/stat"
	"sort"
	"time"
)

// IDSummary is statistics for single arbitration ID in trace
type IDSummary struct {
	ID    uint32 `json:"id"`
	Count int    `json:"count"`
	// MeanIntervalMs is mean time between consecutive messages with this ID
	MeanIntervalMs float64 `json:"mean_interval_ms"`
	// StdDevIntervalMs is standard deviation of time between consecutive messages with this ID
	StdDevIntervalMs float64 `json:"stddev_interval_ms"`
}

// Summary is statistics for whole trace
type Summary struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Messages  int           `json:"messages"`
	UniqueIDs int           `json:"unique_ids"`
	// Rate is average messages per second
	Rate     float64     `json:"rate"`
	Warnings int         `json:"warnings"`
	IDs      []IDSummary `json:"ids"`
}

// Analyze calculates trace statistics
func Analyze(t *Trace) Summary {
	s := Summary{
		Name:     t.Name,
		Duration: t.Duration(),
		Messages: t.Len(),
		Warnings: len(t.Warnings),
	}
	if secs := s.Duration.Seconds(); secs > 0 {
		s.Rate = float64(s.Messages) / secs
	}

	lastOffset := map[uint32]float64{}
	intervals := map[uint32][]float64{}
	counts := map[uint32]int{}
	for _, r := range t.Records {
		id := r.Frame.ID
		if last, ok := lastOffset[id]; ok {
			intervals[id] = append(intervals[id], r.Offset-last)
		}
		lastOffset[id] = r.Offset
		counts[id]++
	}

	for id, count := range counts {
		is := IDSummary{ID: id, Count: count}
		switch iv := intervals[id]; len(iv) {
		case 0:
		case 1:
			is.MeanIntervalMs = iv[0]
		default:
			is.MeanIntervalMs, is.StdDevIntervalMs = stat.MeanStdDev(iv, nil)
		}
		s.IDs = append(s.IDs, is)
	}
	sort.Slice(s.IDs, func(i, j int) bool { return s.IDs[i].ID < s.IDs[j].ID })
	s.UniqueIDs = len(s.IDs)
	return s
}
