package tripcomputer

// RunningStatistic is running mean of samples computed with Welford's online algorithm. Mean is updated incrementally
// so long running sums can not overflow or lose precision.
type RunningStatistic struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
}

// Add folds sample into the running mean
func (r *RunningStatistic) Add(x float64) {
	r.Count++
	r.Mean += (x - r.Mean) / float64(r.Count)
}

// Reset zeroes the statistic
func (r *RunningStatistic) Reset() {
	r.Count = 0
	r.Mean = 0
}
