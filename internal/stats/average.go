package stats

import "time"

// RunningAverage is an online mean. The zero value is an empty average.
type RunningAverage struct {
	Mean  float64
	Count int64
}

// Update folds v into the average and returns the result; the receiver is unchanged.
func (a RunningAverage) Update(v float64) RunningAverage {
	n := float64(a.Count + 1)

	return RunningAverage{
		Mean:  a.Mean*(float64(a.Count)/n) + v/n,
		Count: a.Count + 1,
	}
}

// UpdateDuration folds d in as seconds.
func (a RunningAverage) UpdateDuration(d time.Duration) RunningAverage {
	return a.Update(d.Seconds())
}

// Duration returns the mean interpreted as seconds.
func (a RunningAverage) Duration() time.Duration {
	return time.Duration(a.Mean * float64(time.Second))
}
