package stats

import (
	"math/rand"
	"testing"
	"time"

	mstats "github.com/montanaflynn/stats"
	"github.com/stretchr/testify/require"
)

func TestRunningAverage_Zero(t *testing.T) {
	var a RunningAverage
	require.Zero(t, a.Mean)
	require.Zero(t, a.Count)
}

func TestRunningAverage_Single(t *testing.T) {
	a := RunningAverage{}.Update(4.5)
	require.Equal(t, int64(1), a.Count)
	require.InDelta(t, 4.5, a.Mean, 1e-12)
}

func TestRunningAverage_DoesNotMutateReceiver(t *testing.T) {
	a := RunningAverage{}.Update(1)
	_ = a.Update(100)
	require.Equal(t, int64(1), a.Count)
	require.InDelta(t, 1.0, a.Mean, 1e-12)
}

func TestRunningAverage_MatchesArithmeticMean(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for _, n := range []int{1, 2, 10, 1000, 100_000} {
		values := make([]float64, n)
		for i := range values {
			values[i] = r.Float64() * 1e-3
		}

		var a RunningAverage
		for _, v := range values {
			a = a.Update(v)
		}

		want, err := mstats.Mean(values)
		require.NoError(t, err)
		require.Equal(t, int64(n), a.Count)
		require.InEpsilon(t, want, a.Mean, 1e-9, "n=%d", n)

		// Fold order within the same sequence does not change the result.
		r.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })

		var shuffled RunningAverage
		for _, v := range values {
			shuffled = shuffled.Update(v)
		}

		require.InEpsilon(t, a.Mean, shuffled.Mean, 1e-9, "n=%d", n)
	}
}

func TestRunningAverage_Durations(t *testing.T) {
	a := RunningAverage{}.
		UpdateDuration(10 * time.Millisecond).
		UpdateDuration(30 * time.Millisecond)

	require.InDelta(t, 0.02, a.Mean, 1e-12)
	require.InDelta(t, float64(20*time.Millisecond), float64(a.Duration()), float64(time.Microsecond))
}
