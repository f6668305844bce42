package bars

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/dreamrunner/market"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func tick(sec int, price, vol float64) market.Tick {
	return market.Tick{Symbol: "XYZ", Price: price, Volume: vol, Time: t0.Add(time.Duration(sec) * time.Second)}
}

func TestIngestAggregatesOHLCV(t *testing.T) {
	a := New("XYZ", market.M1, 2*time.Second)

	assert.Empty(t, a.Ingest(tick(0, 10, 1)))
	assert.Empty(t, a.Ingest(tick(10, 12, 2)))
	assert.Empty(t, a.Ingest(tick(20, 9, 1)))
	assert.Empty(t, a.Ingest(tick(59, 11, 3)))

	out := a.Ingest(tick(61, 11.5, 1))
	require.Len(t, out, 1)

	b := out[0]
	assert.Equal(t, t0, b.Start)
	assert.Equal(t, 10.0, b.Open)
	assert.Equal(t, 12.0, b.High)
	assert.Equal(t, 9.0, b.Low)
	assert.Equal(t, 11.0, b.Close)
	assert.Equal(t, 7.0, b.Volume)
	assert.True(t, b.Final)
	assert.False(t, b.Synthetic)

	cur, ok := a.Current()
	require.True(t, ok)
	assert.False(t, cur.Final)
	assert.Equal(t, t0.Add(time.Minute), cur.Start)
}

func TestIngestOutOfOrderWithinTolerance(t *testing.T) {
	a := New("XYZ", market.M1, 5*time.Second)

	a.Ingest(tick(10, 10, 1))
	a.Ingest(tick(20, 11, 1))
	// older than the last tick but inside the window
	a.Ingest(tick(17, 8, 1))

	cur, ok := a.Current()
	require.True(t, ok)
	assert.Equal(t, 8.0, cur.Low)
	assert.Equal(t, 11.0, cur.Close, "an older tick must not move the close")
	assert.Equal(t, 3.0, cur.Volume)
	assert.Equal(t, int64(1), a.Stats().Merged)
}

func TestIngestDropsLateTicks(t *testing.T) {
	a := New("XYZ", market.M1, 2*time.Second)

	a.Ingest(tick(30, 10, 1))
	assert.Empty(t, a.Ingest(tick(20, 99, 1)))

	out := a.Ingest(tick(61, 10, 1))
	require.Len(t, out, 1)
	// inside the window, but its interval is already finalized
	assert.Empty(t, a.Ingest(tick(59, 10, 1)))

	st := a.Stats()
	assert.Equal(t, int64(2), st.Late)
	assert.Equal(t, int64(1), st.Finalized)
	assert.Equal(t, 10.0, out[0].High, "late tick never reached the bar")
}

func TestIngestRejectsInvalidTicks(t *testing.T) {
	a := New("XYZ", market.M1, 0)

	assert.Empty(t, a.Ingest(market.Tick{Symbol: "ABC", Price: 10, Time: t0}))
	assert.Empty(t, a.Ingest(market.Tick{Symbol: "XYZ", Price: 0, Time: t0}))
	assert.Empty(t, a.Ingest(market.Tick{Symbol: "XYZ", Price: 10, Volume: -1, Time: t0}))

	_, ok := a.Current()
	assert.False(t, ok)
	assert.Equal(t, int64(3), a.Stats().Invalid)
}

func TestIngestSkippedIntervalsAreSynthetic(t *testing.T) {
	a := New("XYZ", market.M1, 0)

	a.Ingest(tick(5, 10, 1))
	out := a.Ingest(tick(4*60+5, 12, 1))

	require.Len(t, out, 4)
	assert.False(t, out[0].Synthetic)
	for i, b := range out[1:] {
		assert.True(t, b.Synthetic)
		assert.Equal(t, t0.Add(time.Duration(i+1)*time.Minute), b.Start)
		assert.Equal(t, 10.0, b.Close)
		assert.Zero(t, b.Volume)
	}
	assert.Equal(t, int64(3), a.Stats().Synthetic)
}

func TestGapDetected(t *testing.T) {
	a := New("XYZ", market.M1, 0)

	// nothing to carry forward yet
	assert.Empty(t, a.GapDetected(t0, t0.Add(time.Hour)))

	a.Ingest(tick(10, 10, 1))

	// the gap ends inside the open bar, so it stays open
	assert.Empty(t, a.GapDetected(t0.Add(20*time.Second), t0.Add(50*time.Second)))

	out := a.GapDetected(t0.Add(30*time.Second), t0.Add(3*time.Minute+30*time.Second))
	require.Len(t, out, 3)
	assert.False(t, out[0].Synthetic)
	assert.True(t, out[1].Synthetic)
	assert.True(t, out[2].Synthetic)
	assert.Equal(t, t0.Add(2*time.Minute), out[2].Start)

	// the next tick lands in minute 3, which was not covered yet
	assert.Empty(t, a.Ingest(tick(3*60+40, 11, 1)))
	out = a.Ingest(tick(4*60+1, 11, 1))
	require.Len(t, out, 1)
	assert.Equal(t, t0.Add(3*time.Minute), out[0].Start)
}

func TestAdvanceClosesAfterTolerance(t *testing.T) {
	a := New("XYZ", market.M1, 2*time.Second)
	a.Ingest(tick(10, 10, 1))

	assert.Empty(t, a.Advance(t0.Add(61*time.Second)))

	out := a.Advance(t0.Add(62 * time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, t0, out[0].Start)

	out = a.Advance(t0.Add(3*time.Minute + 2*time.Second))
	require.Len(t, out, 2)
	assert.True(t, out[0].Synthetic)
	assert.True(t, out[1].Synthetic)

	// ticks in an interval closed by the clock are late
	assert.Empty(t, a.Ingest(tick(2*60+59, 10, 1)))
	assert.Equal(t, int64(1), a.Stats().Late)
}

func TestResumeSkipsFinalizedIntervals(t *testing.T) {
	a := New("XYZ", market.M1, 0)
	a.Resume(t0.Add(time.Minute), 10)

	assert.Empty(t, a.Ingest(tick(90, 99, 1)))
	assert.Equal(t, int64(1), a.Stats().Late)

	a.Ingest(tick(3*60, 11, 1))
	out := a.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, t0.Add(3*time.Minute), out[0].Start)
}

// For every non-decreasing tick sequence each interval between the first
// and last finalized bar is emitted exactly once.
func TestExactlyOneBarPerInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		a := New("XYZ", market.M1, time.Second)

		var ticks []market.Tick
		sec := 0
		for i := 0; i < 300; i++ {
			ticks = append(ticks, tick(sec, 10+rng.Float64(), 1))
			sec += rng.Intn(240)
		}

		var out []market.Bar
		for _, tk := range ticks {
			out = append(out, a.Ingest(tk)...)
		}
		out = append(out, a.Flush()...)
		require.NotEmpty(t, out)

		for i := 1; i < len(out); i++ {
			require.Equal(t, out[i-1].Start.Add(time.Minute), out[i].Start, "run %d bar %d", run, i)
			require.True(t, out[i].Final)
		}
		last := market.M1.Truncate(ticks[len(ticks)-1].Time)
		assert.Equal(t, last, out[len(out)-1].Start)
		assert.Equal(t, t0, out[0].Start)
	}
}
