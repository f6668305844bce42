// Package bars turns a per-symbol tick stream into fixed-interval OHLCV bars.
package bars

import (
	"math"
	"time"

	"github.com/rustyeddy/dreamrunner/market"
)

// Stats counts what the aggregator did with its input. Everything here is a
// data-quality counter; none of it is an error.
type Stats struct {
	Ticks     int64 // ticks offered to Ingest
	Merged    int64 // out-of-order ticks merged into the open bar
	Late      int64 // ticks dropped for arriving outside the tolerance window
	Invalid   int64 // ticks dropped for a bad symbol, price or volume
	Synthetic int64 // bars fabricated to cover gaps
	Finalized int64 // bars emitted, synthetic included
}

// Aggregator builds bars for one symbol and timeframe. It holds only the
// in-progress bar plus the last emitted start and close.
//
// Not safe for concurrent use; each symbol worker owns its aggregator.
type Aggregator struct {
	symbol    string
	tf        market.Timeframe
	tolerance time.Duration

	cur      *market.Bar
	lastTick time.Time
	seen     bool

	lastStart time.Time
	lastClose float64
	emitted   bool

	stats Stats
}

func New(symbol string, tf market.Timeframe, tolerance time.Duration) *Aggregator {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Aggregator{symbol: symbol, tf: tf, tolerance: tolerance}
}

// Resume positions the aggregator after a bar that was finalized in an
// earlier run so no interval is emitted twice.
func (a *Aggregator) Resume(lastStart time.Time, lastClose float64) {
	a.lastStart = lastStart
	a.lastClose = lastClose
	a.emitted = true
	a.cur = nil
}

func (a *Aggregator) Symbol() string              { return a.symbol }
func (a *Aggregator) Timeframe() market.Timeframe { return a.tf }
func (a *Aggregator) Stats() Stats                { return a.stats }

// Current returns a copy of the open bar, if any.
func (a *Aggregator) Current() (market.Bar, bool) {
	if a.cur == nil {
		return market.Bar{}, false
	}
	return *a.cur, true
}

// Ingest folds t into the open bar. When t belongs to a later interval the
// open bar is finalized and returned, followed by one synthetic bar for every
// interval that saw no ticks at all.
func (a *Aggregator) Ingest(t market.Tick) []market.Bar {
	a.stats.Ticks++

	if t.Symbol != a.symbol || !(t.Price > 0) || math.IsInf(t.Price, 0) || t.Volume < 0 {
		a.stats.Invalid++
		return nil
	}
	if a.seen && t.Time.Before(a.lastTick.Add(-a.tolerance)) {
		a.stats.Late++
		return nil
	}

	start := a.tf.Truncate(t.Time)
	if a.emitted && !start.After(a.lastStart) {
		// interval already finalized
		a.stats.Late++
		return nil
	}
	if a.cur != nil && start.Before(a.cur.Start) {
		a.stats.Late++
		return nil
	}

	var out []market.Bar
	switch {
	case a.cur != nil && start.Equal(a.cur.Start):
		a.merge(t)
		return nil
	case a.cur != nil:
		out = append(out, a.finalize())
		out = a.fill(out, start)
	case a.emitted:
		out = a.fill(out, start)
	}

	a.open(start, t)
	return out
}

// GapDetected reports that the feed has no data in [from, to). The open bar
// is finalized if its interval ends by to, and every whole interval ending by
// to is covered with a synthetic bar.
func (a *Aggregator) GapDetected(from, to time.Time) []market.Bar {
	if !to.After(from) {
		return nil
	}
	var out []market.Bar
	if a.cur != nil {
		if a.cur.End().After(to) {
			return nil
		}
		out = append(out, a.finalize())
	}
	if !a.emitted {
		// nothing to carry forward yet
		return out
	}
	return a.fillUntil(out, to)
}

// Advance is the clock-driven path: it closes the open bar once now has
// passed its end by more than the tolerance, then covers every interval
// that has fully elapsed with synthetic bars.
func (a *Aggregator) Advance(now time.Time) []market.Bar {
	var out []market.Bar
	if a.cur != nil {
		if now.Before(a.cur.End().Add(a.tolerance)) {
			return nil
		}
		out = append(out, a.finalize())
	}
	if !a.emitted {
		return out
	}
	return a.fillUntil(out, now.Add(-a.tolerance))
}

// Flush finalizes the open bar regardless of the clock. Replay uses it at
// the end of a tick file.
func (a *Aggregator) Flush() []market.Bar {
	if a.cur == nil {
		return nil
	}
	return []market.Bar{a.finalize()}
}

func (a *Aggregator) open(start time.Time, t market.Tick) {
	a.cur = &market.Bar{
		Symbol:    a.symbol,
		Timeframe: a.tf,
		Start:     start,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Volume,
	}
	a.lastTick = t.Time
	a.seen = true
}

func (a *Aggregator) merge(t market.Tick) {
	b := a.cur
	b.High = math.Max(b.High, t.Price)
	b.Low = math.Min(b.Low, t.Price)
	b.Volume += t.Volume

	if t.Time.Before(a.lastTick) {
		// an older print never moves the close
		a.stats.Merged++
		return
	}
	b.Close = t.Price
	a.lastTick = t.Time
}

func (a *Aggregator) finalize() market.Bar {
	b := *a.cur
	b.Final = true
	a.cur = nil
	a.lastStart = b.Start
	a.lastClose = b.Close
	a.emitted = true
	a.stats.Finalized++
	return b
}

// fill appends synthetic bars for every interval strictly between the last
// emitted bar and next.
func (a *Aggregator) fill(out []market.Bar, next time.Time) []market.Bar {
	d := a.tf.Duration()
	for s := a.lastStart.Add(d); s.Before(next); s = s.Add(d) {
		out = append(out, a.synthetic(s))
	}
	return out
}

// fillUntil appends synthetic bars for every interval ending at or before to.
func (a *Aggregator) fillUntil(out []market.Bar, to time.Time) []market.Bar {
	d := a.tf.Duration()
	for s := a.lastStart.Add(d); !s.Add(d).After(to); s = s.Add(d) {
		out = append(out, a.synthetic(s))
	}
	return out
}

func (a *Aggregator) synthetic(start time.Time) market.Bar {
	b := market.SyntheticBar(a.symbol, a.tf, start, a.lastClose)
	a.lastStart = start
	a.stats.Synthetic++
	a.stats.Finalized++
	return b
}
