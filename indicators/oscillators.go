package indicators

import (
	"fmt"
	"math"

	"github.com/rustyeddy/dreamrunner/market"
)

// RSI is Wilder's Relative Strength Index over closes.
type RSI struct {
	period    int
	prevClose float64
	havePrev  bool
	avgGain   float64
	avgLoss   float64
	count     int
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return fmt.Sprintf("RSI(%d)", r.period) }
func (r *RSI) Warmup() int  { return r.period + 1 }

func (r *RSI) Reset() {
	*r = RSI{period: r.period}
}

func (r *RSI) Update(b market.Bar) {
	if !r.havePrev {
		r.prevClose = b.Close
		r.havePrev = true
		return
	}
	change := b.Close - r.prevClose
	r.prevClose = b.Close

	gain, loss := math.Max(change, 0), math.Max(-change, 0)
	p := float64(r.period)
	if r.count < r.period {
		r.avgGain += gain / p
		r.avgLoss += loss / p
		r.count++
		return
	}
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
}

func (r *RSI) Ready() bool { return r.count >= r.period }

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 0
	}
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// Momentum is close minus the close period bars ago, kept in a circular
// buffer of the last period+1 closes.
type Momentum struct {
	period int
	win    ring
}

func NewMomentum(period int) *Momentum {
	return &Momentum{period: period, win: newRing(period + 1)}
}

func (m *Momentum) Name() string        { return fmt.Sprintf("MOM(%d)", m.period) }
func (m *Momentum) Warmup() int         { return m.period + 1 }
func (m *Momentum) Reset()              { m.win.reset() }
func (m *Momentum) Update(b market.Bar) { m.win.push(b.Close) }
func (m *Momentum) Ready() bool         { return m.win.full() }

func (m *Momentum) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.win.newest() - m.win.oldest()
}

// ROC is the percentage rate of change over period bars.
type ROC struct {
	Momentum
}

func NewROC(period int) *ROC {
	return &ROC{Momentum: *NewMomentum(period)}
}

func (r *ROC) Name() string { return fmt.Sprintf("ROC(%d)", r.period) }

func (r *ROC) Value() float64 {
	if !r.Ready() {
		return 0
	}
	base := r.win.oldest()
	if base == 0 {
		return 0
	}
	return 100 * (r.win.newest() - base) / base
}

// ZScore measures the latest close against the mean and sample standard
// deviation of the period closes before it. A flat window scores 0.
type ZScore struct {
	period int
	win    ring // period+1 closes, the newest is the one being scored
	sum    float64
	sumSq  float64
}

func NewZScore(period int) *ZScore {
	return &ZScore{period: period, win: newRing(period + 1)}
}

func (z *ZScore) Name() string { return fmt.Sprintf("ZSCORE(%d)", z.period) }
func (z *ZScore) Warmup() int  { return z.period + 1 }

func (z *ZScore) Reset() {
	z.win.reset()
	z.sum, z.sumSq = 0, 0
}

func (z *ZScore) Update(b market.Bar) {
	// sum and sumSq cover the window minus its newest element
	if z.win.n > 0 {
		prev := z.win.newest()
		z.sum += prev
		z.sumSq += prev * prev
	}
	old, full := z.win.push(b.Close)
	if full {
		z.sum -= old
		z.sumSq -= old * old
	}
}

func (z *ZScore) Ready() bool { return z.win.full() }

func (z *ZScore) Value() float64 {
	if !z.Ready() {
		return 0
	}
	n := float64(z.period)
	mean := z.sum / n
	variance := (z.sumSq - n*mean*mean) / (n - 1)
	if variance <= 1e-12 {
		return 0
	}
	return (z.win.newest() - mean) / math.Sqrt(variance)
}
