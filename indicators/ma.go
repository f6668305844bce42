package indicators

import (
	"fmt"

	"github.com/rustyeddy/dreamrunner/market"
)

// SMA is a streaming simple moving average of closes.
type SMA struct {
	period int
	win    ring
	sum    float64
}

func NewSMA(period int) *SMA {
	return &SMA{period: period, win: newRing(period)}
}

func (m *SMA) Name() string { return fmt.Sprintf("SMA(%d)", m.period) }
func (m *SMA) Warmup() int  { return m.period }

func (m *SMA) Reset() {
	m.win.reset()
	m.sum = 0
}

func (m *SMA) Update(b market.Bar) {
	old, full := m.win.push(b.Close)
	m.sum += b.Close
	if full {
		m.sum -= old
	}
}

func (m *SMA) Ready() bool { return m.win.full() }

func (m *SMA) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.sum / float64(m.period)
}

// EMA is a streaming exponential moving average seeded with the simple
// average of the first period closes:
//
//	ema_t = alpha*close + (1-alpha)*ema_{t-1}, alpha = 2/(period+1)
type EMA struct {
	period    int
	alpha     float64
	ema       float64
	count     int
	warmupSum float64
}

func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		alpha:  2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return fmt.Sprintf("EMA(%d)", e.period) }
func (e *EMA) Warmup() int  { return e.period }

func (e *EMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *EMA) Update(b market.Bar) {
	if e.count < e.period {
		e.warmupSum += b.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = e.alpha*b.Close + (1-e.alpha)*e.ema
}

func (e *EMA) Ready() bool { return e.count >= e.period }

func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// WMA is a linearly weighted moving average; the newest close carries
// weight period, the oldest weight 1.
type WMA struct {
	period int
	win    ring
	sum    float64 // plain sum of the window
	num    float64 // weighted sum of the window
}

func NewWMA(period int) *WMA {
	return &WMA{period: period, win: newRing(period)}
}

func (w *WMA) Name() string { return fmt.Sprintf("WMA(%d)", w.period) }
func (w *WMA) Warmup() int  { return w.period }

func (w *WMA) Reset() {
	w.win.reset()
	w.sum, w.num = 0, 0
}

func (w *WMA) Update(b market.Bar) {
	if !w.win.full() {
		w.win.push(b.Close)
		w.sum += b.Close
		w.num += float64(w.win.n) * b.Close
		return
	}
	// Shifting the window lowers every weight by one and drops the oldest.
	old, _ := w.win.push(b.Close)
	w.num = w.num - w.sum + float64(w.period)*b.Close
	w.sum = w.sum - old + b.Close
}

func (w *WMA) Ready() bool { return w.win.full() }

func (w *WMA) Value() float64 {
	if !w.Ready() {
		return 0
	}
	n := float64(w.period)
	return w.num / (n * (n + 1) / 2)
}
