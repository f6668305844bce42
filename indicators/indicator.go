// Package indicators maintains rolling technical indicators per symbol and
// timeframe. Every indicator updates incrementally from finalized bars and
// reports "not ready" until its warm-up window has been observed.
package indicators

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/dreamrunner/market"
)

// Indicator is a streaming indicator fed one finalized bar at a time.
type Indicator interface {
	Name() string
	// Warmup is the number of bars needed before Ready reports true.
	Warmup() int
	Reset()
	Update(b market.Bar)
	Ready() bool
	// Value is meaningless until Ready.
	Value() float64
}

// Directional indicators also report a trend direction (+1 up, -1 down).
type Directional interface {
	Direction() int
}

// Spec describes one configured indicator.
type Spec struct {
	Name     string  `yaml:"name" json:"name"`
	Kind     string  `yaml:"kind" json:"kind"`
	Period   int     `yaml:"period,omitempty" json:"period,omitempty"`
	Reversal float64 `yaml:"reversal,omitempty" json:"reversal,omitempty"`
}

func (s Spec) String() string {
	if strings.ToLower(s.Kind) == "kagi" {
		return fmt.Sprintf("%s=kagi(%g)", s.Name, s.Reversal)
	}
	return fmt.Sprintf("%s=%s(%d)", s.Name, s.Kind, s.Period)
}

// Validate checks that s names a known kind with usable parameters.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("indicator name required")
	}
	if isBuiltin(s.Name) {
		return fmt.Errorf("indicator name %q is reserved", s.Name)
	}
	_, err := New(s)
	return err
}

// New builds the indicator described by s.
func New(s Spec) (Indicator, error) {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "kagi" {
		if !(s.Reversal > 0) {
			return nil, fmt.Errorf("%s: reversal must be positive, got %g", s.Name, s.Reversal)
		}
		return NewKagi(s.Reversal), nil
	}

	if s.Period <= 0 {
		return nil, fmt.Errorf("%s: period must be positive, got %d", s.Name, s.Period)
	}
	switch kind {
	case "sma", "ma":
		return NewSMA(s.Period), nil
	case "ema":
		return NewEMA(s.Period), nil
	case "wma":
		return NewWMA(s.Period), nil
	case "atr":
		return NewATR(s.Period), nil
	case "rsi":
		return NewRSI(s.Period), nil
	case "momentum", "mom":
		return NewMomentum(s.Period), nil
	case "roc":
		return NewROC(s.Period), nil
	case "zscore":
		if s.Period < 2 {
			return nil, fmt.Errorf("%s: zscore period must be at least 2, got %d", s.Name, s.Period)
		}
		return NewZScore(s.Period), nil
	case "adx":
		return NewADX(s.Period), nil
	default:
		return nil, fmt.Errorf("%s: unknown indicator kind %q", s.Name, s.Kind)
	}
}

// ring is a fixed-size circular buffer of floats.
type ring struct {
	buf  []float64
	next int
	n    int
}

func newRing(size int) ring {
	return ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) (old float64, full bool) {
	full = r.n == len(r.buf)
	old = r.buf[r.next]
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if !full {
		r.n++
	}
	return old, full
}

// oldest returns the earliest value still in the buffer.
func (r *ring) oldest() float64 {
	if r.n < len(r.buf) {
		return r.buf[0]
	}
	return r.buf[r.next]
}

// newest returns the last value pushed.
func (r *ring) newest() float64 {
	return r.buf[(r.next+len(r.buf)-1)%len(r.buf)]
}

func (r *ring) full() bool { return r.n == len(r.buf) }

func (r *ring) reset() {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.next, r.n = 0, 0
}
