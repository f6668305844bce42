package indicators

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/dreamrunner/market"
)

// ErrBarOrder is returned when a bar would break the strictly increasing,
// gap-free sequence of a series. It is an invariant violation for the
// symbol's worker.
var ErrBarOrder = errors.New("bar out of order")

// Value is an indicator reading. Ready == false means "not ready", which is
// distinct from a zero reading.
type Value struct {
	V     float64
	Ready bool
}

var builtins = []string{"open", "high", "low", "close", "volume"}

func isBuiltin(name string) bool {
	for _, b := range builtins {
		if b == name {
			return true
		}
	}
	return false
}

// Provides reports whether snapshots built from specs carry a value called
// name.
func Provides(specs []Spec, name string) bool {
	if isBuiltin(name) {
		return true
	}
	for _, sp := range specs {
		if sp.Name == name {
			return true
		}
		if name == sp.Name+".dir" && strings.EqualFold(sp.Kind, "kagi") {
			return true
		}
	}
	return false
}

// Snapshot is the indicator state right after one finalized bar. It is a
// copy; holding it does not keep the series alive.
type Snapshot struct {
	Symbol    string
	Timeframe market.Timeframe
	Time      time.Time // start of the bar that produced it
	Bar       market.Bar
	Synthetic bool
	Values    map[string]Value
}

// Get looks up a named value. The bar fields open, high, low, close and
// volume are always ready; unknown names are never ready.
func (s Snapshot) Get(name string) Value {
	switch name {
	case "open":
		return Value{s.Bar.Open, true}
	case "high":
		return Value{s.Bar.High, true}
	case "low":
		return Value{s.Bar.Low, true}
	case "close":
		return Value{s.Bar.Close, true}
	case "volume":
		return Value{s.Bar.Volume, true}
	}
	return s.Values[name]
}

// Ready reports whether every configured indicator is past warm-up.
func (s Snapshot) Ready() bool {
	for _, v := range s.Values {
		if !v.Ready {
			return false
		}
	}
	return true
}

type named struct {
	name string
	ind  Indicator
}

// Series is the rolling indicator state for one symbol and timeframe.
type Series struct {
	symbol string
	tf     market.Timeframe
	inds   []named

	last     time.Time
	haveLast bool
	count    int
}

// NewSeries builds one indicator per spec, in spec order.
func NewSeries(symbol string, tf market.Timeframe, specs []Spec) (*Series, error) {
	s := &Series{symbol: symbol, tf: tf}
	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		if seen[sp.Name] {
			return nil, fmt.Errorf("duplicate indicator name %q", sp.Name)
		}
		seen[sp.Name] = true

		ind, _ := New(sp)
		s.inds = append(s.inds, named{sp.Name, ind})
	}
	return s, nil
}

func (s *Series) Symbol() string { return s.symbol }

// Count is the number of bars applied.
func (s *Series) Count() int { return s.count }

// Last is the start of the last applied bar.
func (s *Series) Last() (time.Time, bool) { return s.last, s.haveLast }

// Warmup is the longest warm-up of the configured indicators.
func (s *Series) Warmup() int {
	w := 0
	for _, n := range s.inds {
		if n.ind.Warmup() > w {
			w = n.ind.Warmup()
		}
	}
	return w
}

// Update applies a finalized bar and returns the new snapshot. The bar must
// start exactly one interval after the previous one; anything else leaves
// the state untouched and returns ErrBarOrder.
func (s *Series) Update(b market.Bar) (Snapshot, error) {
	if err := s.Check(b); err != nil {
		return Snapshot{}, err
	}

	for _, n := range s.inds {
		n.ind.Update(b)
	}
	s.last = b.Start
	s.haveLast = true
	s.count++

	return s.snapshot(b), nil
}

// Check reports whether Update would accept b, without applying it.
func (s *Series) Check(b market.Bar) error {
	if b.Symbol != s.symbol || b.Timeframe != s.tf {
		return fmt.Errorf("%w: bar %s %s fed to series %s %s",
			ErrBarOrder, b.Symbol, b.Timeframe, s.symbol, s.tf)
	}
	if !b.Final {
		return fmt.Errorf("%w: bar %s is not final", ErrBarOrder, b.Start.Format(time.RFC3339))
	}
	if s.haveLast {
		want := s.last.Add(s.tf.Duration())
		if !b.Start.Equal(want) {
			return fmt.Errorf("%w: %s got %s, want %s", ErrBarOrder, s.symbol,
				b.Start.Format(time.RFC3339), want.Format(time.RFC3339))
		}
	}
	return nil
}

// Resume anchors an empty series after a bar that was applied in a previous
// run, so the next bar must continue from there.
func (s *Series) Resume(last time.Time) {
	s.last = last
	s.haveLast = true
}

func (s *Series) Reset() {
	for _, n := range s.inds {
		n.ind.Reset()
	}
	s.last = time.Time{}
	s.haveLast = false
	s.count = 0
}

func (s *Series) snapshot(b market.Bar) Snapshot {
	vals := make(map[string]Value, len(s.inds)*2)
	for _, n := range s.inds {
		ready := n.ind.Ready()
		var v float64
		if ready {
			v = n.ind.Value()
		}
		vals[n.name] = Value{V: v, Ready: ready}

		if d, ok := n.ind.(Directional); ok {
			var dir float64
			if ready {
				dir = float64(d.Direction())
			}
			vals[n.name+".dir"] = Value{V: dir, Ready: ready}
		}
	}
	return Snapshot{
		Symbol:    s.symbol,
		Timeframe: s.tf,
		Time:      b.Start,
		Bar:       b,
		Synthetic: b.Synthetic,
		Values:    vals,
	}
}
