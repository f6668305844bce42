package indicators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/dreamrunner/market"
)

// Key identifies one series.
type Key struct {
	Symbol    string
	Timeframe market.Timeframe
}

func (k Key) String() string { return k.Symbol + "/" + k.Timeframe.String() }

// Engine owns one Series per symbol and timeframe, all built from the same
// indicator specs. The map is shared; each Series is only ever touched by
// the worker for its symbol.
type Engine struct {
	specs []Spec

	mu     sync.Mutex
	series map[Key]*Series
}

func NewEngine(specs []Spec) (*Engine, error) {
	// build once to surface config errors early
	if _, err := NewSeries("", 0, specs); err != nil {
		return nil, err
	}
	return &Engine{
		specs:  append([]Spec(nil), specs...),
		series: make(map[Key]*Series),
	}, nil
}

// Series returns the series for k, creating it on first use.
func (e *Engine) Series(k Key) *Series {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.series[k]
	if !ok {
		// specs were validated by NewEngine
		s, _ = NewSeries(k.Symbol, k.Timeframe, e.specs)
		e.series[k] = s
	}
	return s
}

// Update applies b to its series.
func (e *Engine) Update(b market.Bar) (Snapshot, error) {
	return e.Series(Key{b.Symbol, b.Timeframe}).Update(b)
}

// Keys lists the known series in a stable order.
func (e *Engine) Keys() []Key {
	e.mu.Lock()
	keys := make([]Key, 0, len(e.series))
	for k := range e.series {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Timeframe < keys[j].Timeframe
	})
	return keys
}

// WarmUp replays historical bars into each series. Series are independent,
// so each one is recomputed on its own goroutine.
func (e *Engine) WarmUp(ctx context.Context, history map[Key][]market.Bar) error {
	g, ctx := errgroup.WithContext(ctx)
	for k, bars := range history {
		s := e.Series(k)
		k, bars := k, bars
		g.Go(func() error {
			for _, b := range bars {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := s.Update(b); err != nil {
					return fmt.Errorf("warm up %s: %w", k, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
