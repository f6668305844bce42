package market

import (
	"errors"
	"sync"
	"time"
)

// Tick is a single trade print from the market-data layer.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// Gap reports that the market-data layer knows it has no data for
// Symbol in [From, To).
type Gap struct {
	Symbol string
	From   time.Time
	To     time.Time
}

type EventKind int

const (
	EventTick EventKind = iota
	EventGap
	EventBar
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventGap:
		return "gap"
	case EventBar:
		return "bar"
	default:
		return "unknown"
	}
}

// Event is the per-symbol input of the pipeline. Live feeds produce ticks
// and gaps, the replay driver produces finished bars.
type Event struct {
	Kind EventKind
	Tick Tick
	Gap  Gap
	Bar  Bar
}

func TickEvent(t Tick) Event { return Event{Kind: EventTick, Tick: t} }
func GapEvent(g Gap) Event   { return Event{Kind: EventGap, Gap: g} }
func BarEvent(b Bar) Event   { return Event{Kind: EventBar, Bar: b} }

// Symbol returns the symbol the event belongs to.
func (e Event) Symbol() string {
	switch e.Kind {
	case EventTick:
		return e.Tick.Symbol
	case EventGap:
		return e.Gap.Symbol
	default:
		return e.Bar.Symbol
	}
}

var ErrNoPrice = errors.New("price not found")

// PriceStore keeps the last observed price per symbol.
type PriceStore struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewPriceStore() *PriceStore {
	return &PriceStore{prices: make(map[string]float64)}
}

func (ps *PriceStore) Set(symbol string, price float64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.prices[symbol] = price
}

func (ps *PriceStore) Get(symbol string) (float64, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.prices[symbol]
	if !ok {
		return 0, ErrNoPrice
	}
	return p, nil
}
