package risk

import (
	"fmt"
	"sort"
	"sync"
)

// Budget is the process-wide exposure counter shared by every symbol
// worker. All reads and writes go through its mutex; check and reserve
// happen in the same critical section so two workers can never both take
// the last slot.
type Budget struct {
	limits Limits

	mu        sync.Mutex
	positions map[string]float64 // symbol -> reserved notional
}

func NewBudget(l Limits) *Budget {
	return &Budget{limits: l, positions: make(map[string]float64)}
}

func (b *Budget) Limits() Limits { return b.limits }

// Reserve evaluates an entry for in.Symbol and, when allowed, records its
// notional against the budget.
func (b *Budget) Reserve(in Intent) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.positions[in.Symbol]; ok {
		d := Decision{}
		d.add("ALREADY_RESERVED", fmt.Sprintf("%s already holds a reservation", in.Symbol))
		return d
	}
	d := Evaluate(b.limits, in, b.usage())
	if d.Allowed {
		b.positions[in.Symbol] = d.Notional
	}
	return d
}

// Adjust replaces the reserved notional of symbol, for instance after a
// partial fill or a fill at a different price. It is a no-op for a symbol
// without a reservation unless notional is positive, which restores one.
func (b *Budget) Adjust(symbol string, notional float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if notional < 0 {
		notional = -notional
	}
	if _, ok := b.positions[symbol]; ok || notional > 0 {
		b.positions[symbol] = notional
	}
}

// Release frees the reservation of symbol.
func (b *Budget) Release(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

func (b *Budget) Snapshot() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage()
}

// Holders lists symbols with a reservation.
func (b *Budget) Holders() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.positions))
	for s := range b.positions {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

func (b *Budget) usage() Usage {
	u := Usage{OpenPositions: len(b.positions)}
	for _, n := range b.positions {
		u.OpenNotional += n
	}
	return u
}
