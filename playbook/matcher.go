package playbook

import (
	"fmt"
	"sync"

	"github.com/rustyeddy/dreamrunner/indicators"
	"github.com/rustyeddy/dreamrunner/market"
)

// Matcher evaluates rules in priority order and returns the first match.
// It remembers the previous snapshot per series so cross conditions fire
// once at the transition instead of on every bar the level holds.
//
// Rules are immutable after construction. The per-series edge state is the
// only mutable state and is safe for use by several symbol workers.
type Matcher struct {
	rules []Rule

	mu      sync.Mutex
	prev    map[indicators.Key]indicators.Snapshot
	resumed map[indicators.Key]bool
}

func NewMatcher(rules []Rule) (*Matcher, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return &Matcher{
		rules:   Ordered(rules),
		prev:    make(map[indicators.Key]indicators.Snapshot),
		resumed: make(map[indicators.Key]bool),
	}, nil
}

// Rules returns the rules in evaluation order.
func (m *Matcher) Rules() []Rule { return append([]Rule(nil), m.rules...) }

// Evaluate returns the signal of the first rule whose conditions all hold,
// or Hold. The snapshot always becomes its series' previous snapshot.
func (m *Matcher) Evaluate(snap indicators.Snapshot, pos market.Position) Signal {
	k := indicators.Key{Symbol: snap.Symbol, Timeframe: snap.Timeframe}
	m.mu.Lock()
	prev, havePrev := m.prev[k]
	m.prev[k] = snap
	resumed := m.resumed[k]
	if snap.Ready() {
		delete(m.resumed, k)
	}
	m.mu.Unlock()

	sig := Signal{Symbol: snap.Symbol, Time: snap.Time, Kind: Hold, Price: snap.Bar.Close}

	var pp *indicators.Snapshot
	if havePrev {
		pp = &prev
	}
	for _, r := range m.rules {
		if m.matches(r, snap, pp, pos, resumed) {
			sig.Kind = r.Signal
			sig.RuleID = r.ID
			return sig
		}
	}
	return sig
}

// Forget drops the edge state of every series of symbol.
func (m *Matcher) Forget(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.prev {
		if k.Symbol == symbol {
			delete(m.prev, k)
		}
	}
	for k := range m.resumed {
		if k.Symbol == symbol {
			delete(m.resumed, k)
		}
	}
}

// Resume marks a series that continues a previous run with its indicators
// warming up again. Until the series is ready, a cross needs an observed
// transition: a level that already held before the restart does not fire.
func (m *Matcher) Resume(k indicators.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prev, k)
	m.resumed[k] = true
}

func (m *Matcher) matches(r Rule, snap indicators.Snapshot, prev *indicators.Snapshot, pos market.Position, resumed bool) bool {
	for _, c := range r.When {
		if !holds(c, snap, prev, pos, resumed) {
			return false
		}
	}
	return true
}

func holds(c Condition, snap indicators.Snapshot, prev *indicators.Snapshot, pos market.Position, resumed bool) bool {
	switch c.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return level(c.Op, c.Left, c.Right, snap)

	case OpCrossAbove, OpCrossBelow:
		op := OpGT
		if c.Op == OpCrossBelow {
			op = OpLT
		}
		if !level(op, c.Left, c.Right, snap) {
			return false
		}
		if prev != nil && known(c.Left, c.Right, *prev) {
			return !level(op, c.Left, c.Right, *prev)
		}
		// no usable history counts as "did not hold", except on a resumed
		// series where the level may have held all along
		return !resumed

	case OpPosition:
		for _, s := range c.Status {
			if st, ok := market.ParsePositionStatus(s); ok && st == pos.Status {
				return true
			}
		}
		return false

	case OpSide:
		return !pos.IsFlat() && pos.Side == market.ParseSide(c.Side)

	case OpNotSynthetic:
		return !snap.Synthetic
	}
	return false
}

// level compares two operands. A not-ready operand fails the comparison.
func level(op Op, left, right string, snap indicators.Snapshot) bool {
	l, ok := operand(left, snap)
	if !ok {
		return false
	}
	r, ok := operand(right, snap)
	if !ok {
		return false
	}
	switch op {
	case OpGT:
		return l > r
	case OpGTE:
		return l >= r
	case OpLT:
		return l < r
	case OpLTE:
		return l <= r
	}
	panic(fmt.Sprintf("playbook: level called with %s", op))
}

func known(left, right string, snap indicators.Snapshot) bool {
	_, l := operand(left, snap)
	_, r := operand(right, snap)
	return l && r
}

func operand(s string, snap indicators.Snapshot) (float64, bool) {
	if v, ok := constant(s); ok {
		return v, true
	}
	v := snap.Get(s)
	return v.V, v.Ready
}
