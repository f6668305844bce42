// Package monitor is the read-only view of a running system: per-symbol
// position, recent signals, order states and event counters, plus the halt
// command routed to whoever runs the workers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/playbook"
)

var ErrNoHalter = errors.New("no halter registered")

// Halter is implemented by engine.Runner.
type Halter interface {
	Halt(ctx context.Context, symbol, reason string) error
	Resume(ctx context.Context, symbol string) error
}

type Counters struct {
	Signals     int
	Intents     int
	Trades      int
	Retries     int
	Rejections  int
	Escalations int
	RiskVetoes  int
	DataQuality int
}

// Snapshot is a copy; it never aliases monitor state.
type Snapshot struct {
	Symbol     string
	Position   market.Position
	Signals    []playbook.Signal // oldest first
	Orders     []broker.Order    // latest state per order, oldest first
	LastTrade  *orchestrator.Trade
	RealizedPL float64
	Counters   Counters
	Halted     bool
	Fatal      string
	Updated    time.Time
}

type state struct {
	snap  Snapshot
	index map[string]int // client order id -> position in snap.Orders
}

type Monitor struct {
	keep int
	log  *logrus.Entry

	mu      sync.RWMutex
	symbols map[string]*state
	halter  Halter
}

type Option func(*Monitor)

// WithHistory sets how many signals and orders are kept per symbol.
func WithHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.keep = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = logger.WithComponent(l, "monitor")
		}
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		keep:    20,
		log:     logger.WithComponent(logger.Nop(), "monitor"),
		symbols: make(map[string]*state),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Track makes symbol visible before its first event.
func (m *Monitor) Track(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.stateLocked(s)
	}
}

func (m *Monitor) SetHalter(h Halter) {
	m.mu.Lock()
	m.halter = h
	m.mu.Unlock()
}

// Publish implements orchestrator.EventSink.
func (m *Monitor) Publish(e orchestrator.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(e.Symbol)
	s := &st.snap
	if !e.Time.IsZero() {
		s.Updated = e.Time
	}

	switch e.Kind {
	case orchestrator.EventSignal:
		s.Counters.Signals++
		s.Signals = append(s.Signals, e.Signal)
		if len(s.Signals) > m.keep {
			s.Signals = s.Signals[len(s.Signals)-m.keep:]
		}
	case orchestrator.EventIntent:
		s.Counters.Intents++
		m.orderLocked(st, e.Order)
	case orchestrator.EventOrder:
		m.orderLocked(st, e.Order)
	case orchestrator.EventPosition:
		s.Position = e.Position
	case orchestrator.EventTrade:
		s.Counters.Trades++
		tr := e.Trade
		s.LastTrade = &tr
		s.RealizedPL += tr.PnL
	case orchestrator.EventRetry:
		s.Counters.Retries++
	case orchestrator.EventRejected:
		s.Counters.Rejections++
	case orchestrator.EventEscalation:
		s.Counters.Escalations++
		m.log.WithFields(logrus.Fields{"symbol": e.Symbol, "code": e.Code}).Error(e.Msg)
	case orchestrator.EventRiskVeto:
		s.Counters.RiskVetoes++
	case orchestrator.EventDataQuality:
		s.Counters.DataQuality++
	case orchestrator.EventInvariant:
		s.Fatal = e.Msg
		m.log.WithField("symbol", e.Symbol).Error("symbol stopped: " + e.Msg)
	case orchestrator.EventHalted:
		s.Halted = true
	case orchestrator.EventResumed:
		s.Halted = false
	}
}

func (m *Monitor) stateLocked(symbol string) *state {
	st, ok := m.symbols[symbol]
	if !ok {
		st = &state{
			snap:  Snapshot{Symbol: symbol, Position: market.FlatPosition(symbol)},
			index: make(map[string]int),
		}
		m.symbols[symbol] = st
	}
	return st
}

func (m *Monitor) orderLocked(st *state, o broker.Order) {
	s := &st.snap
	if i, ok := st.index[o.ClientOrderID]; ok {
		s.Orders[i] = o
		return
	}
	s.Orders = append(s.Orders, o)
	if len(s.Orders) > m.keep {
		s.Orders = s.Orders[len(s.Orders)-m.keep:]
	}
	st.index = make(map[string]int, len(s.Orders))
	for i, o := range s.Orders {
		st.index[o.ClientOrderID] = i
	}
}

func (m *Monitor) Snapshot(symbol string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return Snapshot{}, false
	}
	return st.snap.clone(), true
}

// Snapshots returns every tracked symbol, sorted by name.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.symbols))
	for _, st := range m.symbols {
		out = append(out, st.snap.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Signals = append([]playbook.Signal(nil), s.Signals...)
	c.Orders = append([]broker.Order(nil), s.Orders...)
	if s.LastTrade != nil {
		tr := *s.LastTrade
		c.LastTrade = &tr
	}
	return c
}

// Halt forwards to the registered halter. symbol may be "all".
func (m *Monitor) Halt(ctx context.Context, symbol, reason string) error {
	h := m.currentHalter()
	if h == nil {
		return ErrNoHalter
	}
	m.log.WithFields(logrus.Fields{"symbol": symbol, "reason": reason}).Warn("halt requested")
	return h.Halt(ctx, symbol, reason)
}

func (m *Monitor) Resume(ctx context.Context, symbol string) error {
	h := m.currentHalter()
	if h == nil {
		return ErrNoHalter
	}
	m.log.WithField("symbol", symbol).Info("resume requested")
	return h.Resume(ctx, symbol)
}

func (m *Monitor) currentHalter() Halter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halter
}

// Print writes one line per symbol.
func (m *Monitor) Print(w io.Writer) {
	for _, s := range m.Snapshots() {
		status := "running"
		switch {
		case s.Fatal != "":
			status = "stopped: " + s.Fatal
		case s.Halted:
			status = "halted"
		}
		fmt.Fprintf(w, "%-10s %-8s %-5s qty=%-10g pl=%-10.2f signals=%d trades=%d retries=%d rejects=%d escalations=%d vetoes=%d dq=%d %s\n",
			s.Symbol, s.Position.Status, s.Position.Side, s.Position.Quantity, s.RealizedPL,
			s.Counters.Signals, s.Counters.Trades, s.Counters.Retries, s.Counters.Rejections,
			s.Counters.Escalations, s.Counters.RiskVetoes, s.Counters.DataQuality, status)
	}
}
