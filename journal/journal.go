// Package journal persists what a restart needs (last finalized bar per
// series, the position and its live orders) and keeps a record of signals,
// trades and events for later inspection.
package journal

import (
	"time"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/playbook"
)

type TradeRecord struct {
	TradeID    string
	RunID      string
	Symbol     string
	Side       market.Side
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Reason     string
}

type EventRecord struct {
	EventID string
	RunID   string
	Time    time.Time
	Symbol  string
	Kind    string
	Code    string
	Msg     string
	OrderID string
}

// BarMark is the last finalized bar of one series.
type BarMark struct {
	Symbol    string
	Timeframe market.Timeframe
	Start     time.Time
	Close     float64
}

// State is everything needed to resume one symbol.
type State struct {
	Position market.Position
	Orders   []broker.Order // non-terminal only
	Marks    []BarMark
}

type Store interface {
	SaveBarMark(m BarMark) error
	SavePosition(p market.Position) error
	SaveOrder(o broker.Order) error
	RecordSignal(runID string, s playbook.Signal) error
	RecordTrade(t TradeRecord) error
	RecordEvent(e EventRecord) error
	LoadState(symbol string) (State, error)
	Close() error
}

// Nop stores nothing and always loads a flat state.
type Nop struct{}

func (Nop) SaveBarMark(BarMark) error                  { return nil }
func (Nop) SavePosition(market.Position) error         { return nil }
func (Nop) SaveOrder(broker.Order) error               { return nil }
func (Nop) RecordSignal(string, playbook.Signal) error { return nil }
func (Nop) RecordTrade(TradeRecord) error              { return nil }
func (Nop) RecordEvent(EventRecord) error              { return nil }
func (Nop) Close() error                               { return nil }
func (Nop) LoadState(symbol string) (State, error) {
	return State{Position: market.FlatPosition(symbol)}, nil
}
