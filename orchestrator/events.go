package orchestrator

import (
	"time"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/playbook"
)

type EventKind int

const (
	EventSignal EventKind = iota
	EventIntent
	EventOrder
	EventPosition
	EventTrade
	EventRetry
	EventRejected
	EventEscalation
	EventRiskVeto
	EventDataQuality
	EventInvariant
	EventHalted
	EventResumed
	EventReconciled
)

var eventNames = [...]string{
	EventSignal:      "signal",
	EventIntent:      "intent",
	EventOrder:       "order",
	EventPosition:    "position",
	EventTrade:       "trade",
	EventRetry:       "retry",
	EventRejected:    "rejected",
	EventEscalation:  "escalation",
	EventRiskVeto:    "risk_veto",
	EventDataQuality: "data_quality",
	EventInvariant:   "invariant",
	EventHalted:      "halted",
	EventResumed:     "resumed",
	EventReconciled:  "reconciled",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Trade is a position from first entry fill to flat.
type Trade struct {
	Symbol     string
	Side       market.Side
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	PnL        float64
	Reason     string
}

// Event is everything the machine reports. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind     EventKind
	Symbol   string
	Time     time.Time // bar time the machine was reacting to
	Signal   playbook.Signal
	Order    broker.Order
	Position market.Position
	Trade    Trade
	Attempt  int
	Code     string
	Msg      string
}

type EventSink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Sinks fans an event out in order.
type Sinks []EventSink

func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

var Discard EventSink = SinkFunc(func(Event) {})
