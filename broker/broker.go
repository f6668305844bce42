// Package broker is the boundary to the execution gateway. The orchestrator
// calls the gateway to place and cancel orders; fills come back on a
// one-directional channel so neither side holds a reference to the other.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/dreamrunner/market"
)

type Gateway interface {
	// SubmitOrder is idempotent by ClientOrderID: resubmitting an id the
	// gateway already knows returns that order's current state.
	SubmitOrder(ctx context.Context, o Order) (Ack, error)
	CancelOrder(ctx context.Context, clientOrderID string) (Ack, error)
	// Reconcile lists the non-terminal orders the gateway holds for symbol.
	Reconcile(ctx context.Context, symbol string) ([]OpenOrder, error)
	// Fills delivers fill events at least once and possibly out of order.
	Fills() <-chan FillEvent
}

type OrderType int

const (
	Market OrderType = iota
	Limit
)

func (t OrderType) String() string {
	if t == Limit {
		return "limit"
	}
	return "market"
}

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "", "market":
		return Market, nil
	case "limit":
		return Limit, nil
	}
	return Market, fmt.Errorf("unknown order type %q", s)
}

type OrderStatus int

const (
	Pending OrderStatus = iota
	Submitted
	PartiallyFilled
	Filled
	Canceled
	Rejected
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Submitted:
		return "submitted"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	for st := Pending; st <= Rejected; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return Pending, false
}

// Terminal statuses never change again.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Canceled || s == Rejected
}

// Purpose tells whether an order opens or flattens a position.
type Purpose string

const (
	Entry Purpose = "entry"
	Exit  Purpose = "exit"
)

// Order is one logical order intent. ClientOrderID stays the same across
// transient retries of the same intent.
type Order struct {
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Type          OrderType
	Price         float64 // reference price; the limit price for Limit orders
	Quantity      float64
	Purpose       Purpose
	Status        OrderStatus
	RetryCount    int
	FilledQty     float64
	AvgPrice      float64
	CreatedAt     time.Time // bar time of the signal that produced it
}

func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

func (o Order) String() string {
	return fmt.Sprintf("%s %s %s %s %g@%g %s filled=%g",
		o.ClientOrderID, o.Purpose, o.Side, o.Type, o.Quantity, o.Price, o.Status, o.FilledQty)
}

// Ack is the gateway's view of an order after a call. It always carries the
// cumulative fill so an idempotent resubmission reveals fills that happened
// while the caller was not looking.
type Ack struct {
	ClientOrderID string
	ExchangeID    string
	Status        OrderStatus
	FilledQty     float64
	AvgPrice      float64
}

// FillEvent reports the cumulative filled quantity of an order. Duplicates
// and stale events carry a FilledQty no larger than one already seen.
type FillEvent struct {
	ClientOrderID string
	Symbol        string
	FilledQty     float64
	Price         float64 // average fill price so far
	Status        OrderStatus
	Time          time.Time
}

// OpenOrder is an order the gateway still considers live.
type OpenOrder struct {
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	Status        OrderStatus
}

// ClientOrderID derives the idempotency key of an intent from its symbol,
// the signal's bar time, purpose and side. Generation 0 is the first order
// of an intent; an exit that has to be replaced after a rejection or cancel
// uses 1, 2, ...
func ClientOrderID(symbol string, ts time.Time, p Purpose, side market.Side, generation int) string {
	kind := "E"
	if p == Exit {
		kind = "X"
	}
	s := "B"
	if side == market.Short {
		s = "S"
	}
	id := fmt.Sprintf("%s-%s-%s%s", symbol, ts.UTC().Format("20060102T150405"), kind, s)
	if generation > 0 {
		id = fmt.Sprintf("%s-r%d", id, generation)
	}
	return id
}
