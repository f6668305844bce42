package market

import (
	"math"
	"time"
)

// Side of a position or order.
type Side int8

const (
	NoSide Side = 0
	Long   Side = +1
	Short  Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "none"
	}
}

// Opposite returns the side that closes a position on s.
func (s Side) Opposite() Side { return -s }

func ParseSide(s string) Side {
	switch s {
	case "long", "buy", "LONG", "BUY":
		return Long
	case "short", "sell", "SHORT", "SELL":
		return Short
	default:
		return NoSide
	}
}

type PositionStatus int

const (
	Flat PositionStatus = iota
	Opening
	Open
	Closing
)

func (s PositionStatus) String() string {
	switch s {
	case Flat:
		return "flat"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

func ParsePositionStatus(s string) (PositionStatus, bool) {
	switch s {
	case "flat":
		return Flat, true
	case "opening":
		return Opening, true
	case "open":
		return Open, true
	case "closing":
		return Closing, true
	default:
		return Flat, false
	}
}

// Position is the orchestrator's authoritative view of one symbol.
// A flat position is a valid value, never an absence.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
	Status     PositionStatus
	OpenedAt   time.Time
}

// FlatPosition returns the degenerate position for symbol.
func FlatPosition(symbol string) Position {
	return Position{Symbol: symbol, Status: Flat}
}

func (p Position) IsFlat() bool { return p.Status == Flat }

// Notional is the absolute entry value of the position.
func (p Position) Notional() float64 {
	return math.Abs(p.Quantity * p.EntryPrice)
}

// UnrealizedPL marks the position at price.
func (p Position) UnrealizedPL(price float64) float64 {
	return float64(p.Side) * (price - p.EntryPrice) * p.Quantity
}
