package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/dreamrunner/market"
)

var (
	ErrNoSizing    = errors.New("no sizing rule applies")
	ErrBelowMinQty = errors.New("quantity below minimum")
)

// PlannedRisk is the absolute loss if the stop is hit.
func PlannedRisk(qty, entry, stop float64) float64 {
	if stop == 0 {
		return 0
	}
	return math.Abs(qty * (entry - stop))
}

// RR is reward over risk for a planned trade.
func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	reward := math.Abs(takeProfit - entry)
	if risk == 0 {
		return 0
	}
	return reward / risk
}

func RiskPct(plannedRisk, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return plannedRisk / equity
}

// Plan is a sized entry.
type Plan struct {
	Side       market.Side
	Price      float64
	Quantity   float64
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
	RiskAmount float64
}

func (p Plan) Notional() float64 { return math.Abs(p.Quantity * p.Price) }

// Levels returns the stop-loss and take-profit prices for an entry at price.
func (s Sizing) Levels(side market.Side, price float64) (stop, tp float64) {
	dir := float64(side)
	if s.StopLossPct > 0 {
		stop = price * (1 - dir*s.StopLossPct)
	}
	if s.TakeProfitPct > 0 {
		tp = price * (1 + dir*s.TakeProfitPct)
	}
	return stop, tp
}

// Size computes the entry quantity. With a stop and RiskPct the quantity
// risks RiskPct of equity to the stop; otherwise FixedNotional is spent.
// The result is rounded down to LotStep.
func Size(s Sizing, side market.Side, price, equity float64) (Plan, error) {
	if side == market.NoSide {
		return Plan{}, fmt.Errorf("size: no side")
	}
	if !(price > 0) {
		return Plan{}, fmt.Errorf("size: price must be positive, got %g", price)
	}

	stop, tp := s.Levels(side, price)
	p := Plan{Side: side, Price: price, StopLoss: stop, TakeProfit: tp}

	var qty decimal.Decimal
	switch {
	case s.RiskPct > 0 && stop > 0 && equity > 0:
		riskAmt := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(s.RiskPct))
		dist := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(stop)).Abs()
		qty = riskAmt.Div(dist)
	case s.FixedNotional > 0:
		qty = decimal.NewFromFloat(s.FixedNotional).Div(decimal.NewFromFloat(price))
	default:
		return Plan{}, ErrNoSizing
	}

	if s.LotStep > 0 {
		step := decimal.NewFromFloat(s.LotStep)
		qty = qty.Div(step).Floor().Mul(step)
	}
	p.Quantity = qty.InexactFloat64()
	if p.Quantity <= 0 || p.Quantity < s.MinQty {
		return p, fmt.Errorf("%w: %g < %g", ErrBelowMinQty, p.Quantity, s.MinQty)
	}
	p.RiskAmount = PlannedRisk(p.Quantity, price, stop)
	return p, nil
}
