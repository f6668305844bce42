package risk

import "fmt"

type Violation struct {
	Code string
	Msg  string
}

func (v Violation) String() string { return v.Code + ": " + v.Msg }

type Decision struct {
	Allowed    bool
	Violations []Violation

	Notional       float64
	PlannedRisk    float64
	PlannedRiskPct float64
	PlannedRR      float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Reason joins the violation codes.
func (d Decision) Reason() string {
	s := ""
	for i, v := range d.Violations {
		if i > 0 {
			s += ","
		}
		s += v.Code
	}
	return s
}

// Evaluate checks an entry against the limits given the current usage.
// Any violation is a hard veto.
func Evaluate(l Limits, in Intent, u Usage) Decision {
	d := Decision{Allowed: true}

	if in.Quantity <= 0 || in.Price <= 0 {
		d.add("NO_QUANTITY", "quantity and price must be positive")
		return d
	}

	d.Notional = in.Notional()
	d.PlannedRisk = PlannedRisk(in.Quantity, in.Price, in.StopLoss)
	if in.Equity > 0 {
		d.PlannedRiskPct = RiskPct(d.PlannedRisk, in.Equity)
	}
	if in.StopLoss > 0 && in.TakeProfit > 0 {
		d.PlannedRR = RR(in.Price, in.StopLoss, in.TakeProfit)
	}

	if l.MaxPositionNotional > 0 && d.Notional > l.MaxPositionNotional {
		d.add("POSITION_NOTIONAL",
			fmt.Sprintf("notional %.2f exceeds max %.2f", d.Notional, l.MaxPositionNotional))
	}
	if l.MaxConcurrentPositions > 0 && u.OpenPositions >= l.MaxConcurrentPositions {
		d.add("TOO_MANY_POSITIONS",
			fmt.Sprintf("open positions %d >= max %d", u.OpenPositions, l.MaxConcurrentPositions))
	}
	if l.MaxTotalNotional > 0 && u.OpenNotional+d.Notional > l.MaxTotalNotional {
		d.add("TOTAL_NOTIONAL",
			fmt.Sprintf("open notional %.2f + %.2f exceeds max %.2f", u.OpenNotional, d.Notional, l.MaxTotalNotional))
	}
	if l.MinRR > 0 && d.PlannedRR > 0 && d.PlannedRR < l.MinRR {
		d.add("RR_TOO_LOW", fmt.Sprintf("RR %.2f below minimum %.2f", d.PlannedRR, l.MinRR))
	}
	return d
}
