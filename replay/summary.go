package replay

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/dreamrunner/orchestrator"
)

// Summary is the performance of a finished run. Percentages are 0..100.
type Summary struct {
	Trades      int
	Wins        int
	Losses      int
	WinRate     float64
	NetPL       float64
	AvgTrade    float64
	AvgWin      float64
	AvgLoss     float64
	BestTrade   float64
	WorstTrade  float64
	StartEquity float64
	EndEquity   float64
	ROI         float64

	// MaxDrawdown is the largest peak-to-trough fall of the closed-trade
	// equity curve, MaxDrawdownPct the same relative to the peak.
	MaxDrawdown    float64
	MaxDrawdownPct float64
}

// Summarize walks trades in close order starting from equity. P/L is summed
// in decimal so the totals do not depend on trade order.
func Summarize(equity float64, trades []orchestrator.Trade) Summary {
	s := Summary{StartEquity: equity, EndEquity: equity}
	if len(trades) == 0 {
		return s
	}

	sorted := append([]orchestrator.Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ExitTime.Equal(sorted[j].ExitTime) {
			return sorted[i].ExitTime.Before(sorted[j].ExitTime)
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	start := decimal.NewFromFloat(equity)
	curve := start
	peak := start
	net, wins, losses := decimal.Zero, decimal.Zero, decimal.Zero
	maxDD, maxDDPct := decimal.Zero, decimal.Zero

	s.BestTrade = sorted[0].PnL
	s.WorstTrade = sorted[0].PnL
	for _, t := range sorted {
		pl := decimal.NewFromFloat(t.PnL)
		net = net.Add(pl)
		switch {
		case t.PnL > 0:
			s.Wins++
			wins = wins.Add(pl)
		case t.PnL < 0:
			s.Losses++
			losses = losses.Add(pl)
		}
		if t.PnL > s.BestTrade {
			s.BestTrade = t.PnL
		}
		if t.PnL < s.WorstTrade {
			s.WorstTrade = t.PnL
		}

		curve = curve.Add(pl)
		if curve.GreaterThan(peak) {
			peak = curve
		}
		if dd := peak.Sub(curve); dd.GreaterThan(maxDD) {
			maxDD = dd
			if peak.IsPositive() {
				maxDDPct = dd.Div(peak).Mul(decimal.NewFromInt(100))
			}
		}
	}

	n := decimal.NewFromInt(int64(len(sorted)))
	s.Trades = len(sorted)
	s.WinRate = pct(decimal.NewFromInt(int64(s.Wins)), n)
	s.NetPL = net.InexactFloat64()
	s.AvgTrade = net.Div(n).InexactFloat64()
	if s.Wins > 0 {
		s.AvgWin = wins.Div(decimal.NewFromInt(int64(s.Wins))).InexactFloat64()
	}
	if s.Losses > 0 {
		s.AvgLoss = losses.Div(decimal.NewFromInt(int64(s.Losses))).InexactFloat64()
	}
	s.EndEquity = curve.InexactFloat64()
	if start.IsPositive() {
		s.ROI = pct(net, start)
	}
	s.MaxDrawdown = maxDD.InexactFloat64()
	s.MaxDrawdownPct = maxDDPct.Round(2).InexactFloat64()
	return s
}

func pct(a, b decimal.Decimal) float64 {
	return a.Div(b).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// Print writes the summary in the layout of the CLI reports.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Trades:        %d (%d won, %d lost)\n", s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(w, "Win rate:      %.2f%%\n", s.WinRate)
	fmt.Fprintf(w, "Net P/L:       %.2f\n", s.NetPL)
	fmt.Fprintf(w, "Avg trade:     %.2f (win %.2f, loss %.2f)\n", s.AvgTrade, s.AvgWin, s.AvgLoss)
	fmt.Fprintf(w, "Best / worst:  %.2f / %.2f\n", s.BestTrade, s.WorstTrade)
	fmt.Fprintf(w, "Equity:        %.2f -> %.2f (ROI %.2f%%)\n", s.StartEquity, s.EndEquity, s.ROI)
	fmt.Fprintf(w, "Max drawdown:  %.2f (%.2f%%)\n", s.MaxDrawdown, s.MaxDrawdownPct)
}
