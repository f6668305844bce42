package market

import (
	"fmt"
	"time"
)

// Bar is a fixed-interval OHLCV aggregate for one symbol and timeframe.
// Only the most recent bar of a series may have Final == false.
type Bar struct {
	Symbol    string
	Timeframe Timeframe
	Start     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Final     bool

	// Synthetic bars cover data gaps and carry the last known close.
	Synthetic bool
}

// End returns the exclusive end of the bar interval.
func (b Bar) End() time.Time {
	return b.Start.Add(b.Timeframe.Duration())
}

func (b Bar) String() string {
	flag := ""
	if b.Synthetic {
		flag = " synthetic"
	}
	return fmt.Sprintf("%s %s %s O=%.5f H=%.5f L=%.5f C=%.5f V=%.2f%s",
		b.Symbol, b.Timeframe, b.Start.UTC().Format(time.RFC3339),
		b.Open, b.High, b.Low, b.Close, b.Volume, flag)
}

// SyntheticBar fabricates a final bar at start carrying price as OHLC.
func SyntheticBar(symbol string, tf Timeframe, start time.Time, price float64) Bar {
	return Bar{
		Symbol:    symbol,
		Timeframe: tf,
		Start:     start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Final:     true,
		Synthetic: true,
	}
}
