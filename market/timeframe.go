package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the bar interval.
type Timeframe time.Duration

const (
	M1  = Timeframe(time.Minute)
	M3  = Timeframe(3 * time.Minute)
	M5  = Timeframe(5 * time.Minute)
	M15 = Timeframe(15 * time.Minute)
	M30 = Timeframe(30 * time.Minute)
	H1  = Timeframe(time.Hour)
	H2  = Timeframe(2 * time.Hour)
	H4  = Timeframe(4 * time.Hour)
	H6  = Timeframe(6 * time.Hour)
	H8  = Timeframe(8 * time.Hour)
	H12 = Timeframe(12 * time.Hour)
	D1  = Timeframe(24 * time.Hour)
	D3  = Timeframe(72 * time.Hour)
	W1  = Timeframe(7 * 24 * time.Hour)
)

var timeframes = map[string]Timeframe{
	"1m": M1, "3m": M3, "5m": M5, "15m": M15, "30m": M30,
	"1h": H1, "2h": H2, "4h": H4, "6h": H6, "8h": H8, "12h": H12,
	"1d": D1, "3d": D3, "1w": W1,

	"M1": M1, "M5": M5, "M15": M15, "M30": M30,
	"H1": H1, "H4": H4, "D1": D1, "W1": W1,
}

// ParseTimeframe accepts exchange style ("1m", "4h") and OANDA style
// ("M1", "H4") interval names.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if tf, ok := timeframes[s]; ok {
		return tf, nil
	}
	// "1M" is a calendar month in exchange style, not a fixed duration.
	if strings.HasSuffix(s, "M") {
		return 0, fmt.Errorf("unsupported timeframe: %q (month intervals have no fixed length)", s)
	}
	if tf, ok := timeframes[strings.ToLower(s)]; ok {
		return tf, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %q", s)
}

func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

// Truncate returns the start of the interval containing t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

func (tf Timeframe) String() string {
	d := tf.Duration()
	switch {
	case d <= 0:
		return "0"
	case d%(7*24*time.Hour) == 0:
		return fmt.Sprintf("%dw", d/(7*24*time.Hour))
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

func (tf *Timeframe) UnmarshalText(b []byte) error {
	v, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = v
	return nil
}
