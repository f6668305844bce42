// Package playbook turns indicator snapshots into trade signals by scanning
// an ordered list of declarative rules.
package playbook

import (
	"fmt"
	"strings"
	"time"
)

type SignalKind int

const (
	Hold SignalKind = iota
	EnterLong
	EnterShort
	ExitPosition
)

func (k SignalKind) String() string {
	switch k {
	case Hold:
		return "hold"
	case EnterLong:
		return "enter_long"
	case EnterShort:
		return "enter_short"
	case ExitPosition:
		return "exit"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// IsEntry reports whether k opens a position.
func (k SignalKind) IsEntry() bool { return k == EnterLong || k == EnterShort }

func ParseSignalKind(s string) (SignalKind, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "hold":
		return Hold, nil
	case "enter_long", "enterlong", "long", "buy":
		return EnterLong, nil
	case "enter_short", "entershort", "short", "sell":
		return EnterShort, nil
	case "exit", "exit_position", "exitposition", "close":
		return ExitPosition, nil
	}
	return Hold, fmt.Errorf("unknown signal kind %q", s)
}

func (k SignalKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SignalKind) UnmarshalText(b []byte) error {
	v, err := ParseSignalKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Signal is produced fresh on every evaluation and is never authoritative
// state.
type Signal struct {
	Symbol string
	Time   time.Time // start of the bar that was evaluated
	Kind   SignalKind
	RuleID string // empty for the default Hold
	Price  float64
}

func (s Signal) String() string {
	rule := s.RuleID
	if rule == "" {
		rule = "-"
	}
	return fmt.Sprintf("%s %s %s rule=%s", s.Symbol, s.Time.UTC().Format(time.RFC3339), s.Kind, rule)
}
