package orchestrator

import (
	"context"
	"time"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/risk"
)

type Config struct {
	Symbol    string
	OrderType broker.OrderType // entries only, exits are always market orders
	Sizing    risk.Sizing
	Equity    float64

	// EntryRetries is the number of transient retries after the first entry
	// attempt. ExitRetries is the same for exits before escalation; exits
	// keep going one attempt per bar afterwards.
	EntryRetries int
	ExitRetries  int

	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64

	// SubmitTimeout bounds one gateway call. Calls ignore the caller's
	// cancellation so shutdown never cuts a submission short.
	SubmitTimeout time.Duration
}

func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:        symbol,
		OrderType:     broker.Market,
		Sizing:        risk.Sizing{FixedNotional: 1000, StopLossPct: 0.02, TakeProfitPct: 0.04, LotStep: 0.001},
		Equity:        10000,
		EntryRetries:  2,
		ExitRetries:   5,
		BackoffMin:    250 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		BackoffFactor: 2,
		SubmitTimeout: 10 * time.Second,
	}
}

// Sleeper waits between retries. It returns early with ctx's error.
type Sleeper func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoWait retries immediately. Replay uses it so runs do not depend on the
// wall clock.
func NoWait(context.Context, time.Duration) error { return nil }
