// Package replay drives recorded market data through the same pipeline a
// live run uses and summarizes the result.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/broker/sim"
	"github.com/rustyeddy/dreamrunner/config"
	"github.com/rustyeddy/dreamrunner/engine"
	"github.com/rustyeddy/dreamrunner/journal"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/pkg/id"
)

// Options controls a replay run. Only Config is required.
type Options struct {
	Config *config.Config

	// Gateway defaults to a fresh simulated exchange.
	Gateway broker.Gateway
	Store   journal.Store
	Sink    orchestrator.EventSink
	Logger  logrus.FieldLogger
	RunID   string

	// FlattenAtEnd closes positions still open when the data runs out.
	FlattenAtEnd bool
}

type Result struct {
	RunID     string
	Trades    []orchestrator.Trade
	Summary   Summary
	Positions map[string]market.Position
	Fatal     map[string]error
	Bars      map[string]int64
}

// BarEvents turns bars into pipeline events, keeping their order.
func BarEvents(bars []market.Bar) []market.Event {
	out := make([]market.Event, len(bars))
	for i, b := range bars {
		out[i] = market.BarEvent(b)
	}
	return out
}

// TickEvents turns ticks into pipeline events. Each symbol's stream ends
// with a gap notice covering the rest of its last bar, so that bar is
// finalized as it would be when a live feed goes quiet.
func TickEvents(ticks []market.Tick, tf market.Timeframe) []market.Event {
	out := make([]market.Event, 0, len(ticks)+4)
	last := make(map[string]time.Time)
	var order []string
	for _, t := range ticks {
		if _, ok := last[t.Symbol]; !ok {
			order = append(order, t.Symbol)
		}
		if t.Time.After(last[t.Symbol]) {
			last[t.Symbol] = t.Time
		}
		out = append(out, market.TickEvent(t))
	}
	sort.Strings(order)
	for _, sym := range order {
		end := tf.Truncate(last[sym]).Add(tf.Duration())
		out = append(out, market.GapEvent(market.Gap{Symbol: sym, From: last[sym], To: end}))
	}
	return out
}

type tradeLog struct {
	mu     sync.Mutex
	trades []orchestrator.Trade
}

func (l *tradeLog) Publish(e orchestrator.Event) {
	if e.Kind != orchestrator.EventTrade {
		return
	}
	l.mu.Lock()
	l.trades = append(l.trades, e.Trade)
	l.mu.Unlock()
}

// Run feeds events through one worker per configured symbol. Retries do
// not wait, since simulated time does not pass between attempts.
func Run(ctx context.Context, opts Options, events []market.Event) (Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return Result{}, fmt.Errorf("replay: Config is required")
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = id.New()
	}
	base := opts.Logger
	if base == nil {
		base = logger.Nop()
	}
	log := logger.WithComponent(base, "replay").WithField("run", runID)

	gw := opts.Gateway
	if gw == nil {
		gw = sim.New(sim.WithPartialFills(cfg.Execution.PartialFills))
	}

	trades := &tradeLog{}
	workers, err := engine.NewWorkers(cfg, engine.Deps{
		Gateway: gw,
		Store:   opts.Store,
		Sink:    orchestrator.Sinks{trades, opts.Sink},
		Logger:  base,
		Sleeper: orchestrator.NoWait,
		RunID:   runID,
	})
	if err != nil {
		return Result{}, err
	}

	ropts := []engine.RunnerOption{engine.WithRunnerLogger(base)}
	if opts.FlattenAtEnd {
		ropts = append(ropts, engine.WithFlattenAtEnd())
	}
	runner, err := engine.NewRunner(gw, workers, ropts...)
	if err != nil {
		return Result{}, err
	}

	ch := make(chan market.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	log.WithField("events", len(events)).Info("replay started")
	if err := runner.Run(ctx, ch); err != nil {
		return Result{}, err
	}

	res := Result{
		RunID:     runID,
		Trades:    trades.trades,
		Positions: make(map[string]market.Position, len(workers)),
		Fatal:     runner.Fatal(),
		Bars:      make(map[string]int64, len(workers)),
	}
	sort.SliceStable(res.Trades, func(i, j int) bool {
		if !res.Trades[i].ExitTime.Equal(res.Trades[j].ExitTime) {
			return res.Trades[i].ExitTime.Before(res.Trades[j].ExitTime)
		}
		return res.Trades[i].Symbol < res.Trades[j].Symbol
	})
	for _, w := range workers {
		res.Positions[w.Symbol()] = w.Position()
		res.Bars[w.Symbol()] = w.BarsHandled()
	}
	res.Summary = Summarize(cfg.Account.Balance, res.Trades)

	log.WithFields(logrus.Fields{
		"trades": res.Summary.Trades,
		"net_pl": res.Summary.NetPL,
		"fatal":  len(res.Fatal),
	}).Info("replay finished")
	return res, nil
}
