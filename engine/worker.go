// Package engine runs the per-symbol pipeline tick -> bar -> indicators ->
// signal -> orchestrator, and fans a multi-symbol feed out to one worker
// goroutine per symbol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/dreamrunner/bars"
	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/config"
	"github.com/rustyeddy/dreamrunner/indicators"
	"github.com/rustyeddy/dreamrunner/journal"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/playbook"
	"github.com/rustyeddy/dreamrunner/risk"
)

// BarObserver is implemented by gateways that simulate a market from the
// bars the pipeline sees.
type BarObserver interface {
	ObserveBar(b market.Bar)
}

// Deps are the collaborators shared by all workers of a run. A nil Store
// journals nothing. Observer defaults to Gateway when it is a BarObserver,
// which a wrapped gateway no longer is.
type Deps struct {
	Gateway    broker.Gateway
	Observer   BarObserver
	Budget     *risk.Budget
	Indicators *indicators.Engine
	Matcher    *playbook.Matcher
	Store      journal.Store
	Sink       orchestrator.EventSink
	Logger     logrus.FieldLogger
	Sleeper    orchestrator.Sleeper
	RunID      string
}

// Worker owns the whole pipeline state of one symbol. It is not safe for
// concurrent use; the Runner gives each worker its own goroutine.
type Worker struct {
	symbol   string
	tf       market.Timeframe
	agg      *bars.Aggregator
	series   *indicators.Series
	matcher  *playbook.Matcher
	machine  *orchestrator.Machine
	store    journal.Store
	sink     orchestrator.EventSink
	observer BarObserver
	log      *logrus.Entry

	lastBar  market.Bar
	haveLast bool
	handled  int64
	fatal    error
}

func NewWorker(cfg *config.Config, symbol string, d Deps) (*Worker, error) {
	if d.Gateway == nil || d.Indicators == nil || d.Matcher == nil {
		return nil, fmt.Errorf("worker %s: gateway, indicators and matcher are required", symbol)
	}
	oc, err := cfg.Orchestrator(symbol)
	if err != nil {
		return nil, err
	}
	tol, err := cfg.ToleranceDuration()
	if err != nil {
		return nil, err
	}

	store := d.Store
	if store == nil {
		store = journal.Nop{}
	}
	sink := d.Sink
	if sink == nil {
		sink = orchestrator.Discard
	}
	base := d.Logger
	if base == nil {
		base = logger.Nop()
	}
	log := logger.ForSymbol(logger.WithComponent(base, "engine"), symbol)

	w := &Worker{
		symbol:  symbol,
		tf:      cfg.Timeframe,
		agg:     bars.New(symbol, cfg.Timeframe, tol),
		series:  d.Indicators.Series(indicators.Key{Symbol: symbol, Timeframe: cfg.Timeframe}),
		matcher: d.Matcher,
		store:   store,
		log:     log,
	}
	w.observer = d.Observer
	if o, ok := d.Gateway.(BarObserver); ok && w.observer == nil {
		w.observer = o
	}

	rec := &recorder{store: store, runID: d.RunID, log: logger.WithComponent(base, "journal")}
	w.sink = orchestrator.Sinks{rec, sink}
	w.machine = orchestrator.New(oc, d.Gateway, d.Budget,
		orchestrator.WithSink(w.sink),
		orchestrator.WithLogger(logger.WithComponent(base, "orchestrator")),
		orchestrator.WithSleeper(d.Sleeper),
	)
	return w, nil
}

func (w *Worker) Symbol() string                 { return w.symbol }
func (w *Worker) Position() market.Position      { return w.machine.Position() }
func (w *Worker) Stats() bars.Stats              { return w.agg.Stats() }
func (w *Worker) BarsHandled() int64             { return w.handled }
func (w *Worker) Machine() *orchestrator.Machine { return w.machine }

// Err is the invariant violation that stopped the worker, if any.
func (w *Worker) Err() error { return w.fatal }

// Recover loads the symbol's persisted state: bar marks anchor the
// aggregator and the indicator series, and the position and its live
// orders are reconciled against the gateway.
func (w *Worker) Recover(ctx context.Context) error {
	st, err := w.store.LoadState(w.symbol)
	if err != nil {
		return fmt.Errorf("load state %s: %w", w.symbol, err)
	}
	for _, m := range st.Marks {
		if m.Timeframe != w.tf {
			continue
		}
		w.agg.Resume(m.Start, m.Close)
		w.series.Resume(m.Start)
		w.matcher.Resume(indicators.Key{Symbol: w.symbol, Timeframe: w.tf})
		w.lastBar = market.SyntheticBar(w.symbol, w.tf, m.Start, m.Close)
		w.haveLast = true
		w.log.WithField("bar", m.Start).Info("resuming after persisted bar")
	}
	if err := w.machine.Recover(ctx, st.Position, st.Orders); err != nil {
		return w.stop(err)
	}
	return nil
}

// HandleEvent feeds one market event through the pipeline. Ticks and gaps
// go through the aggregator; finished bars skip it.
func (w *Worker) HandleEvent(ctx context.Context, ev market.Event) error {
	if w.fatal != nil {
		return w.fatal
	}
	if ev.Symbol() != w.symbol {
		w.dataQuality("FOREIGN_EVENT", fmt.Sprintf("%s event for %s", ev.Kind, ev.Symbol()))
		return nil
	}

	var out []market.Bar
	switch ev.Kind {
	case market.EventTick:
		before := w.agg.Stats()
		out = w.agg.Ingest(ev.Tick)
		w.tickQuality(before, w.agg.Stats())
	case market.EventGap:
		out = w.agg.GapDetected(ev.Gap.From, ev.Gap.To)
	case market.EventBar:
		b := ev.Bar
		b.Final = true
		out = w.fillBarGap(b)
	}
	return w.handleBars(ctx, out)
}

// Advance closes the open bar once the clock is past its end plus the
// tolerance window.
func (w *Worker) Advance(ctx context.Context, now time.Time) error {
	if w.fatal != nil {
		return w.fatal
	}
	return w.handleBars(ctx, w.agg.Advance(now))
}

func (w *Worker) handleBars(ctx context.Context, out []market.Bar) error {
	for _, b := range out {
		if b.Synthetic {
			w.dataQuality("SYNTHETIC_BAR", b.Start.UTC().Format(time.RFC3339))
		}
		if err := w.HandleBar(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// HandleBar is the core shared by live and replay runs. A bar out of order
// stops the symbol before anything acts on it. The orchestrator sees the
// bar before its signal, and the signal only ever sees data up to and
// including the bar.
func (w *Worker) HandleBar(ctx context.Context, b market.Bar) error {
	if w.fatal != nil {
		return w.fatal
	}
	if err := w.series.Check(b); err != nil {
		return w.stop(fmt.Errorf("%w: %w", orchestrator.ErrInvariant, err))
	}
	if w.observer != nil {
		w.observer.ObserveBar(b)
	}
	if err := w.machine.OnBar(ctx, b); err != nil {
		return w.stop(err)
	}

	snap, err := w.series.Update(b)
	if err != nil {
		return w.stop(fmt.Errorf("%w: %w", orchestrator.ErrInvariant, err))
	}
	sig := w.matcher.Evaluate(snap, w.machine.Position())
	if err := w.machine.OnSignal(ctx, sig); err != nil {
		return w.stop(err)
	}

	if err := w.store.SaveBarMark(journal.BarMark{Symbol: w.symbol, Timeframe: b.Timeframe, Start: b.Start, Close: b.Close}); err != nil {
		w.log.WithError(err).Error("save bar mark")
	}
	w.lastBar, w.haveLast = b, true
	w.handled++
	return nil
}

// HandleFill folds an asynchronous fill event into the position.
func (w *Worker) HandleFill(ctx context.Context, ev broker.FillEvent) error {
	if w.fatal != nil {
		return w.fatal
	}
	if err := w.machine.OnFill(ctx, ev); err != nil {
		return w.stop(err)
	}
	return nil
}

func (w *Worker) Halt(ctx context.Context, reason string) error {
	if w.fatal != nil {
		return w.fatal
	}
	if err := w.machine.Halt(ctx, reason); err != nil {
		return w.stop(err)
	}
	return nil
}

func (w *Worker) Resume() error {
	if w.fatal != nil {
		return w.fatal
	}
	return w.machine.Resume()
}

// fillBarGap covers missing intervals in a finished-bar feed with synthetic
// bars carrying the previous close.
func (w *Worker) fillBarGap(b market.Bar) []market.Bar {
	if !w.haveLast || b.Timeframe != w.tf {
		return []market.Bar{b}
	}
	var out []market.Bar
	step := w.tf.Duration()
	for t := w.lastBar.Start.Add(step); t.Before(b.Start); t = t.Add(step) {
		out = append(out, market.SyntheticBar(w.symbol, w.tf, t, w.lastBar.Close))
	}
	return append(out, b)
}

func (w *Worker) tickQuality(before, after bars.Stats) {
	if after.Late > before.Late {
		w.dataQuality("LATE_TICK", "tick outside the tolerance window dropped")
	}
	if after.Invalid > before.Invalid {
		w.dataQuality("INVALID_TICK", "tick with a bad price or volume dropped")
	}
}

func (w *Worker) dataQuality(code, msg string) {
	w.sink.Publish(orchestrator.Event{
		Kind:   orchestrator.EventDataQuality,
		Symbol: w.symbol,
		Time:   w.lastBar.Start,
		Code:   code,
		Msg:    msg,
	})
	w.log.WithField("code", code).Debug(msg)
}

// stop records a fatal error. The machine reports its own violations; the
// worker reports the ones raised outside it.
func (w *Worker) stop(err error) error {
	if !errors.Is(err, orchestrator.ErrInvariant) {
		return err
	}
	w.fatal = err
	if w.machine.Err() == nil {
		w.sink.Publish(orchestrator.Event{
			Kind:   orchestrator.EventInvariant,
			Symbol: w.symbol,
			Time:   w.lastBar.Start,
			Msg:    err.Error(),
		})
		w.log.WithError(err).Error("symbol stopped")
	}
	return err
}
