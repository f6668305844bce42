package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
)

// ErrStopped is returned for commands sent to a symbol whose worker is no
// longer running.
var ErrStopped = errors.New("worker stopped")

// All addresses every symbol in Halt and Resume.
const All = "all"

type inputKind int

const (
	inEvent inputKind = iota
	inFill
	inAdvance
	inHalt
	inResume
)

type input struct {
	kind   inputKind
	ev     market.Event
	fill   broker.FillEvent
	now    time.Time
	reason string
	reply  chan error
}

// lane is the inbox of one worker. Commands share it with market data so a
// halt is handled in order with the bars before it.
type lane struct {
	w    *Worker
	in   chan input
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (l *lane) send(ctx context.Context, in input) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrStopped
	}
	select {
	case l.in <- in:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lane) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
}

// Runner drives one Worker per symbol, each on its own goroutine. Market
// events and fills are demultiplexed by symbol; within a symbol they are
// handled strictly in arrival order.
type Runner struct {
	gw      broker.Gateway
	lanes   map[string]*lane
	symbols []string
	log     *logrus.Entry

	queue     int
	heartbeat time.Duration
	flatten   bool

	mu      sync.Mutex
	fatal   map[string]error
	unknown int64
}

type RunnerOption func(*Runner)

// WithQueue sets the inbox size of each worker.
func WithQueue(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.queue = n
		}
	}
}

// WithHeartbeat advances every aggregator with the wall clock at interval d,
// so a quiet symbol still closes its bars.
func WithHeartbeat(d time.Duration) RunnerOption {
	return func(r *Runner) { r.heartbeat = d }
}

// WithFlattenAtEnd halts every symbol when the event stream ends, closing
// open positions before the workers stop.
func WithFlattenAtEnd() RunnerOption {
	return func(r *Runner) { r.flatten = true }
}

func WithRunnerLogger(l logrus.FieldLogger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = logger.WithComponent(l, "runner")
		}
	}
}

func NewRunner(gw broker.Gateway, workers []*Worker, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		gw:    gw,
		lanes: make(map[string]*lane),
		log:   logger.WithComponent(logger.Nop(), "runner"),
		queue: 1024,
		fatal: make(map[string]error),
	}
	for _, o := range opts {
		o(r)
	}
	for _, w := range workers {
		if _, dup := r.lanes[w.Symbol()]; dup {
			return nil, fmt.Errorf("duplicate worker for %s", w.Symbol())
		}
		r.lanes[w.Symbol()] = &lane{w: w, in: make(chan input, r.queue), done: make(chan struct{})}
		r.symbols = append(r.symbols, w.Symbol())
	}
	sort.Strings(r.symbols)
	return r, nil
}

func (r *Runner) Symbols() []string { return append([]string(nil), r.symbols...) }

// Worker returns the worker of symbol. Its state must only be read after
// Run has returned.
func (r *Runner) Worker(symbol string) (*Worker, bool) {
	l, ok := r.lanes[symbol]
	if !ok {
		return nil, false
	}
	return l.w, true
}

// Run consumes events until the channel is closed or ctx is cancelled. On a
// closed channel every worker drains its inbox first; on cancellation each
// worker finishes the item in hand. Run returns ctx's error when cancelled.
func (r *Runner) Run(ctx context.Context, events <-chan market.Event) error {
	g, gctx := errgroup.WithContext(ctx)

	var wg sync.WaitGroup
	for _, sym := range r.symbols {
		l := r.lanes[sym]
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			defer close(l.done)
			r.work(gctx, l)
			return nil
		})
	}

	g.Go(func() error {
		defer r.closeLanes()
		return r.dispatch(gctx, events)
	})

	err := g.Wait()
	wg.Wait()
	r.log.WithField("symbols", len(r.symbols)).Info("runner stopped")
	return err
}

func (r *Runner) dispatch(ctx context.Context, events <-chan market.Event) error {
	fills := r.gw.Fills()

	var tick <-chan time.Time
	if r.heartbeat > 0 {
		t := time.NewTicker(r.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if r.flatten {
					r.broadcast(ctx, input{kind: inHalt, reason: "end_of_data"})
				}
				return nil
			}
			r.route(ctx, ev.Symbol(), input{kind: inEvent, ev: ev})

		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			r.route(ctx, f.Symbol, input{kind: inFill, fill: f})

		case now := <-tick:
			r.broadcast(ctx, input{kind: inAdvance, now: now})
		}
	}
}

func (r *Runner) route(ctx context.Context, symbol string, in input) {
	l, ok := r.lanes[symbol]
	if !ok {
		r.mu.Lock()
		r.unknown++
		r.mu.Unlock()
		r.log.WithField("symbol", symbol).Debug("no worker for symbol, dropped")
		return
	}
	if err := l.send(ctx, in); err != nil && !errors.Is(err, ErrStopped) {
		r.log.WithError(err).WithField("symbol", symbol).Debug("input not delivered")
	}
}

func (r *Runner) broadcast(ctx context.Context, in input) {
	for _, sym := range r.symbols {
		r.route(ctx, sym, in)
	}
}

func (r *Runner) closeLanes() {
	for _, l := range r.lanes {
		l.close()
	}
}

func (r *Runner) work(ctx context.Context, l *lane) {
	log := logger.ForSymbol(r.log, l.w.Symbol())
	log.Debug("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-l.in:
			if !ok {
				log.Debug("worker drained")
				return
			}
			err := r.handle(ctx, l.w, in)
			if in.reply != nil {
				in.reply <- err
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, w *Worker, in input) error {
	var err error
	switch in.kind {
	case inEvent:
		err = w.HandleEvent(ctx, in.ev)
	case inFill:
		err = w.HandleFill(ctx, in.fill)
	case inAdvance:
		err = w.Advance(ctx, in.now)
	case inHalt:
		err = w.Halt(ctx, in.reason)
	case inResume:
		err = w.Resume()
	}
	if werr := w.Err(); werr != nil {
		r.mu.Lock()
		if _, seen := r.fatal[w.Symbol()]; !seen {
			r.fatal[w.Symbol()] = werr
		}
		r.mu.Unlock()
	}
	return err
}

// Halt stops entries on symbol (or All) and flattens its position. It waits
// until the worker has handled the command.
func (r *Runner) Halt(ctx context.Context, symbol, reason string) error {
	return r.command(ctx, symbol, input{kind: inHalt, reason: reason})
}

func (r *Runner) Resume(ctx context.Context, symbol string) error {
	return r.command(ctx, symbol, input{kind: inResume})
}

func (r *Runner) command(ctx context.Context, symbol string, in input) error {
	targets := []string{symbol}
	if symbol == All {
		targets = r.symbols
	}

	var errs []error
	for _, sym := range targets {
		l, ok := r.lanes[sym]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown symbol %q", sym))
			continue
		}
		c := in
		c.reply = make(chan error, 1)
		if err := l.send(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		select {
		case err := <-c.reply:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			}
		case <-l.done:
			errs = append(errs, fmt.Errorf("%s: %w", sym, ErrStopped))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Fatal returns the invariant violations that stopped workers, by symbol.
func (r *Runner) Fatal() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.fatal))
	for k, v := range r.fatal {
		out[k] = v
	}
	return out
}

// Unrouted counts events and fills for symbols without a worker.
func (r *Runner) Unrouted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unknown
}
