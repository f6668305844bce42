// Package orchestrator holds the per-symbol position state machine:
// Flat -> Opening -> Open -> Closing -> Flat. It sizes entries under the
// shared risk budget, places orders through the gateway and folds acks and
// fill events back into the position.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/playbook"
	"github.com/rustyeddy/dreamrunner/risk"
)

const eps = 1e-9

// Machine is not safe for concurrent use. Each symbol worker owns one.
type Machine struct {
	cfg     Config
	gw      broker.Gateway
	budget  *risk.Budget
	sink    EventSink
	log     *logrus.Entry
	sleep   Sleeper
	backoff *backoff.Backoff

	equity    float64
	pos       market.Position
	active    *broker.Order
	now       time.Time // start of the bar being handled
	lastClose float64

	exitStart   time.Time
	exitGen     int
	exitTries   int
	escalated   bool
	exitReason  string
	closedQty   float64
	closedValue float64

	done      map[string]bool
	abandoned map[string]broker.Order

	halted bool
	fatal  error
}

type Option func(*Machine)

func WithSink(s EventSink) Option {
	return func(m *Machine) {
		if s != nil {
			m.sink = s
		}
	}
}

func WithLogger(e *logrus.Entry) Option {
	return func(m *Machine) {
		if e != nil {
			m.log = e
		}
	}
}

func WithSleeper(s Sleeper) Option {
	return func(m *Machine) {
		if s != nil {
			m.sleep = s
		}
	}
}

// New returns a flat machine for cfg.Symbol. A nil budget gets a private,
// unlimited one.
func New(cfg Config, gw broker.Gateway, budget *risk.Budget, opts ...Option) *Machine {
	if budget == nil {
		budget = risk.NewBudget(risk.Limits{})
	}
	m := &Machine{
		cfg:    cfg,
		gw:     gw,
		budget: budget,
		sink:   Discard,
		log:    logger.WithComponent(logger.Nop(), "orchestrator"),
		sleep:  Sleep,
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: cfg.BackoffFactor,
		},
		equity:    cfg.Equity,
		pos:       market.FlatPosition(cfg.Symbol),
		done:      make(map[string]bool),
		abandoned: make(map[string]broker.Order),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logger.ForSymbol(m.log, cfg.Symbol)
	return m
}

func (m *Machine) Symbol() string            { return m.cfg.Symbol }
func (m *Machine) Position() market.Position { return m.pos }
func (m *Machine) Equity() float64           { return m.equity }
func (m *Machine) Halted() bool              { return m.halted }

// Err is the invariant violation that stopped the machine, if any.
func (m *Machine) Err() error { return m.fatal }

// ActiveOrder is the entry or exit order the machine is waiting on.
func (m *Machine) ActiveOrder() (broker.Order, bool) {
	if m.active == nil {
		return broker.Order{}, false
	}
	return *m.active, true
}

// OnBar must be called for every finalized bar before the bar's signal.
// It checks stop-loss and take-profit, and drives pending exits and entries
// one more step.
func (m *Machine) OnBar(ctx context.Context, b market.Bar) error {
	if m.fatal != nil {
		return m.fatal
	}
	m.now = b.Start
	m.lastClose = b.Close

	switch m.pos.Status {
	case market.Open:
		if m.halted {
			return m.beginExit(ctx, b.Start, "halt")
		}
		if reason := m.breach(b); reason != "" {
			return m.beginExit(ctx, b.Start, reason)
		}
	case market.Closing:
		if m.active == nil || m.active.Status == broker.Pending {
			return m.driveExit(ctx, 1)
		}
	case market.Opening:
		if m.active != nil && m.active.Status == broker.Pending {
			return m.driveEntry(ctx)
		}
	}
	return nil
}

func (m *Machine) breach(b market.Bar) string {
	p := m.pos
	switch p.Side {
	case market.Long:
		if p.StopLoss > 0 && b.Low <= p.StopLoss {
			return "stop_loss"
		}
		if p.TakeProfit > 0 && b.High >= p.TakeProfit {
			return "take_profit"
		}
	case market.Short:
		if p.StopLoss > 0 && b.High >= p.StopLoss {
			return "stop_loss"
		}
		if p.TakeProfit > 0 && b.Low <= p.TakeProfit {
			return "take_profit"
		}
	}
	return ""
}

// OnSignal reacts to the matcher's output for the current bar.
func (m *Machine) OnSignal(ctx context.Context, sig playbook.Signal) error {
	if m.fatal != nil {
		return m.fatal
	}
	if sig.Kind == playbook.Hold {
		return nil
	}
	m.now = sig.Time
	m.publish(Event{Kind: EventSignal, Signal: sig})

	switch {
	case sig.Kind.IsEntry() && m.pos.Status == market.Flat:
		if m.halted {
			m.veto(sig, "HALTED", "symbol is halted")
			return nil
		}
		return m.enter(ctx, sig)
	case sig.Kind == playbook.ExitPosition && m.pos.Status == market.Open:
		return m.beginExit(ctx, sig.Time, "signal")
	}
	return nil
}

func (m *Machine) enter(ctx context.Context, sig playbook.Signal) error {
	side := market.Long
	if sig.Kind == playbook.EnterShort {
		side = market.Short
	}

	plan, err := risk.Size(m.cfg.Sizing, side, sig.Price, m.equity)
	if err != nil {
		m.veto(sig, "SIZING", err.Error())
		return nil
	}
	d := m.budget.Reserve(risk.Intent{
		Symbol:     m.cfg.Symbol,
		Quantity:   plan.Quantity,
		Price:      plan.Price,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Equity:     m.equity,
	})
	if !d.Allowed {
		if len(d.Violations) > 0 && d.Violations[0].Code == "ALREADY_RESERVED" {
			return m.fail("risk budget holds a position for %s while the machine is flat", m.cfg.Symbol)
		}
		m.veto(sig, d.Reason(), "entry vetoed by risk limits")
		return nil
	}

	o := broker.Order{
		ClientOrderID: broker.ClientOrderID(m.cfg.Symbol, sig.Time, broker.Entry, side, 0),
		Symbol:        m.cfg.Symbol,
		Side:          side,
		Type:          m.cfg.OrderType,
		Price:         sig.Price,
		Quantity:      plan.Quantity,
		Purpose:       broker.Entry,
		Status:        broker.Pending,
		CreatedAt:     sig.Time,
	}
	m.active = &o
	m.pos = market.Position{
		Symbol:     m.cfg.Symbol,
		Side:       side,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Status:     market.Opening,
		OpenedAt:   sig.Time,
	}
	m.publish(Event{Kind: EventIntent, Order: o})
	m.positionChanged()
	m.log.WithFields(logrus.Fields{"order": o.ClientOrderID, "qty": o.Quantity, "side": side}).Info("entry intent")

	return m.driveEntry(ctx)
}

func (m *Machine) veto(sig playbook.Signal, code, msg string) {
	m.publish(Event{Kind: EventRiskVeto, Signal: sig, Code: code, Msg: msg})
	m.log.WithField("code", code).Info("signal demoted to hold")
}

// driveEntry submits the active entry until it is acknowledged, rejected,
// or out of retries.
func (m *Machine) driveEntry(ctx context.Context) error {
	for {
		o := m.active
		ack, err := m.submit(ctx, *o)
		if err == nil {
			return m.apply(ack.ClientOrderID, ack.FilledQty, ack.AvgPrice, ack.Status)
		}
		if broker.Classify(err) == broker.KindRejected {
			return m.entryRejected(err)
		}
		if o.RetryCount >= m.cfg.EntryRetries {
			return m.abandonEntry(ctx, err)
		}
		m.publish(Event{Kind: EventRetry, Order: *o, Attempt: o.RetryCount + 1, Code: code(err), Msg: err.Error()})
		m.log.WithError(err).WithField("order", o.ClientOrderID).Warn("entry submit failed, retrying")
		if werr := m.sleep(ctx, m.backoff.ForAttempt(float64(o.RetryCount))); werr != nil {
			// Shutting down; the order stays pending and is reconciled on restart.
			return nil
		}
		o.RetryCount++
	}
}

func (m *Machine) entryRejected(err error) error {
	o := *m.active
	o.Status = broker.Rejected
	m.settle(o)
	m.publish(Event{Kind: EventRejected, Order: o, Code: code(err), Msg: err.Error()})
	m.log.WithError(err).WithField("order", o.ClientOrderID).Warn("entry rejected")
	m.toFlat()
	return nil
}

// abandonEntry gives up on an entry after its retries. The gateway may still
// hold the order, so it is cancelled and remembered in case it fills anyway.
func (m *Machine) abandonEntry(ctx context.Context, cause error) error {
	o := *m.active
	ack, err := m.cancel(ctx, o.ClientOrderID)
	switch {
	case err == nil:
		return m.apply(ack.ClientOrderID, ack.FilledQty, ack.AvgPrice, ack.Status)
	case errors.Is(err, broker.ErrUnknownOrder):
	default:
		m.abandoned[o.ClientOrderID] = o
	}
	o.Status = broker.Canceled
	m.settle(o)
	m.publish(Event{Kind: EventRejected, Order: o, Code: "RETRIES_EXHAUSTED", Msg: cause.Error()})
	m.log.WithError(cause).WithField("order", o.ClientOrderID).Warn("entry abandoned")
	m.toFlat()
	return nil
}

func (m *Machine) beginExit(ctx context.Context, ts time.Time, reason string) error {
	m.pos.Status = market.Closing
	m.exitStart = ts
	m.exitGen = 0
	m.exitTries = 0
	m.escalated = false
	m.exitReason = reason
	m.closedQty, m.closedValue = 0, 0
	m.positionChanged()
	m.log.WithField("reason", reason).Info("closing position")
	return m.driveExit(ctx, m.cfg.ExitRetries+1)
}

// driveExit makes up to attempts submissions of the exit. It never moves
// the position out of Closing on failure.
func (m *Machine) driveExit(ctx context.Context, attempts int) error {
	for i := 0; i < attempts; i++ {
		if m.pos.Status != market.Closing {
			return nil
		}
		if m.active == nil {
			m.newExitOrder()
		}
		o := m.active
		m.exitTries++

		ack, err := m.submit(ctx, *o)
		if err == nil {
			return m.apply(ack.ClientOrderID, ack.FilledQty, ack.AvgPrice, ack.Status)
		}

		if broker.Classify(err) == broker.KindRejected {
			rej := *o
			rej.Status = broker.Rejected
			m.settle(rej)
			m.publish(Event{Kind: EventRejected, Order: rej, Attempt: m.exitTries, Code: code(err), Msg: err.Error()})
			m.publish(Event{Kind: EventEscalation, Order: rej, Attempt: m.exitTries, Code: code(err), Msg: "exit rejected with a position open"})
			m.log.WithError(err).WithField("order", rej.ClientOrderID).Error("exit rejected")
		} else {
			o.RetryCount++
			m.publish(Event{Kind: EventRetry, Order: *o, Attempt: m.exitTries, Code: code(err), Msg: err.Error()})
			m.log.WithError(err).WithField("order", o.ClientOrderID).Warn("exit submit failed, retrying")
		}

		if m.exitTries >= m.cfg.ExitRetries+1 && !m.escalated {
			m.escalated = true
			m.publish(Event{Kind: EventEscalation, Attempt: m.exitTries, Code: "EXIT_RETRIES_EXHAUSTED",
				Msg: fmt.Sprintf("exit failed %d times, still retrying every bar", m.exitTries)})
			m.log.WithField("attempts", m.exitTries).Error("exit retries exhausted with a position open")
		}

		if i+1 < attempts {
			if werr := m.sleep(ctx, m.backoff.ForAttempt(float64(i))); werr != nil {
				return nil
			}
		}
	}
	return nil
}

func (m *Machine) newExitOrder() {
	if m.exitStart.IsZero() {
		m.exitStart = m.now
		if m.exitStart.IsZero() {
			m.exitStart = m.pos.OpenedAt
		}
	}
	side := m.pos.Side.Opposite()
	id := broker.ClientOrderID(m.cfg.Symbol, m.exitStart, broker.Exit, side, m.exitGen)
	for m.done[id] {
		m.exitGen++
		id = broker.ClientOrderID(m.cfg.Symbol, m.exitStart, broker.Exit, side, m.exitGen)
	}
	m.exitGen++

	o := broker.Order{
		ClientOrderID: id,
		Symbol:        m.cfg.Symbol,
		Side:          side,
		Type:          broker.Market,
		Price:         m.lastClose,
		Quantity:      m.pos.Quantity,
		Purpose:       broker.Exit,
		Status:        broker.Pending,
		CreatedAt:     m.exitStart,
	}
	m.active = &o
	m.publish(Event{Kind: EventIntent, Order: o})
}

// OnFill folds a gateway fill event into the machine. Events are cumulative
// per order; duplicates and stale ones change nothing.
func (m *Machine) OnFill(ctx context.Context, ev broker.FillEvent) error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.active != nil && ev.ClientOrderID == m.active.ClientOrderID {
		if err := m.apply(ev.ClientOrderID, ev.FilledQty, ev.Price, ev.Status); err != nil {
			return err
		}
		if m.halted && m.pos.Status == market.Open {
			return m.beginExit(ctx, m.now, "halt")
		}
		return nil
	}
	if o, ok := m.abandoned[ev.ClientOrderID]; ok {
		return m.adopt(ctx, o, ev.FilledQty, ev.Price, ev.Status)
	}
	if !m.done[ev.ClientOrderID] {
		m.publish(Event{Kind: EventDataQuality, Code: "UNKNOWN_FILL", Msg: ev.ClientOrderID})
		m.log.WithField("order", ev.ClientOrderID).Debug("fill for unknown order")
	}
	return nil
}

// adopt turns fills of an order the machine had given up on into an open
// position and flattens it.
func (m *Machine) adopt(ctx context.Context, o broker.Order, filled, avg float64, status broker.OrderStatus) error {
	if filled <= eps {
		if status.Terminal() {
			delete(m.abandoned, o.ClientOrderID)
			m.done[o.ClientOrderID] = true
		}
		return nil
	}
	delete(m.abandoned, o.ClientOrderID)
	m.done[o.ClientOrderID] = true
	if m.pos.Status != market.Flat {
		return m.fail("order %s filled while a %s position exists", o.ClientOrderID, m.pos.Status)
	}
	if !status.Terminal() {
		if ack, err := m.cancel(ctx, o.ClientOrderID); err == nil && ack.FilledQty > filled {
			filled, avg = ack.FilledQty, ack.AvgPrice
		}
	}

	m.pos = market.Position{
		Symbol:     m.cfg.Symbol,
		Side:       o.Side,
		Quantity:   filled,
		EntryPrice: avg,
		Status:     market.Open,
		OpenedAt:   o.CreatedAt,
	}
	m.pos.StopLoss, m.pos.TakeProfit = m.cfg.Sizing.Levels(o.Side, avg)
	m.budget.Adjust(m.cfg.Symbol, m.pos.Notional())
	m.publish(Event{Kind: EventDataQuality, Code: "ORPHAN_FILL", Msg: o.ClientOrderID})
	m.positionChanged()
	m.log.WithField("order", o.ClientOrderID).Warn("abandoned entry filled, flattening")
	return m.beginExit(ctx, m.now, "orphan_fill")
}

// apply moves the active order forward to the given cumulative state.
func (m *Machine) apply(id string, filled, avg float64, status broker.OrderStatus) error {
	o := m.active
	if o == nil || o.ClientOrderID != id {
		return nil
	}
	changed := false
	if filled > o.FilledQty+eps {
		if filled > o.Quantity+eps {
			return m.fail("order %s filled %g of %g", id, filled, o.Quantity)
		}
		o.FilledQty, o.AvgPrice = filled, avg
		changed = true
	}
	if rank(status) > rank(o.Status) {
		o.Status = status
		changed = true
	}
	if o.FilledQty >= o.Quantity-eps && o.Status != broker.Filled {
		o.Status = broker.Filled
		changed = true
	}
	if !changed {
		return nil
	}
	m.publish(Event{Kind: EventOrder, Order: *o})

	if o.Purpose == broker.Entry {
		m.entryProgress()
		return nil
	}
	return m.exitProgress()
}

func rank(s broker.OrderStatus) int {
	switch s {
	case broker.Pending:
		return 0
	case broker.Submitted:
		return 1
	case broker.PartiallyFilled:
		return 2
	default:
		return 3
	}
}

func (m *Machine) entryProgress() {
	o := *m.active
	if o.FilledQty > 0 {
		m.pos.Quantity = o.FilledQty
		m.pos.EntryPrice = o.AvgPrice
	}
	switch {
	case o.Status.Terminal() && o.FilledQty > eps:
		m.finish(o)
		m.pos.Status = market.Open
		m.pos.StopLoss, m.pos.TakeProfit = m.cfg.Sizing.Levels(m.pos.Side, m.pos.EntryPrice)
		m.budget.Adjust(m.cfg.Symbol, m.pos.Notional())
		m.positionChanged()
		m.log.WithFields(logrus.Fields{"qty": m.pos.Quantity, "price": m.pos.EntryPrice}).Info("position open")
	case o.Status.Terminal():
		m.finish(o)
		if o.Status == broker.Rejected {
			m.publish(Event{Kind: EventRejected, Order: o, Msg: "entry rejected"})
		}
		m.toFlat()
	default:
		m.positionChanged()
	}
}

func (m *Machine) exitProgress() error {
	o := *m.active
	m.pos.Quantity = o.Quantity - o.FilledQty
	if m.pos.Quantity < -eps {
		return m.fail("exit %s overfilled position by %g", o.ClientOrderID, -m.pos.Quantity)
	}
	if m.pos.Quantity < eps {
		m.pos.Quantity = 0
	}
	if !o.Status.Terminal() {
		m.positionChanged()
		return nil
	}

	m.closedQty += o.FilledQty
	m.closedValue += o.FilledQty * o.AvgPrice
	m.finish(o)
	if o.Status == broker.Filled {
		m.closed()
		return nil
	}
	// Cancelled or rejected with a remainder: the next bar places a new
	// generation for what is left.
	if o.Status == broker.Rejected {
		m.publish(Event{Kind: EventEscalation, Order: o, Code: "EXIT_REJECTED", Msg: "exit rejected with a position open"})
	}
	m.positionChanged()
	return nil
}

func (m *Machine) closed() {
	t := Trade{
		Symbol:     m.cfg.Symbol,
		Side:       m.pos.Side,
		Quantity:   m.closedQty,
		EntryPrice: m.pos.EntryPrice,
		EntryTime:  m.pos.OpenedAt,
		ExitTime:   m.now,
		Reason:     m.exitReason,
	}
	if m.closedQty > 0 {
		t.ExitPrice = m.closedValue / m.closedQty
	}
	t.PnL = float64(t.Side) * (t.ExitPrice - t.EntryPrice) * t.Quantity
	m.equity += t.PnL
	m.publish(Event{Kind: EventTrade, Trade: t})
	m.log.WithFields(logrus.Fields{"pnl": t.PnL, "reason": t.Reason}).Info("position closed")
	m.toFlat()
}

func (m *Machine) toFlat() {
	m.budget.Release(m.cfg.Symbol)
	m.pos = market.FlatPosition(m.cfg.Symbol)
	m.active = nil
	m.exitStart = time.Time{}
	m.exitGen, m.exitTries = 0, 0
	m.escalated = false
	m.exitReason = ""
	m.closedQty, m.closedValue = 0, 0
	m.positionChanged()
}

// Halt stops new entries and flattens whatever is open or opening.
func (m *Machine) Halt(ctx context.Context, reason string) error {
	if m.fatal != nil {
		return m.fatal
	}
	if !m.halted {
		m.halted = true
		m.publish(Event{Kind: EventHalted, Msg: reason})
		m.log.WithField("reason", reason).Warn("halted")
	}

	switch m.pos.Status {
	case market.Opening:
		if m.active != nil {
			ack, err := m.cancel(ctx, m.active.ClientOrderID)
			switch {
			case err == nil:
				if err := m.apply(ack.ClientOrderID, ack.FilledQty, ack.AvgPrice, ack.Status); err != nil {
					return err
				}
			case errors.Is(err, broker.ErrUnknownOrder):
				o := *m.active
				o.Status = broker.Canceled
				m.settle(o)
				m.toFlat()
			default:
				m.log.WithError(err).Warn("cancel of entry failed, will retry")
				return nil
			}
		}
		if m.pos.Status == market.Open {
			return m.beginExit(ctx, m.now, "halt")
		}
	case market.Open:
		return m.beginExit(ctx, m.now, "halt")
	}
	return nil
}

// Resume allows entries again. It does not clear an invariant violation.
func (m *Machine) Resume() error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.halted {
		m.halted = false
		m.publish(Event{Kind: EventResumed})
		m.log.Info("resumed")
	}
	return nil
}

func (m *Machine) submit(ctx context.Context, o broker.Order) (broker.Ack, error) {
	cctx, cancel := m.callContext(ctx)
	defer cancel()
	return m.gw.SubmitOrder(cctx, o)
}

func (m *Machine) cancel(ctx context.Context, id string) (broker.Ack, error) {
	cctx, cancel := m.callContext(ctx)
	defer cancel()
	return m.gw.CancelOrder(cctx, id)
}

func (m *Machine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c := context.WithoutCancel(ctx)
	if m.cfg.SubmitTimeout > 0 {
		return context.WithTimeout(c, m.cfg.SubmitTimeout)
	}
	return c, func() {}
}

// settle records a status the machine decided on its own.
func (m *Machine) settle(o broker.Order) {
	m.finish(o)
	m.publish(Event{Kind: EventOrder, Order: o})
}

func (m *Machine) finish(o broker.Order) {
	m.done[o.ClientOrderID] = true
	if m.active != nil && m.active.ClientOrderID == o.ClientOrderID {
		m.active = nil
	}
}

func (m *Machine) fail(format string, args ...any) error {
	err := &InvariantError{Symbol: m.cfg.Symbol, Msg: fmt.Sprintf(format, args...)}
	m.fatal = err
	m.publish(Event{Kind: EventInvariant, Msg: err.Msg})
	m.log.WithError(err).Error("symbol stopped")
	return err
}

func (m *Machine) positionChanged() {
	m.publish(Event{Kind: EventPosition, Position: m.pos})
}

func (m *Machine) publish(e Event) {
	e.Symbol = m.cfg.Symbol
	if e.Time.IsZero() {
		e.Time = m.now
	}
	m.sink.Publish(e)
}

func code(err error) string {
	var ge *broker.GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return ""
}

// generation reads the -r<n> suffix of a client order id.
func generation(id string) int {
	i := strings.LastIndex(id, "-r")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+2:])
	if err != nil {
		return 0
	}
	return n
}
