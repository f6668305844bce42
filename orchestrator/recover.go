package orchestrator

import (
	"context"
	"fmt"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
)

// Recover restores a persisted position and its non-terminal orders, then
// reconciles them against the gateway. An order the gateway does not list
// as open is resubmitted under the same client order id; the gateway's
// idempotent ack tells whether it filled, was rejected or never arrived.
// Open orders the machine does not know are cancelled.
func (m *Machine) Recover(ctx context.Context, pos market.Position, orders []broker.Order) error {
	if pos.Symbol == "" {
		pos = market.FlatPosition(m.cfg.Symbol)
	}
	if pos.Symbol != m.cfg.Symbol {
		return m.fail("recovered position belongs to %s", pos.Symbol)
	}
	if pos.Quantity < 0 {
		return m.fail("recovered position has quantity %g", pos.Quantity)
	}
	m.pos = pos
	m.active = nil

	for _, o := range orders {
		if o.Symbol != m.cfg.Symbol {
			continue
		}
		if o.Status.Terminal() {
			m.done[o.ClientOrderID] = true
			continue
		}
		if m.active != nil {
			return m.fail("two live orders %s and %s", m.active.ClientOrderID, o.ClientOrderID)
		}
		o := o
		m.active = &o
	}

	switch m.pos.Status {
	case market.Open, market.Closing:
		m.budget.Adjust(m.cfg.Symbol, m.pos.Notional())
	case market.Opening:
		if m.active != nil {
			m.budget.Adjust(m.cfg.Symbol, m.active.Quantity*m.active.Price)
		}
	}
	if m.pos.Status == market.Closing {
		m.exitReason = "recovered"
		if m.active != nil {
			m.exitStart = m.active.CreatedAt
			m.exitGen = generation(m.active.ClientOrderID) + 1
		}
	}

	cctx, cancel := m.callContext(ctx)
	open, err := m.gw.Reconcile(cctx, m.cfg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", m.cfg.Symbol, err)
	}

	seen := false
	for _, oo := range open {
		if m.active != nil && oo.ClientOrderID == m.active.ClientOrderID {
			seen = true
			if err := m.apply(oo.ClientOrderID, oo.FilledQty, oo.AvgPrice, oo.Status); err != nil {
				return err
			}
			continue
		}
		if err := m.orphan(ctx, oo); err != nil {
			return err
		}
	}

	if m.active != nil && !seen {
		if err := m.resolve(ctx); err != nil {
			return err
		}
	}

	if m.pos.Status == market.Opening && m.active == nil {
		m.log.Warn("opening position without an order, resetting to flat")
		m.toFlat()
	}

	m.publish(Event{Kind: EventReconciled, Position: m.pos, Msg: fmt.Sprintf("%d open orders at gateway", len(open))})
	m.log.WithField("status", m.pos.Status).Info("reconciled")
	return nil
}

// resolve resubmits the active order once under its own id.
func (m *Machine) resolve(ctx context.Context) error {
	o := *m.active
	ack, err := m.submit(ctx, o)
	if err == nil {
		return m.apply(ack.ClientOrderID, ack.FilledQty, ack.AvgPrice, ack.Status)
	}
	if broker.Classify(err) != broker.KindRejected {
		m.log.WithError(err).WithField("order", o.ClientOrderID).Warn("order unresolved after restart")
		return nil
	}
	if o.Purpose == broker.Entry {
		return m.entryRejected(err)
	}
	o.Status = broker.Rejected
	m.settle(o)
	m.publish(Event{Kind: EventEscalation, Order: o, Code: code(err), Msg: "exit rejected with a position open"})
	return nil
}

func (m *Machine) orphan(ctx context.Context, oo broker.OpenOrder) error {
	m.publish(Event{Kind: EventDataQuality, Code: "ORPHAN_ORDER", Msg: oo.ClientOrderID})
	m.log.WithField("order", oo.ClientOrderID).Warn("cancelling unknown open order")
	ack, err := m.cancel(ctx, oo.ClientOrderID)
	if err != nil {
		return nil
	}
	filled, avg := ack.FilledQty, ack.AvgPrice
	if oo.FilledQty > filled {
		filled, avg = oo.FilledQty, oo.AvgPrice
	}
	o := broker.Order{ClientOrderID: oo.ClientOrderID, Symbol: oo.Symbol, Side: oo.Side, Quantity: oo.Quantity, CreatedAt: m.now}
	return m.adopt(ctx, o, filled, avg, broker.Canceled)
}
