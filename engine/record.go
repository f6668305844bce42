package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/dreamrunner/journal"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/pkg/id"
)

// recorder persists machine events: orders and positions as recovery
// state, everything else as journal rows. Write failures are logged and
// never stop trading.
type recorder struct {
	store journal.Store
	runID string
	log   *logrus.Entry
}

func (r *recorder) Publish(e orchestrator.Event) {
	var err error
	switch e.Kind {
	case orchestrator.EventSignal:
		err = r.store.RecordSignal(r.runID, e.Signal)
	case orchestrator.EventIntent, orchestrator.EventOrder:
		err = r.store.SaveOrder(e.Order)
	case orchestrator.EventPosition:
		err = r.store.SavePosition(e.Position)
	case orchestrator.EventTrade:
		err = r.store.RecordTrade(tradeRecord(r.runID, e.Trade))
	default:
		// Events raised before the first bar, such as reconciliation at
		// startup, carry no bar time.
		ts := e.Time
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		err = r.store.RecordEvent(journal.EventRecord{
			EventID: id.NewAtOrNow(ts),
			RunID:   r.runID,
			Time:    ts,
			Symbol:  e.Symbol,
			Kind:    e.Kind.String(),
			Code:    e.Code,
			Msg:     e.Msg,
			OrderID: e.Order.ClientOrderID,
		})
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"symbol": e.Symbol, "kind": e.Kind}).Error("journal write failed")
	}
}

func tradeRecord(runID string, t orchestrator.Trade) journal.TradeRecord {
	return journal.TradeRecord{
		TradeID:    id.NewAtOrNow(t.ExitTime),
		RunID:      runID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Quantity:   t.Quantity,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		OpenTime:   t.EntryTime,
		CloseTime:  t.ExitTime,
		RealizedPL: t.PnL,
		Reason:     t.Reason,
	}
}
