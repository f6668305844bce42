package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/broker/sim"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/playbook"
	"github.com/rustyeddy/dreamrunner/risk"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Minute) }

func bar(i int, close float64) market.Bar {
	return market.Bar{
		Symbol: "XYZ", Timeframe: market.M1, Start: at(i),
		Open: close, High: close + 0.5, Low: close - 0.5, Close: close, Final: true,
	}
}

func sig(i int, kind playbook.SignalKind, price float64) playbook.Signal {
	return playbook.Signal{Symbol: "XYZ", Time: at(i), Kind: kind, RuleID: "test", Price: price}
}

type recorder struct{ events []Event }

func (r *recorder) Publish(e Event) { r.events = append(r.events, e) }

func (r *recorder) of(k EventKind) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m      *Machine
	rec    *recorder
	budget *risk.Budget
	waits  []time.Duration
}

func testConfig() Config {
	cfg := DefaultConfig("XYZ")
	cfg.Sizing = risk.Sizing{FixedNotional: 1000, StopLossPct: 0.05, TakeProfitPct: 0.10}
	cfg.EntryRetries = 2
	cfg.ExitRetries = 3
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 80 * time.Millisecond
	return cfg
}

func newHarness(cfg Config, gw broker.Gateway, budget *risk.Budget) *harness {
	if budget == nil {
		budget = risk.NewBudget(risk.Limits{})
	}
	h := &harness{rec: &recorder{}, budget: budget}
	h.m = New(cfg, gw, budget,
		WithSink(h.rec),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.waits = append(h.waits, d)
			return nil
		}))
	return h
}

// step feeds a bar to the gateway and the machine, then the signal if any.
func (h *harness) step(t *testing.T, g *sim.Gateway, b market.Bar, s *playbook.Signal) {
	t.Helper()
	ctx := context.Background()
	g.ObserveBar(b)
	require.NoError(t, h.m.OnBar(ctx, b))
	if s != nil {
		require.NoError(t, h.m.OnSignal(ctx, *s))
	}
}

func drain(ch <-chan broker.FillEvent) []broker.FillEvent {
	var out []broker.FillEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func openLong(t *testing.T, h *harness, g *sim.Gateway) {
	t.Helper()
	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)
	require.Equal(t, market.Open, h.m.Position().Status)
}

func TestEntryAndExitRoundTrip(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)

	openLong(t, h, g)
	pos := h.m.Position()
	assert.Equal(t, market.Long, pos.Side)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 95.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 110.0, pos.TakeProfit, 1e-9)
	assert.Equal(t, []string{"XYZ"}, h.budget.Holders())
	assert.InDelta(t, 1000.0, h.budget.Snapshot().OpenNotional, 1e-9)

	_, live := h.m.ActiveOrder()
	assert.False(t, live)

	exit := sig(1, playbook.ExitPosition, 102)
	h.step(t, g, bar(1, 102), &exit)

	assert.Equal(t, market.Flat, h.m.Position().Status)
	assert.Empty(t, h.budget.Holders())

	intents := h.rec.of(EventIntent)
	require.Len(t, intents, 2)
	assert.Equal(t, "XYZ-20240101T000000-EB", intents[0].Order.ClientOrderID)
	assert.Equal(t, "XYZ-20240101T000100-XS", intents[1].Order.ClientOrderID)
	assert.Equal(t, market.Short, intents[1].Order.Side)

	trades := h.rec.of(EventTrade)
	require.Len(t, trades, 1)
	assert.InDelta(t, 20.0, trades[0].Trade.PnL, 1e-9)
	assert.Equal(t, "signal", trades[0].Trade.Reason)
	assert.InDelta(t, 10020.0, h.m.Equity(), 1e-9)
}

func TestSignalsIgnoredOutsideTheirState(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)

	exit := sig(0, playbook.ExitPosition, 100)
	h.step(t, g, bar(0, 100), &exit)
	assert.Equal(t, market.Flat, h.m.Position().Status)

	enter := sig(1, playbook.EnterLong, 100)
	h.step(t, g, bar(1, 100), &enter)
	again := sig(2, playbook.EnterShort, 100)
	h.step(t, g, bar(2, 100), &again)

	assert.Equal(t, market.Long, h.m.Position().Side)
	assert.Len(t, h.rec.of(EventIntent), 1)
	assert.Len(t, h.rec.of(EventSignal), 3)
}

func TestPartialEntryFills(t *testing.T) {
	g := sim.New(sim.WithPartialFills(2))
	h := newHarness(testConfig(), g, nil)
	ctx := context.Background()

	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)
	assert.Equal(t, market.Opening, h.m.Position().Status)
	assert.InDelta(t, 5.0, h.m.Position().Quantity, 1e-9)

	h.step(t, g, bar(1, 102), nil)
	evs := drain(g.Fills())
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		require.NoError(t, h.m.OnFill(ctx, ev))
	}
	pos := h.m.Position()
	assert.Equal(t, market.Open, pos.Status)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 101.0, pos.EntryPrice, 1e-9)

	orders := len(h.rec.of(EventOrder))
	for _, ev := range evs {
		require.NoError(t, h.m.OnFill(ctx, ev))
	}
	assert.Len(t, h.rec.of(EventOrder), orders, "duplicate fills change nothing")
	assert.Empty(t, h.rec.of(EventDataQuality))
}

func TestEntryRejectedGoesFlat(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)

	g.RejectNext(1, "INSUFFICIENT_BALANCE")
	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)

	assert.Equal(t, market.Flat, h.m.Position().Status)
	assert.Empty(t, h.budget.Holders())
	rej := h.rec.of(EventRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, "INSUFFICIENT_BALANCE", rej[0].Code)
	assert.Empty(t, h.rec.of(EventRetry))

	next := sig(1, playbook.EnterLong, 100)
	h.step(t, g, bar(1, 100), &next)
	assert.Equal(t, market.Open, h.m.Position().Status)
}

func TestEntryRetriesThenGivesUp(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)

	g.FailNext(3, sim.ErrInjected)
	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)

	assert.Equal(t, market.Flat, h.m.Position().Status)
	assert.Empty(t, h.budget.Holders())
	assert.Len(t, h.rec.of(EventRetry), 2)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.waits)

	rej := h.rec.of(EventRejected)
	require.Len(t, rej, 1)
	assert.Equal(t, "RETRIES_EXHAUSTED", rej[0].Code)
	assert.Equal(t, 3, g.Stats().Submits)
	assert.Empty(t, g.Orders())
}

func TestLostAckIsRecoveredWithSameID(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)

	g.DropAckNext(1)
	openLong(t, h, g)

	st := g.Stats()
	assert.Equal(t, 1, st.Accepted, "never two live orders for one intent")
	assert.Equal(t, 1, st.Duplicates)
	assert.Len(t, h.rec.of(EventRetry), 1)
}

func TestExitEscalatesButNeverGivesUp(t *testing.T) {
	g := sim.New()
	cfg := testConfig()
	h := newHarness(cfg, g, nil)
	openLong(t, h, g)

	g.FailNext(cfg.ExitRetries+2, sim.ErrInjected)
	exit := sig(1, playbook.ExitPosition, 101)
	h.step(t, g, bar(1, 101), &exit)

	pos := h.m.Position()
	assert.Equal(t, market.Closing, pos.Status, "after the cap the position stays closing")
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.Len(t, h.rec.of(EventRetry), cfg.ExitRetries+1)
	require.Len(t, h.rec.of(EventEscalation), 1)
	assert.Len(t, h.waits, cfg.ExitRetries)

	o, ok := h.m.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, "XYZ-20240101T000100-XS", o.ClientOrderID)
	assert.Equal(t, cfg.ExitRetries+1, o.RetryCount)

	// One more failing attempt on the next bar, no second escalation.
	h.step(t, g, bar(2, 101), nil)
	assert.Equal(t, market.Closing, h.m.Position().Status)
	assert.Len(t, h.rec.of(EventRetry), cfg.ExitRetries+2)
	assert.Len(t, h.rec.of(EventEscalation), 1)

	h.step(t, g, bar(3, 103), nil)
	assert.Equal(t, market.Flat, h.m.Position().Status)
	trades := h.rec.of(EventTrade)
	require.Len(t, trades, 1)
	assert.InDelta(t, 30.0, trades[0].Trade.PnL, 1e-9)
	assert.Equal(t, 1+cfg.ExitRetries+3, g.Stats().Submits)
}

func TestExitRejectionAlertsAndUsesNewGeneration(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)
	openLong(t, h, g)

	g.RejectNext(1, "MARGIN")
	exit := sig(1, playbook.ExitPosition, 100)
	h.step(t, g, bar(1, 100), &exit)

	assert.Equal(t, market.Flat, h.m.Position().Status)
	require.Len(t, h.rec.of(EventRejected), 1)
	esc := h.rec.of(EventEscalation)
	require.Len(t, esc, 1)
	assert.Equal(t, "MARGIN", esc[0].Code)

	intents := h.rec.of(EventIntent)
	require.Len(t, intents, 3)
	assert.Equal(t, "XYZ-20240101T000100-XS", intents[1].Order.ClientOrderID)
	assert.Equal(t, "XYZ-20240101T000100-XS-r1", intents[2].Order.ClientOrderID)
}

func TestStopLossAndTakeProfit(t *testing.T) {
	tests := []struct {
		name   string
		kind   playbook.SignalKind
		close  float64
		reason string
		pnl    float64
	}{
		{"long stop", playbook.EnterLong, 94, "stop_loss", -60},
		{"long target", playbook.EnterLong, 111, "take_profit", 110},
		{"short stop", playbook.EnterShort, 106, "stop_loss", -60},
		{"short target", playbook.EnterShort, 89, "take_profit", 110},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := sim.New()
			h := newHarness(testConfig(), g, nil)

			s := sig(0, tt.kind, 100)
			h.step(t, g, bar(0, 100), &s)
			require.Equal(t, market.Open, h.m.Position().Status)

			h.step(t, g, bar(1, 100), nil)
			require.Equal(t, market.Open, h.m.Position().Status)

			h.step(t, g, bar(2, tt.close), nil)
			assert.Equal(t, market.Flat, h.m.Position().Status)
			trades := h.rec.of(EventTrade)
			require.Len(t, trades, 1)
			assert.Equal(t, tt.reason, trades[0].Trade.Reason)
			assert.InDelta(t, tt.pnl, trades[0].Trade.PnL, 1e-9)
		})
	}
}

func TestRiskVetoDemotesToHold(t *testing.T) {
	budget := risk.NewBudget(risk.Limits{MaxConcurrentPositions: 1})
	require.True(t, budget.Reserve(risk.Intent{Symbol: "ABC", Quantity: 1, Price: 1}).Allowed)

	g := sim.New()
	h := newHarness(testConfig(), g, budget)
	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)

	assert.Equal(t, market.Flat, h.m.Position().Status)
	veto := h.rec.of(EventRiskVeto)
	require.Len(t, veto, 1)
	assert.Equal(t, "TOO_MANY_POSITIONS", veto[0].Code)
	assert.Zero(t, g.Stats().Submits)

	cfg := testConfig()
	cfg.Sizing = risk.Sizing{}
	h2 := newHarness(cfg, g, nil)
	h2.step(t, g, bar(1, 100), &s)
	veto = h2.rec.of(EventRiskVeto)
	require.Len(t, veto, 1)
	assert.Equal(t, "SIZING", veto[0].Code)
}

func TestHaltFlattensAndBlocksEntries(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)
	ctx := context.Background()
	openLong(t, h, g)

	require.NoError(t, h.m.Halt(ctx, "operator"))
	assert.True(t, h.m.Halted())
	assert.Equal(t, market.Flat, h.m.Position().Status)
	trades := h.rec.of(EventTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, "halt", trades[0].Trade.Reason)

	s := sig(1, playbook.EnterLong, 100)
	h.step(t, g, bar(1, 100), &s)
	assert.Equal(t, market.Flat, h.m.Position().Status)
	veto := h.rec.of(EventRiskVeto)
	require.Len(t, veto, 1)
	assert.Equal(t, "HALTED", veto[0].Code)

	require.NoError(t, h.m.Resume())
	s = sig(2, playbook.EnterLong, 100)
	h.step(t, g, bar(2, 100), &s)
	assert.Equal(t, market.Open, h.m.Position().Status)
	assert.Len(t, h.rec.of(EventHalted), 1)
	assert.Len(t, h.rec.of(EventResumed), 1)
}

func TestHaltCancelsRestingEntry(t *testing.T) {
	g := sim.New()
	cfg := testConfig()
	cfg.OrderType = broker.Limit
	h := newHarness(cfg, g, nil)

	s := sig(0, playbook.EnterLong, 95)
	h.step(t, g, bar(0, 100), &s)
	require.Equal(t, market.Opening, h.m.Position().Status)
	o, ok := h.m.ActiveOrder()
	require.True(t, ok)
	assert.Equal(t, broker.Submitted, o.Status)

	require.NoError(t, h.m.Halt(context.Background(), "operator"))
	assert.Equal(t, market.Flat, h.m.Position().Status)
	assert.Empty(t, h.budget.Holders())
	got, _ := g.Order(o.ClientOrderID)
	assert.Equal(t, broker.Canceled, got.Status)
}

func TestReservedBudgetWhileFlatIsFatal(t *testing.T) {
	budget := risk.NewBudget(risk.Limits{})
	budget.Adjust("XYZ", 500)

	g := sim.New()
	h := newHarness(testConfig(), g, budget)
	ctx := context.Background()
	g.ObserveBar(bar(0, 100))
	require.NoError(t, h.m.OnBar(ctx, bar(0, 100)))

	err := h.m.OnSignal(ctx, sig(0, playbook.EnterLong, 100))
	require.ErrorIs(t, err, ErrInvariant)
	assert.ErrorIs(t, h.m.Err(), ErrInvariant)
	assert.ErrorIs(t, h.m.OnBar(ctx, bar(1, 100)), ErrInvariant)
	assert.Len(t, h.rec.of(EventInvariant), 1)
}

func TestOverfillIsFatal(t *testing.T) {
	g := sim.New(sim.WithPartialFills(2))
	h := newHarness(testConfig(), g, nil)
	s := sig(0, playbook.EnterLong, 100)
	h.step(t, g, bar(0, 100), &s)
	o, ok := h.m.ActiveOrder()
	require.True(t, ok)

	err := h.m.OnFill(context.Background(), broker.FillEvent{
		ClientOrderID: o.ClientOrderID, Symbol: "XYZ", FilledQty: 12, Price: 100, Status: broker.PartiallyFilled,
	})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestUnknownFillIsCounted(t *testing.T) {
	h := newHarness(testConfig(), sim.New(), nil)
	require.NoError(t, h.m.OnFill(context.Background(), broker.FillEvent{ClientOrderID: "other", FilledQty: 1}))
	dq := h.rec.of(EventDataQuality)
	require.Len(t, dq, 1)
	assert.Equal(t, "UNKNOWN_FILL", dq[0].Code)
}

// scripted runs a fixed script of submit outcomes in front of a simulator.
type scripted struct {
	*sim.Gateway
	script    []string
	cancelErr error
}

func (s *scripted) SubmitOrder(ctx context.Context, o broker.Order) (broker.Ack, error) {
	if len(s.script) == 0 {
		return s.Gateway.SubmitOrder(ctx, o)
	}
	step := s.script[0]
	s.script = s.script[1:]
	switch step {
	case "lost":
		_, _ = s.Gateway.SubmitOrder(ctx, o)
		return broker.Ack{ClientOrderID: o.ClientOrderID}, broker.Transient("TIMEOUT", "response lost")
	case "fail":
		return broker.Ack{ClientOrderID: o.ClientOrderID}, broker.Transient("UNAVAILABLE", "gateway down")
	}
	return s.Gateway.SubmitOrder(ctx, o)
}

func (s *scripted) CancelOrder(ctx context.Context, id string) (broker.Ack, error) {
	if s.cancelErr != nil {
		return broker.Ack{ClientOrderID: id}, s.cancelErr
	}
	return s.Gateway.CancelOrder(ctx, id)
}

func TestAbandonedEntryThatFillsIsFlattened(t *testing.T) {
	g := sim.New()
	gw := &scripted{Gateway: g, script: []string{"lost", "fail"}, cancelErr: broker.Transient("UNAVAILABLE", "down")}
	cfg := testConfig()
	cfg.EntryRetries = 1
	h := newHarness(cfg, gw, nil)
	ctx := context.Background()

	s := sig(0, playbook.EnterLong, 100)
	g.ObserveBar(bar(0, 100))
	require.NoError(t, h.m.OnBar(ctx, bar(0, 100)))
	require.NoError(t, h.m.OnSignal(ctx, s))
	require.Equal(t, market.Flat, h.m.Position().Status)

	for _, ev := range drain(g.Fills()) {
		require.NoError(t, h.m.OnFill(ctx, ev))
	}

	assert.Equal(t, market.Flat, h.m.Position().Status)
	dq := h.rec.of(EventDataQuality)
	require.Len(t, dq, 1)
	assert.Equal(t, "ORPHAN_FILL", dq[0].Code)
	trades := h.rec.of(EventTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, "orphan_fill", trades[0].Trade.Reason)
	assert.Empty(t, h.budget.Holders())
}

func TestRecoverResolvesPendingEntry(t *testing.T) {
	g := sim.New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	id := broker.ClientOrderID("XYZ", at(0), broker.Entry, market.Long, 0)
	pending := broker.Order{
		ClientOrderID: id, Symbol: "XYZ", Side: market.Long, Type: broker.Market,
		Price: 100, Quantity: 10, Purpose: broker.Entry, Status: broker.Pending, CreatedAt: at(0),
	}
	// The order reached the gateway before the crash.
	_, err := g.SubmitOrder(ctx, pending)
	require.NoError(t, err)

	h := newHarness(testConfig(), g, nil)
	opening := market.Position{Symbol: "XYZ", Side: market.Long, Status: market.Opening, OpenedAt: at(0)}
	require.NoError(t, h.m.Recover(ctx, opening, []broker.Order{pending}))

	pos := h.m.Position()
	assert.Equal(t, market.Open, pos.Status)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.Equal(t, 1, g.Stats().Accepted)
	assert.Equal(t, []string{"XYZ"}, h.budget.Holders())
	assert.Len(t, h.rec.of(EventReconciled), 1)
}

func TestRecoverClosingPositionExitsOnNextBar(t *testing.T) {
	g := sim.New()
	h := newHarness(testConfig(), g, nil)
	ctx := context.Background()

	closing := market.Position{Symbol: "XYZ", Side: market.Long, Quantity: 10, EntryPrice: 100, Status: market.Closing, OpenedAt: at(0)}
	require.NoError(t, h.m.Recover(ctx, closing, nil))
	assert.Equal(t, []string{"XYZ"}, h.budget.Holders())

	h.step(t, g, bar(5, 101), nil)
	assert.Equal(t, market.Flat, h.m.Position().Status)
	trades := h.rec.of(EventTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, "recovered", trades[0].Trade.Reason)
	assert.InDelta(t, 10.0, trades[0].Trade.PnL, 1e-9)
}

func TestRecoverCancelsOrphanOrders(t *testing.T) {
	g := sim.New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()
	_, err := g.SubmitOrder(ctx, broker.Order{
		ClientOrderID: "STRAY", Symbol: "XYZ", Side: market.Long, Type: broker.Limit, Price: 90, Quantity: 1, Purpose: broker.Entry,
	})
	require.NoError(t, err)

	h := newHarness(testConfig(), g, nil)
	require.NoError(t, h.m.Recover(ctx, market.Position{}, nil))

	assert.Equal(t, market.Flat, h.m.Position().Status)
	got, _ := g.Order("STRAY")
	assert.Equal(t, broker.Canceled, got.Status)
	dq := h.rec.of(EventDataQuality)
	require.Len(t, dq, 1)
	assert.Equal(t, "ORPHAN_ORDER", dq[0].Code)
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, 0, generation("XYZ-20240101T000100-XS"))
	assert.Equal(t, 12, generation("XYZ-20240101T000100-XS-r12"))
	assert.Equal(t, "escalation", EventEscalation.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
