package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/broker/sim"
	"github.com/rustyeddy/dreamrunner/config"
	"github.com/rustyeddy/dreamrunner/engine"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/playbook"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPublishBuildsSnapshots(t *testing.T) {
	m := New(WithHistory(2))
	m.Track("AAA")

	for i := 0; i < 3; i++ {
		m.Publish(orchestrator.Event{Kind: orchestrator.EventSignal, Symbol: "XYZ", Time: t0,
			Signal: playbook.Signal{Symbol: "XYZ", Kind: playbook.EnterLong, RuleID: string(rune('a' + i))}})
	}
	o := broker.Order{ClientOrderID: "XYZ-1", Symbol: "XYZ", Status: broker.Pending}
	m.Publish(orchestrator.Event{Kind: orchestrator.EventIntent, Symbol: "XYZ", Order: o})
	o.Status = broker.Filled
	m.Publish(orchestrator.Event{Kind: orchestrator.EventOrder, Symbol: "XYZ", Order: o})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventPosition, Symbol: "XYZ",
		Position: market.Position{Symbol: "XYZ", Side: market.Long, Quantity: 2, Status: market.Open}})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventRetry, Symbol: "XYZ"})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventEscalation, Symbol: "XYZ", Code: "EXIT_RETRIES_EXHAUSTED"})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventDataQuality, Symbol: "XYZ"})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventTrade, Symbol: "XYZ", Trade: orchestrator.Trade{PnL: 5}})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventTrade, Symbol: "XYZ", Trade: orchestrator.Trade{PnL: -2}})
	m.Publish(orchestrator.Event{Kind: orchestrator.EventHalted, Symbol: "XYZ"})

	s, ok := m.Snapshot("XYZ")
	require.True(t, ok)
	require.Len(t, s.Signals, 2)
	assert.Equal(t, "b", s.Signals[0].RuleID)
	require.Len(t, s.Orders, 1)
	assert.Equal(t, broker.Filled, s.Orders[0].Status)
	assert.Equal(t, market.Open, s.Position.Status)
	assert.Equal(t, 3, s.Counters.Signals)
	assert.Equal(t, 1, s.Counters.Intents)
	assert.Equal(t, 1, s.Counters.Retries)
	assert.Equal(t, 1, s.Counters.Escalations)
	assert.Equal(t, 1, s.Counters.DataQuality)
	assert.Equal(t, 2, s.Counters.Trades)
	assert.InDelta(t, 3, s.RealizedPL, 1e-9)
	assert.InDelta(t, -2, s.LastTrade.PnL, 1e-9)
	assert.True(t, s.Halted)
	assert.Equal(t, t0, s.Updated)

	// snapshots are copies
	s.Signals[0].RuleID = "changed"
	again, _ := m.Snapshot("XYZ")
	assert.Equal(t, "b", again.Signals[0].RuleID)

	all := m.Snapshots()
	require.Len(t, all, 2)
	assert.Equal(t, "AAA", all[0].Symbol)
	assert.True(t, all[0].Position.IsFlat())

	_, ok = m.Snapshot("NONE")
	assert.False(t, ok)
}

func TestOrderHistoryIsBounded(t *testing.T) {
	m := New(WithHistory(2))
	for _, id := range []string{"o1", "o2", "o3"} {
		m.Publish(orchestrator.Event{Kind: orchestrator.EventIntent, Symbol: "XYZ", Order: broker.Order{ClientOrderID: id}})
	}
	m.Publish(orchestrator.Event{Kind: orchestrator.EventOrder, Symbol: "XYZ", Order: broker.Order{ClientOrderID: "o2", Status: broker.Canceled}})

	s, _ := m.Snapshot("XYZ")
	require.Len(t, s.Orders, 2)
	assert.Equal(t, "o2", s.Orders[0].ClientOrderID)
	assert.Equal(t, broker.Canceled, s.Orders[0].Status)
	assert.Equal(t, "o3", s.Orders[1].ClientOrderID)
}

func TestInvariantMarksSymbolStopped(t *testing.T) {
	m := New()
	m.Publish(orchestrator.Event{Kind: orchestrator.EventInvariant, Symbol: "XYZ", Msg: "overfill"})

	s, _ := m.Snapshot("XYZ")
	assert.Equal(t, "overfill", s.Fatal)

	var sb strings.Builder
	m.Print(&sb)
	assert.Contains(t, sb.String(), "stopped: overfill")
}

type fakeHalter struct {
	halted  []string
	resumed []string
	err     error
}

func (f *fakeHalter) Halt(_ context.Context, symbol, _ string) error {
	f.halted = append(f.halted, symbol)
	return f.err
}

func (f *fakeHalter) Resume(_ context.Context, symbol string) error {
	f.resumed = append(f.resumed, symbol)
	return f.err
}

func TestHaltRouting(t *testing.T) {
	ctx := context.Background()
	m := New()
	assert.ErrorIs(t, m.Halt(ctx, "XYZ", "test"), ErrNoHalter)
	assert.ErrorIs(t, m.Resume(ctx, "XYZ"), ErrNoHalter)

	h := &fakeHalter{}
	m.SetHalter(h)
	require.NoError(t, m.Halt(ctx, "all", "test"))
	require.NoError(t, m.Resume(ctx, "XYZ"))
	assert.Equal(t, []string{"all"}, h.halted)
	assert.Equal(t, []string{"XYZ"}, h.resumed)

	h.err = errors.New("boom")
	assert.Error(t, m.Halt(ctx, "XYZ", "test"))
}

func TestHaltThroughRunner(t *testing.T) {
	cfg := config.Default()
	gw := sim.New()
	m := New()
	m.Track(cfg.Symbols...)

	workers, err := engine.NewWorkers(cfg, engine.Deps{Gateway: gw, Sink: m, Sleeper: orchestrator.NoWait})
	require.NoError(t, err)
	r, err := engine.NewRunner(gw, workers)
	require.NoError(t, err)
	m.SetHalter(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan market.Event)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, events) }()

	events <- market.BarEvent(market.Bar{Symbol: "XYZ", Timeframe: market.M1, Start: t0, Open: 10, High: 10, Low: 10, Close: 10, Final: true})
	require.NoError(t, m.Halt(ctx, engine.All, "operator"))

	s, ok := m.Snapshot("XYZ")
	require.True(t, ok)
	assert.True(t, s.Halted)

	require.NoError(t, m.Resume(ctx, "XYZ"))
	s, _ = m.Snapshot("XYZ")
	assert.False(t, s.Halted)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
