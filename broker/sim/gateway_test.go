package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, close float64) market.Bar {
	return market.Bar{
		Symbol: "XYZ", Timeframe: market.M1, Start: t0.Add(time.Duration(i) * time.Minute),
		Open: close, High: close + 0.5, Low: close - 0.5, Close: close, Final: true,
	}
}

func marketOrder(id string, side market.Side, qty float64) broker.Order {
	return broker.Order{ClientOrderID: id, Symbol: "XYZ", Side: side, Type: broker.Market, Quantity: qty, Purpose: broker.Entry}
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

func TestSubmitIsIdempotent(t *testing.T) {
	g := New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	ack1, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 10))
	require.NoError(t, err)
	ack2, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 10))
	require.NoError(t, err)

	assert.Equal(t, ack1, ack2)
	assert.Equal(t, broker.Filled, ack1.Status)
	assert.Equal(t, 10.0, ack1.FilledQty)
	assert.Equal(t, 100.0, ack1.AvgPrice)

	st := g.Stats()
	assert.Equal(t, 2, st.Submits)
	assert.Equal(t, 1, st.Accepted)
	assert.Equal(t, 1, st.Duplicates)
	assert.Len(t, g.Orders(), 1)
	assert.Len(t, drain(g.Fills()), 1)
}

func TestPartialFillsAcrossBars(t *testing.T) {
	g := New(WithPartialFills(3))
	g.ObserveBar(bar(0, 100))

	ack, err := g.SubmitOrder(context.Background(), marketOrder("A", market.Long, 9))
	require.NoError(t, err)
	assert.Equal(t, broker.PartiallyFilled, ack.Status)
	assert.InDelta(t, 3.0, ack.FilledQty, 1e-9)

	open, err := g.Reconcile(context.Background(), "XYZ")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "A", open[0].ClientOrderID)

	g.ObserveBar(bar(1, 103))
	g.ObserveBar(bar(2, 106))

	o, ok := g.Order("A")
	require.True(t, ok)
	assert.Equal(t, broker.Filled, o.Status)
	assert.InDelta(t, 9.0, o.FilledQty, 1e-9)
	assert.InDelta(t, 103.0, o.AvgPrice, 1e-9)

	evs := drain(g.Fills())
	require.Len(t, evs, 3)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].FilledQty, evs[i-1].FilledQty, "fill events are cumulative")
	}

	open, err = g.Reconcile(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestScriptedFaults(t *testing.T) {
	g := New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	g.FailNext(2, ErrInjected)
	_, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 1))
	assert.ErrorIs(t, err, broker.ErrTransient)
	_, err = g.SubmitOrder(ctx, marketOrder("A", market.Long, 1))
	assert.ErrorIs(t, err, broker.ErrTransient)
	_, ok := g.Order("A")
	assert.False(t, ok, "failed calls never reach the book")

	ack, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 1))
	require.NoError(t, err)
	assert.Equal(t, broker.Filled, ack.Status)

	g.RejectNext(1, "INSUFFICIENT_BALANCE")
	ack, err = g.SubmitOrder(ctx, marketOrder("B", market.Short, 1))
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, broker.Rejected, ack.Status)

	_, err = g.SubmitOrder(ctx, marketOrder("B", market.Short, 1))
	assert.ErrorIs(t, err, broker.ErrRejected, "a rejected id stays rejected")

	_, err = g.SubmitOrder(ctx, marketOrder("C", market.Short, 0))
	assert.ErrorIs(t, err, broker.ErrRejected)
}

func TestDroppedAckIsRecoveredByResubmission(t *testing.T) {
	g := New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	g.DropAckNext(1)
	_, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 5))
	require.Error(t, err)
	assert.Equal(t, broker.KindTransient, broker.Classify(err))

	ack, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 5))
	require.NoError(t, err)
	assert.Equal(t, broker.Filled, ack.Status)
	assert.Equal(t, 5.0, ack.FilledQty)
	assert.Equal(t, 1, g.Stats().Accepted)
}

func TestLimitOrdersRestAndCancel(t *testing.T) {
	g := New()
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	o := marketOrder("L1", market.Long, 2)
	o.Type = broker.Limit
	o.Price = 98
	ack, err := g.SubmitOrder(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, broker.Submitted, ack.Status)

	g.ObserveBar(bar(1, 99)) // low 98.5
	got, _ := g.Order("L1")
	assert.Equal(t, broker.Submitted, got.Status)

	g.ObserveBar(bar(2, 98.2)) // low 97.7
	got, _ = g.Order("L1")
	assert.Equal(t, broker.Filled, got.Status)
	assert.Equal(t, 98.0, got.AvgPrice)

	o2 := o
	o2.ClientOrderID = "L2"
	_, err = g.SubmitOrder(ctx, o2)
	require.NoError(t, err)
	ack, err = g.CancelOrder(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, broker.Canceled, ack.Status)

	ack, err = g.CancelOrder(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, broker.Filled, ack.Status, "terminal orders are not canceled")

	_, err = g.CancelOrder(ctx, "nope")
	assert.ErrorIs(t, err, broker.ErrUnknownOrder)
}

func TestDuplicateFillsOption(t *testing.T) {
	g := New(WithDuplicateFills())
	g.ObserveBar(bar(0, 100))

	_, err := g.SubmitOrder(context.Background(), marketOrder("A", market.Long, 1))
	require.NoError(t, err)

	evs := drain(g.Fills())
	require.Len(t, evs, 2)
	assert.Equal(t, evs[0], evs[1])
}

func TestFullFillBufferDrops(t *testing.T) {
	g := New(WithFillBuffer(1))
	g.ObserveBar(bar(0, 100))
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		_, err := g.SubmitOrder(ctx, marketOrder(id, market.Long, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, g.Stats().Dropped)
}

func TestSubmitWithCanceledContext(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.SubmitOrder(ctx, marketOrder("A", market.Long, 1))
	assert.ErrorIs(t, err, broker.ErrTransient)
	assert.Empty(t, g.Orders())
}
