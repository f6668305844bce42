// Package sim is an in-process execution gateway. It fills market orders at
// the last observed bar close, is idempotent by client order id and can be
// scripted to fail, so replay runs, paper runs and tests all exercise the
// same order lifecycle as a live exchange.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/market"
)

type order struct {
	broker.Order
	exchangeID string
	slices     int // remaining partial fills for market orders
	sliceQty   float64
}

func (o *order) ack() broker.Ack {
	return broker.Ack{
		ClientOrderID: o.ClientOrderID,
		ExchangeID:    o.exchangeID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		AvgPrice:      o.AvgPrice,
	}
}

// Stats counts gateway activity.
type Stats struct {
	Submits    int // SubmitOrder calls
	Accepted   int // distinct orders created
	Duplicates int // resubmissions of a known id
	Failed     int // calls failed by a scripted fault
	Cancels    int
	Dropped    int // fill events lost to a full channel
}

type Gateway struct {
	mu      sync.Mutex
	orders  map[string]*order
	seq     int
	prices  map[string]float64
	times   map[string]time.Time
	partial int

	failNext   []error
	dropAcks   int
	rejectNext int
	rejectCode string
	dupFills   bool

	fills chan broker.FillEvent
	stats Stats
}

type Option func(*Gateway)

// WithPartialFills splits every market order into n equal fills: one on
// submission and one per later bar.
func WithPartialFills(n int) Option {
	return func(g *Gateway) {
		if n > 1 {
			g.partial = n
		}
	}
}

func WithFillBuffer(n int) Option {
	return func(g *Gateway) { g.fills = make(chan broker.FillEvent, n) }
}

// WithDuplicateFills delivers every fill event twice.
func WithDuplicateFills() Option {
	return func(g *Gateway) { g.dupFills = true }
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		orders:  make(map[string]*order),
		prices:  make(map[string]float64),
		times:   make(map[string]time.Time),
		partial: 1,
		fills:   make(chan broker.FillEvent, 1024),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// FailNext makes the next n SubmitOrder calls return err before the order
// reaches the book.
func (g *Gateway) FailNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.failNext = append(g.failNext, err)
	}
}

// DropAckNext accepts the next n orders but reports a timeout to the caller,
// as if the response was lost on the way back.
func (g *Gateway) DropAckNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropAcks += n
}

// RejectNext rejects the next n new orders with code.
func (g *Gateway) RejectNext(n int, code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectNext += n
	g.rejectCode = code
}

func (g *Gateway) Fills() <-chan broker.FillEvent { return g.fills }

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Order returns the gateway's copy of an order.
func (g *Gateway) Order(id string) (broker.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return broker.Order{}, false
	}
	return o.Order, true
}

// Orders lists every order the gateway has seen, by client order id.
func (g *Gateway) Orders() []broker.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.Order, 0, len(g.orders))
	for _, o := range g.orders {
		out = append(out, o.Order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// ObserveBar moves the simulated market: it records the close as the price
// for market orders and works resting orders for the bar's symbol.
func (g *Gateway) ObserveBar(b market.Bar) {
	g.mu.Lock()
	g.prices[b.Symbol] = b.Close
	g.times[b.Symbol] = b.End()

	var events []broker.FillEvent
	for _, id := range g.sortedIDs() {
		o := g.orders[id]
		if o.Symbol != b.Symbol || o.Status.Terminal() {
			continue
		}
		switch o.Type {
		case broker.Market:
			if o.slices > 0 {
				events = append(events, g.fillLocked(o, math.Min(o.sliceQty, o.Remaining()), b.Close))
			}
		case broker.Limit:
			if (o.Side == market.Long && b.Low <= o.Price) || (o.Side == market.Short && b.High >= o.Price) {
				events = append(events, g.fillLocked(o, o.Remaining(), o.Price))
			}
		}
	}
	g.mu.Unlock()

	g.emit(events)
}

func (g *Gateway) SubmitOrder(ctx context.Context, req broker.Order) (broker.Ack, error) {
	if err := ctx.Err(); err != nil {
		return broker.Ack{ClientOrderID: req.ClientOrderID, Status: broker.Pending},
			fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}

	g.mu.Lock()
	g.stats.Submits++

	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		g.stats.Failed++
		g.mu.Unlock()
		return broker.Ack{ClientOrderID: req.ClientOrderID, Status: broker.Pending}, err
	}

	if o, ok := g.orders[req.ClientOrderID]; ok {
		g.stats.Duplicates++
		ack := o.ack()
		g.mu.Unlock()
		if ack.Status == broker.Rejected {
			return ack, broker.Reject("DUPLICATE_REJECTED", "order was rejected earlier")
		}
		return ack, nil
	}

	o := &order{Order: req}
	o.Status = broker.Submitted
	o.FilledQty, o.AvgPrice = 0, 0
	g.seq++
	o.exchangeID = fmt.Sprintf("SIM-%06d", g.seq)
	g.orders[req.ClientOrderID] = o
	g.stats.Accepted++

	if err := g.validateLocked(o); err != nil {
		o.Status = broker.Rejected
		ack := o.ack()
		g.mu.Unlock()
		return ack, err
	}

	var events []broker.FillEvent
	if o.Type == broker.Market {
		price := g.prices[o.Symbol]
		if price == 0 {
			price = o.Price
		}
		o.slices = g.partial
		o.sliceQty = o.Quantity / float64(g.partial)
		events = append(events, g.fillLocked(o, o.sliceQty, price))
	}
	ack := o.ack()

	lost := false
	if g.dropAcks > 0 {
		g.dropAcks--
		lost = true
	}
	g.mu.Unlock()

	g.emit(events)
	if lost {
		return broker.Ack{ClientOrderID: req.ClientOrderID, Status: broker.Pending},
			fmt.Errorf("%w: %v", broker.ErrTransient, context.DeadlineExceeded)
	}
	return ack, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, id string) (broker.Ack, error) {
	g.mu.Lock()
	o, ok := g.orders[id]
	if !ok {
		g.mu.Unlock()
		return broker.Ack{ClientOrderID: id}, fmt.Errorf("cancel %s: %w", id, broker.ErrUnknownOrder)
	}
	if o.Status.Terminal() {
		ack := o.ack()
		g.mu.Unlock()
		return ack, nil
	}
	g.stats.Cancels++
	o.Status = broker.Canceled
	o.slices = 0
	ev := g.eventLocked(o)
	ack := o.ack()
	g.mu.Unlock()

	g.emit([]broker.FillEvent{ev})
	return ack, nil
}

func (g *Gateway) Reconcile(ctx context.Context, symbol string) ([]broker.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []broker.OpenOrder
	for _, id := range g.sortedIDs() {
		o := g.orders[id]
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		out = append(out, broker.OpenOrder{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Quantity:      o.Quantity,
			FilledQty:     o.FilledQty,
			AvgPrice:      o.AvgPrice,
			Status:        o.Status,
		})
	}
	return out, nil
}

func (g *Gateway) validateLocked(o *order) error {
	if g.rejectNext > 0 {
		g.rejectNext--
		return broker.Reject(g.rejectCode, "scripted rejection")
	}
	switch {
	case !(o.Quantity > 0):
		return broker.Reject("INVALID_QUANTITY", fmt.Sprintf("quantity %g", o.Quantity))
	case o.Side == market.NoSide:
		return broker.Reject("INVALID_SIDE", "no side")
	case o.Type == broker.Market && g.prices[o.Symbol] == 0 && o.Price == 0:
		return broker.Reject("NO_PRICE", "no market price for "+o.Symbol)
	case o.Type == broker.Limit && !(o.Price > 0):
		return broker.Reject("INVALID_PRICE", "limit order without price")
	}
	return nil
}

func (g *Gateway) fillLocked(o *order, qty, price float64) broker.FillEvent {
	filled := o.FilledQty + qty
	if filled >= o.Quantity-1e-12 {
		filled = o.Quantity
	}
	o.AvgPrice = (o.AvgPrice*o.FilledQty + price*(filled-o.FilledQty)) / filled
	o.FilledQty = filled
	if o.slices > 0 {
		o.slices--
	}
	if o.FilledQty >= o.Quantity {
		o.Status = broker.Filled
		o.slices = 0
	} else {
		o.Status = broker.PartiallyFilled
	}
	return g.eventLocked(o)
}

func (g *Gateway) eventLocked(o *order) broker.FillEvent {
	return broker.FillEvent{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     o.FilledQty,
		Price:         o.AvgPrice,
		Status:        o.Status,
		Time:          g.times[o.Symbol],
	}
}

// emit sends without blocking. Acks carry the same cumulative state, so a
// dropped event only delays what the caller already learned.
func (g *Gateway) emit(events []broker.FillEvent) {
	for _, ev := range events {
		n := 1
		if g.dupFills {
			n = 2
		}
		for i := 0; i < n; i++ {
			select {
			case g.fills <- ev:
			default:
				g.mu.Lock()
				g.stats.Dropped++
				g.mu.Unlock()
			}
		}
	}
}

func (g *Gateway) sortedIDs() []string {
	ids := make([]string, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrInjected is a convenience transient error for FailNext.
var ErrInjected = broker.Transient("SIM_FAULT", "injected fault")
