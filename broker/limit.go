package broker

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type limited struct {
	gw      Gateway
	limiter *rate.Limiter
}

// Throttle wraps gw so order submissions and cancels share one token bucket.
// Reconcile and the fill stream are not throttled. A nil limiter returns gw
// unchanged.
func Throttle(gw Gateway, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return gw
	}
	return &limited{gw: gw, limiter: limiter}
}

func (l *limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", ErrTransient, err)
	}
	return nil
}

func (l *limited) SubmitOrder(ctx context.Context, o Order) (Ack, error) {
	if err := l.wait(ctx); err != nil {
		return Ack{ClientOrderID: o.ClientOrderID, Status: Pending}, err
	}
	return l.gw.SubmitOrder(ctx, o)
}

func (l *limited) CancelOrder(ctx context.Context, id string) (Ack, error) {
	if err := l.wait(ctx); err != nil {
		return Ack{ClientOrderID: id}, err
	}
	return l.gw.CancelOrder(ctx, id)
}

func (l *limited) Reconcile(ctx context.Context, symbol string) ([]OpenOrder, error) {
	return l.gw.Reconcile(ctx, symbol)
}

func (l *limited) Fills() <-chan FillEvent { return l.gw.Fills() }
