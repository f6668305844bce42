package indicators

import (
	"fmt"

	"github.com/rustyeddy/dreamrunner/market"
)

// Kagi tracks a Kagi line over closes. The line follows new extremes in the
// current direction and flips once price reverses by at least the reversal
// amount. The first bar only seeds the line.
type Kagi struct {
	reversal  float64
	line      float64
	direction int
	count     int
}

func NewKagi(reversal float64) *Kagi {
	return &Kagi{reversal: reversal, direction: 1}
}

func (k *Kagi) Name() string { return fmt.Sprintf("KAGI(%g)", k.reversal) }
func (k *Kagi) Warmup() int  { return 2 }

func (k *Kagi) Reset() {
	k.line = 0
	k.direction = 1
	k.count = 0
}

func (k *Kagi) Update(b market.Bar) {
	k.count++
	if k.count == 1 {
		k.line = b.Close
		return
	}

	c := b.Close
	if k.direction > 0 {
		switch {
		case k.line-c >= k.reversal:
			k.line, k.direction = c, -1
		case c > k.line:
			k.line = c
		}
		return
	}
	switch {
	case c-k.line >= k.reversal:
		k.line, k.direction = c, 1
	case c < k.line:
		k.line = c
	}
}

func (k *Kagi) Ready() bool { return k.count >= 2 }

func (k *Kagi) Value() float64 {
	if !k.Ready() {
		return 0
	}
	return k.line
}

func (k *Kagi) Direction() int { return k.direction }
