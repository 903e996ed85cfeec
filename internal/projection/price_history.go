package projection

import (
	"CityLedger/internal/sim"
)

// rollingWindow is how many recent trades feed the rolling average.
const rollingWindow = 64

type pricePoint struct {
	priceCents int64
	qty        int64
}

// PriceHistory keeps a bounded ring of recent trades per resource and
// derives a quantity-weighted rolling average price from it. Maintained by
// the projection worker only, so it needs no locking.
type PriceHistory struct {
	window int
	rings  map[sim.Resource][]pricePoint
}

func NewPriceHistory(window int) *PriceHistory {
	return &PriceHistory{
		window: window,
		rings:  make(map[sim.Resource][]pricePoint),
	}
}

// Record appends a trade to the resource's ring, evicting the oldest point
// once the window is full.
func (ph *PriceHistory) Record(resource sim.Resource, priceCents, qty int64) {
	ring := append(ph.rings[resource], pricePoint{priceCents: priceCents, qty: qty})
	if len(ring) > ph.window {
		ring = ring[1:]
	}
	ph.rings[resource] = ring
}

// RollingAvg returns the quantity-weighted average price over the window,
// zero when the resource has not traded yet.
func (ph *PriceHistory) RollingAvg(resource sim.Resource) int64 {
	ring := ph.rings[resource]
	var notional, qty int64
	for _, p := range ring {
		notional += p.priceCents * p.qty
		qty += p.qty
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// Last returns the most recent trade price, zero when none.
func (ph *PriceHistory) Last(resource sim.Resource) int64 {
	ring := ph.rings[resource]
	if len(ring) == 0 {
		return 0
	}
	return ring[len(ring)-1].priceCents
}
