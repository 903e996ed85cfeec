package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"CityLedger/internal/command"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Status is the order lifecycle state. Transitions are one-directional:
// open → filled or open → cancelled, never back.
type Status int32

const (
	StatusOpen Status = iota
	StatusFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is a limit order on the book. QtyFilled is the single source of
// truth for matched quantity: it only ever increases and never exceeds Qty,
// so repeated matching passes cannot double-count.
type Order struct {
	ID         uuid.UUID
	CityID     uuid.UUID
	Resource   sim.Resource
	Side       command.Side
	PriceCents int64
	Qty        int64
	QtyFilled  int64
	Status     Status
	CreatedAt  time.Time
	Seq        int64 // arrival sequence; tiebreaker for equal prices

	// TaxRatePPM and CouncilID are the buyer's council rate and council,
	// frozen at placement; escrow is sized against the frozen rate so a
	// mid-flight rate change can never under-fund a settlement.
	TaxRatePPM int64
	CouncilID  uuid.UUID

	// EscrowRemainingMicro tracks buy-order coin escrow not yet released.
	// Sell orders escrow the resource itself, implicitly Qty − QtyFilled.
	EscrowRemainingMicro int64
}

// Remaining returns the unmatched quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.QtyFilled
}

// Match is one crossing of an incoming order against a resting order,
// executed at the resting order's price (the taker never does worse).
type Match struct {
	Buy        *Order
	Sell       *Order
	PriceCents int64
	Qty        int64
}

// Book is the order book for a single resource kind: bids descending by
// price then ascending by arrival, asks ascending by price then ascending by
// arrival — price-time priority with strict FIFO among equal prices.
// All callers are serialized by the book's own mutex (single-writer).
type Book struct {
	Resource sim.Resource

	mu     sync.Mutex
	bids   []*Order
	asks   []*Order
	orders map[uuid.UUID]*Order
}

func NewBook(resource sim.Resource) *Book {
	return &Book{
		Resource: resource,
		orders:   make(map[uuid.UUID]*Order),
	}
}

// Place matches the incoming order against the opposite side while it
// crosses, then rests any remainder. Returned matches are in execution
// order; the book itself never mutates balances.
func (b *Book) Place(o *Order) []Match {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []Match

	if o.Side == command.SideBuy {
		for o.Remaining() > 0 && len(b.asks) > 0 && b.asks[0].PriceCents <= o.PriceCents {
			resting := b.asks[0]
			matches = append(matches, cross(o, resting, resting.PriceCents))
			if resting.Remaining() == 0 {
				resting.Status = StatusFilled
				b.asks = b.asks[1:]
			}
		}
	} else {
		for o.Remaining() > 0 && len(b.bids) > 0 && b.bids[0].PriceCents >= o.PriceCents {
			resting := b.bids[0]
			matches = append(matches, cross(resting, o, resting.PriceCents))
			if resting.Remaining() == 0 {
				resting.Status = StatusFilled
				b.bids = b.bids[1:]
			}
		}
	}

	if o.Remaining() == 0 {
		o.Status = StatusFilled
	} else {
		b.rest(o)
	}
	b.orders[o.ID] = o

	return matches
}

// cross executes min(remaining, remaining) at the resting order's price.
func cross(buy, sell *Order, restingPrice int64) Match {
	qty := buy.Remaining()
	if sell.Remaining() < qty {
		qty = sell.Remaining()
	}

	buy.QtyFilled += qty
	sell.QtyFilled += qty

	return Match{Buy: buy, Sell: sell, PriceCents: restingPrice, Qty: qty}
}

// rest inserts the order into its side preserving price-time priority.
func (b *Book) rest(o *Order) {
	o.Status = StatusOpen
	if o.Side == command.SideBuy {
		idx := sort.Search(len(b.bids), func(i int) bool {
			if b.bids[i].PriceCents != o.PriceCents {
				return b.bids[i].PriceCents < o.PriceCents
			}
			return b.bids[i].Seq > o.Seq
		})
		b.bids = append(b.bids, nil)
		copy(b.bids[idx+1:], b.bids[idx:])
		b.bids[idx] = o
	} else {
		idx := sort.Search(len(b.asks), func(i int) bool {
			if b.asks[i].PriceCents != o.PriceCents {
				return b.asks[i].PriceCents > o.PriceCents
			}
			return b.asks[i].Seq > o.Seq
		})
		b.asks = append(b.asks, nil)
		copy(b.asks[idx+1:], b.asks[idx:])
		b.asks[idx] = o
	}
}

// Cancel transitions an open order owned by cityID to cancelled and removes
// it from its side of the book. The order (with its remaining escrow) is
// returned so the caller can refund.
func (b *Book) Cancel(orderID, cityID uuid.UUID) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order: %s", orderID)
	}
	if o.CityID != cityID {
		return nil, fmt.Errorf("order %s is not owned by city %s", orderID, cityID)
	}
	if o.Status != StatusOpen {
		return nil, fmt.Errorf("order %s is %s, not open", orderID, o.Status)
	}

	o.Status = StatusCancelled
	if o.Side == command.SideBuy {
		b.bids = removeOrder(b.bids, orderID)
	} else {
		b.asks = removeOrder(b.asks, orderID)
	}
	return o, nil
}

func removeOrder(side []*Order, id uuid.UUID) []*Order {
	for i, o := range side {
		if o.ID == id {
			return append(side[:i], side[i+1:]...)
		}
	}
	return side
}

// open returns copies of the book's resting orders.
func (b *Book) open() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	orders := make([]Order, 0, len(b.bids)+len(b.asks))
	for _, o := range b.bids {
		orders = append(orders, *o)
	}
	for _, o := range b.asks {
		orders = append(orders, *o)
	}
	return orders
}

// restore rests a snapshotted order without matching; its Seq and escrow
// bookkeeping are preserved as captured.
func (b *Book) restore(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rest(o)
	b.orders[o.ID] = o
}

// Get returns an order by id.
func (b *Book) Get(orderID uuid.UUID) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	return o, ok
}

// Level is one aggregated price level in a depth snapshot.
type Level struct {
	PriceCents int64 `json:"price"`
	Qty        int64 `json:"qty"`
}

// Depth returns the aggregated book, best price first on both sides.
func (b *Book) Depth() (bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return aggregate(b.bids), aggregate(b.asks)
}

func aggregate(side []*Order) []Level {
	var levels []Level
	for _, o := range side {
		if n := len(levels); n > 0 && levels[n-1].PriceCents == o.PriceCents {
			levels[n-1].Qty += o.Remaining()
			continue
		}
		levels = append(levels, Level{PriceCents: o.PriceCents, Qty: o.Remaining()})
	}
	return levels
}
