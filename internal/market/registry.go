package market

import (
	"sort"
	"sync"
	"sync/atomic"

	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Registry owns one Book per resource kind plus the global arrival sequence
// used for time priority. Books are created lazily and never removed.
type Registry struct {
	mu    sync.Mutex
	books map[sim.Resource]*Book
	seq   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		books: make(map[sim.Resource]*Book),
	}
}

// Book returns the order book for a resource, creating it on first use.
func (r *Registry) Book(resource sim.Resource) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[resource]
	if !ok {
		b = NewBook(resource)
		r.books[resource] = b
	}
	return b
}

// NextSeq returns the next arrival sequence number. Assigned under the
// placing book's critical section, it totally orders orders per book.
func (r *Registry) NextSeq() int64 {
	return r.seq.Add(1)
}

// OpenOrders returns copies of every resting order across all books, ordered
// by arrival sequence, for world snapshots.
func (r *Registry) OpenOrders() []Order {
	r.mu.Lock()
	books := make([]*Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.Unlock()

	var orders []Order
	for _, b := range books {
		orders = append(orders, b.open()...)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	return orders
}

// Restore rebuilds the books from snapshotted resting orders and resumes the
// arrival sequence. Only called during recovery, before any placement.
func (r *Registry) Restore(orders []Order, nextSeq int64) {
	for i := range orders {
		o := orders[i]
		r.Book(o.Resource).restore(&o)
	}
	r.seq.Store(nextSeq)
}

// Seq returns the last assigned arrival sequence number.
func (r *Registry) Seq() int64 {
	return r.seq.Load()
}

// FindOrder locates an order across all books, for cancels that do not name
// the resource.
func (r *Registry) FindOrder(orderID uuid.UUID) (*Book, *Order, bool) {
	r.mu.Lock()
	books := make([]*Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.Unlock()

	for _, b := range books {
		if o, ok := b.Get(orderID); ok {
			return b, o, true
		}
	}
	return nil, nil, false
}
