package settle

import (
	"fmt"
	"strings"
	"sync"

	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Bucket splits a city's holding of one resource into spendable and
// market-escrowed portions. The persisted balance row's `protected` column
// maps to BucketProtected.
type Bucket uint8

const (
	BucketAvailable Bucket = iota
	BucketProtected
)

func (b Bucket) String() string {
	if b == BucketProtected {
		return "protected"
	}
	return "available"
}

// AccountKey identifies one balance cell.
type AccountKey struct {
	CityID   uuid.UUID
	Resource sim.Resource
	Bucket   Bucket
}

// MarketSinkCity is the system account that absorbs fees and the residual
// tax leg so every settlement is conservative end to end.
var MarketSinkCity = uuid.Nil

// AccountPath returns the string representation for storage/logging.
func (k AccountKey) AccountPath() string {
	if k.CityID == MarketSinkCity {
		return fmt.Sprintf("system:market:%s:%s", k.Resource, k.Bucket)
	}
	return fmt.Sprintf("city:%s:%s:%s", k.CityID, k.Resource, k.Bucket)
}

// ParseAccountPath inverts AccountPath, for snapshot restore.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 4 {
		return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "system":
		if parts[1] != "market" {
			return AccountKey{}, fmt.Errorf("unknown system account: %q", path)
		}
		key.CityID = MarketSinkCity
	case "city":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse city id in %q: %w", path, err)
		}
		key.CityID = id
	default:
		return AccountKey{}, fmt.Errorf("unknown account namespace: %q", path)
	}

	resource, err := sim.ParseResource(parts[2])
	if err != nil {
		return AccountKey{}, fmt.Errorf("parse resource in %q: %w", path, err)
	}
	key.Resource = resource

	switch parts[3] {
	case "available":
		key.Bucket = BucketAvailable
	case "protected":
		key.Bucket = BucketProtected
	default:
		return AccountKey{}, fmt.Errorf("unknown bucket in %q", path)
	}

	return key, nil
}

// Entry is one signed balance mutation inside an atomic batch.
type Entry struct {
	Key   AccountKey
	Delta int64
}

// BalanceStore holds every city's resource balances. It is the single source
// of truth the City Actors, the market escrow, and Settlement all mutate.
// All multi-entry operations are atomic: either every entry applies and no
// resulting balance is negative, or nothing applies.
type BalanceStore struct {
	mu       sync.Mutex
	balances map[AccountKey]int64
}

func NewBalanceStore() *BalanceStore {
	return &BalanceStore{
		balances: make(map[AccountKey]int64),
	}
}

// Get returns the current balance for a single cell.
func (bs *BalanceStore) Get(key AccountKey) int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.balances[key]
}

// Available returns the spendable balance for a city resource.
func (bs *BalanceStore) Available(cityID uuid.UUID, r sim.Resource) int64 {
	return bs.Get(AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable})
}

// Protected returns the market-escrowed balance for a city resource.
func (bs *BalanceStore) Protected(cityID uuid.UUID, r sim.Resource) int64 {
	return bs.Get(AccountKey{CityID: cityID, Resource: r, Bucket: BucketProtected})
}

// Credit adds amount to a city's available balance.
func (bs *BalanceStore) Credit(cityID uuid.UUID, r sim.Resource, amount int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.balances[AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}] += amount
}

// DebitCost removes a full cost vector from a city's available balances,
// all-or-nothing. Returns an error naming the first short resource.
func (bs *BalanceStore) DebitCost(cityID uuid.UUID, cost sim.ResourceVector) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for _, r := range sim.AllResources {
		need := cost.Get(r)
		if need == 0 {
			continue
		}
		key := AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}
		if bs.balances[key] < need {
			return fmt.Errorf("insufficient %s: have %d, need %d", r, bs.balances[key], need)
		}
	}
	for _, r := range sim.AllResources {
		if need := cost.Get(r); need != 0 {
			bs.balances[AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}] -= need
		}
	}
	return nil
}

// Refund returns a previously debited cost vector to available balances.
func (bs *BalanceStore) Refund(cityID uuid.UUID, cost sim.ResourceVector) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, r := range sim.AllResources {
		if amt := cost.Get(r); amt != 0 {
			bs.balances[AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}] += amt
		}
	}
}

// ApplyTickDelta applies a production delta to a city's available balances,
// clamping every resulting balance at zero. The clamp absorbs upkeep
// shortfalls structurally; negative balances are unrepresentable here.
func (bs *BalanceStore) ApplyTickDelta(cityID uuid.UUID, delta sim.ResourceVector) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, r := range sim.AllResources {
		key := AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}
		next := bs.balances[key] + delta.Get(r)
		if next < 0 {
			next = 0
		}
		bs.balances[key] = next
	}
}

// Hold moves amount from available to protected (market escrow).
func (bs *BalanceStore) Hold(cityID uuid.UUID, r sim.Resource, amount int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	avail := AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}
	if bs.balances[avail] < amount {
		return fmt.Errorf("insufficient %s to escrow: have %d, need %d", r, bs.balances[avail], amount)
	}
	bs.balances[avail] -= amount
	bs.balances[AccountKey{CityID: cityID, Resource: r, Bucket: BucketProtected}] += amount
	return nil
}

// Release moves amount from protected back to available (cancel or refund).
func (bs *BalanceStore) Release(cityID uuid.UUID, r sim.Resource, amount int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	prot := AccountKey{CityID: cityID, Resource: r, Bucket: BucketProtected}
	if bs.balances[prot] < amount {
		return fmt.Errorf("escrow underflow for %s: have %d, release %d", r, bs.balances[prot], amount)
	}
	bs.balances[prot] -= amount
	bs.balances[AccountKey{CityID: cityID, Resource: r, Bucket: BucketAvailable}] += amount
	return nil
}

// ApplyAtomic applies a batch of entries as one unit. Every resulting balance
// is validated non-negative before anything is written; on failure no entry
// is applied.
func (bs *BalanceStore) ApplyAtomic(entries []Entry) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	staged := make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		if _, ok := staged[e.Key]; !ok {
			staged[e.Key] = bs.balances[e.Key]
		}
		staged[e.Key] += e.Delta
	}
	for key, next := range staged {
		if next < 0 {
			return fmt.Errorf("settlement would drive %s negative: %d", key.AccountPath(), next)
		}
	}
	for key, next := range staged {
		bs.balances[key] = next
	}
	return nil
}

// Restore replaces all balances with a snapshot. Only called during
// recovery, before the engine starts processing.
func (bs *BalanceStore) Restore(snapshot map[AccountKey]int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.balances = make(map[AccountKey]int64, len(snapshot))
	for k, v := range snapshot {
		bs.balances[k] = v
	}
}

// Snapshot returns a copy of all balances for persistence and hashing.
func (bs *BalanceStore) Snapshot() map[AccountKey]int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[AccountKey]int64, len(bs.balances))
	for k, v := range bs.balances {
		out[k] = v
	}
	return out
}
