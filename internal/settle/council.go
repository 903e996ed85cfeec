package settle

import (
	"fmt"
	"sync"
	"time"

	"CityLedger/internal/econ"

	"github.com/google/uuid"
)

// Council is a regional authority that taxes trades into its treasury.
// TreasuryMicro is monotonically non-decreasing: the core only credits it.
type Council struct {
	ID            uuid.UUID
	Name          string
	StewardUserID uuid.UUID
	Region        string
	TaxRatePPM    int64
	TreasuryMicro int64
	CreatedAt     time.Time
}

// CouncilRegistry indexes councils by id and region. Councils are created by
// the onboarding collaborator; the core only reads tax rates and credits
// treasuries.
type CouncilRegistry struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*Council
	byRegion map[string]uuid.UUID
}

func NewCouncilRegistry() *CouncilRegistry {
	return &CouncilRegistry{
		byID:     make(map[uuid.UUID]*Council),
		byRegion: make(map[string]uuid.UUID),
	}
}

// Register adds or replaces a council. Rejects out-of-bounds tax rates so a
// bad onboarding record cannot undermine settlement bounds.
func (cr *CouncilRegistry) Register(c *Council) error {
	if c.TaxRatePPM < 0 || c.TaxRatePPM > econ.MaxTaxRatePPM {
		return fmt.Errorf("council %s tax rate out of bounds: %d ppm", c.ID, c.TaxRatePPM)
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.byID[c.ID] = c
	cr.byRegion[c.Region] = c.ID
	return nil
}

// ByID returns a copy of the council record.
func (cr *CouncilRegistry) ByID(id uuid.UUID) (Council, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.byID[id]
	if !ok {
		return Council{}, false
	}
	return *c, true
}

// ByRegion returns a copy of the council governing a region.
func (cr *CouncilRegistry) ByRegion(region string) (Council, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	id, ok := cr.byRegion[region]
	if !ok {
		return Council{}, false
	}
	return *cr.byID[id], true
}

// TaxRateForRegion returns the governing council's tax rate, zero when the
// region has no council.
func (cr *CouncilRegistry) TaxRateForRegion(region string) int64 {
	c, ok := cr.ByRegion(region)
	if !ok {
		return 0
	}
	return c.TaxRatePPM
}

// CreditTreasury adds a rounded per-trade tax amount to the treasury.
// Amounts are rounded before this call; the treasury only ever sums exact
// cent-aligned values, which is what makes the tax total drift-free.
func (cr *CouncilRegistry) CreditTreasury(id uuid.UUID, taxMicro int64) error {
	if taxMicro < 0 {
		return fmt.Errorf("treasury credit must be non-negative: %d", taxMicro)
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.byID[id]
	if !ok {
		return fmt.Errorf("unknown council: %s", id)
	}
	c.TreasuryMicro += taxMicro
	return nil
}

// Treasury returns the current treasury balance.
func (cr *CouncilRegistry) Treasury(id uuid.UUID) int64 {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.byID[id]
	if !ok {
		return 0
	}
	return c.TreasuryMicro
}

// All returns copies of every council, for persistence.
func (cr *CouncilRegistry) All() []Council {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]Council, 0, len(cr.byID))
	for _, c := range cr.byID {
		out = append(out, *c)
	}
	return out
}
