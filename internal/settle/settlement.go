package settle

import (
	"fmt"
	"time"

	"CityLedger/internal/econ"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Breakdown is the per-trade money math. Every component is rounded to the
// cent independently (round2) before it touches any balance, so sums over
// many trades stay exact.
//
//	gross         = price × qty
//	fee           = round2(gross × FEE_RATE)
//	tax           = round2(gross × tax_rate)
//	buyer_debit   = gross + fee + tax
//	seller_credit = gross − fee − tax
type Breakdown struct {
	GrossMicro        int64
	FeeMicro          int64
	TaxMicro          int64
	BuyerDebitMicro   int64
	SellerCreditMicro int64
}

// ComputeBreakdown derives the settlement amounts for one match.
func ComputeBreakdown(priceCents, qty, taxRatePPM int64) Breakdown {
	gross := econ.Gross(priceCents, qty)
	fee := econ.ApplyRate(gross, econ.FeeRatePPM)
	tax := econ.ApplyRate(gross, taxRatePPM)
	return Breakdown{
		GrossMicro:        gross,
		FeeMicro:          fee,
		TaxMicro:          tax,
		BuyerDebitMicro:   gross + fee + tax,
		SellerCreditMicro: gross - fee - tax,
	}
}

// WorstCaseDebit is the buyer debit for qty units at the limit price:
// matches only ever improve on the limit, so no single fill can cost more
// than this for its quantity.
func WorstCaseDebit(limitPriceCents, qty, taxRatePPM int64) int64 {
	return ComputeBreakdown(limitPriceCents, qty, taxRatePPM).BuyerDebitMicro
}

// EscrowRequired is the coin hold a buy order takes at placement. Matching
// may slice the order into as many as qty fills, each with its own fee and
// tax rounded to the cent, and those per-fill roundings can overshoot the
// whole-order breakdown by up to a cent per fill. The hold carries that
// headroom on top of the worst-case debit, so settlement stays funded no
// matter how the book slices the order; whatever the fills do not consume
// is released when the order leaves the book.
func EscrowRequired(limitPriceCents, qty, taxRatePPM int64) int64 {
	return WorstCaseDebit(limitPriceCents, qty, taxRatePPM) + (qty+1)*econ.CentMicro
}

// Trade is the immutable settlement record for one executed match.
type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerCity   uuid.UUID
	SellerCity  uuid.UUID
	Resource    sim.Resource
	PriceCents  int64
	Qty         int64
	GrossMicro  int64
	FeeMicro    int64
	TaxMicro    int64
	CouncilID   uuid.UUID // nil UUID when no council governs the buyer's region
	TradedAt    time.Time
}

// Settler executes matches against the balance store and routes tax to the
// council treasury. It does not own the order book; each call settles one
// already-matched fill.
type Settler struct {
	balances *BalanceStore
	councils *CouncilRegistry
}

func NewSettler(balances *BalanceStore, councils *CouncilRegistry) *Settler {
	return &Settler{balances: balances, councils: councils}
}

// Fill describes one match handed over from the order book.
type Fill struct {
	BuyOrderID    uuid.UUID
	SellOrderID   uuid.UUID
	BuyerCity     uuid.UUID
	SellerCity    uuid.UUID
	Resource      sim.Resource
	PriceCents    int64 // resting order's price: the taker never does worse
	Qty           int64 // whole units
	TaxRatePPM    int64 // frozen into the buy order at placement
	CouncilID     uuid.UUID
	EscrowRelease int64 // buyer coin escrow attributable to this fill
	TradedAt      time.Time
}

// Settle applies one fill atomically: buyer coin escrow is released and the
// actual debit taken, the resource moves from seller escrow to the buyer,
// the seller is credited, and fee plus both tax legs land in the market sink
// before the council's share is moved to its treasury. No balance may go
// negative; on any violation nothing is applied.
func (s *Settler) Settle(fill Fill) (*Trade, error) {
	bd := ComputeBreakdown(fill.PriceCents, fill.Qty, fill.TaxRatePPM)
	qtyMicro := econ.FromWhole(fill.Qty)

	buyerCoinsProt := AccountKey{CityID: fill.BuyerCity, Resource: sim.ResourceCoins, Bucket: BucketProtected}
	buyerCoinsAvail := AccountKey{CityID: fill.BuyerCity, Resource: sim.ResourceCoins, Bucket: BucketAvailable}
	buyerRes := AccountKey{CityID: fill.BuyerCity, Resource: fill.Resource, Bucket: BucketAvailable}
	sellerResProt := AccountKey{CityID: fill.SellerCity, Resource: fill.Resource, Bucket: BucketProtected}
	sellerCoins := AccountKey{CityID: fill.SellerCity, Resource: sim.ResourceCoins, Bucket: BucketAvailable}
	sink := AccountKey{CityID: MarketSinkCity, Resource: sim.ResourceCoins, Bucket: BucketAvailable}

	// The sink absorbs both fee legs and the seller-side tax leg; the buyer
	// tax leg is what reaches the treasury.
	sinkCredit := bd.BuyerDebitMicro - bd.SellerCreditMicro - bd.TaxMicro

	entries := []Entry{
		{Key: buyerCoinsProt, Delta: -fill.EscrowRelease},
		{Key: buyerCoinsAvail, Delta: fill.EscrowRelease - bd.BuyerDebitMicro},
		{Key: buyerRes, Delta: qtyMicro},
		{Key: sellerResProt, Delta: -qtyMicro},
		{Key: sellerCoins, Delta: bd.SellerCreditMicro},
		{Key: sink, Delta: sinkCredit},
	}

	if err := s.balances.ApplyAtomic(entries); err != nil {
		return nil, fmt.Errorf("settle %s x%d @ %d: %w", fill.Resource, fill.Qty, fill.PriceCents, err)
	}

	if fill.CouncilID != uuid.Nil && bd.TaxMicro > 0 {
		if err := s.councils.CreditTreasury(fill.CouncilID, bd.TaxMicro); err != nil {
			// Unwind the balance legs; the treasury has not been touched.
			unwind := make([]Entry, len(entries))
			for i, e := range entries {
				unwind[i] = Entry{Key: e.Key, Delta: -e.Delta}
			}
			if uerr := s.balances.ApplyAtomic(unwind); uerr != nil {
				panic(fmt.Sprintf("FATAL: settlement unwind failed: %v (after %v)", uerr, err))
			}
			return nil, err
		}
	}

	// A buy/sell order pair crosses at most once, so the pair names the
	// trade. Derived, not random: replaying the log reproduces the same
	// trade IDs and the trades table stays conflict-deduplicated.
	tradeID := uuid.NewSHA1(uuid.NameSpaceOID, append(fill.BuyOrderID[:], fill.SellOrderID[:]...))

	return &Trade{
		ID:          tradeID,
		BuyOrderID:  fill.BuyOrderID,
		SellOrderID: fill.SellOrderID,
		BuyerCity:   fill.BuyerCity,
		SellerCity:  fill.SellerCity,
		Resource:    fill.Resource,
		PriceCents:  fill.PriceCents,
		Qty:         fill.Qty,
		GrossMicro:  bd.GrossMicro,
		FeeMicro:    bd.FeeMicro,
		TaxMicro:    bd.TaxMicro,
		CouncilID:   fill.CouncilID,
		TradedAt:    fill.TradedAt,
	}, nil
}
