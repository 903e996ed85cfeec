package query

import (
	"time"

	"CityLedger/internal/city"
	"CityLedger/internal/market"

	"github.com/google/uuid"
)

// CityStateResponse is the full city view plus freshness metadata.
type CityStateResponse struct {
	State        city.State `json:"state"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

// DepthResponse is an aggregated order book snapshot, best price first on
// both sides.
type DepthResponse struct {
	Resource     string         `json:"resource"`
	Bids         []market.Level `json:"bids"`
	Asks         []market.Level `json:"asks"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// TradeResponse represents a settled trade for API queries.
type TradeResponse struct {
	TradeID    uuid.UUID `json:"trade_id"`
	Sequence   int64     `json:"sequence"`
	BuyerCity  uuid.UUID `json:"buyer_city"`
	SellerCity uuid.UUID `json:"seller_city"`
	Resource   string    `json:"resource"`
	PriceCents int64     `json:"price_cents"`
	Qty        int64     `json:"qty"`
	GrossMicro int64     `json:"gross_micro"`
	FeeMicro   int64     `json:"fee_micro"`
	TaxMicro   int64     `json:"tax_micro"`
	CouncilID  *string   `json:"council_id,omitempty"`
	TradedAt   time.Time `json:"traded_at"`
}

// TreasuryResponse is a council's registry entry with its accumulated tax.
type TreasuryResponse struct {
	CouncilID     uuid.UUID `json:"council_id"`
	Name          string    `json:"name"`
	Region        string    `json:"region"`
	TaxRatePPM    int64     `json:"tax_rate_ppm"`
	TreasuryMicro int64     `json:"treasury_micro"`
}

// CommandLogEntry is one applied command from the durable apply log.
type CommandLogEntry struct {
	Sequence    int64     `json:"sequence"`
	CommandType string    `json:"command_type"`
	CommandID   string    `json:"command_id"`
	CityID      string    `json:"city_id"`
	AppliedAt   time.Time `json:"applied_at"`
}

// MarketStatsResponse is the per-resource statistics projection row.
type MarketStatsResponse struct {
	Resource         string    `json:"resource"`
	LastPriceCents   int64     `json:"last_price_cents"`
	RollingAvgCents  int64     `json:"rolling_avg_cents"`
	TradeCount       int64     `json:"trade_count"`
	TotalQty         int64     `json:"total_qty"`
	TotalVolumeMicro int64     `json:"total_volume_micro"`
	LastSequence     int64     `json:"last_sequence"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
