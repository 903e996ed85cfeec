package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CityLedger/internal/engine"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// QueryService serves the read side. Live state (city view, order book
// depth) comes straight from the engine's in-memory truth; history (trades,
// apply log) and treasuries come from the Postgres read model. Every
// response carries as_of_sequence for freshness semantics.
type QueryService struct {
	db  *sql.DB
	eng *engine.Engine
}

func NewQueryService(db *sql.DB, eng *engine.Engine) *QueryService {
	return &QueryService{db: db, eng: eng}
}

// GetCityState returns the full city view, resources included, with the
// version the caller can echo back as expected_version.
func (qs *QueryService) GetCityState(cityID uuid.UUID) (*CityStateResponse, error) {
	actor, ok := qs.eng.Actor(cityID)
	if !ok {
		return nil, fmt.Errorf("unknown city: %s", cityID)
	}
	return &CityStateResponse{
		State:        actor.State(time.Now()),
		AsOfSequence: qs.eng.Sequence(),
	}, nil
}

// GetOrderBookDepth returns the aggregated book for one resource.
func (qs *QueryService) GetOrderBookDepth(resource sim.Resource) (*DepthResponse, error) {
	if !resource.Valid() || resource == sim.ResourceCoins {
		return nil, fmt.Errorf("resource not tradeable: %s", resource)
	}
	bids, asks := qs.eng.Markets().Book(resource).Depth()
	return &DepthResponse{
		Resource:     resource.String(),
		Bids:         bids,
		Asks:         asks,
		AsOfSequence: qs.eng.Sequence(),
	}, nil
}

// GetTreasuries returns every council with its accumulated tax treasury.
func (qs *QueryService) GetTreasuries() []TreasuryResponse {
	councils := qs.eng.Councils().All()
	out := make([]TreasuryResponse, 0, len(councils))
	for _, c := range councils {
		out = append(out, TreasuryResponse{
			CouncilID:     c.ID,
			Name:          c.Name,
			Region:        c.Region,
			TaxRatePPM:    c.TaxRatePPM,
			TreasuryMicro: c.TreasuryMicro,
		})
	}
	return out
}

// GetMarketStats returns the statistics projection row for one resource.
// Resources that have never traded return zeroed stats.
func (qs *QueryService) GetMarketStats(ctx context.Context, resource sim.Resource) (*MarketStatsResponse, error) {
	if !resource.Valid() || resource == sim.ResourceCoins {
		return nil, fmt.Errorf("resource not tradeable: %s", resource)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT resource, last_price_cents, rolling_avg_cents, trade_count,
		       total_qty, total_volume_micro, last_sequence, updated_at
		FROM city_log.market_stats
		WHERE resource = $1
	`, resource.String())

	var stats MarketStatsResponse
	err := row.Scan(
		&stats.Resource, &stats.LastPriceCents, &stats.RollingAvgCents,
		&stats.TradeCount, &stats.TotalQty, &stats.TotalVolumeMicro,
		&stats.LastSequence, &stats.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return &MarketStatsResponse{Resource: resource.String(), UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetTradeHistory returns settled trades, newest first, with cursor-based
// pagination. Either filter may be nil.
func (qs *QueryService) GetTradeHistory(
	ctx context.Context,
	cityID *uuid.UUID,
	resource *sim.Resource,
	limit int,
	beforeSequence *int64,
) ([]TradeResponse, error) {
	query := `
		SELECT trade_id, sequence, buyer_city, seller_city, resource,
		       price_cents, qty, gross_micro, fee_micro, tax_micro, council_id, traded_at
		FROM city_log.trades
		WHERE TRUE
	`
	var args []interface{}
	argIdx := 1

	if cityID != nil {
		query += fmt.Sprintf(" AND (buyer_city = $%d OR seller_city = $%d)", argIdx, argIdx)
		args = append(args, *cityID)
		argIdx++
	}

	if resource != nil {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, resource.String())
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		var t TradeResponse
		if err := rows.Scan(
			&t.TradeID, &t.Sequence, &t.BuyerCity, &t.SellerCity, &t.Resource,
			&t.PriceCents, &t.Qty, &t.GrossMicro, &t.FeeMicro, &t.TaxMicro,
			&t.CouncilID, &t.TradedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetCommandLog returns applied commands for a city, newest first.
func (qs *QueryService) GetCommandLog(
	ctx context.Context,
	cityID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]CommandLogEntry, error) {
	query := `
		SELECT sequence, command_type, command_id, city_id, applied_at
		FROM city_log.commands
		WHERE city_id = $1
	`
	args := []interface{}{cityID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CommandLogEntry
	for rows.Next() {
		var e CommandLogEntry
		if err := rows.Scan(&e.Sequence, &e.CommandType, &e.CommandID, &e.CityID, &e.AppliedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity across the apply log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM city_log.commands c1
		LEFT JOIN city_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 0 AND c1.prev_hash != COALESCE(c2.state_hash, c1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}
