package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// LedgerWriter writes applied commands and their read-model rows to
// Postgres using multi-row INSERT. COPY (pgx CopyFrom) would be the
// production-grade throughput path; multi-row INSERT keeps the writer
// portable across database/sql drivers.
type LedgerWriter struct {
	db *sql.DB
}

// CommandRow is a row in city_log.commands, the authoritative apply log.
type CommandRow struct {
	Sequence    int64
	CommandType string
	CommandID   string
	CityID      string
	Payload     []byte // JSON-encoded command
	StateHash   []byte
	PrevHash    []byte
	AppliedAt   time.Time
}

// TradeRow is a row in city_log.trades.
type TradeRow struct {
	TradeID     string
	Sequence    int64
	BuyOrderID  string
	SellOrderID string
	BuyerCity   string
	SellerCity  string
	Resource    string
	PriceCents  int64
	Qty         int64
	GrossMicro  int64
	FeeMicro    int64
	TaxMicro    int64
	CouncilID   *string
	TradedAt    time.Time
}

// OrderRow is an upsert into city_log.orders.
type OrderRow struct {
	OrderID              string
	CityID               string
	Resource             string
	Side                 string
	PriceCents           int64
	Qty                  int64
	QtyFilled            int64
	Status               string
	TaxRatePPM           int64
	EscrowRemainingMicro int64
	CreatedAt            time.Time
	UpdatedSeq           int64
}

// BalanceRow is an upsert into city_log.balances.
type BalanceRow struct {
	CityID      string
	Resource    string
	Bucket      string
	AmountMicro int64
	UpdatedSeq  int64
}

// CouncilRow is an upsert into city_log.councils.
type CouncilRow struct {
	CouncilID     string
	Name          string
	StewardUserID string
	Region        string
	TaxRatePPM    int64
	TreasuryMicro int64
	UpdatedSeq    int64
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// WriteCommandBatch appends to the apply log. Conflicts on sequence are
// re-deliveries of already-persisted work and are dropped.
func (w *LedgerWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, rows []CommandRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO city_log.commands
		(sequence, command_type, command_id, city_id, payload, state_hash, prev_hash, applied_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.CommandType, r.CommandID, r.CityID,
			r.Payload, r.StateHash, r.PrevHash, r.AppliedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTradeBatch appends settled trades.
func (w *LedgerWriter) WriteTradeBatch(ctx context.Context, tx *sql.Tx, rows []TradeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO city_log.trades
		(trade_id, sequence, buy_order_id, sell_order_id, buyer_city, seller_city,
		 resource, price_cents, qty, gross_micro, fee_micro, tax_micro, council_id, traded_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*14)

	for i, r := range rows {
		base := i * 14
		placeholders := make([]string, 14)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.TradeID, r.Sequence, r.BuyOrderID, r.SellOrderID, r.BuyerCity, r.SellerCity,
			r.Resource, r.PriceCents, r.Qty, r.GrossMicro, r.FeeMicro, r.TaxMicro,
			r.CouncilID, r.TradedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (trade_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertOrders converges order rows on their latest state.
func (w *LedgerWriter) UpsertOrders(ctx context.Context, tx *sql.Tx, rows []OrderRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO city_log.orders
		(order_id, city_id, resource, side, price_cents, qty, qty_filled, status,
		 tax_rate_ppm, escrow_remaining_micro, created_at, updated_seq)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)

	for i, r := range rows {
		base := i * 12
		placeholders := make([]string, 12)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.OrderID, r.CityID, r.Resource, r.Side, r.PriceCents, r.Qty, r.QtyFilled,
			r.Status, r.TaxRatePPM, r.EscrowRemainingMicro, r.CreatedAt, r.UpdatedSeq,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (order_id) DO UPDATE SET
		qty_filled = EXCLUDED.qty_filled,
		status = EXCLUDED.status,
		escrow_remaining_micro = EXCLUDED.escrow_remaining_micro,
		updated_seq = EXCLUDED.updated_seq
		WHERE city_log.orders.updated_seq <= EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertBalances converges balance rows on the newest snapshot.
func (w *LedgerWriter) UpsertBalances(ctx context.Context, tx *sql.Tx, rows []BalanceRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO city_log.balances
		(city_id, resource, bucket, amount_micro, updated_seq)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)

	for i, r := range rows {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, r.CityID, r.Resource, r.Bucket, r.AmountMicro, r.UpdatedSeq)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (city_id, resource, bucket) DO UPDATE SET
		amount_micro = EXCLUDED.amount_micro,
		updated_seq = EXCLUDED.updated_seq
		WHERE city_log.balances.updated_seq <= EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertCouncils converges council rows (rate and treasury) on the newest
// snapshot.
func (w *LedgerWriter) UpsertCouncils(ctx context.Context, tx *sql.Tx, rows []CouncilRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO city_log.councils
		(council_id, name, steward_user_id, region, tax_rate_ppm, treasury_micro, updated_seq)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.CouncilID, r.Name, r.StewardUserID, r.Region,
			r.TaxRatePPM, r.TreasuryMicro, r.UpdatedSeq,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (council_id) DO UPDATE SET
		name = EXCLUDED.name,
		steward_user_id = EXCLUDED.steward_user_id,
		region = EXCLUDED.region,
		tax_rate_ppm = EXCLUDED.tax_rate_ppm,
		treasury_micro = EXCLUDED.treasury_micro,
		updated_seq = EXCLUDED.updated_seq
		WHERE city_log.councils.updated_seq <= EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

