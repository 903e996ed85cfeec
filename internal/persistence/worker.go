package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CityLedger/internal/engine"
	"CityLedger/internal/ingestion"
	"CityLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently from the engine; the persist channel uses BLOCKING sends,
// so if this worker falls behind the engine stalls rather than losing an
// applied command.
type Worker struct {
	writer       *LedgerWriter
	db           *sql.DB
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewLedgerWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run starts the worker loop. It batches incoming outputs and flushes when
// the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]engine.Output, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)

			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker NEVER drops an
// applied command; it retries until the write succeeds or the context is
// cancelled, and even then attempts one final flush.
func (w *Worker) flushWithRetry(ctx context.Context, batch []engine.Output) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("batch", len(batch)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("flush").Inc()
		}
	}
}

// flush writes one batch in a single transaction: append-only command and
// trade rows for every output, plus read-model upserts taken from the
// newest output in the batch (intermediate states are superseded anyway).
func (w *Worker) flush(ctx context.Context, batch []engine.Output) error {
	start := time.Now()

	commands, trades, orders := collectRows(batch)
	latest := batch[len(batch)-1]
	balances := balanceRows(latest)
	councils := councilRows(latest)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteCommandBatch(ctx, tx, commands); err != nil {
		return fmt.Errorf("write commands: %w", err)
	}
	if err := w.writer.WriteTradeBatch(ctx, tx, trades); err != nil {
		return fmt.Errorf("write trades: %w", err)
	}
	if err := w.writer.UpsertOrders(ctx, tx, orders); err != nil {
		return fmt.Errorf("upsert orders: %w", err)
	}
	if err := w.writer.UpsertBalances(ctx, tx, balances); err != nil {
		return fmt.Errorf("upsert balances: %w", err)
	}
	if err := w.writer.UpsertCouncils(ctx, tx, councils); err != nil {
		return fmt.Errorf("upsert councils: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistRowsWritten.WithLabelValues("commands").Add(float64(len(commands)))
		w.metrics.PersistRowsWritten.WithLabelValues("trades").Add(float64(len(trades)))
		w.metrics.PersistRowsWritten.WithLabelValues("orders").Add(float64(len(orders)))
		w.metrics.PersistRowsWritten.WithLabelValues("balances").Add(float64(len(balances)))
		w.metrics.PersistRowsWritten.WithLabelValues("councils").Add(float64(len(councils)))
		w.metrics.PersistLastSequence.Set(float64(latest.Sequence))
	}

	return nil
}

// collectRows flattens a batch into append rows plus per-order latest
// states (later outputs supersede earlier ones for the same order).
func collectRows(batch []engine.Output) ([]CommandRow, []TradeRow, []OrderRow) {
	commands := make([]CommandRow, 0, len(batch))
	var trades []TradeRow
	orderLatest := make(map[string]OrderRow)
	var orderIDs []string

	for _, out := range batch {
		cmd := out.Command
		payload, err := ingestion.MarshalCommand(cmd)
		if err != nil {
			payload = []byte("{}")
		}
		commands = append(commands, CommandRow{
			Sequence:    out.Sequence,
			CommandType: cmd.CommandType().String(),
			CommandID:   cmd.CommandID().String(),
			CityID:      cmd.City().String(),
			Payload:     payload,
			StateHash:   out.StateHash[:],
			PrevHash:    out.PrevHash[:],
			AppliedAt:   out.AppliedAt,
		})

		for _, t := range out.Trades {
			var councilID *string
			if t.CouncilID != uuid.Nil {
				s := t.CouncilID.String()
				councilID = &s
			}
			trades = append(trades, TradeRow{
				TradeID:     t.ID.String(),
				Sequence:    out.Sequence,
				BuyOrderID:  t.BuyOrderID.String(),
				SellOrderID: t.SellOrderID.String(),
				BuyerCity:   t.BuyerCity.String(),
				SellerCity:  t.SellerCity.String(),
				Resource:    t.Resource.String(),
				PriceCents:  t.PriceCents,
				Qty:         t.Qty,
				GrossMicro:  t.GrossMicro,
				FeeMicro:    t.FeeMicro,
				TaxMicro:    t.TaxMicro,
				CouncilID:   councilID,
				TradedAt:    t.TradedAt,
			})
		}

		for _, o := range out.Orders {
			id := o.ID.String()
			if _, seen := orderLatest[id]; !seen {
				orderIDs = append(orderIDs, id)
			}
			orderLatest[id] = OrderRow{
				OrderID:              id,
				CityID:               o.CityID.String(),
				Resource:             o.Resource.String(),
				Side:                 o.Side.String(),
				PriceCents:           o.PriceCents,
				Qty:                  o.Qty,
				QtyFilled:            o.QtyFilled,
				Status:               o.Status.String(),
				TaxRatePPM:           o.TaxRatePPM,
				EscrowRemainingMicro: o.EscrowRemainingMicro,
				CreatedAt:            o.CreatedAt,
				UpdatedSeq:           out.Sequence,
			}
		}
	}

	orders := make([]OrderRow, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, orderLatest[id])
	}
	return commands, trades, orders
}

func balanceRows(out engine.Output) []BalanceRow {
	rows := make([]BalanceRow, 0, len(out.Balances))
	for key, amount := range out.Balances {
		rows = append(rows, BalanceRow{
			CityID:      key.CityID.String(),
			Resource:    key.Resource.String(),
			Bucket:      key.Bucket.String(),
			AmountMicro: amount,
			UpdatedSeq:  out.Sequence,
		})
	}
	return rows
}

func councilRows(out engine.Output) []CouncilRow {
	rows := make([]CouncilRow, 0, len(out.Councils))
	for _, c := range out.Councils {
		rows = append(rows, CouncilRow{
			CouncilID:     c.ID.String(),
			Name:          c.Name,
			StewardUserID: c.StewardUserID.String(),
			Region:        c.Region,
			TaxRatePPM:    c.TaxRatePPM,
			TreasuryMicro: c.TreasuryMicro,
			UpdatedSeq:    out.Sequence,
		})
	}
	return rows
}
