package projection

import (
	"context"
	"database/sql"
	"fmt"

	"CityLedger/internal/engine"
	"CityLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker maintains the per-resource market statistics read model from
// applied trades. Its input channel is non-blocking with drop: if the
// projection falls behind it can always be rebuilt from the trade log, so
// it must never stall the engine.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	history   *PriceHistory
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		history:   NewPriceHistory(rollingWindow),
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if len(output.Trades) == 0 {
				continue
			}

			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().
					Int64("sequence", output.Sequence).
					Err(err).
					Msg("market stats update failed")
				if w.metrics != nil {
					w.metrics.ProjectionErrors.Inc()
				}
				// Eventually consistent; rebuildable from city_log.trades
			}

			w.lastSeq = output.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionLastSequence.Set(float64(w.lastSeq))
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, output engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range output.Trades {
		w.history.Record(t.Resource, t.PriceCents, t.Qty)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO city_log.market_stats
				(resource, last_price_cents, rolling_avg_cents, trade_count, total_qty, total_volume_micro, last_sequence, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5, $6, NOW())
			ON CONFLICT (resource) DO UPDATE SET
				last_price_cents   = $2,
				rolling_avg_cents  = $3,
				trade_count        = city_log.market_stats.trade_count + 1,
				total_qty          = city_log.market_stats.total_qty + $4,
				total_volume_micro = city_log.market_stats.total_volume_micro + $5,
				last_sequence      = $6,
				updated_at         = NOW()
		`, t.Resource.String(), t.PriceCents, w.history.RollingAvg(t.Resource),
			t.Qty, t.GrossMicro, output.Sequence); err != nil {
			return fmt.Errorf("market stats upsert: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO city_log.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('market_stats', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Rebuild recomputes market statistics from the trade log. The rolling
// average is left to reconverge from live trades.
func Rebuild(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `TRUNCATE city_log.market_stats`); err != nil {
		return fmt.Errorf("truncate market stats: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		DELETE FROM city_log.projection_watermark WHERE worker_id = 'market_stats'
	`); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO city_log.market_stats
			(resource, last_price_cents, rolling_avg_cents, trade_count, total_qty, total_volume_micro, last_sequence, updated_at)
		SELECT DISTINCT ON (resource)
			resource,
			price_cents,
			(SELECT SUM(t2.price_cents * t2.qty) / NULLIF(SUM(t2.qty), 0)
			   FROM city_log.trades t2 WHERE t2.resource = t.resource),
			(SELECT COUNT(*) FROM city_log.trades t2 WHERE t2.resource = t.resource),
			(SELECT COALESCE(SUM(t2.qty), 0) FROM city_log.trades t2 WHERE t2.resource = t.resource),
			(SELECT COALESCE(SUM(t2.gross_micro), 0) FROM city_log.trades t2 WHERE t2.resource = t.resource),
			(SELECT MAX(t2.sequence) FROM city_log.trades t2 WHERE t2.resource = t.resource),
			NOW()
		FROM city_log.trades t
		ORDER BY resource, sequence DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild market stats: %w", err)
	}
	return nil
}
