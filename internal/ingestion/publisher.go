package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CityLedger/internal/engine"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers (map renderers, notification services, analytics). Publishing is
// best-effort: the outbound channel drops when full, and a failed publish is
// logged and skipped, because every applied command is already durable in
// Postgres and consumers can re-read from there.
// Subjects follow the pattern: city.events.{command_type}.{city_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

// AppliedEvent is the outbound wire format for one applied command.
type AppliedEvent struct {
	Sequence    int64           `json:"sequence"`
	CommandType string          `json:"command_type"`
	CommandID   string          `json:"command_id"`
	CityID      string          `json:"city_id"`
	Tick        *tickEventJSON  `json:"tick,omitempty"`
	Trades      []tradeEventJSON `json:"trades,omitempty"`
	StateHash   []byte          `json:"state_hash"`
	AppliedAt   time.Time       `json:"applied_at"`
}

type tickEventJSON struct {
	Tick        int64            `json:"tick"`
	Version     int64            `json:"version"`
	Delta       map[string]int64 `json:"delta"`
	Completions int              `json:"completions"`
}

type tradeEventJSON struct {
	TradeID    string `json:"trade_id"`
	BuyerCity  string `json:"buyer_city"`
	SellerCity string `json:"seller_city"`
	Resource   string `json:"resource"`
	PriceCents int64  `json:"price_cents"`
	Qty        int64  `json:"qty"`
	TaxMicro   int64  `json:"tax_micro"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Int64("sequence", out.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	evt := AppliedEvent{
		Sequence:    out.Sequence,
		CommandType: out.Command.CommandType().String(),
		CommandID:   out.Command.CommandID().String(),
		CityID:      out.Command.City().String(),
		StateHash:   out.StateHash[:],
		AppliedAt:   out.AppliedAt,
	}

	if out.Tick != nil {
		evt.Tick = &tickEventJSON{
			Tick:        out.Tick.Tick,
			Version:     out.Tick.Version,
			Delta:       out.Tick.Delta,
			Completions: len(out.Tick.Completions),
		}
	}

	for _, t := range out.Trades {
		evt.Trades = append(evt.Trades, tradeEventJSON{
			TradeID:    t.ID.String(),
			BuyerCity:  t.BuyerCity.String(),
			SellerCity: t.SellerCity.String(),
			Resource:   t.Resource.String(),
			PriceCents: t.PriceCents,
			Qty:        t.Qty,
			TaxMicro:   t.TaxMicro,
		})
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("city.events.%s.%s", evt.CommandType, evt.CityID)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CITY_EVENTS",
		Subjects:  []string{"city.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "CITY_EVENTS").Msg("ensured outbound stream")
	return nil
}
