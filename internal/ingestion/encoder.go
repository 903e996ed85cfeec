package ingestion

import (
	"encoding/json"
	"fmt"

	"CityLedger/internal/command"
)

// MarshalCommand serializes a command into the same wire JSON the parser
// accepts, so the apply-log payload round-trips through ParseCommandJSON
// during replay.
func MarshalCommand(cmd command.Command) ([]byte, error) {
	env := envelopeJSON{
		CommandID:    cmd.CommandID().String(),
		CityID:       cmd.City().String(),
		ClientTimeUs: cmd.ClientTime().UnixMicro(),
	}

	switch c := cmd.(type) {
	case command.Build:
		env.ExpectedVersion = c.ExpectedVersion
		return json.Marshal(buildJSON{
			envelopeJSON: env,
			Building:     string(c.Building),
			Slot:         c.Slot,
		})
	case command.Train:
		env.ExpectedVersion = c.ExpectedVersion
		return json.Marshal(trainJSON{
			envelopeJSON: env,
			Unit:         string(c.Unit),
			Qty:          c.Qty,
		})
	case command.LawSet:
		env.ExpectedVersion = c.ExpectedVersion
		return json.Marshal(lawSetJSON{
			envelopeJSON: env,
			TaxRatePPM:   c.Laws.TaxPPM,
			MarketFeePPM: c.Laws.MarketFeePPM,
			Rationing:    c.Laws.Rationing,
		})
	case command.OrderPlace:
		env.ExpectedVersion = c.ExpectedVersion
		return json.Marshal(orderPlaceJSON{
			envelopeJSON: env,
			Resource:     c.Resource.String(),
			Side:         c.OrderSide.String(),
			PriceCents:   c.PriceCents,
			Qty:          c.Qty,
		})
	case command.OrderCancel:
		env.ExpectedVersion = c.ExpectedVersion
		return json.Marshal(orderCancelJSON{
			envelopeJSON: env,
			OrderID:      c.OrderID.String(),
		})
	case command.ExpeditionStart:
		env.ExpectedVersion = c.ExpectedVersion
		heroes := make([]string, 0, len(c.HeroIDs))
		for _, id := range c.HeroIDs {
			heroes = append(heroes, id.String())
		}
		return json.Marshal(expeditionStartJSON{
			envelopeJSON:  env,
			Destination:   c.Destination,
			DurationTicks: c.DurationTicks,
			HeroIDs:       heroes,
		})
	case command.Tick:
		return json.Marshal(tickJSON{
			envelopeJSON: env,
			WorldTick:    c.WorldTick,
		})
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}
