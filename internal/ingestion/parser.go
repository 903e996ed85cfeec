package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CityLedger/internal/command"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + subject) into a typed
// command.Command. The ingestion shell validates and converts everything
// before the engine sees it; the engine never parses wire bytes.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	cmdType := CommandTypeForSubject(raw.Subject)
	if cmdType == "" {
		return nil, fmt.Errorf("unknown command subject: %s", raw.Subject)
	}
	return ParseCommandJSON(cmdType, raw.Data)
}

// ParseCommandJSON converts a JSON payload of the named command type into a
// typed command. Shared by the NATS path and the HTTP command API.
func ParseCommandJSON(cmdType string, data []byte) (command.Command, error) {
	switch cmdType {
	case "build":
		return parseBuild(data)
	case "train":
		return parseTrain(data)
	case "law_set":
		return parseLawSet(data)
	case "order_place":
		return parseOrderPlace(data)
	case "order_cancel":
		return parseOrderCancel(data)
	case "expedition_start":
		return parseExpeditionStart(data)
	case "tick":
		return parseTick(data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", cmdType)
	}
}

// CommandTypeForSubject maps a NATS subject to the command type it carries.
func CommandTypeForSubject(subject string) string {
	if subject == "city.ticks" || strings.HasPrefix(subject, "city.ticks.") {
		return "tick"
	}
	rest := strings.TrimPrefix(subject, "city.cmd.")
	if rest == subject {
		return ""
	}
	switch {
	case strings.HasPrefix(rest, "build"):
		return "build"
	case strings.HasPrefix(rest, "train"):
		return "train"
	case strings.HasPrefix(rest, "law"):
		return "law_set"
	case strings.HasPrefix(rest, "order.place"):
		return "order_place"
	case strings.HasPrefix(rest, "order.cancel"):
		return "order_cancel"
	case strings.HasPrefix(rest, "expedition"):
		return "expedition_start"
	default:
		return ""
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and the HTTP
// command API. Field names use snake_case to match upstream producers.

type envelopeJSON struct {
	CommandID       string `json:"command_id"`
	CityID          string `json:"city_id"`
	ClientTimeUs    int64  `json:"client_time_us"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

func (e envelopeJSON) header() (command.Header, error) {
	commandID, err := uuid.Parse(e.CommandID)
	if err != nil {
		return command.Header{}, fmt.Errorf("parse command_id: %w", err)
	}
	cityID, err := uuid.Parse(e.CityID)
	if err != nil {
		return command.Header{}, fmt.Errorf("parse city_id: %w", err)
	}
	return command.Header{
		ID:              commandID,
		CityID:          cityID,
		Time:            time.UnixMicro(e.ClientTimeUs),
		ExpectedVersion: e.ExpectedVersion,
	}, nil
}

type buildJSON struct {
	envelopeJSON
	Building string `json:"building"`
	Slot     int    `json:"slot"`
}

func parseBuild(data []byte) (command.Build, error) {
	var j buildJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.Build{}, fmt.Errorf("parse build: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.Build{}, err
	}
	return command.Build{
		Header:   h,
		Building: sim.BuildingType(j.Building),
		Slot:     j.Slot,
	}, nil
}

type trainJSON struct {
	envelopeJSON
	Unit string `json:"unit"`
	Qty  int64  `json:"qty"`
}

func parseTrain(data []byte) (command.Train, error) {
	var j trainJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.Train{}, fmt.Errorf("parse train: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.Train{}, err
	}
	return command.Train{
		Header: h,
		Unit:   sim.UnitType(j.Unit),
		Qty:    j.Qty,
	}, nil
}

type lawSetJSON struct {
	envelopeJSON
	TaxRatePPM   int64 `json:"tax_rate_ppm"`
	MarketFeePPM int64 `json:"market_fee_ppm"`
	Rationing    bool  `json:"rationing"`
}

func parseLawSet(data []byte) (command.LawSet, error) {
	var j lawSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.LawSet{}, fmt.Errorf("parse law_set: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.LawSet{}, err
	}
	return command.LawSet{
		Header: h,
		Laws: sim.Laws{
			TaxPPM:       j.TaxRatePPM,
			MarketFeePPM: j.MarketFeePPM,
			Rationing:    j.Rationing,
		},
	}, nil
}

type orderPlaceJSON struct {
	envelopeJSON
	Resource   string `json:"resource"`
	Side       string `json:"side"`
	PriceCents int64  `json:"price_cents"`
	Qty        int64  `json:"qty"`
}

func parseOrderPlace(data []byte) (command.OrderPlace, error) {
	var j orderPlaceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.OrderPlace{}, fmt.Errorf("parse order_place: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.OrderPlace{}, err
	}
	resource, err := sim.ParseResource(j.Resource)
	if err != nil {
		return command.OrderPlace{}, err
	}
	side, ok := command.ParseSide(j.Side)
	if !ok {
		return command.OrderPlace{}, fmt.Errorf("unknown side: %q", j.Side)
	}
	return command.OrderPlace{
		Header:     h,
		Resource:   resource,
		OrderSide:  side,
		PriceCents: j.PriceCents,
		Qty:        j.Qty,
	}, nil
}

type orderCancelJSON struct {
	envelopeJSON
	OrderID string `json:"order_id"`
}

func parseOrderCancel(data []byte) (command.OrderCancel, error) {
	var j orderCancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.OrderCancel{}, fmt.Errorf("parse order_cancel: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.OrderCancel{}, err
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return command.OrderCancel{}, fmt.Errorf("parse order_id: %w", err)
	}
	return command.OrderCancel{
		Header:  h,
		OrderID: orderID,
	}, nil
}

type expeditionStartJSON struct {
	envelopeJSON
	Destination   string   `json:"destination"`
	DurationTicks int      `json:"duration_ticks"`
	HeroIDs       []string `json:"hero_ids"`
}

func parseExpeditionStart(data []byte) (command.ExpeditionStart, error) {
	var j expeditionStartJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.ExpeditionStart{}, fmt.Errorf("parse expedition_start: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.ExpeditionStart{}, err
	}
	heroes := make([]uuid.UUID, 0, len(j.HeroIDs))
	for _, raw := range j.HeroIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return command.ExpeditionStart{}, fmt.Errorf("parse hero_id %q: %w", raw, err)
		}
		heroes = append(heroes, id)
	}
	return command.ExpeditionStart{
		Header:        h,
		Destination:   j.Destination,
		DurationTicks: j.DurationTicks,
		HeroIDs:       heroes,
	}, nil
}

type tickJSON struct {
	envelopeJSON
	WorldTick int64 `json:"world_tick"`
}

func parseTick(data []byte) (command.Tick, error) {
	var j tickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.Tick{}, fmt.Errorf("parse tick: %w", err)
	}
	h, err := j.header()
	if err != nil {
		return command.Tick{}, err
	}
	return command.Tick{
		Header:    h,
		WorldTick: j.WorldTick,
	}, nil
}
