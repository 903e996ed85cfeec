package command

import (
	"time"

	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeBuild
	TypeTrain
	TypeLawSet
	TypeOrderPlace
	TypeOrderCancel
	TypeExpeditionStart
	TypeTick
)

// String returns the wire name. It is also what the apply log stores in
// command_type, so replay can feed it straight back into the parser.
func (t Type) String() string {
	switch t {
	case TypeBuild:
		return "build"
	case TypeTrain:
		return "train"
	case TypeLawSet:
		return "law_set"
	case TypeOrderPlace:
		return "order_place"
	case TypeOrderCancel:
		return "order_cancel"
	case TypeExpeditionStart:
		return "expedition_start"
	case TypeTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Command is the interface all command payloads implement. CommandID doubles
// as the idempotency key: replaying a command with a seen ID is a no-op that
// returns the original result shape.
type Command interface {
	CommandID() uuid.UUID
	CommandType() Type
	City() uuid.UUID
	ClientTime() time.Time
}

// Result is the response envelope for every command.
type Result struct {
	Accepted  bool      `json:"accepted"`
	CommandID uuid.UUID `json:"command_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
}

// Accept builds the success response for a command.
func Accept(id uuid.UUID) Result {
	return Result{Accepted: true, CommandID: id}
}

// Reject builds the failure response; the error string is user-visible.
func Reject(err error) Result {
	return Result{Accepted: false, Error: err.Error(), Kind: Classify(err)}
}

// Header carries the fields shared by every command.
type Header struct {
	ID     uuid.UUID
	CityID uuid.UUID
	Time   time.Time // client_time from the envelope, informational only

	// ExpectedVersion, when non-zero, makes the command conditional on the
	// city still being at that version; a stale value is a concurrency
	// conflict the caller resolves by re-fetching and retrying.
	ExpectedVersion int64
}

func (h Header) CommandID() uuid.UUID  { return h.ID }
func (h Header) City() uuid.UUID       { return h.CityID }
func (h Header) ClientTime() time.Time { return h.Time }

// Build queues construction of a building at a slot.
type Build struct {
	Header
	Building sim.BuildingType
	Slot     int
}

func (Build) CommandType() Type { return TypeBuild }

// Train queues training of qty units of a type.
type Train struct {
	Header
	Unit sim.UnitType
	Qty  int64
}

func (Train) CommandType() Type { return TypeTrain }

// LawSet replaces the city's law settings.
type LawSet struct {
	Header
	Laws sim.Laws
}

func (LawSet) CommandType() Type { return TypeLawSet }

// Side is the order direction.
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// ParseSide maps a wire name to a Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	default:
		return 0, false
	}
}

// OrderPlace submits a limit order to the market.
type OrderPlace struct {
	Header
	Resource   sim.Resource
	OrderSide  Side
	PriceCents int64 // coins per unit, fixed-point cents
	Qty        int64 // whole resource units
}

func (OrderPlace) CommandType() Type { return TypeOrderPlace }

// OrderCancel cancels a resting order owned by the city.
type OrderCancel struct {
	Header
	OrderID uuid.UUID
}

func (OrderCancel) CommandType() Type { return TypeOrderCancel }

// ExpeditionStart sends heroes on a timed expedition. Combat resolution is
// external; the core only tracks hero availability and the return tick.
type ExpeditionStart struct {
	Header
	Destination   string
	DurationTicks int
	HeroIDs       []uuid.UUID
}

func (ExpeditionStart) CommandType() Type { return TypeExpeditionStart }

// Tick advances one city by one simulation step. WorldTick is the external
// clock's tick number, validated gapless per city.
type Tick struct {
	Header
	WorldTick int64
}

func (Tick) CommandType() Type { return TypeTick }
