package city

import (
	"time"

	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Expedition is a timed hero excursion. The core tracks only departure and
// return; whatever happens at the destination is another system's business.
type Expedition struct {
	ID             uuid.UUID   `json:"id"`
	Destination    string      `json:"destination"`
	TicksRemaining int         `json:"ticks_remaining"`
	HeroIDs        []uuid.UUID `json:"hero_ids"`
}

// City is the full mutable state of one player city, minus resource
// balances, which live in the shared balance store so the market and
// settlement mutate the same truth the tick does.
type City struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`
	Region  string    `json:"region"`

	Labor      sim.Labor              `json:"labor"`
	Buildings  []sim.Building         `json:"buildings"`
	BuildQueue []sim.QueueEntry       `json:"build_queue"`
	TrainQueue []sim.QueueEntry       `json:"train_queue"`
	Laws       sim.Laws               `json:"laws"`
	Units      map[sim.UnitType]int64 `json:"units"`

	// Heroes maps hero id → away flag. The roster itself is owned by the
	// onboarding collaborator; the core only gates expedition availability.
	Heroes map[uuid.UUID]bool `json:"heroes"`

	Expeditions []Expedition `json:"expeditions"`

	Tick    int64 `json:"tick"`
	Version int64 `json:"version"` // bumped on every accepted mutation
}

// New creates a city at tick zero. Created once at onboarding, mutated by
// every tick and command, never deleted in scope.
func New(id, owner uuid.UUID, region string, freeLabor int64) *City {
	return &City{
		ID:      id,
		OwnerID: owner,
		Region:  region,
		Labor:   sim.Labor{Free: freeLabor},
		Units:   make(map[sim.UnitType]int64),
		Heroes:  make(map[uuid.UUID]bool),
		Version: 1,
	}
}

// SlotOccupied reports whether a slot holds a building or a pending build.
func (c *City) SlotOccupied(slot int) bool {
	for _, b := range c.Buildings {
		if b.Slot == slot {
			return true
		}
	}
	for _, e := range c.BuildQueue {
		if e.Kind == sim.QueueBuild && e.Slot == slot {
			return true
		}
	}
	return false
}

// State is the serializable city view returned by the city-state query,
// resources included.
type State struct {
	ID          uuid.UUID              `json:"id"`
	OwnerID     uuid.UUID              `json:"owner_id"`
	Region      string                 `json:"region"`
	Resources   map[string]int64       `json:"resources"` // micro-units
	Labor       sim.Labor              `json:"labor"`
	Buildings   []sim.Building         `json:"buildings"`
	BuildQueue  []sim.QueueEntry       `json:"build_queue"`
	TrainQueue  []sim.QueueEntry       `json:"train_queue"`
	Laws        sim.Laws               `json:"laws"`
	Units       map[sim.UnitType]int64 `json:"units"`
	Expeditions []Expedition           `json:"expeditions"`
	Tick        int64                  `json:"tick"`
	Version     int64                  `json:"version"`
	AsOf        time.Time              `json:"as_of"`
}
