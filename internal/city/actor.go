package city

import (
	"sync"
	"time"

	"CityLedger/internal/command"
	"CityLedger/internal/econ"
	"CityLedger/internal/settle"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
)

// Actor owns one city and serializes every operation against it: commands
// and tick advances run strictly one at a time, never interleaved. Two
// different actors run fully concurrently with no mutual ordering.
type Actor struct {
	mu       sync.Mutex
	city     *City
	cat      *sim.Catalog
	balances *settle.BalanceStore
}

func NewActor(c *City, cat *sim.Catalog, balances *settle.BalanceStore) *Actor {
	return &Actor{city: c, cat: cat, balances: balances}
}

// ID returns the city id without taking the actor lock.
func (a *Actor) ID() uuid.UUID { return a.city.ID }

// Region returns the city's region.
func (a *Actor) Region() string { return a.city.Region }

// Completion describes one queue entry or expedition that finished during a
// tick, for outbound event publication.
type Completion struct {
	Kind        string           `json:"kind"` // "build", "train", "expedition"
	Building    sim.BuildingType `json:"building,omitempty"`
	Slot        int              `json:"slot,omitempty"`
	Unit        sim.UnitType     `json:"unit,omitempty"`
	Qty         int64            `json:"qty,omitempty"`
	Expedition  uuid.UUID        `json:"expedition,omitempty"`
	Destination string           `json:"destination,omitempty"`
}

// TickOutcome summarizes one applied tick.
type TickOutcome struct {
	CityID      uuid.UUID        `json:"city_id"`
	Tick        int64            `json:"tick"`
	Version     int64            `json:"version"`
	Delta       map[string]int64 `json:"delta"`
	Completions []Completion     `json:"completions,omitempty"`
}

// ApplyTick runs one simulation step: production, then queue advancement in
// submission order, then expedition returns. Cost is bounded by the city's
// own building and queue counts, never by the cumulative tick count.
func (a *Actor) ApplyTick() TickOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.city

	delta := sim.TickDelta(a.cat, c.Buildings, c.Labor, c.Laws)
	a.balances.ApplyTickDelta(c.ID, delta)

	var completions []Completion

	var done []sim.QueueEntry
	c.BuildQueue, done = sim.AdvanceQueue(c.BuildQueue)
	for _, e := range done {
		c.Buildings = append(c.Buildings, sim.Building{
			Type:   e.Building,
			Level:  1,
			Slot:   e.Slot,
			Active: true,
		})
		completions = append(completions, Completion{Kind: "build", Building: e.Building, Slot: e.Slot})
	}

	c.TrainQueue, done = sim.AdvanceQueue(c.TrainQueue)
	for _, e := range done {
		c.Units[e.Unit] += e.Qty
		completions = append(completions, Completion{Kind: "train", Unit: e.Unit, Qty: e.Qty})
	}

	remaining := c.Expeditions[:0]
	for _, exp := range c.Expeditions {
		exp.TicksRemaining--
		if exp.TicksRemaining > 0 {
			remaining = append(remaining, exp)
			continue
		}
		for _, heroID := range exp.HeroIDs {
			c.Heroes[heroID] = false
		}
		completions = append(completions, Completion{
			Kind:        "expedition",
			Expedition:  exp.ID,
			Destination: exp.Destination,
		})
	}
	c.Expeditions = remaining

	c.Tick++
	c.Version++

	return TickOutcome{
		CityID:      c.ID,
		Tick:        c.Tick,
		Version:     c.Version,
		Delta:       delta.ToMap(),
		Completions: completions,
	}
}

// checkVersion enforces conditional commands. Caller holds the lock.
func (a *Actor) checkVersion(expected int64) error {
	if expected != 0 && expected != a.city.Version {
		return command.ErrVersionConflict
	}
	return nil
}

// CheckVersion enforces conditional commands routed through the engine
// rather than an actor method (market operations).
func (a *Actor) CheckVersion(expected int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkVersion(expected)
}

// Build validates and queues a construction command. On any validation
// failure nothing is mutated.
func (a *Actor) Build(cmd command.Build) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkVersion(cmd.ExpectedVersion); err != nil {
		return err
	}

	if _, ok := a.cat.Building(cmd.Building); !ok {
		return command.Validationf("unknown building type: %s", cmd.Building)
	}
	if cmd.Slot < 0 {
		return command.Validationf("slot must be non-negative")
	}
	if a.city.SlotOccupied(cmd.Slot) {
		return command.Validationf("slot %d is already occupied", cmd.Slot)
	}

	cost, _ := a.cat.BuildingCost(cmd.Building)
	if err := a.balances.DebitCost(a.city.ID, cost); err != nil {
		return command.Validationf("%s", err)
	}

	a.city.BuildQueue = append(a.city.BuildQueue, sim.QueueEntry{
		Kind:           sim.QueueBuild,
		Building:       cmd.Building,
		Slot:           cmd.Slot,
		TicksRemaining: a.cat.BuildTime(cmd.Building),
		SubmittedSeq:   a.city.Version,
	})
	a.city.Version++
	return nil
}

// Train validates and queues a unit-training command.
func (a *Actor) Train(cmd command.Train) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkVersion(cmd.ExpectedVersion); err != nil {
		return err
	}

	if cmd.Qty <= 0 {
		return command.Validationf("train qty must be positive")
	}
	spec, ok := a.cat.Unit(cmd.Unit)
	if !ok {
		return command.Validationf("unknown unit type: %s", cmd.Unit)
	}

	cost, _ := a.cat.UnitCost(cmd.Unit, cmd.Qty)
	if err := a.balances.DebitCost(a.city.ID, cost); err != nil {
		return command.Validationf("%s", err)
	}

	a.city.TrainQueue = append(a.city.TrainQueue, sim.QueueEntry{
		Kind:           sim.QueueTrain,
		Unit:           cmd.Unit,
		Qty:            cmd.Qty,
		TicksRemaining: spec.TrainTime,
		SubmittedSeq:   a.city.Version,
	})
	a.city.Version++
	return nil
}

// SetLaws validates bounds and replaces the city's laws.
func (a *Actor) SetLaws(cmd command.LawSet) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkVersion(cmd.ExpectedVersion); err != nil {
		return err
	}

	if cmd.Laws.TaxPPM < 0 || cmd.Laws.TaxPPM > econ.MaxTaxRatePPM {
		return command.Validationf("tax rate out of bounds [0, 0.05]")
	}
	if cmd.Laws.MarketFeePPM < 0 || cmd.Laws.MarketFeePPM > econ.MaxTaxRatePPM {
		return command.Validationf("market fee out of bounds [0, 0.05]")
	}

	a.city.Laws = cmd.Laws
	a.city.Version++
	return nil
}

// StartExpedition marks the named heroes away for the given duration.
func (a *Actor) StartExpedition(cmd command.ExpeditionStart) (Expedition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkVersion(cmd.ExpectedVersion); err != nil {
		return Expedition{}, err
	}

	if cmd.DurationTicks <= 0 {
		return Expedition{}, command.Validationf("expedition duration must be positive")
	}
	if cmd.Destination == "" {
		return Expedition{}, command.Validationf("expedition destination is required")
	}
	if len(cmd.HeroIDs) == 0 {
		return Expedition{}, command.Validationf("expedition needs at least one hero")
	}
	for _, heroID := range cmd.HeroIDs {
		away, ok := a.city.Heroes[heroID]
		if !ok {
			return Expedition{}, command.Validationf("hero %s is not in this city", heroID)
		}
		if away {
			return Expedition{}, command.Validationf("hero %s is already away", heroID)
		}
	}

	exp := Expedition{
		ID:             uuid.New(),
		Destination:    cmd.Destination,
		TicksRemaining: cmd.DurationTicks,
		HeroIDs:        cmd.HeroIDs,
	}
	for _, heroID := range cmd.HeroIDs {
		a.city.Heroes[heroID] = true
	}
	a.city.Expeditions = append(a.city.Expeditions, exp)
	a.city.Version++
	return exp, nil
}

// AddHero registers a hero as present and idle (onboarding boundary).
func (a *Actor) AddHero(heroID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.city.Heroes[heroID] = false
	a.city.Version++
}

// Laws returns the current law settings.
func (a *Actor) Laws() sim.Laws {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.city.Laws
}

// BumpVersion records an externally applied mutation (an order placement or
// cancel routed through the market) against this city's version counter.
func (a *Actor) BumpVersion() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.city.Version++
}

// State snapshots the city plus its balances for the city-state query.
func (a *Actor) State(now time.Time) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.city
	resources := make(map[string]int64, len(sim.AllResources))
	for _, r := range sim.AllResources {
		resources[r.String()] = a.balances.Available(c.ID, r)
	}

	units := make(map[sim.UnitType]int64, len(c.Units))
	for k, v := range c.Units {
		units[k] = v
	}

	return State{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		Region:      c.Region,
		Resources:   resources,
		Labor:       c.Labor,
		Buildings:   append([]sim.Building(nil), c.Buildings...),
		BuildQueue:  append([]sim.QueueEntry(nil), c.BuildQueue...),
		TrainQueue:  append([]sim.QueueEntry(nil), c.TrainQueue...),
		Laws:        c.Laws,
		Units:       units,
		Expeditions: append([]Expedition(nil), c.Expeditions...),
		Tick:        c.Tick,
		Version:     c.Version,
		AsOf:        now,
	}
}

// Snapshot returns a deep copy of the city for persistence snapshots.
func (a *Actor) Snapshot() City {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := *a.city
	c.Buildings = append([]sim.Building(nil), a.city.Buildings...)
	c.BuildQueue = append([]sim.QueueEntry(nil), a.city.BuildQueue...)
	c.TrainQueue = append([]sim.QueueEntry(nil), a.city.TrainQueue...)
	c.Units = make(map[sim.UnitType]int64, len(a.city.Units))
	for k, v := range a.city.Units {
		c.Units[k] = v
	}
	c.Heroes = make(map[uuid.UUID]bool, len(a.city.Heroes))
	for k, v := range a.city.Heroes {
		c.Heroes[k] = v
	}
	c.Expeditions = make([]Expedition, len(a.city.Expeditions))
	for i, exp := range a.city.Expeditions {
		exp.HeroIDs = append([]uuid.UUID(nil), exp.HeroIDs...)
		c.Expeditions[i] = exp
	}
	return c
}

// TickCount returns the current tick counter.
func (a *Actor) TickCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.city.Tick
}

// Version returns the current version counter.
func (a *Actor) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.city.Version
}
