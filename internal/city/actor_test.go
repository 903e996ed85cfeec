package city_test

import (
	"CityLedger/internal/city"
	"CityLedger/internal/command"
	"CityLedger/internal/econ"
	"CityLedger/internal/settle"
	"CityLedger/internal/sim"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

func newTestActor(t *testing.T) (*city.Actor, *settle.BalanceStore) {
	t.Helper()
	balances := settle.NewBalanceStore()
	c := city.New(uuid.New(), uuid.New(), "north", 0)
	return city.NewActor(c, sim.DefaultCatalog(), balances), balances
}

func fundCity(bs *settle.BalanceStore, cityID uuid.UUID) {
	for _, r := range sim.AllResources {
		bs.Credit(cityID, r, econ.FromWhole(1_000))
	}
}

func header(cityID uuid.UUID) command.Header {
	return command.Header{
		ID:     uuid.New(),
		CityID: cityID,
		Time:   time.UnixMicro(1_700_000_000_000_000),
	}
}

// ============================================================================
// Test: Build
// ============================================================================

func TestBuild_QueuesAndDebits(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingFarm, Slot: 0})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	state := a.State(time.Now())
	if len(state.BuildQueue) != 1 {
		t.Fatalf("queue: got %d entries, want 1", len(state.BuildQueue))
	}
	entry := state.BuildQueue[0]
	if entry.Building != sim.BuildingFarm || entry.TicksRemaining != sim.DefaultBuildTimeTicks {
		t.Errorf("entry: got %+v", entry)
	}

	// farm costs 40 timber + 10 stone
	if got := bs.Available(a.ID(), sim.ResourceTimber); got != econ.FromWhole(960) {
		t.Errorf("timber: got %d, want %d", got, econ.FromWhole(960))
	}
	if got := bs.Available(a.ID(), sim.ResourceStone); got != econ.FromWhole(990) {
		t.Errorf("stone: got %d, want %d", got, econ.FromWhole(990))
	}
}

func TestBuild_UnknownBuilding(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	err := a.Build(command.Build{Header: header(a.ID()), Building: "castle", Slot: 0})
	if !command.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBuild_OccupiedSlot(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	if err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingFarm, Slot: 2}); err != nil {
		t.Fatal(err)
	}
	err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingQuarry, Slot: 2})
	if !command.IsValidation(err) {
		t.Errorf("expected validation error for occupied slot, got %v", err)
	}
}

func TestBuild_InsufficientResources_NoMutation(t *testing.T) {
	a, bs := newTestActor(t)
	bs.Credit(a.ID(), sim.ResourceTimber, econ.FromWhole(5))
	versionBefore := a.Version()

	err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingFarm, Slot: 0})
	if !command.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if a.Version() != versionBefore {
		t.Error("rejected command should not bump the version")
	}
	if got := bs.Available(a.ID(), sim.ResourceTimber); got != econ.FromWhole(5) {
		t.Errorf("timber mutated: %d", got)
	}
	if len(a.State(time.Now()).BuildQueue) != 0 {
		t.Error("queue should be empty")
	}
}

func TestBuild_VersionConflict(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	h := header(a.ID())
	h.ExpectedVersion = a.Version() + 99
	err := a.Build(command.Build{Header: h, Building: sim.BuildingFarm, Slot: 0})
	if !errors.Is(err, command.ErrVersionConflict) {
		t.Errorf("expected version conflict, got %v", err)
	}
}

func TestBuild_MatchingExpectedVersion(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	h := header(a.ID())
	h.ExpectedVersion = a.Version()
	if err := a.Build(command.Build{Header: h, Building: sim.BuildingFarm, Slot: 0}); err != nil {
		t.Fatalf("matching expected_version should pass: %v", err)
	}
}

// ============================================================================
// Test: Train
// ============================================================================

func TestTrain_QueuesAndDebits(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	err := a.Train(command.Train{Header: header(a.ID()), Unit: sim.UnitMilitia, Qty: 4})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	state := a.State(time.Now())
	if len(state.TrainQueue) != 1 || state.TrainQueue[0].Qty != 4 {
		t.Fatalf("queue: got %+v", state.TrainQueue)
	}
	// militia: 10 grain + 5 coins each, ×4
	if got := bs.Available(a.ID(), sim.ResourceGrain); got != econ.FromWhole(960) {
		t.Errorf("grain: got %d, want %d", got, econ.FromWhole(960))
	}
	if got := bs.Available(a.ID(), sim.ResourceCoins); got != econ.FromWhole(980) {
		t.Errorf("coins: got %d, want %d", got, econ.FromWhole(980))
	}
}

func TestTrain_RejectsNonPositiveQty(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	for _, qty := range []int64{0, -3} {
		err := a.Train(command.Train{Header: header(a.ID()), Unit: sim.UnitMilitia, Qty: qty})
		if !command.IsValidation(err) {
			t.Errorf("qty %d: expected validation error, got %v", qty, err)
		}
	}
}

func TestTrain_UnknownUnit(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	err := a.Train(command.Train{Header: header(a.ID()), Unit: "dragon", Qty: 1})
	if !command.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// ============================================================================
// Test: SetLaws
// ============================================================================

func TestSetLaws_ReplacesLaws(t *testing.T) {
	a, _ := newTestActor(t)

	laws := sim.Laws{TaxPPM: 30_000, MarketFeePPM: 10_000, Rationing: true}
	if err := a.SetLaws(command.LawSet{Header: header(a.ID()), Laws: laws}); err != nil {
		t.Fatalf("law_set failed: %v", err)
	}
	if got := a.Laws(); got != laws {
		t.Errorf("laws: got %+v, want %+v", got, laws)
	}
}

func TestSetLaws_RejectsOutOfBounds(t *testing.T) {
	a, _ := newTestActor(t)

	err := a.SetLaws(command.LawSet{Header: header(a.ID()), Laws: sim.Laws{TaxPPM: econ.MaxTaxRatePPM + 1}})
	if !command.IsValidation(err) {
		t.Errorf("tax above cap: expected validation error, got %v", err)
	}
	err = a.SetLaws(command.LawSet{Header: header(a.ID()), Laws: sim.Laws{MarketFeePPM: -1}})
	if !command.IsValidation(err) {
		t.Errorf("negative fee: expected validation error, got %v", err)
	}
}

// ============================================================================
// Test: Expeditions
// ============================================================================

func TestExpedition_Lifecycle(t *testing.T) {
	a, _ := newTestActor(t)
	heroID := uuid.New()
	a.AddHero(heroID)

	exp, err := a.StartExpedition(command.ExpeditionStart{
		Header:        header(a.ID()),
		Destination:   "ruins",
		DurationTicks: 2,
		HeroIDs:       []uuid.UUID{heroID},
	})
	if err != nil {
		t.Fatalf("expedition failed: %v", err)
	}

	// The hero is away: a second expedition with the same hero must fail.
	_, err = a.StartExpedition(command.ExpeditionStart{
		Header:        header(a.ID()),
		Destination:   "mine",
		DurationTicks: 1,
		HeroIDs:       []uuid.UUID{heroID},
	})
	if !command.IsValidation(err) {
		t.Errorf("hero already away: expected validation error, got %v", err)
	}

	outcome := a.ApplyTick()
	if len(outcome.Completions) != 0 {
		t.Fatalf("tick 1: expedition should still be out, got %v", outcome.Completions)
	}

	outcome = a.ApplyTick()
	var returned bool
	for _, comp := range outcome.Completions {
		if comp.Kind == "expedition" && comp.Expedition == exp.ID {
			returned = true
			if comp.Destination != "ruins" {
				t.Errorf("destination: got %q", comp.Destination)
			}
		}
	}
	if !returned {
		t.Fatal("expedition should return on tick 2")
	}

	// Hero is home again and can depart.
	if _, err := a.StartExpedition(command.ExpeditionStart{
		Header:        header(a.ID()),
		Destination:   "mine",
		DurationTicks: 1,
		HeroIDs:       []uuid.UUID{heroID},
	}); err != nil {
		t.Errorf("hero should be available again: %v", err)
	}
}

func TestExpedition_Validation(t *testing.T) {
	a, _ := newTestActor(t)
	heroID := uuid.New()
	a.AddHero(heroID)

	cases := []command.ExpeditionStart{
		{Header: header(a.ID()), Destination: "ruins", DurationTicks: 0, HeroIDs: []uuid.UUID{heroID}},
		{Header: header(a.ID()), Destination: "", DurationTicks: 2, HeroIDs: []uuid.UUID{heroID}},
		{Header: header(a.ID()), Destination: "ruins", DurationTicks: 2},
		{Header: header(a.ID()), Destination: "ruins", DurationTicks: 2, HeroIDs: []uuid.UUID{uuid.New()}},
	}
	for i, cmd := range cases {
		if _, err := a.StartExpedition(cmd); !command.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

// ============================================================================
// Test: ApplyTick
// ============================================================================

func TestApplyTick_ProducesIntoBalances(t *testing.T) {
	a, bs := newTestActor(t)

	outcome := a.ApplyTick()
	if outcome.Tick != 1 {
		t.Errorf("tick: got %d, want 1", outcome.Tick)
	}
	// base rates, no buildings, no labor
	if got := bs.Available(a.ID(), sim.ResourceGrain); got != econ.FromWhole(10) {
		t.Errorf("grain: got %d, want %d", got, econ.FromWhole(10))
	}
	if got := bs.Available(a.ID(), sim.ResourceCoins); got != econ.FromWhole(5) {
		t.Errorf("coins: got %d, want %d", got, econ.FromWhole(5))
	}
}

func TestApplyTick_CompletesBuildAndActivatesBonus(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	if err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingFarm, Slot: 0}); err != nil {
		t.Fatal(err)
	}

	var built bool
	for i := 0; i < sim.DefaultBuildTimeTicks; i++ {
		outcome := a.ApplyTick()
		for _, comp := range outcome.Completions {
			if comp.Kind == "build" && comp.Building == sim.BuildingFarm {
				built = true
				if i != sim.DefaultBuildTimeTicks-1 {
					t.Errorf("farm completed on tick %d, want %d", i+1, sim.DefaultBuildTimeTicks)
				}
			}
		}
	}
	if !built {
		t.Fatal("farm never completed")
	}

	state := a.State(time.Now())
	if len(state.Buildings) != 1 || state.Buildings[0].Type != sim.BuildingFarm || !state.Buildings[0].Active {
		t.Fatalf("buildings: got %+v", state.Buildings)
	}

	// The next tick includes the farm bonus: base 10 + 5.
	before := bs.Available(a.ID(), sim.ResourceGrain)
	a.ApplyTick()
	if got := bs.Available(a.ID(), sim.ResourceGrain) - before; got != econ.FromWhole(15) {
		t.Errorf("grain delta with farm: got %d, want %d", got, econ.FromWhole(15))
	}
}

func TestApplyTick_CompletesTraining(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())

	if err := a.Train(command.Train{Header: header(a.ID()), Unit: sim.UnitMilitia, Qty: 3}); err != nil {
		t.Fatal(err)
	}

	a.ApplyTick() // militia trains in 2 ticks
	outcome := a.ApplyTick()

	var trained bool
	for _, comp := range outcome.Completions {
		if comp.Kind == "train" && comp.Unit == sim.UnitMilitia && comp.Qty == 3 {
			trained = true
		}
	}
	if !trained {
		t.Fatal("militia never completed")
	}
	if got := a.State(time.Now()).Units[sim.UnitMilitia]; got != 3 {
		t.Errorf("units: got %d, want 3", got)
	}
}

func TestApplyTick_BumpsVersion(t *testing.T) {
	a, _ := newTestActor(t)
	before := a.Version()
	a.ApplyTick()
	if a.Version() != before+1 {
		t.Errorf("version: got %d, want %d", a.Version(), before+1)
	}
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_DeepCopy(t *testing.T) {
	a, bs := newTestActor(t)
	fundCity(bs, a.ID())
	heroID := uuid.New()
	a.AddHero(heroID)
	if err := a.Build(command.Build{Header: header(a.ID()), Building: sim.BuildingFarm, Slot: 0}); err != nil {
		t.Fatal(err)
	}

	snap := a.Snapshot()
	snap.BuildQueue[0].TicksRemaining = 999
	snap.Heroes[heroID] = true

	state := a.State(time.Now())
	if state.BuildQueue[0].TicksRemaining == 999 {
		t.Error("snapshot mutation leaked into the live queue")
	}
	if _, err := a.StartExpedition(command.ExpeditionStart{
		Header:        header(a.ID()),
		Destination:   "ruins",
		DurationTicks: 1,
		HeroIDs:       []uuid.UUID{heroID},
	}); err != nil {
		t.Errorf("snapshot mutation leaked into the hero roster: %v", err)
	}
}
