package engine_test

import (
	"CityLedger/internal/city"
	"CityLedger/internal/command"
	"CityLedger/internal/econ"
	"CityLedger/internal/engine"
	"CityLedger/internal/settle"
	"CityLedger/internal/sim"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type testWorld struct {
	eng      *engine.Engine
	balances *settle.BalanceStore
	councils *settle.CouncilRegistry
	persist  chan engine.Output
	outbound chan engine.Output
}

// newTestWorld creates an engine with buffered channels and no DB checker.
func newTestWorld() *testWorld {
	balances := settle.NewBalanceStore()
	councils := settle.NewCouncilRegistry()
	persistChan := make(chan engine.Output, 1024)
	outboundChan := make(chan engine.Output, 1024)
	eng := engine.NewEngine(0, sim.DefaultCatalog(), balances, councils,
		persistChan, outboundChan, nil, nil, zerolog.Nop())
	return &testWorld{
		eng:      eng,
		balances: balances,
		councils: councils,
		persist:  persistChan,
		outbound: outboundChan,
	}
}

func (w *testWorld) addCity(region string) uuid.UUID {
	c := city.New(uuid.New(), uuid.New(), region, 0)
	w.eng.AddCity(c)
	return c.ID
}

func (w *testWorld) fund(cityID uuid.UUID, r sim.Resource, wholeUnits int64) {
	w.balances.Credit(cityID, r, econ.FromWhole(wholeUnits))
}

func header(cityID uuid.UUID) command.Header {
	return command.Header{
		ID:     uuid.New(),
		CityID: cityID,
		Time:   time.UnixMicro(1_700_000_000_000_000),
	}
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Command Flow
// ============================================================================

func TestProcess_BuildAccepted(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceTimber, 100)
	w.fund(cityID, sim.ResourceStone, 100)

	result := w.eng.Process(command.Build{Header: header(cityID), Building: sim.BuildingFarm, Slot: 0})
	if !result.Accepted {
		t.Fatalf("build rejected: %s", result.Error)
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Sequence != 0 {
		t.Errorf("sequence: got %d, want 0", outputs[0].Sequence)
	}
}

func TestProcess_UnknownCityRejected(t *testing.T) {
	w := newTestWorld()

	result := w.eng.Process(command.Build{Header: header(uuid.New()), Building: sim.BuildingFarm, Slot: 0})
	if result.Accepted {
		t.Fatal("command against unknown city should be rejected")
	}
	if result.Kind != command.KindValidation {
		t.Errorf("kind: got %q, want validation", result.Kind)
	}
	if len(drainOutputs(w.persist)) != 0 {
		t.Error("rejected command should emit no output")
	}
}

func TestProcess_RejectionMutatesNothing(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	// No funding: the build must fail and leave no trace.

	result := w.eng.Process(command.Build{Header: header(cityID), Building: sim.BuildingFarm, Slot: 0})
	if result.Accepted {
		t.Fatal("unfunded build should be rejected")
	}
	if w.eng.Sequence() != 0 {
		t.Errorf("sequence advanced to %d on rejection", w.eng.Sequence())
	}
	if len(drainOutputs(w.persist)) != 0 {
		t.Error("rejected command should emit no output")
	}
}

func TestProcess_VersionConflictKind(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceTimber, 100)
	w.fund(cityID, sim.ResourceStone, 100)

	h := header(cityID)
	h.ExpectedVersion = 999
	result := w.eng.Process(command.Build{Header: h, Building: sim.BuildingFarm, Slot: 0})
	if result.Accepted {
		t.Fatal("stale expected_version should be rejected")
	}
	if result.Kind != command.KindConflict {
		t.Errorf("kind: got %q, want conflict", result.Kind)
	}
}

func TestProcess_SequencesMonotonic(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceGrain, 1_000)
	w.fund(cityID, sim.ResourceCoins, 1_000)

	for i := 0; i < 5; i++ {
		result := w.eng.Process(command.Train{Header: header(cityID), Unit: sim.UnitMilitia, Qty: 1})
		if !result.Accepted {
			t.Fatalf("train %d rejected: %s", i, result.Error)
		}
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, o.Sequence)
		}
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestProcess_DuplicateCommandAcksOnce(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceTimber, 100)
	w.fund(cityID, sim.ResourceStone, 100)

	cmd := command.Build{Header: header(cityID), Building: sim.BuildingFarm, Slot: 0}

	first := w.eng.Process(cmd)
	if !first.Accepted {
		t.Fatalf("first submit rejected: %s", first.Error)
	}
	drainOutputs(w.persist)

	second := w.eng.Process(cmd)
	if !second.Accepted {
		t.Fatalf("duplicate should ack as applied: %s", second.Error)
	}
	if len(drainOutputs(w.persist)) != 0 {
		t.Error("duplicate should not re-apply")
	}
	actor, _ := w.eng.Actor(cityID)
	if got := len(actor.State(time.Now()).BuildQueue); got != 1 {
		t.Errorf("queue: got %d entries, want 1", got)
	}
}

// ============================================================================
// Test: Tick Ordering
// ============================================================================

func TestProcess_TicksGapless(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")

	for tick := int64(0); tick < 3; tick++ {
		result := w.eng.Process(command.Tick{Header: header(cityID), WorldTick: tick})
		if !result.Accepted {
			t.Fatalf("tick %d rejected: %s", tick, result.Error)
		}
	}

	// Skipping tick 3 is a gap.
	result := w.eng.Process(command.Tick{Header: header(cityID), WorldTick: 4})
	if result.Accepted {
		t.Fatal("tick gap should be rejected")
	}

	// A stale new tick is out of order.
	result = w.eng.Process(command.Tick{Header: header(cityID), WorldTick: 1})
	if result.Accepted {
		t.Fatal("out-of-order tick should be rejected")
	}

	// The expected tick still goes through.
	result = w.eng.Process(command.Tick{Header: header(cityID), WorldTick: 3})
	if !result.Accepted {
		t.Fatalf("tick 3 rejected: %s", result.Error)
	}
}

func TestProcess_RejectedTickStaysReplayable(t *testing.T) {
	// A tick that passes ordering but fails dispatch must not burn its slot:
	// the world resends it and the city simulates every tick exactly once.
	w := newTestWorld()
	cityID := uuid.New()

	result := w.eng.Process(command.Tick{Header: header(cityID), WorldTick: 0})
	if result.Accepted {
		t.Fatal("tick for unregistered city should be rejected")
	}

	w.eng.AddCity(city.New(cityID, uuid.New(), "north", 0))

	for tick := int64(0); tick < 2; tick++ {
		if r := w.eng.Process(command.Tick{Header: header(cityID), WorldTick: tick}); !r.Accepted {
			t.Fatalf("tick %d rejected after registration: %s", tick, r.Error)
		}
	}

	actor, _ := w.eng.Actor(cityID)
	if actor.TickCount() != 2 {
		t.Errorf("tick count: got %d, want 2", actor.TickCount())
	}
}

func TestProcess_TickPartitionsIndependent(t *testing.T) {
	w := newTestWorld()
	first := w.addCity("north")
	second := w.addCity("south")

	if r := w.eng.Process(command.Tick{Header: header(first), WorldTick: 0}); !r.Accepted {
		t.Fatalf("city 1 tick 0 rejected: %s", r.Error)
	}
	// City 2 starts at its own tick 0 regardless of city 1's progress.
	if r := w.eng.Process(command.Tick{Header: header(second), WorldTick: 0}); !r.Accepted {
		t.Fatalf("city 2 tick 0 rejected: %s", r.Error)
	}
}

func TestProcess_DuplicateTickAccepted(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")

	cmd := command.Tick{Header: header(cityID), WorldTick: 0}
	if r := w.eng.Process(cmd); !r.Accepted {
		t.Fatalf("tick rejected: %s", r.Error)
	}
	drainOutputs(w.persist)

	// Redelivery of the same command: acked, not re-applied.
	if r := w.eng.Process(cmd); !r.Accepted {
		t.Fatalf("duplicate tick should ack: %s", r.Error)
	}
	if len(drainOutputs(w.persist)) != 0 {
		t.Error("duplicate tick should not re-apply")
	}

	actor, _ := w.eng.Actor(cityID)
	if actor.TickCount() != 1 {
		t.Errorf("tick count: got %d, want 1", actor.TickCount())
	}
}

// ============================================================================
// Test: Market Orders
// ============================================================================

func TestOrderPlace_EscrowsWorstCase(t *testing.T) {
	w := newTestWorld()
	buyer := w.addCity("north")
	w.fund(buyer, sim.ResourceCoins, 1_000)

	result := w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("order rejected: %s", result.Error)
	}

	escrow := settle.EscrowRequired(100, 10, 0)
	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != escrow {
		t.Errorf("protected: got %d, want %d", got, escrow)
	}
	if got := w.balances.Available(buyer, sim.ResourceCoins); got != econ.FromWhole(1_000)-escrow {
		t.Errorf("available: got %d", got)
	}
}

func TestOrderPlace_SplitFillsStayFunded(t *testing.T) {
	// At 150 cents the per-unit 1% fee lands exactly on a half cent and
	// rounds up, so three single-unit fills cost more in fees than one
	// three-unit fill. The placement escrow must cover the sliced total:
	// a buyer funded to exactly that escrow settles every fill.
	w := newTestWorld()
	seller := w.addCity("north")
	buyer := w.addCity("south")
	w.fund(seller, sim.ResourceTimber, 3)

	escrow := settle.EscrowRequired(150, 3, 0)
	w.balances.Credit(buyer, sim.ResourceCoins, escrow)

	for i := 0; i < 3; i++ {
		result := w.eng.Process(command.OrderPlace{
			Header:     header(seller),
			Resource:   sim.ResourceTimber,
			OrderSide:  command.SideSell,
			PriceCents: 150,
			Qty:        1,
		})
		if !result.Accepted {
			t.Fatalf("ask %d rejected: %s", i, result.Error)
		}
	}
	drainOutputs(w.persist)

	result := w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceTimber,
		OrderSide:  command.SideBuy,
		PriceCents: 150,
		Qty:        3,
	})
	if !result.Accepted {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 1 || len(outputs[0].Trades) != 3 {
		t.Fatalf("expected 3 trades in 1 output, got %+v", outputs)
	}

	if got := w.balances.Available(buyer, sim.ResourceTimber); got != econ.FromWhole(3) {
		t.Errorf("buyer timber: got %d", got)
	}
	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != 0 {
		t.Errorf("buyer escrow remains: %d", got)
	}
	perFill := settle.ComputeBreakdown(150, 1, 0).BuyerDebitMicro
	if got := w.balances.Available(buyer, sim.ResourceCoins); got != escrow-3*perFill {
		t.Errorf("buyer coins: got %d, want %d", got, escrow-3*perFill)
	}
}

func TestOrderPlace_RejectsUnfundedBuy(t *testing.T) {
	w := newTestWorld()
	buyer := w.addCity("north")
	w.fund(buyer, sim.ResourceCoins, 1) // far short of worst-case

	result := w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	})
	if result.Accepted {
		t.Fatal("unfunded buy should be rejected")
	}
	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != 0 {
		t.Errorf("nothing should be held, got %d", got)
	}
}

func TestOrderPlace_RejectsInvalidOrders(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceCoins, 1_000)

	cases := []command.OrderPlace{
		{Header: header(cityID), Resource: sim.ResourceCoins, OrderSide: command.SideBuy, PriceCents: 100, Qty: 1},
		{Header: header(cityID), Resource: sim.ResourceGrain, OrderSide: command.SideBuy, PriceCents: 100, Qty: 0},
		{Header: header(cityID), Resource: sim.ResourceGrain, OrderSide: command.SideBuy, PriceCents: 0, Qty: 1},
	}
	for i, cmd := range cases {
		if result := w.eng.Process(cmd); result.Accepted {
			t.Errorf("case %d should be rejected", i)
		}
	}
}

func TestOrderPlace_CrossSettles(t *testing.T) {
	w := newTestWorld()
	seller := w.addCity("north")
	buyer := w.addCity("south")
	w.fund(seller, sim.ResourceGrain, 10)
	w.fund(buyer, sim.ResourceCoins, 1_000)

	result := w.eng.Process(command.OrderPlace{
		Header:     header(seller),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideSell,
		PriceCents: 100,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("sell rejected: %s", result.Error)
	}
	// The seller's grain is escrowed while the ask rests.
	if got := w.balances.Protected(seller, sim.ResourceGrain); got != econ.FromWhole(10) {
		t.Fatalf("seller escrow: got %d", got)
	}
	drainOutputs(w.persist)

	result = w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(outputs[0].Trades))
	}
	trade := outputs[0].Trades[0]
	if trade.PriceCents != 100 || trade.Qty != 10 {
		t.Errorf("trade: got %d x%d", trade.PriceCents, trade.Qty)
	}

	// Buyer holds the grain, seller holds the credit, no escrow lingers.
	if got := w.balances.Available(buyer, sim.ResourceGrain); got != econ.FromWhole(10) {
		t.Errorf("buyer grain: got %d", got)
	}
	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != 0 {
		t.Errorf("buyer escrow remains: %d", got)
	}
	if got := w.balances.Protected(seller, sim.ResourceGrain); got != 0 {
		t.Errorf("seller escrow remains: %d", got)
	}
	bd := settle.ComputeBreakdown(100, 10, 0)
	if got := w.balances.Available(seller, sim.ResourceCoins); got != bd.SellerCreditMicro {
		t.Errorf("seller coins: got %d, want %d", got, bd.SellerCreditMicro)
	}
}

func TestOrderPlace_LeftoverEscrowReleasedOnFill(t *testing.T) {
	// A buy at limit 120 filling at 100 escrows the 120-worst-case but only
	// debits the 100-breakdown; the difference must come back available.
	w := newTestWorld()
	seller := w.addCity("north")
	buyer := w.addCity("south")
	w.fund(seller, sim.ResourceGrain, 10)
	w.fund(buyer, sim.ResourceCoins, 1_000)

	w.eng.Process(command.OrderPlace{
		Header:     header(seller),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideSell,
		PriceCents: 100,
		Qty:        10,
	})
	result := w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 120,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != 0 {
		t.Errorf("filled buy should hold no escrow, got %d", got)
	}
	bd := settle.ComputeBreakdown(100, 10, 0)
	want := econ.FromWhole(1_000) - bd.BuyerDebitMicro
	if got := w.balances.Available(buyer, sim.ResourceCoins); got != want {
		t.Errorf("buyer coins: got %d, want %d", got, want)
	}
}

func TestOrderPlace_TaxRoutedToCouncil(t *testing.T) {
	w := newTestWorld()
	councilID := uuid.New()
	if err := w.councils.Register(&settle.Council{ID: councilID, Region: "south", TaxRatePPM: 20_000}); err != nil {
		t.Fatal(err)
	}

	seller := w.addCity("north")
	buyer := w.addCity("south") // governed by the council
	w.fund(seller, sim.ResourceGrain, 10)
	w.fund(buyer, sim.ResourceCoins, 1_000)

	w.eng.Process(command.OrderPlace{
		Header:     header(seller),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideSell,
		PriceCents: 100,
		Qty:        10,
	})
	result := w.eng.Process(command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	bd := settle.ComputeBreakdown(100, 10, 20_000)
	if got := w.councils.Treasury(councilID); got != bd.TaxMicro {
		t.Errorf("treasury: got %d, want %d", got, bd.TaxMicro)
	}
	// Seller-side tax leg plus both fees sit in the market sink.
	sink := settle.AccountKey{CityID: settle.MarketSinkCity, Resource: sim.ResourceCoins, Bucket: settle.BucketAvailable}
	if got := w.balances.Get(sink); got != 2*bd.FeeMicro+bd.TaxMicro {
		t.Errorf("sink: got %d, want %d", got, 2*bd.FeeMicro+bd.TaxMicro)
	}
}

func TestOrderPlace_LegislatedFeeDoesNotMoveSettlement(t *testing.T) {
	// The exchange fee is world-wide; a city's legislated market_fee is
	// published with its state but settlement keeps charging FeeRatePPM.
	w := newTestWorld()
	seller := w.addCity("north")
	buyer := w.addCity("south")
	w.fund(seller, sim.ResourceGrain, 10)
	w.fund(buyer, sim.ResourceCoins, 1_000)

	if r := w.eng.Process(command.LawSet{
		Header: header(buyer),
		Laws:   sim.Laws{MarketFeePPM: econ.MaxTaxRatePPM},
	}); !r.Accepted {
		t.Fatalf("law set rejected: %s", r.Error)
	}

	w.eng.Process(command.OrderPlace{
		Header:     header(seller),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideSell,
		PriceCents: 100,
		Qty:        10,
	})
	drainOutputs(w.persist)
	buyHeader := header(buyer)
	buyHeader.ExpectedVersion = 1 // law bump
	result := w.eng.Process(command.OrderPlace{
		Header:     buyHeader,
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	})
	if !result.Accepted {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 1 || len(outputs[0].Trades) != 1 {
		t.Fatalf("expected 1 trade, got %+v", outputs)
	}
	bd := settle.ComputeBreakdown(100, 10, 0)
	if got := outputs[0].Trades[0].FeeMicro; got != bd.FeeMicro {
		t.Errorf("fee: got %d, want %d", got, bd.FeeMicro)
	}
}

func TestOrderCancel_RefundsEscrow(t *testing.T) {
	w := newTestWorld()
	buyer := w.addCity("north")
	w.fund(buyer, sim.ResourceCoins, 1_000)

	place := command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	}
	if r := w.eng.Process(place); !r.Accepted {
		t.Fatalf("place rejected: %s", r.Error)
	}

	result := w.eng.Process(command.OrderCancel{Header: header(buyer), OrderID: place.ID})
	if !result.Accepted {
		t.Fatalf("cancel rejected: %s", result.Error)
	}

	if got := w.balances.Available(buyer, sim.ResourceCoins); got != econ.FromWhole(1_000) {
		t.Errorf("coins after cancel: got %d, want %d", got, econ.FromWhole(1_000))
	}
	if got := w.balances.Protected(buyer, sim.ResourceCoins); got != 0 {
		t.Errorf("escrow after cancel: got %d", got)
	}
}

func TestOrderCancel_SellRefundsResource(t *testing.T) {
	w := newTestWorld()
	seller := w.addCity("north")
	w.fund(seller, sim.ResourceGrain, 10)

	place := command.OrderPlace{
		Header:     header(seller),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideSell,
		PriceCents: 100,
		Qty:        10,
	}
	if r := w.eng.Process(place); !r.Accepted {
		t.Fatalf("place rejected: %s", r.Error)
	}
	if r := w.eng.Process(command.OrderCancel{Header: header(seller), OrderID: place.ID}); !r.Accepted {
		t.Fatalf("cancel rejected: %s", r.Error)
	}

	if got := w.balances.Available(seller, sim.ResourceGrain); got != econ.FromWhole(10) {
		t.Errorf("grain after cancel: got %d", got)
	}
}

func TestOrderCancel_ForeignOrderRejected(t *testing.T) {
	w := newTestWorld()
	owner := w.addCity("north")
	other := w.addCity("south")
	w.fund(owner, sim.ResourceCoins, 1_000)

	place := command.OrderPlace{
		Header:     header(owner),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	}
	if r := w.eng.Process(place); !r.Accepted {
		t.Fatalf("place rejected: %s", r.Error)
	}

	result := w.eng.Process(command.OrderCancel{Header: header(other), OrderID: place.ID})
	if result.Accepted {
		t.Fatal("cancel of a foreign order should be rejected")
	}
	// Escrow stays with the resting order.
	if got := w.balances.Protected(owner, sim.ResourceCoins); got == 0 {
		t.Error("escrow should still be held")
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	sellerID := uuid.New()
	buyerID := uuid.New()
	sellOrder := uuid.New()
	buyOrder := uuid.New()

	run := func() [][32]byte {
		balances := settle.NewBalanceStore()
		councils := settle.NewCouncilRegistry()
		persistChan := make(chan engine.Output, 1024)
		outboundChan := make(chan engine.Output, 1024)
		eng := engine.NewEngine(0, sim.DefaultCatalog(), balances, councils,
			persistChan, outboundChan, nil, nil, zerolog.Nop())
		eng.AddCity(city.New(sellerID, uuid.New(), "north", 0))
		eng.AddCity(city.New(buyerID, uuid.New(), "south", 0))
		balances.Credit(sellerID, sim.ResourceGrain, econ.FromWhole(10))
		balances.Credit(buyerID, sim.ResourceCoins, econ.FromWhole(1_000))

		sellHeader := command.Header{ID: sellOrder, CityID: sellerID, Time: time.UnixMicro(1_700_000_000_000_000)}
		buyHeader := command.Header{ID: buyOrder, CityID: buyerID, Time: time.UnixMicro(1_700_000_000_001_000)}

		if r := eng.Process(command.OrderPlace{Header: sellHeader, Resource: sim.ResourceGrain, OrderSide: command.SideSell, PriceCents: 100, Qty: 10}); !r.Accepted {
			t.Fatalf("sell rejected: %s", r.Error)
		}
		if r := eng.Process(command.OrderPlace{Header: buyHeader, Resource: sim.ResourceGrain, OrderSide: command.SideBuy, PriceCents: 100, Qty: 10}); !r.Accepted {
			t.Fatalf("buy rejected: %s", r.Error)
		}

		outputs := drainOutputs(persistChan)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.StateHash
		}
		return hashes
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("output counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("hash %d differs: %x vs %x", i, first[i], second[i])
		}
	}
}

func TestStateHashChain_LinksPrevHash(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceGrain, 1_000)
	w.fund(cityID, sim.ResourceCoins, 1_000)

	for i := 0; i < 3; i++ {
		if r := w.eng.Process(command.Train{Header: header(cityID), Unit: sim.UnitMilitia, Qty: 1}); !r.Accepted {
			t.Fatalf("train %d rejected: %s", i, r.Error)
		}
	}

	outputs := drainOutputs(w.persist)
	for i := 1; i < len(outputs); i++ {
		if outputs[i].PrevHash != outputs[i-1].StateHash {
			t.Errorf("output %d prev hash does not link to output %d", i, i-1)
		}
	}
	if w.eng.StateHash() != outputs[len(outputs)-1].StateHash {
		t.Error("engine tip should match the last emitted hash")
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestSnapshotRestore_ResumesWorld(t *testing.T) {
	w := newTestWorld()
	buyer := w.addCity("north")
	w.fund(buyer, sim.ResourceCoins, 1_000)

	place := command.OrderPlace{
		Header:     header(buyer),
		Resource:   sim.ResourceGrain,
		OrderSide:  command.SideBuy,
		PriceCents: 100,
		Qty:        10,
	}
	if r := w.eng.Process(place); !r.Accepted {
		t.Fatalf("place rejected: %s", r.Error)
	}
	if r := w.eng.Process(command.Tick{Header: header(buyer), WorldTick: 0}); !r.Accepted {
		t.Fatalf("tick rejected: %s", r.Error)
	}

	cities, ticks := w.eng.SnapshotWorld()
	balanceSnap := w.balances.Snapshot()
	openOrders := w.eng.Markets().OpenOrders()
	tip := w.eng.StateHash()

	// Rebuild a second engine from the snapshot.
	balances := settle.NewBalanceStore()
	balances.Restore(balanceSnap)
	councils := settle.NewCouncilRegistry()
	persistChan := make(chan engine.Output, 1024)
	outboundChan := make(chan engine.Output, 1024)
	restored := engine.NewEngine(w.eng.Sequence(), sim.DefaultCatalog(), balances, councils,
		persistChan, outboundChan, nil, nil, zerolog.Nop())
	for i := range cities {
		c := cities[i]
		restored.AddCity(&c)
	}
	restored.Markets().Restore(openOrders, w.eng.Markets().Seq())
	for partition, tick := range ticks {
		restored.Ticks().SetExpectedTick(partition, tick)
	}
	restored.RestoreHashChain(tip)

	if restored.StateHash() != tip {
		t.Error("restored tip should match the snapshot")
	}

	// The resting order survives and can be cancelled with a full refund.
	if r := restored.Process(command.OrderCancel{Header: header(buyer), OrderID: place.ID}); !r.Accepted {
		t.Fatalf("cancel after restore rejected: %s", r.Error)
	}
	want := econ.FromWhole(1_000) + econ.FromWhole(5) // tick minted 5 coins
	if got := balances.Available(buyer, sim.ResourceCoins); got != want {
		t.Errorf("coins after restore+cancel: got %d, want %d", got, want)
	}

	// Tick ordering resumes where the snapshot left off.
	if r := restored.Process(command.Tick{Header: header(buyer), WorldTick: 0}); r.Accepted {
		t.Error("already-applied world tick should be rejected after restore")
	}
	if r := restored.Process(command.Tick{Header: header(buyer), WorldTick: 1}); !r.Accepted {
		t.Errorf("next world tick rejected: %s", r.Error)
	}
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestOutboundChannel_DropsOnFull(t *testing.T) {
	balances := settle.NewBalanceStore()
	councils := settle.NewCouncilRegistry()
	persistChan := make(chan engine.Output, 1024)
	outboundChan := make(chan engine.Output, 1) // tiny buffer, fills up
	eng := engine.NewEngine(0, sim.DefaultCatalog(), balances, councils,
		persistChan, outboundChan, nil, nil, zerolog.Nop())

	c := city.New(uuid.New(), uuid.New(), "north", 0)
	eng.AddCity(c)
	balances.Credit(c.ID, sim.ResourceGrain, econ.FromWhole(1_000))
	balances.Credit(c.ID, sim.ResourceCoins, econ.FromWhole(1_000))

	for i := 0; i < 5; i++ {
		if r := eng.Process(command.Train{Header: header(c.ID), Unit: sim.UnitMilitia, Qty: 1}); !r.Accepted {
			t.Fatalf("train %d rejected: %s", i, r.Error)
		}
	}

	// Every command persisted even though the outbound leg overflowed.
	if got := len(drainOutputs(persistChan)); got != 5 {
		t.Errorf("persist outputs: got %d, want 5", got)
	}
}

func TestOutput_CarriesBalanceSnapshot(t *testing.T) {
	w := newTestWorld()
	cityID := w.addCity("north")
	w.fund(cityID, sim.ResourceGrain, 100)
	w.fund(cityID, sim.ResourceCoins, 100)

	if r := w.eng.Process(command.Train{Header: header(cityID), Unit: sim.UnitMilitia, Qty: 1}); !r.Accepted {
		t.Fatalf("train rejected: %s", r.Error)
	}

	outputs := drainOutputs(w.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	key := settle.AccountKey{CityID: cityID, Resource: sim.ResourceGrain, Bucket: settle.BucketAvailable}
	if got := outputs[0].Balances[key]; got != econ.FromWhole(90) {
		t.Errorf("snapshot grain: got %d, want %d", got, econ.FromWhole(90))
	}
}
