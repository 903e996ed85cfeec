package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CityLedger/internal/city"
	"CityLedger/internal/command"
	"CityLedger/internal/econ"
	"CityLedger/internal/market"
	"CityLedger/internal/observability"
	"CityLedger/internal/settle"
	"CityLedger/internal/sim"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-writer command processor. Every state mutation in the
// world (city simulation, order books, settlement, treasuries) passes through
// Process exactly once, in apply-sequence order. The mutex serializes the
// callers (HTTP handlers, NATS consumers); within one Process call the engine
// never yields, so no command ever observes a half-applied trade.
type Engine struct {
	mu sync.Mutex

	sequence int64
	hasher   *StateHasher

	citiesMu sync.RWMutex
	cities   map[uuid.UUID]*city.Actor

	catalog  *sim.Catalog
	balances *settle.BalanceStore
	councils *settle.CouncilRegistry
	markets  *market.Registry
	settler  *settle.Settler

	idempotency *IdempotencyChecker
	ticks       *TickSequenceValidator
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan  chan<- Output
	outboundChan chan<- Output
}

// Output is one applied command's durable footprint, emitted to the
// persistence worker (blocking) and the outbound publisher (best-effort).
type Output struct {
	Sequence  int64
	Command   command.Command
	Tick      *city.TickOutcome
	Trades    []*settle.Trade
	Orders    []market.Order // value snapshots of every order the command touched
	StateHash [32]byte
	PrevHash  [32]byte
	AppliedAt time.Time // client_time from the envelope; the engine never reads the wall clock

	// Balances and Councils are post-apply snapshots. The persistence worker
	// upserts the read model from the newest output in each batch, so the
	// rows always converge on the engine's state.
	Balances map[settle.AccountKey]int64
	Councils []settle.Council
}

func NewEngine(
	startSequence int64,
	catalog *sim.Catalog,
	balances *settle.BalanceStore,
	councils *settle.CouncilRegistry,
	persistChan, outboundChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		sequence:     startSequence,
		hasher:       NewStateHasher(),
		cities:       make(map[uuid.UUID]*city.Actor),
		catalog:      catalog,
		balances:     balances,
		councils:     councils,
		markets:      market.NewRegistry(),
		settler:      settle.NewSettler(balances, councils),
		idempotency:  NewIdempotencyChecker(1_000_000, dbChecker),
		ticks:        NewTickSequenceValidator(),
		metrics:      metrics,
		log:          log,
		persistChan:  persistChan,
		outboundChan: outboundChan,
	}
}

// AddCity registers a city and returns its actor.
func (e *Engine) AddCity(c *city.City) *city.Actor {
	actor := city.NewActor(c, e.catalog, e.balances)
	e.citiesMu.Lock()
	e.cities[c.ID] = actor
	e.citiesMu.Unlock()
	return actor
}

// Actor returns the actor for a city, for read-side queries.
func (e *Engine) Actor(cityID uuid.UUID) (*city.Actor, bool) {
	e.citiesMu.RLock()
	defer e.citiesMu.RUnlock()
	a, ok := e.cities[cityID]
	return a, ok
}

// Markets exposes the order book registry for read-side queries.
func (e *Engine) Markets() *market.Registry { return e.markets }

// Balances exposes the balance store for read-side queries.
func (e *Engine) Balances() *settle.BalanceStore { return e.balances }

// Councils exposes the council registry for read-side queries.
func (e *Engine) Councils() *settle.CouncilRegistry { return e.councils }

// Sequence returns the next apply sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Ticks exposes the tick validator for recovery.
func (e *Engine) Ticks() *TickSequenceValidator { return e.ticks }

// SnapshotWorld captures every city plus the tick validator state, for
// persistence snapshots. Call between commands, not concurrently with
// Process.
func (e *Engine) SnapshotWorld() ([]city.City, map[string]int64) {
	e.citiesMu.RLock()
	actors := make([]*city.Actor, 0, len(e.cities))
	for _, a := range e.cities {
		actors = append(actors, a)
	}
	e.citiesMu.RUnlock()

	cities := make([]city.City, 0, len(actors))
	for _, a := range actors {
		cities = append(cities, a.Snapshot())
	}
	sort.Slice(cities, func(i, j int) bool {
		return cities[i].ID.String() < cities[j].ID.String()
	})

	e.mu.Lock()
	ticks := e.ticks.ExportState()
	e.mu.Unlock()

	return cities, ticks
}

// RestoreHashChain resumes the state hash chain from a snapshotted tip.
// Only called during recovery, before the engine starts processing.
func (e *Engine) RestoreHashChain(tip [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasher.Restore(tip)
}

// StateHash returns the current hash chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// WarmIdempotency preloads recent command keys after a restart.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// AttachDBChecker wires the cold-tier dedup lookup. The engine replays the
// command log with no DB tier (the log rows would shadow the very commands
// being replayed); recovery attaches the checker once replay is done.
func (e *Engine) AttachDBChecker(checker DBIdempotencyChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.dbChecker = checker
}

// Process is the main processing pipeline. A duplicate command acks as
// already-applied; a rejected command mutates nothing.
func (e *Engine) Process(cmd command.Command) command.Result {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cmdType := cmd.CommandType().String()
	cmdKey := cmd.CommandID().String()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(cmdType, cmdKey)

	// Step 2: Tick ordering. Ticks must arrive gapless per city; everything
	// else carries no source sequence. The validator is read-only here; the
	// tick is committed only after dispatch accepts it, so a tick rejected
	// downstream (unknown city, bad payload) stays replayable.
	if tick, ok := cmd.(command.Tick); ok {
		partition := fmt.Sprintf("city:%s", tick.CityID)
		if err := e.ticks.ValidateTick(partition, tick.WorldTick, isDuplicate); err != nil {
			e.rejected(cmdType, "sequence")
			if e.metrics != nil {
				e.metrics.TickSequenceGap.WithLabelValues(partition).Inc()
			}
			return command.Reject(command.Validationf("%v", err))
		}
	}

	if isDuplicate {
		e.rejected(cmdType, "duplicate")
		return command.Accept(cmd.CommandID())
	}

	// Step 3: Dispatch
	out := Output{
		Command:   cmd,
		AppliedAt: cmd.ClientTime(),
	}

	if err := e.dispatch(cmd, &out); err != nil {
		e.rejected(cmdType, rejectionReason(err))
		e.log.Debug().
			Str("command_type", cmdType).
			Str("command_id", cmdKey).
			Err(err).
			Msg("command rejected")
		return command.Reject(err)
	}

	if tick, ok := cmd.(command.Tick); ok {
		e.ticks.Advance(fmt.Sprintf("city:%s", tick.CityID), tick.WorldTick)
	}

	// Step 4: State hash over the full balance and treasury state. Books are
	// small (one world, a handful of resources), so hashing everything keeps
	// the digest trivially deterministic.
	out.Balances = e.balances.Snapshot()
	out.Councils = e.councils.All()
	digest := computeStateDigest(out.Balances, out.Councils)
	out.PrevHash = e.hasher.GetPrevHash()
	out.StateHash = e.hasher.ComputeHash(e.sequence, digest)
	out.Sequence = e.sequence
	e.sequence++

	// Step 5: Emit. Persistence is a BLOCKING send (backpressure: the engine
	// stalls until the worker drains, so no applied command is ever lost).
	// Outbound is a NON-BLOCKING send with drop; subscribers can re-read
	// from Postgres if they fall behind.
	select {
	case e.persistChan <- out:
	default:
		if e.metrics != nil {
			e.metrics.PersistBackpressure.Inc()
		}
		e.persistChan <- out
	}

	select {
	case e.outboundChan <- out:
	default:
		if e.metrics != nil {
			e.metrics.OutboundDrops.Inc()
		}
	}

	// Step 6: Mark as processed (add to LRU)
	e.idempotency.MarkProcessed(cmdType, cmdKey)

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
		e.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	return command.Accept(cmd.CommandID())
}

func (e *Engine) dispatch(cmd command.Command, out *Output) error {
	actor, ok := e.Actor(cmd.City())
	if !ok {
		return command.Validationf("unknown city: %s", cmd.City())
	}

	switch c := cmd.(type) {
	case command.Build:
		return actor.Build(c)
	case command.Train:
		return actor.Train(c)
	case command.LawSet:
		return actor.SetLaws(c)
	case command.ExpeditionStart:
		_, err := actor.StartExpedition(c)
		return err
	case command.OrderPlace:
		return e.handleOrderPlace(actor, c, out)
	case command.OrderCancel:
		return e.handleOrderCancel(actor, c, out)
	case command.Tick:
		return e.handleTick(actor, c, out)
	default:
		return command.Validationf("unknown command type: %T", cmd)
	}
}

func (e *Engine) handleTick(actor *city.Actor, cmd command.Tick, out *Output) error {
	start := time.Now()
	outcome := actor.ApplyTick()
	out.Tick = &outcome

	if e.metrics != nil {
		e.metrics.TicksApplied.WithLabelValues(outcome.CityID.String()).Inc()
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// handleOrderPlace validates, escrows, matches, and settles in one shot.
// The escrow hold doubles as the affordability check: a buy order that
// cannot fund its worst-case debit (limit price, full quantity, frozen tax
// rate) is rejected at placement, so settlement can never be under-funded.
func (e *Engine) handleOrderPlace(actor *city.Actor, cmd command.OrderPlace, out *Output) error {
	if err := actor.CheckVersion(cmd.ExpectedVersion); err != nil {
		return err
	}
	if !cmd.Resource.Valid() || cmd.Resource == sim.ResourceCoins {
		return command.Validationf("resource not tradeable: %s", cmd.Resource)
	}
	if cmd.Qty <= 0 {
		return command.Validationf("qty must be positive, got %d", cmd.Qty)
	}
	if cmd.PriceCents <= 0 {
		return command.Validationf("price must be positive, got %d", cmd.PriceCents)
	}

	order := &market.Order{
		ID:         cmd.ID,
		CityID:     cmd.CityID,
		Resource:   cmd.Resource,
		Side:       cmd.OrderSide,
		PriceCents: cmd.PriceCents,
		Qty:        cmd.Qty,
		Status:     market.StatusOpen,
		CreatedAt:  cmd.Time,
		Seq:        e.markets.NextSeq(),
	}

	// Escrow up front. Buy orders freeze the buyer's council and tax rate at
	// placement and hold worst-case coins; sell orders hold the resource.
	if cmd.OrderSide == command.SideBuy {
		if council, ok := e.councils.ByRegion(actor.Region()); ok {
			order.CouncilID = council.ID
			order.TaxRatePPM = council.TaxRatePPM
		}
		escrow := settle.EscrowRequired(cmd.PriceCents, cmd.Qty, order.TaxRatePPM)
		if err := e.balances.Hold(cmd.CityID, sim.ResourceCoins, escrow); err != nil {
			return command.Validationf("%v", err)
		}
		order.EscrowRemainingMicro = escrow
	} else {
		if err := e.balances.Hold(cmd.CityID, cmd.Resource, econ.FromWhole(cmd.Qty)); err != nil {
			return command.Validationf("%v", err)
		}
	}

	book := e.markets.Book(cmd.Resource)
	matches := book.Place(order)

	touched := map[uuid.UUID]*market.Order{order.ID: order}
	bumped := map[uuid.UUID]bool{actor.ID(): true}
	actor.BumpVersion()

	for _, m := range matches {
		buy, sell := m.Buy, m.Sell
		touched[buy.ID] = buy
		touched[sell.ID] = sell

		release := settle.WorstCaseDebit(buy.PriceCents, m.Qty, buy.TaxRatePPM)
		if release > buy.EscrowRemainingMicro {
			release = buy.EscrowRemainingMicro
		}

		trade, err := e.settler.Settle(settle.Fill{
			BuyOrderID:    buy.ID,
			SellOrderID:   sell.ID,
			BuyerCity:     buy.CityID,
			SellerCity:    sell.CityID,
			Resource:      cmd.Resource,
			PriceCents:    m.PriceCents,
			Qty:           m.Qty,
			TaxRatePPM:    buy.TaxRatePPM,
			CouncilID:     buy.CouncilID,
			EscrowRelease: release,
			TradedAt:      cmd.Time,
		})
		if err != nil {
			// Escrow guarantees every fill is funded; failure here means the
			// books and balances disagree.
			panic(fmt.Sprintf("FATAL: settlement failed for funded fill: %v", err))
		}
		buy.EscrowRemainingMicro -= release
		out.Trades = append(out.Trades, trade)

		for _, cityID := range []uuid.UUID{buy.CityID, sell.CityID} {
			if !bumped[cityID] {
				if counterparty, ok := e.Actor(cityID); ok {
					counterparty.BumpVersion()
				}
				bumped[cityID] = true
			}
		}

		if e.metrics != nil {
			res := cmd.Resource.String()
			e.metrics.TradesSettled.WithLabelValues(res).Inc()
			e.metrics.TradeVolume.WithLabelValues(res).Add(float64(m.Qty))
			e.metrics.TaxCollected.Add(float64(trade.TaxMicro))
			e.metrics.FeesCollected.Add(float64(2 * trade.FeeMicro)) // fee charged each side
		}
	}

	// Matches execute at or below a buy order's limit, so a filled buy can
	// hold leftover worst-case escrow. Hand it back once the order is done.
	for _, o := range touched {
		if o.Side == command.SideBuy && o.Status == market.StatusFilled && o.EscrowRemainingMicro > 0 {
			if err := e.balances.Release(o.CityID, sim.ResourceCoins, o.EscrowRemainingMicro); err != nil {
				panic(fmt.Sprintf("FATAL: escrow release failed for order %s: %v", o.ID, err))
			}
			o.EscrowRemainingMicro = 0
		}
		out.Orders = append(out.Orders, *o)
	}
	sort.Slice(out.Orders, func(i, j int) bool { return out.Orders[i].Seq < out.Orders[j].Seq })

	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues(cmd.Resource.String(), cmd.OrderSide.String()).Inc()
	}
	return nil
}

func (e *Engine) handleOrderCancel(actor *city.Actor, cmd command.OrderCancel, out *Output) error {
	if err := actor.CheckVersion(cmd.ExpectedVersion); err != nil {
		return err
	}

	book, _, ok := e.markets.FindOrder(cmd.OrderID)
	if !ok {
		return command.Validationf("unknown order: %s", cmd.OrderID)
	}

	order, err := book.Cancel(cmd.OrderID, cmd.CityID)
	if err != nil {
		return command.Validationf("%v", err)
	}

	// Refund the untraded escrow.
	if order.Side == command.SideBuy {
		if order.EscrowRemainingMicro > 0 {
			if err := e.balances.Release(order.CityID, sim.ResourceCoins, order.EscrowRemainingMicro); err != nil {
				panic(fmt.Sprintf("FATAL: escrow release failed for order %s: %v", order.ID, err))
			}
			order.EscrowRemainingMicro = 0
		}
	} else if remaining := order.Remaining(); remaining > 0 {
		if err := e.balances.Release(order.CityID, order.Resource, econ.FromWhole(remaining)); err != nil {
			panic(fmt.Sprintf("FATAL: escrow release failed for order %s: %v", order.ID, err))
		}
	}

	actor.BumpVersion()
	out.Orders = append(out.Orders, *order)

	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(order.Resource.String()).Inc()
	}
	return nil
}

// computeStateDigest builds canonical bytes over every balance account and
// council treasury, sorted by path, for the state hash chain.
func computeStateDigest(balances map[settle.AccountKey]int64, councils []settle.Council) []byte {
	keys := make([]settle.AccountKey, 0, len(balances))
	for key := range balances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	digest := make([]byte, 0, len(keys)*48)
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, balances[key])
	}

	sorted := make([]settle.Council, len(councils))
	copy(sorted, councils)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	for _, c := range sorted {
		digest = append(digest, []byte(c.ID.String())...)
		digest = appendInt64LE(digest, c.TreasuryMicro)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) rejected(cmdType, reason string) {
	if e.metrics != nil {
		e.metrics.CommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, command.ErrVersionConflict):
		return "conflict"
	case command.IsValidation(err):
		return "validation"
	default:
		return "internal"
	}
}
