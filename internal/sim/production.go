package sim

import "CityLedger/internal/econ"

// Building is a constructed building inside a city. Production and
// consumption are derived from (Type, Level) via the catalog; the struct
// itself carries no rates.
type Building struct {
	Type   BuildingType `json:"type"`
	Level  int          `json:"level"`
	Slot   int          `json:"slot"` // unique placement index within the city
	Active bool         `json:"active"`
}

// Laws are the city-level policy settings a steward can legislate.
// TaxPPM and MarketFeePPM are fixed-point rates (RateScale).
//
// Settlement charges the world-wide exchange fee (econ.FeeRatePPM) and the
// council's tax rate; the per-city rates here are legislated, bounded, and
// published with city state, but do not alter settlement math.
type Laws struct {
	TaxPPM       int64 `json:"tax_ppm"`
	MarketFeePPM int64 `json:"market_fee_ppm"`
	Rationing    bool  `json:"rationing"`
}

// Labor tracks a city's workforce split.
type Labor struct {
	Free     int64 `json:"free"`
	Assigned int64 `json:"assigned"`
}

// laborUpkeepNumerator is 0.25 grain in micro-units; the 8640 divisor relates
// the real-time labor cost to tick granularity.
const (
	laborUpkeepNumerator = 250_000
	laborUpkeepDivisor   = 8_640
)

// TickDelta computes the per-tick resource delta for one city:
//
//	delta[r] = base_rate[r] + Σ_buildings(level × bonus[type][r]) − upkeep[r]
//
// Pure and deterministic: identical inputs always produce identical output.
// The caller clamps the resulting balance at zero; a shortfall is absorbed as
// partial upkeep, never carried as debt.
func TickDelta(cat *Catalog, buildings []Building, labor Labor, laws Laws) ResourceVector {
	var delta ResourceVector

	for name, rate := range cat.BaseRates {
		r, err := ParseResource(name)
		if err != nil {
			// Validate rejects loaded catalogs with unknown keys; a
			// hand-built catalog must not mint the zero-value resource.
			continue
		}
		delta.Add(r, econ.FromWhole(rate))
	}

	for _, b := range buildings {
		if !b.Active {
			continue
		}
		spec, ok := cat.Building(b.Type)
		if !ok {
			continue
		}
		for name, bonus := range spec.Bonus {
			r, err := ParseResource(name)
			if err != nil {
				continue
			}
			delta.Add(r, econ.FromWhole(bonus)*int64(b.Level))
		}
	}

	delta.Add(ResourceGrain, -LaborUpkeep(labor.Free, laws.Rationing))

	return delta
}

// LaborUpkeep returns the grain consumed per tick by free labor, in
// micro-units. Rationing halves it.
func LaborUpkeep(freeLabor int64, rationing bool) int64 {
	numerator := int64(laborUpkeepNumerator)
	if rationing {
		numerator = laborUpkeepNumerator / 2
	}
	return econ.MulDiv(freeLabor, numerator, laborUpkeepDivisor)
}

// ApplyDelta adds delta to resources, clamping every kind at zero.
func ApplyDelta(resources *ResourceVector, delta ResourceVector) {
	for _, r := range AllResources {
		next := resources.Get(r) + delta.Get(r)
		if next < 0 {
			next = 0
		}
		resources.Set(r, next)
	}
}
