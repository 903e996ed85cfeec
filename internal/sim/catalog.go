package sim

import (
	"fmt"
	"os"

	"CityLedger/internal/econ"

	"gopkg.in/yaml.v3"
)

// BuildingType identifies a building kind in the catalog.
type BuildingType string

const (
	BuildingFarm       BuildingType = "farm"
	BuildingLumberMill BuildingType = "lumber_mill"
	BuildingQuarry     BuildingType = "quarry"
	BuildingMarket     BuildingType = "market"
	BuildingBarracks   BuildingType = "barracks"
)

// UnitType identifies a trainable unit kind.
type UnitType string

const (
	UnitMilitia UnitType = "militia"
	UnitArcher  UnitType = "archer"
)

// DefaultBuildTimeTicks is the build duration used when the catalog does not
// override it for a building type.
const DefaultBuildTimeTicks = 4

// BuildingSpec is one catalog entry: additive per-level production bonus,
// construction cost, and build duration.
type BuildingSpec struct {
	Bonus     map[string]int64 `yaml:"bonus"`      // whole units per level per tick
	Cost      map[string]int64 `yaml:"cost"`       // whole units, charged at queue time
	BuildTime int              `yaml:"build_time"` // ticks; 0 means DefaultBuildTimeTicks
}

// UnitSpec is one trainable unit catalog entry.
type UnitSpec struct {
	Cost      map[string]int64 `yaml:"cost"`       // whole units per trained unit
	TrainTime int              `yaml:"train_time"` // ticks per queue entry
}

// Catalog holds the full game balance: base production rates, building specs,
// and unit specs. Values are whole units in the YAML form and converted to
// fixed-point on load.
type Catalog struct {
	BaseRates map[string]int64        `yaml:"base_rates"`
	Buildings map[string]BuildingSpec `yaml:"buildings"`
	Units     map[string]UnitSpec     `yaml:"units"`
}

// DefaultCatalog returns the compiled-in balance tables. Baseline per-tick
// production with no buildings: grain +10, timber +8, stone +5, coins +5.
func DefaultCatalog() *Catalog {
	return &Catalog{
		BaseRates: map[string]int64{
			"grain":  10,
			"timber": 8,
			"stone":  5,
			"coins":  5,
		},
		Buildings: map[string]BuildingSpec{
			string(BuildingFarm): {
				Bonus:     map[string]int64{"grain": 5},
				Cost:      map[string]int64{"timber": 40, "stone": 10},
				BuildTime: DefaultBuildTimeTicks,
			},
			string(BuildingLumberMill): {
				Bonus:     map[string]int64{"timber": 4},
				Cost:      map[string]int64{"timber": 20, "stone": 20},
				BuildTime: DefaultBuildTimeTicks,
			},
			string(BuildingQuarry): {
				Bonus:     map[string]int64{"stone": 3},
				Cost:      map[string]int64{"timber": 30, "coins": 20},
				BuildTime: DefaultBuildTimeTicks,
			},
			string(BuildingMarket): {
				Bonus:     map[string]int64{"coins": 2},
				Cost:      map[string]int64{"timber": 50, "stone": 30},
				BuildTime: DefaultBuildTimeTicks,
			},
			string(BuildingBarracks): {
				Bonus:     map[string]int64{},
				Cost:      map[string]int64{"timber": 60, "stone": 40, "coins": 25},
				BuildTime: DefaultBuildTimeTicks,
			},
		},
		Units: map[string]UnitSpec{
			string(UnitMilitia): {
				Cost:      map[string]int64{"grain": 10, "coins": 5},
				TrainTime: 2,
			},
			string(UnitArcher): {
				Cost:      map[string]int64{"grain": 15, "timber": 10, "coins": 10},
				TrainTime: 3,
			},
		},
	}
}

// LoadCatalog reads a YAML balance file. Missing path returns the defaults;
// a present file replaces the defaults wholesale so test worlds can rebalance
// everything from one file.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	return &cat, nil
}

// Validate checks that every catalog key names a known resource and that
// durations are sane.
func (c *Catalog) Validate() error {
	for name := range c.BaseRates {
		if _, err := ParseResource(name); err != nil {
			return fmt.Errorf("base_rates: %w", err)
		}
	}
	for bt, spec := range c.Buildings {
		for name := range spec.Bonus {
			if _, err := ParseResource(name); err != nil {
				return fmt.Errorf("building %s bonus: %w", bt, err)
			}
		}
		for name := range spec.Cost {
			if _, err := ParseResource(name); err != nil {
				return fmt.Errorf("building %s cost: %w", bt, err)
			}
		}
		if spec.BuildTime < 0 {
			return fmt.Errorf("building %s: negative build_time", bt)
		}
	}
	for ut, spec := range c.Units {
		for name := range spec.Cost {
			if _, err := ParseResource(name); err != nil {
				return fmt.Errorf("unit %s cost: %w", ut, err)
			}
		}
		if spec.TrainTime < 0 {
			return fmt.Errorf("unit %s: negative train_time", ut)
		}
	}
	return nil
}

// Building returns the spec for a building type.
func (c *Catalog) Building(bt BuildingType) (BuildingSpec, bool) {
	spec, ok := c.Buildings[string(bt)]
	return spec, ok
}

// Unit returns the spec for a unit type.
func (c *Catalog) Unit(ut UnitType) (UnitSpec, bool) {
	spec, ok := c.Units[string(ut)]
	return spec, ok
}

// BuildTime returns the build duration for a building type in ticks.
func (c *Catalog) BuildTime(bt BuildingType) int {
	spec, ok := c.Buildings[string(bt)]
	if !ok || spec.BuildTime == 0 {
		return DefaultBuildTimeTicks
	}
	return spec.BuildTime
}

// BuildingCost returns the fixed-point construction cost vector.
func (c *Catalog) BuildingCost(bt BuildingType) (ResourceVector, bool) {
	spec, ok := c.Buildings[string(bt)]
	if !ok {
		return ResourceVector{}, false
	}
	return costVector(spec.Cost), true
}

// UnitCost returns the fixed-point cost vector for training qty units.
func (c *Catalog) UnitCost(ut UnitType, qty int64) (ResourceVector, bool) {
	spec, ok := c.Units[string(ut)]
	if !ok {
		return ResourceVector{}, false
	}
	var v ResourceVector
	for name, units := range spec.Cost {
		r, err := ParseResource(name)
		if err != nil {
			// Validate rejects loaded catalogs with unknown keys; skip
			// rather than charge the zero-value resource.
			continue
		}
		v.Add(r, econ.FromWhole(units)*qty)
	}
	return v, true
}

func costVector(cost map[string]int64) ResourceVector {
	var v ResourceVector
	for name, units := range cost {
		r, err := ParseResource(name)
		if err != nil {
			continue
		}
		v.Add(r, econ.FromWhole(units))
	}
	return v
}
