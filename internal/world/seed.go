package world

import (
	"fmt"
	"os"
	"time"

	"CityLedger/internal/city"
	"CityLedger/internal/econ"
	"CityLedger/internal/settle"
	"CityLedger/internal/sim"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"
)

// Seed is the onboarding file: the councils and cities that exist when the
// world starts cold. Warm restarts ignore city state here and restore from
// the latest snapshot instead; councils are always registered so a council
// added to the seed appears without a world reset.
type Seed struct {
	Councils []CouncilSeed `yaml:"councils"`
	Cities   []CitySeed    `yaml:"cities"`
}

type CouncilSeed struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	StewardID  string `yaml:"steward_id"`
	Region     string `yaml:"region"`
	TaxRatePPM int64  `yaml:"tax_rate_ppm"`
}

type CitySeed struct {
	ID        string           `yaml:"id"`
	OwnerID   string           `yaml:"owner_id"`
	Region    string           `yaml:"region"`
	FreeLabor int64            `yaml:"free_labor"`
	Heroes    []string         `yaml:"heroes"`
	Starting  map[string]int64 `yaml:"starting"` // whole units per resource
}

// Load reads a seed file. An empty path or missing file yields an empty
// world; cities then come only from snapshots.
func Load(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seed{}, nil
		}
		return nil, fmt.Errorf("read world seed %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse world seed %s: %w", path, err)
	}
	return &seed, nil
}

// RegisterCouncils adds every seed council to the registry.
func (s *Seed) RegisterCouncils(councils *settle.CouncilRegistry) error {
	for _, cs := range s.Councils {
		id, err := uuid.Parse(cs.ID)
		if err != nil {
			return fmt.Errorf("council %q: parse id: %w", cs.Name, err)
		}
		steward, err := uuid.Parse(cs.StewardID)
		if err != nil {
			return fmt.Errorf("council %q: parse steward_id: %w", cs.Name, err)
		}
		if err := councils.Register(&settle.Council{
			ID:            id,
			Name:          cs.Name,
			StewardUserID: steward,
			Region:        cs.Region,
			TaxRatePPM:    cs.TaxRatePPM,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// BuildCities materializes the seed cities and credits their starting
// balances. Cold start only.
func (s *Seed) BuildCities(balances *settle.BalanceStore) ([]*city.City, error) {
	cities := make([]*city.City, 0, len(s.Cities))
	for _, cs := range s.Cities {
		id, err := uuid.Parse(cs.ID)
		if err != nil {
			return nil, fmt.Errorf("city %q: parse id: %w", cs.ID, err)
		}
		owner, err := uuid.Parse(cs.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("city %s: parse owner_id: %w", cs.ID, err)
		}

		c := city.New(id, owner, cs.Region, cs.FreeLabor)
		for _, raw := range cs.Heroes {
			heroID, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("city %s: parse hero id %q: %w", cs.ID, raw, err)
			}
			c.Heroes[heroID] = false
		}

		for name, units := range cs.Starting {
			r, err := sim.ParseResource(name)
			if err != nil {
				return nil, fmt.Errorf("city %s starting balance: %w", cs.ID, err)
			}
			balances.Credit(id, r, econ.FromWhole(units))
		}

		cities = append(cities, c)
	}
	return cities, nil
}
