package sim

import "fmt"

// Resource is the closed set of resource kinds a city produces and trades.
// Keeping this an exhaustive enumeration (instead of string-keyed maps) lets
// the production formula be covered at compile time by the catalog tables.
type Resource uint8

const (
	ResourceGrain Resource = iota
	ResourceTimber
	ResourceStone
	ResourceCoins

	resourceCount
)

// AllResources lists every resource kind in canonical order.
var AllResources = [resourceCount]Resource{
	ResourceGrain,
	ResourceTimber,
	ResourceStone,
	ResourceCoins,
}

// Valid reports whether r names a real resource kind.
func (r Resource) Valid() bool {
	return r < resourceCount
}

func (r Resource) String() string {
	switch r {
	case ResourceGrain:
		return "grain"
	case ResourceTimber:
		return "timber"
	case ResourceStone:
		return "stone"
	case ResourceCoins:
		return "coins"
	default:
		return "unknown"
	}
}

// ParseResource maps a wire name to a Resource.
func ParseResource(s string) (Resource, error) {
	switch s {
	case "grain":
		return ResourceGrain, nil
	case "timber", "wood":
		return ResourceTimber, nil
	case "stone":
		return ResourceStone, nil
	case "coins":
		return ResourceCoins, nil
	default:
		return 0, fmt.Errorf("unknown resource: %q", s)
	}
}

// ResourceVector holds one fixed-point amount per resource kind.
type ResourceVector [resourceCount]int64

// Get returns the amount for a resource.
func (v *ResourceVector) Get(r Resource) int64 {
	return v[r]
}

// Set overwrites the amount for a resource.
func (v *ResourceVector) Set(r Resource, amount int64) {
	v[r] = amount
}

// Add accumulates delta into the resource.
func (v *ResourceVector) Add(r Resource, delta int64) {
	v[r] += delta
}

// ToMap converts the vector to a name-keyed map for queries and persistence.
func (v *ResourceVector) ToMap() map[string]int64 {
	m := make(map[string]int64, len(AllResources))
	for _, r := range AllResources {
		m[r.String()] = v[r]
	}
	return m
}
