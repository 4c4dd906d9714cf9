package airquality

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	// City timezones are validated with time.LoadLocation.
	_ "time/tzdata"
)

var validate = validator.New()

const earthRadiusKm = 6371.0

// CityRegistry is the set of tracked cities. Safe for concurrent use; cities can
// be added or updated at runtime.
type CityRegistry struct {
	mu     sync.RWMutex
	cities map[string]City
}

func NewCityRegistry(cities ...City) (*CityRegistry, error) {
	r := &CityRegistry{cities: make(map[string]City, len(cities))}
	for _, c := range cities {
		if err := r.Upsert(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Upsert adds c or replaces the city with the same name.
func (r *CityRegistry) Upsert(c City) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCity, c.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cities[c.Name] = c
	return nil
}

func (r *CityRegistry) Get(name string) (City, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cities[name]
	return c, ok
}

// Resolve looks up every name, failing with ErrUnknownCity on the first miss.
// An empty list resolves to all cities.
func (r *CityRegistry) Resolve(names []string) ([]City, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]City, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		c, ok := r.Get(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCity, n)
		}
		out = append(out, c)
	}
	return out, nil
}

// All returns the cities sorted by name.
func (r *CityRegistry) All() []City {
	r.mu.RLock()
	out := make([]City, 0, len(r.cities))
	for _, c := range r.cities {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Nearest returns the closest city within maxKm of (lat, lon).
func (r *CityRegistry) Nearest(lat, lon, maxKm float64) (City, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  City
		bestD = math.Inf(1)
	)
	for _, c := range r.cities {
		d := DistanceKm(lat, lon, c.Latitude, c.Longitude)
		if d < bestD || (d == bestD && c.Name < best.Name) {
			best, bestD = c, d
		}
	}
	if math.IsInf(bestD, 1) || bestD > maxKm {
		return City{}, false
	}
	return best, true
}

// DistanceKm is the haversine great-circle distance.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
