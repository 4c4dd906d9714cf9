package forecast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/i474232898/airsense/internal/airquality"
)

// ModelStore persists every trained version for audit and rollback.
type ModelStore interface {
	// Save persists snap and makes it the active version for its key.
	Save(ctx context.Context, snap Snapshot) error
	// Activate marks an existing version active and returns it.
	Activate(ctx context.Context, city string, p airquality.Parameter, version int) (Snapshot, error)
	// Active returns the active snapshot of every key.
	Active(ctx context.Context) ([]Snapshot, error)
	// Versions returns every saved version for a key, oldest first.
	Versions(ctx context.Context, city string, p airquality.Parameter) ([]Snapshot, error)
}

type modelKey struct {
	city  string
	param airquality.Parameter
}

// MemoryModelStore keeps versions in process memory.
type MemoryModelStore struct {
	mu       sync.RWMutex
	versions map[modelKey][]Snapshot
	active   map[modelKey]int
}

func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{
		versions: make(map[modelKey][]Snapshot),
		active:   make(map[modelKey]int),
	}
}

func (s *MemoryModelStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := modelKey{snap.City, snap.Parameter}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[k] {
		if v.Version == snap.Version {
			return fmt.Errorf("version %d already saved for %s/%s", snap.Version, snap.City, snap.Parameter)
		}
	}
	snap.Coefficients = append([]float64(nil), snap.Coefficients...)
	s.versions[k] = append(s.versions[k], snap)
	s.active[k] = snap.Version
	return nil
}

func (s *MemoryModelStore) Activate(ctx context.Context, city string, p airquality.Parameter, version int) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	k := modelKey{city, p}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[k] {
		if v.Version == version {
			s.active[k] = version
			return v, nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s/%s v%d", ErrVersionNotFound, city, p, version)
}

func (s *MemoryModelStore) Active(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for k, version := range s.active {
		for _, v := range s.versions[k] {
			if v.Version == version {
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].City != out[j].City {
			return out[i].City < out[j].City
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out, nil
}

func (s *MemoryModelStore) Versions(ctx context.Context, city string, p airquality.Parameter) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Snapshot(nil), s.versions[modelKey{city, p}]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
