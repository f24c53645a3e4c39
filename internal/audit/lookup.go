package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrLookupUnavailable is returned when no lookup is registered for an entity type.
var ErrLookupUnavailable = errors.New("prior state unavailable")

// EntityLookup fetches the current persisted state of one entity. A nil Record with a nil error
// means the entity does not exist.
type EntityLookup interface {
	FetchByID(ctx context.Context, id string) (Record, error)
}

// LookupFunc adapts a plain function to EntityLookup.
type LookupFunc func(ctx context.Context, id string) (Record, error)

// FetchByID implements EntityLookup.
func (f LookupFunc) FetchByID(ctx context.Context, id string) (Record, error) {
	return f(ctx, id)
}

// LookupRegistry maps entity types to their lookups. It is populated at startup and read on the
// request path.
type LookupRegistry struct {
	mu      sync.RWMutex
	lookups map[string]EntityLookup
}

// NewLookupRegistry creates an empty registry.
func NewLookupRegistry() *LookupRegistry {
	return &LookupRegistry{lookups: make(map[string]EntityLookup)}
}

// Register binds a lookup to an entity type, replacing any previous binding.
func (r *LookupRegistry) Register(entityType string, lookup EntityLookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[entityType] = lookup
}

// Registered reports whether a lookup exists for the entity type.
func (r *LookupRegistry) Registered(entityType string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lookups[entityType]
	return ok
}

// PriorState returns the current state of an entity, or ErrLookupUnavailable when the entity type
// is unmapped or the entity was not found. Lookup errors are returned as-is; callers treat every
// error as "unavailable" and degrade to create-shaped diffing.
func (r *LookupRegistry) PriorState(ctx context.Context, entityType, id string) (Record, error) {
	if r == nil || id == "" {
		return nil, ErrLookupUnavailable
	}
	r.mu.RLock()
	lookup, ok := r.lookups[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrLookupUnavailable
	}
	rec, err := lookup.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrLookupUnavailable
	}
	return rec, nil
}
