// Package vehicle defines the outbound delivery channels (vehicles) the
// dispatcher sends through, plus a registry keyed by channel kind.
package vehicle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrUnknownKind is returned when no driver is registered for a
	// delivery's channel kind. The dispatcher treats it as a permanent
	// failure (no retry will fix a missing driver).
	ErrUnknownKind = errors.New("vehicle: unknown kind")

	// ErrPermanent marks send failures that retries cannot fix
	// (bad address, recipient blocked the sender). Drivers wrap their
	// non-transient errors with it.
	ErrPermanent = errors.New("vehicle: permanent send failure")
)

// Vehicle is one outbound channel driver (telegram, email, ...).
//
// Send must respect ctx cancellation; the dispatcher wraps each attempt
// in a timeout and counts an expired context as a failed attempt.
type Vehicle interface {
	Kind() string
	Send(ctx context.Context, address, content string) error
}

// Registry maps channel kinds to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Vehicle
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Vehicle{}}
}

func (r *Registry) Register(v Vehicle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[v.Kind()] = v
}

// Lookup returns the driver for kind, or ErrUnknownKind.
func (r *Registry) Lookup(kind string) (Vehicle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.drivers[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return v, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
