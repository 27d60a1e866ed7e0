package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.Mutex
	payments map[string]Payment
}

// NewMemoryRepository creates a concurrency-safe in-memory payment store
// useful for development and unit tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{payments: make(map[string]Payment)}
}

func (r *memoryRepository) Create(_ context.Context, p Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepository) FindByPushID(_ context.Context, pushID string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pushID == "" {
		return Payment{}, ErrNotFound
	}
	for _, p := range r.payments {
		if p.PushID == pushID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (r *memoryRepository) ListByOwner(_ context.Context, providerID string) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if p.ProviderID == providerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) AttachPushID(_ context.Context, id, pushID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.PushID != "" || p.Status != StatusPending {
		return false, nil
	}
	for _, other := range r.payments {
		if other.PushID == pushID {
			return false, ErrPushAlreadyAttached
		}
	}
	p.PushID = pushID
	p.UpdatedAt = at
	r.payments[id] = p
	return true, nil
}

func (r *memoryRepository) CompareAndSetStatus(_ context.Context, id string, from, to Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	r.payments[id] = p
	return true, nil
}

func (r *memoryRepository) Ping(context.Context) error {
	return nil
}
