package identity

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email || existing.Phone == user.Phone {
			return ErrConflict
		}
	}
	if _, exists := r.users[user.ID]; exists {
		return ErrConflict
	}
	r.users[user.ID] = user
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memoryRepository) FindByProviderID(_ context.Context, providerID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if providerID == "" {
		return User{}, ErrNotFound
	}
	for _, user := range r.users {
		if user.ProviderID == providerID {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memoryRepository) SetProviderID(_ context.Context, id, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	if user.ProviderID != "" {
		return ErrAlreadyEnrolled
	}
	for _, other := range r.users {
		if other.ProviderID == providerID {
			return ErrConflict
		}
	}
	user.ProviderID = providerID
	r.users[id] = user
	return nil
}

func (r *memoryRepository) Ping(context.Context) error {
	return nil
}
