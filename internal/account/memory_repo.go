package account

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used by tests and by the
// single-node "memory" deployment profile.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, account Account) error {
	email := NormalizeEmail(account.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[email]; taken {
		return ErrEmailTaken
	}
	r.byID[account.ID] = account
	r.byEmail[email] = account.ID
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepository) UpdatePassword(_ context.Context, id, passwordHash string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = updatedAt
	r.byID[id] = a
	return nil
}

func (r *MemoryRepository) SetActive(_ context.Context, id string, active bool, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = updatedAt
	r.byID[id] = a
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}
