package otp

import (
	"context"
	"sync"
	"time"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
)

// MemoryStore mirrors Repository in process for service tests.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[uuid.UUID]*Code
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[uuid.UUID]*Code), now: time.Now}
}

// SetClock replaces the store's notion of now.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func open(c *Code) bool { return c.ConsumedAt == nil && c.SupersededAt == nil }

func (m *MemoryStore) Supersede(_ context.Context, subject string, purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, c := range m.codes {
		if c.Subject == subject && c.Purpose == purpose && open(c) {
			c.SupersededAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, c Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.codes {
		if existing.Subject == c.Subject && existing.Purpose == c.Purpose && open(existing) {
			return db.ErrAlreadyExists
		}
	}
	c.CreatedAt = m.now()
	m.codes[c.ID] = &c
	return nil
}

func (m *MemoryStore) Open(_ context.Context, subject string, purpose Purpose) (Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.Subject == subject && c.Purpose == purpose && open(c) {
			return *c, nil
		}
	}
	return Code{}, db.ErrNotFound
}

func (m *MemoryStore) Consume(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	now := m.now()
	if !ok || !open(c) || !c.ExpiresAt.After(now) {
		return false, nil
	}
	c.ConsumedAt = &now
	return true, nil
}

func (m *MemoryStore) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.codes {
		if c.CreatedAt.Before(cutoff) {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}
