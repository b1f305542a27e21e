package entitlement

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type accountKey struct {
	account uuid.UUID
	kind    Kind
}

// MemoryStore is an in-process ledger store with the same semantics as
// Repository, used by tests of dependent modules.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[accountKey]Balance
	consumed map[accountKey]map[string]Source
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[accountKey]Balance),
		consumed: make(map[accountKey]map[string]Source),
	}
}

func (m *MemoryStore) Consume(_ context.Context, accountID uuid.UUID, kind Kind, idempotencyKey string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey{accountID, kind}
	if idempotencyKey != "" {
		if src, ok := m.consumed[key][idempotencyKey]; ok {
			return Grant{Granted: true, Source: src, Replayed: true}, nil
		}
	}

	bal := m.balances[key]
	source, ok := pickSource(bal)
	if !ok {
		return Grant{}, nil
	}
	if source == SourceFree {
		bal.FreeRemaining--
	} else {
		bal.PaidRemaining--
	}
	m.balances[key] = bal

	if idempotencyKey != "" {
		if m.consumed[key] == nil {
			m.consumed[key] = make(map[string]Source)
		}
		m.consumed[key][idempotencyKey] = source
	}
	return Grant{Granted: true, Source: source}, nil
}

func (m *MemoryStore) Balance(_ context.Context, accountID uuid.UUID, kind Kind) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[accountKey{accountID, kind}]
	bal.AccountID, bal.Kind = accountID, kind
	return bal, nil
}

func (m *MemoryStore) Credit(_ context.Context, accountID uuid.UUID, kind Kind, source Source, amount int) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey{accountID, kind}
	bal := m.balances[key]
	bal.AccountID, bal.Kind = accountID, kind
	if source == SourceFree {
		bal.FreeRemaining += amount
	} else {
		bal.PaidRemaining += amount
	}
	m.balances[key] = bal
	return bal, nil
}
