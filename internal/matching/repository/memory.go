package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
)

// MemoryExpert is an expert row with the fields eligibility filters on.
type MemoryExpert struct {
	domain.Expert
	Active    bool
	KYCStatus string
}

type pairKey struct {
	diagnosis uuid.UUID
	expert    uuid.UUID
}

// Memory mirrors Repository in process for tests of the engine and handlers.
type Memory struct {
	mu      sync.Mutex
	experts []MemoryExpert
	leads   map[uuid.UUID]domain.Lead
	pairs   map[pairKey]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		leads: make(map[uuid.UUID]domain.Lead),
		pairs: make(map[pairKey]uuid.UUID),
	}
}

// AddExpert registers an expert row.
func (m *Memory) AddExpert(e MemoryExpert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experts = append(m.experts, e)
}

func (m *Memory) EligibleExperts(_ context.Context, c domain.Criteria) ([]domain.Expert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Expert, 0)
	for _, e := range m.experts {
		if !e.Active || e.KYCStatus != "approved" {
			continue
		}
		if c.Region != "" && !servesAll(e.Regions, c.Region) {
			continue
		}
		if c.Make != "" && !servesAll(e.VehicleMakes, c.Make) {
			continue
		}
		if _, taken := m.pairs[pairKey{c.DiagnosisID, e.ID}]; taken {
			continue
		}
		out = append(out, e.Expert)
	}
	out = domain.Rank(out, c.Origin)
	if len(out) > maxPool {
		out = out[:maxPool]
	}
	return out, nil
}

// servesAll reports whether an empty list or a case-insensitive match admits value.
func servesAll(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func (m *Memory) InsertLead(_ context.Context, l domain.Lead) (domain.Lead, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{l.DiagnosisID, l.ExpertID}
	if _, exists := m.pairs[key]; exists {
		return domain.Lead{}, false, nil
	}
	now := time.Now().UTC()
	l.ID = uuid.New()
	l.Status = domain.LeadNew
	l.CreatedAt = now
	l.UpdatedAt = now
	m.leads[l.ID] = l
	m.pairs[key] = l.ID
	return l, true, nil
}

// DeleteLead removes a lead. It exists so tests can emulate a rolled back insert.
func (m *Memory) DeleteLead(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leads[id]; ok {
		delete(m.pairs, pairKey{l.DiagnosisID, l.ExpertID})
		delete(m.leads, id)
	}
}

func (m *Memory) CountLeads(_ context.Context, diagnosisID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leads {
		if l.DiagnosisID == diagnosisID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetLead(_ context.Context, id uuid.UUID) (domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return domain.Lead{}, db.ErrNotFound
	}
	return l, nil
}

func (m *Memory) ListLeadsForExpert(_ context.Context, expertID uuid.UUID, limit int) ([]domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Lead, 0)
	for _, l := range m.leads {
		if l.ExpertID == expertID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateLeadStatus(_ context.Context, id uuid.UUID, from, to domain.LeadStatus) (domain.Lead, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok || l.Status != from {
		return domain.Lead{}, false, nil
	}
	l.Status = to
	l.UpdatedAt = time.Now().UTC()
	m.leads[id] = l
	return l, true, nil
}

func (m *Memory) ExpertByUserID(_ context.Context, userID uuid.UUID) (domain.Expert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.experts {
		if e.UserID == userID {
			return e.Expert, nil
		}
	}
	return domain.Expert{}, db.ErrNotFound
}
