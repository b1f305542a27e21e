package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
)

// Memory is an in-process store with the same claim and first-writer-wins
// rules as Repository, for tests that run the pipeline without Postgres.
type Memory struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*memRow
	now  func() time.Time
}

type memRow struct {
	d            domain.Diagnosis
	leaseOwner   string
	leaseExpires time.Time
	matched      bool
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[uuid.UUID]*memRow), now: time.Now}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Create(_ context.Context, d domain.Diagnosis) (domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[d.ID]; exists {
		return domain.Diagnosis{}, db.ErrAlreadyExists
	}
	now := m.now()
	d.Status = domain.StatusQueued
	d.Attempts = 0
	d.Result = nil
	d.CreatedAt, d.UpdatedAt = now, now
	m.rows[d.ID] = &memRow{d: clone(d)}
	return clone(d), nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.Diagnosis{}, db.ErrNotFound
	}
	return clone(r.d), nil
}

func (m *Memory) GetByToken(_ context.Context, token string) (domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.d.PublicToken == token {
			return clone(r.d), nil
		}
	}
	return domain.Diagnosis{}, db.ErrNotFound
}

func (m *Memory) ListByOwner(_ context.Context, ownerID uuid.UUID, limit int) ([]domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Diagnosis
	for _, r := range m.rows {
		if r.d.OwnerID == ownerID {
			out = append(out, clone(r.d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID, worker string, lease time.Duration, maxAttempts int) (domain.Diagnosis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	now := m.now()
	if !ok || r.d.Attempts >= maxAttempts || !m.claimable(r, now) {
		return domain.Diagnosis{}, false, nil
	}
	r.d.Status = domain.StatusProcessing
	r.d.Attempts++
	r.d.NextAttemptAt = nil
	r.d.UpdatedAt = now
	r.leaseOwner = worker
	r.leaseExpires = now.Add(lease)
	return clone(r.d), true, nil
}

func (m *Memory) claimable(r *memRow, now time.Time) bool {
	switch {
	case r.d.Status == domain.StatusQueued:
		return true
	case r.d.Status != domain.StatusProcessing:
		return false
	case r.leaseOwner == "":
		return r.d.NextAttemptAt == nil || !r.d.NextAttemptAt.After(now)
	default:
		return r.leaseExpires.Before(now)
	}
}

func (m *Memory) ReleaseForRetry(_ context.Context, id uuid.UUID, worker, errDetail string, delay time.Duration) (domain.Diagnosis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.held(id, worker)
	if !ok {
		return domain.Diagnosis{}, false, nil
	}
	now := m.now()
	next := now.Add(delay)
	r.leaseOwner = ""
	r.leaseExpires = time.Time{}
	r.d.ErrorDetail = errDetail
	r.d.NextAttemptAt = &next
	r.d.UpdatedAt = now
	return clone(r.d), true, nil
}

func (m *Memory) Complete(_ context.Context, id uuid.UUID, worker string, res domain.Result) (domain.Diagnosis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.held(id, worker)
	if !ok {
		return domain.Diagnosis{}, false, nil
	}
	now := m.now()
	r.d.Status = domain.StatusCompleted
	r.d.Result = cloneResult(&res)
	r.d.ErrorDetail = ""
	r.d.CompletedAt = &now
	r.d.UpdatedAt = now
	r.leaseOwner = ""
	return clone(r.d), true, nil
}

func (m *Memory) Fail(_ context.Context, id uuid.UUID, worker, errDetail string) (domain.Diagnosis, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.held(id, worker)
	if !ok {
		return domain.Diagnosis{}, false, nil
	}
	m.fail(r, errDetail)
	return clone(r.d), true, nil
}

func (m *Memory) FailAbandoned(_ context.Context, maxAttempts int, limit int) ([]domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []domain.Diagnosis
	for _, r := range m.rows {
		if len(out) >= limit {
			break
		}
		if r.d.Status != domain.StatusProcessing || r.d.Attempts < maxAttempts || r.leaseOwner == "" || !r.leaseExpires.Before(now) {
			continue
		}
		detail := r.d.ErrorDetail
		if detail == "" {
			detail = "worker lease expired"
		}
		m.fail(r, detail)
		out = append(out, clone(r.d))
	}
	return out, nil
}

func (m *Memory) ListClaimable(_ context.Context, grace time.Duration, maxAttempts int, limit int) ([]domain.Claimable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []domain.Claimable
	for _, r := range m.rows {
		if r.d.Attempts >= maxAttempts || !m.claimable(r, now) {
			continue
		}
		if r.d.Status == domain.StatusQueued && r.d.CreatedAt.After(now.Add(-grace)) {
			continue
		}
		out = append(out, domain.Claimable{ID: r.d.ID, Attempts: r.d.Attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkMatched(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok && r.d.Status == domain.StatusCompleted {
		r.matched = true
	}
	return nil
}

func (m *Memory) ListUnmatched(_ context.Context, grace time.Duration, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-grace)
	var out []uuid.UUID
	for _, r := range m.rows {
		if r.d.Status != domain.StatusCompleted || r.matched || r.d.CompletedAt == nil || !r.d.CompletedAt.Before(cutoff) {
			continue
		}
		out = append(out, r.d.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) held(id uuid.UUID, worker string) (*memRow, bool) {
	r, ok := m.rows[id]
	if !ok || r.d.Status != domain.StatusProcessing || r.leaseOwner != worker {
		return nil, false
	}
	return r, true
}

func (m *Memory) fail(r *memRow, detail string) {
	now := m.now()
	r.d.Status = domain.StatusFailed
	r.d.ErrorDetail = detail
	r.d.CompletedAt = &now
	r.d.UpdatedAt = now
	r.leaseOwner = ""
	r.leaseExpires = time.Time{}
}

func clone(d domain.Diagnosis) domain.Diagnosis {
	if d.Vehicle != nil {
		v := *d.Vehicle
		d.Vehicle = &v
	}
	d.Result = cloneResult(d.Result)
	return d
}

func cloneResult(r *domain.Result) *domain.Result {
	if r == nil {
		return nil
	}
	c := *r
	c.PossibleCauses = append([]string{}, r.PossibleCauses...)
	c.RecommendedActions = append([]domain.Action{}, r.RecommendedActions...)
	c.SafetyWarnings = append([]string{}, r.SafetyWarnings...)
	return &c
}
