package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store for dev mode and tests.
// Conditional-write semantics match the Postgres store exactly.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	records  map[string]Record // keyed token + "\x00" + studentID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		records:  make(map[string]Record),
	}
}

func recordKey(token, studentID string) string { return token + "\x00" + studentID }

// CreateSession writes a new session, rejecting token reuse.
func (m *MemStore) CreateSession(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; ok {
		return ErrConflict
	}
	m.sessions[s.Token] = s
	return nil
}

// GetSession returns the session named by token.
func (m *MemStore) GetSession(ctx context.Context, token string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// DeactivateSession performs the Active -> Deactivated transition.
func (m *MemStore) DeactivateSession(ctx context.Context, token string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateActive {
		return ErrConflict
	}
	s.State = StateDeactivated
	s.DeactivatedAt = &at
	m.sessions[token] = s
	return nil
}

// CreateRecord writes an attendance record, rejecting duplicates for the
// same (token, student) pair.
func (m *MemStore) CreateRecord(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(r.SessionToken, r.StudentID)
	if _, ok := m.records[key]; ok {
		return ErrConflict
	}
	m.records[key] = r
	return nil
}

// ListSessionRecords returns the roster for one session.
func (m *MemStore) ListSessionRecords(ctx context.Context, token string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionToken == token {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// ListStudentRecords returns a student's history, newest first.
func (m *MemStore) ListStudentRecords(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return paginate(out, limit, offset), nil
}

// ListOwnerSessions returns a lecturer's sessions, newest first.
func (m *MemStore) ListOwnerSessions(ctx context.Context, ownerID string, limit, offset int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return paginate(out, limit, offset), nil
}

// ExpireOverdue deactivates every Active session past its expiry.
func (m *MemStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, s := range m.sessions {
		if s.State == StateActive && s.ExpiresAt.Before(now) {
			at := now
			s.State = StateDeactivated
			s.DeactivatedAt = &at
			m.sessions[tok] = s
			n++
		}
	}
	return n, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
