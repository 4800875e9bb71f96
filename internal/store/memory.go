package store

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory store backed by sync.RWMutex.
// Records are copied on the way in and out so callers never share state.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	actionTypes map[string]*ActionType
	requests    map[string]*SigningRequest
	approvals   map[string][]*Approval
	results     map[string]*SigningResult
	attempts    map[string][]*ExecutionAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		actionTypes: make(map[string]*ActionType),
		requests:    make(map[string]*SigningRequest),
		approvals:   make(map[string][]*Approval),
		results:     make(map[string]*SigningResult),
		attempts:    make(map[string][]*ExecutionAttempt),
	}
}

func (m *MemoryStore) PutUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, cloneUser(u))
	}
	slices.SortFunc(result, func(a, b *User) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (m *MemoryStore) RevokeUser(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if u.Revoked {
		return nil
	}
	u.Revoked = true
	u.RevokedAt = at
	return nil
}

func (m *MemoryStore) PutActionType(_ context.Context, at *ActionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneActionType(at)
	if prev, ok := m.actionTypes[at.Name]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.actionTypes[at.Name] = c
	return nil
}

func (m *MemoryStore) GetActionType(_ context.Context, name string) (*ActionType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.actionTypes[name]
	if !ok {
		return nil, fmt.Errorf("action type %s: %w", name, ErrNotFound)
	}
	return cloneActionType(at), nil
}

func (m *MemoryStore) ListActionTypes(_ context.Context) ([]*ActionType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ActionType, 0, len(m.actionTypes))
	for _, at := range m.actionTypes {
		result = append(result, cloneActionType(at))
	}
	slices.SortFunc(result, func(a, b *ActionType) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *SigningRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[r.ID]; exists {
		return fmt.Errorf("request %s: %w", r.ID, ErrDuplicate)
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*SigningRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]*SigningRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SigningRequest
	for _, r := range m.requests {
		if f.match(r) {
			result = append(result, cloneRequest(r))
		}
	}
	slices.SortFunc(result, func(a, b *SigningRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Status != from || !CanTransition(from, to) {
		return fmt.Errorf("request %s is %s, not %s: %w", id, r.Status, from, ErrConflict)
	}
	r.Status = to
	r.Reason = reason
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ClaimExecution(_ context.Context, id, claim string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Status != StatusApproved || r.ExecutionClaim != "" {
		return fmt.Errorf("request %s not claimable: %w", id, ErrConflict)
	}
	r.ExecutionClaim = claim
	r.UpdatedAt = at
	return nil
}

// ReleaseExecution clears the claim on a request. An empty claim releases
// whatever claim is held.
func (m *MemoryStore) ReleaseExecution(_ context.Context, id, claim string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Status != StatusApproved || r.ExecutionClaim == "" || (claim != "" && r.ExecutionClaim != claim) {
		return fmt.Errorf("request %s claim not held: %w", id, ErrConflict)
	}
	r.ExecutionClaim = ""
	return nil
}

func (m *MemoryStore) CompleteExecution(_ context.Context, res *SigningResult, claim string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[res.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", res.RequestID, ErrNotFound)
	}
	if r.Status != StatusApproved || r.ExecutionClaim != claim {
		return fmt.Errorf("request %s claim not held: %w", res.RequestID, ErrConflict)
	}
	if _, exists := m.results[res.RequestID]; exists {
		return fmt.Errorf("result %s: %w", res.RequestID, ErrDuplicate)
	}
	m.results[res.RequestID] = cloneResult(res)
	r.Status = StatusExecuted
	r.ExecutionClaim = ""
	r.UpdatedAt = res.CreatedAt
	return nil
}

func (m *MemoryStore) FailExecution(_ context.Context, id, claim, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Status != StatusApproved || r.ExecutionClaim != claim {
		return fmt.Errorf("request %s claim not held: %w", id, ErrConflict)
	}
	r.Status = StatusRejected
	r.Reason = reason
	r.ExecutionClaim = ""
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) AddApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[a.RequestID]; !ok {
		return fmt.Errorf("request %s: %w", a.RequestID, ErrNotFound)
	}
	for _, existing := range m.approvals[a.RequestID] {
		if existing.ApproverID == a.ApproverID {
			return fmt.Errorf("approval %s/%s: %w", a.RequestID, a.ApproverID, ErrDuplicate)
		}
	}
	m.approvals[a.RequestID] = append(m.approvals[a.RequestID], cloneApproval(a))
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, requestID, approverID string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.approvals[requestID] {
		if a.ApproverID == approverID {
			return cloneApproval(a), nil
		}
	}
	return nil, fmt.Errorf("approval %s/%s: %w", requestID, approverID, ErrNotFound)
}

func (m *MemoryStore) ListApprovals(_ context.Context, requestID string) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Approval, 0, len(m.approvals[requestID]))
	for _, a := range m.approvals[requestID] {
		result = append(result, cloneApproval(a))
	}
	return result, nil
}

func (m *MemoryStore) GetResult(_ context.Context, requestID string) (*SigningResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[requestID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", requestID, ErrNotFound)
	}
	return cloneResult(res), nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, a *ExecutionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *a
	m.attempts[a.RequestID] = append(m.attempts[a.RequestID], &c)
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, requestID string) ([]*ExecutionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ExecutionAttempt, 0, len(m.attempts[requestID]))
	for _, a := range m.attempts[requestID] {
		c := *a
		result = append(result, &c)
	}
	return result, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneUser(u *User) *User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return &c
}

func cloneActionType(at *ActionType) *ActionType {
	c := *at
	c.EligibleUsers = slices.Clone(at.EligibleUsers)
	return &c
}

func cloneRequest(r *SigningRequest) *SigningRequest {
	c := *r
	c.Digest = bytes.Clone(r.Digest)
	return &c
}

func cloneApproval(a *Approval) *Approval {
	c := *a
	c.Signature = bytes.Clone(a.Signature)
	return &c
}

func cloneResult(res *SigningResult) *SigningResult {
	c := *res
	c.Raw = bytes.Clone(res.Raw)
	c.Artifact = bytes.Clone(res.Artifact)
	return &c
}
