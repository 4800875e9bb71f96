package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshot is the JSON-serializable form of a MemoryStore.
type snapshot struct {
	Users       []*User                        `json:"users"`
	ActionTypes []*ActionType                  `json:"action_types"`
	Requests    []*SigningRequest              `json:"requests"`
	Approvals   map[string][]*Approval         `json:"approvals"`
	Results     map[string]*SigningResult      `json:"results"`
	Attempts    map[string][]*ExecutionAttempt `json:"attempts,omitempty"`
}

// PersistentStore wraps MemoryStore and persists to a JSON file using atomic rename.
// A write is acknowledged only after the snapshot reached disk; if the save
// fails the in-memory change is rolled back by reloading the last snapshot.
type PersistentStore struct {
	*MemoryStore
	path string
	wmu  sync.Mutex
}

// NewPersistentStore creates a store that persists to the given file path.
// If the file exists, it loads state from it on startup (crash recovery).
func NewPersistentStore(path string) (*PersistentStore, error) {
	ps := &PersistentStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := ps.load(); err != nil {
			return nil, fmt.Errorf("load existing data: %w", err)
		}
		slog.Info("persistent store loaded", "path", path, "requests", len(ps.requests), "users", len(ps.users))
	}

	return ps, nil
}

func (ps *PersistentStore) PutUser(ctx context.Context, u *User) error {
	return ps.write(func() error { return ps.MemoryStore.PutUser(ctx, u) })
}

func (ps *PersistentStore) RevokeUser(ctx context.Context, id string, at time.Time) error {
	return ps.write(func() error { return ps.MemoryStore.RevokeUser(ctx, id, at) })
}

func (ps *PersistentStore) PutActionType(ctx context.Context, at *ActionType) error {
	return ps.write(func() error { return ps.MemoryStore.PutActionType(ctx, at) })
}

func (ps *PersistentStore) CreateRequest(ctx context.Context, r *SigningRequest) error {
	return ps.write(func() error { return ps.MemoryStore.CreateRequest(ctx, r) })
}

func (ps *PersistentStore) Transition(ctx context.Context, id string, from, to Status, reason string, at time.Time) error {
	return ps.write(func() error { return ps.MemoryStore.Transition(ctx, id, from, to, reason, at) })
}

func (ps *PersistentStore) ClaimExecution(ctx context.Context, id, claim string, at time.Time) error {
	return ps.write(func() error { return ps.MemoryStore.ClaimExecution(ctx, id, claim, at) })
}

func (ps *PersistentStore) ReleaseExecution(ctx context.Context, id, claim string) error {
	return ps.write(func() error { return ps.MemoryStore.ReleaseExecution(ctx, id, claim) })
}

func (ps *PersistentStore) CompleteExecution(ctx context.Context, res *SigningResult, claim string) error {
	return ps.write(func() error { return ps.MemoryStore.CompleteExecution(ctx, res, claim) })
}

func (ps *PersistentStore) FailExecution(ctx context.Context, id, claim, reason string, at time.Time) error {
	return ps.write(func() error { return ps.MemoryStore.FailExecution(ctx, id, claim, reason, at) })
}

func (ps *PersistentStore) AddApproval(ctx context.Context, a *Approval) error {
	return ps.write(func() error { return ps.MemoryStore.AddApproval(ctx, a) })
}

func (ps *PersistentStore) RecordAttempt(ctx context.Context, a *ExecutionAttempt) error {
	return ps.write(func() error { return ps.MemoryStore.RecordAttempt(ctx, a) })
}

// write applies a mutation and saves the result. Writers are serialized so a
// failed save rolls back only its own mutation.
func (ps *PersistentStore) write(mutate func() error) error {
	ps.wmu.Lock()
	defer ps.wmu.Unlock()

	if err := mutate(); err != nil {
		return err
	}
	if err := ps.save(); err != nil {
		if rerr := ps.reload(); rerr != nil {
			slog.Error("persistent store rollback failed", "path", ps.path, "error", rerr)
		}
		return err
	}
	return nil
}

// save writes the whole store to a temp file then atomically renames it.
func (ps *PersistentStore) save() error {
	ps.mu.RLock()
	snap := snapshot{
		Approvals: ps.approvals,
		Results:   ps.results,
		Attempts:  ps.attempts,
	}
	for _, u := range ps.users {
		snap.Users = append(snap.Users, u)
	}
	for _, at := range ps.actionTypes {
		snap.ActionTypes = append(snap.ActionTypes, at)
	}
	for _, r := range ps.requests {
		snap.Requests = append(snap.Requests, r)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	ps.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmpPath := ps.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, ps.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// reload replaces the in-memory state with the last saved snapshot. The
// reset and the repopulation happen under one lock so readers never see
// an empty store.
func (ps *PersistentStore) reload() error {
	snap, err := ps.readSnapshot()
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.users = make(map[string]*User)
	ps.actionTypes = make(map[string]*ActionType)
	ps.requests = make(map[string]*SigningRequest)
	ps.approvals = make(map[string][]*Approval)
	ps.results = make(map[string]*SigningResult)
	ps.attempts = make(map[string][]*ExecutionAttempt)
	ps.applyLocked(snap)
	return nil
}

// load reads state from the persisted file.
func (ps *PersistentStore) load() error {
	snap, err := ps.readSnapshot()
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.applyLocked(snap)
	return nil
}

// readSnapshot returns an empty snapshot when nothing was saved yet.
func (ps *PersistentStore) readSnapshot() (*snapshot, error) {
	data, err := os.ReadFile(ps.path)
	if os.IsNotExist(err) {
		return &snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return &snap, nil
}

func (ps *PersistentStore) applyLocked(snap *snapshot) {
	for _, u := range snap.Users {
		ps.users[u.ID] = u
	}
	for _, at := range snap.ActionTypes {
		ps.actionTypes[at.Name] = at
	}
	for _, r := range snap.Requests {
		ps.requests[r.ID] = r
	}
	for id, list := range snap.Approvals {
		ps.approvals[id] = list
	}
	for id, res := range snap.Results {
		ps.results[id] = res
	}
	for id, list := range snap.Attempts {
		ps.attempts[id] = list
	}
}
