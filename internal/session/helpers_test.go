package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string][]byte
	ops     []string
	failOn  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]byte)}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) write(op string, rec *GlobalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if f.failOn == op {
		return errStoreDown
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f.records[rec.XID] = data
	return nil
}

func (f *fakeStore) PersistGlobal(_ context.Context, rec *GlobalRecord) error {
	return f.write("persist_global", rec)
}

func (f *fakeStore) UpdateGlobalStatus(_ context.Context, rec *GlobalRecord) error {
	return f.write("update_global_status", rec)
}

func (f *fakeStore) RemoveGlobal(_ context.Context, rec *GlobalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "remove_global")
	if f.failOn == "remove_global" {
		return errStoreDown
	}
	delete(f.records, rec.XID)
	return nil
}

func (f *fakeStore) PersistBranch(_ context.Context, rec *GlobalRecord, _ string) error {
	return f.write("persist_branch", rec)
}

func (f *fakeStore) UpdateBranchStatus(_ context.Context, rec *GlobalRecord, _ string) error {
	return f.write("update_branch_status", rec)
}

func (f *fakeStore) RemoveBranch(_ context.Context, rec *GlobalRecord, _ string) error {
	return f.write("remove_branch", rec)
}

func (f *fakeStore) ReadAll(context.Context) ([]*GlobalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*GlobalRecord, 0, len(f.records))
	for _, data := range f.records {
		var rec GlobalRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(t *testing.T, xid string) *GlobalRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.records[xid]
	if !ok {
		return nil
	}
	var rec GlobalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode %s: %v", xid, err)
	}
	return &rec
}

type managers struct {
	root, async, retryCommit, retryRollback *Manager
}

func newManagers(t *testing.T, store Store) managers {
	t.Helper()
	mk := func(cfg ManagerConfig) *Manager {
		m, err := NewManager(cfg)
		if err != nil {
			t.Fatalf("new manager %s: %v", cfg.Name, err)
		}
		return m
	}
	ms := managers{
		root:          mk(ManagerConfig{Name: RootName, Store: store}),
		async:         mk(ManagerConfig{Name: AsyncCommitName, Predicate: AsyncCommitPredicate}),
		retryCommit:   mk(ManagerConfig{Name: RetryCommitName, Predicate: RetryCommitPredicate}),
		retryRollback: mk(ManagerConfig{Name: RetryRollbackName, Predicate: RetryRollbackPredicate}),
	}
	ms.root.RouteTo(ms.async, ms.retryCommit, ms.retryRollback)
	return ms
}

var testBegin = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newSession(xid string) *GlobalSession {
	return NewGlobalSession(GlobalConfig{
		XID:           xid,
		TransactionID: xid,
		ApplicationID: "app",
		ServiceGroup:  "default",
		Name:          "tx-" + xid,
		BeginTime:     testBegin,
		Timeout:       time.Minute,
	})
}

type recorder struct {
	mu       sync.Mutex
	events   []Event
	branches []BranchEvent
}

func (r *recorder) OnStatusChange(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnBranchStatusChange(ev BranchEvent) {
	r.mu.Lock()
	r.branches = append(r.branches, ev)
	r.mu.Unlock()
}
