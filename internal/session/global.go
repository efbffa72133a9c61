package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"pkt.systems/gtxd/internal/core"
)

// GlobalConfig describes a new global session.
type GlobalConfig struct {
	XID           string
	TransactionID string
	ApplicationID string
	ServiceGroup  string
	Name          string
	BeginTime     time.Time
	Timeout       time.Duration
}

// GlobalSession is the in-memory record of one global transaction.
//
// opMu serializes mutations: each one is persisted through the owning root
// manager, then applied to memory, then dispatched to listeners while opMu is
// still held. mu guards the fields for readers.
type GlobalSession struct {
	xid           string
	transactionID string
	applicationID string
	serviceGroup  string
	name          string
	beginTime     time.Time
	timeout       time.Duration

	opMu sync.Mutex

	mu        sync.RWMutex
	status    GlobalStatus
	active    bool
	failure   string
	attempts  int
	branches  []*BranchSession
	listeners []Listener
	owner     *Manager
}

// NewGlobalSession returns an active session in Begin.
func NewGlobalSession(cfg GlobalConfig) *GlobalSession {
	return &GlobalSession{
		xid:           cfg.XID,
		transactionID: cfg.TransactionID,
		applicationID: cfg.ApplicationID,
		serviceGroup:  cfg.ServiceGroup,
		name:          cfg.Name,
		beginTime:     cfg.BeginTime,
		timeout:       cfg.Timeout,
		status:        StatusBegin,
		active:        true,
	}
}

// FromRecord rebuilds a session from its persisted form. The session starts
// inactive; recovery decides whether it may accept branches again.
func FromRecord(rec *GlobalRecord) *GlobalSession {
	s := NewGlobalSession(GlobalConfig{
		XID:           rec.XID,
		TransactionID: rec.TransactionID,
		ApplicationID: rec.ApplicationID,
		ServiceGroup:  rec.ServiceGroup,
		Name:          rec.Name,
		BeginTime:     time.UnixMilli(rec.BeginTimeMS).UTC(),
		Timeout:       time.Duration(rec.TimeoutMS) * time.Millisecond,
	})
	s.status = rec.Status
	s.active = false
	s.failure = rec.Failure
	for _, br := range rec.Branches {
		if br == nil {
			continue
		}
		s.branches = append(s.branches, branchFromRecord(rec.XID, br))
	}
	return s
}

func (s *GlobalSession) XID() string            { return s.xid }
func (s *GlobalSession) TransactionID() string  { return s.transactionID }
func (s *GlobalSession) ApplicationID() string  { return s.applicationID }
func (s *GlobalSession) ServiceGroup() string   { return s.serviceGroup }
func (s *GlobalSession) Name() string           { return s.name }
func (s *GlobalSession) BeginTime() time.Time   { return s.beginTime }
func (s *GlobalSession) Timeout() time.Duration { return s.timeout }

// Status returns the current status.
func (s *GlobalSession) Status() GlobalStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsActive reports whether new branches may still register.
func (s *GlobalSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive opens or closes the session for branch registration. It is
// serialized with AddBranch so a branch never joins after the session closed.
func (s *GlobalSession) SetActive(active bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Failure returns the recorded failure reason, if any.
func (s *GlobalSession) Failure() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// SetFailure records why the session ended in a failed status. It is written
// with the next persisted change.
func (s *GlobalSession) SetFailure(reason string) {
	s.mu.Lock()
	s.failure = reason
	s.mu.Unlock()
}

// NextAttempt increments and returns the in-memory retry attempt counter.
func (s *GlobalSession) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// Attempts returns the number of retry attempts made since load.
func (s *GlobalSession) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// IsTimedOut reports whether the session outlived its timeout at now.
func (s *GlobalSession) IsTimedOut(now time.Time) bool {
	if s.timeout <= 0 {
		return false
	}
	return now.Sub(s.beginTime) > s.timeout
}

// Branches returns the branches in join order.
func (s *GlobalSession) Branches() []*BranchSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.branches)
}

// Branch returns the branch with id, or nil.
func (s *GlobalSession) Branch(id string) *BranchSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches {
		if b.branchID == id {
			return b
		}
	}
	return nil
}

// HasBranch reports whether any branch is registered.
func (s *GlobalSession) HasBranch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.branches) > 0
}

// CanBeCommittedAsync reports whether every branch supports asynchronous commit.
func (s *GlobalSession) CanBeCommittedAsync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches {
		if !b.branchType.CanCommitAsync() {
			return false
		}
	}
	return true
}

// AddListener registers l once.
func (s *GlobalSession) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

// RemoveListener detaches l.
func (s *GlobalSession) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(existing Listener) bool { return existing == l })
}

// HasListener reports whether l is attached.
func (s *GlobalSession) HasListener(l Listener) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.listeners, l)
}

// Record returns the full persisted form of the session.
func (s *GlobalSession) Record() *GlobalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordLocked()
}

func (s *GlobalSession) recordLocked() *GlobalRecord {
	rec := &GlobalRecord{
		XID:           s.xid,
		TransactionID: s.transactionID,
		ApplicationID: s.applicationID,
		ServiceGroup:  s.serviceGroup,
		Name:          s.name,
		BeginTimeMS:   s.beginTime.UnixMilli(),
		TimeoutMS:     s.timeout.Milliseconds(),
		Status:        s.status,
		Active:        s.active,
		Failure:       s.failure,
		Branches:      make([]*BranchRecord, 0, len(s.branches)),
	}
	for _, b := range s.branches {
		rec.Branches = append(rec.Branches, b.Record())
	}
	return rec
}

func (s *GlobalSession) store() Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.owner == nil {
		return nil
	}
	return s.owner.store
}

func (s *GlobalSession) setOwner(m *Manager) {
	s.mu.Lock()
	s.owner = m
	s.mu.Unlock()
}

// releaseOwner detaches s from m once m no longer persists it.
func (s *GlobalSession) releaseOwner(m *Manager) {
	s.mu.Lock()
	if s.owner == m {
		s.owner = nil
	}
	s.mu.Unlock()
}

func (s *GlobalSession) ownerManager() *Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

func (s *GlobalSession) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.listeners)
}

// ChangeStatus moves the session to status. The change is persisted by the
// owning manager before memory is updated and listeners run. Moving to the
// current status is a no-op; an undefined transition fails with
// ShouldNeverHappen and leaves the session untouched.
func (s *GlobalSession) ChangeStatus(ctx context.Context, status GlobalStatus) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	from := s.Status()
	if from == status {
		return nil
	}
	if !CanTransition(from, status) {
		return core.ShouldNeverHappen("global session %s: undefined transition %s -> %s", s.xid, from, status)
	}
	if owner := s.ownerManager(); owner != nil {
		if err := owner.UpdateGlobalSessionStatus(ctx, s, status); err != nil {
			return err
		}
	} else {
		s.setStatus(status)
	}
	ev := Event{Session: s, From: from, To: status}
	for _, l := range s.snapshotListeners() {
		l.OnStatusChange(ev)
	}
	return nil
}

func (s *GlobalSession) setStatus(status GlobalStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// recordWithStatus returns the document that results from moving to status.
func (s *GlobalSession) recordWithStatus(status GlobalStatus) *GlobalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.recordLocked()
	rec.Status = status
	return rec
}

// AddBranch persists and appends b. Registration requires an active session
// in Begin.
func (s *GlobalSession) AddBranch(ctx context.Context, b *BranchSession) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.IsActive() {
		return core.NotActive(s.xid)
	}
	if status := s.Status(); status != StatusBegin {
		return core.InvalidStatus("global session %s is %s, branches join only in %s", s.xid, status, StatusBegin)
	}
	if s.Branch(b.branchID) != nil {
		return core.DuplicateKey(b.branchID)
	}
	if store := s.store(); store != nil {
		s.mu.RLock()
		rec := s.recordLocked()
		s.mu.RUnlock()
		rec.Branches = append(rec.Branches, b.Record())
		if err := store.PersistBranch(ctx, rec, b.branchID); err != nil {
			return core.StoreUnavailable("persist branch", err)
		}
	}
	s.mu.Lock()
	s.branches = append(s.branches, b)
	s.mu.Unlock()
	return nil
}

// RemoveBranch persists and drops the branch with id. Missing branches are ignored.
func (s *GlobalSession) RemoveBranch(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Branch(id) == nil {
		return nil
	}
	if store := s.store(); store != nil {
		s.mu.RLock()
		rec := s.recordLocked()
		s.mu.RUnlock()
		rec.Branches = slices.DeleteFunc(rec.Branches, func(br *BranchRecord) bool { return br.BranchID == id })
		if err := store.RemoveBranch(ctx, rec, id); err != nil {
			return core.StoreUnavailable("remove branch", err)
		}
	}
	s.mu.Lock()
	s.branches = slices.DeleteFunc(s.branches, func(b *BranchSession) bool { return b.branchID == id })
	s.mu.Unlock()
	return nil
}

// ChangeBranchStatus persists and applies a branch status change, then
// notifies listeners that implement BranchListener.
func (s *GlobalSession) ChangeBranchStatus(ctx context.Context, id string, status BranchStatus) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if status := s.Status(); status.IsTerminal() {
		return core.InvalidStatus("global session %s is %s, branch %s can no longer change", s.xid, status, id)
	}
	b := s.Branch(id)
	if b == nil {
		return core.NotFound("branch %s in %s", id, s.xid)
	}
	from := b.Status()
	if from == status {
		return nil
	}
	if !CanTransitionBranch(from, status) {
		return core.ShouldNeverHappen("branch %s of %s: undefined transition %s -> %s", id, s.xid, from, status)
	}
	if store := s.store(); store != nil {
		s.mu.RLock()
		rec := s.recordLocked()
		s.mu.RUnlock()
		rec.Branch(id).Status = status
		if err := store.UpdateBranchStatus(ctx, rec, id); err != nil {
			return core.StoreUnavailable("update branch status", err)
		}
	}
	b.setStatus(status)
	ev := BranchEvent{Session: s, Branch: b, From: from, To: status}
	for _, l := range s.snapshotListeners() {
		if bl, ok := l.(BranchListener); ok {
			bl.OnBranchStatusChange(ev)
		}
	}
	return nil
}
