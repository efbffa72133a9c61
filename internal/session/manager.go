package session

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

// Manager names.
const (
	RootName          = "root.data"
	AsyncCommitName   = "async.commit.data"
	RetryCommitName   = "retry.commit.data"
	RetryRollbackName = "retry.rollback.data"
)

// Predicate decides whether a status belongs in a queue manager.
type Predicate func(GlobalStatus) bool

// StatusIn returns a predicate accepting the listed statuses.
func StatusIn(statuses ...GlobalStatus) Predicate {
	set := slices.Clone(statuses)
	return func(s GlobalStatus) bool { return slices.Contains(set, s) }
}

// Queue predicates.
var (
	AsyncCommitPredicate   = StatusIn(StatusAsyncCommitting)
	RetryCommitPredicate   = StatusIn(StatusCommitRetrying)
	RetryRollbackPredicate = StatusIn(StatusRollbackRetrying, StatusTimeoutRollbackRetrying)
)

// ManagerConfig configures a Manager. A manager with a Store is a root: it
// persists every change and owns the sessions it holds. Managers without a
// Store are in-memory work queues.
type ManagerConfig struct {
	Name      string
	Predicate Predicate
	Store     Store
	Logger    pslog.Logger
}

// Manager is a named collection of global sessions.
type Manager struct {
	name    string
	accepts Predicate
	store   Store
	logger  pslog.Logger

	mu       sync.RWMutex
	sessions map[string]*GlobalSession
	pending  map[string]struct{}
	queues   []*Manager
}

// NewManager builds a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Name == "" {
		return nil, errors.New("session: manager name required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{
		name:     cfg.Name,
		accepts:  cfg.Predicate,
		store:    cfg.Store,
		logger:   svcfields.WithSubsystem(logger, svcfields.Subsystem("session", cfg.Name)),
		sessions: make(map[string]*GlobalSession),
		pending:  make(map[string]struct{}),
	}, nil
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// IsRoot reports whether the manager persists its sessions.
func (m *Manager) IsRoot() bool { return m.store != nil }

// Accepts reports whether status satisfies the membership predicate.
func (m *Manager) Accepts(status GlobalStatus) bool {
	return m.accepts != nil && m.accepts(status)
}

// RouteTo registers queue managers that receive sessions whose new status
// satisfies their predicate.
func (m *Manager) RouteTo(queues ...*Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queues {
		if q == nil || q == m || slices.Contains(m.queues, q) {
			continue
		}
		m.queues = append(m.queues, q)
	}
}

// Queues returns the managers registered with RouteTo.
func (m *Manager) Queues() []*Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.queues)
}

// AddGlobalSession inserts s. A root manager persists the session first and
// becomes its owner. Adding an xid that is already present fails with DuplicateKey.
func (m *Manager) AddGlobalSession(ctx context.Context, s *GlobalSession) error {
	xid := s.XID()
	m.mu.Lock()
	if _, ok := m.sessions[xid]; ok {
		m.mu.Unlock()
		return core.DuplicateKey(xid)
	}
	if _, ok := m.pending[xid]; ok {
		m.mu.Unlock()
		return core.DuplicateKey(xid)
	}
	m.pending[xid] = struct{}{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.PersistGlobal(ctx, s.Record()); err != nil {
			m.mu.Lock()
			delete(m.pending, xid)
			m.mu.Unlock()
			return core.StoreUnavailable("persist global", err)
		}
		s.setOwner(m)
	}

	m.mu.Lock()
	delete(m.pending, xid)
	m.sessions[xid] = s
	m.mu.Unlock()
	s.AddListener(m)
	m.logger.Trace("session.manager.add", "xid", xid, "status", s.Status())
	return nil
}

// RemoveGlobalSession deletes s. A root manager removes the persisted record
// and drops the session from every routed queue. Absent sessions are ignored.
func (m *Manager) RemoveGlobalSession(ctx context.Context, s *GlobalSession) error {
	xid := s.XID()
	m.mu.RLock()
	_, ok := m.sessions[xid]
	queues := slices.Clone(m.queues)
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if m.store != nil {
		if err := m.store.RemoveGlobal(ctx, s.Record()); err != nil {
			return core.StoreUnavailable("remove global", err)
		}
		s.releaseOwner(m)
		for _, q := range queues {
			if err := q.RemoveGlobalSession(ctx, s); err != nil {
				return err
			}
		}
	}
	m.mu.Lock()
	delete(m.sessions, xid)
	m.mu.Unlock()
	s.RemoveListener(m)
	m.logger.Trace("session.manager.remove", "xid", xid)
	return nil
}

// UpdateGlobalSessionStatus persists status for s and applies it in memory.
// It does not notify listeners; GlobalSession.ChangeStatus is the only caller
// that should use it.
func (m *Manager) UpdateGlobalSessionStatus(ctx context.Context, s *GlobalSession, status GlobalStatus) error {
	if m.store != nil {
		if err := m.store.UpdateGlobalStatus(ctx, s.recordWithStatus(status)); err != nil {
			return core.StoreUnavailable("update global status", err)
		}
	}
	s.setStatus(status)
	return nil
}

// FindGlobalSession returns the session with xid or a NotFound failure.
func (m *Manager) FindGlobalSession(xid string) (*GlobalSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[xid]
	if !ok {
		return nil, core.NotFound("global session %s in %s", xid, m.name)
	}
	return s, nil
}

// Contains reports whether xid is held.
func (m *Manager) Contains(xid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[xid]
	return ok
}

// Len returns the number of sessions held.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AllSessions returns a snapshot ordered by begin time, then xid.
func (m *Manager) AllSessions() []*GlobalSession {
	m.mu.RLock()
	out := make([]*GlobalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *GlobalSession) int {
		if c := a.BeginTime().Compare(b.BeginTime()); c != 0 {
			return c
		}
		return cmp.Compare(a.XID(), b.XID())
	})
	return out
}

// Sessions iterates over a fresh snapshot each time it is ranged over.
func (m *Manager) Sessions() iter.Seq[*GlobalSession] {
	return func(yield func(*GlobalSession) bool) {
		for _, s := range m.AllSessions() {
			if !yield(s) {
				return
			}
		}
	}
}

// Reload loads every persisted session into memory without writing them
// back. Only a root manager can reload.
func (m *Manager) Reload(ctx context.Context) error {
	if m.store == nil {
		return errors.New("session: reload requires a store")
	}
	records, err := m.store.ReadAll(ctx)
	if err != nil {
		return core.StoreUnavailable("read all", err)
	}
	for _, rec := range records {
		if rec == nil || rec.XID == "" {
			continue
		}
		s := FromRecord(rec)
		m.mu.Lock()
		if _, dup := m.sessions[rec.XID]; dup {
			m.mu.Unlock()
			return core.ShouldNeverHappen("reloaded session %s twice", rec.XID)
		}
		m.sessions[rec.XID] = s
		m.mu.Unlock()
		s.setOwner(m)
		s.AddListener(m)
	}
	m.logger.Info("session.manager.reload", "sessions", len(records))
	return nil
}

// OnStatusChange keeps queue membership consistent with the session status.
// A root manager routes the session into every queue whose predicate accepts
// the new status; a queue manager drops sessions whose status left its predicate.
func (m *Manager) OnStatusChange(ev Event) {
	s := ev.Session
	if m.store != nil {
		for _, q := range m.Queues() {
			if !q.Accepts(ev.To) || q.Contains(s.XID()) {
				continue
			}
			if err := q.AddGlobalSession(context.Background(), s); err != nil {
				m.logger.Warn("session.route.failed", "xid", s.XID(), "queue", q.Name(), "error", err)
				continue
			}
			m.logger.Debug("session.route", "xid", s.XID(), "queue", q.Name(), "status", ev.To)
		}
		return
	}
	if m.Accepts(ev.To) {
		return
	}
	m.mu.Lock()
	_, held := m.sessions[s.XID()]
	delete(m.sessions, s.XID())
	m.mu.Unlock()
	if held {
		s.RemoveListener(m)
		m.logger.Debug("session.queue.leave", "xid", s.XID(), "status", ev.To)
	}
}
