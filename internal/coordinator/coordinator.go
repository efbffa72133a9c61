// Package coordinator holds the coordinator context: the four session
// managers, the lock registry, the participant invoker, the retry loops and
// the timeout scanner. One Coordinator is created at startup and passed to
// every surface that needs it.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/ids"
	"pkt.systems/gtxd/internal/lock"
	"pkt.systems/gtxd/internal/recovery"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultRetryPeriod is the default interval of every background loop.
	DefaultRetryPeriod = time.Second
	// DefaultTimeout applies to global sessions begun without a timeout.
	DefaultTimeout = 60 * time.Second
)

// Config wires a Coordinator.
type Config struct {
	// Address is the coordinator address embedded in every xid.
	Address     string
	Store       session.Store
	Participant Participant
	LockShards  int
	Clock       clock.Clock
	Logger      pslog.Logger

	DefaultTimeout             time.Duration
	CommittingRetryPeriod      time.Duration
	AsyncCommittingRetryPeriod time.Duration
	RollbackingRetryPeriod     time.Duration
	TimeoutRetryPeriod         time.Duration

	// MaxCommitRetryTimeout and MaxRollbackRetryTimeout bound the time since
	// begin during which retries continue. Zero or negative is unlimited.
	MaxCommitRetryTimeout   time.Duration
	MaxRollbackRetryTimeout time.Duration
	// RetryMaxAttempts bounds retry passes per session. Zero is unlimited.
	RetryMaxAttempts int
}

// Coordinator drives global sessions from begin to a terminal status.
type Coordinator struct {
	address       string
	root          *session.Manager
	asyncCommit   *session.Manager
	retryCommit   *session.Manager
	retryRollback *session.Manager
	locks         *lock.Registry
	participant   Participant
	clock         clock.Clock
	logger        pslog.Logger
	tracer        trace.Tracer
	metrics       *coordinatorMetrics

	defaultTimeout          time.Duration
	committingPeriod        time.Duration
	asyncCommittingPeriod   time.Duration
	rollbackingPeriod       time.Duration
	timeoutPeriod           time.Duration
	maxCommitRetryTimeout   time.Duration
	maxRollbackRetryTimeout time.Duration
	retryMaxAttempts        int

	inflight  sync.Map
	recovered atomic.Bool
}

// New builds the coordinator context and its session topology.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: session store required")
	}
	if cfg.Participant == nil {
		return nil, errors.New("coordinator: participant required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	root, err := session.NewManager(session.ManagerConfig{Name: session.RootName, Store: cfg.Store, Logger: logger})
	if err != nil {
		return nil, err
	}
	async, err := session.NewManager(session.ManagerConfig{Name: session.AsyncCommitName, Predicate: session.AsyncCommitPredicate, Logger: logger})
	if err != nil {
		return nil, err
	}
	retryCommit, err := session.NewManager(session.ManagerConfig{Name: session.RetryCommitName, Predicate: session.RetryCommitPredicate, Logger: logger})
	if err != nil {
		return nil, err
	}
	retryRollback, err := session.NewManager(session.ManagerConfig{Name: session.RetryRollbackName, Predicate: session.RetryRollbackPredicate, Logger: logger})
	if err != nil {
		return nil, err
	}
	root.RouteTo(async, retryCommit, retryRollback)

	c := &Coordinator{
		address:                 cfg.Address,
		root:                    root,
		asyncCommit:             async,
		retryCommit:             retryCommit,
		retryRollback:           retryRollback,
		locks:                   lock.New(lock.Config{Shards: cfg.LockShards, Logger: svcfields.WithSubsystem(logger, "lock.registry")}),
		participant:             cfg.Participant,
		clock:                   clk,
		logger:                  svcfields.WithSubsystem(logger, "coordinator"),
		tracer:                  otel.Tracer("pkt.systems/gtxd/coordinator"),
		defaultTimeout:          positive(cfg.DefaultTimeout, DefaultTimeout),
		committingPeriod:        positive(cfg.CommittingRetryPeriod, DefaultRetryPeriod),
		asyncCommittingPeriod:   positive(cfg.AsyncCommittingRetryPeriod, DefaultRetryPeriod),
		rollbackingPeriod:       positive(cfg.RollbackingRetryPeriod, DefaultRetryPeriod),
		timeoutPeriod:           positive(cfg.TimeoutRetryPeriod, DefaultRetryPeriod),
		maxCommitRetryTimeout:   cfg.MaxCommitRetryTimeout,
		maxRollbackRetryTimeout: cfg.MaxRollbackRetryTimeout,
		retryMaxAttempts:        cfg.RetryMaxAttempts,
	}
	c.metrics = newCoordinatorMetrics(c.logger, root, async, retryCommit, retryRollback)
	return c, nil
}

func positive(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Root returns the persistence-backed root manager.
func (c *Coordinator) Root() *session.Manager { return c.root }

// AsyncCommit returns the async-committing queue manager.
func (c *Coordinator) AsyncCommit() *session.Manager { return c.asyncCommit }

// RetryCommit returns the retry-committing queue manager.
func (c *Coordinator) RetryCommit() *session.Manager { return c.retryCommit }

// RetryRollback returns the retry-rollbacking queue manager.
func (c *Coordinator) RetryRollback() *session.Manager { return c.retryRollback }

// Managers returns the root followed by the three queue managers.
func (c *Coordinator) Managers() []*session.Manager {
	return []*session.Manager{c.root, c.asyncCommit, c.retryCommit, c.retryRollback}
}

// Locks returns the lock registry.
func (c *Coordinator) Locks() *lock.Registry { return c.locks }

// Recover reloads persisted sessions and re-enqueues them. It must complete
// before Run or any client operation.
func (c *Coordinator) Recover(ctx context.Context) (recovery.Result, error) {
	res, err := recovery.Run(ctx, recovery.Config{
		Root:          c.root,
		AsyncCommit:   c.asyncCommit,
		RetryCommit:   c.retryCommit,
		RetryRollback: c.retryRollback,
		Locker:        c.locks,
		Logger:        c.logger,
	})
	if err != nil {
		return res, err
	}
	c.recovered.Store(true)
	return res, nil
}

// Run starts the async-committing, retry-committing and retry-rollbacking
// loops and the timeout scanner, and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.recovered.Load() {
		return errors.New("coordinator: run before recovery")
	}
	loops := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"async.commit", c.asyncCommittingPeriod, c.HandleAsyncCommitting},
		{"retry.commit", c.committingPeriod, c.HandleRetryCommitting},
		{"retry.rollback", c.rollbackingPeriod, c.HandleRetryRollbacking},
		{"timeout", c.timeoutPeriod, c.TimeoutCheck},
	}
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, l.name, l.period, l.fn)
		}()
	}
	c.logger.Info("coordinator.loops.started",
		"async_committing_period", c.asyncCommittingPeriod,
		"committing_period", c.committingPeriod,
		"rollbacking_period", c.rollbackingPeriod,
		"timeout_period", c.timeoutPeriod,
	)
	wg.Wait()
	c.logger.Info("coordinator.loops.stopped")
	return nil
}

func (c *Coordinator) loop(ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	logger := svcfields.WithSubsystem(c.logger, "coordinator."+name)
	ctx = pslog.ContextWithLogger(ctx, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(period):
		}
		fn(ctx)
	}
}

// claim marks xid as being driven by the caller. Client operations, the
// retry loops and the timeout scanner skip sessions claimed by someone else.
func (c *Coordinator) claim(xid string) (func(), bool) {
	if _, busy := c.inflight.LoadOrStore(xid, struct{}{}); busy {
		return nil, false
	}
	return func() { c.inflight.Delete(xid) }, true
}

// BeginRequest describes a new global transaction.
type BeginRequest struct {
	ApplicationID string
	ServiceGroup  string
	Name          string
	Timeout       time.Duration
}

// Begin creates and persists a global session in Begin.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (*session.GlobalSession, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	txID := ids.NewTransactionID()
	gs := session.NewGlobalSession(session.GlobalConfig{
		XID:           ids.XID(c.address, txID),
		TransactionID: txID,
		ApplicationID: req.ApplicationID,
		ServiceGroup:  req.ServiceGroup,
		Name:          req.Name,
		BeginTime:     c.clock.Now(),
		Timeout:       timeout,
	})
	if err := c.root.AddGlobalSession(ctx, gs); err != nil {
		return nil, err
	}
	c.metrics.recordBegin(ctx)
	c.logger.Info("coordinator.begin", "xid", gs.XID(), "name", req.Name, "timeout", timeout)
	return gs, nil
}

// BranchRequest describes a branch joining a global transaction.
type BranchRequest struct {
	ResourceID      string
	BranchType      session.BranchType
	LockKeys        string
	ClientID        string
	ApplicationData string
}

// RegisterBranch acquires the branch's locks and adds it to the global
// session. A lock conflict is returned as is; the caller must roll back.
func (c *Coordinator) RegisterBranch(ctx context.Context, xid string, req BranchRequest) (string, error) {
	if req.ResourceID == "" {
		return "", core.BadRequest("resource id required")
	}
	if !req.BranchType.Valid() {
		return "", core.BadRequest("unknown branch type %q", req.BranchType)
	}
	gs, err := c.root.FindGlobalSession(xid)
	if err != nil {
		return "", err
	}
	if !gs.IsActive() {
		return "", core.NotActive(xid)
	}
	b := session.NewBranchSession(xid, session.BranchConfig{
		BranchID:        ids.NewBranchID(),
		ResourceID:      req.ResourceID,
		BranchType:      req.BranchType,
		LockKeys:        req.LockKeys,
		ClientID:        req.ClientID,
		ApplicationData: req.ApplicationData,
	})
	if err := b.Lock(ctx, c.locks); err != nil {
		if errors.Is(err, core.ErrLockConflict) {
			c.metrics.recordLockConflict(ctx, req.ResourceID)
			c.logger.Info("coordinator.branch.lock_conflict", "xid", xid, "resource_id", req.ResourceID, "error", err)
		}
		return "", err
	}
	if err := gs.AddBranch(ctx, b); err != nil {
		if uerr := b.Unlock(c.locks); uerr != nil {
			c.logger.Warn("coordinator.branch.unlock_failed", "xid", xid, "branch_id", b.BranchID(), "error", uerr)
		}
		return "", err
	}
	c.logger.Debug("coordinator.branch.registered", "xid", xid, "branch_id", b.BranchID(), "resource_id", req.ResourceID, "branch_type", req.BranchType)
	return b.BranchID(), nil
}

// ReportBranch records the phase-one outcome of a branch.
func (c *Coordinator) ReportBranch(ctx context.Context, xid, branchID string, status session.BranchStatus) error {
	if status != session.BranchPhaseOneDone && status != session.BranchPhaseOneFailed {
		return core.BadRequest("branch report status must be %s or %s, got %q", session.BranchPhaseOneDone, session.BranchPhaseOneFailed, status)
	}
	gs, err := c.root.FindGlobalSession(xid)
	if err != nil {
		return err
	}
	return gs.ChangeBranchStatus(ctx, branchID, status)
}

// Commit closes the session and commits it. Sessions whose branches all
// support it are handed to the async-committing loop and reported Committed.
// A session that is not in Begin is left alone and its status returned; an
// unknown session is reported Finished.
func (c *Coordinator) Commit(ctx context.Context, xid string) (session.GlobalStatus, error) {
	ctx, span := c.tracer.Start(ctx, "gtxd.coordinator.commit", trace.WithAttributes(attribute.String("gtxd.xid", xid)))
	defer span.End()
	status, err := c.commit(ctx, xid)
	endSpan(span, status, err)
	return status, err
}

func (c *Coordinator) commit(ctx context.Context, xid string) (session.GlobalStatus, error) {
	gs, err := c.root.FindGlobalSession(xid)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return session.StatusFinished, nil
		}
		return "", err
	}
	release, ok := c.claim(xid)
	if !ok {
		return gs.Status(), nil
	}
	defer release()

	gs.SetActive(false)
	if status := gs.Status(); status != session.StatusBegin {
		return status, nil
	}
	if gs.HasBranch() && gs.CanBeCommittedAsync() {
		if err := gs.ChangeStatus(ctx, session.StatusAsyncCommitting); err != nil {
			return "", err
		}
		// Phase one already made the local changes durable, so the global
		// locks are not needed while the async loop finishes the branches.
		for _, b := range gs.Branches() {
			if err := b.Unlock(c.locks); err != nil {
				c.logger.Warn("coordinator.commit.async.unlock_failed", "xid", xid, "branch_id", b.BranchID(), "error", err)
			}
		}
		c.logger.Info("coordinator.commit.async", "xid", xid)
		return session.StatusCommitted, nil
	}
	if err := gs.ChangeStatus(ctx, session.StatusCommitting); err != nil {
		return "", err
	}
	if err := c.commitBranches(ctx, gs); err != nil {
		var branchErrs *BranchErrors
		if errors.As(err, &branchErrs) {
			c.logger.Warn("coordinator.commit.retrying", "xid", xid, "error", err)
			return gs.Status(), nil
		}
		c.requeue(ctx, gs, c.retryCommit)
		return gs.Status(), err
	}
	return gs.Status(), nil
}

// Rollback closes the session and rolls back its branches in reverse join order.
func (c *Coordinator) Rollback(ctx context.Context, xid string) (session.GlobalStatus, error) {
	ctx, span := c.tracer.Start(ctx, "gtxd.coordinator.rollback", trace.WithAttributes(attribute.String("gtxd.xid", xid)))
	defer span.End()
	status, err := c.rollback(ctx, xid)
	endSpan(span, status, err)
	return status, err
}

func (c *Coordinator) rollback(ctx context.Context, xid string) (session.GlobalStatus, error) {
	gs, err := c.root.FindGlobalSession(xid)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return session.StatusFinished, nil
		}
		return "", err
	}
	release, ok := c.claim(xid)
	if !ok {
		return gs.Status(), nil
	}
	defer release()

	gs.SetActive(false)
	if status := gs.Status(); status != session.StatusBegin {
		return status, nil
	}
	if err := gs.ChangeStatus(ctx, session.StatusRollbacking); err != nil {
		return "", err
	}
	if err := c.rollbackBranches(ctx, gs); err != nil {
		var branchErrs *BranchErrors
		if errors.As(err, &branchErrs) {
			c.logger.Warn("coordinator.rollback.retrying", "xid", xid, "error", err)
			return gs.Status(), nil
		}
		c.requeue(ctx, gs, c.retryRollback)
		return gs.Status(), err
	}
	return gs.Status(), nil
}

// requeue places a session whose client-driven phase two stopped on an
// unexpected error into q so the retry loop picks it up.
func (c *Coordinator) requeue(ctx context.Context, gs *session.GlobalSession, q *session.Manager) {
	if gs.Status().IsTerminal() || q.Contains(gs.XID()) {
		return
	}
	if err := q.AddGlobalSession(ctx, gs); err != nil && !errors.Is(err, core.ErrDuplicateKey) {
		c.logger.Warn("coordinator.requeue.failed", "xid", gs.XID(), "queue", q.Name(), "error", err)
	}
}

// Status returns the session status, or Finished when the session is unknown.
func (c *Coordinator) Status(_ context.Context, xid string) session.GlobalStatus {
	gs, err := c.root.FindGlobalSession(xid)
	if err != nil {
		return session.StatusFinished
	}
	return gs.Status()
}

// LockQuery reports whether xid could acquire lockKeys on resourceID.
func (c *Coordinator) LockQuery(resourceID, lockKeys, xid string) (bool, error) {
	return c.locks.IsLockable(xid, resourceID, lockKeys)
}

func endSpan(span trace.Span, status session.GlobalStatus, err error) {
	if status != "" {
		span.SetAttributes(attribute.String("gtxd.txn.status", string(status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (c *Coordinator) sessionLogger(ctx context.Context, gs *session.GlobalSession) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = c.logger
	}
	return svcfields.WithXID(logger, gs.XID())
}
