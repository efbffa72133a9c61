// Package recovery rebuilds the coordinator's session topology from the
// session store at startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config wires a recovery run.
type Config struct {
	Root          *session.Manager
	AsyncCommit   *session.Manager
	RetryCommit   *session.Manager
	RetryRollback *session.Manager
	Locker        session.Locker
	Logger        pslog.Logger
}

// Result summarizes what recovery placed where.
type Result struct {
	Sessions      int
	Begin         int
	AsyncCommit   int
	RetryCommit   int
	RetryRollback int
	Locks         int
	Duration      time.Duration
}

// Run reloads the root manager and re-enqueues every session. It runs once,
// sequentially, before any retry loop starts. Any inconsistency aborts with
// a ShouldNeverHappen failure; lock conflicts are fatal as well.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Root == nil || cfg.AsyncCommit == nil || cfg.RetryCommit == nil || cfg.RetryRollback == nil {
		return Result{}, errors.New("recovery: all four session managers are required")
	}
	if cfg.Locker == nil {
		return Result{}, errors.New("recovery: locker required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "recovery")
	metrics := newMetrics(logger)
	start := time.Now()

	if err := cfg.Root.Reload(ctx); err != nil {
		return Result{}, err
	}
	var res Result
	for _, gs := range cfg.Root.AllSessions() {
		res.Sessions++
		status := gs.Status()
		sessLogger := logger.With("xid", gs.XID(), "status", status)
		switch {
		case status.IsTerminal():
			err := core.ShouldNeverHappen("reloaded session %s should not be %s", gs.XID(), status)
			sessLogger.Error("recovery.session.terminal", "error", err)
			return res, err
		case status == session.StatusAsyncCommitting:
			if err := cfg.AsyncCommit.AddGlobalSession(ctx, gs); err != nil {
				return res, fmt.Errorf("recovery: enqueue %s: %w", gs.XID(), err)
			}
			res.AsyncCommit++
			metrics.recordSession(ctx, cfg.AsyncCommit.Name())
			sessLogger.Info("recovery.session.enqueued", "queue", cfg.AsyncCommit.Name())
		case status == session.StatusBegin:
			n, err := relock(ctx, cfg.Locker, gs)
			res.Locks += n
			if err != nil {
				sessLogger.Error("recovery.session.relock_failed", "error", err)
				return res, err
			}
			gs.SetActive(true)
			res.Begin++
			metrics.recordSession(ctx, cfg.Root.Name())
			sessLogger.Info("recovery.session.reopened", "branches", n)
		case status == session.StatusCommitting || status == session.StatusCommitRetrying:
			n, err := relock(ctx, cfg.Locker, gs)
			res.Locks += n
			if err != nil {
				sessLogger.Error("recovery.session.relock_failed", "error", err)
				return res, err
			}
			if err := cfg.RetryCommit.AddGlobalSession(ctx, gs); err != nil {
				return res, fmt.Errorf("recovery: enqueue %s: %w", gs.XID(), err)
			}
			res.RetryCommit++
			metrics.recordSession(ctx, cfg.RetryCommit.Name())
			sessLogger.Info("recovery.session.enqueued", "queue", cfg.RetryCommit.Name(), "branches", n)
		case status.IsRollbackSide():
			n, err := relock(ctx, cfg.Locker, gs)
			res.Locks += n
			if err != nil {
				sessLogger.Error("recovery.session.relock_failed", "error", err)
				return res, err
			}
			if err := cfg.RetryRollback.AddGlobalSession(ctx, gs); err != nil {
				return res, fmt.Errorf("recovery: enqueue %s: %w", gs.XID(), err)
			}
			res.RetryRollback++
			metrics.recordSession(ctx, cfg.RetryRollback.Name())
			sessLogger.Info("recovery.session.enqueued", "queue", cfg.RetryRollback.Name(), "branches", n)
		default:
			err := core.ShouldNeverHappen("reloaded session %s in status %s not properly handled", gs.XID(), status)
			sessLogger.Error("recovery.session.unhandled", "error", err)
			return res, err
		}
	}
	res.Duration = time.Since(start)
	metrics.recordDuration(ctx, res.Duration)
	logger.Info("recovery.complete",
		"sessions", res.Sessions,
		"begin", res.Begin,
		"async_commit", res.AsyncCommit,
		"retry_commit", res.RetryCommit,
		"retry_rollback", res.RetryRollback,
		"locks", res.Locks,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// relock re-acquires each branch's locks in join order and returns the number
// of attempts made.
func relock(ctx context.Context, locker session.Locker, gs *session.GlobalSession) (int, error) {
	attempts := 0
	for _, b := range gs.Branches() {
		attempts++
		if err := b.Lock(ctx, locker); err != nil {
			return attempts, fmt.Errorf("recovery: relock branch %s of %s: %w", b.BranchID(), gs.XID(), err)
		}
	}
	return attempts, nil
}

type recoveryMetrics struct {
	sessions metric.Int64Counter
	duration metric.Int64Histogram
}

func newMetrics(logger pslog.Logger) *recoveryMetrics {
	meter := otel.Meter("pkt.systems/gtxd/recovery")
	m := &recoveryMetrics{}
	var err error
	m.sessions, err = meter.Int64Counter(
		"gtxd.recovery.sessions",
		metric.WithDescription("Sessions restored at startup, by destination manager"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "gtxd.recovery.sessions", "error", err)
	}
	m.duration, err = meter.Int64Histogram(
		"gtxd.recovery.duration_ms",
		metric.WithDescription("Time spent in startup recovery"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "gtxd.recovery.duration_ms", "error", err)
	}
	return m
}

func (m *recoveryMetrics) recordSession(ctx context.Context, manager string) {
	if m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("gtxd.session.manager", manager)))
}

func (m *recoveryMetrics) recordDuration(ctx context.Context, d time.Duration) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, d.Milliseconds())
}
