package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/gtxd/internal/session"
	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	begun          metric.Int64Counter
	finished       metric.Int64Counter
	branchCalls    metric.Int64Counter
	phaseTwo       metric.Int64Histogram
	retryExhausted metric.Int64Counter
	timeouts       metric.Int64Counter
	lockConflicts  metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger, managers ...*session.Manager) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/gtxd/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.begun, err = meter.Int64Counter(
		"gtxd.txn.begin",
		metric.WithDescription("Global transactions started"),
	)
	logMetricInitError(logger, "gtxd.txn.begin", err)

	m.finished, err = meter.Int64Counter(
		"gtxd.txn.finished",
		metric.WithDescription("Global transactions that reached a terminal status"),
	)
	logMetricInitError(logger, "gtxd.txn.finished", err)

	m.branchCalls, err = meter.Int64Counter(
		"gtxd.txn.branch.phase2",
		metric.WithDescription("Phase-two participant calls"),
	)
	logMetricInitError(logger, "gtxd.txn.branch.phase2", err)

	m.phaseTwo, err = meter.Int64Histogram(
		"gtxd.txn.phase2.duration_ms",
		metric.WithDescription("Time spent driving one global session through a phase-two pass"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "gtxd.txn.phase2.duration_ms", err)

	m.retryExhausted, err = meter.Int64Counter(
		"gtxd.txn.retry.exhausted",
		metric.WithDescription("Sessions failed because a retry budget ran out"),
	)
	logMetricInitError(logger, "gtxd.txn.retry.exhausted", err)

	m.timeouts, err = meter.Int64Counter(
		"gtxd.txn.timeout",
		metric.WithDescription("Sessions moved to timeout rollback"),
	)
	logMetricInitError(logger, "gtxd.txn.timeout", err)

	m.lockConflicts, err = meter.Int64Counter(
		"gtxd.lock.conflicts",
		metric.WithDescription("Branch registrations rejected by a lock conflict"),
	)
	logMetricInitError(logger, "gtxd.lock.conflicts", err)

	_, err = meter.Int64ObservableGauge(
		"gtxd.session.count",
		metric.WithDescription("Sessions held per session manager"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, mgr := range managers {
				o.Observe(int64(mgr.Len()), metric.WithAttributes(attribute.String("gtxd.session.manager", mgr.Name())))
			}
			return nil
		}),
	)
	logMetricInitError(logger, "gtxd.session.count", err)
	return m
}

func (m *coordinatorMetrics) recordBegin(ctx context.Context) {
	if m == nil || m.begun == nil {
		return
	}
	m.begun.Add(ctx, 1)
}

func (m *coordinatorMetrics) recordFinished(ctx context.Context, status session.GlobalStatus) {
	if m == nil || m.finished == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("gtxd.txn.status", string(status))))
}

func (m *coordinatorMetrics) recordBranchCall(ctx context.Context, action string, status session.BranchStatus, err error) {
	if m == nil || m.branchCalls == nil {
		return
	}
	result := string(status)
	if err != nil {
		result = "error"
	}
	m.branchCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gtxd.txn.action", action),
		attribute.String("gtxd.txn.result", result),
	))
}

func (m *coordinatorMetrics) recordPhaseTwo(ctx context.Context, action string, duration time.Duration, err error) {
	if m == nil || m.phaseTwo == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.phaseTwo.Record(ctx, duration.Milliseconds(), metric.WithAttributes(
		attribute.String("gtxd.txn.action", action),
		attribute.String("gtxd.txn.result", result),
	))
}

func (m *coordinatorMetrics) recordRetryExhausted(ctx context.Context, queue string) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("gtxd.session.manager", queue)))
}

func (m *coordinatorMetrics) recordTimeout(ctx context.Context) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(ctx, 1)
}

func (m *coordinatorMetrics) recordLockConflict(ctx context.Context, resourceID string) {
	if m == nil || m.lockConflicts == nil {
		return
	}
	m.lockConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("gtxd.resource_id", resourceID)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
