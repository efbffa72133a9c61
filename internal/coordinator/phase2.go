package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/session"
)

const (
	actionCommit   = "commit"
	actionRollback = "rollback"
)

// commitBranches runs one commit pass over gs in join order. Branches that
// commit are unlocked and removed. Retryable failures leave the session in
// CommitRetrying and are returned as *BranchErrors; an unretryable failure
// ends the session in CommitFailed.
func (c *Coordinator) commitBranches(ctx context.Context, gs *session.GlobalSession) (err error) {
	ctx, span := c.tracer.Start(ctx, "gtxd.coordinator.commit_branches", trace.WithAttributes(
		attribute.String("gtxd.xid", gs.XID()),
		attribute.Int("gtxd.branches", len(gs.Branches())),
	))
	start := c.clock.Now()
	defer func() {
		c.metrics.recordPhaseTwo(ctx, actionCommit, clock.Since(c.clock, start), err)
		span.End()
	}()
	logger := c.sessionLogger(ctx, gs)

	failures := &BranchErrors{XID: gs.XID(), Action: actionCommit}
	for _, b := range gs.Branches() {
		switch b.Status() {
		case session.BranchPhaseOneFailed, session.BranchPhaseTwoCommitted:
			if err := c.dropBranch(ctx, gs, b); err != nil {
				return err
			}
			continue
		case session.BranchPhaseTwoCommitFailed:
			return c.fail(ctx, gs, session.StatusCommitFailed, fmt.Sprintf("branch %s commit failed", b.BranchID()))
		}
		status, callErr := c.participant.BranchCommit(ctx, invocation(b))
		c.metrics.recordBranchCall(ctx, actionCommit, status, callErr)
		if callErr != nil {
			logger.Warn("coordinator.branch.commit.error", "branch_id", b.BranchID(), "resource_id", b.ResourceID(), "error", callErr)
			failures.add(b, callErr)
			continue
		}
		switch status {
		case session.BranchPhaseTwoCommitted:
			if err := gs.ChangeBranchStatus(ctx, b.BranchID(), status); err != nil {
				return err
			}
			if err := c.dropBranch(ctx, gs, b); err != nil {
				return err
			}
		case session.BranchPhaseTwoCommitFailed:
			if err := gs.ChangeBranchStatus(ctx, b.BranchID(), status); err != nil {
				return err
			}
			logger.Error("coordinator.branch.commit.unretryable", "branch_id", b.BranchID(), "resource_id", b.ResourceID())
			return c.fail(ctx, gs, session.StatusCommitFailed, fmt.Sprintf("branch %s commit failed", b.BranchID()))
		default:
			logger.Info("coordinator.branch.commit.retry", "branch_id", b.BranchID(), "resource_id", b.ResourceID(), "status", status)
			failures.add(b, fmt.Errorf("participant reported %s", status))
		}
	}
	if len(failures.Failures) > 0 {
		if gs.Status() == session.StatusCommitting {
			if err := gs.ChangeStatus(ctx, session.StatusCommitRetrying); err != nil {
				return err
			}
		}
		return failures
	}
	if err := gs.ChangeStatus(ctx, session.StatusCommitted); err != nil {
		return err
	}
	return c.finish(ctx, gs)
}

// rollbackBranches runs one rollback pass over gs in reverse join order and
// stops at the first retryable failure.
func (c *Coordinator) rollbackBranches(ctx context.Context, gs *session.GlobalSession) (err error) {
	ctx, span := c.tracer.Start(ctx, "gtxd.coordinator.rollback_branches", trace.WithAttributes(
		attribute.String("gtxd.xid", gs.XID()),
		attribute.Int("gtxd.branches", len(gs.Branches())),
	))
	start := c.clock.Now()
	defer func() {
		c.metrics.recordPhaseTwo(ctx, actionRollback, clock.Since(c.clock, start), err)
		span.End()
	}()
	logger := c.sessionLogger(ctx, gs)

	failed := session.StatusRollbackFailed
	done := session.StatusRollbacked
	if gs.Status().IsTimeoutRollback() {
		failed = session.StatusTimeoutRollbackFailed
		done = session.StatusTimeoutRollbacked
	}

	branches := gs.Branches()
	slices.Reverse(branches)
	for _, b := range branches {
		switch b.Status() {
		case session.BranchPhaseOneFailed, session.BranchPhaseTwoRolledBack:
			if err := c.dropBranch(ctx, gs, b); err != nil {
				return err
			}
			continue
		case session.BranchPhaseTwoRollbackFailed:
			return c.fail(ctx, gs, failed, fmt.Sprintf("branch %s rollback failed", b.BranchID()))
		}
		status, callErr := c.participant.BranchRollback(ctx, invocation(b))
		c.metrics.recordBranchCall(ctx, actionRollback, status, callErr)
		if callErr == nil {
			switch status {
			case session.BranchPhaseTwoRolledBack:
				if err := gs.ChangeBranchStatus(ctx, b.BranchID(), status); err != nil {
					return err
				}
				if err := c.dropBranch(ctx, gs, b); err != nil {
					return err
				}
				continue
			case session.BranchPhaseTwoRollbackFailed:
				if err := gs.ChangeBranchStatus(ctx, b.BranchID(), status); err != nil {
					return err
				}
				logger.Error("coordinator.branch.rollback.unretryable", "branch_id", b.BranchID(), "resource_id", b.ResourceID())
				return c.fail(ctx, gs, failed, fmt.Sprintf("branch %s rollback failed", b.BranchID()))
			}
			callErr = fmt.Errorf("participant reported %s", status)
		}
		logger.Warn("coordinator.branch.rollback.retry", "branch_id", b.BranchID(), "resource_id", b.ResourceID(), "error", callErr)
		if err := c.markRollbackRetrying(ctx, gs); err != nil {
			return err
		}
		failures := &BranchErrors{XID: gs.XID(), Action: actionRollback}
		failures.add(b, callErr)
		return failures
	}
	if err := gs.ChangeStatus(ctx, done); err != nil {
		return err
	}
	return c.finish(ctx, gs)
}

func (c *Coordinator) markRollbackRetrying(ctx context.Context, gs *session.GlobalSession) error {
	switch gs.Status() {
	case session.StatusRollbacking:
		return gs.ChangeStatus(ctx, session.StatusRollbackRetrying)
	case session.StatusTimeoutRollbacking:
		return gs.ChangeStatus(ctx, session.StatusTimeoutRollbackRetrying)
	}
	return nil
}

// dropBranch releases the branch's locks and removes it from the session.
func (c *Coordinator) dropBranch(ctx context.Context, gs *session.GlobalSession, b *session.BranchSession) error {
	if err := b.Unlock(c.locks); err != nil {
		return err
	}
	return gs.RemoveBranch(ctx, b.BranchID())
}

// fail records reason and moves gs to the terminal failure status.
func (c *Coordinator) fail(ctx context.Context, gs *session.GlobalSession, status session.GlobalStatus, reason string) error {
	gs.SetFailure(reason)
	if err := gs.ChangeStatus(ctx, status); err != nil {
		return err
	}
	c.sessionLogger(ctx, gs).Error("coordinator.session.failed", "status", status, "reason", reason)
	return c.finish(ctx, gs)
}

// finish releases any locks still held by gs and removes it from the root
// manager, which deletes the persisted record.
func (c *Coordinator) finish(ctx context.Context, gs *session.GlobalSession) error {
	var errs []error
	for _, b := range gs.Branches() {
		if err := b.Unlock(c.locks); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.root.RemoveGlobalSession(ctx, gs); err != nil {
		errs = append(errs, err)
	}
	status := gs.Status()
	c.metrics.recordFinished(ctx, status)
	c.sessionLogger(ctx, gs).Info("coordinator.session.finished", "status", status, "attempts", gs.Attempts())
	return errors.Join(errs...)
}

// exhausted reports whether gs ran out of retry budget. maxAge bounds the
// time since begin; zero or negative disables that bound.
func (c *Coordinator) exhausted(gs *session.GlobalSession, attempt int, maxAge time.Duration) (string, bool) {
	if c.retryMaxAttempts > 0 && attempt > c.retryMaxAttempts {
		return fmt.Sprintf("gave up after %d attempts", c.retryMaxAttempts), true
	}
	if maxAge > 0 {
		if age := clock.Since(c.clock, gs.BeginTime()); age > maxAge {
			return fmt.Sprintf("gave up after %s", age.Truncate(time.Millisecond)), true
		}
	}
	return "", false
}
