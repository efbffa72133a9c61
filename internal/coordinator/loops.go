package coordinator

import (
	"context"
	"errors"

	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/session"
)

// HandleAsyncCommitting runs one commit pass over every async-committing
// session. Failures stay queued for the next tick; the async path has no
// retry budget.
func (c *Coordinator) HandleAsyncCommitting(ctx context.Context) {
	for _, gs := range c.asyncCommit.AllSessions() {
		if ctx.Err() != nil {
			return
		}
		c.drive(ctx, gs, session.StatusAsyncCommitting, func(ctx context.Context, gs *session.GlobalSession) error {
			return c.commitBranches(ctx, gs)
		})
	}
}

// HandleRetryCommitting runs one commit pass over every session queued for
// commit retry, failing those whose retry budget is spent.
func (c *Coordinator) HandleRetryCommitting(ctx context.Context) {
	for _, gs := range c.retryCommit.AllSessions() {
		if ctx.Err() != nil {
			return
		}
		c.drive(ctx, gs, "", func(ctx context.Context, gs *session.GlobalSession) error {
			if reason, over := c.exhausted(gs, gs.NextAttempt(), c.maxCommitRetryTimeout); over {
				c.metrics.recordRetryExhausted(ctx, c.retryCommit.Name())
				return c.fail(ctx, gs, session.StatusCommitFailed, core.RetryExhausted("commit of %s %s", gs.XID(), reason).Error())
			}
			return c.commitBranches(ctx, gs)
		})
	}
}

// HandleRetryRollbacking runs one rollback pass over every session queued
// for rollback retry, failing those whose retry budget is spent.
func (c *Coordinator) HandleRetryRollbacking(ctx context.Context) {
	for _, gs := range c.retryRollback.AllSessions() {
		if ctx.Err() != nil {
			return
		}
		c.drive(ctx, gs, "", func(ctx context.Context, gs *session.GlobalSession) error {
			if reason, over := c.exhausted(gs, gs.NextAttempt(), c.maxRollbackRetryTimeout); over {
				c.metrics.recordRetryExhausted(ctx, c.retryRollback.Name())
				failed := session.StatusRollbackFailed
				if gs.Status().IsTimeoutRollback() {
					failed = session.StatusTimeoutRollbackFailed
				}
				return c.fail(ctx, gs, failed, core.RetryExhausted("rollback of %s %s", gs.XID(), reason).Error())
			}
			return c.rollbackBranches(ctx, gs)
		})
	}
}

// drive claims gs and runs pass on it. When want is set, sessions that moved
// away from that status in the meantime are skipped.
func (c *Coordinator) drive(ctx context.Context, gs *session.GlobalSession, want session.GlobalStatus, pass func(context.Context, *session.GlobalSession) error) {
	release, ok := c.claim(gs.XID())
	if !ok {
		return
	}
	defer release()
	status := gs.Status()
	if status.IsTerminal() || (want != "" && status != want) {
		return
	}
	if err := pass(ctx, gs); err != nil {
		logger := c.sessionLogger(ctx, gs)
		var branchErrs *BranchErrors
		if errors.As(err, &branchErrs) {
			logger.Debug("coordinator.retry.pending", "status", gs.Status(), "attempts", gs.Attempts(), "error", err)
			return
		}
		logger.Warn("coordinator.retry.failed", "status", gs.Status(), "error", err)
	}
}

// TimeoutCheck scans the root manager once. Sessions that outlived their
// timeout while still in Begin, or that stalled in Committing without any
// branch reaching phase two, are closed and moved to TimeoutRollbacking for
// the retry-rollback loop. Terminal sessions left behind by a failed removal
// are reclaimed.
func (c *Coordinator) TimeoutCheck(ctx context.Context) {
	now := c.clock.Now()
	for _, gs := range c.root.AllSessions() {
		if ctx.Err() != nil {
			return
		}
		status := gs.Status()
		if status.IsTerminal() {
			c.reclaim(ctx, gs)
			continue
		}
		if !gs.IsTimedOut(now) || !c.timeoutCandidate(gs, status) {
			continue
		}
		c.timeout(ctx, gs)
	}
}

func (c *Coordinator) timeoutCandidate(gs *session.GlobalSession, status session.GlobalStatus) bool {
	switch status {
	case session.StatusBegin:
		return true
	case session.StatusCommitting:
		if c.retryCommit.Contains(gs.XID()) {
			return false
		}
		for _, b := range gs.Branches() {
			if b.Status().IsPhaseTwo() {
				return false
			}
		}
		return true
	}
	return false
}

func (c *Coordinator) timeout(ctx context.Context, gs *session.GlobalSession) {
	release, ok := c.claim(gs.XID())
	if !ok {
		return
	}
	defer release()
	logger := c.sessionLogger(ctx, gs)

	gs.SetActive(false)
	from := gs.Status()
	if from != session.StatusBegin && from != session.StatusCommitting {
		return
	}
	if err := gs.ChangeStatus(ctx, session.StatusTimeoutRollbacking); err != nil {
		logger.Warn("coordinator.timeout.change_failed", "status", from, "error", err)
		return
	}
	if err := c.retryRollback.AddGlobalSession(ctx, gs); err != nil && !errors.Is(err, core.ErrDuplicateKey) {
		logger.Warn("coordinator.timeout.enqueue_failed", "error", err)
		return
	}
	c.metrics.recordTimeout(ctx)
	logger.Info("coordinator.timeout", "from", from, "timeout", gs.Timeout())
}

func (c *Coordinator) reclaim(ctx context.Context, gs *session.GlobalSession) {
	release, ok := c.claim(gs.XID())
	if !ok {
		return
	}
	defer release()
	if err := c.finish(ctx, gs); err != nil {
		c.sessionLogger(ctx, gs).Warn("coordinator.reclaim.failed", "status", gs.Status(), "error", err)
	}
}
