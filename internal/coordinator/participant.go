package coordinator

import (
	"context"
	"strings"

	"pkt.systems/gtxd/internal/session"
)

// BranchInvocation identifies the branch a participant must drive through
// phase two.
type BranchInvocation struct {
	XID             string             `json:"xid"`
	BranchID        string             `json:"branch_id"`
	ResourceID      string             `json:"resource_id"`
	BranchType      session.BranchType `json:"branch_type"`
	LockKeys        string             `json:"lock_keys,omitempty"`
	ApplicationData string             `json:"application_data,omitempty"`
}

func invocation(b *session.BranchSession) BranchInvocation {
	return BranchInvocation{
		XID:             b.XID(),
		BranchID:        b.BranchID(),
		ResourceID:      b.ResourceID(),
		BranchType:      b.BranchType(),
		LockKeys:        b.LockKeys(),
		ApplicationData: b.ApplicationData(),
	}
}

// Participant performs phase two on the resource manager owning a branch.
//
// A returned error is treated as retryable. PhaseTwoCommitted and
// PhaseTwoRolledBack report success; PhaseTwoCommitFailed and
// PhaseTwoRollbackFailed report a failure that must not be retried. Any other
// status is retried.
type Participant interface {
	BranchCommit(ctx context.Context, inv BranchInvocation) (session.BranchStatus, error)
	BranchRollback(ctx context.Context, inv BranchInvocation) (session.BranchStatus, error)
}

// BranchFailure captures one failed phase-two call.
type BranchFailure struct {
	BranchID   string
	ResourceID string
	Err        error
}

// BranchErrors reports the branches that could not finish phase two in one
// pass over a global session.
type BranchErrors struct {
	XID      string
	Action   string
	Failures []BranchFailure
}

func (e *BranchErrors) add(b *session.BranchSession, err error) {
	e.Failures = append(e.Failures, BranchFailure{BranchID: b.BranchID(), ResourceID: b.ResourceID(), Err: err})
}

func (e *BranchErrors) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "branch " + e.action() + " failed"
	}
	var b strings.Builder
	b.WriteString("branch ")
	b.WriteString(e.action())
	b.WriteString(" failed for ")
	b.WriteString(e.XID)
	b.WriteString(": ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.BranchID)
		if f.ResourceID != "" {
			b.WriteString(" (")
			b.WriteString(f.ResourceID)
			b.WriteString(")")
		}
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Unwrap exposes the individual branch errors to errors.Is and errors.As.
func (e *BranchErrors) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			out = append(out, f.Err)
		}
	}
	return out
}

func (e *BranchErrors) action() string {
	if e == nil || e.Action == "" {
		return "phase two"
	}
	return e.Action
}
