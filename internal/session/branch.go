package session

import (
	"context"
	"sync"

	"pkt.systems/gtxd/internal/lock"
)

// Locker acquires and releases serialized lock keys on behalf of a branch.
// *lock.Registry implements it.
type Locker interface {
	Acquire(ctx context.Context, owner lock.Owner, lockKeys string) error
	Release(owner lock.Owner, lockKeys string) error
}

// BranchConfig describes a new branch.
type BranchConfig struct {
	BranchID        string
	ResourceID      string
	BranchType      BranchType
	LockKeys        string
	ClientID        string
	ApplicationData string
}

// BranchSession is one participant of a global transaction.
type BranchSession struct {
	xid             string
	branchID        string
	resourceID      string
	branchType      BranchType
	lockKeys        string
	clientID        string
	applicationData string

	mu     sync.RWMutex
	status BranchStatus
}

// NewBranchSession builds a Registered branch belonging to xid.
func NewBranchSession(xid string, cfg BranchConfig) *BranchSession {
	return &BranchSession{
		xid:             xid,
		branchID:        cfg.BranchID,
		resourceID:      cfg.ResourceID,
		branchType:      cfg.BranchType,
		lockKeys:        cfg.LockKeys,
		clientID:        cfg.ClientID,
		applicationData: cfg.ApplicationData,
		status:          BranchRegistered,
	}
}

func branchFromRecord(xid string, rec *BranchRecord) *BranchSession {
	b := NewBranchSession(xid, BranchConfig{
		BranchID:        rec.BranchID,
		ResourceID:      rec.ResourceID,
		BranchType:      rec.BranchType,
		LockKeys:        rec.LockKeys,
		ClientID:        rec.ClientID,
		ApplicationData: rec.ApplicationData,
	})
	if rec.Status != "" {
		b.status = rec.Status
	}
	return b
}

func (b *BranchSession) XID() string             { return b.xid }
func (b *BranchSession) BranchID() string        { return b.branchID }
func (b *BranchSession) ResourceID() string      { return b.resourceID }
func (b *BranchSession) BranchType() BranchType  { return b.branchType }
func (b *BranchSession) LockKeys() string        { return b.lockKeys }
func (b *BranchSession) ClientID() string        { return b.clientID }
func (b *BranchSession) ApplicationData() string { return b.applicationData }

// Status returns the current branch status.
func (b *BranchSession) Status() BranchStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BranchSession) setStatus(status BranchStatus) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Owner returns the lock owner identity of the branch.
func (b *BranchSession) Owner() lock.Owner {
	return lock.Owner{XID: b.xid, BranchID: b.branchID, ResourceID: b.resourceID}
}

// Lock acquires all lock keys of the branch or none. It returns a
// core.LockConflict failure when another transaction holds any key.
func (b *BranchSession) Lock(ctx context.Context, l Locker) error {
	return l.Acquire(ctx, b.Owner(), b.lockKeys)
}

// Unlock releases the keys held by this branch.
func (b *BranchSession) Unlock(l Locker) error {
	return l.Release(b.Owner(), b.lockKeys)
}

// Record returns the persisted form of the branch.
func (b *BranchSession) Record() *BranchRecord {
	return &BranchRecord{
		BranchID:        b.branchID,
		ResourceID:      b.resourceID,
		BranchType:      b.branchType,
		LockKeys:        b.lockKeys,
		ClientID:        b.clientID,
		ApplicationData: b.applicationData,
		Status:          b.Status(),
	}
}
