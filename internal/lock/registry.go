package lock

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"pkt.systems/gtxd/internal/core"
	"pkt.systems/pslog"
)

// DefaultShards is the number of shards used when Config.Shards is unset.
const DefaultShards = 128

// Owner identifies the branch a lock is held for.
type Owner struct {
	XID        string
	BranchID   string
	ResourceID string
}

// Config controls the registry layout.
type Config struct {
	Shards int
	Logger pslog.Logger
}

type holder struct {
	xid      string
	branchID string
}

type shard struct {
	mu   sync.Mutex
	held map[Key]holder
}

// Registry tracks which transaction holds each row key. A branch acquires all
// of its keys or none of them.
type Registry struct {
	shards []*shard
	logger pslog.Logger
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Registry{shards: make([]*shard, n), logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{held: make(map[Key]holder)}
	}
	return r
}

// Acquire parses lockKeys and acquires them for owner.
func (r *Registry) Acquire(ctx context.Context, owner Owner, lockKeys string) error {
	keys, err := ParseKeys(owner.ResourceID, lockKeys)
	if err != nil {
		return core.BadRequest("%v", err)
	}
	return r.AcquireKeys(ctx, owner, keys)
}

// AcquireKeys acquires keys for owner. Keys already held by the same xid are
// accepted; a key held by another xid fails the whole request with a
// LockConflict and nothing is acquired.
func (r *Registry) AcquireKeys(ctx context.Context, owner Owner, keys []Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	keys = SortKeys(slices.Clone(keys))
	shards := r.lockShards(keys)
	defer unlockShards(shards)

	for _, key := range keys {
		sh := r.shardFor(key)
		if h, ok := sh.held[key]; ok && h.xid != owner.XID {
			r.logger.Debug("lock.acquire.conflict",
				"xid", owner.XID,
				"branch_id", owner.BranchID,
				"key", key.String(),
				"holder_xid", h.xid,
			)
			return core.LockConflict(key.String(), h.xid)
		}
	}
	for _, key := range keys {
		sh := r.shardFor(key)
		if _, ok := sh.held[key]; ok {
			continue
		}
		sh.held[key] = holder{xid: owner.XID, branchID: owner.BranchID}
	}
	r.logger.Trace("lock.acquire.success", "xid", owner.XID, "branch_id", owner.BranchID, "keys", len(keys))
	return nil
}

// Release parses lockKeys and releases the keys owned by owner's branch.
func (r *Registry) Release(owner Owner, lockKeys string) error {
	keys, err := ParseKeys(owner.ResourceID, lockKeys)
	if err != nil {
		return core.BadRequest("%v", err)
	}
	r.ReleaseKeys(owner, keys)
	return nil
}

// ReleaseKeys drops every key in keys held by owner's branch and returns how
// many were released. Keys held by other branches are left untouched.
func (r *Registry) ReleaseKeys(owner Owner, keys []Key) int {
	released := 0
	for _, key := range keys {
		sh := r.shardFor(key)
		sh.mu.Lock()
		if h, ok := sh.held[key]; ok && h.xid == owner.XID && h.branchID == owner.BranchID {
			delete(sh.held, key)
			released++
		}
		sh.mu.Unlock()
	}
	if released > 0 {
		r.logger.Trace("lock.release", "xid", owner.XID, "branch_id", owner.BranchID, "keys", released)
	}
	return released
}

// IsLockable reports whether every key in lockKeys is free or already held by xid.
func (r *Registry) IsLockable(xid, resourceID, lockKeys string) (bool, error) {
	keys, err := ParseKeys(resourceID, lockKeys)
	if err != nil {
		return false, core.BadRequest("%v", err)
	}
	for _, key := range keys {
		if h, ok := r.Holder(key); ok && h.XID != xid {
			return false, nil
		}
	}
	return true, nil
}

// Holder returns the owner of key, if any.
func (r *Registry) Holder(key Key) (Owner, bool) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	h, ok := sh.held[key]
	if !ok {
		return Owner{}, false
	}
	return Owner{XID: h.xid, BranchID: h.branchID, ResourceID: key.ResourceID}, true
}

// Len returns the number of held keys.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		total += len(sh.held)
		sh.mu.Unlock()
	}
	return total
}

func (r *Registry) shardIndex(key Key) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(r.shards)))
}

func (r *Registry) shardFor(key Key) *shard {
	return r.shards[r.shardIndex(key)]
}

// lockShards locks every shard touched by keys in ascending index order.
func (r *Registry) lockShards(keys []Key) []*shard {
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		idx = append(idx, r.shardIndex(key))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	locked := make([]*shard, 0, len(idx))
	for _, i := range idx {
		sh := r.shards[i]
		sh.mu.Lock()
		locked = append(locked, sh)
	}
	return locked
}

func unlockShards(shards []*shard) {
	for i := len(shards) - 1; i >= 0; i-- {
		shards[i].mu.Unlock()
	}
}
