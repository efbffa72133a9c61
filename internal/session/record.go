package session

import "context"

// GlobalRecord is the persisted form of a global session. Every write carries
// the complete document, branches included.
type GlobalRecord struct {
	XID           string          `json:"xid"`
	TransactionID string          `json:"transaction_id"`
	ApplicationID string          `json:"application_id,omitempty"`
	ServiceGroup  string          `json:"service_group,omitempty"`
	Name          string          `json:"name,omitempty"`
	BeginTimeMS   int64           `json:"begin_time_ms"`
	TimeoutMS     int64           `json:"timeout_ms"`
	Status        GlobalStatus    `json:"status"`
	Active        bool            `json:"active"`
	Failure       string          `json:"failure,omitempty"`
	Branches      []*BranchRecord `json:"branches,omitempty"`
	UpdatedAtMS   int64           `json:"updated_at_ms,omitempty"`
}

// BranchRecord is the persisted form of a branch session.
type BranchRecord struct {
	BranchID        string       `json:"branch_id"`
	ResourceID      string       `json:"resource_id"`
	BranchType      BranchType   `json:"branch_type"`
	LockKeys        string       `json:"lock_keys,omitempty"`
	ClientID        string       `json:"client_id,omitempty"`
	ApplicationData string       `json:"application_data,omitempty"`
	Status          BranchStatus `json:"status"`
}

// Branch returns the branch record with id, or nil.
func (r *GlobalRecord) Branch(id string) *BranchRecord {
	if r == nil {
		return nil
	}
	for _, b := range r.Branches {
		if b.BranchID == id {
			return b
		}
	}
	return nil
}

// Store persists session records. Implementations must make a completed
// write visible to a later ReadAll, including one issued after a restart.
type Store interface {
	PersistGlobal(ctx context.Context, rec *GlobalRecord) error
	UpdateGlobalStatus(ctx context.Context, rec *GlobalRecord) error
	RemoveGlobal(ctx context.Context, rec *GlobalRecord) error
	PersistBranch(ctx context.Context, rec *GlobalRecord, branchID string) error
	UpdateBranchStatus(ctx context.Context, rec *GlobalRecord, branchID string) error
	RemoveBranch(ctx context.Context, rec *GlobalRecord, branchID string) error
	ReadAll(ctx context.Context) ([]*GlobalRecord, error)
	Close() error
}
