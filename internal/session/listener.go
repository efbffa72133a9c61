package session

// Event describes a committed global status change.
type Event struct {
	Session *GlobalSession
	From    GlobalStatus
	To      GlobalStatus
}

// BranchEvent describes a committed branch status change.
type BranchEvent struct {
	Session *GlobalSession
	Branch  *BranchSession
	From    BranchStatus
	To      BranchStatus
}

// Listener observes global status changes. It runs synchronously inside the
// session's critical section after the change was persisted, so it must not
// call back into ChangeStatus on the same session.
type Listener interface {
	OnStatusChange(Event)
}

// BranchListener is optionally implemented by listeners that care about branch
// status changes.
type BranchListener interface {
	OnBranchStatusChange(BranchEvent)
}
