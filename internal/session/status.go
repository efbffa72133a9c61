package session

// GlobalStatus is the lifecycle state of a global transaction.
type GlobalStatus string

const (
	StatusUnknown                 GlobalStatus = "UnKnown"
	StatusBegin                   GlobalStatus = "Begin"
	StatusCommitting              GlobalStatus = "Committing"
	StatusCommitRetrying          GlobalStatus = "CommitRetrying"
	StatusAsyncCommitting         GlobalStatus = "AsyncCommitting"
	StatusRollbacking             GlobalStatus = "Rollbacking"
	StatusRollbackRetrying        GlobalStatus = "RollbackRetrying"
	StatusTimeoutRollbacking      GlobalStatus = "TimeoutRollbacking"
	StatusTimeoutRollbackRetrying GlobalStatus = "TimeoutRollbackRetrying"
	StatusCommitted               GlobalStatus = "Committed"
	StatusCommitFailed            GlobalStatus = "CommitFailed"
	StatusRollbacked              GlobalStatus = "Rollbacked"
	StatusRollbackFailed          GlobalStatus = "RollbackFailed"
	StatusTimeoutRollbacked       GlobalStatus = "TimeoutRollbacked"
	StatusTimeoutRollbackFailed   GlobalStatus = "TimeoutRollbackFailed"
	StatusFinished                GlobalStatus = "Finished"
)

var globalTransitions = map[GlobalStatus][]GlobalStatus{
	StatusBegin:                   {StatusCommitting, StatusAsyncCommitting, StatusRollbacking, StatusTimeoutRollbacking},
	StatusCommitting:              {StatusCommitRetrying, StatusCommitted, StatusCommitFailed, StatusTimeoutRollbacking},
	StatusCommitRetrying:          {StatusCommitted, StatusCommitFailed},
	StatusAsyncCommitting:         {StatusCommitted, StatusCommitFailed},
	StatusRollbacking:             {StatusRollbackRetrying, StatusRollbacked, StatusRollbackFailed},
	StatusRollbackRetrying:        {StatusRollbacked, StatusRollbackFailed},
	StatusTimeoutRollbacking:      {StatusTimeoutRollbackRetrying, StatusTimeoutRollbacked, StatusTimeoutRollbackFailed},
	StatusTimeoutRollbackRetrying: {StatusTimeoutRollbacked, StatusTimeoutRollbackFailed},
}

// CanTransition reports whether from -> to is a defined transition.
func CanTransition(from, to GlobalStatus) bool {
	for _, next := range globalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s GlobalStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusFinished:
		return true
	}
	if s.IsTerminal() {
		return true
	}
	_, ok := globalTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s GlobalStatus) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusCommitFailed,
		StatusRollbacked, StatusRollbackFailed,
		StatusTimeoutRollbacked, StatusTimeoutRollbackFailed,
		StatusFinished, StatusUnknown:
		return true
	}
	return false
}

// IsCommitSide reports whether s is an in-flight commit status.
func (s GlobalStatus) IsCommitSide() bool {
	switch s {
	case StatusCommitting, StatusCommitRetrying, StatusAsyncCommitting:
		return true
	}
	return false
}

// IsRollbackSide reports whether s is an in-flight rollback status.
func (s GlobalStatus) IsRollbackSide() bool {
	switch s {
	case StatusRollbacking, StatusRollbackRetrying, StatusTimeoutRollbacking, StatusTimeoutRollbackRetrying:
		return true
	}
	return false
}

// IsTimeoutRollback reports whether s belongs to the timeout rollback path.
func (s GlobalStatus) IsTimeoutRollback() bool {
	switch s {
	case StatusTimeoutRollbacking, StatusTimeoutRollbackRetrying, StatusTimeoutRollbacked, StatusTimeoutRollbackFailed:
		return true
	}
	return false
}

// BranchStatus is the state of one branch.
type BranchStatus string

const (
	BranchUnknown                BranchStatus = "Unknown"
	BranchRegistered             BranchStatus = "Registered"
	BranchPhaseOneDone           BranchStatus = "PhaseOneDone"
	BranchPhaseOneFailed         BranchStatus = "PhaseOneFailed"
	BranchPhaseTwoCommitted      BranchStatus = "PhaseTwoCommitted"
	BranchPhaseTwoCommitFailed   BranchStatus = "PhaseTwoCommitFailed"
	BranchPhaseTwoRolledBack     BranchStatus = "PhaseTwoRolledBack"
	BranchPhaseTwoRollbackFailed BranchStatus = "PhaseTwoRollbackFailed"
)

// IsPhaseTwo reports whether s is a phase two outcome. Phase two outcomes are terminal.
func (s BranchStatus) IsPhaseTwo() bool {
	switch s {
	case BranchPhaseTwoCommitted, BranchPhaseTwoCommitFailed, BranchPhaseTwoRolledBack, BranchPhaseTwoRollbackFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known branch status.
func (s BranchStatus) Valid() bool {
	switch s {
	case BranchUnknown, BranchRegistered, BranchPhaseOneDone, BranchPhaseOneFailed:
		return true
	}
	return s.IsPhaseTwo()
}

// CanTransitionBranch reports whether a branch may move from -> to.
func CanTransitionBranch(from, to BranchStatus) bool {
	switch from {
	case BranchRegistered:
		return to == BranchPhaseOneDone || to == BranchPhaseOneFailed || to.IsPhaseTwo()
	case BranchPhaseOneDone:
		return to.IsPhaseTwo()
	case BranchPhaseOneFailed:
		return to == BranchPhaseTwoRolledBack || to == BranchPhaseTwoRollbackFailed
	}
	return false
}

// BranchType names the participant protocol of a branch.
type BranchType string

const (
	BranchTypeAT   BranchType = "AT"
	BranchTypeTCC  BranchType = "TCC"
	BranchTypeSAGA BranchType = "SAGA"
	BranchTypeXA   BranchType = "XA"
)

// Valid reports whether t is a supported branch type.
func (t BranchType) Valid() bool {
	switch t {
	case BranchTypeAT, BranchTypeTCC, BranchTypeSAGA, BranchTypeXA:
		return true
	}
	return false
}

// CanCommitAsync reports whether phase two commit of this branch type may be deferred.
func (t BranchType) CanCommitAsync() bool {
	return t == BranchTypeAT
}
