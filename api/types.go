// Package api defines the JSON request and response bodies of the gtxd HTTP API.
package api

// BeginRequest models the JSON payload for POST /v1/begin.
type BeginRequest struct {
	// ApplicationID names the application starting the transaction.
	ApplicationID string `json:"application_id,omitempty"`
	// ServiceGroup is the transaction service group of the caller.
	ServiceGroup string `json:"service_group,omitempty"`
	// Name is a human-readable transaction name.
	Name string `json:"name,omitempty"`
	// TimeoutMS bounds how long the transaction may stay open. Zero uses the server default.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// BeginResponse is returned by POST /v1/begin.
type BeginResponse struct {
	// XID is the global transaction id.
	XID string `json:"xid"`
}

// BranchRegisterRequest models the JSON payload for POST /v1/branch/register.
type BranchRegisterRequest struct {
	XID string `json:"xid"`
	// ResourceID identifies the resource manager owning the branch.
	ResourceID string `json:"resource_id"`
	// BranchType is one of AT, TCC, SAGA or XA.
	BranchType string `json:"branch_type"`
	// LockKeys lists the rows the branch writes, as "table:pk1,pk2;table2:pk3".
	LockKeys string `json:"lock_keys,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	// ApplicationData is passed back to the participant in phase two.
	ApplicationData string `json:"application_data,omitempty"`
}

// BranchRegisterResponse is returned by POST /v1/branch/register.
type BranchRegisterResponse struct {
	BranchID string `json:"branch_id"`
}

// BranchReportRequest models the JSON payload for POST /v1/branch/report.
type BranchReportRequest struct {
	XID      string `json:"xid"`
	BranchID string `json:"branch_id"`
	// Status is PhaseOneDone or PhaseOneFailed.
	Status string `json:"status"`
}

// XIDRequest models POST /v1/commit and POST /v1/rollback.
type XIDRequest struct {
	XID string `json:"xid"`
}

// StatusResponse reports the status of a global transaction.
type StatusResponse struct {
	XID    string `json:"xid"`
	Status string `json:"status"`
}

// LockQueryRequest models the JSON payload for POST /v1/lock/query.
type LockQueryRequest struct {
	XID        string `json:"xid,omitempty"`
	ResourceID string `json:"resource_id"`
	LockKeys   string `json:"lock_keys"`
}

// LockQueryResponse is returned by POST /v1/lock/query.
type LockQueryResponse struct {
	Lockable bool `json:"lockable"`
}

// Branch describes one branch of a session snapshot.
type Branch struct {
	BranchID        string `json:"branch_id"`
	ResourceID      string `json:"resource_id"`
	BranchType      string `json:"branch_type"`
	Status          string `json:"status"`
	LockKeys        string `json:"lock_keys,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ApplicationData string `json:"application_data,omitempty"`
}

// Session is a snapshot of one global session.
type Session struct {
	XID           string   `json:"xid"`
	TransactionID string   `json:"transaction_id"`
	ApplicationID string   `json:"application_id,omitempty"`
	ServiceGroup  string   `json:"service_group,omitempty"`
	Name          string   `json:"name,omitempty"`
	Status        string   `json:"status"`
	Active        bool     `json:"active"`
	BeginUnixMS   int64    `json:"begin_unix_ms"`
	TimeoutMS     int64    `json:"timeout_ms"`
	Failure       string   `json:"failure,omitempty"`
	Attempts      int      `json:"attempts,omitempty"`
	Branches      []Branch `json:"branches,omitempty"`
}

// SessionsResponse is returned by GET /v1/sessions.
type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// Queue lists the members of one session manager.
type Queue struct {
	Name string   `json:"name"`
	XIDs []string `json:"xids"`
}

// QueuesResponse is returned by GET /v1/queues.
type QueuesResponse struct {
	Queues []Queue `json:"queues"`
	// Locks is the number of row keys currently held.
	Locks int `json:"locks"`
}

// HostStatus is returned by GET /v1/status/host.
type HostStatus struct {
	Load1            float64 `json:"load1"`
	Load5            float64 `json:"load5"`
	Load15           float64 `json:"load15"`
	MemTotalBytes    uint64  `json:"mem_total_bytes"`
	MemUsedBytes     uint64  `json:"mem_used_bytes"`
	MemUsedPercent   float64 `json:"mem_used_percent"`
	ProcessHeapBytes uint64  `json:"process_heap_bytes"`
	Goroutines       int     `json:"goroutines"`
	Sessions         int     `json:"sessions"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	// ErrorCode is the stable gtxd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
