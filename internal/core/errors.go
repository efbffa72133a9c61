package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure codes shared by the coordinator, its session managers and the API.
const (
	CodeShouldNeverHappen = "should_never_happen"
	CodeLockConflict      = "lock_conflict"
	CodeRetryExhausted    = "retry_exhausted"
	CodeStoreUnavailable  = "store_unavailable"
	CodeDuplicateKey      = "duplicate_key"
	CodeNotFound          = "not_found"
	CodeNotActive         = "session_not_active"
	CodeInvalidStatus     = "invalid_status"
	CodeBadRequest        = "bad_request"
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrShouldNeverHappen = Failure{Code: CodeShouldNeverHappen}
	ErrLockConflict      = Failure{Code: CodeLockConflict}
	ErrRetryExhausted    = Failure{Code: CodeRetryExhausted}
	ErrStoreUnavailable  = Failure{Code: CodeStoreUnavailable}
	ErrDuplicateKey      = Failure{Code: CodeDuplicateKey}
	ErrNotFound          = Failure{Code: CodeNotFound}
	ErrNotActive         = Failure{Code: CodeNotActive}
	ErrInvalidStatus     = Failure{Code: CodeInvalidStatus}
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or log output.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
	Err        error
}

func (f Failure) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return f.Code
}

// Unwrap exposes the underlying cause, if any.
func (f Failure) Unwrap() error { return f.Err }

// Is matches any Failure carrying the same code.
func (f Failure) Is(target error) bool {
	switch t := target.(type) {
	case Failure:
		return t.Code == f.Code
	case *Failure:
		return t != nil && t.Code == f.Code
	}
	return false
}

// ShouldNeverHappen reports a consistency violation that indicates a persistence or
// protocol bug.
func ShouldNeverHappen(format string, args ...any) error {
	return Failure{
		Code:       CodeShouldNeverHappen,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// LockConflict reports that a lock key is already owned by another transaction.
func LockConflict(key, holder string) error {
	return Failure{
		Code:       CodeLockConflict,
		Detail:     fmt.Sprintf("%s is held by %s", key, holder),
		HTTPStatus: http.StatusConflict,
	}
}

// StoreUnavailable wraps a persistence failure so callers can retry the whole operation.
func StoreUnavailable(op string, err error) error {
	return Failure{
		Code:       CodeStoreUnavailable,
		Detail:     op,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NotFound reports a missing session or branch.
func NotFound(format string, args ...any) error {
	return Failure{
		Code:       CodeNotFound,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusNotFound,
	}
}

// DuplicateKey reports an insert of an already tracked session.
func DuplicateKey(xid string) error {
	return Failure{
		Code:       CodeDuplicateKey,
		Detail:     xid,
		HTTPStatus: http.StatusConflict,
	}
}

// NotActive reports a branch registration against a closed global session.
func NotActive(xid string) error {
	return Failure{
		Code:       CodeNotActive,
		Detail:     fmt.Sprintf("global session %s is not active", xid),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidStatus reports an operation that is not allowed in the current status.
func InvalidStatus(format string, args ...any) error {
	return Failure{
		Code:       CodeInvalidStatus,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// RetryExhausted records that a retry budget ran out.
func RetryExhausted(format string, args ...any) error {
	return Failure{
		Code:       CodeRetryExhausted,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// BadRequest reports malformed client input.
func BadRequest(format string, args ...any) error {
	return Failure{
		Code:       CodeBadRequest,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// HTTPStatusOf returns the HTTP status hint carried by err, or 500.
func HTTPStatusOf(err error) int {
	var f Failure
	if errors.As(err, &f) && f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf returns the failure code carried by err, or "internal".
func CodeOf(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return "internal"
}
