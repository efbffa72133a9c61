package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFailureMatchesSentinelByCode(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("register: %w", LockConflict("orders:1", "10.0.0.1:8091:42"))
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("lock conflict must not match not found")
	}
	if got := HTTPStatusOf(err); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	if got := CodeOf(err); got != CodeLockConflict {
		t.Fatalf("expected %s, got %s", CodeLockConflict, got)
	}
}

func TestFailureUnwrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := StoreUnavailable("persist global", cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected cause and sentinel to match: %v", err)
	}
	if want := "store_unavailable: persist global: connection refused"; err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestDefaultsForForeignErrors(t *testing.T) {
	t.Parallel()
	err := errors.New("boom")
	if HTTPStatusOf(err) != http.StatusInternalServerError || CodeOf(err) != "internal" {
		t.Fatalf("unexpected defaults %d/%s", HTTPStatusOf(err), CodeOf(err))
	}
	if ErrRetryExhausted.Error() != CodeRetryExhausted {
		t.Fatalf("bare sentinel should print its code")
	}
}
