package participant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/correlation"
	"pkt.systems/gtxd/internal/session"
)

type recorded struct {
	path        string
	correlation string
	inv         coordinator.BranchInvocation
}

func newResourceManager(t *testing.T, reply func(path string) (int, Response)) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var inv coordinator.BranchInvocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, recorded{path: r.URL.Path, correlation: r.Header.Get(correlation.Header), inv: inv})
		mu.Unlock()
		code, body := reply(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), seen...)
	}
}

func TestBranchCommitAndRollback(t *testing.T) {
	t.Parallel()
	srv, seen := newResourceManager(t, func(path string) (int, Response) {
		if path == rollbackPath {
			return http.StatusOK, Response{Status: session.BranchPhaseTwoRolledBack}
		}
		return http.StatusOK, Response{Status: session.BranchPhaseTwoCommitted}
	})
	client, err := New(Config{Endpoints: map[string]string{"jdbc:orders": srv.URL + "/"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	inv := coordinator.BranchInvocation{XID: "c:1", BranchID: "b1", ResourceID: "jdbc:orders", BranchType: session.BranchTypeTCC, ApplicationData: `{"sku":7}`}
	ctx := correlation.Set(context.Background(), "corr-1")

	status, err := client.BranchCommit(ctx, inv)
	if err != nil || status != session.BranchPhaseTwoCommitted {
		t.Fatalf("commit: status=%s err=%v", status, err)
	}
	status, err = client.BranchRollback(ctx, inv)
	if err != nil || status != session.BranchPhaseTwoRolledBack {
		t.Fatalf("rollback: status=%s err=%v", status, err)
	}
	calls := seen()
	if len(calls) != 2 || calls[0].path != commitPath || calls[1].path != rollbackPath {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if calls[0].correlation != "corr-1" {
		t.Fatalf("expected correlation header, got %q", calls[0].correlation)
	}
	if calls[0].inv != inv {
		t.Fatalf("expected invocation %+v, got %+v", inv, calls[0].inv)
	}
}

func TestBranchCommitErrors(t *testing.T) {
	t.Parallel()
	srv, _ := newResourceManager(t, func(string) (int, Response) {
		return http.StatusServiceUnavailable, Response{Error: "draining"}
	})
	client, err := New(Config{Endpoints: map[string]string{Wildcard: srv.URL}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	inv := coordinator.BranchInvocation{XID: "c:1", BranchID: "b1", ResourceID: "jdbc:any"}
	if _, err := client.BranchCommit(context.Background(), inv); err == nil || !strings.Contains(err.Error(), "draining") {
		t.Fatalf("expected status error, got %v", err)
	}

	unmapped, err := New(Config{Endpoints: map[string]string{"jdbc:orders": srv.URL}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := unmapped.BranchCommit(context.Background(), inv); err == nil {
		t.Fatal("expected error for unmapped resource")
	}
}

func TestUnknownStatusIsError(t *testing.T) {
	t.Parallel()
	srv, _ := newResourceManager(t, func(string) (int, Response) {
		return http.StatusOK, Response{Status: "Maybe"}
	})
	client, err := New(Config{Endpoints: map[string]string{Wildcard: srv.URL}, Tracing: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.BranchRollback(context.Background(), coordinator.BranchInvocation{ResourceID: "x"}); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestNewRejectsEmptyMapping(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Endpoints: map[string]string{"jdbc:orders": " "}}); err == nil {
		t.Fatal("expected empty url to be rejected")
	}
	if _, err := New(Config{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected missing ca file to fail")
	}
}
