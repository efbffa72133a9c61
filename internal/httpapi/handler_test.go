package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/gtxd/api"
	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/correlation"
	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/hoststats"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage/memory"
)

type okParticipant struct{}

func (okParticipant) BranchCommit(context.Context, coordinator.BranchInvocation) (session.BranchStatus, error) {
	return session.BranchPhaseTwoCommitted, nil
}

func (okParticipant) BranchRollback(context.Context, coordinator.BranchInvocation) (session.BranchStatus, error) {
	return session.BranchPhaseTwoRolledBack, nil
}

type testServer struct {
	coord *coordinator.Coordinator
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sessionstore.New(sessionstore.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("sessionstore: %v", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Address:     "127.0.0.1:8091",
		Store:       store,
		Participant: okParticipant{},
		Clock:       clock.NewManual(time.Unix(1_700_000_000, 0)),
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	mux := http.NewServeMux()
	New(Config{Coordinator: coord, Host: hoststats.New(hoststats.Config{}), MaxBodyBytes: 4096}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{coord: coord, srv: srv}
}

func (s *testServer) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestTransactionLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	var begun api.BeginResponse
	if code := s.post(t, "/v1/begin", api.BeginRequest{Name: "order", TimeoutMS: 30_000}, &begun); code != http.StatusOK || begun.XID == "" {
		t.Fatalf("begin: code=%d xid=%q", code, begun.XID)
	}
	var branch api.BranchRegisterResponse
	code := s.post(t, "/v1/branch/register", api.BranchRegisterRequest{
		XID:             begun.XID,
		ResourceID:      "jdbc:orders",
		BranchType:      "tcc",
		LockKeys:        "orders:1",
		ApplicationData: "{ \"sku\": 7 }",
	}, &branch)
	if code != http.StatusOK || branch.BranchID == "" {
		t.Fatalf("register: code=%d", code)
	}

	var view api.Session
	if code := s.get(t, "/v1/sessions/"+begun.XID, &view); code != http.StatusOK {
		t.Fatalf("session: code=%d", code)
	}
	if len(view.Branches) != 1 || view.Branches[0].ApplicationData != `{"sku":7}` || view.Branches[0].BranchType != "TCC" {
		t.Fatalf("unexpected session view %+v", view)
	}

	var lock api.LockQueryResponse
	s.post(t, "/v1/lock/query", api.LockQueryRequest{XID: "other", ResourceID: "jdbc:orders", LockKeys: "orders:1"}, &lock)
	if lock.Lockable {
		t.Fatal("expected held row to be unlockable for another xid")
	}

	var status api.StatusResponse
	if code := s.post(t, "/v1/commit", api.XIDRequest{XID: begun.XID}, &status); code != http.StatusOK || status.Status != string(session.StatusCommitted) {
		t.Fatalf("commit: code=%d status=%q", code, status.Status)
	}
	if code := s.get(t, "/v1/status?xid="+begun.XID, &status); code != http.StatusOK || status.Status != string(session.StatusFinished) {
		t.Fatalf("status: code=%d status=%q", code, status.Status)
	}
}

func TestErrorsMapToFailureStatus(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	var begun api.BeginResponse
	s.post(t, "/v1/begin", api.BeginRequest{}, &begun)
	s.post(t, "/v1/branch/register", api.BranchRegisterRequest{XID: begun.XID, ResourceID: "jdbc:a", BranchType: "AT", LockKeys: "t:1"}, nil)
	var second api.BeginResponse
	s.post(t, "/v1/begin", api.BeginRequest{}, &second)

	var errResp api.ErrorResponse
	code := s.post(t, "/v1/branch/register", api.BranchRegisterRequest{XID: second.XID, ResourceID: "jdbc:a", BranchType: "AT", LockKeys: "t:1"}, &errResp)
	if code != core.HTTPStatusOf(core.LockConflict("k", "x")) || errResp.ErrorCode != core.CodeLockConflict {
		t.Fatalf("expected lock conflict, got code=%d body=%+v", code, errResp)
	}

	errResp = api.ErrorResponse{}
	if code := s.get(t, "/v1/sessions/missing", &errResp); code != http.StatusNotFound || errResp.ErrorCode != core.CodeNotFound {
		t.Fatalf("expected not found, got code=%d body=%+v", code, errResp)
	}

	errResp = api.ErrorResponse{}
	if code := s.post(t, "/v1/commit", map[string]any{"xid": begun.XID, "bogus": true}, &errResp); code != http.StatusBadRequest || errResp.ErrorCode != codeInvalidBody {
		t.Fatalf("expected invalid body, got code=%d body=%+v", code, errResp)
	}

	errResp = api.ErrorResponse{}
	if code := s.post(t, "/v1/branch/report", api.BranchReportRequest{XID: begun.XID, BranchID: "b", Status: "PhaseTwoCommitted"}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got code=%d body=%+v", code, errResp)
	}

	errResp = api.ErrorResponse{}
	code = s.post(t, "/v1/lock/query", api.LockQueryRequest{XID: begun.XID, ResourceID: "jdbc:a", LockKeys: "no-table"}, &errResp)
	if code != http.StatusBadRequest || errResp.ErrorCode != core.CodeBadRequest {
		t.Fatalf("expected bad request for malformed lock keys, got code=%d body=%+v", code, errResp)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	body := `{"name":"` + strings.Repeat("x", 8192) + `"}`
	resp, err := http.Post(s.srv.URL+"/v1/begin", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		t.Fatalf("expected client error, got %d", resp.StatusCode)
	}
}

func TestQueuesHostAndCorrelation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/v1/queues", nil)
	req.Header.Set(correlation.Header, "trace-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "trace-me" {
		t.Fatalf("expected correlation echo, got %q", got)
	}
	var queues api.QueuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(queues.Queues) != 4 || queues.Queues[0].Name != session.RootName {
		t.Fatalf("unexpected queues %+v", queues)
	}

	var host api.HostStatus
	if code := s.get(t, "/v1/status/host", &host); code != http.StatusOK || host.Goroutines == 0 {
		t.Fatalf("host: code=%d body=%+v", code, host)
	}
	if code := s.get(t, "/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
}

func TestRouterSys(t *testing.T) {
	t.Parallel()
	if got := routerSys("branch.register"); got != "api.http.router.branch.register" {
		t.Fatalf("unexpected sys %q", got)
	}
	if got := routerSys(""); got != "api.http.router" {
		t.Fatalf("unexpected sys %q", got)
	}
}
