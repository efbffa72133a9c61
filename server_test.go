package gtxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/gtxd/api"
	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/session"
)

type recordingParticipant struct {
	mu      sync.Mutex
	commits []string
}

func (p *recordingParticipant) BranchCommit(_ context.Context, inv coordinator.BranchInvocation) (session.BranchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = append(p.commits, inv.BranchID)
	return session.BranchPhaseTwoCommitted, nil
}

func (p *recordingParticipant) BranchRollback(context.Context, coordinator.BranchInvocation) (session.BranchStatus, error) {
	return session.BranchPhaseTwoRolledBack, nil
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		if err := stop(context.Background()); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServerCommitLifecycle(t *testing.T) {
	part := &recordingParticipant{}
	srv, base := startTestServer(t, Config{StoreMode: StoreModeMemory}, WithParticipant(part))

	var begin api.BeginResponse
	if code := postJSON(t, base+"/v1/begin", api.BeginRequest{ApplicationID: "orders", Name: "place-order"}, &begin); code != http.StatusOK {
		t.Fatalf("begin: status %d", code)
	}
	var reg api.BranchRegisterResponse
	code := postJSON(t, base+"/v1/branch/register", api.BranchRegisterRequest{
		XID:        begin.XID,
		ResourceID: "jdbc:mysql://orders",
		BranchType: "tcc",
		LockKeys:   "orders:1",
	}, &reg)
	if code != http.StatusOK {
		t.Fatalf("register: status %d", code)
	}
	if code := postJSON(t, base+"/v1/branch/report", api.BranchReportRequest{XID: begin.XID, BranchID: reg.BranchID, Status: "PhaseOneDone"}, nil); code != http.StatusNoContent {
		t.Fatalf("report: status %d", code)
	}
	var lock api.LockQueryResponse
	postJSON(t, base+"/v1/lock/query", api.LockQueryRequest{ResourceID: "jdbc:mysql://orders", LockKeys: "orders:1", XID: "other"}, &lock)
	if lock.Lockable {
		t.Fatalf("expected row to be locked by %s", begin.XID)
	}

	var status api.StatusResponse
	if code := postJSON(t, base+"/v1/commit", api.XIDRequest{XID: begin.XID}, &status); code != http.StatusOK {
		t.Fatalf("commit: status %d", code)
	}
	if status.Status != string(session.StatusCommitted) {
		t.Fatalf("expected Committed, got %s", status.Status)
	}
	part.mu.Lock()
	commits := fmt.Sprint(part.commits)
	part.mu.Unlock()
	if commits != fmt.Sprint([]string{reg.BranchID}) {
		t.Fatalf("unexpected participant commits %s", commits)
	}
	if n := srv.Coordinator().Locks().Len(); n != 0 {
		t.Fatalf("expected locks released, %d held", n)
	}
	resp, err := http.Get(base + "/v1/status?xid=" + begin.XID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != string(session.StatusFinished) {
		t.Fatalf("expected Finished after completion, got %s", status.Status)
	}
}

func TestServerReadyAfterRecovery(t *testing.T) {
	_, base := startTestServer(t, Config{StoreMode: StoreModeMemory}, WithParticipant(&recordingParticipant{}))
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestServerRecoversFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessionStore")
	cfg := Config{StoreMode: StoreModeFile, FileDir: dir, Listen: "127.0.0.1:0"}
	part := &recordingParticipant{}

	first, err := NewServer(cfg, WithParticipant(part))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx := context.Background()
	if _, err := first.Coordinator().Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	gs, err := first.Coordinator().Begin(ctx, coordinator.BeginRequest{Name: "survivor", Timeout: time.Hour})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}

	second, base := startTestServer(t, cfg, WithParticipant(part))
	if !second.Coordinator().Root().Contains(gs.XID()) {
		t.Fatalf("expected %s to be recovered", gs.XID())
	}
	var status api.StatusResponse
	if code := postJSON(t, base+"/v1/rollback", api.XIDRequest{XID: gs.XID()}, &status); code != http.StatusOK {
		t.Fatalf("rollback: status %d", code)
	}
	if status.Status != string(session.StatusRollbacked) {
		t.Fatalf("expected Rollbacked, got %s", status.Status)
	}
}
