package sessionstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/storage/memory"
)

func newRecord(xid string) *session.GlobalRecord {
	return &session.GlobalRecord{
		XID:           xid,
		TransactionID: "tx",
		Name:          "order",
		BeginTimeMS:   1_700_000_000_000,
		TimeoutMS:     60_000,
		Status:        session.StatusBegin,
		Active:        true,
	}
}

func TestObjectKeyRoundTrip(t *testing.T) {
	t.Parallel()
	xid := "10.0.0.1:8091:cs5kq3m1d3b0"
	key := ObjectKey(xid)
	got, ok := XIDFromKey(key)
	if !ok || got != xid {
		t.Fatalf("expected %q from %q, got %q ok=%v", xid, key, got, ok)
	}
	if _, ok := XIDFromKey("sessions/readme.txt"); ok {
		t.Fatal("expected non-document key to be rejected")
	}
	if _, ok := XIDFromKey("other/a.json"); ok {
		t.Fatal("expected foreign prefix to be rejected")
	}
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_100, 0))
	store, err := New(Config{Backend: memory.New(), Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := newRecord("coord:1")
	if err := store.PersistGlobal(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.PersistGlobal(ctx, rec); err == nil {
		t.Fatal("expected second create to fail")
	}
	rec.Branches = append(rec.Branches, &session.BranchRecord{BranchID: "b1", ResourceID: "jdbc:orders", BranchType: session.BranchTypeAT, LockKeys: "orders:1", Status: session.BranchRegistered})
	if err := store.PersistBranch(ctx, rec, "b1"); err != nil {
		t.Fatalf("persist branch: %v", err)
	}
	if err := store.PersistBranch(ctx, rec, "missing"); err == nil {
		t.Fatal("expected unknown branch to fail")
	}
	rec.Status = session.StatusCommitting
	rec.Active = false
	if err := store.UpdateGlobalStatus(ctx, rec); err != nil {
		t.Fatalf("update status: %v", err)
	}

	records, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	got := records[0]
	if got.Status != session.StatusCommitting || got.Active || len(got.Branches) != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.UpdatedAtMS != clk.Now().UnixMilli() {
		t.Fatalf("expected updated_at %d, got %d", clk.Now().UnixMilli(), got.UpdatedAtMS)
	}

	rec.Branches = nil
	if err := store.RemoveBranch(ctx, rec, "b1"); err != nil {
		t.Fatalf("remove branch: %v", err)
	}
	if loaded, err := store.Load(ctx, rec.XID); err != nil || len(loaded.Branches) != 0 {
		t.Fatalf("expected branch removed, got %+v err=%v", loaded, err)
	}
	if err := store.RemoveGlobal(ctx, rec); err != nil {
		t.Fatalf("remove global: %v", err)
	}
	if err := store.RemoveGlobal(ctx, rec); err != nil {
		t.Fatalf("remove absent global: %v", err)
	}
	records, err = store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all after remove: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty store, got %d", len(records))
	}
}

func TestStoreDetectsConcurrentWriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	first, _ := New(Config{Backend: backend})
	second, _ := New(Config{Backend: backend})
	rec := newRecord("coord:2")
	if err := first.PersistGlobal(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := second.ReadAll(ctx); err != nil {
		t.Fatalf("read all: %v", err)
	}
	rec.Status = session.StatusRollbacking
	if err := second.UpdateGlobalStatus(ctx, rec); err != nil {
		t.Fatalf("second update: %v", err)
	}
	rec.Status = session.StatusCommitting
	err := first.UpdateGlobalStatus(ctx, rec)
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch for stale writer, got %v", err)
	}
}

func TestStoreEncryptsDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cryptoCfg, err := storage.LoadKeyFile(filepath.Join(t.TempDir(), "sessions.pem"), true)
	if err != nil {
		t.Fatalf("load key file: %v", err)
	}
	crypto, err := storage.NewCrypto(cryptoCfg)
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	backend := memory.New()
	store, _ := New(Config{Backend: backend, Crypto: crypto})
	rec := newRecord("coord:3")
	if err := store.PersistGlobal(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	obj, err := backend.GetObject(ctx, ObjectKey(rec.XID))
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	_ = obj.Reader.Close()
	if obj.Info.ContentType != storage.ContentTypeJSONEncrypted {
		t.Fatalf("expected encrypted content type, got %q", obj.Info.ContentType)
	}
	records, err := store.ReadAll(ctx)
	if err != nil || len(records) != 1 || records[0].XID != rec.XID {
		t.Fatalf("expected decrypted record, got %+v err=%v", records, err)
	}

	plain, _ := New(Config{Backend: backend})
	if _, err := plain.ReadAll(ctx); !errors.Is(err, ErrEncrypted) {
		t.Fatalf("expected ErrEncrypted without crypto, got %v", err)
	}
}

func TestReloadedManagerFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	store, _ := New(Config{Backend: backend})
	root, err := session.NewManager(session.ManagerConfig{Name: session.RootName, Store: store})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gs := session.NewGlobalSession(session.GlobalConfig{XID: "coord:4", TransactionID: "4", BeginTime: time.Unix(1_700_000_000, 0), Timeout: time.Minute})
	if err := root.AddGlobalSession(ctx, gs); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := gs.ChangeStatus(ctx, session.StatusCommitting); err != nil {
		t.Fatalf("change status: %v", err)
	}

	reopened, _ := New(Config{Backend: backend})
	restarted, _ := session.NewManager(session.ManagerConfig{Name: session.RootName, Store: reopened})
	if err := restarted.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	found, err := restarted.FindGlobalSession("coord:4")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Status() != session.StatusCommitting {
		t.Fatalf("expected Committing after reload, got %s", found.Status())
	}
}

func TestUpdateDoesNotRecreateRemovedDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	store, _ := New(Config{Backend: backend})
	rec := newRecord("coord:4")
	if err := store.PersistGlobal(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.RemoveGlobal(ctx, rec); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec.Status = session.StatusRollbackFailed
	if err := store.UpdateGlobalStatus(ctx, rec); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for a removed document, got %v", err)
	}
	if _, err := backend.GetObject(ctx, ObjectKey(rec.XID)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected document to stay removed, got %v", err)
	}

	// A store that never saw the document adopts the stored etag.
	other, _ := New(Config{Backend: backend})
	fresh := newRecord("coord:5")
	if err := store.PersistGlobal(ctx, fresh); err != nil {
		t.Fatalf("persist: %v", err)
	}
	fresh.Status = session.StatusCommitting
	if err := other.UpdateGlobalStatus(ctx, fresh); err != nil {
		t.Fatalf("update from second store: %v", err)
	}
	if err := store.UpdateGlobalStatus(ctx, fresh); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected first store to lose the race, got %v", err)
	}
}
