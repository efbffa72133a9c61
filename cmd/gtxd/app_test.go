package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/gtxd"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/storage/memory"
	"pkt.systems/gtxd/internal/version"
)

func executeRoot(t *testing.T, v *viper.Viper, args ...string) (string, error) {
	t.Helper()
	if v == nil {
		v = newViper()
	}
	cmd := newRootCommandWithViper(v, pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func isolateConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GTXD_CONFIG_DIR", dir)
	return dir
}

func TestVersionCommand(t *testing.T) {
	isolateConfigDir(t)
	out, err := executeRoot(t, nil, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	info := version.Get()
	if want := info.Module + " " + info.Version + "\n"; out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestConfigGenRoundTripsThroughBindConfig(t *testing.T) {
	isolateConfigDir(t)
	out, err := executeRoot(t, nil, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("generated yaml invalid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg gtxd.Config
	if err := bindConfig(v, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.StoreMode != gtxd.StoreModeFile || cfg.FileDir != gtxd.DefaultFileDir {
		t.Fatalf("unexpected store %q %q", cfg.StoreMode, cfg.FileDir)
	}
	if cfg.CommittingRetryPeriod != time.Second || cfg.TimeoutRetryPeriod != time.Second {
		t.Fatalf("unexpected periods %s %s", cfg.CommittingRetryPeriod, cfg.TimeoutRetryPeriod)
	}
	if cfg.MaxCommitRetryTimeout != gtxd.DefaultMaxRetryTimeout || cfg.LockShards != gtxd.DefaultLockShards {
		t.Fatalf("unexpected retry timeout %s shards %d", cfg.MaxCommitRetryTimeout, cfg.LockShards)
	}
	if cfg.MaxBodyBytes != gtxd.DefaultMaxBodyBytes {
		t.Fatalf("expected max body %d, got %d", gtxd.DefaultMaxBodyBytes, cfg.MaxBodyBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config must validate: %v", err)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	dir := isolateConfigDir(t)
	if _, err := executeRoot(t, nil, "config", "gen"); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	_, err := executeRoot(t, nil, "config", "gen")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, err := executeRoot(t, nil, "config", "gen", "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
	if _, err := executeRoot(t, nil, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatalf("expected --stdout/--out conflict")
	}
}

func TestBindConfigFromEnvAndFlags(t *testing.T) {
	isolateConfigDir(t)
	t.Setenv("GTXD_STORE_MODE", "memory")
	t.Setenv("GTXD_LOCK_SHARDS", "64")
	t.Setenv("GTXD_RECOVERY_COMMITTING_RETRY_PERIOD", "250ms")

	v := newViper()
	cmd := newRootCommandWithViper(v, pslog.NoopLogger())
	if err := cmd.ParseFlags([]string{"--participant", "*=http://rm:8080", "--retry-max-attempts", "3", "--max-body", "64KiB"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg gtxd.Config
	if err := bindConfig(v, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.StoreMode != "memory" || cfg.LockShards != 64 || cfg.CommittingRetryPeriod != 250*time.Millisecond {
		t.Fatalf("env not applied: mode=%q shards=%d period=%s", cfg.StoreMode, cfg.LockShards, cfg.CommittingRetryPeriod)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("flags not applied: attempts=%d body=%d", cfg.RetryMaxAttempts, cfg.MaxBodyBytes)
	}
	if cfg.Participants["*"] != "http://rm:8080" {
		t.Fatalf("unexpected participants %v", cfg.Participants)
	}
}

func TestSessionsListReadsFileStore(t *testing.T) {
	isolateConfigDir(t)
	dir := filepath.Join(t.TempDir(), "sessionStore")
	ctx := context.Background()
	store, err := gtxd.OpenSessionStore(ctx, gtxd.Config{StoreMode: gtxd.StoreModeFile, FileDir: dir}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec := &session.GlobalRecord{
		XID:           "10.0.0.1:8091:77",
		TransactionID: "77",
		Name:          "place-order",
		BeginTimeMS:   time.Now().Add(-2 * time.Minute).UnixMilli(),
		TimeoutMS:     60_000,
		Status:        session.StatusCommitRetrying,
	}
	if err := store.PersistGlobal(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	_ = store.Close()

	out, err := executeRoot(t, nil, "sessions", "list", "--store-file-dir", dir)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	for _, want := range []string{"10.0.0.1:8091:77", "CommitRetrying", "2 minutes ago", "1 session(s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = executeRoot(t, nil, "sessions", "list", "--store-file-dir", dir, "--json")
	if err != nil {
		t.Fatalf("sessions list --json: %v", err)
	}
	if !strings.Contains(out, `"xid": "10.0.0.1:8091:77"`) {
		t.Fatalf("unexpected json output:\n%s", out)
	}
}

func TestSessionsWatchRejectsMemoryMode(t *testing.T) {
	isolateConfigDir(t)
	_, err := executeRoot(t, nil, "sessions", "watch", "--store-mode", "memory")
	if err == nil || !strings.Contains(err.Error(), "requires a shared store") {
		t.Fatalf("expected shared store error, got %v", err)
	}
}

func TestVerifyStoreFileMode(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	out, err := executeRoot(t, nil, "verify", "store", "--store-mode", "file", "--store-file-dir", dir)
	if err != nil {
		t.Fatalf("verify store: %v\n%s", err, out)
	}
	for _, want := range []string{"Provider: file", "Path: " + dir, "✔ CompareAndSwap", "✔ SessionRoundTrip", "Storage verification succeeded."} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "✘") {
		t.Fatalf("unexpected failed check:\n%s", out)
	}
}

type polledBackend struct {
	storage.Backend
}

func (b polledBackend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	return storage.PollChanges(b.Backend, prefix, 10*time.Millisecond), nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchSessionsFollowsPolledStore(t *testing.T) {
	store, err := sessionstore.New(sessionstore.Config{Backend: polledBackend{Backend: memory.New()}})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchSessions(ctx, out, store) }()

	rec := &session.GlobalRecord{
		XID:           "10.0.0.1:8091:77",
		TransactionID: "77",
		Name:          "place-order",
		BeginTimeMS:   time.Now().UnixMilli(),
		TimeoutMS:     60000,
		Status:        session.StatusBegin,
	}
	time.Sleep(30 * time.Millisecond)
	if err := store.PersistGlobal(context.Background(), rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), rec.XID) {
		if time.Now().After(deadline) {
			t.Fatalf("watch never printed %s:\n%s", rec.XID, out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}
