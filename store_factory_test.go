package gtxd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/storage"
)

func TestOpenBackendFileMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessionStore")
	cfg := Config{StoreMode: StoreModeFile, FileDir: dir, Listen: "127.0.0.1:0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ctx := context.Background()
	backend, err := openBackend(ctx, cfg, pslog.NoopLogger(), clock.Real{}, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	if _, err := backend.PutObject(ctx, "sessions/a", bytes.NewReader([]byte(`{}`)), storage.PutObjectOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := backend.GetObject(ctx, "sessions/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(body) != `{}` {
		t.Fatalf("unexpected body %q", body)
	}
	if _, ok := backend.(storage.ChangeFeed); !ok {
		t.Fatalf("expected wrapped file backend to expose a change feed")
	}

	if _, err := openBackend(ctx, cfg, pslog.NoopLogger(), clock.Real{}, true); err == nil {
		t.Fatalf("expected exclusive lock to reject a second file store on %s", dir)
	}
}

func TestOpenBackendMemoryAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, err := openBackend(ctx, Config{StoreMode: StoreModeMemory}, pslog.NoopLogger(), clock.Real{}, true)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = backend.Close()

	_, err = openBackend(ctx, Config{StoreMode: "etcd"}, pslog.NoopLogger(), clock.Real{}, true)
	if err == nil || err.Error() != "unknown store mode: etcd" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBuildS3ConfigCredentials(t *testing.T) {
	t.Setenv("GTXD_S3_ACCESS_KEY_ID", "minio")
	t.Setenv("GTXD_S3_SECRET_ACCESS_KEY", "minio123")
	cfg := Config{S3Endpoint: "localhost:9000", S3Bucket: "tx", S3Prefix: "/prod/", S3Insecure: true, S3ForcePathStyle: true}
	s3cfg, err := BuildS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Prefix != "prod" || !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.CustomCreds == nil {
		t.Fatalf("unexpected config %+v", s3cfg)
	}

	t.Setenv("GTXD_S3_SECRET_ACCESS_KEY", "")
	if _, err := BuildS3Config(cfg); err == nil || !strings.Contains(err.Error(), "incomplete") {
		t.Fatalf("expected incomplete credentials error, got %v", err)
	}
}

func TestBuildAWSAndAzureConfigFromEnv(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-north-1")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "acct")
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "secret")
	aws := BuildAWSConfig(Config{AWSBucket: "tx", AWSPrefix: "gtxd/"})
	if aws.Region != "eu-north-1" || aws.Prefix != "gtxd" {
		t.Fatalf("unexpected aws config %+v", aws)
	}
	az := BuildAzureConfig(Config{AzureContainer: "sessions"})
	if az.Account != "acct" || az.AccountKey != "secret" || az.Container != "sessions" {
		t.Fatalf("unexpected azure config %+v", az)
	}
}

type fakeBucket struct {
	storage.Backend
	exists bool
	err    error
}

func (f fakeBucket) BucketExists(context.Context) (bool, error) { return f.exists, f.err }

func TestEnsureObjectStoreReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if err := ensureObjectStoreReady(ctx, fakeBucket{exists: true}); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	if err := ensureObjectStoreReady(ctx, fakeBucket{}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	boom := errors.New("dial tcp: refused")
	if err := ensureObjectStoreReady(ctx, fakeBucket{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestOpenCryptoCreatesKeyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keys", "gtxd.pem")
	crypto, err := openCrypto(Config{EncryptionKeyFile: path})
	if err != nil {
		t.Fatalf("open crypto: %v", err)
	}
	if !crypto.Enabled() {
		t.Fatalf("expected enabled crypto")
	}
	sealed, err := crypto.Encrypt([]byte(`{"xid":"x"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	again, err := openCrypto(Config{EncryptionKeyFile: path})
	if err != nil {
		t.Fatalf("reopen crypto: %v", err)
	}
	plain, err := again.Decrypt(sealed)
	if err != nil || string(plain) != `{"xid":"x"}` {
		t.Fatalf("decrypt with reloaded key: %q err=%v", plain, err)
	}
	if none, err := openCrypto(Config{}); err != nil || none != nil {
		t.Fatalf("expected nil crypto without key file, got %v err=%v", none, err)
	}
}

func TestOpenSessionStoreSharesFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessionStore")
	cfg := Config{StoreMode: StoreModeFile, FileDir: dir, Listen: "127.0.0.1:0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ctx := context.Background()
	owner, err := openBackend(ctx, cfg, pslog.NoopLogger(), clock.Real{}, true)
	if err != nil {
		t.Fatalf("open owner: %v", err)
	}
	defer owner.Close()
	store, err := OpenSessionStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("offline open next to the owner: %v", err)
	}
	defer store.Close()
	recs, err := store.ReadAll(ctx)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected empty store, got %d err=%v", len(recs), err)
	}
}
