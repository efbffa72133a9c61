package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/gtxd/internal/storage"
)

func TestS3StoreObjectLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	info, err := store.PutObject(ctx, "sessions/alpha.json", strings.NewReader(`{"xid":"alpha"}`), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("put create: %v", err)
	}
	if info.ETag == "" {
		t.Fatal("expected etag on create")
	}
	res, err := store.GetObject(ctx, "sessions/alpha.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "alpha") {
		t.Fatalf("unexpected body %s", body)
	}
	if res.Info.ETag != info.ETag {
		t.Fatalf("expected etag %q, got %q", info.ETag, res.Info.ETag)
	}
	if _, err := store.PutObject(ctx, "sessions/alpha.json", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	updated, err := store.PutObject(ctx, "sessions/alpha.json", strings.NewReader(`{"xid":"alpha","status":"Committing"}`), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("put update: %v", err)
	}
	if err := store.DeleteObject(ctx, "sessions/alpha.json", storage.DeleteObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "sessions/alpha.json", storage.DeleteObjectOptions{ExpectedETag: updated.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "sessions/alpha.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "sessions/alpha.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "sessions/alpha.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestS3StoreListWithPrefix(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "cluster-a"

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"sessions/c.json", "sessions/a.json", "sessions/b.json", "other/x.json"} {
		if _, err := store.PutObject(ctx, key, strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	objects, err := storage.ListAll(ctx, store, "sessions/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	if got := strings.Join(keys, ","); got != "sessions/a.json,sessions/b.json,sessions/c.json" {
		t.Fatalf("unexpected keys %s", got)
	}
	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "sessions/", Limit: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated || page.NextStartAfter != "sessions/b.json" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestS3StoreSubscribeChangesPolls(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "cluster-a"
	cfg.PollInterval = 20 * time.Millisecond

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	sub, err := store.SubscribeChanges("sessions/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	if _, err := store.PutObject(context.Background(), "sessions/a.json", strings.NewReader(`{}`), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("expected change signal after put")
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "gtxd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "slow down", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestPreconditionClassification(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"412":       {minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, true},
		"409 cond":  {minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}, true},
		"409 other": {minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}, false},
		"plain":     {errors.New("x"), false},
	}
	for name, tc := range cases {
		if got := isPreconditionFailed(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, got)
		}
	}
}
