package storagecheck

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/storage/memory"
)

func TestVerifyMemoryBackend(t *testing.T) {
	backend := memory.New()
	store, err := sessionstore.New(sessionstore.Config{Backend: backend})
	if err != nil {
		t.Fatalf("sessionstore: %v", err)
	}
	res := Verify(context.Background(), store, Target{Provider: "memory"})
	if !res.Passed() {
		t.Fatalf("expected verification to pass, failed: %+v", res.Failed())
	}
	if len(res.Checks) != 7 {
		t.Fatalf("expected 7 checks, got %d: %+v", len(res.Checks), res.Checks)
	}
	if res.Policy != "" {
		t.Fatalf("expected no policy for memory provider")
	}
	left, err := storage.ListAll(context.Background(), backend, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected verification to clean up, found %+v", left)
	}
}

func TestVerifyEncryptedStore(t *testing.T) {
	cfg, err := storage.LoadKeyFile(filepath.Join(t.TempDir(), "sessions.pem"), true)
	if err != nil {
		t.Fatalf("key file: %v", err)
	}
	crypto, err := storage.NewCrypto(cfg)
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	store, err := sessionstore.New(sessionstore.Config{Backend: memory.New(), Crypto: crypto})
	if err != nil {
		t.Fatalf("sessionstore: %v", err)
	}
	res := Verify(context.Background(), store, Target{Provider: "memory"})
	if !res.Passed() {
		t.Fatalf("expected verification to pass, failed: %+v", res.Failed())
	}
}

// unconditional drops every conditional option, like an object store without
// compare-and-swap support.
type unconditional struct {
	*memory.Store
}

func (u unconditional) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return u.Store.PutObject(ctx, key, body, storage.PutObjectOptions{ContentType: opts.ContentType})
}

func TestVerifyDetectsMissingConditionalWrites(t *testing.T) {
	store, err := sessionstore.New(sessionstore.Config{Backend: unconditional{memory.New()}})
	if err != nil {
		t.Fatalf("sessionstore: %v", err)
	}
	res := Verify(context.Background(), store, Target{Provider: "s3", Bucket: "gtxd"})
	if res.Passed() {
		t.Fatal("expected verification to fail")
	}
	failed := map[string]bool{}
	for _, c := range res.Failed() {
		failed[c.Name] = true
	}
	for _, name := range []string{"PutIfNotExistsConflict", "CompareAndSwap"} {
		if !failed[name] {
			t.Fatalf("expected %s to fail, failed checks: %+v", name, res.Failed())
		}
	}
	if res.Policy == "" {
		t.Fatal("expected a policy suggestion for s3")
	}
}

func TestVerifyWithoutStore(t *testing.T) {
	res := Verify(context.Background(), nil, Target{Provider: "file"})
	if res.Passed() || len(res.Checks) != 1 || res.Checks[0].Name != "Open" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestBuildAWSPolicyScopesPrefix(t *testing.T) {
	var doc struct {
		Statement []struct {
			Resource  []string
			Condition map[string]map[string][]string
		}
	}
	if err := json.Unmarshal([]byte(BuildAWSPolicy("bucket", "/gtxd/prod/")), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Statement) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(doc.Statement))
	}
	if got := doc.Statement[1].Resource[0]; got != "arn:aws:s3:::bucket/gtxd/prod/*" {
		t.Fatalf("unexpected object resource %q", got)
	}
	if got := doc.Statement[0].Condition["StringLike"]["s3:prefix"]; len(got) != 1 || got[0] != "gtxd/prod/*" {
		t.Fatalf("unexpected list condition %v", got)
	}
	if strings.Contains(BuildAWSPolicy("bucket", ""), "Condition") {
		t.Fatal("expected no condition without prefix")
	}
}
