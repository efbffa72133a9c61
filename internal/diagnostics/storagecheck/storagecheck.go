// Package storagecheck exercises a configured session store end to end so
// operators can confirm credentials, conditional writes and encryption before
// pointing a coordinator at it.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
)

// ObjectPrefix namespaces the raw objects written by Verify.
const ObjectPrefix = "diagnostics/"

// Target describes where the verified store lives. It is informational only.
type Target struct {
	Provider string
	Endpoint string
	Bucket   string
	Prefix   string
	Path     string
}

// CheckResult captures the outcome of an individual verification step.
type CheckResult struct {
	Name string
	Err  error
}

// Result summarises a verification run.
type Result struct {
	Target
	Checks []CheckResult
	// Policy is a suggested IAM policy for the bucket. Set for S3 compatible
	// providers.
	Policy string
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r Result) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Verify runs the raw backend checks followed by a session document round
// trip. Every object it creates is removed again, also on failure.
func Verify(ctx context.Context, store *sessionstore.Store, target Target) Result {
	result := Result{Target: target}
	if isS3Provider(target.Provider) && target.Bucket != "" {
		result.Policy = BuildAWSPolicy(target.Bucket, target.Prefix)
	}
	if store == nil {
		result.Checks = append(result.Checks, CheckResult{Name: "Open", Err: errors.New("session store not configured")})
		return result
	}
	bc := &backendCheck{
		backend: store.Backend(),
		key:     ObjectPrefix + uuid.NewString() + ".check",
	}
	defer bc.cleanup()

	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
		return err == nil
	}
	if run("PutIfNotExists", bc.create) {
		run("PutIfNotExistsConflict", bc.createConflict)
		run("GetObject", bc.get)
		run("CompareAndSwap", bc.compareAndSwap)
		run("ListObjects", bc.list)
		run("DeleteObject", bc.delete)
	}
	run("SessionRoundTrip", func(ctx context.Context) error {
		return sessionRoundTrip(ctx, store)
	})
	return result
}

type backendCheck struct {
	backend storage.Backend
	key     string
	payload []byte
	etag    string
	deleted bool
}

func (p *backendCheck) create(ctx context.Context) error {
	p.payload = []byte(fmt.Sprintf(`{"check":%q,"at":%d}`, p.key, time.Now().UnixMilli()))
	info, err := p.backend.PutObject(ctx, p.key, bytes.NewReader(p.payload), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		return err
	}
	if info != nil {
		p.etag = info.ETag
	}
	return nil
}

func (p *backendCheck) createConflict(ctx context.Context) error {
	_, err := p.backend.PutObject(ctx, p.key, bytes.NewReader(p.payload), storage.PutObjectOptions{IfNotExists: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.New("second create of the same key succeeded")
}

func (p *backendCheck) get(ctx context.Context) error {
	res, err := p.backend.GetObject(ctx, p.key)
	if err != nil {
		return err
	}
	defer res.Reader.Close()
	got, err := io.ReadAll(res.Reader)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, p.payload) {
		return fmt.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(p.payload))
	}
	if res.Info != nil && res.Info.ETag != "" {
		p.etag = res.Info.ETag
	}
	return nil
}

func (p *backendCheck) compareAndSwap(ctx context.Context) error {
	if p.etag == "" {
		return errors.New("backend returned no etag")
	}
	stale := p.etag
	next := append(bytes.Clone(p.payload), '\n')
	info, err := p.backend.PutObject(ctx, p.key, bytes.NewReader(next), storage.PutObjectOptions{
		ExpectedETag: stale,
		ContentType:  storage.ContentTypeJSON,
	})
	if err != nil {
		return fmt.Errorf("update with current etag: %w", err)
	}
	p.payload = next
	if info != nil {
		p.etag = info.ETag
	}
	_, err = p.backend.PutObject(ctx, p.key, bytes.NewReader(next), storage.PutObjectOptions{ExpectedETag: stale})
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return nil
	case err != nil:
		return fmt.Errorf("update with stale etag: %w", err)
	default:
		return errors.New("update with stale etag succeeded")
	}
}

func (p *backendCheck) list(ctx context.Context) error {
	objects, err := storage.ListAll(ctx, p.backend, ObjectPrefix)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(objects, func(o storage.ObjectInfo) bool { return o.Key == p.key }) {
		return fmt.Errorf("%s missing from listing of %s", p.key, ObjectPrefix)
	}
	return nil
}

func (p *backendCheck) delete(ctx context.Context) error {
	if err := p.backend.DeleteObject(ctx, p.key, storage.DeleteObjectOptions{ExpectedETag: p.etag}); err != nil {
		return err
	}
	p.deleted = true
	res, err := p.backend.GetObject(ctx, p.key)
	if err == nil {
		res.Reader.Close()
		return errors.New("object still readable after delete")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get after delete: %w", err)
	}
	return nil
}

func (p *backendCheck) cleanup() {
	if p.deleted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.backend.DeleteObject(ctx, p.key, storage.DeleteObjectOptions{IgnoreNotFound: true})
}

func sessionRoundTrip(ctx context.Context, store *sessionstore.Store) error {
	now := time.Now()
	rec := &session.GlobalRecord{
		XID:           "diagnostics:" + uuid.NewString(),
		TransactionID: "0",
		Name:          "storage-verify",
		BeginTimeMS:   now.UnixMilli(),
		TimeoutMS:     int64(time.Minute / time.Millisecond),
		Status:        session.StatusFinished,
		Branches: []*session.BranchRecord{{
			BranchID:   uuid.NewString(),
			ResourceID: "storage-verify",
			BranchType: session.BranchTypeTCC,
			LockKeys:   "verify:1",
			Status:     session.BranchRegistered,
		}},
	}
	if err := store.PersistGlobal(ctx, rec); err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = store.RemoveGlobal(cctx, rec)
	}()
	if store.Encrypted() {
		res, err := store.Backend().GetObject(ctx, sessionstore.ObjectKey(rec.XID))
		if err != nil {
			return fmt.Errorf("raw read: %w", err)
		}
		raw, err := io.ReadAll(res.Reader)
		res.Reader.Close()
		if err != nil {
			return fmt.Errorf("raw read: %w", err)
		}
		if bytes.Contains(raw, []byte(rec.XID)) {
			return errors.New("session document stored in plaintext although encryption is enabled")
		}
	}
	got, err := store.Load(ctx, rec.XID)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if got.XID != rec.XID || got.Status != rec.Status || len(got.Branches) != 1 || got.Branches[0].BranchID != rec.Branches[0].BranchID {
		return fmt.Errorf("round trip mismatch for %s", rec.XID)
	}
	if err := store.RemoveGlobal(ctx, rec); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if _, err := store.Load(ctx, rec.XID); !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load after remove: expected not found, got %v", err)
	}
	return nil
}

func isS3Provider(provider string) bool {
	switch strings.ToLower(provider) {
	case "s3", "aws":
		return true
	}
	return false
}
