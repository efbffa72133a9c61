// Package sessionstore persists global session documents on a storage
// backend. Each global session is one JSON document holding its branches,
// rewritten whole on every mutation.
package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

// Prefix is the object key prefix under which session documents live.
const Prefix = "sessions/"

const docSuffix = ".json"

// ErrEncrypted is returned when an encrypted document is read without
// encryption material.
var ErrEncrypted = errors.New("sessionstore: encrypted session document but storage encryption is disabled")

// Config wires a Store.
type Config struct {
	Backend storage.Backend
	// Crypto encrypts documents at rest. Nil stores plaintext JSON.
	Crypto *storage.Crypto
	Logger pslog.Logger
	Clock  clock.Clock
}

// Store implements session.Store. ETags observed on write and read are
// remembered per xid and used as compare-and-swap guards so two coordinators
// sharing a bucket cannot silently overwrite each other.
type Store struct {
	backend storage.Backend
	crypto  *storage.Crypto
	logger  pslog.Logger
	clock   clock.Clock

	mu    sync.Mutex
	etags map[string]string
}

var _ session.Store = (*Store)(nil)

// New returns a Store over cfg.Backend.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("sessionstore: backend required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		backend: cfg.Backend,
		crypto:  cfg.Crypto,
		logger:  svcfields.WithSubsystem(logger, "sessionstore"),
		clock:   clk,
		etags:   make(map[string]string),
	}, nil
}

// Backend exposes the underlying storage backend.
func (s *Store) Backend() storage.Backend { return s.backend }

// Encrypted reports whether documents are encrypted at rest.
func (s *Store) Encrypted() bool { return s.crypto.Enabled() }

// ObjectKey returns the storage key of the document for xid.
func ObjectKey(xid string) string {
	return Prefix + url.PathEscape(xid) + docSuffix
}

// XIDFromKey reverses ObjectKey.
func XIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, Prefix) || !strings.HasSuffix(key, docSuffix) {
		return "", false
	}
	escaped := strings.TrimSuffix(strings.TrimPrefix(key, Prefix), docSuffix)
	xid, err := url.PathUnescape(escaped)
	if err != nil || xid == "" {
		return "", false
	}
	return xid, true
}

// PersistGlobal creates the document for a new global session.
func (s *Store) PersistGlobal(ctx context.Context, rec *session.GlobalRecord) error {
	return s.write(ctx, "persist_global", rec, true)
}

// UpdateGlobalStatus rewrites the document after a status change.
func (s *Store) UpdateGlobalStatus(ctx context.Context, rec *session.GlobalRecord) error {
	return s.write(ctx, "update_global_status", rec, false)
}

// PersistBranch rewrites the document with the new branch included.
func (s *Store) PersistBranch(ctx context.Context, rec *session.GlobalRecord, branchID string) error {
	if rec.Branch(branchID) == nil {
		return fmt.Errorf("sessionstore: branch %s missing from record %s", branchID, rec.XID)
	}
	return s.write(ctx, "persist_branch", rec, false)
}

// UpdateBranchStatus rewrites the document after a branch status change.
func (s *Store) UpdateBranchStatus(ctx context.Context, rec *session.GlobalRecord, branchID string) error {
	if rec.Branch(branchID) == nil {
		return fmt.Errorf("sessionstore: branch %s missing from record %s", branchID, rec.XID)
	}
	return s.write(ctx, "update_branch_status", rec, false)
}

// RemoveBranch rewrites the document without the branch.
func (s *Store) RemoveBranch(ctx context.Context, rec *session.GlobalRecord, branchID string) error {
	return s.write(ctx, "remove_branch", rec, false)
}

// RemoveGlobal deletes the document. Removing an absent session succeeds.
func (s *Store) RemoveGlobal(ctx context.Context, rec *session.GlobalRecord) error {
	key := ObjectKey(rec.XID)
	s.mu.Lock()
	etag := s.etags[rec.XID]
	s.mu.Unlock()
	err := s.backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag, IgnoreNotFound: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("sessionstore: remove %s: document changed by another writer: %w", rec.XID, err)
	}
	if err != nil {
		return fmt.Errorf("sessionstore: remove %s: %w", rec.XID, err)
	}
	s.mu.Lock()
	delete(s.etags, rec.XID)
	s.mu.Unlock()
	s.logger.Trace("sessionstore.remove_global", "xid", rec.XID)
	return nil
}

// ReadAll loads every persisted session document.
func (s *Store) ReadAll(ctx context.Context) ([]*session.GlobalRecord, error) {
	objects, err := storage.ListAll(ctx, s.backend, Prefix)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	records := make([]*session.GlobalRecord, 0, len(objects))
	for _, obj := range objects {
		if _, ok := XIDFromKey(obj.Key); !ok {
			s.logger.Debug("sessionstore.read_all.skip", "key", obj.Key)
			continue
		}
		rec, etag, err := s.read(ctx, obj.Key)
		if errors.Is(err, storage.ErrNotFound) {
			// Removed between list and get.
			continue
		}
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.etags[rec.XID] = etag
		s.mu.Unlock()
		records = append(records, rec)
	}
	s.logger.Debug("sessionstore.read_all", "count", len(records))
	return records, nil
}

// Load reads the document for xid.
func (s *Store) Load(ctx context.Context, xid string) (*session.GlobalRecord, error) {
	rec, _, err := s.read(ctx, ObjectKey(xid))
	return rec, err
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) write(ctx context.Context, op string, rec *session.GlobalRecord, create bool) error {
	if rec == nil || rec.XID == "" {
		return fmt.Errorf("sessionstore: %s: record without xid", op)
	}
	doc := *rec
	doc.UpdatedAtMS = s.clock.Now().UnixMilli()
	payload, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("sessionstore: %s: encode %s: %w", op, rec.XID, err)
	}
	contentType := storage.ContentTypeJSON
	if s.crypto.Enabled() {
		payload, err = s.crypto.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("sessionstore: %s: %w", op, err)
		}
		contentType = storage.ContentTypeJSONEncrypted
	}
	opts := storage.PutObjectOptions{ContentType: contentType}
	s.mu.Lock()
	etag, known := s.etags[rec.XID]
	s.mu.Unlock()
	switch {
	case create:
		opts.IfNotExists = true
	case known:
		opts.ExpectedETag = etag
	default:
		// Updates never recreate a removed document.
		etag, err = s.currentETag(ctx, ObjectKey(rec.XID))
		if err != nil {
			return fmt.Errorf("sessionstore: %s %s: %w", op, rec.XID, err)
		}
		opts.ExpectedETag = etag
	}
	info, err := s.backend.PutObject(ctx, ObjectKey(rec.XID), bytes.NewReader(payload), opts)
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			if create {
				return fmt.Errorf("sessionstore: %s: session %s already persisted: %w", op, rec.XID, err)
			}
			return fmt.Errorf("sessionstore: %s: session %s changed by another writer: %w", op, rec.XID, err)
		}
		return fmt.Errorf("sessionstore: %s %s: %w", op, rec.XID, err)
	}
	s.mu.Lock()
	if info != nil && info.ETag != "" {
		s.etags[rec.XID] = info.ETag
	} else {
		delete(s.etags, rec.XID)
	}
	s.mu.Unlock()
	s.logger.Trace("sessionstore."+op, "xid", rec.XID, "status", rec.Status, "branches", len(rec.Branches))
	return nil
}

// currentETag returns the ETag of the stored document at key.
func (s *Store) currentETag(ctx context.Context, key string) (string, error) {
	res, err := s.backend.GetObject(ctx, key)
	if err != nil {
		return "", err
	}
	_ = res.Reader.Close()
	if res.Info == nil || res.Info.ETag == "" {
		return "", fmt.Errorf("%w: %s has no etag", storage.ErrCASMismatch, key)
	}
	return res.Info.ETag, nil
}

func (s *Store) read(ctx context.Context, key string) (*session.GlobalRecord, string, error) {
	res, err := s.backend.GetObject(ctx, key)
	if err != nil {
		return nil, "", err
	}
	payload, err := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if err != nil {
		return nil, "", fmt.Errorf("sessionstore: read %s: %w", key, err)
	}
	var etag string
	if res.Info != nil {
		etag = res.Info.ETag
		if res.Info.ContentType == storage.ContentTypeJSONEncrypted {
			if !s.crypto.Enabled() {
				return nil, "", fmt.Errorf("%w: %s", ErrEncrypted, key)
			}
			payload, err = s.crypto.Decrypt(payload)
			if err != nil {
				return nil, "", fmt.Errorf("sessionstore: %s: %w", key, err)
			}
		}
	}
	var rec session.GlobalRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, "", fmt.Errorf("sessionstore: decode %s: %w", key, err)
	}
	if xid, ok := XIDFromKey(key); ok && xid != rec.XID {
		return nil, "", fmt.Errorf("sessionstore: document %s carries xid %q", key, rec.XID)
	}
	return &rec, etag, nil
}
