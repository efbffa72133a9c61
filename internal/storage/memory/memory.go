package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pkt.systems/gtxd/internal/storage"
)

// Store implements storage.Backend in memory; intended for tests, local dev
// and store.mode=memory.
type Store struct {
	mu         sync.RWMutex
	objs       map[string]*objectEntry
	sortedKeys []string

	watchMu  sync.Mutex
	watchers map[*subscription]struct{}
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		objs:     make(map[string]*objectEntry),
		watchers: make(map[*subscription]struct{}),
	}
}

// Close drops every subscription. Objects stay readable.
func (s *Store) Close() error {
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys
	startIdx := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" {
		if idx := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter }); idx > startIdx {
			startIdx = idx
		}
	}
	result := &storage.ListResult{}
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		entry := s.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		},
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	etag := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC()
	s.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: opts.ContentType,
		updated:     now,
	}
	if !exists {
		s.insertKeyLocked(key)
	}
	s.mu.Unlock()

	s.notify(key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	entry, exists := s.objs[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	s.mu.Unlock()

	s.notify(key)
	return nil
}

// SubscribeChanges implements storage.ChangeFeed.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	sub := &subscription{
		store:  s,
		prefix: prefix,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers {
		if strings.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	delete(s.watchers, sub)
	s.watchMu.Unlock()
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}

type subscription struct {
	store  *Store
	prefix string
	events chan struct{}
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.store.removeSubscription(s)
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}
