package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Exclusive holds an advisory lock on the root for the lifetime of the
	// store so a second coordinator cannot share the directory.
	Exclusive bool
	Now       func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	tmpDir    string
	objectDir string
	now       func() time.Time

	locks    sync.Map
	rootLock *fileLock

	watchEnabled bool
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f == nil || f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

const infoSuffix = ".info.json"

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	objectDir := filepath.Join(root, "objects")
	for _, dir := range []string{tmpDir, objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:         root,
		tmpDir:       tmpDir,
		objectDir:    objectDir,
		now:          cfg.Now,
		watchEnabled: watchSupported(root),
	}
	if cfg.Exclusive {
		lock, err := s.lockRoot()
		if err != nil {
			return nil, err
		}
		s.rootLock = lock
	}
	return s, nil
}

func (s *Store) lockRoot() (*fileLock, error) {
	f, err := os.OpenFile(filepath.Join(s.root, "store.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open root lock: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: %s is in use by another process: %w", s.root, err)
	}
	return &fileLock{file: f}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Close releases the root lock when held.
func (s *Store) Close() error {
	return s.rootLock.Unlock()
}

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadObjectInfo(key, dataPath string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.loggers(ctx)
	start := time.Now()

	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		dataPath, err := s.objectDataPath(key)
		if err != nil {
			return nil, err
		}
		info, err := s.loadObjectInfo(key, dataPath)
		if errors.Is(err, storage.ErrNotFound) {
			// removed while walking
			continue
		}
		if err != nil {
			logger.Debug("disk.list_objects.load_error", "key", key, "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Trace("disk.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "elapsed", time.Since(start))
	return result, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(key, dataPath)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	// The etag mixes in the write time so rewriting identical bytes still
	// invalidates older CAS tokens.
	hasher.Write([]byte(now.UTC().Format(time.RFC3339Nano)))
	newETag := hex.EncodeToString(hasher.Sum(nil))
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := s.writeJSONAtomic(dataPath+infoSuffix, objectInfoRecord{
		ETag:          newETag,
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("disk: write object metadata %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger.Trace("disk.put_object.success", "key", key, "size", written, "etag", newETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         newETag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggers(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	tmp, err := os.CreateTemp(s.tmpDir, "gtxd-info-*")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
