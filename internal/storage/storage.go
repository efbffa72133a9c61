package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types used for session documents.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.gtxd+json-encrypted"
)

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent change.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates an optional capability is unavailable.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend is the object storage contract used by the session store. Keys are
// slash separated and relative to the backend root or prefix.
type Backend interface {
	// GetObject fetches key. Callers must close the returned reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes key, applying conditional semantics when
	// opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, optionally enforcing a matching ETag.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates keys under opts.Prefix in ascending lexical order.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// ObjectInfo captures object metadata.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult pairs an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// ChangeSubscription receives a signal whenever objects under the subscribed
// prefix change. Signals coalesce.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is implemented by backends that can notify about object changes.
type ChangeFeed interface {
	SubscribeChanges(prefix string) (ChangeSubscription, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ListAll pages through ListObjects until every object under prefix was seen.
func ListAll(ctx context.Context, backend Backend, prefix string) ([]ObjectInfo, error) {
	var (
		out   []ObjectInfo
		after string
	)
	for {
		res, err := backend.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: after})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.Truncated || res.NextStartAfter == "" || res.NextStartAfter == after {
			return out, nil
		}
		after = res.NextStartAfter
	}
}
