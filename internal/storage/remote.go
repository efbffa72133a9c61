package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

// MaxDocumentBytes bounds a single session document. A global session with
// thousands of branches stays well below it.
const MaxDocumentBytes = 8 << 20

// ErrDocumentTooLarge is returned when a payload exceeds MaxDocumentBytes.
var ErrDocumentTooLarge = errors.New("storage: document too large")

// Keyspace maps logical keys onto object names below an optional root prefix
// shared by every session document of one coordinator cluster.
type Keyspace struct {
	root string
}

// NewKeyspace trims surrounding slashes from prefix.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace{root: strings.Trim(prefix, "/")}
}

// Prefix returns the configured prefix without trailing slash.
func (k Keyspace) Prefix() string { return k.root }

// Root returns the object name prefix every key lives under, "" or "root/".
func (k Keyspace) Root() string {
	if k.root == "" {
		return ""
	}
	return k.root + "/"
}

// Object maps a logical key to its object name.
func (k Keyspace) Object(key string) string {
	key = strings.TrimPrefix(key, "/")
	if k.root == "" {
		return key
	}
	return path.Join(k.root, key)
}

// Logical maps an object name back to its logical key. It reports false for
// names outside the root.
func (k Keyspace) Logical(object string) (string, bool) {
	root := k.Root()
	if root != "" && !strings.HasPrefix(object, root) {
		return "", false
	}
	key := strings.TrimPrefix(object, root)
	return key, key != ""
}

// ReadDocument buffers a session document so remote clients can send it with
// a known length and without multipart uploads.
func ReadDocument(body io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(body, MaxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxDocumentBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, MaxDocumentBytes)
	}
	return payload, nil
}

// DocumentContentType defaults empty content types to JSON.
func DocumentContentType(contentType string) string {
	if contentType == "" {
		return ContentTypeJSON
	}
	return contentType
}

// StripETag removes the quotes object stores put around entity tags.
func StripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// LoggerFromContext returns the context logger or a no-op logger.
func LoggerFromContext(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

// DefaultTransport clones http.DefaultTransport with pooled connections sized
// for a coordinator writing many small documents.
func DefaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// RetryableStatus reports whether an HTTP status from an object store is
// worth retrying.
func RetryableStatus(status int) bool {
	if status >= http.StatusInternalServerError {
		return true
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

// IsConnectionError reports dropped or refused connections.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return IsConnectionError(opErr.Err)
	}
	return false
}

// IsRetryable classifies err using the transport level checks plus status,
// which extracts the HTTP status a provider SDK attached to err.
func IsRetryable(err error, status func(error) (int, bool)) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	if status != nil {
		if code, ok := status(err); ok {
			return RetryableStatus(code)
		}
	}
	return false
}

// WrapRemote prefixes err with msg and marks it transient when IsRetryable
// says so.
func WrapRemote(err error, msg string, status func(error) (int, bool)) error {
	if err == nil {
		return nil
	}
	retryable := IsRetryable(err, status)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return NewTransientError(err)
	}
	return err
}
