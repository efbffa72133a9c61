package aws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/gtxd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestNewNormalisesPrefix(t *testing.T) {
	s, err := New(Config{Bucket: "b", Region: "eu-north-1", Prefix: "/gtxd/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Config().Prefix != "gtxd" {
		t.Fatalf("unexpected prefix %q", s.Config().Prefix)
	}
	if got := s.keys.Object("/sessions/a.json"); got != "gtxd/sessions/a.json" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, ok := any(s).(storage.ChangeFeed); !ok {
		t.Fatal("expected aws store to offer a change feed")
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return http.StatusText(e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestErrorClassification(t *testing.T) {
	notFound := &smithy.GenericAPIError{Code: "NoSuchKey"}
	if !isNotFound(notFound) || !isNotFound(statusErr{http.StatusNotFound}) {
		t.Fatal("expected not found classification")
	}
	if !isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}) || !isPreconditionFailed(statusErr{http.StatusPreconditionFailed}) {
		t.Fatal("expected precondition classification")
	}
	if isPreconditionFailed(statusErr{http.StatusForbidden}) {
		t.Fatal("403 is not a precondition failure")
	}
	retryable := []error{context.DeadlineExceeded, syscall.ECONNRESET, io.ErrUnexpectedEOF, statusErr{http.StatusServiceUnavailable}, statusErr{http.StatusTooManyRequests}}
	for _, err := range retryable {
		if !isRetryable(err) {
			t.Fatalf("expected %v to be retryable", err)
		}
	}
	if isRetryable(errors.New("boom")) || isRetryable(statusErr{http.StatusBadRequest}) {
		t.Fatal("unexpected retryable classification")
	}
}
