package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"
)

func TestKeyspace(t *testing.T) {
	keys := NewKeyspace("/cluster-a/")
	if keys.Prefix() != "cluster-a" || keys.Root() != "cluster-a/" {
		t.Fatalf("unexpected keyspace %q %q", keys.Prefix(), keys.Root())
	}
	if got := keys.Object("/sessions/10.0.0.1:8091:7.json"); got != "cluster-a/sessions/10.0.0.1:8091:7.json" {
		t.Fatalf("unexpected object %q", got)
	}
	if got, ok := keys.Logical("cluster-a/sessions/x.json"); !ok || got != "sessions/x.json" {
		t.Fatalf("unexpected logical key %q %v", got, ok)
	}
	if _, ok := keys.Logical("cluster-b/sessions/x.json"); ok {
		t.Fatal("expected object of another cluster to be rejected")
	}
	if _, ok := keys.Logical("cluster-a/"); ok {
		t.Fatal("expected bare root to be rejected")
	}

	bare := NewKeyspace("")
	if bare.Root() != "" || bare.Object("sessions/x.json") != "sessions/x.json" {
		t.Fatalf("unexpected bare keyspace %q", bare.Object("sessions/x.json"))
	}
	if got, ok := bare.Logical("sessions/x.json"); !ok || got != "sessions/x.json" {
		t.Fatalf("unexpected bare logical key %q", got)
	}
}

func TestReadDocumentEnforcesLimit(t *testing.T) {
	payload, err := ReadDocument(strings.NewReader(`{"xid":"a"}`))
	if err != nil || string(payload) != `{"xid":"a"}` {
		t.Fatalf("read document: %q %v", payload, err)
	}
	big := bytes.Repeat([]byte("x"), MaxDocumentBytes+1)
	if _, err := ReadDocument(bytes.NewReader(big)); !errors.Is(err, ErrDocumentTooLarge) {
		t.Fatalf("expected document too large, got %v", err)
	}
	exact := bytes.Repeat([]byte("x"), MaxDocumentBytes)
	if got, err := ReadDocument(bytes.NewReader(exact)); err != nil || len(got) != MaxDocumentBytes {
		t.Fatalf("expected document at the limit to pass, got %d %v", len(got), err)
	}
}

func TestDocumentConventions(t *testing.T) {
	if DocumentContentType("") != ContentTypeJSON {
		t.Fatal("expected json default")
	}
	if DocumentContentType(ContentTypeJSONEncrypted) != ContentTypeJSONEncrypted {
		t.Fatal("expected explicit content type to be kept")
	}
	if StripETag(`"abc"`) != "abc" || StripETag("abc") != "abc" {
		t.Fatal("unexpected etag normalisation")
	}
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }

func statusOf(err error) (int, bool) {
	var se statusError
	if errors.As(err, &se) {
		return int(se), true
	}
	return 0, false
}

func TestWrapRemoteClassification(t *testing.T) {
	transient := []error{
		context.DeadlineExceeded,
		syscall.ECONNRESET,
		io.ErrUnexpectedEOF,
		statusError(http.StatusServiceUnavailable),
		statusError(http.StatusTooManyRequests),
		statusError(http.StatusRequestTimeout),
	}
	for _, err := range transient {
		wrapped := WrapRemote(err, "s3: put object", statusOf)
		if !IsTransient(wrapped) {
			t.Fatalf("expected %v to be transient", err)
		}
		if !errors.Is(wrapped, err) {
			t.Fatalf("expected cause %v to be kept", err)
		}
		if !strings.HasPrefix(wrapped.Error(), "s3: put object: ") {
			t.Fatalf("unexpected message %q", wrapped)
		}
	}
	for _, err := range []error{errors.New("boom"), statusError(http.StatusForbidden), statusError(http.StatusBadRequest)} {
		if IsTransient(WrapRemote(err, "x", statusOf)) {
			t.Fatalf("expected %v to be permanent", err)
		}
	}
	if WrapRemote(nil, "x", statusOf) != nil {
		t.Fatal("expected nil passthrough")
	}
	if IsRetryable(statusError(http.StatusServiceUnavailable), nil) {
		t.Fatal("status is ignored without an extractor")
	}
}
