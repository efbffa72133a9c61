// Package correlation carries request correlation ids across the API, the
// coordinator and participant calls.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// Header is the HTTP header carrying the correlation id.
	Header = "X-Correlation-Id"
	// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
	MaxIDLength = 128
)

type contextKey struct{}

// Set returns ctx carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier.
func Generate() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// FromRequest returns the request's correlation id, generating one when the
// header is missing or invalid.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return Generate()
}
