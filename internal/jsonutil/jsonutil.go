// Package jsonutil reads size-bounded JSON request bodies and compacts
// application data before it is persisted.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// ErrEmpty is returned when a body carries no JSON value.
var ErrEmpty = errors.New("json: empty body")

// Decode compacts at most maxBytes of JSON from r and decodes it into v.
// Unknown fields are rejected. maxBytes <= 0 disables the limit.
func Decode(r io.Reader, maxBytes int64, v any) error {
	payload, err := jpact.CompactToBuffer(r, maxBytes)
	if err != nil {
		return fmt.Errorf("json: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrEmpty
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	if dec.More() {
		return errors.New("json: trailing data after value")
	}
	return nil
}

// CompactString compacts s when it holds a JSON document and returns it
// unchanged otherwise. Application data is opaque; only valid JSON is rewritten.
func CompactString(s string, maxBytes int64) (string, error) {
	if s == "" || !json.Valid([]byte(s)) {
		if maxBytes > 0 && int64(len(s)) > maxBytes {
			return "", fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := jpact.CompactWriter(&buf, bytes.NewReader([]byte(s)), maxBytes); err != nil {
		return "", fmt.Errorf("json: %w", err)
	}
	return buf.String(), nil
}
