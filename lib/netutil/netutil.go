// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP response body helpers. All reads are
// bounded at MaxResponseSize so a misbehaving upstream cannot exhaust
// memory. These helpers are for JSON API responses; the SSE stream and
// the upstream WebSocket are read incrementally elsewhere.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads: 32 MB. The
// platform's largest legitimate responses (paginated friend lists) are
// a few hundred kilobytes; the limit only guards against pathology.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll for HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (bounded) and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored — a partial body is still useful in an error.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
