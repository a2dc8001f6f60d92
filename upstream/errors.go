// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error response from the platform API.
// Callers use errors.As to get at the status code:
//
//	var apiErr *upstream.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized { ... }
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Message is the platform's human-readable error description.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream: %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a platform 401 — a missing,
// expired, or unverified credential.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// apiErrorBody is the JSON shape of platform error responses.
type apiErrorBody struct {
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
	} `json:"error"`
}
