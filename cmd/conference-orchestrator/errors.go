// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Unified error taxonomy shared by every provider client. The transport
// layer classifies raw HTTP outcomes into these kinds; callers branch on
// them with errors.As and never on status codes or vendor body fragments.

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// AuthenticationError is a 401, a login redirect, or rejected credentials.
type AuthenticationError struct {
	Message    string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// NotFoundError is a 404 or a semantic not-found body returned with a 2xx
// status (e.g. CMS <unrecognisedObject/>).
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

// DuplicateError is a vendor duplicate-identity rejection. Field carries the
// vendor's conflict tag (e.g. "duplicateCoSpaceUri", "duplicateCoSpaceId")
// so the caller can retry with the next candidate identity.
type DuplicateError struct {
	Message string
	Field   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s: %s", e.Field, e.Message)
}

// ResponseConnectionError is a 503, a timeout, a connection reset, or a
// propagated request deadline. Recoverable by retry or node failover.
type ResponseConnectionError struct {
	Message    string
	StatusCode int
}

func (e *ResponseConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", e.Message)
}

// InvalidSSLError is a TLS handshake or certificate verification failure.
type InvalidSSLError struct {
	Message string
}

func (e *InvalidSSLError) Error() string {
	return fmt.Sprintf("invalid TLS connection: %s", e.Message)
}

// ResponseError is any remaining unclassified non-2xx response.
type ResponseError struct {
	Message    string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected response %d: %s", e.StatusCode, e.Message)
}

// MultipleResponseError aggregates per-item outcomes of a batch with mixed
// results. Items maps an item identifier to the error it produced.
type MultipleResponseError struct {
	Items map[string]error
}

func (e *MultipleResponseError) Error() string {
	if len(e.Items) == 0 {
		return "multiple response errors: none recorded"
	}
	agg := &multierror.Error{}
	for id, err := range e.Items {
		agg = multierror.Append(agg, fmt.Errorf("%s: %w", id, err))
	}
	return agg.Error()
}

// InvalidDataError is a caller-side validation failure with a field map.
type InvalidDataError struct {
	Message string
	Fields  map[string]string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("invalid data: %s %v", e.Message, e.Fields)
}

// InvalidKeyError is a wrong customer or endpoint secret; surfaced as 403.
type InvalidKeyError struct {
	Message string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key: %s", e.Message)
}

func isNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func isConnectionError(err error) bool {
	var ce *ResponseConnectionError
	return errors.As(err, &ce)
}

func isAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// asDuplicate returns the DuplicateError wrapped in err, or nil.
func asDuplicate(err error) *DuplicateError {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de
	}
	return nil
}
