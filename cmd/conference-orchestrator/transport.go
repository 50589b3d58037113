// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// HTTP transport shared by all provider clients. One transport wraps one
// reachable node: it injects basic auth or a vendor session token, enforces
// connect/read timeouts, and funnels every response through
// checkResponseErrors so callers only ever see the unified error taxonomy.

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second

	// A node is retired from the fan-out pool for the rest of the run once
	// its connection-error counter passes this threshold.
	nodeRetireThreshold = 5
)

// transport executes HTTP requests against one provider node.
type transport struct {
	baseURL *url.URL

	username string
	password string

	// Session token support for dialects that trade credentials for a
	// short-lived token (Poly device session, Cisco CE cookie).
	sessionHeader string
	sessionToken  string

	client      *http.Client
	noRedirects bool

	// Failure counters feeding node retirement. serviceUnavailable counts
	// 503 responses separately from raw connection failures.
	connectionErrors   atomic.Int64
	serviceUnavailable atomic.Int64
}

// transportOption is a functional option for configuring a transport.
type transportOption func(*transport)

// withReadTimeout overrides the default per-request read timeout.
func withReadTimeout(d time.Duration) transportOption {
	return func(t *transport) { t.client.Timeout = d }
}

// withoutRedirects disables following redirects, so login redirects are
// observed (and classified as authentication failures) instead of chased.
func withoutRedirects() transportOption {
	return func(t *transport) {
		t.noRedirects = true
		t.client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
}

// withInsecureTLS skips certificate verification, for lab clusters with
// self-signed certificates.
func withInsecureTLS() transportOption {
	return func(t *transport) {
		tr := t.client.Transport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		t.client.Transport = tr
	}
}

// withSessionHeader switches auth from basic credentials to a token carried
// in the named header.
func withSessionHeader(header string) transportOption {
	return func(t *transport) { t.sessionHeader = header }
}

// newTransport creates a transport for one node base URL.
func newTransport(baseURL *url.URL, username, password string, opts ...transportOption) *transport {
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	t := &transport{
		baseURL:  baseURL,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: defaultReadTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: defaultConnectTimeout,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// setSessionToken installs a vendor session token for subsequent requests.
func (t *transport) setSessionToken(token string) {
	t.sessionToken = token
}

// urlFor joins a request path onto the node base URL.
func (t *transport) urlFor(path string) string {
	u := *t.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String()
}

func (t *transport) get(ctx context.Context, path string, query url.Values) (*http.Response, []byte, error) {
	p := path
	if len(query) > 0 {
		p = path + "?" + query.Encode()
	}
	return t.do(ctx, http.MethodGet, p, nil, "")
}

func (t *transport) post(ctx context.Context, path string, body []byte, contentType string) (*http.Response, []byte, error) {
	return t.do(ctx, http.MethodPost, path, body, contentType)
}

func (t *transport) put(ctx context.Context, path string, body []byte, contentType string) (*http.Response, []byte, error) {
	return t.do(ctx, http.MethodPut, path, body, contentType)
}

func (t *transport) patch(ctx context.Context, path string, body []byte, contentType string) (*http.Response, []byte, error) {
	return t.do(ctx, http.MethodPatch, path, body, contentType)
}

func (t *transport) delete(ctx context.Context, path string) (*http.Response, []byte, error) {
	return t.do(ctx, http.MethodDelete, path, nil, "")
}

// do executes a single request and returns the response together with the
// fully-read body. The response body is always closed before returning.
func (t *transport) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.urlFor(path), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.sessionHeader != "" && t.sessionToken != "" {
		req.Header.Set(t.sessionHeader, t.sessionToken)
	} else if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, t.classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.connectionErrors.Add(1)
		return resp, nil, &ResponseConnectionError{Message: err.Error()}
	}

	if err := t.checkResponseErrors(resp, data); err != nil {
		return resp, data, err
	}
	return resp, data, nil
}

// classifyTransportError maps a request-level failure (no response at all)
// into the error taxonomy.
func (t *transport) classifyTransportError(err error) error {
	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &authErr) {
		return &InvalidSSLError{Message: err.Error()}
	}

	t.connectionErrors.Add(1)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &ResponseConnectionError{Message: "request deadline exceeded"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ResponseConnectionError{Message: "request timed out"}
	}
	return &ResponseConnectionError{Message: err.Error()}
}

// checkResponseErrors classifies a received response. It also detects
// semantic not-found bodies that some dialects return with a 2xx status.
func (t *transport) checkResponseErrors(resp *http.Response, body []byte) error {
	text := string(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{Message: "credentials rejected", StatusCode: resp.StatusCode}
	case t.noRedirects && isLoginRedirect(resp):
		return &AuthenticationError{Message: "redirected to login", StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Message: resp.Request.URL.Path}
	case resp.StatusCode == http.StatusServiceUnavailable:
		t.connectionErrors.Add(1)
		t.serviceUnavailable.Add(1)
		return &ResponseConnectionError{Message: "service unavailable", StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest:
		if field, ok := duplicateFailureField(text); ok {
			return &DuplicateError{Message: text, Field: field}
		}
		return &ResponseError{Message: "bad request", StatusCode: resp.StatusCode, Body: text}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if hasSemanticNotFound(text) {
			return &NotFoundError{Message: "object does not exist"}
		}
		return nil
	default:
		return &ResponseError{
			Message:    http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       text,
		}
	}
}

// retired reports whether this node has failed often enough to be dropped
// from fan-out pools for the rest of the run.
func (t *transport) retired() bool {
	return t.connectionErrors.Load() >= nodeRetireThreshold
}

// isLoginRedirect detects a redirect that points at a login page, which the
// CMS web admin emits instead of a 401 when a session has expired.
func isLoginRedirect(resp *http.Response) bool {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return false
	}
	loc := resp.Header.Get("Location")
	return strings.Contains(strings.ToLower(loc), "login")
}

// duplicateFailureField extracts the vendor conflict tag from a CMS
// <failureDetails> body, e.g. <failureDetails><duplicateCoSpaceUri/></failureDetails>.
func duplicateFailureField(body string) (string, bool) {
	if !strings.Contains(body, "<failureDetails>") {
		return "", false
	}
	idx := strings.Index(body, "<duplicate")
	if idx < 0 {
		return "", false
	}
	rest := body[idx+1:]
	end := strings.IndexAny(rest, "/> ")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// hasSemanticNotFound detects not-found markers that CMS reports inside a
// 2xx body.
func hasSemanticNotFound(body string) bool {
	if strings.Contains(body, "<unrecognisedObject") {
		return true
	}
	// e.g. <coSpaceDoesNotExist/>, <accessMethodDoesNotExist/>
	return strings.Contains(body, "DoesNotExist")
}

// locationID extracts the new-object id from a Location response header,
// which both CMS and Pexip return on creation.
func locationID(resp *http.Response) string {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return ""
	}
	loc = strings.TrimSuffix(loc, "/")
	if idx := strings.LastIndex(loc, "/"); idx >= 0 {
		return loc[idx+1:]
	}
	return loc
}
