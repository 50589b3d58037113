// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc, opts ...transportOption) *transport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return newTransport(base, "api", "secret", opts...)
}

func TestTransportBasicAuthAndBody(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "secret", pass)
		io.WriteString(w, "<status><softwareVersion>3.8</softwareVersion></status>")
	})

	_, body, err := tr.get(context.Background(), "/system/status", nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), "3.8")
}

func TestTransportErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.True(t, isAuthenticationError(err))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.True(t, isNotFound(err))
			},
		},
		{
			name:   "service unavailable",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				assert.True(t, isConnectionError(err))
			},
		},
		{
			name:   "duplicate uri",
			status: http.StatusBadRequest,
			body:   "<failureDetails><duplicateCoSpaceUri/></failureDetails>",
			check: func(t *testing.T, err error) {
				dup := asDuplicate(err)
				require.NotNil(t, dup)
				assert.Equal(t, "duplicateCoSpaceUri", dup.Field)
			},
		},
		{
			name:   "plain bad request",
			status: http.StatusBadRequest,
			body:   "<failureDetails><invalidParameter/></failureDetails>",
			check: func(t *testing.T, err error) {
				assert.Nil(t, asDuplicate(err))
				var respErr *ResponseError
				assert.ErrorAs(t, err, &respErr)
			},
		},
		{
			name:   "semantic not found in 2xx body",
			status: http.StatusOK,
			body:   "<coSpaceDoesNotExist/>",
			check: func(t *testing.T, err error) {
				assert.True(t, isNotFound(err))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, _, err := tr.get(context.Background(), "/coSpaces", nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestTransportLoginRedirectIsAuthFailure(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/web/login.html")
		w.WriteHeader(http.StatusFound)
	}, withoutRedirects())

	_, _, err := tr.get(context.Background(), "/coSpaces", nil)
	require.Error(t, err)
	assert.True(t, isAuthenticationError(err))
}

func TestTransportRetiresAfterRepeatedConnectionErrors(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < nodeRetireThreshold; i++ {
		assert.False(t, tr.retired())
		_, _, err := tr.get(context.Background(), "/coSpaces", nil)
		require.Error(t, err)
	}
	assert.True(t, tr.retired())
}

func TestDuplicateFailureField(t *testing.T) {
	field, ok := duplicateFailureField("<failureDetails><duplicateCoSpaceId/></failureDetails>")
	require.True(t, ok)
	assert.Equal(t, "duplicateCoSpaceId", field)

	_, ok = duplicateFailureField("<duplicateCoSpaceId/>")
	assert.False(t, ok)

	_, ok = duplicateFailureField("<failureDetails><invalidParameter/></failureDetails>")
	assert.False(t, ok)
}

func TestLocationID(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, "", locationID(resp))

	resp.Header.Set("Location", "/api/v1/coSpaces/22f67f91-4067-4905-a9b7-c09b297850a4")
	assert.Equal(t, "22f67f91-4067-4905-a9b7-c09b297850a4", locationID(resp))

	resp.Header.Set("Location", "/api/admin/configuration/v1/conference/123/")
	assert.Equal(t, "123", locationID(resp))
}

func TestSessionHeaderReplacesBasicAuth(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get("X-Session"))
		_, _, ok := r.BasicAuth()
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	}, withSessionHeader("X-Session"))
	tr.setSessionToken("token-1")

	_, _, err := tr.get(context.Background(), "/status", nil)
	require.NoError(t, err)
}
