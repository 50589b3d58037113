// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpointSecretKey(t *testing.T) {
	first, err := newEndpointSecretKey()
	require.NoError(t, err)
	assert.Len(t, first, endpointSecretLength)

	second, err := newEndpointSecretKey()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestNewCustomerSecretKey(t *testing.T) {
	ds := newTestDatastore()
	ctx := context.Background()

	secret, err := newCustomerSecretKey(ctx, ds, "cust-1")
	require.NoError(t, err)
	assert.Len(t, secret, customerSecretLength)

	alphabet := customerSecretLetters + customerSecretDigits
	for _, r := range secret {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected character %q", r)
	}

	// The key was claimed atomically on generation.
	err = ds.ClaimCustomerSecret(ctx, secret, "cust-2")
	require.ErrorIs(t, err, errKeyExists)

	require.NoError(t, ds.PutCustomer(ctx, &Customer{ID: "cust-1"}))
	customer, err := ds.FindCustomerBySecret(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", customer.ID)
}

func TestNewCustomerSecretKeyRetriesOnCollision(t *testing.T) {
	ds := newTestDatastore()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		secret, err := newCustomerSecretKey(ctx, ds, "cust-1")
		require.NoError(t, err)
		assert.False(t, seen[secret], "secret %s issued twice", secret)
		seen[secret] = true
	}
}

func TestNewNumericPasscode(t *testing.T) {
	for _, n := range []int{4, 6, 8} {
		code, err := newNumericPasscode(n)
		require.NoError(t, err)
		require.Len(t, code, n)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "non-digit %q in passcode", r)
		}
	}
}
