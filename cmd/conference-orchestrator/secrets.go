// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Opaque identity generation: endpoint event secret keys, customer secret
// keys, and numeric passcodes.

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/akamensky/base58"
	"github.com/sethvargo/go-password/password"
)

const (
	endpointSecretLength = 32

	// Customer secret keys are short, hand-typable tokens drawn from an
	// alphabet with no look-alike characters.
	customerSecretLength  = 7
	customerSecretRetries = 50

	customerSecretLetters = "qertyuasdfghjkzxcbm"
	customerSecretDigits  = "23456789"
)

// newEndpointSecretKey generates the opaque 32-char token that
// authenticates a passive endpoint on the /tms/ surface.
func newEndpointSecretKey() (string, error) {
	// 28 random bytes base58-encode to at least 32 characters.
	raw := make([]byte, 28)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	encoded := base58.Encode(raw)
	if len(encoded) < endpointSecretLength {
		return "", fmt.Errorf("short base58 encoding: %d chars", len(encoded))
	}
	return encoded[:endpointSecretLength], nil
}

// newCustomerSecretKey generates and atomically claims a unique customer
// secret key, retrying on collision.
func newCustomerSecretKey(ctx context.Context, ds *Datastore, customerID string) (string, error) {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: customerSecretLetters,
		UpperLetters: "",
		Digits:       customerSecretDigits,
		Symbols:      "",
	})
	if err != nil {
		return "", fmt.Errorf("failed to build secret generator: %w", err)
	}

	for attempt := 0; attempt < customerSecretRetries; attempt++ {
		secret, err := gen.Generate(customerSecretLength, 2, 0, true, true)
		if err != nil {
			return "", fmt.Errorf("failed to generate customer secret: %w", err)
		}
		if claimErr := ds.ClaimCustomerSecret(ctx, secret, customerID); claimErr == nil {
			return secret, nil
		}
	}
	return "", fmt.Errorf("failed to find a free customer secret after %d attempts", customerSecretRetries)
}

// newNumericPasscode generates an n-digit passcode.
func newNumericPasscode(n int) (string, error) {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: "",
		UpperLetters: "",
		Digits:       "0123456789",
		Symbols:      "",
	})
	if err != nil {
		return "", fmt.Errorf("failed to build passcode generator: %w", err)
	}
	return gen.Generate(n, n, 0, true, true)
}
