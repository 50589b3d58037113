// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultipleResponseErrorMessage(t *testing.T) {
	err := &MultipleResponseError{Items: map[string]error{
		"cospace-1": &NotFoundError{Message: "cospace-1"},
		"cospace-2": &ResponseConnectionError{Message: "reset"},
	}}
	msg := err.Error()
	assert.Contains(t, msg, "cospace-1")
	assert.Contains(t, msg, "cospace-2")

	// An empty batch error still renders without blowing up.
	assert.NotEmpty(t, (&MultipleResponseError{}).Error())
}

func TestErrorKindHelpers(t *testing.T) {
	wrapped := fmt.Errorf("walk failed: %w", &NotFoundError{Message: "u-1"})
	assert.True(t, isNotFound(wrapped))
	assert.False(t, isNotFound(&ResponseError{StatusCode: 500}))

	assert.True(t, isConnectionError(&ResponseConnectionError{Message: "timeout"}))
	assert.True(t, isAuthenticationError(&AuthenticationError{Message: "rejected"}))

	dup := asDuplicate(fmt.Errorf("create: %w", &DuplicateError{Field: "duplicateCoSpaceUri"}))
	assert.NotNil(t, dup)
	assert.Equal(t, "duplicateCoSpaceUri", dup.Field)
	assert.Nil(t, asDuplicate(&NotFoundError{}))
}
