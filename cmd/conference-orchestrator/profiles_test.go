// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryProfileHooks backs profile commits with an in-memory profile store.
type memoryProfileHooks struct {
	nextID   int
	profiles map[string]map[string]string
	removed  []string
}

func newMemoryProfileHooks() *memoryProfileHooks {
	return &memoryProfileHooks{profiles: make(map[string]map[string]string)}
}

func (h *memoryProfileHooks) hooks() profileHooks {
	return profileHooks{
		create: func(_ context.Context, _ ProfileKind, values map[string]string) (string, error) {
			h.nextID++
			id := fmt.Sprintf("p-%d", h.nextID)
			h.profiles[id] = values
			return id, nil
		},
		update: func(_ context.Context, _ ProfileKind, id string, values map[string]string) error {
			if _, ok := h.profiles[id]; !ok {
				return &NotFoundError{Message: id}
			}
			h.profiles[id] = values
			return nil
		},
		remove: func(_ context.Context, _ ProfileKind, id string) error {
			if _, ok := h.profiles[id]; !ok {
				return &NotFoundError{Message: id}
			}
			delete(h.profiles, id)
			h.removed = append(h.removed, id)
			return nil
		},
		fetch: func(_ context.Context, _ ProfileKind, id string) (map[string]string, error) {
			values, ok := h.profiles[id]
			if !ok {
				return nil, &NotFoundError{Message: id}
			}
			return values, nil
		},
	}
}

func TestProfileCommitMergesByPriority(t *testing.T) {
	store := newMemoryProfileHooks()
	p := &SettingsProfile{Kind: ProfileCall, TargetType: TargetCoSpace, TargetID: "cs-1", hooks: store.hooks()}
	p.SetFragment("chat", 10, map[string]string{"messageBoardEnabled": "false", "defaultLayout": "speakerOnly"})
	p.SetFragment("layout", 30, map[string]string{"defaultLayout": "allEqual"})

	id, err := p.Commit(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The higher-priority layout fragment overrides the chat default.
	assert.Equal(t, map[string]string{
		"messageBoardEnabled": "false",
		"defaultLayout":       "allEqual",
	}, store.profiles[id])
}

func TestProfileCommitEqualPrioritiesOrderByComponent(t *testing.T) {
	store := newMemoryProfileHooks()
	p := &SettingsProfile{Kind: ProfileCall, TargetType: TargetCoSpace, TargetID: "cs-1", hooks: store.hooks()}
	p.SetFragment("alpha", 10, map[string]string{"key": "from-alpha"})
	p.SetFragment("beta", 10, map[string]string{"key": "from-beta"})

	id, err := p.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-beta", store.profiles[id]["key"])
}

func TestProfileExtendParentAtFloorPriority(t *testing.T) {
	store := newMemoryProfileHooks()
	store.profiles["parent-1"] = map[string]string{"needsActivation": "true", "defaultLayout": "telepresence"}

	p := &SettingsProfile{Kind: ProfileCallLeg, TargetType: TargetAccessMethod, TargetID: "am-1", hooks: store.hooks()}
	p.Extend("parent-1")
	p.SetFragment("moderator", 20, map[string]string{"needsActivation": "false"})

	id, err := p.Commit(context.Background())
	require.NoError(t, err)

	// The parent sits at the extend floor, so it wins over local fragments.
	assert.Equal(t, map[string]string{
		"needsActivation": "true",
		"defaultLayout":   "telepresence",
	}, store.profiles[id])
}

func TestProfileCommitEmptyDeletesRemote(t *testing.T) {
	store := newMemoryProfileHooks()
	p := &SettingsProfile{Kind: ProfileCall, TargetType: TargetCoSpace, TargetID: "cs-1", hooks: store.hooks()}
	p.SetFragment("chat", 10, map[string]string{"messageBoardEnabled": "false"})

	id, err := p.Commit(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p.RemoveFragment("chat")
	id, err = p.Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, p.ProfileID)
	assert.Contains(t, store.removed, "p-1")

	// Committing an empty profile that never existed is a no-op.
	id, err = p.Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestProfileCommitRecreatesAfterRemoteLoss(t *testing.T) {
	store := newMemoryProfileHooks()
	p := &SettingsProfile{Kind: ProfileCall, TargetType: TargetCoSpace, TargetID: "cs-1", hooks: store.hooks()}
	p.SetFragment("chat", 10, map[string]string{"messageBoardEnabled": "false"})

	first, err := p.Commit(context.Background())
	require.NoError(t, err)

	// Someone deleted the profile out from under us.
	delete(store.profiles, first)

	second, err := p.Commit(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, p.ProfileID)
	assert.Contains(t, store.profiles, second)
}

func TestProfileManagerLoadStoreRebind(t *testing.T) {
	ds := newTestDatastore()
	store := newMemoryProfileHooks()
	manager := newSettingsProfileManager(ds, "cl-1", store.hooks())
	ctx := context.Background()

	p, err := manager.Load(ctx, TargetCoSpace, "provisional", ProfileCall)
	require.NoError(t, err)
	assert.Empty(t, p.Fragments)

	p.SetFragment("chat", 10, map[string]string{"messageBoardEnabled": "false"})
	p.ProfileID = "p-9"
	require.NoError(t, manager.Store(ctx, p))

	loaded, err := manager.Load(ctx, TargetCoSpace, "provisional", ProfileCall)
	require.NoError(t, err)
	assert.Equal(t, "p-9", loaded.ProfileID)
	assert.Equal(t, "false", loaded.Fragments["chat"].Values["messageBoardEnabled"])

	// Rebind moves the record to the server-assigned target id.
	require.NoError(t, manager.Rebind(ctx, loaded, "cs-real"))
	assert.False(t, ds.mappings.(*memBucket).has(manager.key(TargetCoSpace, "provisional", ProfileCall)))

	rebound, err := manager.Load(ctx, TargetCoSpace, "cs-real", ProfileCall)
	require.NoError(t, err)
	assert.Equal(t, "p-9", rebound.ProfileID)

	require.NoError(t, manager.Drop(ctx, TargetCoSpace, "cs-real", ProfileCall))
	require.NoError(t, manager.Drop(ctx, TargetCoSpace, "cs-real", ProfileCall))
	fresh, err := manager.Load(ctx, TargetCoSpace, "cs-real", ProfileCall)
	require.NoError(t, err)
	assert.Empty(t, fresh.ProfileID)
}
