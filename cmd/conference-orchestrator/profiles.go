// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Composable settings-profile lifecycle. A profile is a set of named policy
// fragments with priorities; commit merges them in ascending priority
// (higher priorities override lower) and reconciles the result against the
// remote cluster: create when new, update in place, delete when the merged
// result is empty, recreate on 404.
//
// The remote operations are function values carried on the descriptor, not
// methods on a provider type, so the profile logic stays independent of the
// dialect that owns the remote object.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ProfileKind distinguishes call-level from per-leg policy records.
type ProfileKind string

// Profile kinds.
const (
	ProfileCall    ProfileKind = "callProfile"
	ProfileCallLeg ProfileKind = "callLegProfile"
)

// Profile target types.
const (
	TargetCoSpace      = "cospace"
	TargetAccessMethod = "accessmethod"
)

// extendPriority is the floor priority an extended parent's fragment is
// inserted at, so local fragments can still override it.
const extendPriority = 1000

// profileFragment is one named policy fragment.
type profileFragment struct {
	Priority int               `json:"priority"`
	Values   map[string]string `json:"values"`
}

// profileHooks are the remote operations a profile needs. All four must be
// set before Commit.
type profileHooks struct {
	create func(ctx context.Context, kind ProfileKind, values map[string]string) (string, error)
	update func(ctx context.Context, kind ProfileKind, id string, values map[string]string) error
	remove func(ctx context.Context, kind ProfileKind, id string) error
	fetch  func(ctx context.Context, kind ProfileKind, id string) (map[string]string, error)
}

// SettingsProfile is one composable policy record bound to a target.
// The (cluster, target type, target id, kind) quadruple is unique.
type SettingsProfile struct {
	Kind       ProfileKind                `json:"kind"`
	TargetType string                     `json:"target_type"`
	TargetID   string                     `json:"target_id"`
	ProfileID  string                     `json:"profile_id,omitempty"`
	Fragments  map[string]profileFragment `json:"fragments,omitempty"`

	// ExtendParent composes another profile's current values at the
	// extendPriority floor during commit.
	ExtendParent string `json:"extend_parent,omitempty"`

	hooks profileHooks
}

// SetFragment installs (or replaces) a named fragment.
func (p *SettingsProfile) SetFragment(component string, priority int, values map[string]string) {
	if p.Fragments == nil {
		p.Fragments = make(map[string]profileFragment)
	}
	p.Fragments[component] = profileFragment{Priority: priority, Values: values}
}

// RemoveFragment drops a named fragment, leaving other fragments intact.
func (p *SettingsProfile) RemoveFragment(component string) {
	delete(p.Fragments, component)
}

// Extend records a parent profile whose current values are merged in at the
// extendPriority floor on the next commit.
func (p *SettingsProfile) Extend(parentProfileID string) {
	p.ExtendParent = parentProfileID
}

// merged composes all fragments by ascending priority; keys of later
// (higher-priority) fragments win. Equal priorities compose in component
// name order for determinism.
func (p *SettingsProfile) merged(ctx context.Context) (map[string]string, error) {
	type entry struct {
		component string
		fragment  profileFragment
	}
	entries := make([]entry, 0, len(p.Fragments)+1)
	for component, fragment := range p.Fragments {
		entries = append(entries, entry{component, fragment})
	}

	if p.ExtendParent != "" {
		if p.hooks.fetch == nil {
			return nil, fmt.Errorf("profile extends %s but has no fetch hook", p.ExtendParent)
		}
		parentValues, err := p.hooks.fetch(ctx, p.Kind, p.ExtendParent)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch parent profile %s: %w", p.ExtendParent, err)
		}
		entries = append(entries, entry{"extends", profileFragment{Priority: extendPriority, Values: parentValues}})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].fragment.Priority != entries[j].fragment.Priority {
			return entries[i].fragment.Priority < entries[j].fragment.Priority
		}
		return entries[i].component < entries[j].component
	})

	result := make(map[string]string)
	for _, e := range entries {
		for k, v := range e.fragment.Values {
			result[k] = v
		}
	}
	return result, nil
}

// Commit reconciles the composed result against the remote cluster and
// returns the resulting profile id ("" when the profile was deleted or
// never needed).
func (p *SettingsProfile) Commit(ctx context.Context) (string, error) {
	values, err := p.merged(ctx)
	if err != nil {
		return "", err
	}

	// Empty composition: the remote profile must not exist.
	if len(values) == 0 {
		if p.ProfileID != "" {
			if err := p.hooks.remove(ctx, p.Kind, p.ProfileID); err != nil && !isNotFound(err) {
				return "", fmt.Errorf("failed to delete profile %s: %w", p.ProfileID, err)
			}
			p.ProfileID = ""
		}
		return "", nil
	}

	if p.ProfileID != "" {
		err := p.hooks.update(ctx, p.Kind, p.ProfileID, values)
		if err == nil {
			return p.ProfileID, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("failed to update profile %s: %w", p.ProfileID, err)
		}
		// The remote profile vanished; fall through to a fresh create.
		p.ProfileID = ""
	}

	id, err := p.hooks.create(ctx, p.Kind, values)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p.Kind, err)
	}
	p.ProfileID = id
	return id, nil
}

// settingsProfileManager persists profile descriptors in the mappings
// bucket, keyed by the unique target quadruple, and wires remote hooks in.
type settingsProfileManager struct {
	ds        *Datastore
	clusterID string
	hooks     profileHooks
}

func newSettingsProfileManager(ds *Datastore, clusterID string, hooks profileHooks) *settingsProfileManager {
	return &settingsProfileManager{ds: ds, clusterID: clusterID, hooks: hooks}
}

func (m *settingsProfileManager) key(targetType, targetID string, kind ProfileKind) string {
	return "profile." + m.clusterID + "." + targetType + "." + targetID + "." + string(kind)
}

// Load returns the persisted profile for a target, or a fresh descriptor
// when none exists yet.
func (m *settingsProfileManager) Load(ctx context.Context, targetType, targetID string, kind ProfileKind) (*SettingsProfile, error) {
	p := &SettingsProfile{
		Kind:       kind,
		TargetType: targetType,
		TargetID:   targetID,
		hooks:      m.hooks,
	}
	data, err := m.ds.mappings.Get(ctx, m.key(targetType, targetID, kind))
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return p, nil
		}
		return nil, err
	}
	if err := decodeRow(data, p); err != nil {
		return nil, err
	}
	p.hooks = m.hooks
	return p, nil
}

// Store persists a profile descriptor.
func (m *settingsProfileManager) Store(ctx context.Context, p *SettingsProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return m.ds.mappings.Put(ctx, m.key(p.TargetType, p.TargetID, p.Kind), data)
}

// Rebind moves a profile created against a provisional target id to the
// concrete id assigned by the server, preserving the descriptor.
func (m *settingsProfileManager) Rebind(ctx context.Context, p *SettingsProfile, targetID string) error {
	if p.TargetID == targetID {
		return nil
	}
	old := m.key(p.TargetType, p.TargetID, p.Kind)
	p.TargetID = targetID
	if err := m.Store(ctx, p); err != nil {
		return err
	}
	if err := m.ds.mappings.Delete(ctx, old); err != nil && !errors.Is(err, errKeyNotFound) {
		return err
	}
	return nil
}

// Drop removes a profile descriptor after its remote object was deleted.
func (m *settingsProfileManager) Drop(ctx context.Context, targetType, targetID string, kind ProfileKind) error {
	err := m.ds.mappings.Delete(ctx, m.key(targetType, targetID, kind))
	if errors.Is(err, errKeyNotFound) {
		return nil
	}
	return err
}
