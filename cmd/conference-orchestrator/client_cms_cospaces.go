// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// CoSpace booking against a CMS cluster: call-id allocation, profile
// composition, create/update with duplicate retries, moderator access
// method, and webinar demotion.

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// duplicateRetryBudget bounds sequential uri/call-id retries when the
// server reports a collision that the local reservation map missed.
const duplicateRetryBudget = 10

// moderatorAccessMethodName names the access method that carries host
// credentials on a booked cospace.
const moderatorAccessMethodName = "Moderator"

// Fragment component names used by the booking flow. Removal by name must
// stay stable across releases, so these are constants.
const (
	fragmentChat       = "chat"
	fragmentEncryption = "encryption"
	fragmentWebinar    = "webinar"
	fragmentLobby      = "lobby"
	fragmentLayout     = "layout"
)

// BookCoSpaceRequest carries the meeting fields a booking needs.
type BookCoSpaceRequest struct {
	MeetingID string

	Title      string
	Password   string
	Layout     string
	CreatorJID string
	TenantID   string

	// Requested dial identity. Empty call-id draws from the cluster range.
	URI             string
	RequestedCallID string

	// ExistingCoSpaceID switches to an in-place update (rebook).
	ExistingCoSpaceID string

	// RegenerateSecret asks the server for a fresh cospace secret on update.
	RegenerateSecret bool

	ModeratorPassword string
	LobbyPin          string
	ModeratorLayout   string

	IsWebinar       bool
	DisableChat     bool
	ForceEncryption bool

	// DialOuts are placed automatically when the meeting starts, on
	// dialects that support automatic participants.
	DialOuts []DialOut

	// ExistingRef marks a reference to a static room: the cospace is not
	// flagged as scheduled.
	ExistingRef bool
}

// BookResult mirrors server truth after a successful booking.
type BookResult struct {
	CoSpace               *CoSpace
	ModeratorAccessMethod *AccessMethod
}

// moderatorPasscode picks the effective moderator passcode.
func (r *BookCoSpaceRequest) moderatorPasscode() string {
	if r.ModeratorPassword != "" {
		return r.ModeratorPassword
	}
	return r.LobbyPin
}

// wantsModerator reports whether a moderator access method must exist.
func (r *BookCoSpaceRequest) wantsModerator() bool {
	return r.IsWebinar || r.moderatorPasscode() != ""
}

// BookCoSpace creates or updates the cospace for a meeting and returns the
// resulting server state.
func (c *cmsClient) BookCoSpace(ctx context.Context, req *BookCoSpaceRequest) (*BookResult, error) {
	opts := c.cluster.Options

	callID := req.RequestedCallID
	if callID == "" {
		allocated, err := c.ds.AllocateCallID(ctx, c.cluster.ID, opts.ScheduledRoomRange, opts.RandomCallID, req.MeetingID)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate call-id: %w", err)
		}
		callID = allocated
	}

	// Profiles are bound to the cospace id when one exists, to the meeting
	// id otherwise, and rebound after the server assigns the real id.
	profileTarget := req.ExistingCoSpaceID
	if profileTarget == "" {
		profileTarget = req.MeetingID
	}
	callProfileID, callLegProfileID, err := c.composeCoSpaceProfiles(ctx, profileTarget, req)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("name", req.Title)
	if req.URI != "" {
		params.Set("uri", req.URI)
		// The numeric id stays dialable alongside the requested uri.
		params.Set("secondaryUri", callID)
	}
	params.Set("callId", callID)
	if req.Password != "" {
		params.Set("passcode", req.Password)
	}
	if req.CreatorJID != "" {
		params.Set("ownerJid", req.CreatorJID)
	}
	if req.TenantID != "" {
		params.Set("tenant", req.TenantID)
	}
	if callProfileID != "" {
		params.Set("callProfile", callProfileID)
	}
	if callLegProfileID != "" {
		params.Set("callLegProfile", callLegProfileID)
	}
	if req.RegenerateSecret {
		params.Set("regenerateSecret", "true")
	}

	coSpaceID := req.ExistingCoSpaceID
	if coSpaceID != "" {
		err := c.modifyCoSpace(ctx, coSpaceID, params)
		if err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to update coSpace %s: %w", coSpaceID, err)
			}
			// The remote cospace vanished; fall through to a fresh create.
			coSpaceID = ""
		}
	}
	if coSpaceID == "" {
		created, createErr := c.createCoSpaceWithRetries(ctx, params, req.MeetingID)
		if createErr != nil {
			c.ds.ReleaseCallID(ctx, c.cluster.ID, callID)
			return nil, createErr
		}
		coSpaceID = created
	}

	if err := c.rebindCoSpaceProfiles(ctx, profileTarget, coSpaceID); err != nil {
		return nil, err
	}

	result := &BookResult{}
	if req.wantsModerator() {
		method, modErr := c.ensureModeratorAccessMethod(ctx, coSpaceID, req)
		if modErr != nil {
			return nil, modErr
		}
		result.ModeratorAccessMethod = method
	}

	wire, err := c.getCoSpaceRaw(ctx, coSpaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read coSpace %s: %w", coSpaceID, err)
	}
	cospace := wire.toCoSpace(c.cluster.ID)
	cospace.Scheduled = !req.ExistingRef
	cospace.LastSyncedFull = time.Now().UTC()
	// A server-chosen call-id alongside a requested uri lands in the
	// secondary slot so the requested identity stays primary.
	if req.URI != "" && wire.CallID != "" && wire.CallID != callID {
		cospace.SecondaryURI = wire.CallID
	}
	if err := c.ds.PutCoSpace(ctx, cospace); err != nil {
		return nil, fmt.Errorf("failed to cache coSpace %s: %w", coSpaceID, err)
	}
	if c.syncer != nil {
		c.syncer.RequestSync(ctx, c.cluster.ID, coSpaceID)
	}

	result.CoSpace = cospace
	return result, nil
}

// composeCoSpaceProfiles builds and commits the call and call-leg profiles
// for a booking, returning the remote profile ids ("" when nothing to set).
func (c *cmsClient) composeCoSpaceProfiles(ctx context.Context, targetID string, req *BookCoSpaceRequest) (callProfileID, callLegProfileID string, err error) {
	opts := c.cluster.Options

	callProfile, err := c.profiles.Load(ctx, TargetCoSpace, targetID, ProfileCall)
	if err != nil {
		return "", "", err
	}
	if opts.CallProfileID != "" {
		callProfile.Extend(opts.CallProfileID)
	}
	if req.DisableChat {
		callProfile.SetFragment(fragmentChat, 10, map[string]string{"messageBoardEnabled": "false"})
	} else {
		callProfile.RemoveFragment(fragmentChat)
	}
	if req.moderatorPasscode() == "" {
		callProfile.RemoveFragment(fragmentLobby)
	}

	legProfile, err := c.profiles.Load(ctx, TargetCoSpace, targetID, ProfileCallLeg)
	if err != nil {
		return "", "", err
	}
	if opts.CallLegProfileID != "" {
		legProfile.Extend(opts.CallLegProfileID)
	}
	if req.ForceEncryption {
		legProfile.SetFragment(fragmentEncryption, 10, map[string]string{"sipMediaEncryption": "required"})
	} else {
		legProfile.RemoveFragment(fragmentEncryption)
	}
	if req.IsWebinar {
		// Guests join deactivated with no host powers; the moderator access
		// method carries the host profile.
		legProfile.SetFragment(fragmentWebinar, 20, map[string]string{
			"needsActivation":                 "true",
			"presentationContributionAllowed": "false",
			"muteOthersAllowed":               "false",
			"videoMuteOthersAllowed":          "false",
			"changeLayoutAllowed":             "false",
		})
	} else {
		legProfile.RemoveFragment(fragmentWebinar)
	}
	if req.Layout != "" {
		legProfile.SetFragment(fragmentLayout, 30, map[string]string{"defaultLayout": req.Layout})
	} else {
		legProfile.RemoveFragment(fragmentLayout)
	}

	callProfileID, err = callProfile.Commit(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to commit call profile: %w", err)
	}
	if err := c.profiles.Store(ctx, callProfile); err != nil {
		return "", "", err
	}

	callLegProfileID, err = legProfile.Commit(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to commit call-leg profile: %w", err)
	}
	if err := c.profiles.Store(ctx, legProfile); err != nil {
		return "", "", err
	}
	return callProfileID, callLegProfileID, nil
}

// rebindCoSpaceProfiles moves profiles created against a provisional target
// id onto the concrete cospace id.
func (c *cmsClient) rebindCoSpaceProfiles(ctx context.Context, provisionalID, coSpaceID string) error {
	if provisionalID == coSpaceID {
		return nil
	}
	for _, kind := range []ProfileKind{ProfileCall, ProfileCallLeg} {
		p, err := c.profiles.Load(ctx, TargetCoSpace, provisionalID, kind)
		if err != nil {
			return err
		}
		if err := c.profiles.Rebind(ctx, p, coSpaceID); err != nil {
			return fmt.Errorf("failed to rebind %s to coSpace %s: %w", kind, coSpaceID, err)
		}
	}
	return nil
}

// createCoSpaceWithRetries creates a cospace, stepping the numeric uri and
// call-id forward when the server reports a duplicate that the local
// reservation map missed.
func (c *cmsClient) createCoSpaceWithRetries(ctx context.Context, params url.Values, owner string) (string, error) {
	for attempt := 0; attempt <= duplicateRetryBudget; attempt++ {
		id, err := c.createCoSpace(ctx, params)
		if err == nil {
			return id, nil
		}
		dup := asDuplicate(err)
		if dup == nil || attempt == duplicateRetryBudget {
			return "", fmt.Errorf("failed to create coSpace: %w", err)
		}

		switch dup.Field {
		case "duplicateCoSpaceUri":
			next, ok := incrementNumeric(params.Get("uri"))
			if !ok {
				return "", fmt.Errorf("uri %q already in use and not retryable: %w", params.Get("uri"), err)
			}
			params.Set("uri", next)
		case "duplicateCoSpaceId":
			next, ok := incrementNumeric(params.Get("callId"))
			if !ok {
				return "", fmt.Errorf("callId %q already in use and not retryable: %w", params.Get("callId"), err)
			}
			// Keep the reservation map honest about the replacement draw.
			c.ds.ReserveCallID(ctx, c.cluster.ID, next, owner)
			c.ds.ReleaseCallID(ctx, c.cluster.ID, params.Get("callId"))
			params.Set("callId", next)
		default:
			return "", fmt.Errorf("failed to create coSpace: %w", err)
		}
		logger.With("field", dup.Field, "attempt", attempt+1).
			DebugContext(ctx, "duplicate on coSpace create, retrying with next id")
	}
	return "", fmt.Errorf("coSpace create retries exhausted")
}

// incrementNumeric steps a decimal identity string forward by one.
func incrementNumeric(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatInt(n+1, 10), true
}

// ensureModeratorAccessMethod creates or updates the Moderator access
// method of a cospace and mirrors the resulting identity locally.
func (c *cmsClient) ensureModeratorAccessMethod(ctx context.Context, coSpaceID string, req *BookCoSpaceRequest) (*AccessMethod, error) {
	// Find an existing Moderator method to mutate in place.
	existing, err := c.ListAccessMethods(ctx, coSpaceID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	var methodID string
	for _, m := range existing {
		if m.Name == moderatorAccessMethodName {
			methodID = m.ID
			break
		}
	}

	profileTarget := methodID
	if profileTarget == "" {
		profileTarget = coSpaceID + ".moderator"
	}
	legProfile, err := c.profiles.Load(ctx, TargetAccessMethod, profileTarget, ProfileCallLeg)
	if err != nil {
		return nil, err
	}
	if c.cluster.Options.ModeratorLegProfileID != "" {
		legProfile.Extend(c.cluster.Options.ModeratorLegProfileID)
	}
	if req.ModeratorLayout != "" {
		legProfile.SetFragment(fragmentLayout, 30, map[string]string{"defaultLayout": req.ModeratorLayout})
	} else {
		legProfile.RemoveFragment(fragmentLayout)
	}
	legProfileID, err := legProfile.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to commit moderator call-leg profile: %w", err)
	}
	if err := c.profiles.Store(ctx, legProfile); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("name", moderatorAccessMethodName)
	if passcode := req.moderatorPasscode(); passcode != "" {
		params.Set("passcode", passcode)
	}
	if legProfileID != "" {
		params.Set("callLegProfile", legProfileID)
	}

	if methodID != "" {
		if err := c.updateAccessMethod(ctx, coSpaceID, methodID, params); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to update moderator access method: %w", err)
			}
			methodID = ""
		}
	}
	if methodID == "" {
		created, createErr := c.createAccessMethod(ctx, coSpaceID, params)
		if createErr != nil {
			return nil, fmt.Errorf("failed to create moderator access method: %w", createErr)
		}
		methodID = created
		if err := c.profiles.Rebind(ctx, legProfile, methodID); err != nil {
			return nil, err
		}
	}

	// Mirror the server-assigned identity for invite rendering.
	method, err := c.getAccessMethod(ctx, coSpaceID, methodID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read moderator access method: %w", err)
	}
	return method, nil
}

// UpdateCoSpaceRequest is a targeted cospace mutation (rebook fast path).
// Nil pointers leave the corresponding remote field untouched.
type UpdateCoSpaceRequest struct {
	Name             *string
	Passcode         *string
	Layout           *string
	RegenerateSecret bool
}

// UpdateCoSpace applies a targeted update and returns the refreshed state.
func (c *cmsClient) UpdateCoSpace(ctx context.Context, id string, req *UpdateCoSpaceRequest) (*CoSpace, error) {
	params := url.Values{}
	if req.Name != nil {
		params.Set("name", *req.Name)
	}
	if req.Passcode != nil {
		params.Set("passcode", *req.Passcode)
	}
	if req.RegenerateSecret {
		params.Set("regenerateSecret", "true")
	}

	if req.Layout != nil {
		legProfile, err := c.profiles.Load(ctx, TargetCoSpace, id, ProfileCallLeg)
		if err != nil {
			return nil, err
		}
		if *req.Layout != "" {
			legProfile.SetFragment(fragmentLayout, 30, map[string]string{"defaultLayout": *req.Layout})
		} else {
			legProfile.RemoveFragment(fragmentLayout)
		}
		legProfileID, commitErr := legProfile.Commit(ctx)
		if commitErr != nil {
			return nil, fmt.Errorf("failed to commit call-leg profile: %w", commitErr)
		}
		if err := c.profiles.Store(ctx, legProfile); err != nil {
			return nil, err
		}
		params.Set("callLegProfile", legProfileID)
	}

	if len(params) > 0 {
		if err := c.modifyCoSpace(ctx, id, params); err != nil {
			return nil, fmt.Errorf("failed to update coSpace %s: %w", id, err)
		}
	}

	wire, err := c.getCoSpaceRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	cospace := wire.toCoSpace(c.cluster.ID)
	cospace.LastSyncedFull = time.Now().UTC()
	if err := c.ds.PutCoSpace(ctx, cospace); err != nil {
		return nil, err
	}
	if c.syncer != nil {
		c.syncer.RequestSync(ctx, c.cluster.ID, id)
	}
	return cospace, nil
}
