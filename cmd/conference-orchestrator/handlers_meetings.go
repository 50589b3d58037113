// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Meeting lifecycle orchestration: book, rebook, unbook, confirm, with the
// recurring-master cascade. All provider writes for one meeting run inside
// a cospace lock and a merge-sync scope so the cospace is refreshed exactly
// once per logical operation.

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ProviderClient is the booking surface shared by the dialect clients.
type ProviderClient interface {
	Kind() ClusterKind
	BookCoSpace(ctx context.Context, req *BookCoSpaceRequest) (*BookResult, error)
	UpdateCoSpace(ctx context.Context, id string, req *UpdateCoSpaceRequest) (*CoSpace, error)
	DeleteCoSpace(ctx context.Context, id string) error
	GetCoSpace(ctx context.Context, id string) (*CoSpace, error)
}

// meetingOrchestrator drives the meeting state machine.
type meetingOrchestrator struct {
	ds     *Datastore
	engine *syncEngine
	locker resourceLocker
}

func newMeetingOrchestrator(ds *Datastore, engine *syncEngine, locker resourceLocker) *meetingOrchestrator {
	return &meetingOrchestrator{ds: ds, engine: engine, locker: locker}
}

// resolveCluster finds the cluster a meeting books against, falling back to
// the customer's assigned cluster.
func (o *meetingOrchestrator) resolveCluster(ctx context.Context, m *Meeting) (*Cluster, error) {
	clusterID := m.ClusterID
	if clusterID == "" {
		customer, err := o.ds.GetCustomer(ctx, m.CustomerID)
		if err != nil {
			return nil, err
		}
		clusterID = customer.ClusterID
	}
	if clusterID == "" {
		return nil, &InvalidDataError{Message: "meeting has no cluster", Fields: map[string]string{"id": m.ID}}
	}
	cluster, err := o.ds.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	m.ClusterID = clusterID
	return cluster, nil
}

// bookRequest translates a meeting into a booking request.
func (o *meetingOrchestrator) bookRequest(ctx context.Context, m *Meeting) (*BookCoSpaceRequest, error) {
	req := &BookCoSpaceRequest{
		MeetingID:         m.ID,
		Title:             m.Title,
		Password:          m.Password,
		Layout:            m.Layout,
		CreatorJID:        m.CreatorJID,
		URI:               m.RoomURI,
		RequestedCallID:   m.RequestedCallID,
		ExistingCoSpaceID: m.ProviderRef2,
		ModeratorPassword: m.ModeratorPassword,
		LobbyPin:          m.LobbyPin,
		ModeratorLayout:   m.ModeratorLayout,
		IsWebinar:         m.IsWebinar,
		DisableChat:       m.DisableChat,
		ForceEncryption:   m.ForceEncryption,
		ExistingRef:       m.ExistingRef,
		DialOuts:          m.DialOuts,
	}
	if m.CustomerID != "" {
		customer, err := o.ds.GetCustomer(ctx, m.CustomerID)
		if err != nil {
			return nil, err
		}
		req.TenantID = customer.TenantID
	}
	return req, nil
}

// Book transitions a draft meeting to active. A recurring master is
// expanded into occurrences, each booked individually.
func (o *meetingOrchestrator) Book(ctx context.Context, m *Meeting) error {
	if m.IsRecurringMaster() {
		return o.bookRecurring(ctx, m)
	}
	return o.bookOne(ctx, m)
}

func (o *meetingOrchestrator) bookRecurring(ctx context.Context, master *Meeting) error {
	occurrences, err := materializeOccurrences(master)
	if err != nil {
		return err
	}

	master.OccurrenceIDs = master.OccurrenceIDs[:0]
	var agg *multierror.Error
	for _, occurrence := range occurrences {
		if err := o.bookOne(ctx, occurrence); err != nil {
			agg = multierror.Append(agg, fmt.Errorf("occurrence %s: %w", occurrence.TSStart.Format(time.RFC3339), err))
			continue
		}
		master.OccurrenceIDs = append(master.OccurrenceIDs, occurrence.ID)
	}
	if err := agg.ErrorOrNil(); err != nil {
		return err
	}

	master.BackendActive = true
	return o.ds.PutMeeting(ctx, master)
}

func (o *meetingOrchestrator) bookOne(ctx context.Context, m *Meeting) error {
	cluster, err := o.resolveCluster(ctx, m)
	if err != nil {
		return err
	}
	provider := o.engine.ProviderFor(cluster)
	if provider == nil {
		return &InvalidDataError{Message: "unsupported cluster kind", Fields: map[string]string{"kind": string(cluster.Kind)}}
	}

	return withLock(ctx, o.locker, cospaceLockKeyPrefix+m.ID, func(lockedCtx context.Context) error {
		scopedCtx, scope := withMergeSyncScope(lockedCtx)

		req, reqErr := o.bookRequest(scopedCtx, m)
		if reqErr != nil {
			return reqErr
		}
		result, bookErr := provider.BookCoSpace(scopedCtx, req)
		if bookErr != nil {
			return bookErr
		}

		m.ProviderRef = result.CoSpace.CallID
		m.ProviderRef2 = result.CoSpace.ID
		m.ProviderSecret = result.CoSpace.Secret
		if result.ModeratorAccessMethod != nil {
			m.ModeratorAccessMethodID = result.ModeratorAccessMethod.ID
		}
		m.BackendActive = true

		if putErr := o.ds.PutMeeting(scopedCtx, m); putErr != nil {
			return putErr
		}
		return o.engine.FlushScope(lockedCtx, scope)
	})
}

// Rebook applies changes to an active meeting. With allRecurring, changes
// to a recurring master cascade to all occurrences that have not finished.
func (o *meetingOrchestrator) Rebook(ctx context.Context, meetingID string, updated *Meeting, allRecurring bool) error {
	existing, err := o.ds.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}

	if existing.IsRecurringMaster() && allRecurring {
		return o.cascade(ctx, existing, func(cascadeCtx context.Context, occurrence *Meeting) error {
			patch := *updated
			patch.ID = occurrence.ID
			patch.TSStart = occurrence.TSStart
			patch.TSStop = occurrence.TSStop
			return o.rebookOne(cascadeCtx, occurrence, &patch)
		}, func(masterCtx context.Context) error {
			existing.Title = updated.Title
			existing.Password = updated.Password
			existing.ModeratorPassword = updated.ModeratorPassword
			existing.Layout = updated.Layout
			return o.ds.PutMeeting(masterCtx, existing)
		})
	}
	return o.rebookOne(ctx, existing, updated)
}

// rebookOne diffs the updated meeting against the stored one and issues the
// narrowest provider write that covers the change.
func (o *meetingOrchestrator) rebookOne(ctx context.Context, existing, updated *Meeting) error {
	if !existing.BackendActive || existing.ProviderRef2 == "" {
		// Never booked: treat the rebook as a fresh book of the new state.
		merged := o.mergeMeeting(existing, updated)
		return o.bookOne(ctx, merged)
	}

	cluster, err := o.resolveCluster(ctx, existing)
	if err != nil {
		return err
	}
	provider := o.engine.ProviderFor(cluster)

	needsFullBook := updated.ModeratorPassword != existing.ModeratorPassword ||
		updated.LobbyPin != existing.LobbyPin ||
		updated.IsWebinar != existing.IsWebinar ||
		updated.DisableChat != existing.DisableChat ||
		updated.ForceEncryption != existing.ForceEncryption

	return withLock(ctx, o.locker, cospaceLockKeyPrefix+existing.ID, func(lockedCtx context.Context) error {
		scopedCtx, scope := withMergeSyncScope(lockedCtx)
		merged := o.mergeMeeting(existing, updated)

		if needsFullBook {
			// Moderator or policy changes re-run the full booking path, which
			// re-composes profiles and the moderator access method.
			req, reqErr := o.bookRequest(scopedCtx, merged)
			if reqErr != nil {
				return reqErr
			}
			result, bookErr := provider.BookCoSpace(scopedCtx, req)
			if bookErr != nil {
				return bookErr
			}
			merged.ProviderRef = result.CoSpace.CallID
			merged.ProviderRef2 = result.CoSpace.ID
			merged.ProviderSecret = result.CoSpace.Secret
			if result.ModeratorAccessMethod != nil {
				merged.ModeratorAccessMethodID = result.ModeratorAccessMethod.ID
			}
		} else {
			update := &UpdateCoSpaceRequest{}
			dirty := false
			if updated.Title != existing.Title {
				update.Name = &updated.Title
				dirty = true
			}
			if updated.Layout != existing.Layout {
				update.Layout = &updated.Layout
				dirty = true
			}
			if updated.Password != existing.Password {
				update.Passcode = &updated.Password
				// A changed passcode invalidates outstanding invites.
				update.RegenerateSecret = true
				dirty = true
			}
			if dirty {
				cospace, updateErr := provider.UpdateCoSpace(scopedCtx, existing.ProviderRef2, update)
				if updateErr != nil {
					return updateErr
				}
				merged.ProviderSecret = cospace.Secret
			}
			// Pure time-window changes touch local state only; the remote
			// cospace is time-agnostic.
		}

		if putErr := o.ds.PutMeeting(scopedCtx, merged); putErr != nil {
			return putErr
		}
		return o.engine.FlushScope(lockedCtx, scope)
	})
}

// mergeMeeting folds the updatable fields of updated into a copy of
// existing.
func (o *meetingOrchestrator) mergeMeeting(existing, updated *Meeting) *Meeting {
	merged := *existing
	merged.Title = updated.Title
	merged.TSStart = updated.TSStart
	merged.TSStop = updated.TSStop
	merged.Password = updated.Password
	merged.ModeratorPassword = updated.ModeratorPassword
	merged.LobbyPin = updated.LobbyPin
	merged.Layout = updated.Layout
	merged.ModeratorLayout = updated.ModeratorLayout
	merged.IsWebinar = updated.IsWebinar
	merged.DisableChat = updated.DisableChat
	merged.ForceEncryption = updated.ForceEncryption
	merged.DialOuts = updated.DialOuts
	merged.Recording = updated.Recording
	return &merged
}

// Unbook transitions a meeting to done. The remote cospace is deleted
// unless the meeting references a pre-existing static room.
func (o *meetingOrchestrator) Unbook(ctx context.Context, meetingID string, allRecurring bool) error {
	m, err := o.ds.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}

	if m.IsRecurringMaster() && allRecurring {
		return o.cascade(ctx, m, func(cascadeCtx context.Context, occurrence *Meeting) error {
			return o.unbookOne(cascadeCtx, occurrence)
		}, func(masterCtx context.Context) error {
			m.BackendActive = false
			return o.ds.PutMeeting(masterCtx, m)
		})
	}
	return o.unbookOne(ctx, m)
}

func (o *meetingOrchestrator) unbookOne(ctx context.Context, m *Meeting) error {
	if !m.BackendActive {
		return nil
	}
	return withLock(ctx, o.locker, cospaceLockKeyPrefix+m.ID, func(lockedCtx context.Context) error {
		if m.ProviderRef2 != "" && !m.ExistingRef {
			cluster, err := o.resolveCluster(lockedCtx, m)
			if err != nil {
				return err
			}
			provider := o.engine.ProviderFor(cluster)
			if err := provider.DeleteCoSpace(lockedCtx, m.ProviderRef2); err != nil && !isNotFound(err) {
				return err
			}
			o.ds.ReleaseCallID(lockedCtx, m.ClusterID, m.ProviderRef)
		}
		m.BackendActive = false
		return o.ds.PutMeeting(lockedCtx, m)
	})
}

// Confirm records a customer confirmation on an active meeting.
func (o *meetingOrchestrator) Confirm(ctx context.Context, meetingID string) error {
	m, err := o.ds.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if !m.BackendActive {
		return &InvalidDataError{Message: "meeting is not active", Fields: map[string]string{"id": meetingID}}
	}
	m.CustomerConfirmed = time.Now().UTC()
	return o.ds.PutMeeting(ctx, m)
}

// cascade applies fn to every occurrence of a recurring master that has not
// yet finished, then runs finish for the master itself. Per-occurrence
// failures are collected, not fatal.
func (o *meetingOrchestrator) cascade(ctx context.Context, master *Meeting, fn func(context.Context, *Meeting) error, finish func(context.Context) error) error {
	now := time.Now().UTC()
	var agg *multierror.Error
	for _, occurrenceID := range master.OccurrenceIDs {
		occurrence, err := o.ds.GetMeeting(ctx, occurrenceID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			agg = multierror.Append(agg, err)
			continue
		}
		if occurrence.TSStop.Before(now) {
			// Finished occurrences are history; leave them alone.
			continue
		}
		if err := fn(ctx, occurrence); err != nil {
			agg = multierror.Append(agg, fmt.Errorf("occurrence %s: %w", occurrenceID, err))
		}
	}
	if err := agg.ErrorOrNil(); err != nil {
		return err
	}
	return finish(ctx)
}
