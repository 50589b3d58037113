// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupOrchestrator builds a meeting orchestrator over a real sync engine
// pointed at the fake CMS.
func setupOrchestrator(t *testing.T, fake *fakeCMS) (*meetingOrchestrator, *Datastore) {
	t.Helper()
	ds := newTestDatastore()
	ctx := context.Background()
	require.NoError(t, ds.PutCluster(ctx, fake.cluster("cl-1")))

	state := NewProcessState()
	t.Cleanup(state.Close)
	t.Cleanup(fake.Close)

	engine := newSyncEngine(ds, state)
	return newMeetingOrchestrator(ds, engine, newKVResourceLocker(ds.mappings)), ds
}

func testMeeting(id string) *Meeting {
	now := time.Now().UTC()
	return &Meeting{
		ID:              id,
		ClusterID:       "cl-1",
		Title:           "t",
		Password:        "1020",
		RoomURI:         "test",
		RequestedCallID: "1234",
		TSStart:         now.Add(time.Hour),
		TSStop:          now.Add(2 * time.Hour),
	}
}

func TestBookMeeting(t *testing.T) {
	fake := newFakeCMS()
	fake.assignCallID = "61170"
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	m := testMeeting("m-1")
	require.NoError(t, orchestrator.Book(ctx, m))

	assert.Equal(t, "61170", m.ProviderRef)
	assert.Equal(t, fake.coSpaceID, m.ProviderRef2)
	assert.Equal(t, "szbKx3Zrg0uSc2FHxab25g", m.ProviderSecret)
	assert.True(t, m.BackendActive)

	stored, err := ds.GetMeeting(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "61170", stored.ProviderRef)
	assert.True(t, stored.BackendActive)

	// The booking lock was released.
	assert.False(t, ds.mappings.(*memBucket).has(cospaceLockKeyPrefix+"m-1"))
}

func TestRebookPasswordRotatesSecret(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	m := testMeeting("m-2")
	require.NoError(t, orchestrator.Book(ctx, m))

	updated := *m
	updated.Password = "6789"
	require.NoError(t, orchestrator.Rebook(ctx, "m-2", &updated, false))

	puts := fake.recorded("PUT", "/coSpaces/"+fake.coSpaceID)
	require.NotEmpty(t, puts)
	last := puts[len(puts)-1].Form
	assert.Equal(t, "6789", last.Get("passcode"))
	assert.Equal(t, "true", last.Get("regenerateSecret"))

	stored, err := ds.GetMeeting(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, "6789", stored.Password)
	// The meeting mirrors the rotated cospace secret.
	assert.Equal(t, "MhZwXJFG0eL2v8Qp7RkT3a", stored.ProviderSecret)
}

func TestRebookModeratorChangeRunsFullBooking(t *testing.T) {
	fake := newFakeCMS()
	fake.profileValues["clp-base"] = map[string][]string{"defaultLayout": {"allEqual"}}
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	cluster, err := ds.GetCluster(ctx, "cl-1")
	require.NoError(t, err)
	cluster.Options.ModeratorLegProfileID = "clp-base"
	require.NoError(t, ds.PutCluster(ctx, cluster))

	m := testMeeting("m-3")
	require.NoError(t, orchestrator.Book(ctx, m))
	require.Empty(t, fake.recorded("POST", "/coSpaces/"+fake.coSpaceID+"/accessMethods"))

	updated := *m
	updated.ModeratorPassword = "6543"
	require.NoError(t, orchestrator.Rebook(ctx, "m-3", &updated, false))

	// The policy change re-ran the full booking path and created the
	// moderator access method.
	methods := fake.recorded("POST", "/coSpaces/"+fake.coSpaceID+"/accessMethods")
	require.Len(t, methods, 1)
	assert.Equal(t, "6543", methods[0].Form.Get("passcode"))

	stored, err := ds.GetMeeting(ctx, "m-3")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ModeratorAccessMethodID)
}

func TestUnbookMeeting(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	m := testMeeting("m-4")
	require.NoError(t, orchestrator.Book(ctx, m))
	require.NoError(t, orchestrator.Unbook(ctx, "m-4", false))

	deletes := fake.recorded("DELETE", "/coSpaces/"+fake.coSpaceID)
	require.Len(t, deletes, 1)

	stored, err := ds.GetMeeting(ctx, "m-4")
	require.NoError(t, err)
	assert.False(t, stored.BackendActive)

	// Unbooking an inactive meeting is a no-op.
	require.NoError(t, orchestrator.Unbook(ctx, "m-4", false))
	assert.Len(t, fake.recorded("DELETE", "/coSpaces/"+fake.coSpaceID), 1)
}

func TestUnbookKeepsExistingRoom(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	m := testMeeting("m-5")
	m.ExistingRef = true
	require.NoError(t, orchestrator.Book(ctx, m))
	require.NoError(t, orchestrator.Unbook(ctx, "m-5", false))

	// A reference to a static room is never deleted remotely.
	assert.Empty(t, fake.recorded("DELETE", "/coSpaces/"+fake.coSpaceID))

	stored, err := ds.GetMeeting(ctx, "m-5")
	require.NoError(t, err)
	assert.False(t, stored.BackendActive)
}

func TestConfirmMeeting(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	m := testMeeting("m-6")
	require.NoError(t, ds.PutMeeting(ctx, m))
	err := orchestrator.Confirm(ctx, "m-6")
	var invalid *InvalidDataError
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, orchestrator.Book(ctx, m))
	require.NoError(t, orchestrator.Confirm(ctx, "m-6"))

	stored, err := ds.GetMeeting(ctx, "m-6")
	require.NoError(t, err)
	assert.False(t, stored.CustomerConfirmed.IsZero())
}

func TestBookRecurringMeeting(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	master := testMeeting("mr-1")
	master.RecurrenceRule = "RRULE:FREQ=DAILY;COUNT=3"
	require.NoError(t, orchestrator.Book(ctx, master))

	assert.True(t, master.BackendActive)
	require.Len(t, master.OccurrenceIDs, 3)

	for _, id := range master.OccurrenceIDs {
		occurrence, err := ds.GetMeeting(ctx, id)
		require.NoError(t, err)
		assert.True(t, occurrence.BackendActive)
		assert.Equal(t, "mr-1", occurrence.RecurringMasterID)
		assert.Empty(t, occurrence.RecurrenceRule)
	}
}

func TestBookingRequestValidate(t *testing.T) {
	var invalid *InvalidDataError

	assert.NoError(t, (&bookingRequest{Action: "book", Meeting: &Meeting{ID: "m-1"}}).validate())
	assert.ErrorAs(t, (&bookingRequest{Action: "book"}).validate(), &invalid)
	assert.ErrorAs(t, (&bookingRequest{Action: "rebook", Meeting: &Meeting{ID: "m-1"}}).validate(), &invalid)
	assert.NoError(t, (&bookingRequest{Action: "unbook", MeetingID: "m-1"}).validate())
	assert.ErrorAs(t, (&bookingRequest{Action: "confirm"}).validate(), &invalid)
	assert.ErrorAs(t, (&bookingRequest{Action: "destroy", MeetingID: "m-1"}).validate(), &invalid)
}

func TestMeetingRequestHandler(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	booker = orchestrator

	msg := &fakeJetStreamMsg{
		subject: "meeting_requests.book",
		data:    []byte(`{"action":"book","meeting":{"id":"m-stream","cluster_id":"cl-1","title":"t","room_uri":"test","requested_call_id":"1234"}}`),
	}
	meetingRequestHandler(msg)
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)

	stored, err := ds.GetMeeting(context.Background(), "m-stream")
	require.NoError(t, err)
	assert.True(t, stored.BackendActive)

	// Requests that can never succeed are dropped, not redelivered.
	garbage := &fakeJetStreamMsg{subject: "meeting_requests.book", data: []byte("not json")}
	meetingRequestHandler(garbage)
	assert.True(t, garbage.acked)

	missing := &fakeJetStreamMsg{
		subject: "meeting_requests.confirm",
		data:    []byte(`{"action":"confirm","meeting_id":"m-missing"}`),
	}
	meetingRequestHandler(missing)
	assert.True(t, missing.acked)
	assert.False(t, missing.naked)
}

func TestBookMeetingWithoutCluster(t *testing.T) {
	fake := newFakeCMS()
	orchestrator, ds := setupOrchestrator(t, fake)
	ctx := context.Background()

	// The customer's assigned cluster fills the gap.
	require.NoError(t, ds.PutCustomer(ctx, &Customer{ID: "cust-1", ClusterID: "cl-1", TenantID: "ten-1"}))
	m := testMeeting("m-7")
	m.ClusterID = ""
	m.CustomerID = "cust-1"
	require.NoError(t, orchestrator.Book(ctx, m))
	assert.Equal(t, "cl-1", m.ClusterID)

	creates := fake.recorded("POST", "/coSpaces")
	require.Len(t, creates, 1)
	assert.Equal(t, "ten-1", creates[0].Form.Get("tenant"))
}
