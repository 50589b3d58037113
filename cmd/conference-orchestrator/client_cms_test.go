// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCMSClient(t *testing.T, fake *fakeCMS, cluster *Cluster, ds *Datastore) *cmsClient {
	t.Helper()
	state := NewProcessState()
	t.Cleanup(state.Close)
	t.Cleanup(fake.Close)
	return newCMSClient(cluster, ds, state, nopSyncer{})
}

func TestBookCoSpaceCreate(t *testing.T) {
	fake := newFakeCMS()
	fake.assignCallID = "61170"
	cluster := fake.cluster("cl-1")
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	result, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:       "m-1",
		Title:           "t",
		Password:        "1020",
		URI:             "test",
		RequestedCallID: "1234",
	})
	require.NoError(t, err)

	creates := fake.recorded("POST", "/coSpaces")
	require.Len(t, creates, 1)
	form := creates[0].Form
	assert.Equal(t, "t", form.Get("name"))
	assert.Equal(t, "test", form.Get("uri"))
	assert.Equal(t, "1234", form.Get("secondaryUri"))
	assert.Equal(t, "1234", form.Get("callId"))
	assert.Equal(t, "1020", form.Get("passcode"))

	require.NotNil(t, result.CoSpace)
	assert.Equal(t, "22f67f91-4067-4905-a9b7-c09b297850a4", result.CoSpace.ID)
	assert.Equal(t, "61170", result.CoSpace.CallID)
	// The server-chosen numeric id stays dialable as the secondary uri.
	assert.Equal(t, "61170", result.CoSpace.SecondaryURI)
	assert.Equal(t, "szbKx3Zrg0uSc2FHxab25g", result.CoSpace.Secret)
	assert.Len(t, result.CoSpace.Secret, 22)
	assert.True(t, result.CoSpace.Scheduled)

	cached, err := client.ds.GetCoSpace(context.Background(), "cl-1", result.CoSpace.ID)
	require.NoError(t, err)
	assert.Equal(t, "61170", cached.CallID)
}

func TestUpdateCoSpaceRegeneratesSecret(t *testing.T) {
	fake := newFakeCMS()
	fake.name = "t"
	fake.callID = "61170"
	cluster := fake.cluster("cl-1")
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	passcode := "6789"
	cospace, err := client.UpdateCoSpace(context.Background(), fake.coSpaceID, &UpdateCoSpaceRequest{
		Passcode:         &passcode,
		RegenerateSecret: true,
	})
	require.NoError(t, err)

	updates := fake.recorded("PUT", "/coSpaces/"+fake.coSpaceID)
	require.Len(t, updates, 1)
	assert.Equal(t, "6789", updates[0].Form.Get("passcode"))
	assert.Equal(t, "true", updates[0].Form.Get("regenerateSecret"))

	// The local record mirrors the freshly rotated server secret.
	assert.Equal(t, "MhZwXJFG0eL2v8Qp7RkT3a", cospace.Secret)
	assert.Equal(t, "6789", cospace.Passcode)
}

func TestBookCoSpaceWebinarModerator(t *testing.T) {
	fake := newFakeCMS()
	fake.profileValues["clp-base"] = url.Values{"defaultLayout": {"allEqual"}}
	cluster := fake.cluster("cl-1")
	cluster.Options.ModeratorLegProfileID = "clp-base"
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	result, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:         "m-3",
		Title:             "Webinar",
		RequestedCallID:   "500",
		IsWebinar:         true,
		ModeratorPassword: "6543",
	})
	require.NoError(t, err)

	creates := fake.recorded("POST", "/coSpaces")
	require.Len(t, creates, 1)
	guestLegProfile := creates[0].Form.Get("callLegProfile")
	require.NotEmpty(t, guestLegProfile)

	methodCreates := fake.recorded("POST", "/coSpaces/"+fake.coSpaceID+"/accessMethods")
	require.Len(t, methodCreates, 1)
	assert.Equal(t, "Moderator", methodCreates[0].Form.Get("name"))
	assert.Equal(t, "6543", methodCreates[0].Form.Get("passcode"))

	require.NotNil(t, result.ModeratorAccessMethod)
	assert.Equal(t, "Moderator", result.ModeratorAccessMethod.Name)
	assert.Equal(t, "6543", result.ModeratorAccessMethod.Passcode)
	// The moderator leg profile is distinct from the guest webinar profile.
	require.NotEmpty(t, result.ModeratorAccessMethod.CallLegProfileID)
	assert.NotEqual(t, guestLegProfile, result.ModeratorAccessMethod.CallLegProfileID)
}

func TestBookCoSpaceDuplicateURIRetry(t *testing.T) {
	fake := newFakeCMS()
	fake.createFailures = []string{"<failureDetails><duplicateCoSpaceUri/></failureDetails>"}
	cluster := fake.cluster("cl-1")
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	result, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:       "m-4",
		Title:           "retry",
		URI:             "1000",
		RequestedCallID: "1234",
	})
	require.NoError(t, err)
	require.NotNil(t, result.CoSpace)

	creates := fake.recorded("POST", "/coSpaces")
	require.Len(t, creates, 2)
	assert.Equal(t, "1000", creates[0].Form.Get("uri"))
	assert.Equal(t, "1001", creates[1].Form.Get("uri"))
}

func TestBookCoSpaceDuplicateCallIDRetry(t *testing.T) {
	fake := newFakeCMS()
	fake.createFailures = []string{"<failureDetails><duplicateCoSpaceId/></failureDetails>"}
	cluster := fake.cluster("cl-1")
	mappings := newMemBucket()
	ds := newDatastore(newMemBucket(), mappings)
	client := newTestCMSClient(t, fake, cluster, ds)

	_, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:       "m-5",
		Title:           "retry",
		RequestedCallID: "1234",
	})
	require.NoError(t, err)

	creates := fake.recorded("POST", "/coSpaces")
	require.Len(t, creates, 2)
	assert.Equal(t, "1234", creates[0].Form.Get("callId"))
	assert.Equal(t, "1235", creates[1].Form.Get("callId"))
	// The replacement draw lands in the reservation map.
	assert.True(t, mappings.has("callid.cl-1.1235"))
}

func TestListCoSpacesDefaultTenantPostFilter(t *testing.T) {
	fake := newFakeCMS()
	fake.coSpaceList = []string{
		`<coSpace id="cs-1"><name>a</name><tenant>ten-1</tenant></coSpace>`,
		`<coSpace id="cs-2"><name>b</name></coSpace>`,
		`<coSpace id="cs-3"><name>c</name><tenant>ten-2</tenant></coSpace>`,
	}
	cluster := fake.cluster("cl-1")
	cluster.TenantCount = 2
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	tenantFilter := ""
	var seen []string
	_, err := client.ListCoSpaces(context.Background(), &tenantFilter, func(wire *cmsCoSpace) error {
		seen = append(seen, wire.ID)
		return nil
	})
	require.NoError(t, err)

	// Only default-tenant rows survive the post-filter.
	assert.Equal(t, []string{"cs-2"}, seen)
}

func TestListCoSpacesTenantFilterQuery(t *testing.T) {
	fake := newFakeCMS()
	fake.coSpaceList = []string{
		`<coSpace id="cs-1"><name>a</name><tenant>ten-1</tenant></coSpace>`,
	}
	cluster := fake.cluster("cl-1")
	cluster.TenantCount = 2
	client := newTestCMSClient(t, fake, cluster, newTestDatastore())

	tenantFilter := "ten-1"
	var seen []string
	_, err := client.ListCoSpaces(context.Background(), &tenantFilter, func(wire *cmsCoSpace) error {
		seen = append(seen, wire.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cs-1"}, seen)
}

func TestSplitShares(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, splitShares(10, 3))
	assert.Equal(t, []int{3, 3, 3}, splitShares(9, 3))
	assert.Equal(t, []int{50}, splitShares(50, 1))
}

func TestParseCMSList(t *testing.T) {
	body := `<coSpaces total="12">` +
		`<coSpace id="x"><name>n</name></coSpace>` +
		`<coSpace id="y"></coSpace>` +
		`</coSpaces>`

	total, items, err := parseCMSList([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, items, 2)
	assert.Equal(t, `<coSpace id="x"><name>n</name></coSpace>`, string(items[0]))
	assert.Equal(t, `<coSpace id="y"></coSpace>`, string(items[1]))

	_, _, err = parseCMSList([]byte("not xml"))
	assert.Error(t, err)
}

func TestIncrementNumeric(t *testing.T) {
	next, ok := incrementNumeric("1234")
	require.True(t, ok)
	assert.Equal(t, "1235", next)

	_, ok = incrementNumeric("alice.room")
	assert.False(t, ok)
	_, ok = incrementNumeric("")
	assert.False(t, ok)
}
