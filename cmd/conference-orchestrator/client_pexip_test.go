// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePexip emulates the conference slice of the Pexip management API.
type fakePexip struct {
	srv *httptest.Server

	conference map[string]any
	creates    []map[string]any
	patches    []map[string]any
}

func newFakePexip() *fakePexip {
	f := &fakePexip{
		conference: map[string]any{
			"id":        123,
			"name":      "t",
			"guest_pin": "1020",
			"tag":       "m-1",
			"aliases": []map[string]any{
				{"id": 1, "alias": "test"},
				{"id": 2, "alias": "9000"},
			},
		},
	}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakePexip) Close() { f.srv.Close() }

func (f *fakePexip) cluster(id string) *Cluster {
	u, _ := url.Parse(f.srv.URL)
	return &Cluster{
		ID:   id,
		Kind: ClusterKindPexip,
		Nodes: []*ClusterNode{
			{ID: "mgmt-1", Host: u.Host, Username: "admin", Password: "secret", IsCallBridge: true},
		},
		Options: ClusterOptions{InsecureTLS: true},
	}
}

func (f *fakePexip) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/configuration/v1/conference/":
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		f.creates = append(f.creates, payload)
		w.Header().Set("Location", "/api/admin/configuration/v1/conference/123/")
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPatch && r.URL.Path == "/api/admin/configuration/v1/conference/123/":
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		f.patches = append(f.patches, payload)
		w.WriteHeader(http.StatusAccepted)

	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/configuration/v1/conference/123/":
		json.NewEncoder(w).Encode(f.conference)

	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/configuration/v1/automatic_participant/":
		io.WriteString(w, `{"meta":{"total_count":0,"limit":50,"offset":0},"objects":[]}`)

	default:
		http.NotFound(w, r)
	}
}

func newTestPexipClient(t *testing.T, fake *fakePexip, cluster *Cluster, ds *Datastore) *pexipClient {
	t.Helper()
	state := NewProcessState()
	t.Cleanup(state.Close)
	t.Cleanup(fake.Close)
	return newPexipClient(cluster, ds, state, nopSyncer{})
}

func TestPexipBookCoSpaceCreate(t *testing.T) {
	fake := newFakePexip()
	client := newTestPexipClient(t, fake, fake.cluster("px-1"), newTestDatastore())

	result, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:       "m-1",
		Title:           "t",
		Password:        "1020",
		URI:             "test",
		RequestedCallID: "9000",
	})
	require.NoError(t, err)

	require.Len(t, fake.creates, 1)
	payload := fake.creates[0]
	assert.Equal(t, "t", payload["name"])
	assert.Equal(t, "m-1", payload["tag"])
	assert.Equal(t, "1020", payload["guest_pin"])
	assert.Equal(t, "conference", payload["service_type"])
	assert.Equal(t, true, payload["allow_guests"])

	// The conference id comes back as the integer from the Location header.
	require.NotNil(t, result.CoSpace)
	assert.Equal(t, "123", result.CoSpace.ID)
	assert.Equal(t, "test", result.CoSpace.URI)
	assert.Equal(t, "9000", result.CoSpace.CallID)
	assert.True(t, result.CoSpace.Scheduled)
	assert.Nil(t, result.ModeratorAccessMethod)
}

func TestPexipBookCoSpaceWebinar(t *testing.T) {
	fake := newFakePexip()
	fake.conference["pin"] = "6543"
	client := newTestPexipClient(t, fake, fake.cluster("px-1"), newTestDatastore())

	result, err := client.BookCoSpace(context.Background(), &BookCoSpaceRequest{
		MeetingID:         "m-2",
		Title:             "webinar",
		RequestedCallID:   "9000",
		IsWebinar:         true,
		ModeratorPassword: "6543",
	})
	require.NoError(t, err)

	require.Len(t, fake.creates, 1)
	assert.Equal(t, "lecture", fake.creates[0]["service_type"])
	assert.Equal(t, "6543", fake.creates[0]["pin"])

	require.NotNil(t, result.ModeratorAccessMethod)
	assert.Equal(t, "Moderator", result.ModeratorAccessMethod.Name)
	assert.Equal(t, "6543", result.ModeratorAccessMethod.Passcode)
}

func TestPexipUpdateCoSpace(t *testing.T) {
	fake := newFakePexip()
	client := newTestPexipClient(t, fake, fake.cluster("px-1"), newTestDatastore())

	passcode := "6789"
	fake.conference["guest_pin"] = "6789"
	cospace, err := client.UpdateCoSpace(context.Background(), "123", &UpdateCoSpaceRequest{Passcode: &passcode})
	require.NoError(t, err)

	require.Len(t, fake.patches, 1)
	assert.Equal(t, "6789", fake.patches[0]["guest_pin"])
	assert.Equal(t, "6789", cospace.Passcode)
}

func TestPexipHandleEventSink(t *testing.T) {
	fake := newFakePexip()
	ds := newTestDatastore()
	client := newTestPexipClient(t, fake, fake.cluster("px-1"), ds)
	ctx := context.Background()

	started := `{"event":"conference_started","data":{"guid":"guid-1","name":"standup","tag":"ten-1"}}`
	require.NoError(t, client.HandleEventSink(ctx, []byte(started)))

	call, err := ds.GetCall(ctx, "px-1", "guid-1")
	require.NoError(t, err)
	assert.Equal(t, "standup", call.Name)
	assert.Equal(t, "ten-1", call.TenantID)

	connected := `{"event":"participant_connected","data":{"conference":"guid-1"}}`
	require.NoError(t, client.HandleEventSink(ctx, []byte(connected)))
	require.NoError(t, client.HandleEventSink(ctx, []byte(connected)))
	call, err = ds.GetCall(ctx, "px-1", "guid-1")
	require.NoError(t, err)
	assert.Equal(t, 2, call.NumParticipants)

	disconnected := `{"event":"participant_disconnected","data":{"conference":"guid-1"}}`
	require.NoError(t, client.HandleEventSink(ctx, []byte(disconnected)))
	call, err = ds.GetCall(ctx, "px-1", "guid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, call.NumParticipants)

	ended := `{"event":"conference_ended","data":{"guid":"guid-1"}}`
	require.NoError(t, client.HandleEventSink(ctx, []byte(ended)))
	_, err = ds.GetCall(ctx, "px-1", "guid-1")
	assert.True(t, isNotFound(err))

	// Disconnects for unknown calls are dropped silently.
	unknown := `{"event":"participant_disconnected","data":{"conference":"guid-9"}}`
	require.NoError(t, client.HandleEventSink(ctx, []byte(unknown)))
}

func TestPexipConferenceToCoSpace(t *testing.T) {
	wire := &pexipConference{
		ID:       7,
		Name:     "standup",
		PIN:      "4242",
		GuestPIN: "1020",
		Aliases: []pexipAlias{
			{Alias: "standup.room"},
			{Alias: "9000"},
		},
	}
	cospace := wire.toCoSpace("px-1")
	assert.Equal(t, "7", cospace.ID)
	assert.Equal(t, "standup.room", cospace.URI)
	assert.Equal(t, "9000", cospace.SecondaryURI)
	assert.Equal(t, "9000", cospace.CallID)
	assert.Equal(t, "1020", cospace.Passcode)
	assert.Equal(t, "4242", cospace.Secret)
	assert.Equal(t, 2, cospace.NumAccessMethods)
}

func TestDomainsFromRegex(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{`^meet\.example\.com$`, []string{"meet.example.com"}},
		{`^(eu|us)\.meet\.example\.com$`, []string{"eu.meet.example.com", "us.meet.example.com"}},
		{`(a|b)\.(c|d)`, []string{"a.c", "a.d", "b.c", "b.d"}},
		{`.*`, nil},
		{`meet.+`, nil},
		{``, nil},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, domainsFromRegex(tc.pattern), tc.pattern)
	}
}
