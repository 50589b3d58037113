// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJetStreamMsg covers the slice of jetstream.Msg the event handler uses.
type fakeJetStreamMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	acked   bool
	naked   bool
}

func (m *fakeJetStreamMsg) Subject() string { return m.subject }
func (m *fakeJetStreamMsg) Data() []byte    { return m.data }
func (m *fakeJetStreamMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeJetStreamMsg) Nak() error      { m.naked = true; return nil }

func TestConferenceEventHandlerAckPolicy(t *testing.T) {
	ds := newTestDatastore()
	datastore = ds
	ctx := context.Background()
	require.NoError(t, ds.PutCluster(ctx, &Cluster{ID: "cl-1", Kind: ClusterKindCMS}))

	// A well-formed CDR is processed and acknowledged.
	msg := &fakeJetStreamMsg{
		subject: cfg.NATSEventSubjectPrefix + ".cdr.cl-1",
		data:    []byte(`<records callBridge="node-1"><record type="callStart"><call id="call-1"><name>standup</name></call></record></records>`),
	}
	conferenceEventHandler(msg)
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	_, err := ds.GetCall(ctx, "cl-1", "call-1")
	require.NoError(t, err)

	// Malformed subjects and unprocessable payloads are dropped, not retried.
	malformed := &fakeJetStreamMsg{subject: cfg.NATSEventSubjectPrefix + ".cdr"}
	conferenceEventHandler(malformed)
	assert.True(t, malformed.acked)

	badPayload := &fakeJetStreamMsg{
		subject: cfg.NATSEventSubjectPrefix + ".cdr.cl-1",
		data:    []byte("not xml"),
	}
	conferenceEventHandler(badPayload)
	assert.True(t, badPayload.acked)
	assert.False(t, badPayload.naked)

	unknownCluster := &fakeJetStreamMsg{
		subject: cfg.NATSEventSubjectPrefix + ".cdr.cl-missing",
		data:    []byte(`<records/>`),
	}
	conferenceEventHandler(unknownCluster)
	assert.True(t, unknownCluster.acked)
	assert.False(t, unknownCluster.naked)
}

func TestSplitPath(t *testing.T) {
	assert.Nil(t, splitPath(""))
	assert.Equal(t, []string{"a"}, splitPath("a"))
	assert.Equal(t, []string{"a", "b"}, splitPath("/a//b/"))
}

func TestIngestCDRCallLifecycle(t *testing.T) {
	ds := newTestDatastore()
	datastore = ds
	ctx := context.Background()

	start := `<records callBridge="node-1">
		<record type="callStart">
			<call id="call-1">
				<name>standup</name>
				<coSpace>cs-1</coSpace>
				<tenant>ten-1</tenant>
				<callCorrelator>corr-1</callCorrelator>
			</call>
		</record>
	</records>`
	require.NoError(t, ingestCDR(ctx, "cl-1", []byte(start)))

	call, err := ds.GetCall(ctx, "cl-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, "standup", call.Name)
	assert.Equal(t, "cs-1", call.CoSpaceID)
	assert.Equal(t, "ten-1", call.TenantID)
	assert.Equal(t, "corr-1", call.Correlator)
	assert.Equal(t, "node-1", call.CallBridgeID)

	legs := `<records callBridge="node-1">
		<record type="callLegStart"><callLeg id="leg-1"><call>call-1</call></callLeg></record>
		<record type="callLegStart"><callLeg id="leg-2"><call>call-1</call></callLeg></record>
		<record type="callLegEnd"><callLeg id="leg-1"><call>call-1</call></callLeg></record>
	</records>`
	require.NoError(t, ingestCDR(ctx, "cl-1", []byte(legs)))

	call, err = ds.GetCall(ctx, "cl-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, 1, call.NumParticipants)

	end := `<records callBridge="node-1">
		<record type="callEnd"><call id="call-1"/></record>
	</records>`
	require.NoError(t, ingestCDR(ctx, "cl-1", []byte(end)))
	_, err = ds.GetCall(ctx, "cl-1", "call-1")
	assert.True(t, isNotFound(err))
}

func TestIngestCDRMalformedPayload(t *testing.T) {
	datastore = newTestDatastore()
	err := ingestCDR(context.Background(), "cl-1", []byte("not xml at all"))
	var invalid *InvalidDataError
	require.ErrorAs(t, err, &invalid)
}

func TestIngestCDRIgnoresUnknownRecords(t *testing.T) {
	datastore = newTestDatastore()
	body := `<records callBridge="node-1">
		<record type="audit"/>
		<record type="callLegEnd"><callLeg id="leg-1"><call>call-9</call></callLeg></record>
	</records>`
	require.NoError(t, ingestCDR(context.Background(), "cl-1", []byte(body)))
}

func TestAdjustCallParticipantsFloor(t *testing.T) {
	ds := newTestDatastore()
	datastore = ds
	ctx := context.Background()

	require.NoError(t, ds.PutCall(ctx, "cl-1", &Call{ID: "call-1"}))
	require.NoError(t, adjustCallParticipants(ctx, "cl-1", "call-1", false))
	call, err := ds.GetCall(ctx, "cl-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, 0, call.NumParticipants)

	// A leg start for an unknown call creates the record.
	require.NoError(t, adjustCallParticipants(ctx, "cl-1", "call-2", true))
	call, err = ds.GetCall(ctx, "cl-1", "call-2")
	require.NoError(t, err)
	assert.Equal(t, 1, call.NumParticipants)
}

func polyEndpoint() *Endpoint {
	return &Endpoint{
		ID:     "ep-poly",
		Serial: "POLY123",
		MAC:    "aa:bb:cc:dd:ee:ff",
		Family: FamilyPolyGroup,
		Title:  "Boardroom",
		SIP:    "boardroom@example.com",
	}
}

func seedPolyEndpoint(t *testing.T) *Datastore {
	t.Helper()
	ds := newTestDatastore()
	datastore = ds
	ctx := context.Background()
	endpoint := polyEndpoint()
	require.NoError(t, ds.PutEndpoint(ctx, endpoint))
	require.NoError(t, ds.IndexEndpointIdentity(ctx, endpoint))
	return ds
}

func TestPolyProfileHandler(t *testing.T) {
	seedPolyEndpoint(t)

	req := httptest.NewRequest(http.MethodGet, "/PlcmRmWeb/device/provisionProfile?serialNumber=POLY123", nil)
	rec := httptest.NewRecorder()
	polyProfileHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<status>success</status>")
	assert.Contains(t, body, "config-POLY123.cfg")
	assert.Contains(t, body, "<heartBeatInterval>")
}

func TestPolyProfileHandlerUnknownDevice(t *testing.T) {
	seedPolyEndpoint(t)

	req := httptest.NewRequest(http.MethodGet, "/PlcmRmWeb/device/provisionProfile?serialNumber=NOPE", nil)
	rec := httptest.NewRecorder()
	polyProfileHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/PlcmRmWeb/device/provisionProfile", nil)
	rec = httptest.NewRecorder()
	polyProfileHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolyConfigHandlerMaster(t *testing.T) {
	seedPolyEndpoint(t)

	req := httptest.NewRequest(http.MethodGet, "/POLY123.cfg", nil)
	rec := httptest.NewRecorder()
	polyConfigHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `CONFIG_FILES="config-POLY123.cfg"`)
}

func TestPolyConfigHandlerDevice(t *testing.T) {
	ds := seedPolyEndpoint(t)

	req := httptest.NewRequest(http.MethodGet, "/config-POLY123.cfg", nil)
	rec := httptest.NewRecorder()
	polyConfigHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `reg.1.address="boardroom@example.com"`)
	assert.Contains(t, body, `reg.1.label="Boardroom"`)
	assert.Contains(t, body, cfg.ExternalURL)

	endpoint, err := ds.GetEndpoint(context.Background(), "ep-poly")
	require.NoError(t, err)
	assert.False(t, endpoint.LastProvision.IsZero())
}

func TestPolyConfigHandlerRejectsNonConfigPaths(t *testing.T) {
	seedPolyEndpoint(t)

	for _, path := range []string{"/", "/index.html", "/.cfg", "/config-.cfg", "/sub/POLY123.cfg"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		polyConfigHandler(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
