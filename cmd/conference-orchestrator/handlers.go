// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// registerHandlers wires the provisioning surface onto the service mux. The
// health endpoints stay on the default mux and are registered in main.
func registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/tms/", tmsHandler)
	mux.HandleFunc("/PlcmRmWeb/device/provisionProfile", polyProfileHandler)
	mux.HandleFunc("/", polyConfigHandler)
}

// tmsHandler dispatches the /tms/ URL layout:
//
//	/tms/                                     anonymous heartbeat (off by default)
//	/tms/<customer_secret>/                   per-customer heartbeat
//	/tms/<customer_secret>/<endpoint_secret>/ per-endpoint heartbeat
//	/tms/document/<customer_secret>/[<endpoint_secret>/]
//	/tms/event/<kind>/<cluster_id>
func tmsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	segments := splitPath(strings.TrimPrefix(r.URL.Path, "/tms/"))
	if len(segments) == 0 {
		provisioner.HandleHeartbeat(w, r, "", "")
		return
	}

	switch segments[0] {
	case "document":
		if len(segments) < 2 || len(segments) > 3 {
			http.NotFound(w, r)
			return
		}
		endpointSecret := ""
		if len(segments) == 3 {
			endpointSecret = segments[2]
		}
		provisioner.HandleDocument(w, r, segments[1], endpointSecret)
	case "event":
		if len(segments) != 3 {
			http.NotFound(w, r)
			return
		}
		eventHandler(w, r, segments[1], segments[2])
	default:
		if len(segments) > 2 {
			http.NotFound(w, r)
			return
		}
		endpointSecret := ""
		if len(segments) == 2 {
			endpointSecret = segments[1]
		}
		provisioner.HandleHeartbeat(w, r, segments[0], endpointSecret)
	}
}

func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// eventHandler accepts inbound CDR and event-sink posts directly. The same
// payloads also arrive through the event gateway's JetStream stream; both
// paths converge on ingestEvent.
func eventHandler(w http.ResponseWriter, r *http.Request, kind, clusterID string) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	if err := ingestEvent(ctx, kind, clusterID, body); err != nil {
		logger.With(errKey, err, "kind", kind, "cluster_id", clusterID).
			WarnContext(ctx, "failed to ingest event")
		http.Error(w, "failed to ingest event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ingestEvent routes one event payload to the cluster's dialect handler.
func ingestEvent(ctx context.Context, kind, clusterID string, body []byte) error {
	cluster, err := datastore.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to resolve cluster %q: %w", clusterID, err)
	}

	switch kind {
	case "pexip":
		client := syncer.PexipClient(cluster)
		if client == nil {
			return fmt.Errorf("cluster %q is not a pexip cluster", clusterID)
		}
		return client.HandleEventSink(ctx, body)
	case "cdr":
		return ingestCDR(ctx, clusterID, body)
	default:
		logger.With("kind", kind).DebugContext(ctx, "ignoring unknown event kind")
		return nil
	}
}

// cdrRecordSet is one CDR POST from a call bridge.
type cdrRecordSet struct {
	XMLName    xml.Name    `xml:"records"`
	CallBridge string      `xml:"callBridge,attr"`
	Records    []cdrRecord `xml:"record"`
}

type cdrRecord struct {
	Type    string      `xml:"type,attr"`
	Call    *cdrCall    `xml:"call"`
	CallLeg *cdrCallLeg `xml:"callLeg"`
}

type cdrCall struct {
	ID             string `xml:"id,attr"`
	Name           string `xml:"name"`
	CoSpace        string `xml:"coSpace"`
	Tenant         string `xml:"tenant"`
	CallCorrelator string `xml:"callCorrelator"`
}

type cdrCallLeg struct {
	ID   string `xml:"id,attr"`
	Call string `xml:"call"`
}

// ingestCDR maintains local call records from bridge CDR events. Record
// types outside the call lifecycle are ignored.
func ingestCDR(ctx context.Context, clusterID string, body []byte) error {
	var set cdrRecordSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return &InvalidDataError{Message: "malformed CDR payload", Fields: map[string]string{"parse": err.Error()}}
	}

	for _, record := range set.Records {
		var err error
		switch record.Type {
		case "callStart":
			if record.Call == nil {
				continue
			}
			err = datastore.PutCall(ctx, clusterID, &Call{
				ID:           record.Call.ID,
				Name:         record.Call.Name,
				CoSpaceID:    record.Call.CoSpace,
				TenantID:     record.Call.Tenant,
				Correlator:   record.Call.CallCorrelator,
				CallBridgeID: set.CallBridge,
			})
		case "callEnd":
			if record.Call == nil {
				continue
			}
			err = datastore.DeleteCall(ctx, clusterID, record.Call.ID)
		case "callLegStart", "callLegEnd":
			if record.CallLeg == nil || record.CallLeg.Call == "" {
				continue
			}
			err = adjustCallParticipants(ctx, clusterID, record.CallLeg.Call, record.Type == "callLegStart")
		default:
			logger.With("type", record.Type).DebugContext(ctx, "ignoring CDR record")
		}
		if err != nil {
			return fmt.Errorf("failed to apply CDR record %q: %w", record.Type, err)
		}
	}
	return nil
}

func adjustCallParticipants(ctx context.Context, clusterID, callID string, up bool) error {
	call, err := datastore.GetCall(ctx, clusterID, callID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		if !up {
			return nil
		}
		call = &Call{ID: callID}
	}
	if up {
		call.NumParticipants++
	} else if call.NumParticipants > 0 {
		call.NumParticipants--
	}
	return datastore.PutCall(ctx, clusterID, call)
}

// conferenceEventHandler processes event gateway messages from the
// conference-events stream. Subjects are <prefix>.<kind>.<cluster_id>.
// Handles ACK/NAK logic internally based on retry conditions.
func conferenceEventHandler(msg jetstream.Msg) {
	ctx := context.Background()

	subject := msg.Subject()
	logger.With("subject", subject).DebugContext(ctx, "received conference event")

	suffix := strings.TrimPrefix(subject, cfg.NATSEventSubjectPrefix+".")
	parts := strings.SplitN(suffix, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		logger.With("subject", subject).WarnContext(ctx, "malformed event subject, dropping")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to acknowledge event message")
		}
		return
	}

	if err := ingestEvent(ctx, parts[0], parts[1], msg.Data()); err != nil {
		// Malformed payloads never become processable; only transient
		// failures are worth a redelivery.
		var invalidErr *InvalidDataError
		if errors.As(err, &invalidErr) || isNotFound(err) {
			logger.With(errKey, err, "subject", subject).WarnContext(ctx, "dropping unprocessable event")
			if ackErr := msg.Ack(); ackErr != nil {
				logger.With(errKey, ackErr, "subject", subject).Error("failed to acknowledge event message")
			}
			return
		}
		logger.With(errKey, err, "subject", subject).ErrorContext(ctx, "failed to process event, will retry")
		if nakErr := msg.Nak(); nakErr != nil {
			logger.With(errKey, nakErr, "subject", subject).Error("failed to NAK event message for retry")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.With(errKey, err, "subject", subject).Error("failed to acknowledge event message")
	}
}

// polyProfileHandler serves the Poly provisioning-profile probe. The device
// identifies itself by serial number and learns which config files to pull.
func polyProfileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := firstNonEmpty(r.URL.Query().Get("serialNumber"), r.URL.Query().Get("serial"))
	mac := r.URL.Query().Get("mac")
	if serial == "" && mac == "" {
		http.Error(w, "missing device identity", http.StatusBadRequest)
		return
	}

	endpoint, err := datastore.FindEndpointByIdentity(ctx, mac, serial)
	if err != nil {
		if isNotFound(err) {
			http.NotFound(w, r)
			return
		}
		logger.With(errKey, err, "serial", serial).ErrorContext(ctx, "failed to resolve endpoint for provision profile")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<provisionProfile>")
	b.WriteString("<status>success</status>")
	fmt.Fprintf(&b, "<configProfile>config-%s.cfg</configProfile>", xmlEscape(endpoint.Serial))
	fmt.Fprintf(&b, "<heartBeatInterval>%d</heartBeatInterval>", heartbeatDefaultInterval)
	b.WriteString("</provisionProfile>")

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

// polyConfigHandler serves the Poly master and device config files at the
// server root: <SERIAL>.cfg points the device at config-<SERIAL>.cfg, which
// carries the registration settings. Anything else at the root is a 404.
func polyConfigHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if !strings.HasSuffix(name, ".cfg") || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	serial := strings.TrimSuffix(name, ".cfg")
	deviceConfig := strings.HasPrefix(serial, "config-")
	serial = strings.TrimPrefix(serial, "config-")
	if serial == "" {
		http.NotFound(w, r)
		return
	}

	endpoint, err := datastore.FindEndpointByIdentity(ctx, "", serial)
	if err != nil {
		if isNotFound(err) {
			http.NotFound(w, r)
			return
		}
		logger.With(errKey, err, "serial", serial).ErrorContext(ctx, "failed to resolve endpoint for config file")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if !deviceConfig {
		// Master config: reference the per-device file.
		fmt.Fprintf(w, "%s<APPLICATION APP_FILE_PATH=\"\" CONFIG_FILES=\"config-%s.cfg\" MISC_FILES=\"\" LOG_FILE_DIRECTORY=\"\"/>",
			xml.Header, xmlEscape(endpoint.Serial))
		return
	}

	_, _ = io.WriteString(w, renderPolyDeviceConfig(endpoint))

	endpoint.LastProvision = time.Now().UTC()
	if err := datastore.PutEndpoint(ctx, endpoint); err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID).WarnContext(ctx, "failed to record config fetch")
	}
}

// renderPolyDeviceConfig builds the per-device settings file from the
// endpoint record.
func renderPolyDeviceConfig(endpoint *Endpoint) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<polycomConfig>")
	if endpoint.SIP != "" {
		fmt.Fprintf(&b, `<reg reg.1.address=%q reg.1.label=%q/>`, endpoint.SIP, endpoint.Title)
	}
	if endpoint.H323 != "" || endpoint.H323E164 != "" {
		fmt.Fprintf(&b, `<voIpProt voIpProt.H323.name=%q voIpProt.H323.e164=%q/>`, endpoint.H323, endpoint.H323E164)
	}
	fmt.Fprintf(&b, `<device device.prov.serverName=%q device.prov.serverType="HTTPS"/>`, cfg.ExternalURL)
	b.WriteString("</polycomConfig>")
	return b.String()
}
