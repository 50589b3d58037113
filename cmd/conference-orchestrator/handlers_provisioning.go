// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Passive provisioning surface: the TMS-compatible SOAP protocol passive
// endpoints poll on their heartbeat schedule. PostEvent carries the
// heartbeat and receives the queued configuration, command, and calendar
// bundle; PostDocument uploads device state.

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// Heartbeat intervals returned to the endpoint, in seconds.
	heartbeatActiveInterval  = 45
	heartbeatDefaultInterval = 420

	// An endpoint counts as active (fast heartbeat) when a booking starts
	// within this window or it is in a call.
	activeBookingWindow = 15 * time.Minute

	// Direct-capable endpoints only receive passive tasks this old, giving
	// the active channel first claim.
	passiveTaskMinAge = 10 * time.Minute

	soapContentType = "text/xml; charset=utf-8"
)

// provisioningHandler serves the /tms/ surface.
type provisioningHandler struct {
	ds    *Datastore
	tasks *taskDispatcher

	// externalURL is this system's public base, used for documents-to-post
	// callbacks in heartbeat responses.
	externalURL string

	// upstream forwards polls for endpoints chained behind an external
	// manager.
	upstream *http.Client
}

func newProvisioningHandler(ds *Datastore, tasks *taskDispatcher, externalURL string) *provisioningHandler {
	return &provisioningHandler{
		ds:          ds,
		tasks:       tasks,
		externalURL: strings.TrimSuffix(externalURL, "/"),
		upstream:    &http.Client{Timeout: 20 * time.Second},
	}
}

// tmsIdentification is the device identity block of a PostEvent.
type tmsIdentification struct {
	SystemName   string `xml:"SystemName"`
	MACAddress   string `xml:"MACAddress"`
	IPAddress    string `xml:"IPAddress"`
	ProductType  string `xml:"ProductType"`
	ProductID    string `xml:"ProductID"`
	SWVersion    string `xml:"SWVersion"`
	SerialNumber string `xml:"SerialNumber"`
}

// tmsPostEvent is the heartbeat request body.
type tmsPostEvent struct {
	Identification tmsIdentification `xml:"Identification"`
	Event          string            `xml:"Event"`
}

// tmsPostDocument is the document upload request body.
type tmsPostDocument struct {
	Identification tmsIdentification `xml:"Identification"`
	Location       string            `xml:"Location"`
	Document       string            `xml:",innerxml"`
}

// tmsEnvelope matches both request kinds.
type tmsEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		PostEvent    *tmsPostEvent    `xml:"PostEvent"`
		PostDocument *tmsPostDocument `xml:"PostDocument"`
	} `xml:"Body"`
}

func parseTMSEnvelope(body []byte) (*tmsEnvelope, error) {
	var envelope tmsEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, &InvalidDataError{Message: "malformed SOAP envelope", Fields: map[string]string{"parse": err.Error()}}
	}
	return &envelope, nil
}

// authenticate resolves the customer and endpoint for a poll. A missing
// endpoint secret is tolerated only when the customer does not enforce it,
// in which case the endpoint is matched by (MAC, serial).
func (h *provisioningHandler) authenticate(ctx context.Context, customerSecret, endpointSecret string, ident tmsIdentification) (*Customer, *Endpoint, error) {
	if customerSecret == "" {
		return h.authenticateAnonymous(ctx, endpointSecret, ident)
	}

	customer, err := h.ds.FindCustomerBySecret(ctx, customerSecret)
	if err != nil {
		return nil, nil, err
	}

	if endpointSecret != "" {
		endpoint, err := h.ds.FindEndpointBySecret(ctx, endpointSecret)
		if err != nil {
			if isNotFound(err) {
				return nil, nil, &InvalidKeyError{Message: "unknown endpoint key"}
			}
			return nil, nil, err
		}
		if endpoint.CustomerID != customer.ID {
			return nil, nil, &InvalidKeyError{Message: "endpoint key does not match customer"}
		}
		return customer, endpoint, nil
	}

	if customer.RequireEndpointKey {
		return nil, nil, &InvalidKeyError{Message: "endpoint key required"}
	}
	endpoint, err := h.ds.FindEndpointByIdentity(ctx, ident.MACAddress, ident.SerialNumber)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, &InvalidKeyError{Message: "unknown endpoint identity"}
		}
		return nil, nil, err
	}
	if endpoint.CustomerID != customer.ID {
		return nil, nil, &InvalidKeyError{Message: "endpoint does not belong to customer"}
	}
	return customer, endpoint, nil
}

// authenticateAnonymous handles polls on the bare /tms/ path, which carries
// no customer key. Off unless explicitly enabled; the endpoint is matched by
// (MAC, serial) and the customer resolved from the endpoint record.
func (h *provisioningHandler) authenticateAnonymous(ctx context.Context, endpointSecret string, ident tmsIdentification) (*Customer, *Endpoint, error) {
	if cfg == nil || !cfg.AllowAnonymousPoll {
		return nil, nil, &InvalidKeyError{Message: "customer key required"}
	}

	var endpoint *Endpoint
	var err error
	if endpointSecret != "" {
		endpoint, err = h.ds.FindEndpointBySecret(ctx, endpointSecret)
	} else {
		endpoint, err = h.ds.FindEndpointByIdentity(ctx, ident.MACAddress, ident.SerialNumber)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, nil, &InvalidKeyError{Message: "unknown endpoint"}
		}
		return nil, nil, err
	}

	customer, err := h.ds.GetCustomer(ctx, endpoint.CustomerID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, &InvalidKeyError{Message: "endpoint has no customer"}
		}
		return nil, nil, err
	}
	return customer, endpoint, nil
}

// HandleHeartbeat serves PostEvent polls.
func (h *provisioningHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request, customerSecret, endpointSecret string) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	envelope, err := parseTMSEnvelope(body)
	if err != nil || envelope.Body.PostEvent == nil {
		http.Error(w, "expected PostEvent", http.StatusBadRequest)
		return
	}
	event := envelope.Body.PostEvent

	_, endpoint, err := h.authenticate(ctx, customerSecret, endpointSecret, event.Identification)
	if err != nil {
		writeProvisioningError(w, err)
		return
	}

	log := logger.With("endpoint_id", endpoint.ID, "event", event.Event)
	log.DebugContext(ctx, "passive heartbeat")

	now := time.Now().UTC()
	endpoint.LastEvent = now
	endpoint.LastProvision = now
	endpoint.IPAddress = firstNonEmpty(event.Identification.IPAddress, endpoint.IPAddress)
	if endpoint.Status < StateOnline {
		endpoint.Status = StateOnline
	}

	tasks, err := h.dequeuePassiveTasks(ctx, endpoint)
	if err != nil {
		log.With(errKey, err).ErrorContext(ctx, "failed to dequeue passive tasks")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	response := h.assembleResponse(ctx, endpoint, tasks)

	if endpoint.UpstreamManagerURL != "" {
		h.mergeUpstream(ctx, endpoint, body, response)
	}

	for _, task := range tasks {
		task.Status = TaskSent
		task.TSLastAttempt = now
		if putErr := h.ds.PutEndpointTask(ctx, task); putErr != nil {
			log.With(errKey, putErr, "task_id", task.ID).WarnContext(ctx, "failed to mark task sent")
		}
	}
	if err := h.ds.PutEndpoint(ctx, endpoint); err != nil {
		log.With(errKey, err).WarnContext(ctx, "failed to update endpoint after heartbeat")
	}

	w.Header().Set("Content-Type", soapContentType)
	_, _ = w.Write(response.render())
}

// dequeuePassiveTasks selects the tasks a heartbeat may carry: pending or
// queued, schedulable now, inside their time window, and (for
// direct-capable endpoints) old enough that the active channel had its
// chance.
func (h *provisioningHandler) dequeuePassiveTasks(ctx context.Context, endpoint *Endpoint) ([]*EndpointTask, error) {
	ids, err := h.ds.EndpointTaskIDs(ctx, endpoint.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var selected []*EndpointTask
	for _, id := range ids {
		task, getErr := h.ds.GetEndpointTask(ctx, id)
		if getErr != nil {
			if isNotFound(getErr) {
				continue
			}
			return nil, getErr
		}
		if task.Status != TaskPending && task.Status != TaskQueued {
			continue
		}
		if !task.TSScheduleAttempt.IsZero() && task.TSScheduleAttempt.After(now) {
			continue
		}
		if endpoint.DirectCapable() && task.TSCreated.After(now.Add(-passiveTaskMinAge)) {
			continue
		}
		if !task.Constraint.Allows(now) {
			continue
		}
		if !h.ds.ClaimTask(ctx, task.ID) {
			// A dispatcher peer holds this one.
			continue
		}
		selected = append(selected, task)
	}
	return selected, nil
}

// provisioningResponse is the assembled PostEventResult.
type provisioningResponse struct {
	Configuration []string
	Commands      []string
	Calendar      []string
	Software      string
	Documents     []string
	Interval      int
}

// render serializes the SOAP response envelope.
func (r *provisioningResponse) render() []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<Envelope xmlns="http://schemas.xmlsoap.org/soap/envelope/"><Body><PostEventResponse><PostEventResult><Management>`)
	writeBlock := func(tag string, fragments []string) {
		if len(fragments) == 0 {
			return
		}
		b.WriteString("<" + tag + ">")
		for _, f := range fragments {
			b.WriteString(f)
		}
		b.WriteString("</" + tag + ">")
	}
	writeBlock("Configuration", r.Configuration)
	writeBlock("Command", r.Commands)
	writeBlock("Calendar", r.Calendar)
	if r.Software != "" {
		b.WriteString("<Software>" + r.Software + "</Software>")
	}
	writeBlock("DocumentsToPost", r.Documents)
	b.WriteString("</Management>")
	fmt.Fprintf(&b, "<HeartBeatInterval>%d</HeartBeatInterval>", r.Interval)
	b.WriteString(`</PostEventResult></PostEventResponse></Body></Envelope>`)
	return b.Bytes()
}

// assembleResponse builds the heartbeat bundle from the selected tasks, the
// endpoint's calendar, and the documents-to-post callbacks.
func (h *provisioningHandler) assembleResponse(ctx context.Context, endpoint *Endpoint, tasks []*EndpointTask) *provisioningResponse {
	response := &provisioningResponse{Interval: heartbeatDefaultInterval}

	for _, task := range tasks {
		switch task.Action {
		case TaskConfiguration, TaskPassive:
			if doc := payloadString(task, "xml"); doc != "" {
				response.Configuration = append(response.Configuration, doc)
			}
		case TaskDialInfo:
			response.Configuration = append(response.Configuration, dialInfoConfiguration(task))
		case TaskCommands, TaskRoomControls, TaskRoomControlsRestart:
			if doc := payloadString(task, "xml"); doc != "" {
				response.Commands = append(response.Commands, doc)
			}
		case TaskEvents:
			response.Commands = append(response.Commands, feedbackRegistrationCommand(payloadString(task, "url")))
		case TaskPassword:
			response.Commands = append(response.Commands, passwordCommand(endpoint, payloadString(task, "password")))
		case TaskCACertificates:
			response.Commands = append(response.Commands, caCertificateCommand(payloadString(task, "pem")))
		case TaskFirmware:
			response.Software = "<Package><URL>" + xmlEscape(payloadString(task, "url")) +
				"</URL><Version>" + xmlEscape(payloadString(task, "version")) + "</Version></Package>"
		default:
			logger.With("task_id", task.ID, "action", string(task.Action)).
				DebugContext(ctx, "task action has no passive rendering")
		}
	}

	active := endpoint.Status == StateInCall
	for _, entry := range h.calendarEntries(ctx, endpoint) {
		response.Calendar = append(response.Calendar, entry.fragment)
		if entry.startsSoon {
			active = true
		}
	}
	if active {
		response.Interval = heartbeatActiveInterval
	}

	if h.externalURL != "" {
		base := h.externalURL + "/tms/document"
		response.Documents = append(response.Documents,
			"<Document><Location>/Status</Location><URL>"+xmlEscape(base)+"</URL></Document>",
			"<Document><Location>/Configuration</Location><URL>"+xmlEscape(base)+"</URL></Document>",
		)
	}
	return response
}

type calendarEntry struct {
	fragment   string
	startsSoon bool
}

// calendarEntries renders the endpoint's upcoming bookings.
func (h *provisioningHandler) calendarEntries(ctx context.Context, endpoint *Endpoint) []calendarEntry {
	now := time.Now().UTC()
	var entries []calendarEntry
	for _, meetingID := range endpoint.BookingIDs {
		m, err := h.ds.GetMeeting(ctx, meetingID)
		if err != nil || !m.BackendActive || m.TSStop.Before(now) {
			continue
		}
		var b strings.Builder
		b.WriteString("<Booking><Id>" + xmlEscape(m.ID) + "</Id>")
		b.WriteString("<Title>" + xmlEscape(m.Title) + "</Title>")
		b.WriteString("<StartTime>" + m.TSStart.UTC().Format("2006-01-02T15:04:05Z") + "</StartTime>")
		b.WriteString("<EndTime>" + m.TSStop.UTC().Format("2006-01-02T15:04:05Z") + "</EndTime>")
		if m.RoomURI != "" {
			b.WriteString("<DialInfo><Number>" + xmlEscape(m.RoomURI) + "</Number></DialInfo>")
		}
		b.WriteString("</Booking>")
		entries = append(entries, calendarEntry{
			fragment:   b.String(),
			startsSoon: m.TSStart.Before(now.Add(activeBookingWindow)) && m.TSStop.After(now),
		})
	}
	return entries
}

// mergeUpstream forwards the poll to the chained external manager and folds
// its configuration, command, and calendar segments into the response.
// Upstream failures degrade to the local-only response.
func (h *provisioningHandler) mergeUpstream(ctx context.Context, endpoint *Endpoint, rawRequest []byte, response *provisioningResponse) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.UpstreamManagerURL, bytes.NewReader(rawRequest))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", soapContentType)
	resp, err := h.upstream.Do(req)
	if err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID).
			WarnContext(ctx, "upstream manager unreachable, serving local response")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		return
	}

	for _, tag := range []string{"Configuration", "Command", "Calendar"} {
		if inner, ok := innerSegment(string(body), tag); ok {
			switch tag {
			case "Configuration":
				response.Configuration = append(response.Configuration, inner)
			case "Command":
				response.Commands = append(response.Commands, inner)
			case "Calendar":
				response.Calendar = append(response.Calendar, inner)
			}
		}
	}
}

// innerSegment extracts the inner XML of the first <tag>...</tag> pair.
func innerSegment(body, tag string) (string, bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	start := strings.Index(body, open)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(open):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// HandleDocument serves PostDocument uploads.
func (h *provisioningHandler) HandleDocument(w http.ResponseWriter, r *http.Request, customerSecret, endpointSecret string) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	envelope, err := parseTMSEnvelope(body)
	if err != nil || envelope.Body.PostDocument == nil {
		http.Error(w, "expected PostDocument", http.StatusBadRequest)
		return
	}
	doc := envelope.Body.PostDocument

	_, endpoint, err := h.authenticate(ctx, customerSecret, endpointSecret, doc.Identification)
	if err != nil {
		writeProvisioningError(w, err)
		return
	}

	kind := strings.Trim(doc.Location, "/")
	if kind == "" {
		kind = "unknown"
	}
	content := documentContent(doc.Document)
	if err := h.ds.PutDocument(ctx, endpoint.ID, kind, []byte(content)); err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID, "kind", kind).
			ErrorContext(ctx, "failed to store posted document")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	endpoint.LastProvisionDocument = time.Now().UTC()

	switch kind {
	case "Status":
		h.ingestStatusDocument(ctx, endpoint, []byte(content))
	case "Configuration":
		h.ingestConfigurationDocument(ctx, endpoint, []byte(content))
	}

	if err := h.ds.PutEndpoint(ctx, endpoint); err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID).
			WarnContext(ctx, "failed to update endpoint after document post")
	}
	w.Header().Set("Content-Type", soapContentType)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?><Envelope xmlns="http://schemas.xmlsoap.org/soap/envelope/"><Body><PostDocumentResponse/></Body></Envelope>`))
}

// ingestStatusDocument folds a posted /Status document into the endpoint.
func (h *provisioningHandler) ingestStatusDocument(ctx context.Context, endpoint *Endpoint, document []byte) {
	var status ceStatus
	if err := xml.Unmarshal(wrapDocument("Status", document), &status); err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID).DebugContext(ctx, "unparseable status document")
		return
	}
	data := &StatusData{
		State:         StateOnline,
		UptimeSeconds: status.SystemUnit.Uptime,
		HeadCount:     status.RoomAnalytics.PeopleCount.Current,
		Presence:      status.RoomAnalytics.PeoplePresence,
	}
	for _, call := range status.Calls {
		if call.Status == "Connected" {
			data.InCall = true
		}
	}
	for _, msg := range status.Diagnostics.Messages {
		if msg.Level == "Error" || msg.Level == "Critical" {
			data.Warnings = append(data.Warnings, msg.Description)
		}
	}
	applyStatus(endpoint, data)
}

// ingestConfigurationDocument fills empty identity fields from a posted
// /Configuration document.
func (h *provisioningHandler) ingestConfigurationDocument(ctx context.Context, endpoint *Endpoint, document []byte) {
	var conf ceConfigIdentity
	if err := xml.Unmarshal(wrapDocument("Configuration", document), &conf); err != nil {
		logger.With(errKey, err, "endpoint_id", endpoint.ID).DebugContext(ctx, "unparseable configuration document")
		return
	}
	info := &DialInfo{
		SIP:      conf.SIP.URI,
		H323:     conf.H323.H323Alias.ID,
		H323E164: conf.H323.H323Alias.E164,
	}
	flat := flattenXML(wrapDocument("Configuration", document))
	mergeEmptyConfigFields(endpoint, info, conf.SystemUnit.Name, flat["Provisioning/ExternalManager/Address"])
}

// documentContent strips the identity and location elements that share the
// PostDocument body with the inline document.
func documentContent(inner string) string {
	for _, tag := range []string{"Identification", "Location"} {
		for {
			start := strings.Index(inner, "<"+tag)
			if start < 0 {
				break
			}
			closeTag := "</" + tag + ">"
			end := strings.Index(inner[start:], closeTag)
			if end < 0 {
				break
			}
			inner = inner[:start] + inner[start+end+len(closeTag):]
		}
	}
	return strings.TrimSpace(inner)
}

// wrapDocument ensures the inner document carries its root element; posted
// bodies sometimes omit it.
func wrapDocument(root string, inner []byte) []byte {
	trimmed := bytes.TrimSpace(inner)
	if bytes.HasPrefix(trimmed, []byte("<"+root)) {
		return trimmed
	}
	return []byte("<" + root + ">" + string(trimmed) + "</" + root + ">")
}

// Task rendering helpers shared with the active dispatch path.

func payloadString(task *EndpointTask, key string) string {
	if task.Payload == nil {
		return ""
	}
	if v, ok := task.Payload[key].(string); ok {
		return v
	}
	return ""
}

func dialInfoConfiguration(task *EndpointTask) string {
	var b strings.Builder
	b.WriteString("<Configuration>")
	if sip := payloadString(task, "sip"); sip != "" {
		b.WriteString("<SIP><URI>" + xmlEscape(sip) + "</URI></SIP>")
	}
	if h323 := payloadString(task, "h323"); h323 != "" {
		b.WriteString("<H323><H323Alias><ID>" + xmlEscape(h323) + "</ID></H323Alias></H323>")
	}
	if e164 := payloadString(task, "h323_e164"); e164 != "" {
		b.WriteString("<H323><H323Alias><E164>" + xmlEscape(e164) + "</E164></H323Alias></H323>")
	}
	b.WriteString("</Configuration>")
	return b.String()
}

func feedbackRegistrationCommand(callbackURL string) string {
	return "<Command><HttpFeedback><Register>" +
		"<FeedbackSlot>" + feedbackSlot + "</FeedbackSlot>" +
		"<ServerUrl>" + xmlEscape(callbackURL) + "</ServerUrl>" +
		"<Expression>/Status/Call</Expression>" +
		"<Expression>/Status/SystemUnit</Expression>" +
		"</Register></HttpFeedback></Command>"
}

func passwordCommand(endpoint *Endpoint, password string) string {
	return "<Command><UserManagement><User><Passphrase><Set>" +
		"<Username>" + xmlEscape(endpoint.Username) + "</Username>" +
		"<NewPassphrase>" + xmlEscape(password) + "</NewPassphrase>" +
		"</Set></Passphrase></User></UserManagement></Command>"
}

func caCertificateCommand(pemBundle string) string {
	return "<Command><Security><Certificates><CA><Add><body>" +
		xmlEscape(pemBundle) +
		"</body></Add></CA></Certificates></Security></Command>"
}

// writeProvisioningError maps provisioning failures to HTTP statuses:
// wrong keys are 403, bad payloads 400, everything else 500.
func writeProvisioningError(w http.ResponseWriter, err error) {
	var invalidKey *InvalidKeyError
	var invalidData *InvalidDataError
	switch {
	case errors.As(err, &invalidKey):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.As(err, &invalidData):
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
