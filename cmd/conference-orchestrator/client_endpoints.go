// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Managed room-system clients. Every firmware family implements the same
// capability surface; the factory picks the implementation from the
// endpoint record. Families that cannot perform an operation return
// errUnsupportedAction instead of guessing.

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// errUnsupportedAction marks a capability a firmware family does not have.
var errUnsupportedAction = errors.New("action not supported by this endpoint family")

// Call-control actions accepted by CallControl.
const (
	CallActionDial       = "dial"
	CallActionDisconnect = "disconnect"
	CallActionAnswer     = "answer"
	CallActionReject     = "reject"
	CallActionMute       = "mute"
)

// DialInfo is the registration identity of an endpoint.
type DialInfo struct {
	SIP      string `json:"sip,omitempty"`
	H323     string `json:"h323,omitempty"`
	H323E164 string `json:"h323_e164,omitempty"`
}

// BasicData is the hardware identity of an endpoint.
type BasicData struct {
	Serial          string `json:"serial,omitempty"`
	MAC             string `json:"mac,omitempty"`
	ProductName     string `json:"product_name,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// StatusData is a live status snapshot of an endpoint.
type StatusData struct {
	State         EndpointState `json:"state"`
	InCall        bool          `json:"in_call"`
	UptimeSeconds int64         `json:"uptime_seconds,omitempty"`
	HeadCount     int           `json:"head_count,omitempty"`
	Presence      string        `json:"presence,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// EndpointClient is the capability surface shared by all firmware families.
type EndpointClient interface {
	// GetStatusData reads a live status snapshot.
	GetStatusData(ctx context.Context) (*StatusData, error)
	// GetConfigurationData reads the configuration document as a flat map.
	GetConfigurationData(ctx context.Context) (map[string]string, error)
	// GetBasicData reads the hardware identity.
	GetBasicData(ctx context.Context) (*BasicData, error)

	GetDialInfo(ctx context.Context) (*DialInfo, error)
	SetDialInfo(ctx context.Context, info *DialInfo) error

	// CallControl executes a call action (dial, disconnect, answer, reject,
	// mute) with an action-specific argument.
	CallControl(ctx context.Context, action, argument string) error

	SetPassword(ctx context.Context, password string) error
	AddCACertificates(ctx context.Context, pemBundle string) error

	// SetBookings pushes the upcoming meeting list to the endpoint calendar.
	SetBookings(ctx context.Context, meetings []*Meeting) error

	// GetPassiveStatus reports whether the endpoint's provisioning already
	// points at this system.
	GetPassiveStatus(ctx context.Context) (bool, error)
	// GetPassiveProvisioningConfiguration renders the configuration document
	// that redirects the endpoint to passive provisioning against url.
	GetPassiveProvisioningConfiguration(heartbeatURL string) ([]byte, error)

	// CheckEventsStatus verifies that event feedback is registered and
	// re-registers it when missing.
	CheckEventsStatus(ctx context.Context) (bool, error)

	// UpdateStatistics refreshes the mutable status fields of the endpoint
	// record from a live read.
	UpdateStatistics(ctx context.Context, e *Endpoint) error
}

// newEndpointClient picks the client implementation for an endpoint.
func newEndpointClient(e *Endpoint, state *ProcessState) (EndpointClient, error) {
	switch e.Family {
	case FamilyCiscoCE:
		return newCiscoCEClient(e, state), nil
	case FamilyPolyStudioX, FamilyPolyGroup:
		return newPolyRestClient(e, state), nil
	case FamilyPolyTrio:
		return newPolyTrioClient(e, state), nil
	case FamilyPolyHDX:
		return newPolyHDXClient(e), nil
	default:
		return nil, fmt.Errorf("unknown endpoint family %q", e.Family)
	}
}

// endpointBaseURL derives the HTTPS base for an endpoint, preferring the
// hostname over the raw address.
func endpointBaseURL(e *Endpoint) *url.URL {
	host := e.Hostname
	if host == "" {
		host = e.IPAddress
	}
	return &url.URL{Scheme: "https", Host: host}
}

// applyStatus folds a status snapshot into an endpoint record.
func applyStatus(e *Endpoint, status *StatusData) {
	e.Status = status.State
	if status.InCall {
		e.Status = StateInCall
	}
	e.UptimeSeconds = status.UptimeSeconds
	e.HeadCount = status.HeadCount
	e.Presence = status.Presence
	e.Warnings = status.Warnings
	e.LastCheck = time.Now().UTC()
	if status.State >= StateOnline {
		e.LastOnline = e.LastCheck
	}
}

// classifyEndpointError maps a transport error onto the endpoint state it
// implies.
func classifyEndpointError(err error) EndpointState {
	switch {
	case err == nil:
		return StateOnline
	case isAuthenticationError(err):
		return StateAuthError
	case isConnectionError(err):
		return StateConnectionError
	default:
		return StateOffline
	}
}

// mergeEmptyConfigFields copies identity fields learned from a posted
// configuration document into the endpoint record, filling empty fields
// only: operator-entered values always win over device reports.
func mergeEmptyConfigFields(e *Endpoint, info *DialInfo, title, pexipRegistration string) bool {
	changed := false
	if e.SIP == "" && info != nil && info.SIP != "" {
		e.SIP = info.SIP
		changed = true
	}
	if e.H323 == "" && info != nil && info.H323 != "" {
		e.H323 = info.H323
		changed = true
	}
	if e.H323E164 == "" && info != nil && info.H323E164 != "" {
		e.H323E164 = info.H323E164
		changed = true
	}
	if e.Title == "" && title != "" {
		e.Title = title
		changed = true
	}
	if e.PexipRegistration == "" && pexipRegistration != "" {
		e.PexipRegistration = pexipRegistration
		changed = true
	}
	return changed
}
