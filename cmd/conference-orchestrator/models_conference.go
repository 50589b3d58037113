// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

import (
	"time"
)

// ClusterKind identifies the provider dialect a cluster speaks.
type ClusterKind string

// Supported cluster kinds.
const (
	ClusterKindCMS   ClusterKind = "cms"
	ClusterKindPexip ClusterKind = "pexip"
)

// NumberRange is the numeric call-id range a cluster allocates scheduled
// rooms from.
type NumberRange struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// Contains reports whether n falls inside the range.
func (r NumberRange) Contains(n int64) bool {
	return n >= r.Start && n <= r.Stop
}

// ClusterOptions is the per-cluster options bag. It is read-mostly with a
// single writer at sync time; updates are idempotent.
type ClusterOptions struct {
	// Cached cluster-wide settings-profile ids, discovered or created once
	// and then reused by every cospace on the cluster.
	CallProfileID         string `json:"call_profile_id,omitempty"`
	CallLegProfileID      string `json:"call_leg_profile_id,omitempty"`
	ModeratorLegProfileID string `json:"moderator_leg_profile_id,omitempty"`

	// ScheduledRoomRange is the numeric range scheduled cospace call-ids are
	// drawn from.
	ScheduledRoomRange NumberRange `json:"scheduled_room_range"`

	// RandomCallID selects random draws over sequential allocation.
	RandomCallID bool `json:"random_call_id"`

	// DialDomain is appended to numeric call-ids to form dial URIs.
	DialDomain string `json:"dial_domain,omitempty"`

	// CDRReceiverURL is registered on every CMS call bridge so the cluster
	// posts call detail records back to this system.
	CDRReceiverURL string `json:"cdr_receiver_url,omitempty"`

	// InsecureTLS skips certificate verification toward the cluster's
	// management API. Common on appliances with self-signed certs.
	InsecureTLS bool `json:"insecure_tls,omitempty"`
}

// Cluster is a group of collaborating conferencing nodes sharing one
// logical address plan.
type Cluster struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           ClusterKind     `json:"kind"`
	Nodes          []*ClusterNode  `json:"nodes"`
	Options        ClusterOptions  `json:"options"`
	InternalLegIPs []string        `json:"internal_leg_ips,omitempty"`

	// TenantCount is the number of tenants last observed by sync; derived
	// state, not configuration.
	TenantCount int `json:"tenant_count"`
}

// IsMultiTenant reports whether the cluster hosts more than the implicit
// default tenant.
func (c *Cluster) IsMultiTenant() bool {
	return c.TenantCount > 1
}

// ClusterNode is one reachable member of a cluster.
type ClusterNode struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Username        string    `json:"username"`
	Password        string    `json:"password"`
	SoftwareVersion string    `json:"software_version,omitempty"`
	SessionToken    string    `json:"-"`
	SessionExpires  time.Time `json:"-"`
	IsCallBridge    bool      `json:"is_call_bridge"`
	IsDatabase      bool      `json:"is_database"`
}

// Tenant is a partition inside a cluster. The implicit default tenant is
// the empty id.
type Tenant struct {
	ID              string            `json:"id"`
	ClusterID       string            `json:"cluster_id"`
	Name            string            `json:"name"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Enabled         bool              `json:"enabled"`
	LastSynced      time.Time         `json:"last_synced"`
	CoSpaceCount    int               `json:"cospace_count"`
	UserCount       int               `json:"user_count"`
	LastCountChange time.Time         `json:"last_count_change"`
}

// Customer is a tenant's local mapping: one cluster assignment plus a
// tenant-id reference, and the secret key that authenticates its passive
// endpoints.
type Customer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClusterID string `json:"cluster_id"`
	TenantID  string `json:"tenant_id"`

	// SecretKey authenticates the /tms/<customer_secret>/ URL surface.
	SecretKey string `json:"secret_key"`

	// RequireEndpointKey enforces per-endpoint secrets on the passive
	// heartbeat; when false, endpoints may authenticate by (MAC, serial).
	RequireEndpointKey bool `json:"require_endpoint_key"`
}

// AccessMethodScope controls who may use an access method to dial in.
type AccessMethodScope string

// Access method scopes, richest first.
const (
	ScopePublic  AccessMethodScope = "public"
	ScopeMember  AccessMethodScope = "member"
	ScopePrivate AccessMethodScope = "private"
)

// AccessMethod is a secondary dial identity attached to a cospace, with its
// own passcode and call-leg policy.
type AccessMethod struct {
	ID               string            `json:"id"`
	CoSpaceID        string            `json:"cospace_id"`
	Name             string            `json:"name,omitempty"`
	URI              string            `json:"uri,omitempty"`
	CallID           string            `json:"call_id,omitempty"`
	Passcode         string            `json:"passcode,omitempty"`
	Secret           string            `json:"secret,omitempty"`
	CallLegProfileID string            `json:"call_leg_profile_id,omitempty"`
	Scope            AccessMethodScope `json:"scope,omitempty"`
}

// richerThan orders access methods for dial-identity derivation:
// scope=public outranks private, and a uri outranks a bare call-id.
func (a *AccessMethod) richerThan(b *AccessMethod) bool {
	if b == nil {
		return true
	}
	rank := func(s AccessMethodScope) int {
		switch s {
		case ScopePublic:
			return 2
		case ScopeMember:
			return 1
		default:
			return 0
		}
	}
	if rank(a.Scope) != rank(b.Scope) {
		return rank(a.Scope) > rank(b.Scope)
	}
	return a.URI != "" && b.URI == ""
}

// CoSpace is a persistent virtual conferencing room.
type CoSpace struct {
	ID        string `json:"id"`
	ClusterID string `json:"cluster_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	OrganizationUnit string `json:"organization_unit,omitempty"`

	Name         string `json:"name,omitempty"`
	URI          string `json:"uri,omitempty"`
	SecondaryURI string `json:"secondary_uri,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	Secret       string `json:"secret,omitempty"`
	StreamURL    string `json:"stream_url,omitempty"`
	Passcode     string `json:"passcode,omitempty"`

	OwnerJID  string `json:"owner_jid,omitempty"`
	CreatorID string `json:"creator_id,omitempty"`

	CallProfileID    string `json:"call_profile_id,omitempty"`
	CallLegProfileID string `json:"call_leg_profile_id,omitempty"`

	AccessMethodIDs  []string `json:"access_method_ids,omitempty"`
	MemberIDs        []string `json:"member_ids,omitempty"`
	NumAccessMethods int      `json:"num_access_methods"`

	Active        bool `json:"active"`
	AutoGenerated bool `json:"auto_generated"`
	Scheduled     bool `json:"scheduled"`

	LastSyncedList    time.Time `json:"last_synced_list"`
	LastSyncedFull    time.Time `json:"last_synced_full"`
	LastSyncedMembers time.Time `json:"last_synced_members"`
}

// DialIdentity returns the cospace's effective (uri, callID). When both are
// empty but access methods exist, the identity is derived from the richest
// access method.
func (c *CoSpace) DialIdentity(methods []*AccessMethod) (uri, callID string) {
	if c.URI != "" || c.CallID != "" {
		return c.URI, c.CallID
	}
	var best *AccessMethod
	for _, m := range methods {
		if best == nil || m.richerThan(best) {
			best = m
		}
	}
	if best == nil {
		return "", ""
	}
	return best.URI, best.CallID
}

// User is a directory entry on a cluster.
type User struct {
	ID               string    `json:"id"`
	ClusterID        string    `json:"cluster_id"`
	JID              string    `json:"jid"`
	Email            string    `json:"email,omitempty"`
	Name             string    `json:"name,omitempty"`
	LDAPOU           string    `json:"ldap_ou,omitempty"`
	TenantID         string    `json:"tenant_id,omitempty"`
	CustomerID       string    `json:"customer_id,omitempty"`
	Active           bool      `json:"active"`
	LastSynced       time.Time `json:"last_synced"`
	LastSyncedDetail time.Time `json:"last_synced_detail"`
}

// Call is a live conference on a cluster. Short TTL; never persisted
// beyond the datastore cache.
type Call struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	CoSpaceID       string `json:"cospace_id,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
	CallBridgeID    string `json:"call_bridge_id,omitempty"`
	Correlator      string `json:"correlator,omitempty"`
	NumParticipants int    `json:"num_participants"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// CallLeg is one media connection within a call.
type CallLeg struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	CallID          string `json:"call_id,omitempty"`
	RemoteAddress   string `json:"remote_address,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
	CallBridgeID    string `json:"call_bridge_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// Participant is one attendee of a call.
type Participant struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	CallID          string `json:"call_id,omitempty"`
	URI             string `json:"uri,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
	CallBridgeID    string `json:"call_bridge_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// DialOut is an automatic outbound call placed when a meeting starts.
type DialOut struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol,omitempty"`
	Role     string `json:"role,omitempty"`
}

// RecordingSettings controls meeting recording.
type RecordingSettings struct {
	Record    bool   `json:"record"`
	StreamURL string `json:"stream_url,omitempty"`
}

// Meeting is a scheduled conference occurrence.
type Meeting struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	ClusterID  string `json:"cluster_id"`

	Title             string    `json:"title"`
	TSStart           time.Time `json:"ts_start"`
	TSStop            time.Time `json:"ts_stop"`
	Password          string    `json:"password,omitempty"`
	ModeratorPassword string    `json:"moderator_password,omitempty"`
	LobbyPin          string    `json:"lobby_pin,omitempty"`
	Layout            string    `json:"layout,omitempty"`
	ModeratorLayout   string    `json:"moderator_layout,omitempty"`
	CreatorJID        string    `json:"creator_jid,omitempty"`

	// RecurrenceRule is an RFC 5545 RRULE string held by the recurring
	// master; occurrences are materialized on book.
	RecurrenceRule       string   `json:"recurrence_rule,omitempty"`
	RecurrenceExceptions []string `json:"recurrence_exceptions,omitempty"`
	RecurringMasterID    string   `json:"recurring_master_id,omitempty"`
	OccurrenceIDs        []string `json:"occurrence_ids,omitempty"`

	BackendActive     bool      `json:"backend_active"`
	CustomerConfirmed time.Time `json:"customer_confirmed,omitzero"`

	// Provider references, mirrored from server truth after book:
	// ProviderRef is the numeric call-id, ProviderRef2 the cospace id,
	// ProviderSecret the server-generated cospace secret.
	ProviderRef    string `json:"provider_ref,omitempty"`
	ProviderRef2   string `json:"provider_ref2,omitempty"`
	ProviderSecret string `json:"provider_secret,omitempty"`

	// ExistingRef marks a reference to a pre-existing static room; unbook
	// then deactivates local state only.
	ExistingRef bool `json:"existing_ref"`

	// Requested dial identity; the server-chosen values land in the
	// provider refs above.
	RoomURI         string `json:"room_uri,omitempty"`
	RequestedCallID string `json:"requested_call_id,omitempty"`

	IsWebinar       bool `json:"is_webinar"`
	DisableChat     bool `json:"disable_chat"`
	ForceEncryption bool `json:"force_encryption"`

	ModeratorAccessMethodID string `json:"moderator_access_method_id,omitempty"`

	DialOuts    []DialOut          `json:"dial_outs,omitempty"`
	Recording   *RecordingSettings `json:"recording,omitempty"`
	EndpointIDs []string           `json:"endpoint_ids,omitempty"`
}

// IsRecurringMaster reports whether this meeting holds a recurrence rule.
func (m *Meeting) IsRecurringMaster() bool {
	return m.RecurrenceRule != "" && m.RecurringMasterID == ""
}

// EndpointFamily identifies the firmware family of a managed room system.
type EndpointFamily string

// Supported endpoint families.
const (
	FamilyCiscoCE     EndpointFamily = "cisco_ce"
	FamilyPolyStudioX EndpointFamily = "poly_studio_x"
	FamilyPolyGroup   EndpointFamily = "poly_group"
	FamilyPolyTrio    EndpointFamily = "poly_trio"
	FamilyPolyHDX     EndpointFamily = "poly_hdx"
)

// ConnectionType is how this system reaches an endpoint.
type ConnectionType string

// Endpoint connection types.
const (
	ConnectionDirect   ConnectionType = "direct"
	ConnectionProxy    ConnectionType = "proxy"
	ConnectionPassive  ConnectionType = "passive"
	ConnectionIncoming ConnectionType = "incoming"
)

// EndpointState is the last observed endpoint status. Values are ordered so
// that "reachable at all" compares greater than StateUnknown.
type EndpointState int

// Endpoint states.
const (
	StateUnknown EndpointState = iota
	StateOffline
	StateConnectionError
	StateAuthError
	StateOnline
	StateInCall
)

// String implements fmt.Stringer.
func (s EndpointState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnectionError:
		return "connection_error"
	case StateAuthError:
		return "auth_error"
	case StateOnline:
		return "online"
	case StateInCall:
		return "in_call"
	default:
		return "unknown"
	}
}

// Endpoint is a managed room system.
type Endpoint struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`

	MAC            string `json:"mac,omitempty"`
	Serial         string `json:"serial,omitempty"`
	EventSecretKey string `json:"event_secret_key,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	SIP       string `json:"sip,omitempty"`
	H323      string `json:"h323,omitempty"`
	H323E164  string `json:"h323_e164,omitempty"`
	Title     string `json:"title,omitempty"`

	// PexipRegistration is the device alias registered on a Pexip cluster,
	// learned from posted configuration documents.
	PexipRegistration string `json:"pexip_registration,omitempty"`

	Family         EndpointFamily `json:"family"`
	ConnectionType ConnectionType `json:"connection_type"`
	Status         EndpointState  `json:"status"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// UpstreamManagerURL chains the endpoint behind an external manager:
	// passive polls are forwarded there and the responses merged.
	UpstreamManagerURL string `json:"upstream_manager_url,omitempty"`

	LastCheck             time.Time `json:"last_check,omitzero"`
	LastOnline            time.Time `json:"last_online,omitzero"`
	LastProvision         time.Time `json:"last_provision,omitzero"`
	LastProvisionDocument time.Time `json:"last_provision_document,omitzero"`
	LastEvent             time.Time `json:"last_event,omitzero"`

	UptimeSeconds int64    `json:"uptime_seconds,omitempty"`
	HeadCount     int      `json:"head_count,omitempty"`
	Presence      string   `json:"presence,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`

	BookingIDs []string `json:"booking_ids,omitempty"`
}

// DirectCapable reports whether this system can reach the endpoint without
// waiting for a heartbeat.
func (e *Endpoint) DirectCapable() bool {
	return e.ConnectionType == ConnectionDirect || e.ConnectionType == ConnectionProxy
}

// TaskAction is the kind of queued endpoint mutation.
type TaskAction string

// Endpoint task actions.
const (
	TaskConfiguration       TaskAction = "configuration"
	TaskCommands            TaskAction = "commands"
	TaskDialInfo            TaskAction = "dial_info"
	TaskTemplate            TaskAction = "template"
	TaskBranding            TaskAction = "branding"
	TaskAddressBook         TaskAction = "address_book"
	TaskEvents              TaskAction = "events"
	TaskPassword            TaskAction = "password"
	TaskCACertificates      TaskAction = "ca_certificates"
	TaskPassive             TaskAction = "passive"
	TaskRoomControls        TaskAction = "room_controls"
	TaskRoomControlsRestart TaskAction = "room_controls_restart"
	TaskFirmware            TaskAction = "firmware"
	TaskRepeat              TaskAction = "repeat"
)

// TaskStatus is the lifecycle state of an endpoint task.
type TaskStatus string

// Endpoint task statuses.
const (
	TaskPending TaskStatus = "pending"
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"

	// TaskSent marks a task handed to a passive endpoint, which never
	// acknowledges completion.
	TaskSent TaskStatus = "sent"
)

// TaskConstraint is a local-time execution window for a task.
type TaskConstraint struct {
	// NotBefore and NotAfter are wall-clock times ("15:04") in Timezone.
	NotBefore string `json:"not_before,omitempty"`
	NotAfter  string `json:"not_after,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// Allows reports whether the constraint permits execution at t.
func (c *TaskConstraint) Allows(t time.Time) bool {
	if c == nil || (c.NotBefore == "" && c.NotAfter == "") {
		return true
	}
	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return false
		}
		loc = l
	}
	local := t.In(loc)
	clock := local.Format("15:04")
	if c.NotBefore != "" && clock < c.NotBefore {
		return false
	}
	if c.NotAfter != "" && clock > c.NotAfter {
		return false
	}
	return true
}

// EndpointTask is a queued mutation for one endpoint.
type EndpointTask struct {
	ID         string          `json:"id"`
	EndpointID string          `json:"endpoint_id"`
	Action     TaskAction      `json:"action"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Status     TaskStatus      `json:"status"`
	Slow       bool            `json:"slow"`
	Constraint *TaskConstraint `json:"constraint,omitempty"`

	TSCreated         time.Time `json:"ts_created"`
	TSLastAttempt     time.Time `json:"ts_last_attempt,omitzero"`
	TSScheduleAttempt time.Time `json:"ts_schedule_attempt,omitzero"`

	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// ProviderSync records when a cluster was last walked.
type ProviderSync struct {
	ClusterID           string    `json:"cluster_id"`
	LastFullSync        time.Time `json:"last_full_sync,omitzero"`
	LastIncrementalSync time.Time `json:"last_incremental_sync,omitzero"`
}
