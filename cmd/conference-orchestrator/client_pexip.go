// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Pexip Infinity client. The Pexip dialect is JSON over HTTPS against the
// management node: configuration lives under /api/admin/configuration/v1/,
// live state under /api/admin/status/v1/, and new-object ids come back as
// integer ids in the Location header. A Conference plays the cospace role;
// ConferenceAlias objects play the access-method role.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	pexipConfigPrefix  = "/api/admin/configuration/v1"
	pexipStatusPrefix  = "/api/admin/status/v1"
	pexipHistoryPrefix = "/api/admin/history/v1"

	jsonEncoded = "application/json"
)

// pexipClient speaks the Pexip management API against one cluster.
type pexipClient struct {
	*providerClient
	syncer coSpaceSyncer
}

// newPexipClient builds a client for a Pexip cluster.
func newPexipClient(cluster *Cluster, ds *Datastore, state *ProcessState, syncer coSpaceSyncer) *pexipClient {
	var opts []transportOption
	if cluster.Options.InsecureTLS {
		opts = append(opts, withInsecureTLS())
	}
	base := newProviderClient(cluster, ds, state, func(node *ClusterNode) *url.URL {
		return &url.URL{Scheme: "https", Host: node.Host}
	}, opts...)
	return &pexipClient{providerClient: base, syncer: syncer}
}

// Kind implements ProviderClient.
func (c *pexipClient) Kind() ClusterKind { return ClusterKindPexip }

// pexipConference is the wire representation of a conference.
type pexipConference struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	PIN         string       `json:"pin,omitempty"`
	GuestPIN    string       `json:"guest_pin,omitempty"`
	AllowGuests bool         `json:"allow_guests"`
	ServiceType string       `json:"service_type,omitempty"`
	Tag         string       `json:"tag,omitempty"`
	Aliases     []pexipAlias `json:"aliases,omitempty"`
}

// pexipAlias is one dial alias of a conference.
type pexipAlias struct {
	ID          int    `json:"id,omitempty"`
	Alias       string `json:"alias"`
	Description string `json:"description,omitempty"`
}

// pexipListMeta is the pagination envelope on every list response.
type pexipListMeta struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// pexipList is a generic list response.
type pexipList struct {
	Meta    pexipListMeta     `json:"meta"`
	Objects []json.RawMessage `json:"objects"`
}

// toCoSpace converts a conference into the local model. The numeric id is
// stringified so both dialects share one identity type.
func (w *pexipConference) toCoSpace(clusterID string) *CoSpace {
	cospace := &CoSpace{
		ID:        strconv.Itoa(w.ID),
		ClusterID: clusterID,
		Name:      w.Name,
		Passcode:  w.GuestPIN,
		Secret:    w.PIN,
		Active:    true,
	}
	for i, alias := range w.Aliases {
		if i == 0 {
			cospace.URI = alias.Alias
		} else if cospace.SecondaryURI == "" {
			cospace.SecondaryURI = alias.Alias
		}
		if isNumeric(alias.Alias) && cospace.CallID == "" {
			cospace.CallID = alias.Alias
		}
	}
	cospace.NumAccessMethods = len(w.Aliases)
	return cospace
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// fetchList builds a pageFetcher for one Pexip list resource.
func (c *pexipClient) fetchList(path string, extra url.Values) pageFetcher {
	return func(ctx context.Context, tr *transport, offset, limit int) (*listPage, error) {
		q := url.Values{}
		for k, vs := range extra {
			q[k] = vs
		}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(limit))
		_, body, err := tr.get(ctx, path, q)
		if err != nil {
			return nil, err
		}
		var list pexipList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to parse list response: %w", err)
		}
		items := make([][]byte, 0, len(list.Objects))
		for _, obj := range list.Objects {
			items = append(items, []byte(obj))
		}
		perPage := list.Meta.Limit
		if perPage <= 0 {
			perPage = len(items)
		}
		return &listPage{Items: items, Total: list.Meta.TotalCount, PerPage: perPage}, nil
	}
}

// getConference reads one conference by id.
func (c *pexipClient) getConference(ctx context.Context, id string) (*pexipConference, error) {
	var wire pexipConference
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, pexipConfigPrefix+"/conference/"+id+"/", nil)
		if reqErr != nil {
			return reqErr
		}
		return json.Unmarshal(body, &wire)
	})
	if err != nil {
		return nil, err
	}
	return &wire, nil
}

// GetCoSpace returns one conference as a cospace, honoring the
// cached-values gate.
func (c *pexipClient) GetCoSpace(ctx context.Context, id string) (*CoSpace, error) {
	if c.allowCachedValues {
		if cached, err := c.ds.GetCoSpace(ctx, c.cluster.ID, id); err == nil {
			return cached, nil
		}
	}
	wire, err := c.getConference(ctx, id)
	if err != nil {
		return nil, err
	}
	cospace := wire.toCoSpace(c.cluster.ID)
	cospace.LastSyncedFull = time.Now().UTC()
	if err := c.ds.PutCoSpace(ctx, cospace); err != nil {
		logger.With(errKey, err, "conference_id", id).WarnContext(ctx, "failed to write-through conference")
	}
	return cospace, nil
}

// BookCoSpace creates or updates the conference for a meeting.
func (c *pexipClient) BookCoSpace(ctx context.Context, req *BookCoSpaceRequest) (*BookResult, error) {
	opts := c.cluster.Options

	callID := req.RequestedCallID
	if callID == "" && req.ExistingCoSpaceID == "" {
		allocated, err := c.ds.AllocateCallID(ctx, c.cluster.ID, opts.ScheduledRoomRange, opts.RandomCallID, req.MeetingID)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate call-id: %w", err)
		}
		callID = allocated
	}

	payload := map[string]any{
		"name":         req.Title,
		"tag":          req.MeetingID,
		"allow_guests": true,
	}
	if req.Password != "" {
		payload["guest_pin"] = req.Password
	}
	if passcode := req.moderatorPasscode(); passcode != "" {
		payload["pin"] = passcode
	}
	if req.IsWebinar {
		payload["service_type"] = "lecture"
	} else {
		payload["service_type"] = "conference"
	}

	var aliases []pexipAlias
	if req.URI != "" {
		aliases = append(aliases, pexipAlias{Alias: req.URI})
	}
	if callID != "" {
		aliases = append(aliases, pexipAlias{Alias: callID})
		if opts.DialDomain != "" {
			aliases = append(aliases, pexipAlias{Alias: callID + "@" + opts.DialDomain})
		}
	}
	if len(aliases) > 0 {
		payload["aliases"] = aliases
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conference: %w", err)
	}

	conferenceID := req.ExistingCoSpaceID
	if conferenceID != "" {
		err := c.runWithFailover(ctx, func(tr *transport) error {
			_, _, reqErr := tr.patch(ctx, pexipConfigPrefix+"/conference/"+conferenceID+"/", body, jsonEncoded)
			return reqErr
		})
		if err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to update conference %s: %w", conferenceID, err)
			}
			conferenceID = ""
		}
	}
	if conferenceID == "" {
		err := c.runWithFailover(ctx, func(tr *transport) error {
			resp, _, reqErr := tr.post(ctx, pexipConfigPrefix+"/conference/", body, jsonEncoded)
			if reqErr != nil {
				return reqErr
			}
			conferenceID = locationID(resp)
			if conferenceID == "" {
				return &ResponseError{Message: "no Location header on conference create", StatusCode: resp.StatusCode}
			}
			return nil
		})
		if err != nil {
			c.ds.ReleaseCallID(ctx, c.cluster.ID, callID)
			return nil, fmt.Errorf("failed to create conference: %w", err)
		}
	}

	if len(req.DialOuts) > 0 {
		if err := c.ensureAutomaticParticipants(ctx, conferenceID, req.DialOuts); err != nil {
			return nil, err
		}
	}

	wire, err := c.getConference(ctx, conferenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read conference %s: %w", conferenceID, err)
	}
	cospace := wire.toCoSpace(c.cluster.ID)
	cospace.Scheduled = !req.ExistingRef
	cospace.LastSyncedFull = time.Now().UTC()
	if err := c.ds.PutCoSpace(ctx, cospace); err != nil {
		return nil, fmt.Errorf("failed to cache conference %s: %w", conferenceID, err)
	}
	if c.syncer != nil {
		c.syncer.RequestSync(ctx, c.cluster.ID, conferenceID)
	}

	result := &BookResult{CoSpace: cospace}
	if req.wantsModerator() {
		// Pexip carries host credentials on the conference pin itself; the
		// synthetic record lets callers render moderator invites uniformly.
		result.ModeratorAccessMethod = &AccessMethod{
			CoSpaceID: cospace.ID,
			Name:      moderatorAccessMethodName,
			Passcode:  req.moderatorPasscode(),
			CallID:    cospace.CallID,
			URI:       cospace.URI,
			Scope:     ScopeMember,
		}
	}
	return result, nil
}

// UpdateCoSpace applies a targeted conference update.
func (c *pexipClient) UpdateCoSpace(ctx context.Context, id string, req *UpdateCoSpaceRequest) (*CoSpace, error) {
	payload := map[string]any{}
	if req.Name != nil {
		payload["name"] = *req.Name
	}
	if req.Passcode != nil {
		payload["guest_pin"] = *req.Passcode
	}

	if len(payload) > 0 {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conference update: %w", err)
		}
		err = c.runWithFailover(ctx, func(tr *transport) error {
			_, _, reqErr := tr.patch(ctx, pexipConfigPrefix+"/conference/"+id+"/", body, jsonEncoded)
			return reqErr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update conference %s: %w", id, err)
		}
	}

	wire, err := c.getConference(ctx, id)
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

// DeleteCoSpace removes a conference from the cluster and the cache.
func (c *pexipClient) DeleteCoSpace(ctx context.Context, id string) error {
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.delete(ctx, pexipConfigPrefix+"/conference/"+id+"/")
		return reqErr
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return c.ds.DeleteCoSpace(ctx, c.cluster.ID, id)
}

// ensureAutomaticParticipants reconciles the conference's dial-out set.
func (c *pexipClient) ensureAutomaticParticipants(ctx context.Context, conferenceID string, dialOuts []DialOut) error {
	existing := make(map[string]bool)
	fetch := c.fetchList(pexipConfigPrefix+"/automatic_participant/", url.Values{"conference": []string{conferenceID}})
	_, err := c.iterateList(ctx, listOptions{Endpoint: pexipConfigPrefix + "/automatic_participant/"}, fetch, func(item []byte) error {
		existing[gjson.GetBytes(item, "alias").String()] = true
		return nil
	})
	if err != nil && !isNotFound(err) {
		return err
	}

	for _, d := range dialOuts {
		if existing[d.URI] {
			continue
		}
		payload := map[string]any{
			"alias":      d.URI,
			"conference": pexipConfigPrefix + "/conference/" + conferenceID + "/",
			"protocol":   strings.ToLower(d.Protocol),
			"role":       d.Role,
		}
		if payload["protocol"] == "" {
			payload["protocol"] = "sip"
		}
		if payload["role"] == "" {
			payload["role"] = "guest"
		}
		body, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return marshalErr
		}
		err := c.runWithFailover(ctx, func(tr *transport) error {
			_, _, reqErr := tr.post(ctx, pexipConfigPrefix+"/automatic_participant/", body, jsonEncoded)
			return reqErr
		})
		if err != nil {
			return fmt.Errorf("failed to create automatic participant %s: %w", d.URI, err)
		}
	}
	return nil
}

// ListConferences walks the conference list.
func (c *pexipClient) ListConferences(ctx context.Context, fn func(*pexipConference) error) (int, error) {
	path := pexipConfigPrefix + "/conference/"
	return c.iterateList(ctx, listOptions{Endpoint: path}, c.fetchList(path, nil), func(item []byte) error {
		var wire pexipConference
		if err := json.Unmarshal(item, &wire); err != nil {
			return fmt.Errorf("failed to parse conference list item: %w", err)
		}
		return fn(&wire)
	})
}

// GetClusteredCalls reads live conferences from the status API. Pexip
// aggregates cluster state on the management node, so no per-bridge fan-out
// is needed.
func (c *pexipClient) GetClusteredCalls(ctx context.Context, limit, offset int) ([]*Call, int, error) {
	path := pexipStatusPrefix + "/conference/"
	var calls []*Call
	total, err := c.iterateList(ctx, listOptions{Endpoint: path, Offset: offset, Limit: limit}, c.fetchList(path, nil), func(item []byte) error {
		calls = append(calls, &Call{
			ID:              gjson.GetBytes(item, "id").String(),
			Name:            gjson.GetBytes(item, "name").String(),
			TenantID:        gjson.GetBytes(item, "tag").String(),
			NumParticipants: int(gjson.GetBytes(item, "participant_count").Int()),
		})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// GetClusteredParticipants reads live participants from the status API.
func (c *pexipClient) GetClusteredParticipants(ctx context.Context, limit, offset int) ([]*Participant, int, error) {
	path := pexipStatusPrefix + "/participant/"
	var participants []*Participant
	total, err := c.iterateList(ctx, listOptions{Endpoint: path, Offset: offset, Limit: limit}, c.fetchList(path, nil), func(item []byte) error {
		participants = append(participants, &Participant{
			ID:              gjson.GetBytes(item, "id").String(),
			Name:            gjson.GetBytes(item, "display_name").String(),
			CallID:          gjson.GetBytes(item, "conference").String(),
			URI:             gjson.GetBytes(item, "source_alias").String(),
			DurationSeconds: gjson.GetBytes(item, "connect_time").Int(),
		})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return participants, total, nil
}

// GetCallHistory reads completed conferences from the history API.
func (c *pexipClient) GetCallHistory(ctx context.Context, limit int, fn func(id, name string, start, end time.Time) error) error {
	path := pexipHistoryPrefix + "/conference/"
	_, err := c.iterateList(ctx, listOptions{Endpoint: path, Limit: limit}, c.fetchList(path, nil), func(item []byte) error {
		start, _ := time.Parse(time.RFC3339, gjson.GetBytes(item, "start_time").String())
		end, _ := time.Parse(time.RFC3339, gjson.GetBytes(item, "end_time").String())
		return fn(
			gjson.GetBytes(item, "id").String(),
			gjson.GetBytes(item, "name").String(),
			start, end,
		)
	})
	return err
}

// HandleEventSink translates one event-sink POST into local call and
// participant records. Unknown events are ignored.
func (c *pexipClient) HandleEventSink(ctx context.Context, body []byte) error {
	event := gjson.GetBytes(body, "event").String()
	data := gjson.GetBytes(body, "data")

	switch event {
	case "conference_started":
		call := &Call{
			ID:       data.Get("guid").String(),
			Name:     data.Get("name").String(),
			TenantID: data.Get("tag").String(),
		}
		return c.ds.PutCall(ctx, c.cluster.ID, call)
	case "conference_ended":
		return c.ds.DeleteCall(ctx, c.cluster.ID, data.Get("guid").String())
	case "participant_connected":
		call, err := c.ds.GetCall(ctx, c.cluster.ID, data.Get("conference").String())
		if err != nil {
			if !isNotFound(err) {
				return err
			}
			call = &Call{ID: data.Get("conference").String()}
		}
		call.NumParticipants++
		return c.ds.PutCall(ctx, c.cluster.ID, call)
	case "participant_disconnected":
		call, err := c.ds.GetCall(ctx, c.cluster.ID, data.Get("conference").String())
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if call.NumParticipants > 0 {
			call.NumParticipants--
		}
		return c.ds.PutCall(ctx, c.cluster.ID, call)
	default:
		logger.With("event", event).DebugContext(ctx, "ignoring event-sink event")
		return nil
	}
}

// pexipGatewayRule is one routing rule, whose match_string encodes the
// domains a tenant answers for.
type pexipGatewayRule struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MatchString string `json:"match_string"`
	Tag         string `json:"tag,omitempty"`
}

// DiscoverTenants derives tenant records from gateway routing rules. Each
// rule's match_string regex expands to the set of domains it answers for.
func (c *pexipClient) DiscoverTenants(ctx context.Context) (int, error) {
	path := pexipConfigPrefix + "/gateway_routing_rule/"
	count := 0
	_, err := c.iterateList(ctx, listOptions{Endpoint: path}, c.fetchList(path, nil), func(item []byte) error {
		var rule pexipGatewayRule
		if err := json.Unmarshal(item, &rule); err != nil {
			return fmt.Errorf("failed to parse gateway routing rule: %w", err)
		}
		tenantID := rule.Tag
		if tenantID == "" {
			tenantID = strconv.Itoa(rule.ID)
		}
		tenant := &Tenant{
			ID:         tenantID,
			ClusterID:  c.cluster.ID,
			Name:       rule.Name,
			Enabled:    true,
			LastSynced: time.Now().UTC(),
		}
		if domains := domainsFromRegex(rule.MatchString); len(domains) > 0 {
			tenant.Attributes = map[string]string{"domains": strings.Join(domains, ",")}
		}
		count++
		return c.ds.PutTenant(ctx, tenant)
	})
	return count, err
}

// domainsFromRegex expands a routing-rule match regex into the concrete
// domain set: alternation groups multiply out, so (a|b)\.(c|d) yields
// a.c, a.d, b.c, b.d. Patterns with constructs beyond literals, escaped
// dots, and alternation groups return nil.
func domainsFromRegex(pattern string) []string {
	pattern = strings.TrimPrefix(pattern, "^")
	pattern = strings.TrimSuffix(pattern, "$")

	results := []string{""}
	appendAll := func(parts []string) {
		next := make([]string, 0, len(results)*len(parts))
		for _, prefix := range results {
			for _, part := range parts {
				next = append(next, prefix+part)
			}
		}
		results = next
	}

	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 >= len(pattern) {
				return nil
			}
			i++
			appendAll([]string{string(pattern[i])})
		case '(':
			end := strings.IndexByte(pattern[i:], ')')
			if end < 0 {
				return nil
			}
			group := pattern[i+1 : i+end]
			appendAll(strings.Split(group, "|"))
			i += end
		case ')', '|', '*', '+', '?', '[', ']', '{', '}', '.':
			// Unsupported construct outside a group.
			return nil
		default:
			appendAll([]string{string(pattern[i])})
		}
	}
	if len(results) == 1 && results[0] == "" {
		return nil
	}
	return results
}
