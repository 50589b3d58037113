// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Cisco Meeting Service client. The CMS dialect is XML over HTTPS with
// basic auth: writes are form-encoded parameter sets, reads are XML
// documents, and new-object ids come back in the Location header.

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	cmsAPIPrefix = "/api/v1"
	formEncoded  = "application/x-www-form-urlencoded"
)

// cmsClient speaks the CMS XML REST dialect against one cluster.
type cmsClient struct {
	*providerClient
	profiles *settingsProfileManager
	syncer   coSpaceSyncer
}

// newCMSClient builds a client for a CMS cluster.
func newCMSClient(cluster *Cluster, ds *Datastore, state *ProcessState, syncer coSpaceSyncer) *cmsClient {
	opts := []transportOption{withoutRedirects()}
	if cluster.Options.InsecureTLS {
		opts = append(opts, withInsecureTLS())
	}
	base := newProviderClient(cluster, ds, state, func(node *ClusterNode) *url.URL {
		return &url.URL{Scheme: "https", Host: node.Host, Path: cmsAPIPrefix}
	}, opts...)
	c := &cmsClient{providerClient: base, syncer: syncer}
	c.profiles = newSettingsProfileManager(ds, cluster.ID, profileHooks{
		create: c.createProfile,
		update: c.updateProfile,
		remove: c.deleteProfile,
		fetch:  c.fetchProfile,
	})
	return c
}

// Kind implements ProviderClient.
func (c *cmsClient) Kind() ClusterKind { return ClusterKindCMS }

// cmsCoSpace is the CMS wire representation of a cospace.
type cmsCoSpace struct {
	XMLName          xml.Name `xml:"coSpace"`
	ID               string   `xml:"id,attr"`
	Name             string   `xml:"name"`
	URI              string   `xml:"uri"`
	SecondaryURI     string   `xml:"secondaryUri"`
	CallID           string   `xml:"callId"`
	Secret           string   `xml:"secret"`
	Passcode         string   `xml:"passcode"`
	Tenant           string   `xml:"tenant"`
	CallProfile      string   `xml:"callProfile"`
	CallLegProfile   string   `xml:"callLegProfile"`
	OwnerJID         string   `xml:"ownerJid"`
	StreamURL        string   `xml:"streamUrl"`
	AutoGenerated    bool     `xml:"autoGenerated"`
	NumAccessMethods int      `xml:"numAccessMethods"`
}

// toCoSpace converts the wire object into the local model.
func (w *cmsCoSpace) toCoSpace(clusterID string) *CoSpace {
	return &CoSpace{
		ID:               w.ID,
		ClusterID:        clusterID,
		TenantID:         w.Tenant,
		Name:             w.Name,
		URI:              w.URI,
		SecondaryURI:     w.SecondaryURI,
		CallID:           w.CallID,
		Secret:           w.Secret,
		Passcode:         w.Passcode,
		StreamURL:        w.StreamURL,
		OwnerJID:         w.OwnerJID,
		CallProfileID:    w.CallProfile,
		CallLegProfileID: w.CallLegProfile,
		AutoGenerated:    w.AutoGenerated,
		NumAccessMethods: w.NumAccessMethods,
		Active:           true,
	}
}

// cmsAccessMethod is the CMS wire representation of an access method.
type cmsAccessMethod struct {
	XMLName        xml.Name `xml:"accessMethod"`
	ID             string   `xml:"id,attr"`
	Name           string   `xml:"name"`
	URI            string   `xml:"uri"`
	CallID         string   `xml:"callId"`
	Passcode       string   `xml:"passcode"`
	Secret         string   `xml:"secret"`
	CallLegProfile string   `xml:"callLegProfile"`
	Scope          string   `xml:"scope"`
}

func (w *cmsAccessMethod) toAccessMethod(coSpaceID string) *AccessMethod {
	return &AccessMethod{
		ID:               w.ID,
		CoSpaceID:        coSpaceID,
		Name:             w.Name,
		URI:              w.URI,
		CallID:           w.CallID,
		Passcode:         w.Passcode,
		Secret:           w.Secret,
		CallLegProfileID: w.CallLegProfile,
		Scope:            AccessMethodScope(w.Scope),
	}
}

// cmsTenant is the CMS wire representation of a tenant.
type cmsTenant struct {
	XMLName xml.Name `xml:"tenant"`
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name"`
}

// cmsUser is the CMS wire representation of a user.
type cmsUser struct {
	XMLName xml.Name `xml:"user"`
	ID      string   `xml:"id,attr"`
	JID     string   `xml:"userJid"`
	Name    string   `xml:"name"`
	Email   string   `xml:"email"`
	Tenant  string   `xml:"tenant"`
}

// cmsCall is the CMS wire representation of a live call.
type cmsCall struct {
	XMLName         xml.Name `xml:"call"`
	ID              string   `xml:"id,attr"`
	Name            string   `xml:"name"`
	CoSpace         string   `xml:"coSpace"`
	Tenant          string   `xml:"tenant"`
	CallCorrelator  string   `xml:"callCorrelator"`
	NumParticipants int      `xml:"numParticipantsLocal"`
	DurationSeconds int64    `xml:"durationSeconds"`
}

// cmsParticipant is the CMS wire representation of a participant.
type cmsParticipant struct {
	XMLName         xml.Name `xml:"participant"`
	ID              string   `xml:"id,attr"`
	Name            string   `xml:"name"`
	Call            string   `xml:"call"`
	URI             string   `xml:"uri"`
	Tenant          string   `xml:"tenant"`
	DurationSeconds int64    `xml:"durationSeconds"`
}

// cmsRawItem captures one list child element with enough context to rebuild
// it as a standalone fragment for the iterator.
type cmsRawItem struct {
	XMLName xml.Name
	ID      string `xml:"id,attr"`
	Inner   []byte `xml:",innerxml"`
}

// cmsListEnvelope matches any CMS list response root.
type cmsListEnvelope struct {
	Total int          `xml:"total,attr"`
	Items []cmsRawItem `xml:",any"`
}

// parseCMSList splits a list body into the total count and standalone item
// fragments.
func parseCMSList(body []byte) (int, [][]byte, error) {
	var envelope cmsListEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return 0, nil, fmt.Errorf("failed to parse list response: %w", err)
	}
	items := make([][]byte, 0, len(envelope.Items))
	for _, item := range envelope.Items {
		var b strings.Builder
		b.WriteString("<" + item.XMLName.Local)
		if item.ID != "" {
			b.WriteString(` id="` + item.ID + `"`)
		}
		b.WriteString(">")
		b.Write(item.Inner)
		b.WriteString("</" + item.XMLName.Local + ">")
		items = append(items, []byte(b.String()))
	}
	return envelope.Total, items, nil
}

// fetchList builds a pageFetcher for one CMS list endpoint.
func (c *cmsClient) fetchList(path string, extra url.Values) pageFetcher {
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
		total, items, err := parseCMSList(body)
		if err != nil {
			return nil, err
		}
		return &listPage{Items: items, Total: total, PerPage: len(items)}, nil
	}
}

// xmlTenantOf extracts the tenant id from a raw list fragment, for the
// default-tenant post-filter.
func xmlTenantOf(item []byte) string {
	var probe struct {
		Tenant string `xml:"tenant"`
	}
	if err := xml.Unmarshal(item, &probe); err != nil {
		return ""
	}
	return probe.Tenant
}

// GetCoSpace returns one cospace, honoring the cached-values gate: reads
// may be served from the datastore, otherwise the origin result is
// write-through cached.
func (c *cmsClient) GetCoSpace(ctx context.Context, id string) (*CoSpace, error) {
	if c.allowCachedValues {
		if cached, err := c.ds.GetCoSpace(ctx, c.cluster.ID, id); err == nil {
			return cached, nil
		}
	}
	wire, err := c.getCoSpaceRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	cospace := wire.toCoSpace(c.cluster.ID)
	cospace.LastSyncedFull = time.Now().UTC()
	if err := c.ds.PutCoSpace(ctx, cospace); err != nil {
		logger.With(errKey, err, "cospace_id", id).WarnContext(ctx, "failed to write-through cospace")
	}
	return cospace, nil
}

// getCoSpaceRaw always hits the origin.
func (c *cmsClient) getCoSpaceRaw(ctx context.Context, id string) (*cmsCoSpace, error) {
	var wire cmsCoSpace
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, "/coSpaces/"+id, nil)
		if reqErr != nil {
			return reqErr
		}
		return xml.Unmarshal(body, &wire)
	})
	if err != nil {
		return nil, err
	}
	return &wire, nil
}

// createCoSpace issues the POST and returns the id from Location.
func (c *cmsClient) createCoSpace(ctx context.Context, params url.Values) (string, error) {
	var id string
	err := c.runWithFailover(ctx, func(tr *transport) error {
		resp, _, reqErr := tr.post(ctx, "/coSpaces", []byte(params.Encode()), formEncoded)
		if reqErr != nil {
			return reqErr
		}
		id = locationID(resp)
		if id == "" {
			return &ResponseError{Message: "no Location header on coSpace create", StatusCode: resp.StatusCode}
		}
		return nil
	})
	return id, err
}

// modifyCoSpace issues the PUT against an existing cospace.
func (c *cmsClient) modifyCoSpace(ctx context.Context, id string, params url.Values) error {
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.put(ctx, "/coSpaces/"+id, []byte(params.Encode()), formEncoded)
		return reqErr
	})
}

// DeleteCoSpace removes a cospace from the cluster and the cache.
func (c *cmsClient) DeleteCoSpace(ctx context.Context, id string) error {
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.delete(ctx, "/coSpaces/"+id)
		return reqErr
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return c.ds.DeleteCoSpace(ctx, c.cluster.ID, id)
}

// ListCoSpaces walks the cospace list, optionally tenant-filtered.
func (c *cmsClient) ListCoSpaces(ctx context.Context, tenantFilter *string, fn func(*cmsCoSpace) error) (int, error) {
	extra := url.Values{}
	if tenantFilter != nil && *tenantFilter != "" {
		extra.Set("tenantFilter", *tenantFilter)
	}
	opts := listOptions{
		Endpoint:     "/coSpaces",
		TenantFilter: tenantFilter,
		ItemTenant:   xmlTenantOf,
	}
	return c.iterateList(ctx, opts, c.fetchList("/coSpaces", extra), func(item []byte) error {
		var wire cmsCoSpace
		if err := xml.Unmarshal(item, &wire); err != nil {
			return fmt.Errorf("failed to parse coSpace list item: %w", err)
		}
		return fn(&wire)
	})
}

// ListAccessMethods returns the access methods of one cospace.
func (c *cmsClient) ListAccessMethods(ctx context.Context, coSpaceID string) ([]*AccessMethod, error) {
	path := "/coSpaces/" + coSpaceID + "/accessMethods"
	var methods []*AccessMethod
	_, err := c.iterateList(ctx, listOptions{Endpoint: path}, c.fetchList(path, nil), func(item []byte) error {
		var wire cmsAccessMethod
		if err := xml.Unmarshal(item, &wire); err != nil {
			return fmt.Errorf("failed to parse accessMethod list item: %w", err)
		}
		methods = append(methods, wire.toAccessMethod(coSpaceID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return methods, nil
}

// getAccessMethod reads one access method.
func (c *cmsClient) getAccessMethod(ctx context.Context, coSpaceID, id string) (*AccessMethod, error) {
	var wire cmsAccessMethod
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, "/coSpaces/"+coSpaceID+"/accessMethods/"+id, nil)
		if reqErr != nil {
			return reqErr
		}
		return xml.Unmarshal(body, &wire)
	})
	if err != nil {
		return nil, err
	}
	return wire.toAccessMethod(coSpaceID), nil
}

// createAccessMethod creates an access method and returns its id.
func (c *cmsClient) createAccessMethod(ctx context.Context, coSpaceID string, params url.Values) (string, error) {
	var id string
	err := c.runWithFailover(ctx, func(tr *transport) error {
		resp, _, reqErr := tr.post(ctx, "/coSpaces/"+coSpaceID+"/accessMethods", []byte(params.Encode()), formEncoded)
		if reqErr != nil {
			return reqErr
		}
		id = locationID(resp)
		if id == "" {
			return &ResponseError{Message: "no Location header on accessMethod create", StatusCode: resp.StatusCode}
		}
		return nil
	})
	return id, err
}

// updateAccessMethod mutates an access method in place.
func (c *cmsClient) updateAccessMethod(ctx context.Context, coSpaceID, id string, params url.Values) error {
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.put(ctx, "/coSpaces/"+coSpaceID+"/accessMethods/"+id, []byte(params.Encode()), formEncoded)
		return reqErr
	})
}

// deleteAccessMethod removes an access method.
func (c *cmsClient) deleteAccessMethod(ctx context.Context, coSpaceID, id string) error {
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.delete(ctx, "/coSpaces/"+coSpaceID+"/accessMethods/"+id)
		return reqErr
	})
}

// profilePath maps a profile kind to its endpoint.
func profilePath(kind ProfileKind) string {
	if kind == ProfileCall {
		return "/callProfiles"
	}
	return "/callLegProfiles"
}

// createProfile implements the settings-profile create hook.
func (c *cmsClient) createProfile(ctx context.Context, kind ProfileKind, values map[string]string) (string, error) {
	params := url.Values{}
	for k, v := range values {
		params.Set(k, v)
	}
	var id string
	err := c.runWithFailover(ctx, func(tr *transport) error {
		resp, _, reqErr := tr.post(ctx, profilePath(kind), []byte(params.Encode()), formEncoded)
		if reqErr != nil {
			return reqErr
		}
		id = locationID(resp)
		if id == "" {
			return &ResponseError{Message: "no Location header on profile create", StatusCode: resp.StatusCode}
		}
		return nil
	})
	return id, err
}

// updateProfile implements the settings-profile update hook.
func (c *cmsClient) updateProfile(ctx context.Context, kind ProfileKind, id string, values map[string]string) error {
	params := url.Values{}
	for k, v := range values {
		params.Set(k, v)
	}
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.put(ctx, profilePath(kind)+"/"+id, []byte(params.Encode()), formEncoded)
		return reqErr
	})
}

// deleteProfile implements the settings-profile delete hook.
func (c *cmsClient) deleteProfile(ctx context.Context, kind ProfileKind, id string) error {
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.delete(ctx, profilePath(kind)+"/"+id)
		return reqErr
	})
}

// fetchProfile implements the settings-profile fetch hook, decoding the
// profile document into a flat key/value map.
func (c *cmsClient) fetchProfile(ctx context.Context, kind ProfileKind, id string) (map[string]string, error) {
	var values map[string]string
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, profilePath(kind)+"/"+id, nil)
		if reqErr != nil {
			return reqErr
		}
		parsed, parseErr := parseXMLValues(body)
		if parseErr != nil {
			return parseErr
		}
		values = parsed
		return nil
	})
	return values, err
}

// parseXMLValues flattens the direct children of an XML document root into
// a key/value map.
func parseXMLValues(body []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(body)))
	values := make(map[string]string)
	depth := 0
	var current string
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				current = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && current != "" {
				values[current] = strings.TrimSpace(text.String())
				current = ""
			}
			depth--
		}
	}
	return values, nil
}

// ListTenants walks the tenant list.
func (c *cmsClient) ListTenants(ctx context.Context, fn func(*cmsTenant) error) (int, error) {
	return c.iterateList(ctx, listOptions{Endpoint: "/tenants"}, c.fetchList("/tenants", nil), func(item []byte) error {
		var wire cmsTenant
		if err := xml.Unmarshal(item, &wire); err != nil {
			return fmt.Errorf("failed to parse tenant list item: %w", err)
		}
		return fn(&wire)
	})
}

// SyncTenantAttributes merges locally-managed extended attributes into the
// cached tenant record; CMS itself has no attribute storage.
func (c *cmsClient) SyncTenantAttributes(ctx context.Context, tenantID string, attrs map[string]string) error {
	tenant, err := c.ds.GetTenant(ctx, c.cluster.ID, tenantID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		tenant = &Tenant{ID: tenantID, ClusterID: c.cluster.ID, Enabled: true}
	}
	if tenant.Attributes == nil {
		tenant.Attributes = make(map[string]string)
	}
	for k, v := range attrs {
		tenant.Attributes[k] = v
	}
	return c.ds.PutTenant(ctx, tenant)
}

// GetUser returns one user, honoring the cached-values gate.
func (c *cmsClient) GetUser(ctx context.Context, id string) (*User, error) {
	if c.allowCachedValues {
		if cached, err := c.ds.GetUser(ctx, c.cluster.ID, id); err == nil {
			return cached, nil
		}
	}
	var wire cmsUser
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, "/users/"+id, nil)
		if reqErr != nil {
			return reqErr
		}
		return xml.Unmarshal(body, &wire)
	})
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:               wire.ID,
		ClusterID:        c.cluster.ID,
		JID:              wire.JID,
		Name:             wire.Name,
		Email:            wire.Email,
		TenantID:         wire.Tenant,
		Active:           true,
		LastSyncedDetail: time.Now().UTC(),
	}
	if err := c.ds.PutUser(ctx, user); err != nil {
		logger.With(errKey, err, "user_id", id).WarnContext(ctx, "failed to write-through user")
	}
	return user, nil
}

// ListUsers walks the user list.
func (c *cmsClient) ListUsers(ctx context.Context, tenantFilter *string, fn func(*cmsUser) error) (int, error) {
	extra := url.Values{}
	if tenantFilter != nil && *tenantFilter != "" {
		extra.Set("tenantFilter", *tenantFilter)
	}
	opts := listOptions{
		Endpoint:     "/users",
		TenantFilter: tenantFilter,
		ItemTenant:   xmlTenantOf,
	}
	return c.iterateList(ctx, opts, c.fetchList("/users", extra), func(item []byte) error {
		var wire cmsUser
		if err := xml.Unmarshal(item, &wire); err != nil {
			return fmt.Errorf("failed to parse user list item: %w", err)
		}
		return fn(&wire)
	})
}

// listCallsOnNode reads /calls from one call bridge.
func (c *cmsClient) listCallsOnNode(ctx context.Context, node *ClusterNode, offset, limit int) ([]*Call, int, error) {
	page, err := c.fetchList("/calls", nil)(ctx, c.transportFor(node), offset, limit)
	if err != nil {
		return nil, 0, err
	}
	calls := make([]*Call, 0, len(page.Items))
	for _, item := range page.Items {
		var wire cmsCall
		if err := xml.Unmarshal(item, &wire); err != nil {
			return nil, 0, fmt.Errorf("failed to parse call list item: %w", err)
		}
		calls = append(calls, &Call{
			ID:              wire.ID,
			Name:            wire.Name,
			CoSpaceID:       wire.CoSpace,
			TenantID:        wire.Tenant,
			CallBridgeID:    node.ID,
			Correlator:      wire.CallCorrelator,
			NumParticipants: wire.NumParticipants,
			DurationSeconds: wire.DurationSeconds,
		})
	}
	return calls, page.Total, nil
}

// listParticipantsOnNode reads /participants from one call bridge.
func (c *cmsClient) listParticipantsOnNode(ctx context.Context, node *ClusterNode, offset, limit int) ([]*Participant, int, error) {
	page, err := c.fetchList("/participants", nil)(ctx, c.transportFor(node), offset, limit)
	if err != nil {
		return nil, 0, err
	}
	participants := make([]*Participant, 0, len(page.Items))
	for _, item := range page.Items {
		var wire cmsParticipant
		if err := xml.Unmarshal(item, &wire); err != nil {
			return nil, 0, fmt.Errorf("failed to parse participant list item: %w", err)
		}
		participants = append(participants, &Participant{
			ID:              wire.ID,
			Name:            wire.Name,
			CallID:          wire.Call,
			URI:             wire.URI,
			TenantID:        wire.Tenant,
			CallBridgeID:    node.ID,
			DurationSeconds: wire.DurationSeconds,
		})
	}
	return participants, page.Total, nil
}

// callBridges returns the call-bridge nodes of the cluster.
func (c *cmsClient) callBridges() []*ClusterNode {
	var bridges []*ClusterNode
	for _, node := range c.cluster.Nodes {
		if node.IsCallBridge && !c.transportFor(node).retired() {
			bridges = append(bridges, node)
		}
	}
	return bridges
}

// splitShares divides a pagination window across n bridges; the first
// bridge receives the remainder so the shares sum to the requested limit.
func splitShares(limit, n int) []int {
	shares := make([]int, n)
	base := limit / n
	for i := range shares {
		shares[i] = base
	}
	shares[0] += limit - base*n
	return shares
}

// GetClusteredCalls fans /calls out across call bridges, collapsing calls
// that span bridges by callCorrelator and summing the per-bridge totals.
func (c *cmsClient) GetClusteredCalls(ctx context.Context, limit, offset int) ([]*Call, int, error) {
	bridges := c.callBridges()
	if len(bridges) == 0 {
		return nil, 0, &ResponseConnectionError{Message: "no call bridges in cluster " + c.cluster.ID}
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	shares := splitShares(limit, len(bridges))
	perBridgeOffset := offset / len(bridges)

	results := make([][]*Call, len(bridges))
	totals := make([]int, len(bridges))
	tasks := make([]func(context.Context) error, len(bridges))
	for i, bridge := range bridges {
		idx, node, share := i, bridge, shares[i]
		tasks[i] = func(taskCtx context.Context) error {
			calls, total, err := c.listCallsOnNode(taskCtx, node, perBridgeOffset, share)
			if err != nil {
				logger.With(errKey, err, "node", node.Host).WarnContext(taskCtx, "call bridge unavailable, degrading")
				return nil
			}
			results[idx] = calls
			totals[idx] = total
			return nil
		}
	}
	if err := runUnordered(ctx, fanoutWidth, tasks); err != nil {
		return nil, 0, err
	}

	seen := make(map[string]*Call)
	var merged []*Call
	total := 0
	for i, bridgeCalls := range results {
		total += totals[i]
		for _, call := range bridgeCalls {
			if call.Correlator != "" {
				if existing, ok := seen[call.Correlator]; ok {
					// Same logical call seen from another bridge.
					existing.NumParticipants += call.NumParticipants
					total--
					continue
				}
				seen[call.Correlator] = call
			}
			merged = append(merged, call)
		}
	}
	return merged, total, nil
}

// GetClusteredParticipants fans /participants out across call bridges.
func (c *cmsClient) GetClusteredParticipants(ctx context.Context, limit, offset int) ([]*Participant, int, error) {
	bridges := c.callBridges()
	if len(bridges) == 0 {
		return nil, 0, &ResponseConnectionError{Message: "no call bridges in cluster " + c.cluster.ID}
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	shares := splitShares(limit, len(bridges))
	perBridgeOffset := offset / len(bridges)

	results := make([][]*Participant, len(bridges))
	totals := make([]int, len(bridges))
	tasks := make([]func(context.Context) error, len(bridges))
	for i, bridge := range bridges {
		idx, node, share := i, bridge, shares[i]
		tasks[i] = func(taskCtx context.Context) error {
			participants, total, err := c.listParticipantsOnNode(taskCtx, node, perBridgeOffset, share)
			if err != nil {
				logger.With(errKey, err, "node", node.Host).WarnContext(taskCtx, "call bridge unavailable, degrading")
				return nil
			}
			results[idx] = participants
			totals[idx] = total
			return nil
		}
	}
	if err := runUnordered(ctx, fanoutWidth, tasks); err != nil {
		return nil, 0, err
	}

	var merged []*Participant
	total := 0
	for i, bridgeParticipants := range results {
		total += totals[i]
		merged = append(merged, bridgeParticipants...)
	}
	return merged, total, nil
}

// cmsSystemStatus is the per-node status document.
type cmsSystemStatus struct {
	XMLName         xml.Name `xml:"status"`
	SoftwareVersion string   `xml:"softwareVersion"`
	Uptime          int64    `xml:"uptimeSeconds"`
	ClusterEnabled  bool     `xml:"clusterEnabled"`
}

// GetSystemStatus reads /system/status from one node.
func (c *cmsClient) GetSystemStatus(ctx context.Context, node *ClusterNode) (*cmsSystemStatus, error) {
	var status cmsSystemStatus
	_, body, err := c.transportFor(node).get(ctx, "/system/status", nil)
	if err != nil {
		return nil, err
	}
	if err := xml.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse system status: %w", err)
	}
	return &status, nil
}

// DiscoverClusterMembers refreshes node software versions and call-bridge
// role flags from /system/status and /callBridges.
func (c *cmsClient) DiscoverClusterMembers(ctx context.Context) error {
	type bridgeItem struct {
		ID   string `xml:"id,attr"`
		Name string `xml:"name"`
	}
	var bridges []bridgeItem
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, "/callBridges", nil)
		if reqErr != nil {
			return reqErr
		}
		_, items, parseErr := parseCMSList(body)
		if parseErr != nil {
			return parseErr
		}
		bridges = bridges[:0]
		for _, item := range items {
			var b bridgeItem
			if err := xml.Unmarshal(item, &b); err != nil {
				return err
			}
			bridges = append(bridges, b)
		}
		return nil
	})
	if err != nil {
		return err
	}

	byName := make(map[string]string, len(bridges))
	for _, b := range bridges {
		byName[strings.ToLower(b.Name)] = b.ID
	}
	for _, node := range c.cluster.Nodes {
		if id, ok := byName[strings.ToLower(strings.Split(node.Host, ":")[0])]; ok {
			node.ID = id
			node.IsCallBridge = true
		}
		if status, statusErr := c.GetSystemStatus(ctx, node); statusErr == nil {
			node.SoftwareVersion = status.SoftwareVersion
		}
	}
	return c.ds.PutCluster(ctx, c.cluster)
}

// EnsureCDRReceiver registers this system's CDR receiver URL on the cluster
// unless one is already present.
func (c *cmsClient) EnsureCDRReceiver(ctx context.Context) error {
	receiverURL := c.cluster.Options.CDRReceiverURL
	if receiverURL == "" {
		return nil
	}
	type receiverItem struct {
		ID  string `xml:"id,attr"`
		URI string `xml:"uri"`
	}
	var exists bool
	err := c.runWithFailover(ctx, func(tr *transport) error {
		_, body, reqErr := tr.get(ctx, "/system/cdrReceivers", nil)
		if reqErr != nil {
			return reqErr
		}
		_, items, parseErr := parseCMSList(body)
		if parseErr != nil {
			return parseErr
		}
		for _, item := range items {
			var r receiverItem
			if err := xml.Unmarshal(item, &r); err != nil {
				continue
			}
			if r.URI == receiverURL {
				exists = true
				return nil
			}
		}
		return nil
	})
	if err != nil || exists {
		return err
	}

	params := url.Values{}
	params.Set("uri", receiverURL)
	return c.runWithFailover(ctx, func(tr *transport) error {
		resp, _, reqErr := tr.post(ctx, "/system/cdrReceivers", []byte(params.Encode()), formEncoded)
		if reqErr != nil {
			return reqErr
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return &ResponseError{Message: "cdrReceiver create failed", StatusCode: resp.StatusCode}
		}
		return nil
	})
}

// ClearChatMessages removes board messages from a cospace, applied when a
// customer's chat-clearing policy runs.
func (c *cmsClient) ClearChatMessages(ctx context.Context, coSpaceID string) error {
	return c.runWithFailover(ctx, func(tr *transport) error {
		_, _, reqErr := tr.delete(ctx, "/coSpaces/"+coSpaceID+"/messages")
		return reqErr
	})
}
