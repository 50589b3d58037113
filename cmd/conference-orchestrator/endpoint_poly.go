// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Poly room-system clients: the JSON REST surface shared by Studio X and
// Group series, the Trio variant with its distinct URL base, and the legacy
// HDX with its very limited surface.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// polyRestClient speaks the /rest/ API of Studio X and Group systems. A
// device session is created once and refreshed lazily when it expires.
type polyRestClient struct {
	endpoint *Endpoint
	state    *ProcessState
	tr       *transport
}

func newPolyRestClient(e *Endpoint, state *ProcessState) *polyRestClient {
	tr := newTransport(endpointBaseURL(e), e.Username, e.Password,
		withInsecureTLS(), withSessionHeader("Cookie"))
	return &polyRestClient{endpoint: e, state: state, tr: tr}
}

// session establishes (or reuses) the device session cookie.
func (c *polyRestClient) session(ctx context.Context) error {
	if v, ok := c.state.sessions.Get(c.endpoint.ID); ok {
		c.tr.setSessionToken(v.(string))
		return nil
	}
	creds, err := json.Marshal(map[string]string{
		"user":     c.endpoint.Username,
		"password": c.endpoint.Password,
	})
	if err != nil {
		return err
	}
	_, body, err := c.tr.post(ctx, "/rest/session", creds, jsonEncoded)
	if err != nil {
		return err
	}
	var result struct {
		Session struct {
			SessionID string `json:"sessionId"`
		} `json:"session"`
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse session response: %w", err)
	}
	if !result.Success || result.Session.SessionID == "" {
		return &AuthenticationError{Message: "device session rejected for " + c.endpoint.Hostname}
	}
	token := "session_id=" + result.Session.SessionID
	c.tr.setSessionToken(token)
	c.state.sessions.Set(c.endpoint.ID, token, gocache.DefaultExpiration)
	return nil
}

// getJSON reads one resource into out, retrying once with a fresh session
// when the cached one has expired.
func (c *polyRestClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.session(ctx); err != nil {
		return err
	}
	_, body, err := c.tr.get(ctx, path, nil)
	if isAuthenticationError(err) {
		c.state.sessions.Delete(c.endpoint.ID)
		if err = c.session(ctx); err != nil {
			return err
		}
		_, body, err = c.tr.get(ctx, path, nil)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *polyRestClient) postJSON(ctx context.Context, path string, payload any) error {
	if err := c.session(ctx); err != nil {
		return err
	}
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = data
	}
	_, _, err := c.tr.post(ctx, path, body, jsonEncoded)
	return err
}

func (c *polyRestClient) GetStatusData(ctx context.Context) (*StatusData, error) {
	var items []struct {
		Name  string   `json:"name"`
		State []string `json:"state"`
	}
	if err := c.getJSON(ctx, "/rest/system/status", &items); err != nil {
		return nil, err
	}
	data := &StatusData{State: StateOnline}
	for _, item := range items {
		state := strings.Join(item.State, ",")
		switch item.Name {
		case "inacall":
			data.InCall = strings.Contains(state, "IN_A_CALL")
		default:
			if strings.Contains(state, "ERROR") {
				data.Warnings = append(data.Warnings, item.Name+": "+state)
			}
		}
	}

	var system struct {
		Uptime int64 `json:"uptime"`
	}
	if err := c.getJSON(ctx, "/rest/system", &system); err == nil {
		data.UptimeSeconds = system.Uptime
	}
	return data, nil
}

func (c *polyRestClient) GetConfigurationData(ctx context.Context) (map[string]string, error) {
	var raw map[string]any
	if err := c.getJSON(ctx, "/rest/config", &raw); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

func (c *polyRestClient) GetBasicData(ctx context.Context) (*BasicData, error) {
	var system struct {
		Serial          string `json:"serialNumber"`
		Model           string `json:"model"`
		SoftwareVersion string `json:"softwareVersion"`
		MACAddress      string `json:"macAddress"`
	}
	if err := c.getJSON(ctx, "/rest/system", &system); err != nil {
		return nil, err
	}
	return &BasicData{
		Serial:          system.Serial,
		MAC:             system.MACAddress,
		ProductName:     system.Model,
		SoftwareVersion: system.SoftwareVersion,
	}, nil
}

func (c *polyRestClient) GetDialInfo(ctx context.Context) (*DialInfo, error) {
	var sip struct {
		SIPUsername string `json:"sipUsername"`
	}
	if err := c.getJSON(ctx, "/rest/system/sipstatus", &sip); err != nil {
		return nil, err
	}
	var h323 struct {
		H323Name      string `json:"h323Name"`
		H323Extension string `json:"h323Extension"`
	}
	if err := c.getJSON(ctx, "/rest/system/h323gatekeeperstatus", &h323); err != nil && !isNotFound(err) {
		return nil, err
	}
	return &DialInfo{
		SIP:      sip.SIPUsername,
		H323:     h323.H323Name,
		H323E164: h323.H323Extension,
	}, nil
}

func (c *polyRestClient) SetDialInfo(ctx context.Context, info *DialInfo) error {
	config := map[string]any{}
	if info.SIP != "" {
		config["voIpProt.SIP.userName"] = info.SIP
	}
	if info.H323 != "" {
		config["voIpProt.H323.name"] = info.H323
	}
	if info.H323E164 != "" {
		config["voIpProt.H323.e164"] = info.H323E164
	}
	if len(config) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/rest/config", map[string]any{"vars": config})
}

func (c *polyRestClient) CallControl(ctx context.Context, action, argument string) error {
	switch action {
	case CallActionDial:
		return c.postJSON(ctx, "/rest/conferences", map[string]any{
			"address":  argument,
			"dialType": "AUTO",
		})
	case CallActionDisconnect:
		return c.postJSON(ctx, "/rest/conferences/active/hangup", nil)
	case CallActionAnswer:
		return c.postJSON(ctx, "/rest/conferences/incoming/answer", nil)
	case CallActionReject:
		return c.postJSON(ctx, "/rest/conferences/incoming/reject", nil)
	case CallActionMute:
		return c.postJSON(ctx, "/rest/audio/muted", true)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedAction, action)
	}
}

func (c *polyRestClient) SetPassword(ctx context.Context, pw string) error {
	return c.postJSON(ctx, "/rest/system/password", map[string]string{
		"user":        c.endpoint.Username,
		"oldPassword": c.endpoint.Password,
		"newPassword": pw,
	})
}

func (c *polyRestClient) AddCACertificates(ctx context.Context, pemBundle string) error {
	if err := c.session(ctx); err != nil {
		return err
	}
	_, _, err := c.tr.post(ctx, "/rest/security/certificates", []byte(pemBundle), "application/x-pem-file")
	return err
}

func (c *polyRestClient) SetBookings(ctx context.Context, meetings []*Meeting) error {
	entries := make([]map[string]any, 0, len(meetings))
	for _, m := range meetings {
		entries = append(entries, map[string]any{
			"id":          m.ID,
			"subject":     m.Title,
			"startTime":   m.TSStart.UTC().Format("2006-01-02T15:04:05Z"),
			"endTime":     m.TSStop.UTC().Format("2006-01-02T15:04:05Z"),
			"dialNumber":  m.RoomURI,
			"meetingType": "SCHEDULED",
		})
	}
	return c.postJSON(ctx, "/rest/calendar/meetings", map[string]any{"meetings": entries})
}

func (c *polyRestClient) GetPassiveStatus(ctx context.Context) (bool, error) {
	var prov struct {
		Enabled       bool   `json:"enabled"`
		ServerAddress string `json:"serverAddress"`
	}
	if err := c.getJSON(ctx, "/rest/system/provisioning", &prov); err != nil {
		return false, err
	}
	return prov.Enabled, nil
}

func (c *polyRestClient) GetPassiveProvisioningConfiguration(heartbeatURL string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"enabled":       true,
		"serverType":    "RPRM",
		"serverAddress": heartbeatURL,
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *polyRestClient) CheckEventsStatus(ctx context.Context) (bool, error) {
	// The REST families push no event callbacks; polling covers them.
	return false, nil
}

func (c *polyRestClient) UpdateStatistics(ctx context.Context, e *Endpoint) error {
	status, err := c.GetStatusData(ctx)
	if err != nil {
		e.Status = classifyEndpointError(err)
		return err
	}
	applyStatus(e, status)
	return nil
}

// polyTrioClient covers the Trio conference phones: a distinct URL base,
// mostly read-only status plus provisioning upload.
type polyTrioClient struct {
	endpoint *Endpoint
	tr       *transport
}

func newPolyTrioClient(e *Endpoint, _ *ProcessState) *polyTrioClient {
	username := e.Username
	if username == "" {
		username = "Polycom"
	}
	tr := newTransport(endpointBaseURL(e), username, e.Password, withInsecureTLS())
	return &polyTrioClient{endpoint: e, tr: tr}
}

func (c *polyTrioClient) GetStatusData(ctx context.Context) (*StatusData, error) {
	var info struct {
		Data struct {
			UpTime struct {
				Days    int `json:"Days"`
				Hours   int `json:"Hours"`
				Minutes int `json:"Minutes"`
				Seconds int `json:"Seconds"`
			} `json:"UpTime"`
		} `json:"data"`
	}
	_, body, err := c.tr.get(ctx, "/api/v1/mgmt/device/info", nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse trio device info: %w", err)
	}
	uptime := int64(info.Data.UpTime.Days)*86400 +
		int64(info.Data.UpTime.Hours)*3600 +
		int64(info.Data.UpTime.Minutes)*60 +
		int64(info.Data.UpTime.Seconds)
	return &StatusData{State: StateOnline, UptimeSeconds: uptime}, nil
}

func (c *polyTrioClient) GetConfigurationData(ctx context.Context) (map[string]string, error) {
	_, body, err := c.tr.get(ctx, "/api/v1/mgmt/device/runningConfig", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse trio config: %w", err)
	}
	values := make(map[string]string, len(result.Data))
	for k, v := range result.Data {
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

func (c *polyTrioClient) GetBasicData(ctx context.Context) (*BasicData, error) {
	var info struct {
		Data struct {
			MACAddress      string `json:"MACAddress"`
			ModelNumber     string `json:"ModelNumber"`
			FirmwareRelease string `json:"Firmware Release"`
		} `json:"data"`
	}
	_, body, err := c.tr.get(ctx, "/api/v1/mgmt/device/info", nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse trio device info: %w", err)
	}
	return &BasicData{
		MAC:             info.Data.MACAddress,
		ProductName:     info.Data.ModelNumber,
		SoftwareVersion: info.Data.FirmwareRelease,
	}, nil
}

func (c *polyTrioClient) GetDialInfo(ctx context.Context) (*DialInfo, error) {
	config, err := c.GetConfigurationData(ctx)
	if err != nil {
		return nil, err
	}
	return &DialInfo{SIP: config["voIpProt.SIP.userName"]}, nil
}

func (c *polyTrioClient) SetDialInfo(ctx context.Context, info *DialInfo) error {
	if info.SIP == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"data": map[string]string{"voIpProt.SIP.userName": info.SIP},
	})
	if err != nil {
		return err
	}
	_, _, err = c.tr.post(ctx, "/api/v1/mgmt/config/set", payload, jsonEncoded)
	return err
}

func (c *polyTrioClient) CallControl(ctx context.Context, action, argument string) error {
	switch action {
	case CallActionDial:
		payload, err := json.Marshal(map[string]any{
			"data": map[string]string{"Dest": argument, "Type": "SIP"},
		})
		if err != nil {
			return err
		}
		_, _, err = c.tr.post(ctx, "/api/v1/callctrl/dial", payload, jsonEncoded)
		return err
	case CallActionDisconnect:
		_, _, err := c.tr.post(ctx, "/api/v1/callctrl/endCall", nil, jsonEncoded)
		return err
	default:
		return fmt.Errorf("%w: %s", errUnsupportedAction, action)
	}
}

func (c *polyTrioClient) SetPassword(context.Context, string) error {
	return errUnsupportedAction
}

func (c *polyTrioClient) AddCACertificates(context.Context, string) error {
	return errUnsupportedAction
}

func (c *polyTrioClient) SetBookings(context.Context, []*Meeting) error {
	return errUnsupportedAction
}

func (c *polyTrioClient) GetPassiveStatus(ctx context.Context) (bool, error) {
	config, err := c.GetConfigurationData(ctx)
	if err != nil {
		return false, err
	}
	return config["prov.serverType"] != "", nil
}

func (c *polyTrioClient) GetPassiveProvisioningConfiguration(heartbeatURL string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"data": map[string]string{
			"prov.serverType": "HTTPS",
			"prov.serverName": heartbeatURL,
		},
	})
}

func (c *polyTrioClient) CheckEventsStatus(context.Context) (bool, error) {
	return false, nil
}

func (c *polyTrioClient) UpdateStatistics(ctx context.Context, e *Endpoint) error {
	status, err := c.GetStatusData(ctx)
	if err != nil {
		e.Status = classifyEndpointError(err)
		return err
	}
	applyStatus(e, status)
	return nil
}

// polyHDXClient covers the legacy HDX series. Only basic reachability and
// identity are supported.
type polyHDXClient struct {
	endpoint *Endpoint
	tr       *transport
}

func newPolyHDXClient(e *Endpoint) *polyHDXClient {
	return &polyHDXClient{endpoint: e, tr: newTransport(endpointBaseURL(e), e.Username, e.Password, withInsecureTLS())}
}

func (c *polyHDXClient) GetStatusData(ctx context.Context) (*StatusData, error) {
	_, _, err := c.tr.get(ctx, "/a_systemstatus.cgi", nil)
	if err != nil {
		return nil, err
	}
	return &StatusData{State: StateOnline}, nil
}

func (c *polyHDXClient) GetConfigurationData(context.Context) (map[string]string, error) {
	return nil, errUnsupportedAction
}

func (c *polyHDXClient) GetBasicData(context.Context) (*BasicData, error) {
	return nil, errUnsupportedAction
}

func (c *polyHDXClient) GetDialInfo(context.Context) (*DialInfo, error) {
	return nil, errUnsupportedAction
}

func (c *polyHDXClient) SetDialInfo(context.Context, *DialInfo) error {
	return errUnsupportedAction
}

func (c *polyHDXClient) CallControl(context.Context, string, string) error {
	return errUnsupportedAction
}

func (c *polyHDXClient) SetPassword(context.Context, string) error {
	return errUnsupportedAction
}

func (c *polyHDXClient) AddCACertificates(context.Context, string) error {
	return errUnsupportedAction
}

func (c *polyHDXClient) SetBookings(context.Context, []*Meeting) error {
	return errUnsupportedAction
}

func (c *polyHDXClient) GetPassiveStatus(context.Context) (bool, error) {
	return false, errUnsupportedAction
}

func (c *polyHDXClient) GetPassiveProvisioningConfiguration(string) ([]byte, error) {
	return nil, errUnsupportedAction
}

func (c *polyHDXClient) CheckEventsStatus(context.Context) (bool, error) {
	return false, nil
}

func (c *polyHDXClient) UpdateStatistics(ctx context.Context, e *Endpoint) error {
	status, err := c.GetStatusData(ctx)
	if err != nil {
		e.Status = classifyEndpointError(err)
		return err
	}
	applyStatus(e, status)
	return nil
}
