// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Cisco CE room-system client. The CE API is XML over HTTPS: commands and
// configuration writes go through POST /putxml, reads through
// GET /getxml?location=..., and authentication trades basic credentials for
// a SecureSessionId cookie that is reused until it expires.

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// feedbackSlot is the CE HttpFeedback slot this system claims for event
// callbacks. Slots 1-3 are commonly taken by other management systems.
const feedbackSlot = "4"

type ciscoCEClient struct {
	endpoint *Endpoint
	state    *ProcessState
	tr       *transport
}

func newCiscoCEClient(e *Endpoint, state *ProcessState) *ciscoCEClient {
	tr := newTransport(endpointBaseURL(e), e.Username, e.Password,
		withInsecureTLS(), withSessionHeader("Cookie"))
	return &ciscoCEClient{endpoint: e, state: state, tr: tr}
}

// session establishes (or reuses) the SecureSessionId cookie.
func (c *ciscoCEClient) session(ctx context.Context) error {
	if v, ok := c.state.sessions.Get(c.endpoint.ID); ok {
		c.tr.setSessionToken(v.(string))
		return nil
	}
	resp, _, err := c.tr.post(ctx, "/xmlapi/session/begin", nil, "")
	if err != nil {
		return err
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SecureSessionId" {
			token := cookie.Name + "=" + cookie.Value
			c.tr.setSessionToken(token)
			c.state.sessions.Set(c.endpoint.ID, token, gocache.DefaultExpiration)
			return nil
		}
	}
	return &AuthenticationError{Message: "no session cookie from " + c.endpoint.Hostname}
}

// getXML reads one document subtree.
func (c *ciscoCEClient) getXML(ctx context.Context, location string) ([]byte, error) {
	if err := c.session(ctx); err != nil {
		return nil, err
	}
	_, body, err := c.tr.get(ctx, "/getxml", url.Values{"location": []string{location}})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// putXML posts a command or configuration document.
func (c *ciscoCEClient) putXML(ctx context.Context, doc string) error {
	if err := c.session(ctx); err != nil {
		return err
	}
	_, body, err := c.tr.post(ctx, "/putxml", []byte(doc), "text/xml")
	if err != nil {
		return err
	}
	if strings.Contains(string(body), `status="Error"`) {
		return &ResponseError{Message: "putxml rejected", Body: string(body)}
	}
	return nil
}

// ceStatus maps the subset of /Status this system reads.
type ceStatus struct {
	XMLName    xml.Name `xml:"Status"`
	SystemUnit struct {
		Uptime int64 `xml:"Uptime"`
	} `xml:"SystemUnit"`
	Calls []struct {
		Status string `xml:"Status"`
	} `xml:"Call"`
	RoomAnalytics struct {
		PeopleCount struct {
			Current int `xml:"Current"`
		} `xml:"PeopleCount"`
		PeoplePresence string `xml:"PeoplePresence"`
	} `xml:"RoomAnalytics"`
	Diagnostics struct {
		Messages []struct {
			Level       string `xml:"Level"`
			Description string `xml:"Description"`
		} `xml:"Message"`
	} `xml:"Diagnostics"`
}

func (c *ciscoCEClient) GetStatusData(ctx context.Context) (*StatusData, error) {
	body, err := c.getXML(ctx, "/Status")
	if err != nil {
		return nil, err
	}
	var status ceStatus
	if err := xml.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse CE status: %w", err)
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
	return data, nil
}

func (c *ciscoCEClient) GetConfigurationData(ctx context.Context) (map[string]string, error) {
	body, err := c.getXML(ctx, "/Configuration")
	if err != nil {
		return nil, err
	}
	return flattenXML(body), nil
}

// ceConfigIdentity maps the identity subset of /Configuration.
type ceConfigIdentity struct {
	XMLName xml.Name `xml:"Configuration"`
	SIP     struct {
		URI string `xml:"URI"`
	} `xml:"SIP"`
	H323 struct {
		H323Alias struct {
			ID   string `xml:"ID"`
			E164 string `xml:"E164"`
		} `xml:"H323Alias"`
	} `xml:"H323"`
	SystemUnit struct {
		Name string `xml:"Name"`
	} `xml:"SystemUnit"`
}

func (c *ciscoCEClient) GetDialInfo(ctx context.Context) (*DialInfo, error) {
	body, err := c.getXML(ctx, "/Configuration")
	if err != nil {
		return nil, err
	}
	var conf ceConfigIdentity
	if err := xml.Unmarshal(body, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse CE configuration: %w", err)
	}
	return &DialInfo{
		SIP:      conf.SIP.URI,
		H323:     conf.H323.H323Alias.ID,
		H323E164: conf.H323.H323Alias.E164,
	}, nil
}

func (c *ciscoCEClient) SetDialInfo(ctx context.Context, info *DialInfo) error {
	var b strings.Builder
	b.WriteString("<Configuration>")
	if info.SIP != "" {
		b.WriteString("<SIP><URI>" + xmlEscape(info.SIP) + "</URI></SIP>")
	}
	if info.H323 != "" || info.H323E164 != "" {
		b.WriteString("<H323><H323Alias>")
		if info.H323 != "" {
			b.WriteString("<ID>" + xmlEscape(info.H323) + "</ID>")
		}
		if info.H323E164 != "" {
			b.WriteString("<E164>" + xmlEscape(info.H323E164) + "</E164>")
		}
		b.WriteString("</H323Alias></H323>")
	}
	b.WriteString("</Configuration>")
	return c.putXML(ctx, b.String())
}

func (c *ciscoCEClient) GetBasicData(ctx context.Context) (*BasicData, error) {
	body, err := c.getXML(ctx, "/Status/SystemUnit")
	if err != nil {
		return nil, err
	}
	var unit struct {
		Hardware struct {
			Module struct {
				SerialNumber string `xml:"SerialNumber"`
			} `xml:"Module"`
		} `xml:"Hardware"`
		Software struct {
			Version string `xml:"Version"`
		} `xml:"Software"`
		ProductId string `xml:"ProductId"`
	}
	if err := xml.Unmarshal(body, &unit); err != nil {
		return nil, fmt.Errorf("failed to parse CE system unit: %w", err)
	}
	return &BasicData{
		Serial:          unit.Hardware.Module.SerialNumber,
		ProductName:     unit.ProductId,
		SoftwareVersion: unit.Software.Version,
	}, nil
}

func (c *ciscoCEClient) CallControl(ctx context.Context, action, argument string) error {
	var doc string
	switch action {
	case CallActionDial:
		doc = "<Command><Dial><Number>" + xmlEscape(argument) + "</Number></Dial></Command>"
	case CallActionDisconnect:
		doc = "<Command><Call><Disconnect/></Call></Command>"
	case CallActionAnswer:
		doc = "<Command><Call><Accept/></Call></Command>"
	case CallActionReject:
		doc = "<Command><Call><Reject/></Call></Command>"
	case CallActionMute:
		doc = "<Command><Audio><Microphones><Mute/></Microphones></Audio></Command>"
	default:
		return fmt.Errorf("%w: %s", errUnsupportedAction, action)
	}
	return c.putXML(ctx, doc)
}

func (c *ciscoCEClient) SetPassword(ctx context.Context, pw string) error {
	doc := "<Command><UserManagement><User><Passphrase><Set>" +
		"<Username>" + xmlEscape(c.endpoint.Username) + "</Username>" +
		"<NewPassphrase>" + xmlEscape(pw) + "</NewPassphrase>" +
		"</Set></Passphrase></User></UserManagement></Command>"
	return c.putXML(ctx, doc)
}

func (c *ciscoCEClient) AddCACertificates(ctx context.Context, pemBundle string) error {
	doc := "<Command><Security><Certificates><CA><Add><body>" +
		xmlEscape(pemBundle) +
		"</body></Add></CA></Certificates></Security></Command>"
	return c.putXML(ctx, doc)
}

func (c *ciscoCEClient) SetBookings(ctx context.Context, meetings []*Meeting) error {
	var b strings.Builder
	b.WriteString("<Command><Bookings><Put>")
	for _, m := range meetings {
		b.WriteString("<Booking>")
		b.WriteString("<Id>" + xmlEscape(m.ID) + "</Id>")
		b.WriteString("<Title>" + xmlEscape(m.Title) + "</Title>")
		b.WriteString("<StartTime>" + m.TSStart.UTC().Format("2006-01-02T15:04:05Z") + "</StartTime>")
		b.WriteString("<EndTime>" + m.TSStop.UTC().Format("2006-01-02T15:04:05Z") + "</EndTime>")
		if m.RoomURI != "" {
			b.WriteString("<DialInfo><Calls><Call><Number>" + xmlEscape(m.RoomURI) + "</Number></Call></Calls></DialInfo>")
		}
		b.WriteString("</Booking>")
	}
	b.WriteString("</Put></Bookings></Command>")
	return c.putXML(ctx, b.String())
}

func (c *ciscoCEClient) GetPassiveStatus(ctx context.Context) (bool, error) {
	body, err := c.getXML(ctx, "/Configuration/Provisioning")
	if err != nil {
		return false, err
	}
	var prov struct {
		Mode            string `xml:"Mode"`
		ExternalManager struct {
			Address string `xml:"Address"`
		} `xml:"ExternalManager"`
	}
	if err := xml.Unmarshal(body, &prov); err != nil {
		return false, fmt.Errorf("failed to parse provisioning config: %w", err)
	}
	return prov.Mode == "TMS", nil
}

func (c *ciscoCEClient) GetPassiveProvisioningConfiguration(heartbeatURL string) ([]byte, error) {
	u, err := url.Parse(heartbeatURL)
	if err != nil {
		return nil, fmt.Errorf("invalid heartbeat url: %w", err)
	}
	conf := "<Configuration><Provisioning>" +
		"<Mode>TMS</Mode>" +
		"<ExternalManager>" +
		"<Address>" + xmlEscape(u.Host) + "</Address>" +
		"<Path>" + xmlEscape(u.Path) + "</Path>" +
		"<Protocol>" + strings.ToUpper(u.Scheme) + "</Protocol>" +
		"</ExternalManager>" +
		"</Provisioning></Configuration>"
	return []byte(conf), nil
}

func (c *ciscoCEClient) CheckEventsStatus(ctx context.Context) (bool, error) {
	body, err := c.getXML(ctx, "/Configuration/HttpFeedback")
	if err != nil {
		return false, err
	}
	// Any registered feedback slot with a non-empty URL counts.
	registered := strings.Contains(string(body), "<ServerUrl>") &&
		!strings.Contains(string(body), "<ServerUrl></ServerUrl>")
	return registered, nil
}

// RegisterFeedback claims the feedback slot for event callbacks.
func (c *ciscoCEClient) RegisterFeedback(ctx context.Context, callbackURL string) error {
	doc := "<Command><HttpFeedback><Register>" +
		"<FeedbackSlot>" + feedbackSlot + "</FeedbackSlot>" +
		"<ServerUrl>" + xmlEscape(callbackURL) + "</ServerUrl>" +
		"<Expression>/Status/Call</Expression>" +
		"<Expression>/Status/SystemUnit</Expression>" +
		"</Register></HttpFeedback></Command>"
	return c.putXML(ctx, doc)
}

func (c *ciscoCEClient) UpdateStatistics(ctx context.Context, e *Endpoint) error {
	status, err := c.GetStatusData(ctx)
	if err != nil {
		e.Status = classifyEndpointError(err)
		return err
	}
	applyStatus(e, status)
	return nil
}

// xmlEscape escapes text for inclusion in a hand-built XML document.
func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

// flattenXML walks a document and returns leaf values keyed by their
// slash-joined element path.
func flattenXML(body []byte) map[string]string {
	decoder := xml.NewDecoder(strings.NewReader(string(body)))
	values := make(map[string]string)
	var path []string
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := token.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if trimmed := strings.TrimSpace(text.String()); trimmed != "" && len(path) > 1 {
				values[strings.Join(path[1:], "/")] = trimmed
			}
			text.Reset()
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		}
	}
	return values
}
