package velux

import (
	"encoding/json"
	"net/url"
	"strings"
)

// MessageType identifies the kind of a message flowing through the client.
type MessageType int

// Message types.
const (
	MessageGetRequest MessageType = iota
	MessagePostRequest
	MessageResponse
	MessageWsRequest
	MessageStatus
	MessageHomesData
	MessageUserResponse
	MessageHomeStatus
	MessageModuleUpdate
)

var messageTypeNames = map[MessageType]string{
	MessageGetRequest:   "GetRequest",
	MessagePostRequest:  "PostRequest",
	MessageResponse:     "Response",
	MessageWsRequest:    "WsRequest",
	MessageStatus:       "Status",
	MessageHomesData:    "HomesData",
	MessageUserResponse: "UserResponse",
	MessageHomeStatus:   "HomeStatus",
	MessageModuleUpdate: "ModuleUpdate",
}

// String implements fmt.Stringer.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// Message is any payload the client sends or receives.
type Message interface {
	MessageType() MessageType
}

// App identification sent with every request.
const (
	appType     = "app_velux"
	userPrefix  = "velux"
	platform    = "Android"
	filterQuiet = "silent"
)

// Properties is an insertion-ordered string map. Request properties are sent
// as headers or as form fields in the order they were first set.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties returns an empty Properties.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Set stores value under key. Re-setting a key keeps its original position.
func (p *Properties) Set(key, value string) *Properties {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// Get returns the value for key.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Len returns the number of entries.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Each calls fn for every entry in insertion order.
func (p *Properties) Each(fn func(key, value string)) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		fn(k, p.values[k])
	}
}

// Encode renders the entries as an application/x-www-form-urlencoded body,
// preserving insertion order.
func (p *Properties) Encode() string {
	var sb strings.Builder
	p.Each(func(k, v string) {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(v))
	})
	return sb.String()
}

// Request is an outgoing HTTP message. Properties become headers for GET and
// JSON POST requests, or the form body for form POST requests. Payload is the
// JSON body of a JSON POST. BaseURL is rewritten in place when the server
// redirects.
type Request struct {
	Type       MessageType
	BaseURL    string
	Properties *Properties
	Payload    any
}

// MessageType implements Message.
func (r *Request) MessageType() MessageType { return r.Type }

// Endpoints holds the cloud base URLs.
type Endpoints struct {
	APIURL string
	WSURL  string
}

// DefaultEndpoints returns the production VELUX ACTIVE endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		APIURL: "https://app.velux-active.com",
		WSURL:  "wss://app-ws.velux-active.com/ws/",
	}
}

// TokenURL is the OAuth token endpoint.
func (e Endpoints) TokenURL() string {
	return strings.TrimSuffix(e.APIURL, "/") + "/oauth2/token"
}

// HomesDataURL is the homes snapshot endpoint.
func (e Endpoints) HomesDataURL() string {
	return strings.TrimSuffix(e.APIURL, "/") + "/api/homesdata"
}

// NewLoginRequest builds the password-grant token request.
func NewLoginRequest(e Endpoints, c Credentials) *Request {
	props := NewProperties().
		Set("grant_type", "password").
		Set("client_id", c.ClientID).
		Set("client_secret", c.ClientSecret).
		Set("username", c.Username).
		Set("password", c.Password).
		Set("user_prefix", userPrefix)
	return &Request{Type: MessagePostRequest, BaseURL: e.TokenURL(), Properties: props}
}

// NewRefreshRequest builds the refresh-grant token request.
func NewRefreshRequest(e Endpoints, c Credentials, refreshToken string) *Request {
	props := NewProperties().
		Set("grant_type", "refresh_token").
		Set("refresh_token", refreshToken).
		Set("client_id", c.ClientID).
		Set("client_secret", c.ClientSecret)
	return &Request{Type: MessagePostRequest, BaseURL: e.TokenURL(), Properties: props}
}

// HomesDataQuery is the JSON body of a homes data request.
type HomesDataQuery struct {
	AppVersion       string   `json:"app_version"`
	AppType          string   `json:"app_type"`
	DeviceTypes      []string `json:"device_types"`
	SyncMeasurements bool     `json:"sync_measurements"`
}

// NewHomesDataRequest builds the homes snapshot request.
func NewHomesDataRequest(e Endpoints, accessToken, appVersion string) *Request {
	return &Request{
		Type:       MessagePostRequest,
		BaseURL:    e.HomesDataURL(),
		Properties: NewProperties().Set("Authorization", "Bearer "+accessToken),
		Payload: HomesDataQuery{
			AppVersion:       appVersion,
			AppType:          appType,
			DeviceTypes:      []string{string(DeviceTypeGateway)},
			SyncMeasurements: false,
		},
	}
}

// SubscribeFrame is the first frame sent on a new WebSocket session.
type SubscribeFrame struct {
	Filter      string `json:"filter"`
	AccessToken string `json:"access_token"`
	AppType     string `json:"app_type"`
	Action      string `json:"action"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
}

// MessageType implements Message.
func (*SubscribeFrame) MessageType() MessageType { return MessageWsRequest }

// NewSubscribeFrame builds the subscribe frame for accessToken.
func NewSubscribeFrame(accessToken, appVersion string) *SubscribeFrame {
	return &SubscribeFrame{
		Filter:      filterQuiet,
		AccessToken: accessToken,
		AppType:     appType,
		Action:      "Subscribe",
		Version:     appVersion,
		Platform:    platform,
	}
}

// TokenResponse is returned by both token grants.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope,omitempty"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpireIn     int64    `json:"expire_in"`
}

// MessageType implements Message.
func (*TokenResponse) MessageType() MessageType { return MessageResponse }

// StatusFields is the acknowledgement envelope shared by status-bearing responses.
type StatusFields struct {
	Status     string  `json:"status"`
	TimeExec   float64 `json:"time_exec"`
	TimeServer int64   `json:"time_server"`
}

// OK reports whether the server acknowledged with status "ok".
func (s StatusFields) OK() bool { return s.Status == "ok" }

// StatusMsg is a bare acknowledgement, e.g. the reply to Subscribe.
type StatusMsg struct {
	StatusFields
}

// MessageType implements Message.
func (*StatusMsg) MessageType() MessageType { return MessageStatus }

// HomesDataBody is the payload of a homes data response.
type HomesDataBody struct {
	Homes []Home `json:"homes"`
	User  User   `json:"user"`
}

// HomesDataResponse is the full account snapshot.
type HomesDataResponse struct {
	StatusFields
	Body HomesDataBody `json:"body"`
}

// MessageType implements Message.
func (*HomesDataResponse) MessageType() MessageType { return MessageHomesData }

// Modules returns every module across all homes.
func (r *HomesDataResponse) Modules() []Module {
	if r == nil {
		return nil
	}
	var out []Module
	for i := range r.Body.Homes {
		out = append(out, r.Body.Homes[i].Modules...)
	}
	return out
}

// HomeByID returns the home with the given id, or nil.
func (r *HomesDataResponse) HomeByID(id string) *Home {
	if r == nil {
		return nil
	}
	for i := range r.Body.Homes {
		if r.Body.Homes[i].ID == id {
			return &r.Body.Homes[i]
		}
	}
	return nil
}

// PushTimestamp is the server timestamp of a push.
type PushTimestamp struct {
	Sec  int64 `json:"sec"`
	Usec int64 `json:"usec"`
}

// PushHome carries the modules changed in one home. Pushed modules are often
// partial (id plus changed fields); RawModules keeps each element as sent.
type PushHome struct {
	ID      string     `json:"id"`
	Modules ModuleList `json:"modules"`
	raw     []json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *PushHome) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID      string            `json:"id"`
		Modules []json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	h.ID = aux.ID
	h.raw = aux.Modules
	h.Modules = make(ModuleList, 0, len(aux.Modules))
	for _, raw := range aux.Modules {
		h.Modules = append(h.Modules, decodeModule(raw))
	}
	return nil
}

// RawModules returns the pushed module elements as received.
func (h *PushHome) RawModules() []json.RawMessage {
	return h.raw
}

// PushExtraParams wraps the changed home of a module update.
type PushExtraParams struct {
	Home      PushHome `json:"home"`
	Timestamp int64    `json:"timestamp"`
}

// Push discriminator values of a module update.
const (
	PushType        = "Websocket"
	PushSubtypeJSON = "embedded_json"
)

// ModuleUpdateMsg is a live module state change pushed over the WebSocket.
type ModuleUpdateMsg struct {
	Type          string          `json:"type"`
	PushType      string          `json:"push_type"`
	ExtraParams   PushExtraParams `json:"extra_params"`
	AppType       string          `json:"app_type,omitempty"`
	AppVersion    string          `json:"app_version,omitempty"`
	DeviceVersion string          `json:"device_version,omitempty"`
	OSVersion     string          `json:"os_version,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	TSGenerated   int64           `json:"ts_generated,omitempty"`
	ID            string          `json:"_id,omitempty"`
	Timestamp     PushTimestamp   `json:"timestamp"`
}

// MessageType implements Message.
func (*ModuleUpdateMsg) MessageType() MessageType { return MessageModuleUpdate }

// HomeID returns the id of the home the update belongs to.
func (m *ModuleUpdateMsg) HomeID() string { return m.ExtraParams.Home.ID }

// Modules returns the changed modules.
func (m *ModuleUpdateMsg) Modules() []Module { return m.ExtraParams.Home.Modules }
