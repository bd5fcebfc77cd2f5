package velux

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestProperties_Order(t *testing.T) {
	t.Parallel()

	p := NewProperties().Set("b", "2").Set("a", "1").Set("c", "3").Set("b", "two")

	var keys []string
	p.Each(func(k, _ string) { keys = append(keys, k) })
	if diff := cmp.Diff([]string{"b", "a", "c"}, keys); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}
	if v, ok := p.Get("b"); !ok || v != "two" {
		t.Errorf("Get(b) = %q, %v; want \"two\", true", v, ok)
	}
	if p.Len() != 3 {
		t.Errorf("Len() = %d, want 3", p.Len())
	}
}

func TestProperties_Encode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		props *Properties
		want  string
	}{
		{name: "nil", props: nil, want: ""},
		{name: "empty", props: NewProperties(), want: ""},
		{
			name:  "escapes reserved characters",
			props: NewProperties().Set("username", "a+b@example.com").Set("password", "p&ss=word"),
			want:  "username=a%2Bb%40example.com&password=p%26ss%3Dword",
		},
		{
			name:  "spaces",
			props: NewProperties().Set("q", "two words"),
			want:  "q=two+words",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.props.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpoints_URLs(t *testing.T) {
	t.Parallel()

	e := Endpoints{APIURL: "https://api.example.com/"}
	if got, want := e.TokenURL(), "https://api.example.com/oauth2/token"; got != want {
		t.Errorf("TokenURL() = %q, want %q", got, want)
	}
	if got, want := e.HomesDataURL(), "https://api.example.com/api/homesdata"; got != want {
		t.Errorf("HomesDataURL() = %q, want %q", got, want)
	}
}

func TestNewLoginRequest(t *testing.T) {
	t.Parallel()

	req := NewLoginRequest(DefaultEndpoints(), testCreds)
	if req.Type != MessagePostRequest {
		t.Errorf("Type = %v, want %v", req.Type, MessagePostRequest)
	}
	want := "grant_type=password&client_id=client&client_secret=client-secret" +
		"&username=user%40example.com&password=secret&user_prefix=velux"
	if got := req.Properties.Encode(); got != want {
		t.Errorf("form = %q, want %q", got, want)
	}
}

func TestNewRefreshRequest(t *testing.T) {
	t.Parallel()

	req := NewRefreshRequest(DefaultEndpoints(), testCreds, "r-token")
	want := "grant_type=refresh_token&refresh_token=r-token&client_id=client&client_secret=client-secret"
	if got := req.Properties.Encode(); got != want {
		t.Errorf("form = %q, want %q", got, want)
	}
	if _, ok := req.Properties.Get("password"); ok {
		t.Error("refresh request carries the password")
	}
}

func TestNewHomesDataRequest(t *testing.T) {
	t.Parallel()

	req := NewHomesDataRequest(DefaultEndpoints(), "tok", "1.6.0")
	if auth, _ := req.Properties.Get("Authorization"); auth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok")
	}

	data, err := json.Marshal(req.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	want := `{"app_version":"1.6.0","app_type":"app_velux","device_types":["NXG"],"sync_measurements":false}`
	if string(data) != want {
		t.Errorf("payload = %s, want %s", data, want)
	}
}

func TestNewSubscribeFrame(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NewSubscribeFrame("tok", "1.6.0"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"filter":"silent","access_token":"tok","app_type":"app_velux","action":"Subscribe","version":"1.6.0","platform":"Android"}`
	if string(data) != want {
		t.Errorf("frame = %s, want %s", data, want)
	}
}

func TestMessageType_String(t *testing.T) {
	t.Parallel()

	if got := MessageModuleUpdate.String(); got != "ModuleUpdate" {
		t.Errorf("String() = %q, want ModuleUpdate", got)
	}
	if got := MessageType(99).String(); got != "Unknown" {
		t.Errorf("String() = %q, want Unknown", got)
	}
}

func TestPushHome_KeepsRawModules(t *testing.T) {
	t.Parallel()

	data := `{"id":"home-1","modules":[{"id":"m1","target_position":40},{"id":"m2","type":"NXO","current_position":10}]}`
	var h PushHome
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if h.ID != "home-1" {
		t.Errorf("ID = %q, want home-1", h.ID)
	}
	if len(h.RawModules()) != 2 || len(h.Modules) != 2 {
		t.Fatalf("got %d raw / %d decoded modules, want 2 / 2", len(h.RawModules()), len(h.Modules))
	}
	if string(h.RawModules()[0]) != `{"id":"m1","target_position":40}` {
		t.Errorf("raw[0] = %s", h.RawModules()[0])
	}
	if _, ok := h.Modules[0].(*UnknownModule); !ok {
		t.Errorf("untyped push element decoded as %T, want *UnknownModule", h.Modules[0])
	}
	if nxo, ok := h.Modules[1].(*NXOModule); !ok || nxo.CurrentPosition != 10 {
		t.Errorf("typed push element = %#v", h.Modules[1])
	}
}
