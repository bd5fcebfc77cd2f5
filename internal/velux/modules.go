package velux

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceType is the module discriminator carried in the "type" field.
type DeviceType string

// Known device types.
const (
	DeviceTypeGateway  DeviceType = "NXG"
	DeviceTypeActuator DeviceType = "NXO"
)

// VELUX actuator kinds reported in velux_type.
const (
	VeluxTypeBlind   = "blind"
	VeluxTypeWindow  = "window"
	VeluxTypeShutter = "shutter"
)

// Module is implemented by every device record in a home.
type Module interface {
	// Basic returns the fields common to all modules.
	Basic() *BasicDeviceModule
}

// BasicDeviceModule carries the fields shared by every module type.
type BasicDeviceModule struct {
	ID       string     `json:"id"`
	Type     DeviceType `json:"type"`
	Name     string     `json:"name,omitempty"`
	LastSeen int64      `json:"last_seen,omitempty"`
}

// Basic implements Module.
func (b *BasicDeviceModule) Basic() *BasicDeviceModule { return b }

// LastSeenTime converts LastSeen (Unix seconds) to a time.
func (b *BasicDeviceModule) LastSeenTime() time.Time {
	if b.LastSeen == 0 {
		return time.Time{}
	}
	return time.Unix(b.LastSeen, 0)
}

// ScheduleLimit describes how many schedule entries a gateway accepts.
type ScheduleLimit struct {
	NbZones     int    `json:"nb_zones"`
	NbTimeslots int    `json:"nb_timeslots"`
	NbItems     int    `json:"nb_items"`
	Type        string `json:"type"`
}

// Capability is a named gateway feature flag.
type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// NXGModule is the VELUX gateway bridging actuators to the cloud.
type NXGModule struct {
	BasicDeviceModule
	Subtype                    string          `json:"subtype,omitempty"`
	SetupDate                  int64           `json:"setup_date,omitempty"`
	Reachable                  bool            `json:"reachable"`
	ModulesBridged             []string        `json:"modules_bridged,omitempty"`
	ScheduleLimits             []ScheduleLimit `json:"schedule_limits,omitempty"`
	Capabilities               []Capability    `json:"capabilities,omitempty"`
	PincodeEnabled             bool            `json:"pincode_enabled"`
	Busy                       bool            `json:"busy"`
	Calibrating                bool            `json:"calibrating"`
	FirmwareRevisionNetatmo    int             `json:"firmware_revision_netatmo,omitempty"`
	FirmwareRevisionThirdparty string          `json:"firmware_revision_thirdparty,omitempty"`
	HardwareVersion            int             `json:"hardware_version,omitempty"`
	IsRaining                  bool            `json:"is_raining"`
	Locked                     bool            `json:"locked"`
	Locking                    bool            `json:"locking"`
	Pairing                    string          `json:"pairing,omitempty"`
	Secure                     bool            `json:"secure"`
	WifiStrength               int             `json:"wifi_strength,omitempty"`
	WifiState                  string          `json:"wifi_state,omitempty"`
}

// SanitizedID returns the gateway id with ':' replaced by '-', the form used
// for identifiers that must not contain colons.
func (m *NXGModule) SanitizedID() string {
	return strings.ReplaceAll(m.ID, ":", "-")
}

// NXOModule is a VELUX actuator: window, blind or shutter.
type NXOModule struct {
	BasicDeviceModule
	SetupDate        int64  `json:"setup_date,omitempty"`
	RoomID           string `json:"room_id,omitempty"`
	Bridge           string `json:"bridge,omitempty"`
	VeluxType        string `json:"velux_type,omitempty"`
	GroupID          string `json:"group_id,omitempty"`
	CurrentPosition  int    `json:"current_position"`
	TargetPosition   int    `json:"target_position"`
	FirmwareRevision int    `json:"firmware_revision,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Mode             string `json:"mode,omitempty"`
	RainPosition     int    `json:"rain_position,omitempty"`
	Reachable        bool   `json:"reachable"`
	SecurePosition   int    `json:"secure_position,omitempty"`
	Silent           bool   `json:"silent"`
}

// IsBlind reports whether the actuator is a blind.
func (m *NXOModule) IsBlind() bool { return m.VeluxType == VeluxTypeBlind }

// IsWindow reports whether the actuator is a window.
func (m *NXOModule) IsWindow() bool { return m.VeluxType == VeluxTypeWindow }

// SetCurrentPosition sets the reported position after range validation.
func (m *NXOModule) SetCurrentPosition(pos int) error {
	if err := validatePosition(pos); err != nil {
		return err
	}
	m.CurrentPosition = pos
	return nil
}

// SetTargetPosition sets the requested position after range validation.
func (m *NXOModule) SetTargetPosition(pos int) error {
	if err := validatePosition(pos); err != nil {
		return err
	}
	m.TargetPosition = pos
	return nil
}

func validatePosition(pos int) error {
	if pos < 0 || pos > 100 {
		return fmt.Errorf("%w: %d (must be 0..100)", ErrPositionOutOfRange, pos)
	}
	return nil
}

// UnknownModule keeps a module element that could not be decoded into a known
// type. Err is set when decoding failed rather than the type being unknown.
type UnknownModule struct {
	BasicDeviceModule
	Raw json.RawMessage `json:"-"`
	Err error           `json:"-"`
}

// MarshalJSON re-emits the original element.
func (m *UnknownModule) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(m.BasicDeviceModule)
}

// moduleDecoders maps a discriminator to a constructor of its concrete type.
var moduleDecoders = map[DeviceType]func() Module{
	DeviceTypeGateway:  func() Module { return &NXGModule{} },
	DeviceTypeActuator: func() Module { return &NXOModule{} },
}

// ModuleList decodes a heterogeneous JSON array of modules. A bad or unknown
// element becomes an *UnknownModule and does not fail its siblings.
type ModuleList []Module

// UnmarshalJSON implements json.Unmarshaler.
func (l *ModuleList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decoding module array: %w", err)
	}
	out := make(ModuleList, 0, len(raws))
	for _, raw := range raws {
		out = append(out, decodeModule(raw))
	}
	*l = out
	return nil
}

// decodeModule decodes one array element through moduleDecoders.
func decodeModule(raw json.RawMessage) Module {
	var head struct {
		ID   string     `json:"id"`
		Type DeviceType `json:"type"`
		Name string     `json:"name"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return &UnknownModule{Raw: append(json.RawMessage(nil), raw...), Err: fmt.Errorf("decoding module header: %w", err)}
	}

	newModule, ok := moduleDecoders[head.Type]
	if !ok {
		return &UnknownModule{
			BasicDeviceModule: BasicDeviceModule{ID: head.ID, Type: head.Type, Name: head.Name},
			Raw:               append(json.RawMessage(nil), raw...),
		}
	}

	m := newModule()
	if err := json.Unmarshal(raw, m); err != nil {
		return &UnknownModule{
			BasicDeviceModule: BasicDeviceModule{ID: head.ID, Type: head.Type, Name: head.Name},
			Raw:               append(json.RawMessage(nil), raw...),
			Err:               fmt.Errorf("decoding %s module %s: %w", head.Type, head.ID, err),
		}
	}
	return m
}

// Room groups modules installed in the same room.
type Room struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Type        string   `json:"type,omitempty"`
	ModuleIDs   []string `json:"module_ids,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	AlgoStatus  int      `json:"algo_status,omitempty"`
	AutoCloseTS int64    `json:"auto_close_ts,omitempty"`
}

// Timetable is one schedule slot: a zone active from an offset in minutes since Monday 00:00.
type Timetable struct {
	ZoneID  int `json:"zone_id"`
	MOffset int `json:"m_offset"`
}

// TimetableSun is a sunrise or sunset bound schedule slot.
type TimetableSun struct {
	ZoneID int `json:"zone_id"`
	Day    int `json:"day"`
}

// ZoneModule is a module's target inside a schedule zone.
type ZoneModule struct {
	ID             string `json:"id"`
	Bridge         string `json:"bridge,omitempty"`
	TargetPosition int    `json:"target_position"`
}

// FlexibleID is an identifier the cloud sends either as a JSON string or number.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// Zone is a named set of module targets used by a schedule.
type Zone struct {
	ID      FlexibleID   `json:"id"`
	Name    string       `json:"name,omitempty"`
	Type    int          `json:"type,omitempty"`
	Modules []ZoneModule `json:"modules,omitempty"`
}

// Schedule is a weekly program of zones.
type Schedule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	Type             string         `json:"type,omitempty"`
	Default          bool           `json:"default"`
	Selected         bool           `json:"selected"`
	Timetable        []Timetable    `json:"timetable,omitempty"`
	Zones            []Zone         `json:"zones,omitempty"`
	TimetableSunrise []TimetableSun `json:"timetable_sunrise,omitempty"`
	TimetableSunset  []TimetableSun `json:"timetable_sunset,omitempty"`
}

// Home is one installation with its rooms, modules and schedules.
type Home struct {
	ID                       string          `json:"id"`
	Name                     string          `json:"name,omitempty"`
	Altitude                 int             `json:"altitude,omitempty"`
	Coordinates              []float64       `json:"coordinates,omitempty"`
	Country                  string          `json:"country,omitempty"`
	Timezone                 string          `json:"timezone,omitempty"`
	City                     string          `json:"city,omitempty"`
	CurrencyCode             string          `json:"currency_code,omitempty"`
	NbUsers                  int             `json:"nb_users,omitempty"`
	DataVersions             json.RawMessage `json:"data_versions,omitempty"`
	PlaceImproved            bool            `json:"place_improved"`
	TrustLocation            bool            `json:"trust_location"`
	ThermAbsenceNotification bool            `json:"therm_absence_notification"`
	ThermAbsenceAutoaway     bool            `json:"therm_absence_autoaway"`
	Rooms                    []Room          `json:"rooms,omitempty"`
	Modules                  ModuleList      `json:"modules,omitempty"`
	Schedules                []Schedule      `json:"schedules,omitempty"`
}

// ModuleByID returns the module with the given id. Gateway ids also match in
// their sanitized form.
func (h *Home) ModuleByID(id string) Module {
	for _, m := range h.Modules {
		if moduleMatches(m, id) {
			return m
		}
	}
	return nil
}

// RoomByID returns the room with the given id, or nil.
func (h *Home) RoomByID(id string) *Room {
	for i := range h.Rooms {
		if h.Rooms[i].ID == id {
			return &h.Rooms[i]
		}
	}
	return nil
}

// DeviceIDs returns the ids of every module in the home.
func (h *Home) DeviceIDs() []string {
	ids := make([]string, 0, len(h.Modules))
	for _, m := range h.Modules {
		ids = append(ids, m.Basic().ID)
	}
	return ids
}

func moduleMatches(m Module, id string) bool {
	if m.Basic().ID == id {
		return true
	}
	if g, ok := m.(*NXGModule); ok && g.SanitizedID() == id {
		return true
	}
	return false
}

// User is the account owner's profile.
type User struct {
	ID                string `json:"id,omitempty"`
	Email             string `json:"email,omitempty"`
	Language          string `json:"language,omitempty"`
	Locale            string `json:"locale,omitempty"`
	Country           string `json:"country,omitempty"`
	FeelLikeAlgorithm int    `json:"feel_like_algorithm,omitempty"`
	UnitPressure      int    `json:"unit_pressure,omitempty"`
	UnitSystem        int    `json:"unit_system,omitempty"`
	UnitWind          int    `json:"unit_wind,omitempty"`
	AllLinked         bool   `json:"all_linked"`
	Type              string `json:"type,omitempty"`
	AppTelemetry      bool   `json:"app_telemetry"`
}
