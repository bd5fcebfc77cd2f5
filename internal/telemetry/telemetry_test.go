package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/velux"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed++
}

type mapSource map[string]velux.Module

func (s mapSource) Module(id string) velux.Module { return s[id] }

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestActuatorPoint(t *testing.T) {
	t.Parallel()

	m := &velux.NXOModule{
		BasicDeviceModule: velux.BasicDeviceModule{ID: "aa01", Type: velux.DeviceTypeActuator},
		VeluxType:         velux.VeluxTypeShutter,
		CurrentPosition:   40,
		TargetPosition:    60,
		Reachable:         true,
	}
	p := ActuatorPoint("home-1", m, ts)

	if p.Name() != MeasurementActuator {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v", p.Time())
	}
	wantTags := map[string]string{"home_id": "home-1", "module_id": "aa01", "velux_type": "shutter"}
	if diff := cmp.Diff(wantTags, tags(p)); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	wantFields := map[string]any{"current_position": int64(40), "target_position": int64(60), "reachable": true}
	if diff := cmp.Diff(wantFields, fields(p)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgePoint(t *testing.T) {
	t.Parallel()

	m := &velux.NXGModule{
		BasicDeviceModule: velux.BasicDeviceModule{ID: "70:ee:50:3d:1a:2c", Type: velux.DeviceTypeGateway},
		Reachable:         true,
		IsRaining:         true,
		WifiStrength:      62,
	}
	p := BridgePoint(m, ts)

	if p.Name() != MeasurementBridge {
		t.Errorf("Name() = %q", p.Name())
	}
	if diff := cmp.Diff(map[string]string{"module_id": "70:ee:50:3d:1a:2c"}, tags(p)); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	wantFields := map[string]any{"reachable": true, "is_raining": true, "locked": false, "wifi_strength": int64(62)}
	if diff := cmp.Diff(wantFields, fields(p)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

const snapshotJSON = `{
	"status": "ok",
	"body": {"homes": [{
		"id": "home-1",
		"modules": [
			{"id": "70:ee:50:3d:1a:2c", "type": "NXG", "reachable": true},
			{"id": "aa01", "type": "NXO", "velux_type": "shutter", "current_position": 40},
			{"id": "zz99", "type": "NXD"}
		]
	}]}
}`

func TestRecorder_RecordSnapshot(t *testing.T) {
	t.Parallel()

	var resp velux.HomesDataResponse
	if err := json.Unmarshal([]byte(snapshotJSON), &resp); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}

	w := &fakeWriter{}
	r := newRecorder(w, nil, nil)
	r.now = func() time.Time { return ts }

	if n := r.RecordSnapshot(&resp); n != 2 {
		t.Errorf("RecordSnapshot() = %d, want 2", n)
	}
	var names []string
	for _, p := range w.points {
		names = append(names, p.Name())
	}
	if diff := cmp.Diff([]string{MeasurementBridge, MeasurementActuator}, names); diff != "" {
		t.Errorf("measurements mismatch (-want +got):\n%s", diff)
	}
	if n := r.RecordSnapshot(nil); n != 0 {
		t.Errorf("RecordSnapshot(nil) = %d", n)
	}
}

func TestRecorder_HandleMessage(t *testing.T) {
	t.Parallel()

	var update velux.ModuleUpdateMsg
	push := `{"type":"Websocket","push_type":"embedded_json",
		"extra_params":{"home":{"id":"home-1","modules":[{"id":"aa01","current_position":75}]}}}`
	if err := json.Unmarshal([]byte(push), &update); err != nil {
		t.Fatalf("decoding push: %v", err)
	}

	merged := &velux.NXOModule{
		BasicDeviceModule: velux.BasicDeviceModule{ID: "aa01", Type: velux.DeviceTypeActuator},
		VeluxType:         velux.VeluxTypeShutter,
		CurrentPosition:   75,
	}

	tests := []struct {
		name   string
		source ModuleSource
		want   int
	}{
		{name: "merged module recorded", source: mapSource{"aa01": merged}, want: 1},
		{name: "partial module skipped", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := &fakeWriter{}
			r := newRecorder(w, tt.source, nil)
			r.HandleMessage(&update)
			r.HandleMessage(&velux.StatusMsg{})
			r.Connected()
			r.Disconnected(true, "")

			if len(w.points) != tt.want {
				t.Fatalf("points = %d, want %d", len(w.points), tt.want)
			}
			if tt.want == 1 && fields(w.points[0])["current_position"] != int64(75) {
				t.Errorf("fields = %v", fields(w.points[0]))
			}
		})
	}
}

func TestRecorder_Close(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	if err := newRecorder(w, nil, nil).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushed != 1 {
		t.Errorf("flushed = %d, want 1", w.flushed)
	}
}

func TestConnect_Disabled(t *testing.T) {
	t.Parallel()

	_, err := Connect(config.InfluxDBConfig{Enabled: false}, nil, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}
