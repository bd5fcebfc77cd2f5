// Package telemetry records VELUX actuator and gateway state to InfluxDB v2.
//
// Writes are non-blocking and batched by the InfluxDB client. Two
// measurements are written:
//
//	actuator  tags: home_id, module_id, velux_type
//	          fields: current_position, target_position, reachable
//	bridge    tags: module_id
//	          fields: reachable, is_raining, locked, wifi_strength
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/logging"
	"github.com/zorak1103/velux-active/internal/velux"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second
)

// Measurement names.
const (
	MeasurementActuator = "actuator"
	MeasurementBridge   = "bridge"
)

var (
	// ErrDisabled is returned by Connect when telemetry is turned off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// pointWriter is the subset of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// ModuleSource resolves a module id to its merged state.
type ModuleSource interface {
	Module(id string) velux.Module
}

// Recorder writes module state as InfluxDB points. It implements velux.Listener.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	source ModuleSource
	logger *logging.Logger
	now    func() time.Time
}

var _ velux.Listener = (*Recorder)(nil)

// Connect creates a recorder for cfg after pinging the server.
func Connect(cfg config.InfluxDBConfig, source ModuleSource, logger *logging.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, source, logger)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("telemetry write failed", "error", err)
		}
	}()
	return r, nil
}

func newRecorder(w pointWriter, source ModuleSource, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{
		writer: w,
		source: source,
		logger: logger.Component("telemetry"),
		now:    time.Now,
	}
}

// ActuatorPoint builds the actuator measurement for m.
func ActuatorPoint(homeID string, m *velux.NXOModule, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementActuator,
		map[string]string{
			"home_id":    homeID,
			"module_id":  m.ID,
			"velux_type": m.VeluxType,
		},
		map[string]any{
			"current_position": m.CurrentPosition,
			"target_position":  m.TargetPosition,
			"reachable":        m.Reachable,
		},
		ts,
	)
}

// BridgePoint builds the bridge measurement for m.
func BridgePoint(m *velux.NXGModule, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementBridge,
		map[string]string{"module_id": m.ID},
		map[string]any{
			"reachable":     m.Reachable,
			"is_raining":    m.IsRaining,
			"locked":        m.Locked,
			"wifi_strength": m.WifiStrength,
		},
		ts,
	)
}

// RecordModule writes the point for m. Modules of unknown type are skipped.
func (r *Recorder) RecordModule(homeID string, m velux.Module) bool {
	ts := r.now()
	switch mod := m.(type) {
	case *velux.NXOModule:
		r.writer.WritePoint(ActuatorPoint(homeID, mod, ts))
	case *velux.NXGModule:
		r.writer.WritePoint(BridgePoint(mod, ts))
	default:
		return false
	}
	return true
}

// RecordSnapshot writes a point for every known module in resp.
func (r *Recorder) RecordSnapshot(resp *velux.HomesDataResponse) int {
	if resp == nil {
		return 0
	}
	n := 0
	for i := range resp.Body.Homes {
		home := &resp.Body.Homes[i]
		for _, m := range home.Modules {
			if r.RecordModule(home.ID, m) {
				n++
			}
		}
	}
	r.logger.Debug("snapshot recorded", "points", n)
	return n
}

// HandleMessage implements velux.Listener.
func (r *Recorder) HandleMessage(msg velux.Message) {
	update, ok := msg.(*velux.ModuleUpdateMsg)
	if !ok {
		return
	}
	for _, m := range update.Modules() {
		if r.source != nil {
			if merged := r.source.Module(m.Basic().ID); merged != nil {
				m = merged
			}
		}
		r.RecordModule(update.HomeID(), m)
	}
}

// Connected implements velux.Listener.
func (r *Recorder) Connected() {}

// Disconnected implements velux.Listener.
func (r *Recorder) Disconnected(bool, string) {}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() error {
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
	return nil
}
