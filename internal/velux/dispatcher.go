package velux

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/zorak1103/velux-active/internal/logging"
)

// Top-level keys that identify payload shapes.
const (
	keyType       = "type"
	keyPushType   = "push_type"
	keyBody       = "body"
	keyStatus     = "status"
	keyTimeExec   = "time_exec"
	keyTimeServer = "time_server"
)

// Dispatcher classifies raw JSON payloads by their key set and decodes them
// into typed messages. The cloud sends no envelope discriminator, so the shape
// of the top-level object decides.
type Dispatcher struct {
	logger *logging.Logger
}

// NewDispatcher creates a Dispatcher. logger may be nil.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{logger: logger.Component("dispatcher")}
}

// Shape decodes the top-level JSON object into a map. Nested objects become
// nested maps. Anything that is not a JSON object is an error.
func Shape(data []byte) (map[string]any, error) {
	var shape map[string]any
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if shape == nil {
		return nil, fmt.Errorf("payload is null")
	}
	return shape, nil
}

// Classify returns the typed message for data, or nil if the payload is
// malformed or its shape is not recognized. Rules apply in order:
//
//  1. type and push_type present: a module update if they are
//     "Websocket"/"embedded_json", otherwise unrecognized.
//  2. body present: homes data.
//  3. exactly status, time_exec and time_server: status acknowledgement.
func (d *Dispatcher) Classify(data []byte) Message {
	shape, err := Shape(data)
	if err != nil {
		d.logger.Warn("dropping malformed payload", "error", err, "bytes", len(data))
		return nil
	}

	_, hasType := shape[keyType]
	_, hasPushType := shape[keyPushType]
	_, hasBody := shape[keyBody]

	switch {
	case hasType && hasPushType:
		if shape[keyType] != PushType || shape[keyPushType] != PushSubtypeJSON {
			d.logger.Warn("unrecognized push", "type", shape[keyType], "push_type", shape[keyPushType])
			return nil
		}
		return decodeMessage[ModuleUpdateMsg](d, data)
	case hasBody:
		return decodeMessage[HomesDataResponse](d, data)
	case isStatusShape(shape):
		return decodeMessage[StatusMsg](d, data)
	default:
		d.logger.Warn("unrecognized payload shape", "keys", slices.Sorted(maps.Keys(shape)))
		return nil
	}
}

// decodeMessage decodes data into *T. A decode error is logged and yields nil.
func decodeMessage[T any, PT interface {
	*T
	Message
}](d *Dispatcher, data []byte) Message {
	msg := PT(new(T))
	if err := json.Unmarshal(data, msg); err != nil {
		d.logger.Warn("dropping undecodable payload", "error", err)
		return nil
	}
	d.logger.Trace("classified payload", "type", msg.MessageType())
	return msg
}

func isStatusShape(shape map[string]any) bool {
	if len(shape) != 3 {
		return false
	}
	for _, k := range []string{keyStatus, keyTimeExec, keyTimeServer} {
		if _, ok := shape[k]; !ok {
			return false
		}
	}
	return true
}
