package mqttbridge

import (
	"fmt"
	"strings"
)

// DefaultPrefix is used when no topic prefix is configured.
const DefaultPrefix = "velux"

// Topics builds the bridge's topic names under a common prefix.
//
//	t := Topics{Prefix: "velux"}
//	t.ModuleState("5e1f...", "5c5e1a0000aa01")
//	// velux/5e1f.../5c5e1a0000aa01/state
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// Status is the bridge availability topic, also used for the last will.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// Session carries WebSocket session state changes.
func (t Topics) Session() string {
	return t.prefix() + "/session"
}

// ModuleState is the retained state topic of one module. Colons in gateway
// ids are replaced so topic filters stay readable.
func (t Topics) ModuleState(homeID, moduleID string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.prefix(), homeID, strings.ReplaceAll(moduleID, ":", "-"))
}
