package velux

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// CommandKey addresses one settable module field.
type CommandKey struct {
	Group string
	Field string
}

// String renders the key as "group/field".
func (k CommandKey) String() string { return k.Group + "/" + k.Field }

type setter func(m Module, value any) error

// commandTable lists every field that may be set on a module. A field not in
// the table cannot be changed.
var commandTable = map[CommandKey]setter{
	{"control", "target_position"}: onActuator(func(m *NXOModule, v any) error {
		n, err := intValue(v)
		if err != nil {
			return err
		}
		return m.SetTargetPosition(n)
	}),
	{"control", "mode"}: onActuator(func(m *NXOModule, v any) error {
		s, err := stringValue(v)
		if err != nil {
			return err
		}
		m.Mode = s
		return nil
	}),
	{"control", "silent"}: onActuator(func(m *NXOModule, v any) error {
		b, err := boolValue(v)
		if err != nil {
			return err
		}
		m.Silent = b
		return nil
	}),
	{"settings", "locked"}: onGateway(func(m *NXGModule, v any) error {
		b, err := boolValue(v)
		if err != nil {
			return err
		}
		m.Locked = b
		return nil
	}),
	{"info", "name"}: func(m Module, v any) error {
		s, err := stringValue(v)
		if err != nil {
			return err
		}
		m.Basic().Name = s
		return nil
	},
}

func onActuator(fn func(*NXOModule, any) error) setter {
	return func(m Module, v any) error {
		nxo, ok := m.(*NXOModule)
		if !ok {
			return fmt.Errorf("%w: requires an %s module, got %s", ErrUnknownCommand, DeviceTypeActuator, m.Basic().Type)
		}
		return fn(nxo, v)
	}
}

func onGateway(fn func(*NXGModule, any) error) setter {
	return func(m Module, v any) error {
		nxg, ok := m.(*NXGModule)
		if !ok {
			return fmt.Errorf("%w: requires an %s module, got %s", ErrUnknownCommand, DeviceTypeGateway, m.Basic().Type)
		}
		return fn(nxg, v)
	}
}

// ApplyCommand sets group/field on m to value.
func ApplyCommand(m Module, group, field string, value any) error {
	key := CommandKey{Group: group, Field: field}
	set, ok := commandTable[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, key)
	}
	if err := set(m, value); err != nil {
		return fmt.Errorf("applying %s to %s: %w", key, m.Basic().ID, err)
	}
	return nil
}

// Commands returns every registered command key, sorted.
func Commands() []CommandKey {
	keys := make([]CommandKey, 0, len(commandTable))
	for k := range commandTable {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b CommandKey) int {
		return cmp.Or(cmp.Compare(a.Group, b.Group), cmp.Compare(a.Field, b.Field))
	})
	return keys
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not a whole number", ErrCommandType, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCommandType, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: want number, got %T", ErrCommandType, v)
	}
}

func stringValue(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: want string, got %T", ErrCommandType, v)
	}
	return s, nil
}

func boolValue(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: want bool, got %T", ErrCommandType, v)
	}
	return b, nil
}
