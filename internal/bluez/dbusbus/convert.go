package dbusbus

import (
	"github.com/godbus/dbus/v5"
	"github.com/srg/ble2mqtt/internal/bluez"
)

// unwrap converts a decoded D-Bus value into the plain Go shapes the bluez
// package works with: variants are opened, object paths become
// bluez.ObjectPath and the object-manager dictionaries become descriptors.
func unwrap(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return unwrap(x.Value())
	case dbus.ObjectPath:
		return bluez.ObjectPath(x)
	case []dbus.ObjectPath:
		out := make([]bluez.ObjectPath, len(x))
		for i, p := range x {
			out[i] = bluez.ObjectPath(p)
		}
		return out
	case map[string]dbus.Variant:
		return unwrapProps(x)
	case map[uint16]dbus.Variant:
		out := make(map[uint16]any, len(x))
		for k, val := range x {
			out[k] = unwrap(val)
		}
		return out
	case map[string]map[string]dbus.Variant:
		return unwrapDescriptor(x)
	case map[dbus.ObjectPath]map[string]map[string]dbus.Variant:
		out := make(map[bluez.ObjectPath]bluez.ObjectDescriptor, len(x))
		for path, desc := range x {
			out[bluez.ObjectPath(path)] = unwrapDescriptor(desc)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = unwrap(item)
		}
		return out
	default:
		return v
	}
}

func unwrapProps(props map[string]dbus.Variant) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = unwrap(v)
	}
	return out
}

func unwrapDescriptor(desc map[string]map[string]dbus.Variant) bluez.ObjectDescriptor {
	out := make(bluez.ObjectDescriptor, len(desc))
	for iface, props := range desc {
		out[iface] = unwrapProps(props)
	}
	return out
}

func unwrapAll(body []any) []any {
	out := make([]any, len(body))
	for i, v := range body {
		out[i] = unwrap(v)
	}
	return out
}

// wrap converts an outgoing argument: object paths regain their D-Bus type
// and option dictionaries become a{sv}.
func wrap(v any) any {
	switch x := v.(type) {
	case bluez.ObjectPath:
		return dbus.ObjectPath(x)
	case map[string]any:
		out := make(map[string]dbus.Variant, len(x))
		for k, val := range x {
			out[k] = dbus.MakeVariant(wrap(val))
		}
		return out
	default:
		return v
	}
}

func wrapAll(args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		out[i] = wrap(v)
	}
	return out
}
