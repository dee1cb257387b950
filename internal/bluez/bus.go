package bluez

import (
	"reflect"
	"strings"
)

// Well-known remote names.
const (
	ServiceName = "org.bluez"

	ObjectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	AdapterInterface        = "org.bluez.Adapter1"
	DeviceInterface         = "org.bluez.Device1"
	ServiceInterface        = "org.bluez.GattService1"
	CharacteristicInterface = "org.bluez.GattCharacteristic1"
	AgentInterface          = "org.bluez.Agent1"
	AgentManagerInterface   = "org.bluez.AgentManager1"

	SignalPropertiesChanged = "PropertiesChanged"
	SignalInterfacesAdded   = "InterfacesAdded"
	SignalInterfacesRemoved = "InterfacesRemoved"

	ObjectManagerPath = ObjectPath("/")
	AgentManagerPath  = ObjectPath("/org/bluez")

	pathSeparator = "/"
)

// ObjectPath identifies one object in the remote hierarchy. A child's path
// always starts with its parent's path followed by "/".
type ObjectPath string

// IsChildOf reports whether p lies strictly below parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == ObjectManagerPath {
		return len(p) > 1 && strings.HasPrefix(string(p), pathSeparator)
	}
	return strings.HasPrefix(string(p), string(parent)+pathSeparator)
}

// ObjectDescriptor maps interface name to that interface's properties, as
// delivered by one InterfacesAdded event or one enumeration entry.
type ObjectDescriptor map[string]map[string]any

// Has reports whether the descriptor carries iface.
func (d ObjectDescriptor) Has(iface string) bool {
	_, ok := d[iface]
	return ok
}

// SignalHandler receives the unwrapped body of one bus signal.
type SignalHandler func(args ...any)

// Bus is the transport the hierarchy is mirrored over. Implementations
// complete every Future on the event loop.
type Bus interface {
	// GetInterface resolves a handle for iface at path, failing if the object
	// or interface does not exist.
	GetInterface(path ObjectPath, iface string) *Future[Interface]
}

// Interface is a resolved handle to one remote interface.
type Interface interface {
	Path() ObjectPath
	Name() string

	// Call invokes method on this interface. The Future carries the reply body.
	Call(method string, args ...any) *Future[[]any]

	// SetProperty writes one property of this interface.
	SetProperty(name string, value any) *Future[struct{}]

	// On registers handler for signal emitted by this interface at this path.
	// The returned function detaches it and is safe to call more than once.
	On(signal string, handler SignalHandler) (remove func())
}

// equalValues compares two property values structurally.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
