package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/srg/ble2mqtt/internal/bluez"
)

// CharacteristicConfig describes one characteristic of a mocked device.
type CharacteristicConfig struct {
	ID    string `json:"id"`              // e.g. "char0011"
	UUID  string `json:"uuid"`            // full 128-bit UUID
	Flags string `json:"flags,omitempty"` // e.g. "read,write,notify"
	Value []byte `json:"value,omitempty"`
}

// ServiceConfig describes one GATT service of a mocked device.
type ServiceConfig struct {
	ID              string                 `json:"id"` // e.g. "service0010"
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceConfig describes one remote device.
type DeviceConfig struct {
	Address          string          `json:"address"`
	Alias            string          `json:"alias,omitempty"`
	Name             string          `json:"name,omitempty"`
	Connected        bool            `json:"connected,omitempty"`
	ServicesResolved bool            `json:"services_resolved,omitempty"`
	Services         []ServiceConfig `json:"services,omitempty"`
}

// AdapterConfig describes one local controller.
type AdapterConfig struct {
	ID      string         `json:"id"` // e.g. "hci0"
	Address string         `json:"address,omitempty"`
	Powered bool           `json:"powered,omitempty"`
	Devices []DeviceConfig `json:"devices,omitempty"`
}

// TopologyConfig is a complete BlueZ object tree.
type TopologyConfig struct {
	Adapters []AdapterConfig `json:"adapters"`
}

// TopologyBuilder builds a BlueZ object tree for the fake bus.
type TopologyBuilder struct {
	topology TopologyConfig
}

// NewTopologyBuilder creates an empty builder.
func NewTopologyBuilder() *TopologyBuilder {
	return &TopologyBuilder{}
}

// WithAdapter adds an adapter.
func (b *TopologyBuilder) WithAdapter(id string, powered bool) *TopologyBuilder {
	b.topology.Adapters = append(b.topology.Adapters, AdapterConfig{
		ID:      id,
		Address: "00:1A:7D:DA:71:" + fmt.Sprintf("%02X", len(b.topology.Adapters)),
		Powered: powered,
	})
	return b
}

// WithDevice adds a device to the last adapter.
func (b *TopologyBuilder) WithDevice(address, alias string) *TopologyBuilder {
	if len(b.topology.Adapters) == 0 {
		panic("WithDevice: no adapter added yet, call WithAdapter first")
	}
	a := &b.topology.Adapters[len(b.topology.Adapters)-1]
	a.Devices = append(a.Devices, DeviceConfig{Address: address, Alias: alias, Name: alias})
	return b
}

// Resolved marks the last device as connected with services resolved.
func (b *TopologyBuilder) Resolved() *TopologyBuilder {
	d := b.lastDevice("Resolved")
	d.Connected = true
	d.ServicesResolved = true
	return b
}

// WithService adds a service to the last device.
func (b *TopologyBuilder) WithService(id, uuid string) *TopologyBuilder {
	d := b.lastDevice("WithService")
	d.Services = append(d.Services, ServiceConfig{ID: id, UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last service.
func (b *TopologyBuilder) WithCharacteristic(id, uuid, flags string, value []byte) *TopologyBuilder {
	d := b.lastDevice("WithCharacteristic")
	if len(d.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	s := &d.Services[len(d.Services)-1]
	s.Characteristics = append(s.Characteristics, CharacteristicConfig{ID: id, UUID: uuid, Flags: flags, Value: value})
	return b
}

// FromJSON replaces the topology with the one described by JSON.
func (b *TopologyBuilder) FromJSON(jsonStrFmt string, args ...any) *TopologyBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var topology TopologyConfig
	if err := json.Unmarshal([]byte(jsonStr), &topology); err != nil {
		panic(fmt.Sprintf("TopologyBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.topology = topology
	return b
}

// Topology returns the configured tree.
func (b *TopologyBuilder) Topology() TopologyConfig {
	return b.topology
}

// Objects flattens the tree into object descriptors keyed by path, the way
// GetManagedObjects reports them.
func (b *TopologyBuilder) Objects() map[bluez.ObjectPath]bluez.ObjectDescriptor {
	objects := map[bluez.ObjectPath]bluez.ObjectDescriptor{
		bluez.AgentManagerPath: {bluez.AgentManagerInterface: {}},
	}

	for _, a := range b.topology.Adapters {
		adapterPath := bluez.ObjectPath("/org/bluez/" + a.ID)
		objects[adapterPath] = bluez.ObjectDescriptor{
			bluez.AdapterInterface: {
				"Address":     a.Address,
				"Powered":     a.Powered,
				"Discovering": false,
			},
		}

		for _, d := range a.Devices {
			devicePath := DevicePath(adapterPath, d.Address)
			objects[devicePath] = bluez.ObjectDescriptor{
				bluez.DeviceInterface: {
					"Address":          d.Address,
					"Alias":            d.Alias,
					"Name":             d.Name,
					"Adapter":          adapterPath,
					"Connected":        d.Connected,
					"ServicesResolved": d.ServicesResolved,
					"Paired":           false,
				},
			}

			for _, s := range d.Services {
				servicePath := devicePath + "/" + bluez.ObjectPath(s.ID)
				objects[servicePath] = bluez.ObjectDescriptor{
					bluez.ServiceInterface: {
						"UUID":    s.UUID,
						"Device":  devicePath,
						"Primary": true,
					},
				}

				for _, c := range s.Characteristics {
					charPath := servicePath + "/" + bluez.ObjectPath(c.ID)
					value := c.Value
					if value == nil {
						value = []byte{}
					}
					objects[charPath] = bluez.ObjectDescriptor{
						bluez.CharacteristicInterface: {
							"UUID":      c.UUID,
							"Service":   servicePath,
							"Flags":     parseFlags(c.Flags),
							"Value":     value,
							"Notifying": false,
						},
					}
				}
			}
		}
	}
	return objects
}

// Apply adds every object to bus, parents first.
func (b *TopologyBuilder) Apply(bus *FakeBus) {
	objects := b.Objects()
	for _, path := range sortedPaths(objects) {
		bus.AddObject(path, objects[path])
	}
}

// DevicePath returns the BlueZ path of the device with address under adapter.
func DevicePath(adapter bluez.ObjectPath, address string) bluez.ObjectPath {
	return adapter + "/dev_" + bluez.ObjectPath(strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func (b *TopologyBuilder) lastDevice(caller string) *DeviceConfig {
	if len(b.topology.Adapters) == 0 {
		panic(caller + ": no adapter added yet, call WithAdapter first")
	}
	a := &b.topology.Adapters[len(b.topology.Adapters)-1]
	if len(a.Devices) == 0 {
		panic(caller + ": no device added yet, call WithDevice first")
	}
	return &a.Devices[len(a.Devices)-1]
}

func parseFlags(flags string) []string {
	if flags == "" {
		return []string{"read"}
	}
	var out []string
	for _, f := range strings.Split(flags, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func sortedPaths(objects map[bluez.ObjectPath]bluez.ObjectDescriptor) []bluez.ObjectPath {
	paths := make([]bluez.ObjectPath, 0, len(objects))
	for path := range objects {
		paths = append(paths, path)
	}
	// Lexical order puts every parent before its children.
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}
