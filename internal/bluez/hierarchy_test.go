package bluez_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	batteryService = "0000180f-0000-1000-8000-00805f9b34fb"
	batteryLevel   = "00002a19-0000-1000-8000-00805f9b34fb"
	sensorAddress  = "AA:BB:CC:DD:EE:01"
)

// observed collects everything a client reports. It is only touched on the
// loop and read after Quiesce.
type observed struct {
	adapters        []*bluez.Adapter
	devices         []*bluez.Device
	services        []*bluez.Service
	characteristics []*bluez.Characteristic
	removed         []bluez.ObjectPath
}

type HierarchySuite struct {
	suite.Suite
	h      *testutils.BusHarness
	client *bluez.Client
	seen   *observed
}

func TestHierarchySuite(t *testing.T) {
	suite.Run(t, new(HierarchySuite))
}

func (s *HierarchySuite) SetupTest() {
	s.h = testutils.NewBusHarness(s.T())
	s.client = nil
	s.seen = &observed{}
}

func (s *HierarchySuite) TearDownTest() {
	if s.client != nil {
		s.h.OnLoop(s.client.Close)
	}
}

// start creates a client without adapter settle delay, wires the observer and
// starts it.
func (s *HierarchySuite) start() {
	s.startWith(&bluez.ClientOptions{AdapterSettle: -1})
}

func (s *HierarchySuite) startWith(opts *bluez.ClientOptions) {
	s.client = bluez.NewClient(s.h.Bus, s.h.Loop, s.h.Logger, opts)

	var startErr error
	s.h.OnLoop(func() {
		s.client.OnAdapter(s.watchAdapter)
		s.client.Start().Then(func(_ struct{}, err error) { startErr = err })
	})
	s.Require().NoError(startErr)
}

func (s *HierarchySuite) watchAdapter(a *bluez.Adapter) {
	s.seen.adapters = append(s.seen.adapters, a)
	a.OnRemoved(func() { s.seen.removed = append(s.seen.removed, a.Path()) })
	a.OnDevice(func(d *bluez.Device) {
		s.seen.devices = append(s.seen.devices, d)
		d.OnRemoved(func() { s.seen.removed = append(s.seen.removed, d.Path()) })
		d.OnService(func(svc *bluez.Service) {
			s.seen.services = append(s.seen.services, svc)
			svc.OnRemoved(func() { s.seen.removed = append(s.seen.removed, svc.Path()) })
			svc.OnCharacteristic(func(c *bluez.Characteristic) {
				s.seen.characteristics = append(s.seen.characteristics, c)
				c.OnRemoved(func() { s.seen.removed = append(s.seen.removed, c.Path()) })
			})
		})
	})
}

func (s *HierarchySuite) TestAdaptersDiscoveredAtStartup() {
	// GOAL: Verify adapters that exist before start are reported once enumeration completes
	//
	// TEST SCENARIO: Two adapters exist → client starts → both reported with their properties

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithAdapter("hci1", false).
		Apply(s.h.Bus)

	s.start()

	s.Require().Len(s.seen.adapters, 2)
	s.Equal(bluez.ObjectPath("/org/bluez/hci0"), s.seen.adapters[0].Path())
	s.Equal(bluez.ObjectPath("/org/bluez/hci1"), s.seen.adapters[1].Path())
	s.True(s.seen.adapters[0].Powered())
	s.False(s.seen.adapters[1].Powered())
	s.Equal(bluez.StateReady, s.seen.adapters[0].State())
	s.Len(s.client.Adapters(), 2)
}

func (s *HierarchySuite) TestAdapterAddedAfterStart() {
	// GOAL: Verify the live InterfacesAdded stream reports adapters plugged in later
	//
	// TEST SCENARIO: No adapters at start → hci0 added → reported exactly once

	s.start()
	s.Empty(s.seen.adapters)

	testutils.NewTopologyBuilder().WithAdapter("hci0", false).Apply(s.h.Bus)
	s.h.Quiesce()

	s.Require().Len(s.seen.adapters, 1)
	s.Equal(bluez.ObjectPath("/org/bluez/hci0"), s.seen.adapters[0].Path())
}

func (s *HierarchySuite) TestDevicesGatedByPowered() {
	// GOAL: Verify devices under an unpowered adapter are only discovered after it powers on
	//
	// TEST SCENARIO: Device cached under unpowered hci0 → none reported → PowerOn → reported once

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", false).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)

	s.start()
	s.Require().Len(s.seen.adapters, 1)
	s.Empty(s.seen.devices, "device MUST NOT be discovered while the adapter is unpowered")

	var powerErr error
	s.h.OnLoop(func() {
		s.seen.adapters[0].PowerOn().Then(func(_ struct{}, err error) { powerErr = err })
	})
	s.Require().NoError(powerErr)

	s.Require().Len(s.seen.devices, 1)
	s.Equal(sensorAddress, s.seen.devices[0].Address())
	s.Equal("Sensor", s.seen.devices[0].Alias())

	calls := s.h.Bus.CallsTo("Set")
	s.Require().Len(calls, 1)
	s.Equal([]any{bluez.AdapterInterface, "Powered", true}, calls[0].Args)
}

func (s *HierarchySuite) TestServicesGatedByServicesResolved() {
	// GOAL: Verify a service announced before ServicesResolved is picked up exactly once by re-enumeration
	//
	// TEST SCENARIO: service0010 added while unresolved → no service → ServicesResolved=true → one service → re-announced → still one

	devicePath := bluez.ObjectPath("/org/bluez/hci0/dev_AA")
	servicePath := devicePath + "/service0010"

	s.h.Bus.AddObject("/org/bluez/hci0", bluez.ObjectDescriptor{
		bluez.AdapterInterface: {"Powered": true, "Address": "00:00:00:00:00:01"},
	})
	s.h.Bus.AddObject(devicePath, bluez.ObjectDescriptor{
		bluez.DeviceInterface: {"Address": "AA", "ServicesResolved": false, "Connected": true},
	})

	s.start()
	s.Require().Len(s.seen.devices, 1)

	s.h.Bus.AddObject(servicePath, bluez.ObjectDescriptor{
		bluez.ServiceInterface: {"UUID": batteryService, "Primary": true},
	})
	s.h.Quiesce()
	s.Empty(s.seen.services, "service MUST NOT be discovered before ServicesResolved")

	s.h.Bus.SetProperty(devicePath, bluez.DeviceInterface, "ServicesResolved", true)
	s.h.Quiesce()

	s.Require().Len(s.seen.services, 1)
	s.Equal(servicePath, s.seen.services[0].Path())
	s.Equal(batteryService, s.seen.services[0].UUID())

	s.h.Bus.Announce(servicePath)
	s.h.Quiesce()
	s.Len(s.seen.services, 1, "re-announcement MUST NOT create a second proxy")
}

func (s *HierarchySuite) TestFullTreeDiscovered() {
	// GOAL: Verify a resolved device surfaces its services and characteristics at startup
	//
	// TEST SCENARIO: Resolved device with one service and two characteristics → all reported

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").Resolved().
		WithService("service0010", batteryService).
		WithCharacteristic("char0011", batteryLevel, "read,notify", []byte{87}).
		WithCharacteristic("char0014", "00002a37-0000-1000-8000-00805f9b34fb", "notify", nil).
		Apply(s.h.Bus)

	s.start()

	s.Require().Len(s.seen.services, 1)
	s.Require().Len(s.seen.characteristics, 2)

	c := s.seen.characteristics[0]
	s.Equal(batteryLevel, c.UUID())
	s.Equal([]string{"read", "notify"}, c.Flags())
	s.True(c.HasFlag(bluez.FlagNotify))
	s.False(c.HasFlag(bluez.FlagWrite))
	s.Equal([]byte{87}, c.Value())
}

func (s *HierarchySuite) TestPropertyChangeSuppression() {
	// GOAL: Verify structurally equal updates are not reported twice
	//
	// TEST SCENARIO: RSSI set to -60 twice → one change; set to -70 → second change

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	device := s.seen.devices[0]

	var changes []any
	s.h.OnLoop(func() {
		device.OnPropertyChanged(func(key string, value any) {
			if key == "RSSI" {
				changes = append(changes, value)
			}
		})
	})

	devicePath := device.Path()
	s.h.Bus.SetProperty(devicePath, bluez.DeviceInterface, "RSSI", int16(-60))
	s.h.Bus.SetProperty(devicePath, bluez.DeviceInterface, "RSSI", int16(-60))
	s.h.Quiesce()
	s.Equal([]any{int16(-60)}, changes)

	s.h.Bus.SetProperty(devicePath, bluez.DeviceInterface, "RSSI", int16(-70))
	s.h.Quiesce()
	s.Equal([]any{int16(-60), int16(-70)}, changes)
}

func (s *HierarchySuite) TestPropertyInvalidation() {
	// GOAL: Verify invalidated properties are dropped and reported as nil

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	device := s.seen.devices[0]

	var got []any
	s.h.OnLoop(func() {
		device.OnPropertyChanged(func(key string, value any) {
			if key == "Name" {
				got = append(got, value)
			}
		})
	})

	s.h.Bus.Invalidate(device.Path(), bluez.DeviceInterface, "Name")
	s.h.Quiesce()

	s.Equal([]any{nil}, got)
	_, ok := device.Property("Name")
	s.False(ok)
}

func (s *HierarchySuite) TestCascadingTeardown() {
	// GOAL: Verify removing a device tears down its services and characteristics and detaches their listeners
	//
	// TEST SCENARIO: Resolved device tree → device object removed → children removed, signal handlers released

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").Resolved().
		WithService("service0010", batteryService).
		WithCharacteristic("char0011", batteryLevel, "read", []byte{1}).
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.characteristics, 1)

	devicePath := s.seen.devices[0].Path()
	charPath := s.seen.characteristics[0].Path()
	subscribersBefore := s.client.Objects().Subscribers()

	s.h.Bus.RemoveObject(devicePath)
	s.h.Quiesce()

	s.ElementsMatch([]bluez.ObjectPath{
		devicePath,
		devicePath + "/service0010",
		charPath,
	}, s.seen.removed)
	s.Equal(bluez.StateRemoved, s.seen.devices[0].State())
	s.Equal(bluez.StateRemoved, s.seen.characteristics[0].State())
	s.Zero(s.h.Bus.HandlerCount(devicePath, bluez.SignalPropertiesChanged))
	s.Zero(s.h.Bus.HandlerCount(charPath, bluez.SignalPropertiesChanged))
	s.Equal(subscribersBefore-3, s.client.Objects().Subscribers())
	s.Empty(s.seen.adapters[0].Devices())
}

func (s *HierarchySuite) TestTeardownSurvivesPanickingListener() {
	// GOAL: Verify cascading teardown completes when a child's removed listener panics
	//
	// TEST SCENARIO: Two characteristics under one service, first one panics on removal → device removed → sibling, service and device still removed

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").Resolved().
		WithService("service0010", batteryService).
		WithCharacteristic("char0011", batteryLevel, "read", []byte{1}).
		WithCharacteristic("char0014", batteryLevel, "read", []byte{2}).
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.characteristics, 2)

	devicePath := s.seen.devices[0].Path()
	servicePath := devicePath + "/service0010"
	first := servicePath + "/char0011"
	sibling := servicePath + "/char0014"

	chars := map[bluez.ObjectPath]*bluez.Characteristic{}
	for _, c := range s.seen.characteristics {
		chars[c.Path()] = c
	}
	s.Require().Contains(chars, first)
	s.Require().Contains(chars, sibling)
	s.h.OnLoop(func() {
		chars[first].OnRemoved(func() { panic("listener failure") })
	})

	s.h.Bus.RemoveObject(devicePath)
	s.h.Quiesce()

	s.ElementsMatch([]bluez.ObjectPath{devicePath, servicePath, first, sibling}, s.seen.removed)
	s.Equal(bluez.StateRemoved, chars[sibling].State())
	s.Equal(bluez.StateRemoved, s.seen.services[0].State())
	s.Equal(bluez.StateRemoved, s.seen.devices[0].State())
	s.Zero(s.h.Bus.HandlerCount(sibling, bluez.SignalPropertiesChanged))
	s.Empty(s.seen.adapters[0].Devices())
}

func (s *HierarchySuite) TestRemovalIsIdempotent() {
	// GOAL: Verify removing the same object twice emits removed exactly once

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	device := s.seen.devices[0]

	s.h.OnLoop(func() {
		device.Remove()
		device.Remove()
	})
	s.h.Bus.RemoveObject(device.Path())
	s.h.Quiesce()

	s.Equal([]bluez.ObjectPath{device.Path()}, s.seen.removed)
}

func (s *HierarchySuite) TestPartialInterfaceRemovalIgnored() {
	// GOAL: Verify removing an unrelated interface from a path does not tear the proxy down

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	devicePath := s.seen.devices[0].Path()

	s.h.Bus.AddObject(devicePath, bluez.ObjectDescriptor{"org.bluez.Battery1": {"Percentage": byte(90)}})
	s.h.Bus.RemoveObject(devicePath, "org.bluez.Battery1")
	s.h.Quiesce()

	s.Empty(s.seen.removed)
	s.Equal(bluez.StateReady, s.seen.devices[0].State())
}

func (s *HierarchySuite) TestDeviceRemovedWhileResolving() {
	// GOAL: Verify an object that disappears before its properties arrive is never reported
	//
	// TEST SCENARIO: Device added and removed in the same turn → no device, no leaked handlers

	testutils.NewTopologyBuilder().WithAdapter("hci0", true).Apply(s.h.Bus)
	s.start()

	devicePath := testutils.DevicePath("/org/bluez/hci0", sensorAddress)
	s.h.Bus.AddObject(devicePath, bluez.ObjectDescriptor{
		bluez.DeviceInterface: {"Address": sensorAddress},
	})
	s.h.Bus.RemoveObject(devicePath)
	s.h.Quiesce()

	s.Empty(s.seen.devices)
	s.Zero(s.h.Bus.HandlerCount(devicePath, bluez.SignalPropertiesChanged))
}

func (s *HierarchySuite) TestChildInitFailureDropped() {
	// GOAL: Verify a child whose properties cannot be fetched is dropped and siblings still appear

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Broken").
		WithDevice("AA:BB:CC:DD:EE:02", "Healthy").
		Apply(s.h.Bus)
	s.h.Bus.FailResolve(testutils.DevicePath("/org/bluez/hci0", sensorAddress), bluez.DeviceInterface, errors.New("org.bluez.Error.Failed"))

	s.start()

	s.Require().Len(s.seen.devices, 1)
	s.Equal("Healthy", s.seen.devices[0].Alias())
}

func (s *HierarchySuite) TestNoObjectManagerIsFatal() {
	// GOAL: Verify start fails with ErrNoObjectManager when BlueZ is not running

	s.h.Bus.WithoutObjectManager()
	client := bluez.NewClient(s.h.Bus, s.h.Loop, s.h.Logger, nil)

	var startErr error
	s.h.OnLoop(func() {
		client.Start().Then(func(_ struct{}, err error) { startErr = err })
	})

	s.ErrorIs(startErr, bluez.ErrNoObjectManager)
}

func (s *HierarchySuite) TestAdapterSettleDelaysReadiness() {
	// GOAL: Verify an adapter is reported only after the settle delay

	testutils.NewTopologyBuilder().WithAdapter("hci0", true).Apply(s.h.Bus)

	var reported atomic.Int32
	client := bluez.NewClient(s.h.Bus, s.h.Loop, s.h.Logger, &bluez.ClientOptions{AdapterSettle: 50 * time.Millisecond})
	s.client = client
	s.h.OnLoop(func() {
		client.OnAdapter(func(*bluez.Adapter) { reported.Add(1) })
		client.Start()
	})

	s.Zero(reported.Load(), "adapter MUST NOT be ready before the settle delay")
	s.Eventually(func() bool { return reported.Load() == 1 }, time.Second, 10*time.Millisecond)
}
