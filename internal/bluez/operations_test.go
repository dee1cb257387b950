package bluez_test

import (
	"errors"

	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/testutils"
)

func (s *HierarchySuite) resolvedTree(flags string) {
	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").Resolved().
		WithService("service0010", batteryService).
		WithCharacteristic("char0011", batteryLevel, flags, []byte{42}).
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.characteristics, 1)
}

func (s *HierarchySuite) TestAdapterOperations() {
	// GOAL: Verify each adapter operation is one remote call with its arguments forwarded

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	adapter := s.seen.adapters[0]
	device := s.seen.devices[0]

	var errs []error
	record := func(_ struct{}, err error) { errs = append(errs, err) }
	s.h.OnLoop(func() {
		adapter.DiscoveryFilterSet(map[string]any{"Transport": "le"}).Then(record)
		adapter.DiscoveryStart().Then(record)
	})
	s.True(adapter.Discovering())

	s.h.OnLoop(func() {
		adapter.DiscoveryStop().Then(record)
		adapter.RemoveDevice(device).Then(record)
	})

	s.Equal([]error{nil, nil, nil, nil}, errs)
	s.False(adapter.Discovering())

	filter := s.h.Bus.CallsTo("SetDiscoveryFilter")
	s.Require().Len(filter, 1)
	s.Equal([]any{map[string]any{"Transport": "le"}}, filter[0].Args)

	remove := s.h.Bus.CallsTo("RemoveDevice")
	s.Require().Len(remove, 1)
	s.Equal([]any{device.Path()}, remove[0].Args)
	s.Equal([]bluez.ObjectPath{device.Path()}, s.seen.removed, "removing the device MUST tear its proxy down")
}

func (s *HierarchySuite) TestDeviceConnectResolvesServices() {
	// GOAL: Verify Connect drives ServicesResolved and the services appear

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		WithService("service0010", batteryService).
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)
	s.Empty(s.seen.services)

	device := s.seen.devices[0]
	var connectErr error
	s.h.OnLoop(func() {
		device.Connect().Then(func(_ struct{}, err error) { connectErr = err })
	})

	s.Require().NoError(connectErr)
	s.True(device.Connected())
	s.True(device.ServicesResolved())
	s.Len(s.seen.services, 1)
}

func (s *HierarchySuite) TestRemoteFailureIsWrapped() {
	// GOAL: Verify remote failures surface as RemoteOperationError carrying the method

	testutils.NewTopologyBuilder().
		WithAdapter("hci0", true).
		WithDevice(sensorAddress, "Sensor").
		Apply(s.h.Bus)
	s.start()
	s.Require().Len(s.seen.devices, 1)

	cause := errors.New("org.bluez.Error.Failed: le-connection-abort-by-local")
	s.h.Bus.FailMethod(bluez.DeviceInterface, "Connect", cause)

	var connectErr error
	s.h.OnLoop(func() {
		s.seen.devices[0].Connect().Then(func(_ struct{}, err error) { connectErr = err })
	})

	s.Require().Error(connectErr)
	s.ErrorIs(connectErr, bluez.ErrRemoteOperation)
	s.ErrorIs(connectErr, cause)

	var opErr *bluez.RemoteOperationError
	s.Require().ErrorAs(connectErr, &opErr)
	s.Equal("Connect", opErr.Method)
	s.Equal(s.seen.devices[0].Path(), opErr.Path)
	s.Len(s.h.Bus.CallsTo("Connect"), 1, "failed operations MUST NOT be retried")
}

func (s *HierarchySuite) TestOperationsBeforeReadyFail() {
	// GOAL: Verify operations on a proxy that is not ready fail without touching the bus

	adapter := &bluez.Adapter{Proxy: bluez.NewProxy(nil, s.h.Bus, s.h.Loop, s.h.Logger,
		bluez.Levels(0).Child, "/org/bluez/hci0")}

	var err error
	s.h.OnLoop(func() {
		adapter.PowerOn().Then(func(_ struct{}, e error) { err = e })
	})

	s.ErrorIs(err, bluez.ErrNotReady)
	s.ErrorIs(err, bluez.ErrRemoteOperation)
	s.Empty(s.h.Bus.Calls())
}

func (s *HierarchySuite) TestCharacteristicReadWriteNotify() {
	// GOAL: Verify characteristic operations and that their effects arrive as Value changes
	//
	// TEST SCENARIO: NotifyStart → Notifying; Write([7]) → Value change; Read → returns [7]

	s.resolvedTree("read,write,notify")
	c := s.seen.characteristics[0]

	var values [][]byte
	s.h.OnLoop(func() {
		c.OnPropertyChanged(func(key string, value any) {
			if key == "Value" {
				values = append(values, value.([]byte))
			}
		})
	})

	var errs []error
	var read []byte
	record := func(_ struct{}, err error) { errs = append(errs, err) }
	s.h.OnLoop(func() { c.NotifyStart().Then(record) })
	s.True(c.Notifying())

	s.h.OnLoop(func() { c.Write([]byte{7}).Then(record) })
	s.h.OnLoop(func() {
		c.Read().Then(func(v []byte, err error) {
			read = v
			errs = append(errs, err)
		})
	})
	s.h.OnLoop(func() { c.NotifyStop().Then(record) })

	s.Equal([]error{nil, nil, nil, nil}, errs)
	s.Equal([]byte{7}, read)
	s.Equal([][]byte{{7}}, values, "reading back an unchanged value MUST NOT report a change")
	s.False(c.Notifying())

	write := s.h.Bus.CallsTo("WriteValue")
	s.Require().Len(write, 1)
	s.Equal([]any{[]byte{7}, map[string]any{}}, write[0].Args)
}

func (s *HierarchySuite) TestDevicePairAndDisconnect() {
	s.resolvedTree("read")
	device := s.seen.devices[0]

	var errs []error
	record := func(_ struct{}, err error) { errs = append(errs, err) }
	s.h.OnLoop(func() { device.Pair().Then(record) })
	s.h.OnLoop(func() { device.Disconnect().Then(record) })

	s.Equal([]error{nil, nil}, errs)
	s.False(device.Connected())
	paired, _ := device.Property("Paired")
	s.Equal(true, paired)
}

func (s *HierarchySuite) TestAgentManagerRegistration() {
	testutils.NewTopologyBuilder().Apply(s.h.Bus)
	manager := bluez.NewAgentManager(s.h.Bus, s.h.Logger)
	agentPath := bluez.ObjectPath("/org/ble2mqtt/agent")

	var early, registered, def error
	s.h.OnLoop(func() {
		manager.RequestDefault(agentPath).Then(func(_ struct{}, err error) { early = err })
		manager.Register(agentPath, "KeyboardOnly").Then(func(_ struct{}, err error) { registered = err })
	})
	s.h.OnLoop(func() {
		manager.RequestDefault(agentPath).Then(func(_ struct{}, err error) { def = err })
	})

	s.ErrorIs(early, bluez.ErrNotReady)
	s.NoError(registered)
	s.NoError(def)

	calls := s.h.Bus.CallsTo("RegisterAgent")
	s.Require().Len(calls, 1)
	s.Equal([]any{agentPath, "KeyboardOnly"}, calls[0].Args)
	s.Len(s.h.Bus.CallsTo("RequestDefaultAgent"), 1)
}
