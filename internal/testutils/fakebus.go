package testutils

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/loop"
)

// Errors returned by the fake bus, shaped like the BlueZ/D-Bus error names.
var (
	ErrUnknownObject    = errors.New("org.freedesktop.DBus.Error.UnknownObject")
	ErrUnknownInterface = errors.New("org.freedesktop.DBus.Error.UnknownInterface")
	ErrUnknownMethod    = errors.New("org.freedesktop.DBus.Error.UnknownMethod")
	ErrServiceUnknown   = errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
)

// Call records one method invocation seen by the fake bus.
type Call struct {
	Path      bluez.ObjectPath
	Interface string
	Method    string
	Args      []any
}

// MethodFunc overrides the default behavior of one method. It runs with the
// bus lock released.
type MethodFunc func(bus *FakeBus, call Call) ([]any, error)

type signalKey struct {
	path   bluez.ObjectPath
	iface  string
	signal string
}

type signalHandler struct {
	fn     bluez.SignalHandler
	active bool
}

// FakeBus is an in-memory BlueZ object tree implementing bluez.Bus. Every
// completion and signal is posted to the loop, the same way the D-Bus adapter
// delivers them. Mutators are safe to call from any goroutine.
type FakeBus struct {
	loop *loop.Loop

	mu              sync.Mutex
	objects         map[bluez.ObjectPath]bluez.ObjectDescriptor
	handlers        map[signalKey][]*signalHandler
	calls           []Call
	methodFailures  map[string]error
	resolveFailures map[string]error
	overrides       map[string]MethodFunc
	noManager       bool
}

var _ bluez.Bus = (*FakeBus)(nil)

// NewFakeBus creates an empty object tree.
func NewFakeBus(lp *loop.Loop) *FakeBus {
	return &FakeBus{
		loop:            lp,
		objects:         make(map[bluez.ObjectPath]bluez.ObjectDescriptor),
		handlers:        make(map[signalKey][]*signalHandler),
		methodFailures:  make(map[string]error),
		resolveFailures: make(map[string]error),
		overrides:       make(map[string]MethodFunc),
	}
}

// WithoutObjectManager makes the root object manager unresolvable, as when
// bluetoothd is not running.
func (b *FakeBus) WithoutObjectManager() *FakeBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noManager = true
	return b
}

// FailMethod makes every call of iface.method fail with err. A nil err
// clears the failure.
func (b *FakeBus) FailMethod(iface, method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := iface + "." + method
	if err == nil {
		delete(b.methodFailures, key)
		return
	}
	b.methodFailures[key] = err
}

// FailResolve makes GetInterface(path, iface) fail with err.
func (b *FakeBus) FailResolve(path bluez.ObjectPath, iface string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveFailures[string(path)+"|"+iface] = err
}

// HandleMethod overrides the behavior of iface.method.
func (b *FakeBus) HandleMethod(iface, method string, fn MethodFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[iface+"."+method] = fn
}

// AddObject merges desc into the object at path and announces the interfaces
// that were not present yet.
func (b *FakeBus) AddObject(path bluez.ObjectPath, desc bluez.ObjectDescriptor) {
	b.mu.Lock()
	obj, ok := b.objects[path]
	if !ok {
		obj = bluez.ObjectDescriptor{}
		b.objects[path] = obj
	}
	added := bluez.ObjectDescriptor{}
	for iface, props := range desc {
		if _, exists := obj[iface]; exists {
			continue
		}
		obj[iface] = copyProps(props)
		added[iface] = copyProps(props)
	}
	b.mu.Unlock()

	if len(added) > 0 {
		b.emit(bluez.ObjectManagerPath, bluez.ObjectManagerInterface, bluez.SignalInterfacesAdded, path, added)
	}
}

// Announce re-emits InterfacesAdded for an existing object, as BlueZ does when
// an object is announced twice.
func (b *FakeBus) Announce(path bluez.ObjectPath) {
	b.mu.Lock()
	obj, ok := b.objects[path]
	desc := copyDescriptor(obj)
	b.mu.Unlock()
	if ok {
		b.emit(bluez.ObjectManagerPath, bluez.ObjectManagerInterface, bluez.SignalInterfacesAdded, path, desc)
	}
}

// RemoveObject removes ifaces (all when empty) from path and announces it.
func (b *FakeBus) RemoveObject(path bluez.ObjectPath, ifaces ...string) {
	b.mu.Lock()
	obj, ok := b.objects[path]
	if !ok {
		b.mu.Unlock()
		return
	}
	if len(ifaces) == 0 {
		for iface := range obj {
			ifaces = append(ifaces, iface)
		}
		sort.Strings(ifaces)
	}
	for _, iface := range ifaces {
		delete(obj, iface)
	}
	if len(obj) == 0 {
		delete(b.objects, path)
	}
	b.mu.Unlock()

	b.emit(bluez.ObjectManagerPath, bluez.ObjectManagerInterface, bluez.SignalInterfacesRemoved, path, ifaces)
}

// RemoveTree removes path and every object below it, deepest first.
func (b *FakeBus) RemoveTree(path bluez.ObjectPath) {
	b.mu.Lock()
	var victims []bluez.ObjectPath
	for p := range b.objects {
		if p == path || p.IsChildOf(path) {
			victims = append(victims, p)
		}
	}
	b.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i] > victims[j] })
	for _, p := range victims {
		b.RemoveObject(p)
	}
}

// SetProperty updates one property and emits PropertiesChanged, even if the
// value did not change.
func (b *FakeBus) SetProperty(path bluez.ObjectPath, iface, key string, value any) {
	b.mu.Lock()
	props := b.props(path, iface)
	if props == nil {
		b.mu.Unlock()
		return
	}
	props[key] = value
	b.mu.Unlock()

	b.emit(path, bluez.PropertiesInterface, bluez.SignalPropertiesChanged, iface, map[string]any{key: value}, []string{})
}

// Invalidate drops a property and emits it in invalidated_properties.
func (b *FakeBus) Invalidate(path bluez.ObjectPath, iface, key string) {
	b.mu.Lock()
	props := b.props(path, iface)
	if props == nil {
		b.mu.Unlock()
		return
	}
	delete(props, key)
	b.mu.Unlock()

	b.emit(path, bluez.PropertiesInterface, bluez.SignalPropertiesChanged, iface, map[string]any{}, []string{key})
}

// Property returns the current value of one property.
func (b *FakeBus) Property(path bluez.ObjectPath, iface, key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props := b.props(path, iface)
	if props == nil {
		return nil, false
	}
	v, ok := props[key]
	return v, ok
}

// HasObject reports whether path exists.
func (b *FakeBus) HasObject(path bluez.ObjectPath) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok
}

// Calls returns every recorded call.
func (b *FakeBus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo returns the recorded calls of method on any path.
func (b *FakeBus) CallsTo(method string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// HandlerCount returns how many live handlers are attached to signal at path.
func (b *FakeBus) HandlerCount(path bluez.ObjectPath, signal string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, list := range b.handlers {
		if key.path != path || key.signal != signal {
			continue
		}
		for _, h := range list {
			if h.active {
				n++
			}
		}
	}
	return n
}

// GetInterface implements bluez.Bus.
func (b *FakeBus) GetInterface(path bluez.ObjectPath, iface string) *bluez.Future[bluez.Interface] {
	out := bluez.NewFuture[bluez.Interface]()

	b.mu.Lock()
	err := b.resolveFailures[string(path)+"|"+iface]
	if err == nil {
		err = b.checkInterface(path, iface)
	}
	b.mu.Unlock()

	handle := &fakeInterface{bus: b, path: path, name: iface}
	b.post(func() {
		if err != nil {
			out.Complete(nil, err)
			return
		}
		out.Complete(handle, nil)
	})
	return out
}

func (b *FakeBus) checkInterface(path bluez.ObjectPath, iface string) error {
	if b.noManager {
		return ErrServiceUnknown
	}
	if path == bluez.ObjectManagerPath && iface == bluez.ObjectManagerInterface {
		return nil
	}
	obj, ok := b.objects[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	if iface == bluez.PropertiesInterface {
		return nil
	}
	if !obj.Has(iface) {
		return fmt.Errorf("%w: %s on %s", ErrUnknownInterface, iface, path)
	}
	return nil
}

func (b *FakeBus) invoke(call Call) ([]any, error) {
	key := call.Interface + "." + call.Method

	b.mu.Lock()
	b.calls = append(b.calls, call)
	err := b.methodFailures[key]
	override := b.overrides[key]
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if override != nil {
		return override(b, call)
	}
	return b.defaultMethod(call)
}

func (b *FakeBus) defaultMethod(call Call) ([]any, error) {
	arg := func(i int) any {
		if i < len(call.Args) {
			return call.Args[i]
		}
		return nil
	}

	switch call.Interface + "." + call.Method {
	case bluez.ObjectManagerInterface + ".GetManagedObjects":
		b.mu.Lock()
		defer b.mu.Unlock()
		all := make(map[bluez.ObjectPath]bluez.ObjectDescriptor, len(b.objects))
		for path, desc := range b.objects {
			all[path] = copyDescriptor(desc)
		}
		return []any{all}, nil

	case bluez.PropertiesInterface + ".GetAll":
		iface, _ := arg(0).(string)
		b.mu.Lock()
		defer b.mu.Unlock()
		props := b.props(call.Path, iface)
		if props == nil {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownInterface, iface, call.Path)
		}
		return []any{copyProps(props)}, nil

	case bluez.PropertiesInterface + ".Set":
		iface, _ := arg(0).(string)
		name, _ := arg(1).(string)
		b.SetProperty(call.Path, iface, name, arg(2))
		return nil, nil

	case bluez.AdapterInterface + ".StartDiscovery":
		b.SetProperty(call.Path, bluez.AdapterInterface, "Discovering", true)
		return nil, nil
	case bluez.AdapterInterface + ".StopDiscovery":
		b.SetProperty(call.Path, bluez.AdapterInterface, "Discovering", false)
		return nil, nil
	case bluez.AdapterInterface + ".SetDiscoveryFilter":
		return nil, nil
	case bluez.AdapterInterface + ".RemoveDevice":
		device, _ := arg(0).(bluez.ObjectPath)
		if !b.HasObject(device) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownObject, device)
		}
		b.RemoveTree(device)
		return nil, nil

	case bluez.DeviceInterface + ".Connect":
		b.SetProperty(call.Path, bluez.DeviceInterface, "Connected", true)
		b.SetProperty(call.Path, bluez.DeviceInterface, "ServicesResolved", true)
		return nil, nil
	case bluez.DeviceInterface + ".Disconnect":
		b.SetProperty(call.Path, bluez.DeviceInterface, "ServicesResolved", false)
		b.SetProperty(call.Path, bluez.DeviceInterface, "Connected", false)
		return nil, nil
	case bluez.DeviceInterface + ".Pair":
		b.SetProperty(call.Path, bluez.DeviceInterface, "Paired", true)
		return nil, nil

	case bluez.CharacteristicInterface + ".ReadValue":
		value, _ := b.Property(call.Path, bluez.CharacteristicInterface, "Value")
		b.SetProperty(call.Path, bluez.CharacteristicInterface, "Value", value)
		return []any{value}, nil
	case bluez.CharacteristicInterface + ".WriteValue":
		value, _ := arg(0).([]byte)
		b.SetProperty(call.Path, bluez.CharacteristicInterface, "Value", append([]byte(nil), value...))
		return nil, nil
	case bluez.CharacteristicInterface + ".StartNotify":
		b.SetProperty(call.Path, bluez.CharacteristicInterface, "Notifying", true)
		return nil, nil
	case bluez.CharacteristicInterface + ".StopNotify":
		b.SetProperty(call.Path, bluez.CharacteristicInterface, "Notifying", false)
		return nil, nil

	case bluez.AgentManagerInterface + ".RegisterAgent",
		bluez.AgentManagerInterface + ".RequestDefaultAgent",
		bluez.AgentManagerInterface + ".UnregisterAgent":
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, call.Interface, call.Method)
}

// props returns the live property map. Caller holds mu.
func (b *FakeBus) props(path bluez.ObjectPath, iface string) map[string]any {
	obj, ok := b.objects[path]
	if !ok {
		return nil
	}
	return obj[iface]
}

func (b *FakeBus) on(path bluez.ObjectPath, iface, signal string, fn bluez.SignalHandler) func() {
	key := signalKey{path: path, iface: iface, signal: signal}
	h := &signalHandler{fn: fn, active: true}

	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], h)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !h.active {
			return
		}
		h.active = false
		list := b.handlers[key]
		for i, item := range list {
			if item == h {
				b.handlers[key] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func (b *FakeBus) emit(path bluez.ObjectPath, iface, signal string, args ...any) {
	key := signalKey{path: path, iface: iface, signal: signal}
	b.post(func() {
		b.mu.Lock()
		snapshot := append([]*signalHandler(nil), b.handlers[key]...)
		b.mu.Unlock()

		for _, h := range snapshot {
			b.mu.Lock()
			active := h.active
			b.mu.Unlock()
			if active {
				h.fn(args...)
			}
		}
	})
}

func (b *FakeBus) post(fn func()) {
	b.loop.Post(fn)
}

type fakeInterface struct {
	bus  *FakeBus
	path bluez.ObjectPath
	name string
}

func (i *fakeInterface) Path() bluez.ObjectPath { return i.path }
func (i *fakeInterface) Name() string           { return i.name }

func (i *fakeInterface) Call(method string, args ...any) *bluez.Future[[]any] {
	out := bluez.NewFuture[[]any]()
	call := Call{Path: i.path, Interface: i.name, Method: method, Args: args}
	i.bus.post(func() {
		out.Complete(i.bus.invoke(call))
	})
	return out
}

func (i *fakeInterface) SetProperty(name string, value any) *bluez.Future[struct{}] {
	return bluez.Map(i.bus.interfaceOf(i.path, bluez.PropertiesInterface).Call("Set", i.name, name, value),
		func([]any) (struct{}, error) { return struct{}{}, nil })
}

func (i *fakeInterface) On(signal string, handler bluez.SignalHandler) func() {
	return i.bus.on(i.path, i.name, signal, handler)
}

func (b *FakeBus) interfaceOf(path bluez.ObjectPath, iface string) *fakeInterface {
	return &fakeInterface{bus: b, path: path, name: iface}
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func copyDescriptor(desc bluez.ObjectDescriptor) bluez.ObjectDescriptor {
	out := make(bluez.ObjectDescriptor, len(desc))
	for iface, props := range desc {
		out[iface] = copyProps(props)
	}
	return out
}
