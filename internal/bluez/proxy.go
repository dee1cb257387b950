package bluez

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/loop"
)

// State is the lifecycle position of a Proxy.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateReady
	StateRemoved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateReady:
		return "ready"
	case StateRemoved:
		return "removed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Level describes one tier of the remote hierarchy.
type Level struct {
	// Kind names the tier in logs ("adapter", "device", ...).
	Kind string

	// Interface is the remote interface a proxy of this tier binds to. Empty
	// for the synthetic root, which has no properties.
	Interface string

	// Gate is the boolean property that must be true before children are
	// discovered. Empty means children are discovered as soon as the proxy is
	// ready.
	Gate string

	// Child is the tier below. Nil for leaves.
	Child *Level

	// Settle delays readiness after the initial property fetch.
	Settle time.Duration
}

// Proxy mirrors one remote object: its properties, its lifecycle and the
// discovery of its direct children. Adapter, Device, Service and
// Characteristic wrap a Proxy with their own operations.
//
// All methods must be called on the event loop.
type Proxy struct {
	objects *Objects
	bus     Bus
	loop    *loop.Loop
	logger  *logrus.Logger
	log     *logrus.Entry

	level *Level
	path  ObjectPath
	state State

	iface Interface
	cache *PropertyCache
	sub   *Subscription

	initCallback    func(error)
	cancelSettle    func() bool
	cancelEnumerate func()

	children map[ObjectPath]*Proxy
	pending  map[ObjectPath]*Proxy

	propertyListeners listenerSet[func(key string, value any)]
	removedListeners  listenerSet[func()]
	childListeners    listenerSet[func(child *Proxy)]
}

// NewProxy creates an uninitialized proxy for path at the given tier.
func NewProxy(objects *Objects, bus Bus, lp *loop.Loop, logger *logrus.Logger, level *Level, path ObjectPath) *Proxy {
	if logger == nil {
		logger = logrus.New()
	}
	return &Proxy{
		objects:  objects,
		bus:      bus,
		loop:     lp,
		logger:   logger,
		log:      logger.WithFields(logrus.Fields{"kind": level.Kind, "path": path}),
		level:    level,
		path:     path,
		children: make(map[ObjectPath]*Proxy),
		pending:  make(map[ObjectPath]*Proxy),
	}
}

// Path returns the remote object path.
func (p *Proxy) Path() ObjectPath { return p.path }

// Level returns the tier descriptor.
func (p *Proxy) Level() *Level { return p.level }

// State returns the lifecycle state.
func (p *Proxy) State() State { return p.state }

func (p *Proxy) String() string {
	return fmt.Sprintf("%s(%s)", p.level.Kind, p.path)
}

// Init resolves the interface handle and the initial properties. cb is
// invoked at most once: with nil when the proxy becomes ready, or with the
// failure that left it in StateFailed.
func (p *Proxy) Init(cb func(error)) {
	if p.state != StateUninitialized {
		if cb != nil {
			cb(ErrAlreadyInitialized)
		}
		return
	}
	p.state = StateResolving
	p.initCallback = cb

	// Subscribe first so a removal that races the resolution is observed.
	p.sub = p.objects.Subscribe(p.onObjectAdded, p.onObjectRemoved)

	if p.level.Interface == "" {
		p.becomeReady()
		return
	}

	p.bus.GetInterface(p.path, p.level.Interface).Then(func(iface Interface, err error) {
		if p.state != StateResolving {
			return
		}
		if err != nil {
			p.fail(&ResolutionError{Path: p.path, Interface: p.level.Interface, Err: err})
			return
		}
		p.iface = iface
		p.cache = NewPropertyCache(p.bus, p.logger)
		p.cache.Resolve(p.path, p.level.Interface, p.onPropertyChanged, p.onPropertiesResolved)
	})
}

// Property returns the cached value of key.
func (p *Proxy) Property(key string) (any, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(key)
}

// Properties returns a copy of every cached property.
func (p *Proxy) Properties() map[string]any {
	if p.cache == nil {
		return map[string]any{}
	}
	return p.cache.Snapshot()
}

// PropertyNames returns cached property names in arrival order.
func (p *Proxy) PropertyNames() []string {
	if p.cache == nil {
		return nil
	}
	return p.cache.Keys()
}

// Children returns the ready children sorted by path.
func (p *Proxy) Children() []*Proxy {
	out := make([]*Proxy, 0, len(p.children))
	for _, child := range p.children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// OnPropertyChanged registers fn for property changes. A nil value means the
// property was invalidated.
func (p *Proxy) OnPropertyChanged(fn func(key string, value any)) (detach func()) {
	return p.propertyListeners.detach(p.propertyListeners.add(fn))
}

// OnRemoved registers fn to run once when the remote object goes away.
func (p *Proxy) OnRemoved(fn func()) (detach func()) {
	return p.removedListeners.detach(p.removedListeners.add(fn))
}

// OnChild registers fn for each child that becomes ready.
func (p *Proxy) OnChild(fn func(child *Proxy)) (detach func()) {
	return p.childListeners.detach(p.childListeners.add(fn))
}

// Remove tears the proxy down as if its object had been removed remotely. It
// is idempotent.
func (p *Proxy) Remove() {
	p.teardown()
}

func (p *Proxy) gateOpen() bool {
	if p.level.Gate == "" {
		return true
	}
	return p.boolProperty(p.level.Gate)
}

func (p *Proxy) onPropertiesResolved(err error) {
	if p.state != StateResolving {
		return
	}
	if err != nil {
		if !errors.Is(err, ErrResolution) {
			err = &ResolutionError{Path: p.path, Interface: p.level.Interface, Err: err}
		}
		p.fail(err)
		return
	}

	if p.level.Settle > 0 {
		p.log.WithField("settle", p.level.Settle).Debug("Waiting for object to settle")
		p.cancelSettle = p.loop.AfterFunc(p.level.Settle, p.becomeReady)
		return
	}
	p.becomeReady()
}

func (p *Proxy) becomeReady() {
	if p.state != StateResolving {
		return
	}
	p.state = StateReady
	p.cancelSettle = nil
	p.log.Debug("Proxy ready")

	if cb := p.initCallback; cb != nil {
		p.initCallback = nil
		cb(nil)
	}

	// The callback may have removed us.
	if p.state == StateReady && p.gateOpen() {
		p.rescan()
	}
}

func (p *Proxy) fail(err error) {
	p.state = StateFailed
	p.release()
	p.log.WithError(err).Debug("Proxy initialization failed")

	if cb := p.initCallback; cb != nil {
		p.initCallback = nil
		cb(err)
	}
	p.clearListeners()
}

func (p *Proxy) onPropertyChanged(key string, value any) {
	if p.state != StateResolving && p.state != StateReady {
		return
	}
	p.log.WithFields(logrus.Fields{"key": key, "value": value}).Debug("Property changed")

	if key == p.level.Gate && p.state == StateReady && isTrue(value) {
		// Objects announced while the gate was closed were ignored.
		p.rescan()
	}

	p.propertyListeners.each(func(fn func(string, any)) { fn(key, value) })
}

// rescan enumerates the whole hierarchy and feeds every entry through the
// child filter.
func (p *Proxy) rescan() {
	if p.level.Child == nil {
		return
	}
	if p.cancelEnumerate != nil {
		p.cancelEnumerate()
	}
	p.cancelEnumerate = p.objects.EnumerateWithRetry(func(objects map[ObjectPath]ObjectDescriptor, err error) {
		p.cancelEnumerate = nil
		if err != nil {
			p.log.WithError(err).Error("Failed to enumerate objects")
			return
		}
		paths := make([]ObjectPath, 0, len(objects))
		for path := range objects {
			paths = append(paths, path)
		}
		sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
		for _, path := range paths {
			p.onObjectAdded(path, objects[path])
		}
	})
}

func (p *Proxy) ownsChild(path ObjectPath, desc ObjectDescriptor) bool {
	child := p.level.Child
	return child != nil &&
		p.state == StateReady &&
		p.gateOpen() &&
		path.IsChildOf(p.path) &&
		desc.Has(child.Interface)
}

func (p *Proxy) onObjectAdded(path ObjectPath, desc ObjectDescriptor) {
	if !p.ownsChild(path, desc) {
		return
	}
	if _, ok := p.children[path]; ok {
		return
	}
	if _, ok := p.pending[path]; ok {
		return
	}

	p.log.WithField("child", path).Debugf("A %s was added", p.level.Child.Kind)
	child := NewProxy(p.objects, p.bus, p.loop, p.logger, p.level.Child, path)
	p.pending[path] = child

	child.Init(func(err error) {
		delete(p.pending, path)
		if err != nil {
			p.log.WithError(err).WithField("child", path).Warnf("Failed to initialize %s", child.level.Kind)
			return
		}
		if p.state != StateReady {
			child.teardown()
			return
		}

		p.children[path] = child
		child.OnRemoved(func() {
			if p.children[path] == child {
				delete(p.children, path)
			}
		})
		p.childListeners.each(func(fn func(*Proxy)) { fn(child) })
	})
}

func (p *Proxy) onObjectRemoved(path ObjectPath, ifaces []string) {
	if path != p.path {
		return
	}
	if len(ifaces) > 0 && p.level.Interface != "" && !contains(ifaces, p.level.Interface) {
		return
	}
	p.teardown()
}

// teardown detaches everything this proxy registered, tears down its children
// and emits removed once. A proxy still resolving fails its Init instead.
func (p *Proxy) teardown() {
	switch p.state {
	case StateRemoved, StateFailed:
		return
	case StateUninitialized:
		p.state = StateRemoved
		p.clearListeners()
		return
	case StateResolving:
		p.teardownChildren()
		p.fail(&ResolutionError{Path: p.path, Interface: p.level.Interface, Err: ErrObjectRemoved})
		return
	}

	p.state = StateRemoved
	p.log.Debugf("Removed %s", p.level.Kind)
	p.release()
	p.teardownChildren()

	p.removedListeners.each(func(fn func()) { fn() })
	p.clearListeners()
}

func (p *Proxy) release() {
	if p.cancelSettle != nil {
		p.cancelSettle()
		p.cancelSettle = nil
	}
	if p.cancelEnumerate != nil {
		p.cancelEnumerate()
		p.cancelEnumerate = nil
	}
	p.sub.Close()
	if p.cache != nil {
		p.cache.Close()
	}
}

func (p *Proxy) teardownChildren() {
	victims := make([]*Proxy, 0, len(p.children)+len(p.pending))
	for _, child := range p.children {
		victims = append(victims, child)
	}
	for _, child := range p.pending {
		victims = append(victims, child)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].path < victims[j].path })

	for _, child := range victims {
		p.teardownChild(child)
	}
	p.children = make(map[ObjectPath]*Proxy)
	p.pending = make(map[ObjectPath]*Proxy)
}

func (p *Proxy) teardownChild(child *Proxy) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"child": child.path,
				"panic": r,
			}).Error("Child teardown panicked")
		}
	}()
	child.teardown()
}

func (p *Proxy) clearListeners() {
	p.propertyListeners.clear()
	p.removedListeners.clear()
	p.childListeners.clear()
}

// call invokes method on the bound interface and wraps failures as
// RemoteOperationError.
func (p *Proxy) call(method string, args ...any) *Future[[]any] {
	if p.state != StateReady || p.iface == nil {
		return Failed[[]any](&RemoteOperationError{Path: p.path, Method: method, Err: ErrNotReady})
	}

	out := NewFuture[[]any]()
	p.iface.Call(method, args...).Then(func(body []any, err error) {
		if err != nil {
			p.log.WithError(err).Debugf("%s failed", method)
			out.Complete(nil, &RemoteOperationError{Path: p.path, Method: method, Err: err})
			return
		}
		p.log.Debugf("%s done", method)
		out.Complete(body, nil)
	})
	return out
}

func (p *Proxy) callVoid(method string, args ...any) *Future[struct{}] {
	return Map(p.call(method, args...), func([]any) (struct{}, error) {
		return struct{}{}, nil
	})
}

func (p *Proxy) setProperty(name string, value any) *Future[struct{}] {
	method := "Set " + name
	if p.state != StateReady || p.iface == nil {
		return Failed[struct{}](&RemoteOperationError{Path: p.path, Method: method, Err: ErrNotReady})
	}

	out := NewFuture[struct{}]()
	p.iface.SetProperty(name, value).Then(func(_ struct{}, err error) {
		if err != nil {
			p.log.WithError(err).Debugf("%s failed", method)
			out.Complete(struct{}{}, &RemoteOperationError{Path: p.path, Method: method, Err: err})
			return
		}
		out.Complete(struct{}{}, nil)
	})
	return out
}

func (p *Proxy) boolProperty(key string) bool {
	v, _ := p.Property(key)
	return isTrue(v)
}

func (p *Proxy) stringProperty(key string) string {
	v, _ := p.Property(key)
	s, _ := v.(string)
	return s
}

func (p *Proxy) stringsProperty(key string) []string {
	v, _ := p.Property(key)
	s, _ := v.([]string)
	return s
}

func (p *Proxy) bytesProperty(key string) []byte {
	v, _ := p.Property(key)
	b, _ := v.([]byte)
	return b
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
