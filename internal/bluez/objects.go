package bluez

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/loop"
)

// EnumerateRetryInterval is the fixed delay between enumeration attempts while
// the object manager is still unresolved.
const EnumerateRetryInterval = 100 * time.Millisecond

// AddedFunc receives one object announcement.
type AddedFunc func(path ObjectPath, desc ObjectDescriptor)

// RemovedFunc receives the interfaces removed from path.
type RemovedFunc func(path ObjectPath, interfaces []string)

// Objects mirrors the remote object manager's add/remove stream and fans it
// out to subscribers. It never tears anything down itself.
//
// All methods must be called on the event loop.
type Objects struct {
	bus    Bus
	loop   *loop.Loop
	logger *logrus.Logger

	manager Interface
	signals []func()

	// known tracks announced interfaces per path so that removals are only
	// delivered for paths that were added, and at most once.
	known map[ObjectPath]map[string]struct{}

	added   listenerSet[AddedFunc]
	removed listenerSet[RemovedFunc]
}

// NewObjects creates a synchronizer over bus. Call Start before enumerating.
func NewObjects(bus Bus, lp *loop.Loop, logger *logrus.Logger) *Objects {
	if logger == nil {
		logger = logrus.New()
	}
	return &Objects{
		bus:    bus,
		loop:   lp,
		logger: logger,
		known:  make(map[ObjectPath]map[string]struct{}),
	}
}

// Start resolves the object manager at the root path and subscribes to its
// add/remove signals. Failure means the remote side has no object manager.
func (o *Objects) Start() *Future[struct{}] {
	if o.manager != nil {
		return Resolved(struct{}{})
	}

	return Map(o.bus.GetInterface(ObjectManagerPath, ObjectManagerInterface), func(iface Interface) (struct{}, error) {
		if o.manager != nil {
			return struct{}{}, nil
		}
		o.manager = iface
		o.signals = append(o.signals,
			iface.On(SignalInterfacesAdded, o.onInterfacesAdded),
			iface.On(SignalInterfacesRemoved, o.onInterfacesRemoved),
		)
		o.logger.Debug("Object manager resolved")
		return struct{}{}, nil
	}).mapErr(func(err error) error {
		return fmt.Errorf("%w: %w", ErrNoObjectManager, err)
	})
}

// Close detaches from the bus signals and drops every subscriber.
func (o *Objects) Close() {
	for _, detach := range o.signals {
		detach()
	}
	o.signals = nil
	o.manager = nil
	o.added.clear()
	o.removed.clear()
}

// EnumerateAll fetches every object the manager currently exposes.
func (o *Objects) EnumerateAll() *Future[map[ObjectPath]ObjectDescriptor] {
	if o.manager == nil {
		return Failed[map[ObjectPath]ObjectDescriptor](ErrTransientUnavailable)
	}

	return Map(o.manager.Call("GetManagedObjects"), func(body []any) (map[ObjectPath]ObjectDescriptor, error) {
		if len(body) == 0 {
			return nil, fmt.Errorf("GetManagedObjects: empty reply")
		}
		objects, ok := body[0].(map[ObjectPath]ObjectDescriptor)
		if !ok {
			return nil, fmt.Errorf("GetManagedObjects: unexpected reply type %T", body[0])
		}
		for path, desc := range objects {
			o.remember(path, desc)
		}
		return objects, nil
	})
}

// EnumerateWithRetry calls EnumerateAll every EnumerateRetryInterval until the
// object manager is available, then delivers the outcome to cb once. The
// returned function stops further attempts.
func (o *Objects) EnumerateWithRetry(cb func(map[ObjectPath]ObjectDescriptor, error)) (cancel func()) {
	stopped := false
	var stopTimer func() bool

	var attempt func()
	attempt = func() {
		if stopped {
			return
		}
		o.EnumerateAll().Then(func(objects map[ObjectPath]ObjectDescriptor, err error) {
			if stopped {
				return
			}
			if IsTransient(err) {
				stopTimer = o.loop.AfterFunc(EnumerateRetryInterval, attempt)
				return
			}
			stopped = true
			cb(objects, err)
		})
	}
	attempt()

	return func() {
		stopped = true
		if stopTimer != nil {
			stopTimer()
		}
	}
}

// Subscribe registers a pair of listeners on the add/remove stream. Either may
// be nil.
func (o *Objects) Subscribe(onAdded AddedFunc, onRemoved RemovedFunc) *Subscription {
	sub := &Subscription{objects: o}
	if onAdded != nil {
		sub.added = o.added.add(onAdded)
	}
	if onRemoved != nil {
		sub.removed = o.removed.add(onRemoved)
	}
	return sub
}

// Subscribers returns the number of registered add listeners.
func (o *Objects) Subscribers() int {
	return o.added.len()
}

func (o *Objects) onInterfacesAdded(args ...any) {
	if len(args) < 2 {
		o.logger.WithField("args", args).Warn("Malformed InterfacesAdded signal")
		return
	}
	path, ok1 := args[0].(ObjectPath)
	desc, ok2 := args[1].(ObjectDescriptor)
	if !ok1 || !ok2 {
		o.logger.WithField("args", args).Warn("Malformed InterfacesAdded signal")
		return
	}
	o.dispatchAdded(path, desc)
}

func (o *Objects) onInterfacesRemoved(args ...any) {
	if len(args) < 2 {
		o.logger.WithField("args", args).Warn("Malformed InterfacesRemoved signal")
		return
	}
	path, ok1 := args[0].(ObjectPath)
	ifaces, ok2 := args[1].([]string)
	if !ok1 || !ok2 {
		o.logger.WithField("args", args).Warn("Malformed InterfacesRemoved signal")
		return
	}
	o.dispatchRemoved(path, ifaces)
}

func (o *Objects) dispatchAdded(path ObjectPath, desc ObjectDescriptor) {
	o.remember(path, desc)
	o.logger.WithFields(logrus.Fields{
		"path":       path,
		"interfaces": interfaceNames(desc),
	}).Debug("Interfaces added")

	o.added.each(func(fn AddedFunc) { fn(path, desc) })
}

func (o *Objects) dispatchRemoved(path ObjectPath, ifaces []string) {
	ifaces = o.forget(path, ifaces)
	if len(ifaces) == 0 {
		o.logger.WithField("path", path).Debug("Ignoring removal of unannounced interfaces")
		return
	}
	o.logger.WithFields(logrus.Fields{
		"path":       path,
		"interfaces": ifaces,
	}).Debug("Interfaces removed")

	o.removed.each(func(fn RemovedFunc) { fn(path, ifaces) })
}

func (o *Objects) remember(path ObjectPath, desc ObjectDescriptor) {
	set, ok := o.known[path]
	if !ok {
		set = make(map[string]struct{}, len(desc))
		o.known[path] = set
	}
	for iface := range desc {
		set[iface] = struct{}{}
	}
}

// forget drops ifaces from path and returns the ones that were known. An
// empty list means every known interface.
func (o *Objects) forget(path ObjectPath, ifaces []string) []string {
	set, ok := o.known[path]
	if !ok {
		return nil
	}

	var gone []string
	if len(ifaces) == 0 {
		for iface := range set {
			gone = append(gone, iface)
		}
		sort.Strings(gone)
	} else {
		for _, iface := range ifaces {
			if _, ok := set[iface]; ok {
				gone = append(gone, iface)
			}
		}
	}

	for _, iface := range gone {
		delete(set, iface)
	}
	if len(set) == 0 {
		delete(o.known, path)
	}
	return gone
}

// Subscription is the handle returned by Objects.Subscribe.
type Subscription struct {
	objects *Objects
	added   *listener[AddedFunc]
	removed *listener[RemovedFunc]
	closed  bool
}

// Close detaches exactly the listeners registered by this subscription. It is
// safe to call more than once and from inside a dispatching listener.
func (s *Subscription) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	s.objects.added.remove(s.added)
	s.objects.removed.remove(s.removed)
}

func interfaceNames(desc ObjectDescriptor) []string {
	names := make([]string, 0, len(desc))
	for name := range desc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
