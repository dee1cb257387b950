// Package dbusbus implements bluez.Bus on the system D-Bus using godbus.
//
// Blocking D-Bus round trips run off the event loop; their results, and every
// received signal, are posted back to the loop so the bluez package never sees
// concurrent callbacks.
package dbusbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/groutine"
	"github.com/srg/ble2mqtt/internal/loop"
)

const signalBuffer = 256

type handler struct {
	fn     bluez.SignalHandler
	active bool
}

// route holds the handlers of one (path, interface.member) pair. The match
// rule is installed with the first handler and removed with the last.
type route struct {
	mu       sync.Mutex
	path     dbus.ObjectPath
	iface    string
	member   string
	handlers []*handler
}

// Bus is a bluez.Bus backed by a D-Bus connection.
type Bus struct {
	conn     *dbus.Conn
	ownsConn bool
	loop     *loop.Loop
	logger   *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan *dbus.Signal
	pumped  <-chan struct{}

	routes *hashmap.Map[string, *route]
}

var _ bluez.Bus = (*Bus)(nil)

// Open connects to the system bus and starts delivering signals to lp.
func Open(ctx context.Context, lp *loop.Loop, logger *logrus.Logger) (*Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the system bus: %w", err)
	}
	b := New(ctx, conn, lp, logger)
	b.ownsConn = true
	return b, nil
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(ctx context.Context, conn *dbus.Conn, lp *loop.Loop, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bus{
		conn:    conn,
		loop:    lp,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan *dbus.Signal, signalBuffer),
		routes:  hashmap.New[string, *route](),
	}
	conn.Signal(b.signals)
	b.pumped = groutine.Go(ctx, "dbus-signals", b.pump)
	return b
}

// Conn returns the underlying connection.
func (b *Bus) Conn() *dbus.Conn {
	return b.conn
}

// Close stops signal delivery and, if Open created it, closes the connection.
func (b *Bus) Close() error {
	b.cancel()
	b.conn.RemoveSignal(b.signals)
	<-b.pumped

	b.routes.Range(func(_ string, r *route) bool {
		r.mu.Lock()
		if len(r.handlers) > 0 {
			_ = b.conn.RemoveMatchSignal(r.matchOptions()...)
		}
		r.handlers = nil
		r.mu.Unlock()
		return true
	})

	if b.ownsConn {
		return b.conn.Close()
	}
	return nil
}

// GetInterface verifies through introspection that path implements iface.
func (b *Bus) GetInterface(path bluez.ObjectPath, iface string) *bluez.Future[bluez.Interface] {
	out := bluez.NewFuture[bluez.Interface]()
	obj := b.conn.Object(bluez.ServiceName, dbus.ObjectPath(path))

	go func() {
		node, err := introspect.Call(obj)
		if err == nil && !implements(node, iface) {
			err = fmt.Errorf("%s does not implement %s", path, iface)
		}

		var result bluez.Interface
		if err == nil {
			result = &remoteInterface{bus: b, obj: obj, path: path, name: iface}
		}
		b.deliver(func() { out.Complete(result, err) })
	}()
	return out
}

func implements(node *introspect.Node, iface string) bool {
	for _, i := range node.Interfaces {
		if i.Name == iface {
			return true
		}
	}
	return false
}

// call issues method asynchronously and completes the Future on the loop.
func (b *Bus) call(obj dbus.BusObject, method string, args ...any) *bluez.Future[[]any] {
	out := bluez.NewFuture[[]any]()
	pending := obj.GoWithContext(b.ctx, method, 0, make(chan *dbus.Call, 1), wrapAll(args)...)

	go func() {
		<-pending.Done
		if pending.Err != nil {
			b.logger.WithFields(logrus.Fields{
				"path":   obj.Path(),
				"method": method,
			}).WithError(pending.Err).Debug("D-Bus call failed")
			b.deliver(func() { out.Complete(nil, pending.Err) })
			return
		}
		body := unwrapAll(pending.Body)
		b.deliver(func() { out.Complete(body, nil) })
	}()
	return out
}

func (b *Bus) deliver(fn func()) {
	if !b.loop.Post(fn) {
		b.logger.Debug("Dropping D-Bus result, event loop stopped")
	}
}

func (b *Bus) on(path dbus.ObjectPath, iface, member string, fn bluez.SignalHandler) func() {
	key := routeKey(path, iface+"."+member)
	r, _ := b.routes.GetOrInsert(key, &route{path: path, iface: iface, member: member})
	h := &handler{fn: fn, active: true}

	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	first := len(r.handlers) == 1
	r.mu.Unlock()

	if first {
		if err := b.conn.AddMatchSignal(r.matchOptions()...); err != nil {
			b.logger.WithFields(logrus.Fields{"path": path, "signal": member}).WithError(err).Warn("Failed to add signal match")
		}
	}

	return func() {
		r.mu.Lock()
		if !h.active {
			r.mu.Unlock()
			return
		}
		h.active = false
		kept := make([]*handler, 0, len(r.handlers))
		for _, item := range r.handlers {
			if item != h {
				kept = append(kept, item)
			}
		}
		r.handlers = kept
		last := len(kept) == 0
		r.mu.Unlock()

		if last {
			if err := b.conn.RemoveMatchSignal(r.matchOptions()...); err != nil {
				b.logger.WithFields(logrus.Fields{"path": path, "signal": member}).WithError(err).Debug("Failed to remove signal match")
			}
		}
	}
}

func (r *route) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(bluez.ServiceName),
		dbus.WithMatchObjectPath(r.path),
		dbus.WithMatchInterface(r.iface),
		dbus.WithMatchMember(r.member),
	}
}

// pump forwards received signals to the loop until ctx is done.
func (b *Bus) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.deliver(func() { b.dispatch(sig) })
		}
	}
}

func (b *Bus) dispatch(sig *dbus.Signal) {
	r, ok := b.routes.Get(routeKey(sig.Path, sig.Name))
	if !ok {
		return
	}

	r.mu.Lock()
	snapshot := append([]*handler(nil), r.handlers...)
	r.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	args := unwrapAll(sig.Body)
	for _, h := range snapshot {
		r.mu.Lock()
		active := h.active
		r.mu.Unlock()
		if active {
			h.fn(args...)
		}
	}
}

func routeKey(path dbus.ObjectPath, name string) string {
	return string(path) + "|" + name
}

// remoteInterface is one interface of one BlueZ object.
type remoteInterface struct {
	bus  *Bus
	obj  dbus.BusObject
	path bluez.ObjectPath
	name string
}

func (i *remoteInterface) Path() bluez.ObjectPath { return i.path }
func (i *remoteInterface) Name() string           { return i.name }

func (i *remoteInterface) Call(method string, args ...any) *bluez.Future[[]any] {
	return i.bus.call(i.obj, i.name+"."+method, args...)
}

func (i *remoteInterface) SetProperty(name string, value any) *bluez.Future[struct{}] {
	set := i.bus.call(i.obj, bluez.PropertiesInterface+".Set", i.name, name, dbus.MakeVariant(wrap(value)))
	return bluez.Map(set, func([]any) (struct{}, error) { return struct{}{}, nil })
}

func (i *remoteInterface) On(signal string, fn bluez.SignalHandler) func() {
	return i.bus.on(dbus.ObjectPath(i.path), i.name, signal, fn)
}
