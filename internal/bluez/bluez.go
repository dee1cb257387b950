// Package bluez mirrors the BlueZ object hierarchy (adapters, devices, GATT
// services and characteristics) as proxies that track their remote objects.
//
// The hierarchy is driven by the object manager's InterfacesAdded and
// InterfacesRemoved signals. Every proxy follows one lifecycle: it resolves its
// interface and properties, becomes ready, discovers its children once its
// gating property allows it, and tears itself and its children down when its
// object disappears.
//
// Everything in this package runs on a single loop.Loop. Bus implementations
// must post signal handlers and call completions to that loop.
package bluez

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/loop"
)

// DefaultAdapterSettle is how long an adapter waits after its properties are
// fetched before it reports ready.
const DefaultAdapterSettle = 2 * time.Second

// Levels builds the tier descriptors from the root down to characteristics.
func Levels(adapterSettle time.Duration) *Level {
	characteristic := &Level{
		Kind:      "characteristic",
		Interface: CharacteristicInterface,
	}
	service := &Level{
		Kind:      "service",
		Interface: ServiceInterface,
		Child:     characteristic,
	}
	device := &Level{
		Kind:      "device",
		Interface: DeviceInterface,
		Gate:      "ServicesResolved",
		Child:     service,
	}
	adapter := &Level{
		Kind:      "adapter",
		Interface: AdapterInterface,
		Gate:      "Powered",
		Child:     device,
		Settle:    adapterSettle,
	}
	return &Level{
		Kind:  "root",
		Child: adapter,
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// AdapterSettle overrides DefaultAdapterSettle. Negative disables it.
	AdapterSettle time.Duration
}

// Client owns the synchronizer and the root of the proxy tree.
type Client struct {
	bus     Bus
	loop    *loop.Loop
	logger  *logrus.Logger
	objects *Objects
	root    *Proxy
	started bool
}

// NewClient creates a client over bus. Nothing happens until Start.
func NewClient(bus Bus, lp *loop.Loop, logger *logrus.Logger, opts *ClientOptions) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	settle := DefaultAdapterSettle
	if opts != nil && opts.AdapterSettle != 0 {
		settle = max(opts.AdapterSettle, 0)
	}

	objects := NewObjects(bus, lp, logger)
	return &Client{
		bus:     bus,
		loop:    lp,
		logger:  logger,
		objects: objects,
		root:    NewProxy(objects, bus, lp, logger, Levels(settle), ObjectManagerPath),
	}
}

// Objects returns the synchronizer.
func (c *Client) Objects() *Objects { return c.objects }

// Start resolves the object manager and begins discovering adapters. It must
// be called on the event loop. The Future fails with ErrNoObjectManager if
// BlueZ exposes no object manager.
func (c *Client) Start() *Future[struct{}] {
	if c.started {
		return Resolved(struct{}{})
	}
	c.started = true

	out := NewFuture[struct{}]()
	c.objects.Start().Then(func(_ struct{}, err error) {
		if err != nil {
			c.logger.WithError(err).Error("Failed to resolve the BlueZ object manager")
			out.Complete(struct{}{}, err)
			return
		}
		c.root.Init(func(err error) {
			out.Complete(struct{}{}, err)
		})
	})
	return out
}

// OnAdapter registers fn for every adapter that becomes ready.
func (c *Client) OnAdapter(fn func(*Adapter)) (detach func()) {
	return c.root.OnChild(func(child *Proxy) { fn(&Adapter{Proxy: child}) })
}

// Adapters returns the ready adapters.
func (c *Client) Adapters() []*Adapter {
	children := c.root.Children()
	out := make([]*Adapter, 0, len(children))
	for _, child := range children {
		out = append(out, &Adapter{Proxy: child})
	}
	return out
}

// Close tears down the whole tree and detaches from the bus.
func (c *Client) Close() {
	c.root.Remove()
	c.objects.Close()
}

// AgentManager registers pairing agents with BlueZ.
type AgentManager struct {
	bus   Bus
	log   *logrus.Entry
	iface Interface
}

// NewAgentManager creates a manager for the agent exported at path.
func NewAgentManager(bus Bus, logger *logrus.Logger) *AgentManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &AgentManager{bus: bus, log: logger.WithField("path", AgentManagerPath)}
}

// Register registers the agent exported at path with the given capability,
// e.g. "KeyboardOnly".
func (m *AgentManager) Register(path ObjectPath, capability string) *Future[struct{}] {
	out := NewFuture[struct{}]()
	m.bus.GetInterface(AgentManagerPath, AgentManagerInterface).Then(func(iface Interface, err error) {
		if err != nil {
			out.Complete(struct{}{}, &ResolutionError{Path: AgentManagerPath, Interface: AgentManagerInterface, Err: err})
			return
		}
		m.iface = iface
		iface.Call("RegisterAgent", path, capability).Then(func(_ []any, err error) {
			if err != nil {
				out.Complete(struct{}{}, &RemoteOperationError{Path: AgentManagerPath, Method: "RegisterAgent", Err: err})
				return
			}
			m.log.WithField("agent", path).Debug("Registered agent")
			out.Complete(struct{}{}, nil)
		})
	})
	return out
}

// RequestDefault makes the agent at path the default one. Register must have
// succeeded first.
func (m *AgentManager) RequestDefault(path ObjectPath) *Future[struct{}] {
	if m.iface == nil {
		return Failed[struct{}](&RemoteOperationError{Path: AgentManagerPath, Method: "RequestDefaultAgent", Err: ErrNotReady})
	}
	out := NewFuture[struct{}]()
	m.iface.Call("RequestDefaultAgent", path).Then(func(_ []any, err error) {
		if err != nil {
			out.Complete(struct{}{}, &RemoteOperationError{Path: AgentManagerPath, Method: "RequestDefaultAgent", Err: err})
			return
		}
		m.log.WithField("agent", path).Debug("Agent set as default")
		out.Complete(struct{}{}, nil)
	})
	return out
}
