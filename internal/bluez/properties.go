package bluez

import (
	"sort"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PropertyCache holds the last-known properties of one interface on one
// remote object and reports changes by diffing against them.
//
// All methods must be called on the event loop.
type PropertyCache struct {
	bus    Bus
	logger *logrus.Entry

	values *orderedmap.OrderedMap[string, any]

	detach     func()
	onChanged  func(key string, value any)
	onResolved func(error)

	resolved bool
	closed   bool
}

// NewPropertyCache creates an empty cache. Call Resolve to populate it.
func NewPropertyCache(bus Bus, logger *logrus.Logger) *PropertyCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &PropertyCache{
		bus:    bus,
		logger: logrus.NewEntry(logger),
		values: orderedmap.New[string, any](),
	}
}

// Resolve fetches every property of iface at path and subscribes to changes
// of that interface. onChanged fires once per property during the initial
// fetch and once per real change afterwards. onResolved fires exactly once.
func (c *PropertyCache) Resolve(path ObjectPath, iface string, onChanged func(key string, value any), onResolved func(error)) {
	c.logger = c.logger.WithFields(logrus.Fields{"path": path, "interface": iface})
	c.onChanged = onChanged
	c.onResolved = onResolved

	c.bus.GetInterface(path, PropertiesInterface).Then(func(props Interface, err error) {
		if c.closed {
			return
		}
		if err != nil {
			c.finish(&ResolutionError{Path: path, Interface: PropertiesInterface, Err: err})
			return
		}

		c.detach = props.On(SignalPropertiesChanged, func(args ...any) {
			c.onPropertiesChanged(iface, args...)
		})

		props.Call("GetAll", iface).Then(func(body []any, err error) {
			if c.closed {
				return
			}
			if err != nil {
				c.finish(&ResolutionError{Path: path, Interface: iface, Err: err})
				return
			}

			var all map[string]any
			if len(body) > 0 {
				all, _ = body[0].(map[string]any)
			}
			keys := make([]string, 0, len(all))
			for key := range all {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				c.set(key, all[key])
			}
			c.finish(nil)
		})
	})
}

// Close detaches the change subscription. It is idempotent and may be called
// before resolution completes, in which case onResolved receives
// ErrCacheClosed and any late fetch result is dropped.
func (c *PropertyCache) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
	c.finish(ErrCacheClosed)
	c.onChanged = nil
}

// Get returns the cached value of key.
func (c *PropertyCache) Get(key string) (any, bool) {
	return c.values.Get(key)
}

// Keys returns the cached property names in the order they first appeared.
func (c *PropertyCache) Keys() []string {
	keys := make([]string, 0, c.values.Len())
	for pair := c.values.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Snapshot returns a copy of every cached property.
func (c *PropertyCache) Snapshot() map[string]any {
	out := make(map[string]any, c.values.Len())
	for pair := c.values.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

func (c *PropertyCache) finish(err error) {
	if c.resolved {
		return
	}
	c.resolved = true
	if c.onResolved != nil {
		c.onResolved(err)
	}
}

func (c *PropertyCache) onPropertiesChanged(iface string, args ...any) {
	if c.closed || len(args) < 2 {
		return
	}
	if name, _ := args[0].(string); name != iface {
		return
	}

	changed, _ := args[1].(map[string]any)
	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		c.set(key, changed[key])
	}

	if len(args) > 2 {
		invalidated, _ := args[2].([]string)
		for _, key := range invalidated {
			c.invalidate(key)
		}
	}
}

// set stores value unless it is structurally equal to the cached one.
func (c *PropertyCache) set(key string, value any) {
	if old, ok := c.values.Get(key); ok && equalValues(old, value) {
		return
	}
	c.values.Set(key, value)
	c.logger.WithFields(logrus.Fields{"key": key, "value": value}).Trace("Property changed")
	if c.onChanged != nil {
		c.onChanged(key, value)
	}
}

func (c *PropertyCache) invalidate(key string) {
	if _, ok := c.values.Delete(key); !ok {
		return
	}
	if c.onChanged != nil {
		c.onChanged(key, nil)
	}
}
