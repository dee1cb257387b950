// Package bridge publishes GATT characteristic values to MQTT and writes
// values received on their set topics back to the devices.
//
// Everything except the outbox runs on the event loop that drives the bluez
// client. MQTT messages arrive on broker goroutines and are posted to it.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble2mqtt/internal/bledb"
	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/gatt"
	"github.com/srg/ble2mqtt/internal/loop"
	"github.com/srg/ble2mqtt/pkg/config"
)

// DefaultOutboxSize is used when Options.Outbox is zero.
const DefaultOutboxSize = 1024

// Options contains all the configuration for running a bridge
type Options struct {
	Topics             config.TopicsConfig
	Whitelist          []string
	Blacklist          []string
	DiscoveryTransport string
	Outbox             uint32
	DB                 *bledb.DB
	Logger             *logrus.Logger
}

// OptionsFromConfig builds bridge options, including the name database,
// from a loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger *logrus.Logger) *Options {
	db := bledb.New().
		WithServiceNames(cfg.BLE.Services).
		WithCharacteristicNames(cfg.BLE.Characteristics).
		WithTypes(cfg.BLE.Types)

	return &Options{
		Topics:             cfg.MQTT.Topics,
		Whitelist:          cfg.BLE.Whitelist,
		Blacklist:          cfg.BLE.Blacklist,
		DiscoveryTransport: cfg.BLE.DiscoveryTransport,
		Outbox:             cfg.MQTT.Outbox,
		DB:                 db,
		Logger:             logger,
	}
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// binding ties one characteristic to its topics.
type binding struct {
	topic    string
	setTopic string
	char     *bluez.Characteristic
	types    []gatt.WireType
	log      *logrus.Entry
}

// Bridge wires the bluez proxy tree to a Publisher.
type Bridge struct {
	client   *bluez.Client
	loop     *loop.Loop
	out      *outbox
	codec    *gatt.Codec
	db       *bledb.DB
	filter   *deviceFilter
	topics   config.TopicsConfig
	filterBy map[string]any
	logger   *logrus.Logger
	progress ProgressCallback

	// Loop-only state.
	adapters map[bluez.ObjectPath]*bluez.Adapter
	detach   func()
	stopping bool

	// bindings maps set topics to writable characteristics. MQTT goroutines
	// read it to drop messages for unknown topics early.
	bindings *hashmap.Map[string, *binding]
	// published maps value topics to their binding, for introspection.
	published *hashmap.Map[string, *binding]
}

// New creates a bridge. Nothing happens until Start.
func New(client *bluez.Client, lp *loop.Loop, pub Publisher, opts *Options, progress ProgressCallback) (*Bridge, error) {
	if client == nil || lp == nil || pub == nil {
		return nil, errors.New("bridge requires a bluez client, an event loop and a publisher")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	filter, err := newDeviceFilter(opts.Whitelist, opts.Blacklist)
	if err != nil {
		return nil, err
	}

	db := opts.DB
	if db == nil {
		db = bledb.New()
	}
	size := opts.Outbox
	if size == 0 {
		size = DefaultOutboxSize
	}
	topics := opts.Topics
	if topics.DeviceName == "" {
		topics.DeviceName = "Alias"
	}
	if topics.SetSuffix == "" {
		topics.SetSuffix = "/set"
	}

	var filterBy map[string]any
	if opts.DiscoveryTransport != "" {
		filterBy = map[string]any{"Transport": opts.DiscoveryTransport}
	}

	return &Bridge{
		client:    client,
		loop:      lp,
		out:       newOutbox(pub, size, logger),
		codec:     gatt.NewCodec(logger),
		db:        db,
		filter:    filter,
		topics:    topics,
		filterBy:  filterBy,
		logger:    logger,
		progress:  progress,
		adapters:  make(map[bluez.ObjectPath]*bluez.Adapter),
		bindings:  hashmap.New[string, *binding](),
		published: hashmap.New[string, *binding](),
	}, nil
}

// Start begins mirroring. It must not be called from the event loop. It
// returns once the bluez client has resolved the object manager.
func (b *Bridge) Start(ctx context.Context) error {
	b.progress("Starting")
	b.out.start(ctx)

	var started *bluez.Future[struct{}]
	if err := b.loop.Sync(ctx, func() {
		b.detach = b.client.OnAdapter(b.onAdapter)
		started = b.client.Start()
	}); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	if _, err := started.Wait(ctx); err != nil {
		b.progress("Failed")
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	b.progress("Running")
	return nil
}

// Shutdown stops publishing, then powers off every adapter, which also
// disconnects their devices. It waits for the power-off calls until ctx is
// done.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.progress("Stopping")
	b.out.close()

	var pending []*bluez.Future[struct{}]
	var paths []bluez.ObjectPath
	if err := b.loop.Sync(ctx, func() {
		b.stopping = true
		if b.detach != nil {
			b.detach()
		}
		for path := range b.adapters {
			paths = append(paths, path)
		}
		sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
		for _, path := range paths {
			pending = append(pending, b.adapters[path].PowerOff())
		}
	}); err != nil {
		return fmt.Errorf("failed to stop bridge: %w", err)
	}

	var errs []error
	for i, f := range pending {
		if _, err := f.Wait(ctx); err != nil {
			b.logger.WithError(err).WithField("adapter", paths[i]).Warn("Failed to power off adapter")
			errs = append(errs, err)
		} else {
			b.logger.WithField("adapter", paths[i]).Info("Powered off adapter")
		}
	}

	b.progress("Stopped")
	return errors.Join(errs...)
}

// Topics returns the value topics currently published, sorted.
func (b *Bridge) Topics() []string {
	var out []string
	b.published.Range(func(topic string, _ *binding) bool {
		out = append(out, topic)
		return true
	})
	sort.Strings(out)
	return out
}

// SetTopics returns the subscribed set topics, sorted.
func (b *Bridge) SetTopics() []string {
	var out []string
	b.bindings.Range(func(topic string, _ *binding) bool {
		out = append(out, topic)
		return true
	})
	sort.Strings(out)
	return out
}

// Metrics reports outbox counters.
func (b *Bridge) Metrics() OutboxMetrics {
	return b.out.metrics()
}

func (b *Bridge) onAdapter(a *bluez.Adapter) {
	log := b.logger.WithField("adapter", a.Path())
	log.WithField("address", a.Address()).Info("Found adapter")

	b.adapters[a.Path()] = a
	a.OnRemoved(func() {
		delete(b.adapters, a.Path())
		log.Info("Adapter removed")
	})
	a.OnDevice(func(d *bluez.Device) { b.onDevice(a, d) })

	a.PowerOn().Then(func(_ struct{}, err error) {
		if err != nil {
			log.WithError(err).Error("Failed to power on adapter")
			return
		}
		log.Debug("Powered on adapter")

		startDiscovery := func() {
			a.DiscoveryStart().Then(func(_ struct{}, err error) {
				if err != nil {
					log.WithError(err).Error("Failed to start discovery")
					return
				}
				log.Info("Started discovery")
			})
		}
		if b.filterBy == nil {
			startDiscovery()
			return
		}
		a.DiscoveryFilterSet(b.filterBy).Then(func(_ struct{}, err error) {
			if err != nil {
				log.WithError(err).Error("Failed to set discovery filter")
				return
			}
			log.WithField("filter", b.filterBy).Debug("Discovery filter set")
			startDiscovery()
		})
	})
}

func (b *Bridge) onDevice(a *bluez.Adapter, d *bluez.Device) {
	log := b.logger.WithFields(logrus.Fields{"device": d.Address(), "alias": d.Alias()})
	if b.stopping {
		return
	}
	if !b.filter.allows(d.Address()) {
		log.Debug("Device filtered out")
		return
	}
	log.Info("Found device")

	d.OnService(func(s *bluez.Service) {
		log.WithField("service", s.UUID()).Debug("Found service")
		s.OnCharacteristic(func(c *bluez.Characteristic) { b.onCharacteristic(d, s, c) })
	})

	d.OnPropertyChanged(func(key string, value any) {
		if connected, ok := value.(bool); key == "Connected" && ok && !connected {
			log.Info("Device disconnected")
			// Removing the device tears down its services and characteristics,
			// which drops their subscriptions. It is rediscovered when seen again.
			b.loop.Post(func() { b.removeDevice(a, d) })
		}
	})

	d.Connect().Then(func(_ struct{}, err error) {
		if err != nil {
			log.WithError(err).Warn("Failed to connect")
			b.loop.Post(func() { b.removeDevice(a, d) })
			return
		}
		log.Info("Connected")
	})
}

func (b *Bridge) removeDevice(a *bluez.Adapter, d *bluez.Device) {
	if b.stopping || d.State() != bluez.StateReady || a.State() != bluez.StateReady {
		return
	}
	a.RemoveDevice(d).Then(func(_ struct{}, err error) {
		if err != nil {
			b.logger.WithError(err).WithField("device", d.Path()).Warn("Failed to remove device")
		}
	})
}

func (b *Bridge) onCharacteristic(d *bluez.Device, s *bluez.Service, c *bluez.Characteristic) {
	topic := b.topicFor(d, s, c)
	bind := &binding{
		topic:    topic,
		setTopic: topic + b.topics.SetSuffix,
		char:     c,
		types:    b.db.Types(c.UUID()),
		log: b.logger.WithFields(logrus.Fields{
			"characteristic": c.UUID(),
			"topic":          topic,
		}),
	}
	bind.log.WithField("flags", c.Flags()).Info("Found characteristic")
	b.published.Set(topic, bind)

	c.OnPropertyChanged(func(key string, value any) {
		if key == "Value" {
			b.publishValue(bind, value)
		}
	})
	c.OnRemoved(func() { b.unbind(bind) })

	if c.HasFlag(bluez.FlagNotify) {
		c.NotifyStart().Then(func(_ struct{}, err error) {
			if err != nil {
				bind.log.WithError(err).Warn("Failed to start notifications")
			}
		})
	}

	if len(c.Value()) > 0 {
		b.publishValue(bind, c.Value())
	}
	if c.HasFlag(bluez.FlagRead) {
		c.Read().Then(func(_ []byte, err error) {
			if err != nil {
				bind.log.WithError(err).Warn("Failed to read value")
			}
		})
	}

	if c.HasFlag(bluez.FlagWrite) || c.HasFlag(bluez.FlagWriteWithoutResponse) {
		b.bindings.Set(bind.setTopic, bind)
		b.out.subscribe(bind.setTopic, b.onMessage)
	}
}

// topicFor builds <prefix><device>/<service>/<characteristic>.
func (b *Bridge) topicFor(d *bluez.Device, s *bluez.Service, c *bluez.Characteristic) string {
	root, _ := d.Property(b.topics.DeviceName)
	name, _ := root.(string)
	if name == "" {
		name = d.Address()
	}
	return b.topics.Prefix + strings.Join([]string{
		name,
		b.db.ServiceName(s.UUID()),
		b.db.CharacteristicName(c.UUID()),
	}, "/")
}

func (b *Bridge) publishValue(bind *binding, value any) {
	raw, ok := value.([]byte)
	if !ok {
		return
	}

	var payload string
	if len(bind.types) > 0 {
		payload = gatt.FormatPayload(b.codec.Decode(raw, bind.types))
	} else {
		payload = gatt.FormatBytes(raw)
	}
	bind.log.WithField("payload", payload).Debug("Publishing value")
	b.out.publish(bind.topic, []byte(payload))
}

func (b *Bridge) unbind(bind *binding) {
	bind.log.Info("Characteristic removed")
	// Devices sharing a name share topics; only the current owner releases them.
	if owner, ok := b.published.Get(bind.topic); ok && owner == bind {
		b.published.Del(bind.topic)
	}
	if owner, ok := b.bindings.Get(bind.setTopic); ok && owner == bind {
		b.bindings.Del(bind.setTopic)
		b.out.unsubscribe(bind.setTopic)
	}
}

// onMessage runs on a broker goroutine.
func (b *Bridge) onMessage(topic string, payload []byte) {
	if _, ok := b.bindings.Get(topic); !ok {
		return
	}
	text := string(payload)
	b.loop.Post(func() { b.write(topic, text) })
}

func (b *Bridge) write(topic, text string) {
	bind, ok := b.bindings.Get(topic)
	if !ok || b.stopping {
		return
	}

	value, err := b.encode(bind, text)
	if err != nil {
		bind.log.WithError(err).WithField("payload", text).Warn("Ignoring invalid payload")
		return
	}
	if bytes.Equal(value, bind.char.Value()) {
		bind.log.Debug("Value unchanged, not writing")
		return
	}

	bind.log.WithField("value", value).Debug("Writing value")
	bind.char.Write(value).Then(func(_ struct{}, err error) {
		if err != nil {
			bind.log.WithError(err).Warn("Failed to write value")
			return
		}
		if bind.char.HasFlag(bluez.FlagRead) {
			bind.char.Read()
		}
	})
}

// encode turns a set-topic payload into characteristic bytes. Without a
// known layout the payload is a list of byte values.
func (b *Bridge) encode(bind *binding, text string) ([]byte, error) {
	if len(bind.types) == 0 {
		return gatt.ParseBytes(text)
	}

	values, err := gatt.ParsePayload(text)
	if err != nil {
		return nil, err
	}
	length := len(bind.char.Value())
	if length == 0 {
		length = gatt.Width(values, bind.types)
	}
	return b.codec.Encode(values, length, bind.types)
}
