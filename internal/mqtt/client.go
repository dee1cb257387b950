// Package mqtt wraps paho.mqtt.golang for the bridge: connection lifecycle,
// status announcements and subscriptions restored after reconnects.
package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble2mqtt/pkg/config"
)

// MessageHandler receives messages on a paho goroutine.
type MessageHandler = func(topic string, payload []byte)

// Client is safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	status string
	logger *logrus.Entry

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
}

// Connect dials the broker and announces the bridge online.
func Connect(cfg config.MQTTConfig, logger *logrus.Logger) (*Client, error) {
	c := newClient(cfg, logger)
	opts := buildClientOptions(cfg, cfg.Topics.Prefix)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger.Debug("Reconnecting to MQTT broker")
	})
	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: timeout after %v", ErrConnectionFailed, cfg.Server, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.Server, err)
	}
	return c, nil
}

func newClient(cfg config.MQTTConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:           cfg,
		status:        StatusTopic(cfg.Topics.Prefix),
		logger:        logger.WithField("broker", cfg.Server),
		subscriptions: make(map[string]MessageHandler),
	}
}

// handleConnect restores subscriptions and republishes the online status.
func (c *Client) handleConnect() {
	c.logger.Info("Connected to MQTT broker")

	c.mu.RLock()
	restore := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		restore[topic] = h
	}
	c.mu.RUnlock()

	for topic, h := range restore {
		c.client.Subscribe(topic, c.qos(), c.wrapHandler(h))
	}
	c.client.Publish(c.status, 1, true, statusOnline)
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

// Publish sends payload with the configured QoS and retain flag and waits
// for the broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.qos(), c.cfg.Retain, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is remembered and
// restored after reconnects, even when the broker is currently unreachable.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: handler cannot be nil", ErrSubscribeFailed, topic)
	}

	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.WithField("topic", topic).Debug("Subscription deferred until connected")
		return nil
	}

	token := c.client.Subscribe(topic, c.qos(), c.wrapHandler(handler))
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, topic)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Unsubscribe forgets topic and removes it from the broker.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.mu.Lock()
	_, known := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	if !known || !c.client.IsConnectionOpen() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrUnsubscribeFailed, topic, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}

// Subscriptions returns the number of remembered subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// Close announces the bridge offline and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.client.IsConnectionOpen() {
		c.client.Publish(c.status, 1, true, statusOffline).WaitTimeout(defaultOperationTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.logger.Debug("Disconnected from MQTT broker")
	return nil
}

// wrapHandler recovers and logs handler panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"topic": msg.Topic(),
					"panic": r,
				}).Error("MQTT handler panic recovered")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
