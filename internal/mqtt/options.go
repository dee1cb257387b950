package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/srg/ble2mqtt/pkg/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultOperationTimeout  = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 30 * time.Second
	defaultRetryInterval     = 2 * time.Second
	defaultMaxReconnect      = time.Minute

	statusOnline  = "online"
	statusOffline = "offline"
)

// StatusTopic is where the bridge announces whether it is running. The broker
// publishes "offline" as last will when the connection drops.
func StatusTopic(prefix string) string {
	return prefix + "ble2mqtt/status"
}

func buildClientOptions(cfg config.MQTTConfig, prefix string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Server)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultRetryInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// Handlers hand work to the event loop and return, order is kept.
	opts.SetOrderMatters(true)

	opts.SetWill(StatusTopic(prefix), statusOffline, 1, true)
	return opts
}
