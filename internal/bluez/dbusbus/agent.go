package dbusbus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/bluez"
)

// AgentCapability is what the agent can do for pairing. Only a passkey can
// be supplied.
const AgentCapability = "KeyboardOnly"

// DefaultAgentPath is where the agent object is exported.
const DefaultAgentPath = bluez.ObjectPath("/org/ble2mqtt/agent")

// errCanceled is the reply BlueZ expects when the agent cannot answer.
var errCanceled = dbus.NewError("org.bluez.Error.Canceled", []any{"no passkey available"})

// PasskeyFunc returns the passkey for device, or false to refuse.
type PasskeyFunc func(device bluez.ObjectPath) (uint32, bool)

// Agent implements org.bluez.Agent1 for passkey entry. Every exported method
// is a D-Bus method; godbus invokes them on its own goroutines.
type Agent struct {
	passkey PasskeyFunc
	log     *logrus.Entry
}

// ExportedAgent is an Agent published on a connection.
type ExportedAgent struct {
	*Agent
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewAgent creates an agent answering passkey requests with passkey.
func NewAgent(passkey PasskeyFunc, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logrus.New()
	}
	return &Agent{passkey: passkey, log: logrus.NewEntry(logger)}
}

// ExportAgent exports an agent at path on the bus connection.
func (b *Bus) ExportAgent(path bluez.ObjectPath, passkey PasskeyFunc) (*ExportedAgent, error) {
	a := NewAgent(passkey, b.logger)
	a.log = a.log.WithField("agent", path)
	if err := b.conn.Export(a, dbus.ObjectPath(path), bluez.AgentInterface); err != nil {
		return nil, fmt.Errorf("failed to export agent at %s: %w", path, err)
	}
	a.log.Debug("Agent exported")
	return &ExportedAgent{Agent: a, conn: b.conn, path: dbus.ObjectPath(path)}, nil
}

// Path returns the exported object path.
func (e *ExportedAgent) Path() bluez.ObjectPath {
	return bluez.ObjectPath(e.path)
}

// Unexport removes the agent from the bus.
func (e *ExportedAgent) Unexport() error {
	return e.conn.Export(nil, e.path, bluez.AgentInterface)
}

// Release is called when BlueZ unregisters the agent.
func (a *Agent) Release() *dbus.Error {
	a.log.Debug("Release()")
	return nil
}

// RequestPasskey supplies the passkey for device.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	log := a.log.WithField("device", device)
	if a.passkey == nil {
		log.Warn("Passkey requested but no handler is configured")
		return 0, errCanceled
	}
	key, ok := a.passkey(bluez.ObjectPath(device))
	if !ok {
		log.Warn("Refusing passkey request")
		return 0, errCanceled
	}
	log.Info("Providing passkey")
	return key, nil
}

// Cancel is called when a request was canceled by the remote side.
func (a *Agent) Cancel() *dbus.Error {
	a.log.Debug("Cancel()")
	return nil
}
