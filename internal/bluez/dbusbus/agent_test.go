package dbusbus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_RequestPasskey(t *testing.T) {
	var asked bluez.ObjectPath
	agent := NewAgent(func(device bluez.ObjectPath) (uint32, bool) {
		asked = device
		return 123456, true
	}, nil)

	key, err := agent.RequestPasskey("/org/bluez/hci0/dev_AA")
	require.Nil(t, err)
	assert.Equal(t, uint32(123456), key)
	assert.Equal(t, bluez.ObjectPath("/org/bluez/hci0/dev_AA"), asked)
}

func TestAgent_RefusesWithoutPasskey(t *testing.T) {
	tests := []struct {
		name    string
		passkey PasskeyFunc
	}{
		{"no handler", nil},
		{"handler refuses", func(bluez.ObjectPath) (uint32, bool) { return 0, false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAgent(tt.passkey, nil).RequestPasskey(dbus.ObjectPath("/org/bluez/hci0/dev_AA"))
			require.NotNil(t, err)
			assert.Equal(t, "org.bluez.Error.Canceled", err.Name)
		})
	}
}

func TestAgent_ReleaseAndCancel(t *testing.T) {
	agent := NewAgent(nil, nil)
	assert.Nil(t, agent.Release())
	assert.Nil(t, agent.Cancel())
}
