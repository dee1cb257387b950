package main

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/mqtt"
	"github.com/srg/ble2mqtt/pkg/config"
)

// FormatUserError turns err into a message for the terminal.
func FormatUserError(err error) string {
	var dbusErr dbus.Error

	switch {
	case errors.Is(err, bluez.ErrNoObjectManager):
		return "BlueZ is not available on the system bus; is bluetoothd running?"
	case errors.Is(err, mqtt.ErrConnectionFailed):
		return fmt.Sprintf("cannot reach the MQTT broker: %v", err)
	case errors.Is(err, config.ErrInvalidConfig):
		return err.Error()
	case errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.AccessDenied":
		return "access to BlueZ was denied; run as root or add the user to the bluetooth group"
	case errors.Is(err, bluez.ErrRemoteOperation):
		var opErr *bluez.RemoteOperationError
		if errors.As(err, &opErr) {
			return fmt.Sprintf("%s on %s failed: %v", opErr.Method, opErr.Path, opErr.Err)
		}
	}
	return err.Error()
}
