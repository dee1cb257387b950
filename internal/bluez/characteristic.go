package bluez

// Characteristic flags relevant to bridging.
const (
	FlagRead                 = "read"
	FlagWrite                = "write"
	FlagWriteWithoutResponse = "write-without-response"
	FlagNotify               = "notify"
	FlagIndicate             = "indicate"
)

// Characteristic is a GATT characteristic, the leaf of the hierarchy. Its
// current bytes arrive through the Value property.
type Characteristic struct {
	*Proxy
}

// UUID returns the characteristic UUID.
func (c *Characteristic) UUID() string { return c.stringProperty("UUID") }

// Flags returns the characteristic flags, e.g. "read", "notify".
func (c *Characteristic) Flags() []string { return c.stringsProperty("Flags") }

// HasFlag reports whether flag is present.
func (c *Characteristic) HasFlag(flag string) bool {
	return contains(c.Flags(), flag)
}

// Value returns the last known value.
func (c *Characteristic) Value() []byte { return c.bytesProperty("Value") }

// Notifying reports whether notifications are enabled.
func (c *Characteristic) Notifying() bool { return c.boolProperty("Notifying") }

// Read reads the value. The result also arrives as a Value property change.
func (c *Characteristic) Read() *Future[[]byte] {
	return Map(c.call("ReadValue", map[string]any{}), func(body []any) ([]byte, error) {
		if len(body) == 0 {
			return nil, nil
		}
		value, _ := body[0].([]byte)
		return value, nil
	})
}

// Write writes value.
func (c *Characteristic) Write(value []byte) *Future[struct{}] {
	return c.callVoid("WriteValue", value, map[string]any{})
}

// NotifyStart enables notifications; new values arrive as Value changes.
func (c *Characteristic) NotifyStart() *Future[struct{}] {
	return c.callVoid("StartNotify")
}

// NotifyStop disables notifications.
func (c *Characteristic) NotifyStop() *Future[struct{}] {
	return c.callVoid("StopNotify")
}
