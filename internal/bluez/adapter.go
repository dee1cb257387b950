package bluez

// Adapter is a local Bluetooth controller. Devices are discovered only while
// it is powered.
type Adapter struct {
	*Proxy
}

// Powered reports the cached Powered property.
func (a *Adapter) Powered() bool { return a.boolProperty("Powered") }

// Address returns the controller address.
func (a *Adapter) Address() string { return a.stringProperty("Address") }

// Discovering reports the cached Discovering property.
func (a *Adapter) Discovering() bool { return a.boolProperty("Discovering") }

// PowerOn sets Powered to true.
func (a *Adapter) PowerOn() *Future[struct{}] {
	return a.setProperty("Powered", true)
}

// PowerOff sets Powered to false, which also drops every connection.
func (a *Adapter) PowerOff() *Future[struct{}] {
	return a.setProperty("Powered", false)
}

// DiscoveryStart starts scanning for devices.
func (a *Adapter) DiscoveryStart() *Future[struct{}] {
	return a.callVoid("StartDiscovery")
}

// DiscoveryStop stops scanning.
func (a *Adapter) DiscoveryStop() *Future[struct{}] {
	return a.callVoid("StopDiscovery")
}

// DiscoveryFilterSet restricts discovery, e.g. {"Transport": "le"}.
func (a *Adapter) DiscoveryFilterSet(filter map[string]any) *Future[struct{}] {
	if filter == nil {
		filter = map[string]any{}
	}
	return a.callVoid("SetDiscoveryFilter", filter)
}

// RemoveDevice drops device and all of its children from the adapter. The
// device will be announced again if it is still around.
func (a *Adapter) RemoveDevice(device *Device) *Future[struct{}] {
	return a.callVoid("RemoveDevice", device.Path())
}

// OnDevice registers fn for every device that becomes ready under a.
func (a *Adapter) OnDevice(fn func(*Device)) (detach func()) {
	return a.OnChild(func(child *Proxy) { fn(&Device{Proxy: child}) })
}

// Devices returns the ready devices.
func (a *Adapter) Devices() []*Device {
	children := a.Children()
	out := make([]*Device, 0, len(children))
	for _, child := range children {
		out = append(out, &Device{Proxy: child})
	}
	return out
}
