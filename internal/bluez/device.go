package bluez

// Device is a remote peripheral. Its services are discovered once
// ServicesResolved is true.
type Device struct {
	*Proxy
}

// Address returns the device address.
func (d *Device) Address() string { return d.stringProperty("Address") }

// Alias returns the user-visible alias.
func (d *Device) Alias() string { return d.stringProperty("Alias") }

// Name returns the advertised name, which may be empty.
func (d *Device) Name() string { return d.stringProperty("Name") }

// Connected reports the cached Connected property.
func (d *Device) Connected() bool { return d.boolProperty("Connected") }

// ServicesResolved reports whether GATT discovery has finished.
func (d *Device) ServicesResolved() bool { return d.boolProperty("ServicesResolved") }

// Connect connects to the device.
func (d *Device) Connect() *Future[struct{}] {
	return d.callVoid("Connect")
}

// Disconnect disconnects from the device.
func (d *Device) Disconnect() *Future[struct{}] {
	return d.callVoid("Disconnect")
}

// Pair starts pairing. A registered agent answers passkey requests.
func (d *Device) Pair() *Future[struct{}] {
	return d.callVoid("Pair")
}

// OnService registers fn for every service that becomes ready under d.
func (d *Device) OnService(fn func(*Service)) (detach func()) {
	return d.OnChild(func(child *Proxy) { fn(&Service{Proxy: child}) })
}

// Services returns the ready services.
func (d *Device) Services() []*Service {
	children := d.Children()
	out := make([]*Service, 0, len(children))
	for _, child := range children {
		out = append(out, &Service{Proxy: child})
	}
	return out
}
