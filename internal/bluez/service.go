package bluez

// Service is a GATT service. Its parent device has already resolved services
// so characteristics are enumerated as soon as it is ready.
type Service struct {
	*Proxy
}

// UUID returns the service UUID.
func (s *Service) UUID() string { return s.stringProperty("UUID") }

// Primary reports whether this is a primary service.
func (s *Service) Primary() bool { return s.boolProperty("Primary") }

// OnCharacteristic registers fn for every characteristic that becomes ready
// under s.
func (s *Service) OnCharacteristic(fn func(*Characteristic)) (detach func()) {
	return s.OnChild(func(child *Proxy) { fn(&Characteristic{Proxy: child}) })
}

// Characteristics returns the ready characteristics.
func (s *Service) Characteristics() []*Characteristic {
	children := s.Children()
	out := make([]*Characteristic, 0, len(children))
	for _, child := range children {
		out = append(out, &Characteristic{Proxy: child})
	}
	return out
}
