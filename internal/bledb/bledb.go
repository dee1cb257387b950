// Package bledb resolves GATT UUIDs to display names and value layouts.
//
// A DB layers user overrides from configuration over the built-in tables.
// Names are used as MQTT topic segments, so an unknown UUID resolves to the
// UUID itself.
package bledb

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ble2mqtt/internal/gatt"
)

// Kind selects which table an override belongs to.
type Kind string

const (
	KindService        Kind = "service"
	KindCharacteristic Kind = "characteristic"
	KindTypes          Kind = "types"
)

// DB resolves names and types with user overrides first.
type DB struct {
	services        *orderedmap.OrderedMap[string, string]
	characteristics *orderedmap.OrderedMap[string, string]
	types           *orderedmap.OrderedMap[string, []gatt.WireType]
}

// New returns a DB with no overrides.
func New() *DB {
	return &DB{
		services:        orderedmap.New[string, string](),
		characteristics: orderedmap.New[string, string](),
		types:           orderedmap.New[string, []gatt.WireType](),
	}
}

// WithServiceNames adds service name overrides.
func (db *DB) WithServiceNames(names map[string]string) *DB {
	for _, uuid := range sortedKeys(names) {
		db.services.Set(NormalizeUUID(uuid), names[uuid])
	}
	return db
}

// WithCharacteristicNames adds characteristic name overrides.
func (db *DB) WithCharacteristicNames(names map[string]string) *DB {
	for _, uuid := range sortedKeys(names) {
		db.characteristics.Set(NormalizeUUID(uuid), names[uuid])
	}
	return db
}

// WithTypes adds characteristic type list overrides. Each entry is a list of
// tags, a single tag may itself hold a comma separated list.
func (db *DB) WithTypes(types map[string][]string) *DB {
	for _, uuid := range sortedKeys(types) {
		db.types.Set(NormalizeUUID(uuid), gatt.ParseTypes(types[uuid]...))
	}
	return db
}

// ServiceName returns the override, the adopted name, or uuid itself.
func (db *DB) ServiceName(uuid string) string {
	return resolve(db.services, services, uuid)
}

// CharacteristicName returns the override, the adopted name, or uuid itself.
func (db *DB) CharacteristicName(uuid string) string {
	return resolve(db.characteristics, characteristics, uuid)
}

// Types returns the field layout for a characteristic, or nil when unknown.
func (db *DB) Types(uuid string) []gatt.WireType {
	key := NormalizeUUID(uuid)
	if t, ok := db.types.Get(key); ok {
		return t
	}
	if tags, ok := defaultTypes[key]; ok {
		return gatt.ParseTypes(tags...)
	}
	return nil
}

// Overrides calls fn for every override in the order it was added.
func (db *DB) Overrides(fn func(kind Kind, uuid, value string)) {
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		fn(KindService, pair.Key, pair.Value)
	}
	for pair := db.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		fn(KindCharacteristic, pair.Key, pair.Value)
	}
	for pair := db.types.Oldest(); pair != nil; pair = pair.Next() {
		fn(KindTypes, pair.Key, joinTypes(pair.Value))
	}
}

func resolve(overrides *orderedmap.OrderedMap[string, string], builtin map[string]string, uuid string) string {
	key := NormalizeUUID(uuid)
	if name, ok := overrides.Get(key); ok {
		return name
	}
	if name, ok := builtin[key]; ok {
		return name
	}
	return uuid
}
