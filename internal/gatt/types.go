// Package gatt converts characteristic values between their little-endian
// wire layout and typed field lists.
package gatt

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownWireType is logged for type tags outside the supported vocabulary.
	ErrUnknownWireType = errors.New("unknown GATT wire type")
	// ErrInvalidValue reports a field value that cannot be encoded as its wire type.
	ErrInvalidValue = errors.New("invalid GATT field value")
)

// WireType is a GATT format type tag.
type WireType string

const (
	Boolean WireType = "boolean"
	TwoBit  WireType = "2bit"
	Nibble  WireType = "nibble"
	FourBit WireType = "4bit"
	Bit8    WireType = "8bit"
	Uint8   WireType = "uint8"
	Uint12  WireType = "uint12"
	Bit16   WireType = "16bit"
	Uint16  WireType = "uint16"
	Bit24   WireType = "24bit"
	Uint24  WireType = "uint24"
	Bit32   WireType = "32bit"
	Uint32  WireType = "uint32"
	Uint40  WireType = "uint40"
	Uint48  WireType = "uint48"
	Sint8   WireType = "sint8"
	Sint16  WireType = "sint16"
	Sint24  WireType = "sint24"
	Sint32  WireType = "sint32"
	Sint48  WireType = "sint48"
	UTF8S   WireType = "utf8s"
	UTF16S  WireType = "utf16s"
	Float32 WireType = "float32"
	Float64 WireType = "float64"
	SFloat  WireType = "SFLOAT"
	Float   WireType = "FLOAT"
)

type kind int

const (
	kindUnknown kind = iota
	kindBool
	kindUnsigned
	kindSigned
	kindString
	kindIEEE754
	kindIEEE11073
)

// layout describes how one wire type sits in the buffer. A width of 0 means
// the field consumes the rest of the buffer.
type layout struct {
	kind  kind
	width int
	mask  uint64
}

var layouts = map[WireType]layout{
	Boolean: {kindBool, 1, 0x01},
	TwoBit:  {kindUnsigned, 1, 0x03},
	Nibble:  {kindUnsigned, 1, 0x0F},
	FourBit: {kindUnsigned, 1, 0x0F},
	Bit8:    {kindUnsigned, 1, 0xFF},
	Uint8:   {kindUnsigned, 1, 0xFF},
	Uint12:  {kindUnsigned, 2, 0x0FFF},
	Bit16:   {kindUnsigned, 2, 0xFFFF},
	Uint16:  {kindUnsigned, 2, 0xFFFF},
	Bit24:   {kindUnsigned, 3, 0xFFFFFF},
	Uint24:  {kindUnsigned, 3, 0xFFFFFF},
	Bit32:   {kindUnsigned, 4, 0xFFFFFFFF},
	Uint32:  {kindUnsigned, 4, 0xFFFFFFFF},
	Uint40:  {kindUnsigned, 5, 0xFFFFFFFFFF},
	Uint48:  {kindUnsigned, 6, 0xFFFFFFFFFFFF},
	Sint8:   {kindSigned, 1, 0},
	Sint16:  {kindSigned, 2, 0},
	Sint24:  {kindSigned, 3, 0},
	Sint32:  {kindSigned, 4, 0},
	Sint48:  {kindSigned, 6, 0},
	UTF8S:   {kindString, 0, 0},
	UTF16S:  {kindString, 0, 0},
	Float32: {kindIEEE754, 4, 0},
	Float64: {kindIEEE754, 8, 0},
	SFloat:  {kindIEEE11073, 2, 0},
	Float:   {kindIEEE11073, 4, 0},
}

// Known reports whether t is part of the supported vocabulary.
func (t WireType) Known() bool {
	_, ok := layouts[t]
	return ok
}

// Width returns the fixed byte width of t, or 0 for variable-length and
// unknown types.
func (t WireType) Width() int {
	return layouts[t].width
}

// FixedWidth reports whether t occupies a fixed number of bytes.
func (t WireType) FixedWidth() bool {
	l, ok := layouts[t]
	return ok && l.width > 0
}

// ParseTypes converts tags such as "uint8, SFLOAT" or a list of tags into
// wire types. Tags are trimmed but otherwise kept verbatim so unknown ones
// surface when a value is decoded.
func ParseTypes(tags ...string) []WireType {
	var out []WireType
	for _, tag := range tags {
		for _, part := range strings.Split(tag, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, WireType(part))
		}
	}
	return out
}

// Field is one decoded value. Value holds a bool, uint64, int64, float64 or
// string depending on the wire type.
type Field struct {
	Type  WireType
	Value any
}

// Value is a decoded characteristic value: the fields in declaration order
// plus any bytes no declared type consumed.
type Value struct {
	Fields    []Field
	Remainder []byte
}

// Values returns the field values without their types.
func (v Value) Values() []any {
	out := make([]any, 0, len(v.Fields))
	for _, f := range v.Fields {
		out = append(out, f.Value)
	}
	return out
}
