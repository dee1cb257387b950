package gatt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Codec decodes and encodes characteristic values against a type list.
type Codec struct {
	logger *logrus.Logger
}

// NewCodec creates a codec that logs skipped types to logger.
func NewCodec(logger *logrus.Logger) *Codec {
	if logger == nil {
		logger = logrus.New()
	}
	return &Codec{logger: logger}
}

// Decode reads buf left to right, one field per known type. Unknown types are
// skipped with a warning. Decoding stops after a string, which takes the rest
// of buf, or at the first fixed-width type that does not fit; bytes left
// unread end up in Remainder.
func (c *Codec) Decode(buf []byte, types []WireType) Value {
	var out Value
	offset := 0

	for _, t := range types {
		l, ok := layouts[t]
		if !ok {
			c.logger.WithField("type", t).Warn(ErrUnknownWireType.Error())
			continue
		}
		if l.width > len(buf)-offset {
			c.logger.WithFields(logrus.Fields{
				"type":      t,
				"offset":    offset,
				"available": len(buf) - offset,
			}).Debug("Value too short for field")
			break
		}

		var v any
		chunk := buf[offset:]
		switch l.kind {
		case kindBool:
			v = chunk[0]&0x01 != 0
		case kindUnsigned:
			v = readUint(chunk, l.width) & l.mask
		case kindSigned:
			v = signExtend(readUint(chunk, l.width), uint(l.width*8))
		case kindString:
			v = decodeString(t, chunk)
		case kindIEEE754:
			if l.width == 4 {
				v = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
			} else {
				v = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
			}
		case kindIEEE11073:
			if l.width == 2 {
				v = SFloatToNumber(binary.LittleEndian.Uint16(chunk))
			} else {
				v = FloatToNumber(binary.LittleEndian.Uint32(chunk))
			}
		}
		out.Fields = append(out.Fields, Field{Type: t, Value: v})

		if l.width == 0 {
			// Strings take the rest; an odd trailing byte of utf16s is left over.
			consumed := len(chunk)
			if t == UTF16S {
				consumed &^= 1
			}
			offset += consumed
			break
		}
		offset += l.width
	}

	if offset < len(buf) {
		out.Remainder = append([]byte(nil), buf[offset:]...)
	}
	return out
}

// Encode writes values into a buffer of exactly length bytes, one field per
// known type. Unknown types are skipped with a warning. Encoding stops at the
// first field that would not fit or that has no value; untouched bytes are
// zero.
func (c *Codec) Encode(values []any, length int, types []WireType) ([]byte, error) {
	if length < 0 {
		length = 0
	}
	buf := make([]byte, length)
	offset := 0

	for i, t := range types {
		l, ok := layouts[t]
		if !ok {
			c.logger.WithField("type", t).Warn(ErrUnknownWireType.Error())
			continue
		}
		if i >= len(values) {
			break
		}
		if l.width > length-offset {
			c.logger.WithFields(logrus.Fields{
				"type":   t,
				"offset": offset,
				"length": length,
			}).Debug("Field does not fit, encoding stopped")
			break
		}

		n, err := encodeField(buf[offset:], t, l, values[i])
		if err != nil {
			return nil, fmt.Errorf("field %d (%s): %w", i, t, err)
		}
		offset += n
	}
	return buf, nil
}

// Width returns the number of bytes values occupy when encoded as types.
// Strings count their encoded length; unknown types count nothing.
func Width(values []any, types []WireType) int {
	total := 0
	for i, t := range types {
		l, ok := layouts[t]
		if !ok || i >= len(values) {
			continue
		}
		if l.width > 0 {
			total += l.width
			continue
		}
		s, err := toString(values[i])
		if err != nil {
			continue
		}
		if t == UTF16S {
			total += 2 * len(utf16.Encode([]rune(s)))
		} else {
			total += len(s)
		}
	}
	return total
}

func encodeField(dst []byte, t WireType, l layout, value any) (int, error) {
	switch l.kind {
	case kindBool:
		b, err := toBool(value)
		if err != nil {
			return 0, err
		}
		dst[0] = 0
		if b {
			dst[0] = 1
		}
	case kindUnsigned:
		u, err := toInt(value)
		if err != nil {
			return 0, err
		}
		writeUint(dst, l.width, uint64(u)&l.mask)
	case kindSigned:
		s, err := toInt(value)
		if err != nil {
			return 0, err
		}
		writeUint(dst, l.width, uint64(s))
	case kindString:
		s, err := toString(value)
		if err != nil {
			return 0, err
		}
		return encodeString(dst, t, s), nil
	case kindIEEE754:
		f, err := toFloat(value)
		if err != nil {
			return 0, err
		}
		if l.width == 4 {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
		}
	case kindIEEE11073:
		f, err := toFloat(value)
		if err != nil {
			return 0, err
		}
		if l.width == 2 {
			binary.LittleEndian.PutUint16(dst, NumberToSFloat(f))
		} else {
			binary.LittleEndian.PutUint32(dst, NumberToFloat(f))
		}
	}
	return l.width, nil
}

func readUint(b []byte, width int) uint64 {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func writeUint(b []byte, width int, v uint64) {
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func decodeString(t WireType, b []byte) string {
	if t == UTF8S {
		return string(b)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}

// encodeString writes as many whole characters of s as fit into dst.
func encodeString(dst []byte, t WireType, s string) int {
	n := 0
	for _, r := range s {
		if t == UTF8S {
			size := utf8.RuneLen(r)
			if size < 0 || n+size > len(dst) {
				break
			}
			n += utf8.EncodeRune(dst[n:], r)
			continue
		}
		units := utf16.Encode([]rune{r})
		if n+2*len(units) > len(dst) {
			break
		}
		for _, u := range units {
			binary.LittleEndian.PutUint16(dst[n:], u)
			n += 2
		}
	}
	return n
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		i, err := toInt(x)
		return float64(i), err
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, x)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: unsupported %T", ErrInvalidValue, v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case nil:
		return "", fmt.Errorf("%w: null string", ErrInvalidValue)
	}
	return fmt.Sprint(v), nil
}
