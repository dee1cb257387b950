package gatt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// FormatPayload renders v as comma separated text: numbers in shortest form,
// booleans as true/false, strings JSON-quoted, then each remainder byte.
func FormatPayload(v Value) string {
	parts := make([]string, 0, len(v.Fields)+len(v.Remainder))
	for _, f := range v.Fields {
		parts = append(parts, formatScalar(f.Value))
	}
	for _, b := range v.Remainder {
		parts = append(parts, strconv.Itoa(int(b)))
	}
	return strings.Join(parts, ",")
}

// FormatBytes renders raw bytes the way FormatPayload renders a remainder.
func FormatBytes(raw []byte) string {
	return FormatPayload(Value{Remainder: raw})
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		quoted, _ := json.Marshal(x)
		return string(quoted)
	}
	return fmt.Sprint(v)
}

// ParsePayload parses comma separated numbers, true/false and JSON strings.
// Numbers are returned as json.Number so integer precision survives.
func ParsePayload(text string) ([]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []any{}, nil
	}

	dec := json.NewDecoder(strings.NewReader("[" + text + "]"))
	dec.UseNumber()

	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidValue, text, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: %q: trailing data", ErrInvalidValue, text)
	}

	for i, v := range values {
		switch v.(type) {
		case json.Number, bool, string:
		default:
			return nil, fmt.Errorf("%w: element %d of %q is not a scalar", ErrInvalidValue, i, text)
		}
	}
	return values, nil
}

// ParseBytes parses a payload of plain byte values.
func ParseBytes(text string) ([]byte, error) {
	values, err := ParsePayload(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, v := range values {
		n, err := toInt(v)
		if err != nil || n < 0 || n > 0xFF {
			return nil, fmt.Errorf("%w: element %d of %q is not a byte", ErrInvalidValue, i, text)
		}
		buf.WriteByte(byte(n))
	}
	return buf.Bytes(), nil
}
