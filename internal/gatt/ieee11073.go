package gatt

import "math"

// format holds the constants of one IEEE-11073 decimal float encoding. The
// values follow the Antidote IEEE 11073-20601 stack.
type format struct {
	nan, nres, posInf, negInf, reserved uint32

	max, min, epsilon float64
	mantissaMax       float64
	exponentMax       int
	exponentMin       int
	exponentMask      uint32
	exponentShift     uint
	mantissaMask      uint32
	mantissaBits      uint
	exponentBits      uint
	precision         float64
}

var sfloatFormat = format{
	nan:           0x07FF,
	nres:          0x0800,
	posInf:        0x07FE,
	negInf:        0x0802,
	reserved:      0x0801,
	max:           20450000000.0,
	min:           -20450000000.0,
	epsilon:       1e-8,
	mantissaMax:   0x07FD,
	exponentMax:   7,
	exponentMin:   -8,
	exponentMask:  0xF,
	exponentShift: 12,
	mantissaMask:  0xFFF,
	mantissaBits:  12,
	exponentBits:  4,
	precision:     10000,
}

var floatFormat = format{
	nan:           0x007FFFFF,
	nres:          0x00800000,
	posInf:        0x007FFFFE,
	negInf:        0x00800002,
	reserved:      0x00800001,
	max:           8.388604999999999e+133,
	min:           -8.388604999999999e+133,
	epsilon:       1e-128,
	mantissaMax:   0x007FFFFD,
	exponentMax:   127,
	exponentMin:   -128,
	exponentMask:  0xFF,
	exponentShift: 24,
	mantissaMask:  0xFFFFFF,
	mantissaBits:  24,
	exponentBits:  8,
	precision:     10000000,
}

// NumberToSFloat packs number into a 16-bit SFLOAT.
func NumberToSFloat(number float64) uint16 {
	return uint16(sfloatFormat.pack(number))
}

// NumberToFloat packs number into a 32-bit FLOAT.
func NumberToFloat(number float64) uint32 {
	return floatFormat.pack(number)
}

// SFloatToNumber unpacks a 16-bit SFLOAT. NaN, NRes and the reserved code
// decode as NaN; the infinity codes decode as ±Inf.
func SFloatToNumber(raw uint16) float64 {
	return sfloatFormat.unpack(uint32(raw))
}

// FloatToNumber unpacks a 32-bit FLOAT.
func FloatToNumber(raw uint32) float64 {
	return floatFormat.unpack(raw)
}

// round matches half-up rounding toward +Inf.
func round(x float64) float64 {
	return math.Floor(x + 0.5)
}

func (f format) pack(number float64) uint32 {
	switch {
	case math.IsNaN(number):
		return f.nan
	case number > f.max:
		return f.posInf
	case number < f.min:
		return f.negInf
	case number >= -f.epsilon && number <= f.epsilon:
		return 0
	}

	sgn := 1.0
	if number < 0 {
		sgn = -1
	}
	mantissa := math.Abs(number)
	exponent := 0

	for mantissa > f.mantissaMax {
		mantissa /= 10
		exponent++
		if exponent > f.exponentMax {
			if sgn > 0 {
				return f.posInf
			}
			return f.negInf
		}
	}

	for mantissa < 1 {
		mantissa *= 10
		exponent--
		if exponent < f.exponentMin {
			return 0
		}
	}

	// Trade exponent for mantissa digits while rounding would lose precision.
	smantissa := round(mantissa * f.precision)
	rmantissa := round(mantissa) * f.precision
	mdiff := math.Abs(smantissa - rmantissa)
	for mdiff > 0.5 && exponent > f.exponentMin && mantissa*10 <= f.mantissaMax {
		mantissa *= 10
		exponent--
		smantissa = round(mantissa * f.precision)
		rmantissa = round(mantissa) * f.precision
		mdiff = math.Abs(smantissa - rmantissa)
	}

	intMantissa := int64(round(sgn * mantissa))
	return (uint32(int32(exponent))&f.exponentMask)<<f.exponentShift |
		uint32(intMantissa)&f.mantissaMask
}

func (f format) unpack(raw uint32) float64 {
	raw &= f.exponentMask<<f.exponentShift | f.mantissaMask

	switch raw {
	case f.nan, f.nres, f.reserved:
		return math.NaN()
	case f.posInf:
		return math.Inf(1)
	case f.negInf:
		return math.Inf(-1)
	}

	mantissa := signExtend(uint64(raw&f.mantissaMask), f.mantissaBits)
	exponent := signExtend(uint64(raw>>f.exponentShift&f.exponentMask), f.exponentBits)

	// Dividing keeps results such as 255e-1 exact where multiplying by 0.1 would not.
	if exponent < 0 {
		return float64(mantissa) / math.Pow10(int(-exponent))
	}
	return float64(mantissa) * math.Pow10(int(exponent))
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
