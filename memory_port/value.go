package memory_port

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType tags every value read from or written to the target.
// TypeByte is unsigned, as the game's flags and counters are; use
// TypeSByte for signed 8-bit fields.
type DataType uint8

const (
	TypeByte   DataType = iota + 1 // unsigned 8-bit
	TypeShort                      // signed 16-bit
	TypeUShort                     // unsigned 16-bit
	TypeInt                        // signed 32-bit
	TypeUInt                       // unsigned 32-bit
	TypeDouble                     // IEEE 754 binary64
	TypeBuffer                     // raw bytes
	TypeSByte                      // signed 8-bit
)

var typeNames = map[DataType]string{
	TypeByte:   "byte",
	TypeShort:  "short",
	TypeUShort: "ushort",
	TypeInt:    "int",
	TypeUInt:   "uint",
	TypeDouble: "double",
	TypeBuffer: "buffer",
	TypeSByte:  "sbyte",
}

func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// ParseDataType maps a type name ("byte", "short", ...) to its tag
func ParseDataType(name string) (DataType, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", name)
}

// Size returns the encoded width of fixed size types, 0 for TypeBuffer
func (t DataType) Size() int {
	switch t {
	case TypeByte, TypeSByte:
		return 1
	case TypeShort, TypeUShort:
		return 2
	case TypeInt, TypeUInt:
		return 4
	case TypeDouble:
		return 8
	}
	return 0
}

// Value is a tagged memory value. Construct it with Byte, SByte, Short,
// UShort, Int, UInt, Double or Buffer; the zero Value is invalid.
type Value struct {
	typ  DataType
	bits uint64 // integer payload or float64 bits
	buf  []byte
}

func Byte(v uint8) Value     { return Value{typ: TypeByte, bits: uint64(v)} }
func SByte(v int8) Value     { return Value{typ: TypeSByte, bits: uint64(uint8(v))} }
func Short(v int16) Value    { return Value{typ: TypeShort, bits: uint64(uint16(v))} }
func UShort(v uint16) Value  { return Value{typ: TypeUShort, bits: uint64(v)} }
func Int(v int32) Value      { return Value{typ: TypeInt, bits: uint64(uint32(v))} }
func UInt(v uint32) Value    { return Value{typ: TypeUInt, bits: uint64(v)} }
func Double(v float64) Value { return Value{typ: TypeDouble, bits: math.Float64bits(v)} }

// Buffer copies b into a TypeBuffer value
func Buffer(b []byte) Value {
	buf := make([]byte, len(b))
	copy(buf, b)
	return Value{typ: TypeBuffer, buf: buf}
}

// Type returns the value's tag
func (v Value) Type() DataType { return v.typ }

// Len returns the encoded width in bytes
func (v Value) Len() int {
	if v.typ == TypeBuffer {
		return len(v.buf)
	}
	return v.typ.Size()
}

func (v Value) Uint8() uint8     { return uint8(v.bits) }
func (v Value) Int8() int8       { return int8(uint8(v.bits)) }
func (v Value) Int16() int16     { return int16(uint16(v.bits)) }
func (v Value) Uint16() uint16   { return uint16(v.bits) }
func (v Value) Int32() int32     { return int32(uint32(v.bits)) }
func (v Value) Uint32() uint32   { return uint32(v.bits) }
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

// Encode returns the little endian representation written to memory
func (v Value) Encode() []byte {
	switch v.typ {
	case TypeByte, TypeSByte:
		return []byte{uint8(v.bits)}
	case TypeShort, TypeUShort:
		return binary.LittleEndian.AppendUint16(nil, uint16(v.bits))
	case TypeInt, TypeUInt:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.bits))
	case TypeDouble:
		return binary.LittleEndian.AppendUint64(nil, v.bits)
	case TypeBuffer:
		out := make([]byte, len(v.buf))
		copy(out, v.buf)
		return out
	}
	return nil
}

// Decode builds a value of type t from its little endian representation
func Decode(t DataType, data []byte) (Value, error) {
	if t == TypeBuffer {
		return Buffer(data), nil
	}
	size := t.Size()
	if size == 0 {
		return Value{}, fmt.Errorf("decode: %w", ErrInvalidType)
	}
	if len(data) != size {
		return Value{}, fmt.Errorf("decode %s: got %d bytes, want %d", t, len(data), size)
	}

	switch t {
	case TypeByte:
		return Byte(data[0]), nil
	case TypeSByte:
		return SByte(int8(data[0])), nil
	case TypeShort:
		return Short(int16(binary.LittleEndian.Uint16(data))), nil
	case TypeUShort:
		return UShort(binary.LittleEndian.Uint16(data)), nil
	case TypeInt:
		return Int(int32(binary.LittleEndian.Uint32(data))), nil
	case TypeUInt:
		return UInt(binary.LittleEndian.Uint32(data)), nil
	default:
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), nil
	}
}

// Equal compares tag and encoded bytes. Doubles compare bitwise, so NaN
// equals an identical NaN.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && bytes.Equal(v.Encode(), o.Encode())
}

func (v Value) String() string {
	switch v.typ {
	case TypeByte:
		return strconv.FormatUint(uint64(v.Uint8()), 10)
	case TypeSByte:
		return strconv.FormatInt(int64(v.Int8()), 10)
	case TypeShort:
		return strconv.FormatInt(int64(v.Int16()), 10)
	case TypeUShort:
		return strconv.FormatUint(uint64(v.Uint16()), 10)
	case TypeInt:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case TypeUInt:
		return strconv.FormatUint(uint64(v.Uint32()), 10)
	case TypeDouble:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case TypeBuffer:
		return fmt.Sprintf("% x", v.buf)
	}
	return "<invalid>"
}

// ParseValue parses text as a value of type t. Integers accept 0x prefixes;
// buffers are hex strings, optionally space separated.
func ParseValue(t DataType, text string) (Value, error) {
	text = strings.TrimSpace(text)
	switch t {
	case TypeByte:
		n, err := strconv.ParseUint(text, 0, 8)
		return Byte(uint8(n)), err
	case TypeSByte:
		n, err := strconv.ParseInt(text, 0, 8)
		return SByte(int8(n)), err
	case TypeShort:
		n, err := strconv.ParseInt(text, 0, 16)
		return Short(int16(n)), err
	case TypeUShort:
		n, err := strconv.ParseUint(text, 0, 16)
		return UShort(uint16(n)), err
	case TypeInt:
		n, err := strconv.ParseInt(text, 0, 32)
		return Int(int32(n)), err
	case TypeUInt:
		n, err := strconv.ParseUint(text, 0, 32)
		return UInt(uint32(n)), err
	case TypeDouble:
		f, err := strconv.ParseFloat(text, 64)
		return Double(f), err
	case TypeBuffer:
		b, err := ParseHex(text)
		return Buffer(b), err
	}
	return Value{}, fmt.Errorf("parse: %w", ErrInvalidType)
}

// ParseHex decodes "c7 05 e8" or "c705e8" into bytes
func ParseHex(text string) ([]byte, error) {
	clean := strings.Join(strings.Fields(text), "")
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string %q", text)
	}
	out := make([]byte, len(clean)/2)
	for i := range out {
		n, err := strconv.ParseUint(clean[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", clean[2*i:2*i+2])
		}
		out[i] = byte(n)
	}
	return out, nil
}
