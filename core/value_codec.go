package core

import (
	"encoding/binary"
	"fmt"
)

// AppendValue appends the wire encoding of v to dst: a one-byte tag followed by
// the variant body. Fixed-width numbers are big-endian, V*/Z* variants are
// LEB128 varints (Z* zig-zag), strings and bytes are uvarint length-prefixed.
func AppendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.typ))
	switch v.typ {
	case TypeU32, TypeI32, TypeF32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(v.num))
	case TypeU64, TypeI64, TypeF64, TypeDateTime, TypeDuration:
		dst = binary.BigEndian.AppendUint64(dst, v.num)
	case TypeV32, TypeV64:
		dst = binary.AppendUvarint(dst, v.num)
	case TypeZ32, TypeZ64:
		dst = binary.AppendVarint(dst, int64(v.num))
	case TypeString, TypeError:
		dst = binary.AppendUvarint(dst, uint64(len(v.str)))
		dst = append(dst, v.str...)
	case TypeBytes:
		dst = binary.AppendUvarint(dst, uint64(len(v.raw)))
		dst = append(dst, v.raw...)
	}
	return dst
}

// EncodedValueSize returns len(AppendValue(nil, v)) without encoding.
func EncodedValueSize(v Value) int {
	switch v.typ {
	case TypeU32, TypeI32, TypeF32:
		return 5
	case TypeU64, TypeI64, TypeF64, TypeDateTime, TypeDuration:
		return 9
	case TypeV32, TypeV64:
		return 1 + uvarintLen(v.num)
	case TypeZ32, TypeZ64:
		n := int64(v.num)
		return 1 + uvarintLen(uint64(n<<1)^uint64(n>>63))
	case TypeString, TypeError:
		return 1 + uvarintLen(uint64(len(v.str))) + len(v.str)
	case TypeBytes:
		return 1 + uvarintLen(uint64(len(v.raw))) + len(v.raw)
	}
	return 1
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// DecodeValue decodes one value from buf and returns it with the number of bytes consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrTruncatedPayload
	}
	typ := ValueType(buf[0])
	body := buf[1:]
	switch typ {
	case TypeU32, TypeI32, TypeF32:
		if len(body) < 4 {
			return Value{}, 0, ErrTruncatedPayload
		}
		u := binary.BigEndian.Uint32(body)
		v := Value{typ: typ, num: uint64(u)}
		if typ == TypeI32 {
			v.num = uint64(int64(int32(u)))
		}
		return v, 5, nil
	case TypeU64, TypeI64, TypeF64, TypeDateTime, TypeDuration:
		if len(body) < 8 {
			return Value{}, 0, ErrTruncatedPayload
		}
		return Value{typ: typ, num: binary.BigEndian.Uint64(body)}, 9, nil
	case TypeV32, TypeV64:
		u, n := binary.Uvarint(body)
		if n <= 0 {
			return Value{}, 0, ErrTruncatedPayload
		}
		if typ == TypeV32 && u > 1<<32-1 {
			return Value{}, 0, fmt.Errorf("v32 overflow: %d", u)
		}
		return Value{typ: typ, num: u}, 1 + n, nil
	case TypeZ32, TypeZ64:
		i, n := binary.Varint(body)
		if n <= 0 {
			return Value{}, 0, ErrTruncatedPayload
		}
		if typ == TypeZ32 && int64(int32(i)) != i {
			return Value{}, 0, fmt.Errorf("z32 overflow: %d", i)
		}
		return Value{typ: typ, num: uint64(i)}, 1 + n, nil
	case TypeString, TypeError, TypeBytes:
		l, n := binary.Uvarint(body)
		if n <= 0 || uint64(len(body)-n) < l {
			return Value{}, 0, ErrTruncatedPayload
		}
		data := body[n : n+int(l)]
		consumed := 1 + n + int(l)
		if typ == TypeBytes {
			if l == 0 {
				return Value{typ: TypeBytes}, consumed, nil
			}
			return Value{typ: TypeBytes, raw: append([]byte(nil), data...)}, consumed, nil
		}
		return Value{typ: typ, str: string(data)}, consumed, nil
	case TypeTrue, TypeFalse, TypeNull, TypeOk:
		return Value{typ: typ}, 1, nil
	}
	return Value{}, 0, fmt.Errorf("%w: %d", ErrUnknownValueTag, typ)
}

// MarshalValue returns the standalone wire encoding of v.
func MarshalValue(v Value) []byte {
	return AppendValue(make([]byte, 0, EncodedValueSize(v)), v)
}

// UnmarshalValue decodes a value that must occupy all of data.
func UnmarshalValue(data []byte) (Value, error) {
	v, n, err := DecodeValue(data)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, fmt.Errorf("%d trailing bytes after value", len(data)-n)
	}
	return v, nil
}
