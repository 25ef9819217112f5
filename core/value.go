package core

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueType is the wire tag of a Value.
type ValueType byte

const (
	TypeU32      ValueType = 0
	TypeV32      ValueType = 1
	TypeI32      ValueType = 2
	TypeZ32      ValueType = 3
	TypeU64      ValueType = 4
	TypeV64      ValueType = 5
	TypeI64      ValueType = 6
	TypeZ64      ValueType = 7
	TypeF32      ValueType = 8
	TypeF64      ValueType = 9
	TypeDateTime ValueType = 10
	TypeDuration ValueType = 11
	TypeString   ValueType = 12
	TypeBytes    ValueType = 13
	TypeTrue     ValueType = 14
	TypeFalse    ValueType = 15
	TypeNull     ValueType = 16
	TypeOk       ValueType = 17
	TypeError    ValueType = 18
)

var valueTypeNames = [...]string{
	TypeU32: "u32", TypeV32: "v32", TypeI32: "i32", TypeZ32: "z32",
	TypeU64: "u64", TypeV64: "v64", TypeI64: "i64", TypeZ64: "z64",
	TypeF32: "f32", TypeF64: "f64", TypeDateTime: "datetime", TypeDuration: "duration",
	TypeString: "string", TypeBytes: "bytes", TypeTrue: "bool", TypeFalse: "bool",
	TypeNull: "null", TypeOk: "ok", TypeError: "error",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Value is an immutable typed scalar published on a path.
// Numeric variants keep their bits in num; String and Error use str.
type Value struct {
	typ ValueType
	num uint64
	str string
	raw []byte
}

func U32(v uint32) Value { return Value{typ: TypeU32, num: uint64(v)} }
func V32(v uint32) Value { return Value{typ: TypeV32, num: uint64(v)} }
func I32(v int32) Value  { return Value{typ: TypeI32, num: uint64(int64(v))} }
func Z32(v int32) Value  { return Value{typ: TypeZ32, num: uint64(int64(v))} }
func U64(v uint64) Value { return Value{typ: TypeU64, num: v} }
func V64(v uint64) Value { return Value{typ: TypeV64, num: v} }
func I64(v int64) Value  { return Value{typ: TypeI64, num: uint64(v)} }
func Z64(v int64) Value  { return Value{typ: TypeZ64, num: uint64(v)} }
func F32(v float32) Value {
	return Value{typ: TypeF32, num: uint64(math.Float32bits(v))}
}
func F64(v float64) Value { return Value{typ: TypeF64, num: math.Float64bits(v)} }

// DateTime stores t with nanosecond precision in UTC.
func DateTime(t time.Time) Value {
	return Value{typ: TypeDateTime, num: uint64(t.UnixNano())}
}
func Duration(d time.Duration) Value { return Value{typ: TypeDuration, num: uint64(d)} }
func String(s string) Value          { return Value{typ: TypeString, str: s} }

// Bytes copies b. An empty slice is stored as nil.
func Bytes(b []byte) Value {
	if len(b) == 0 {
		return Value{typ: TypeBytes}
	}
	return Value{typ: TypeBytes, raw: bytes.Clone(b)}
}

func Bool(b bool) Value {
	if b {
		return Value{typ: TypeTrue}
	}
	return Value{typ: TypeFalse}
}
func Null() Value               { return Value{typ: TypeNull} }
func Ok() Value                 { return Value{typ: TypeOk} }
func Error(msg string) Value    { return Value{typ: TypeError, str: msg} }
func (v Value) Type() ValueType { return v.typ }

func (v Value) IsNull() bool { return v.typ == TypeNull }

// Uint64 returns the value of the unsigned variants.
func (v Value) Uint64() (uint64, bool) {
	switch v.typ {
	case TypeU32, TypeV32, TypeU64, TypeV64:
		return v.num, true
	}
	return 0, false
}

// Int64 returns the value of the signed, DateTime and Duration variants.
func (v Value) Int64() (int64, bool) {
	switch v.typ {
	case TypeI32, TypeZ32, TypeI64, TypeZ64, TypeDateTime, TypeDuration:
		return int64(v.num), true
	}
	return 0, false
}

// Float64 converts any numeric variant to float64.
func (v Value) Float64() (float64, bool) {
	switch v.typ {
	case TypeF32:
		return float64(math.Float32frombits(uint32(v.num))), true
	case TypeF64:
		return math.Float64frombits(v.num), true
	case TypeU32, TypeV32, TypeU64, TypeV64:
		return float64(v.num), true
	case TypeI32, TypeZ32, TypeI64, TypeZ64:
		return float64(int64(v.num)), true
	}
	return 0, false
}

func (v Value) Time() (time.Time, bool) {
	if v.typ != TypeDateTime {
		return time.Time{}, false
	}
	return time.Unix(0, int64(v.num)).UTC(), true
}

func (v Value) Duration() (time.Duration, bool) {
	if v.typ != TypeDuration {
		return 0, false
	}
	return time.Duration(v.num), true
}

func (v Value) Bool() (bool, bool) {
	switch v.typ {
	case TypeTrue:
		return true, true
	case TypeFalse:
		return false, true
	}
	return false, false
}

// Str returns the text of String and Error values.
func (v Value) Str() (string, bool) {
	if v.typ == TypeString || v.typ == TypeError {
		return v.str, true
	}
	return "", false
}

// BytesValue returns the payload of a Bytes value. The slice must not be modified.
func (v Value) BytesValue() ([]byte, bool) {
	if v.typ != TypeBytes {
		return nil, false
	}
	return v.raw, true
}

func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.num == o.num && v.str == o.str && bytes.Equal(v.raw, o.raw)
}

// String renders the value for logs and the dump command.
func (v Value) String() string {
	switch v.typ {
	case TypeU32, TypeV32, TypeU64, TypeV64:
		return fmt.Sprintf("%s:%d", v.typ, v.num)
	case TypeI32, TypeZ32, TypeI64, TypeZ64:
		return fmt.Sprintf("%s:%d", v.typ, int64(v.num))
	case TypeF32, TypeF64:
		f, _ := v.Float64()
		return fmt.Sprintf("%s:%g", v.typ, f)
	case TypeDateTime:
		t, _ := v.Time()
		return "datetime:" + t.Format(time.RFC3339Nano)
	case TypeDuration:
		return "duration:" + time.Duration(v.num).String()
	case TypeString:
		return "string:" + strconv.Quote(v.str)
	case TypeBytes:
		return fmt.Sprintf("bytes:%x", v.raw)
	case TypeTrue:
		return "true"
	case TypeFalse:
		return "false"
	case TypeNull:
		return "null"
	case TypeOk:
		return "ok"
	case TypeError:
		return "error:" + strconv.Quote(v.str)
	}
	return v.typ.String()
}
