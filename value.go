package loam

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind enumerates the value kinds an attribute can hold. It is the closed
// tagged union replacing dynamic attribute bags: every column value is one
// of these kinds, selected by the definition's cast map or inferred from the
// driver scan result.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
	KindJSON
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindTime:   "time",
	KindJSON:   "json",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// Value is a tagged attribute value. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	bs   []byte
	t    time.Time
}

// Null is the null Value.
var Null = Value{}

// BoolValue returns a bool Value.
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }

// IntValue returns an int Value.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue returns a float Value.
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// BytesValue returns a bytes Value.
func BytesValue(v []byte) Value { return Value{kind: KindBytes, bs: v} }

// TimeValue returns a time Value.
func TimeValue(v time.Time) Value { return Value{kind: KindTime, t: v} }

// JSONValue returns a json Value holding the raw encoding of v.
func JSONValue(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Null, err
	}
	return Value{kind: KindJSON, bs: raw}, nil
}

// ValueOf converts an arbitrary Go value (typically a driver scan result or
// a caller-supplied attribute) into a Value.
func ValueOf(v any) Value {
	switch v := v.(type) {
	case nil:
		return Null
	case Value:
		return v
	case bool:
		return BoolValue(v)
	case int:
		return IntValue(int64(v))
	case int32:
		return IntValue(int64(v))
	case int64:
		return IntValue(v)
	case uint:
		return IntValue(int64(v))
	case uint64:
		return IntValue(int64(v))
	case float32:
		return FloatValue(float64(v))
	case float64:
		return FloatValue(v)
	case string:
		return StringValue(v)
	case []byte:
		return BytesValue(append([]byte(nil), v...))
	case time.Time:
		return TimeValue(v)
	case fmt.Stringer:
		return StringValue(v.String())
	default:
		return StringValue(fmt.Sprint(v))
	}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the value as a bool.
func (v Value) Bool() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindString:
		b, _ := strconv.ParseBool(v.s)
		return b
	default:
		return false
	}
}

// Int returns the value as an int64.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		n, _ := strconv.ParseInt(v.s, 10, 64)
		return n
	default:
		return 0
	}
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	case KindString:
		f, _ := strconv.ParseFloat(v.s, 64)
		return f
	default:
		return 0
	}
}

// String returns the value as a string.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.s
	case KindBytes, KindJSON:
		return string(v.bs)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Bytes returns the value as a byte slice.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindBytes, KindJSON:
		return v.bs
	case KindString:
		return []byte(v.s)
	default:
		return nil
	}
}

// Time returns the value as a time.Time. String values are parsed with the
// formats SQLite stores timestamps in.
func (v Value) Time() time.Time {
	switch v.kind {
	case KindTime:
		return v.t
	case KindString:
		return parseTime(v.s)
	case KindBytes:
		return parseTime(string(v.bs))
	case KindInt:
		return time.Unix(v.i, 0).UTC()
	default:
		return time.Time{}
	}
}

// JSON unmarshals a json value into dest.
func (v Value) JSON(dest any) error {
	switch v.kind {
	case KindJSON, KindBytes:
		return json.Unmarshal(v.bs, dest)
	case KindString:
		return json.Unmarshal([]byte(v.s), dest)
	default:
		return fmt.Errorf("loam: cannot unmarshal %s value as json", v.kind)
	}
}

// Any returns the Go value suitable for statement binding.
func (v Value) Any() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes, KindJSON:
		return v.bs
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two values hold the same kind and payload.
// Used for dirty tracking.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes, KindJSON:
		return string(v.bs) == string(o.bs)
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return false
	}
}

// Cast coerces the value to the given kind. Null stays null.
func (v Value) Cast(k Kind) Value {
	if v.kind == KindNull || v.kind == k {
		return v
	}
	switch k {
	case KindBool:
		return BoolValue(v.Bool())
	case KindInt:
		return IntValue(v.Int())
	case KindFloat:
		return FloatValue(v.Float())
	case KindString:
		return StringValue(v.String())
	case KindBytes:
		return BytesValue(v.Bytes())
	case KindTime:
		return TimeValue(v.Time())
	case KindJSON:
		return Value{kind: KindJSON, bs: v.Bytes()}
	default:
		return v
	}
}

var timeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	for _, f := range timeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
