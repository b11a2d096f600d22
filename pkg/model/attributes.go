package model

import (
	"math"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// ValueKind discriminates the scalar kinds a span attribute can hold.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
	ValueFloat
	ValueBool
)

// Value is one span attribute, a tagged scalar. Backends type tags loosely
// (a status code may arrive as int64, float64 or "500"), so the accessors
// coerce where the conversion is lossless.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

func StringValue(s string) Value { return Value{kind: ValueString, str: s} }
func IntValue(i int64) Value     { return Value{kind: ValueInt, num: float64(i)} }
func FloatValue(f float64) Value { return Value{kind: ValueFloat, num: f} }
func BoolValue(b bool) Value     { return Value{kind: ValueBool, b: b} }

// Kind returns the kind the value was constructed with.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string form of a string value.
func (v Value) Str() (string, bool) {
	if v.kind == ValueString {
		return v.str, true
	}
	return "", false
}

// Int returns the value as an int64, coercing floats and numeric strings.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case ValueInt, ValueFloat:
		return int64(v.num), true
	case ValueString:
		if i, err := strconv.ParseInt(v.str, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(v.str, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

// Float returns the value as a float64, coercing ints and numeric strings.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case ValueInt, ValueFloat:
		return v.num, true
	case ValueString:
		if f, err := strconv.ParseFloat(v.str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool returns the value as a bool, coercing "true"/"false" strings.
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case ValueBool:
		return v.b, true
	case ValueString:
		if b, err := strconv.ParseBool(v.str); err == nil {
			return b, true
		}
	}
	return false, false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueString:
		return jsoniter.Marshal(v.str)
	case ValueInt:
		return jsoniter.Marshal(int64(v.num))
	case ValueFloat:
		return jsoniter.Marshal(v.num)
	case ValueBool:
		return jsoniter.Marshal(v.b)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringValue(x)
	case bool:
		*v = BoolValue(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			*v = IntValue(int64(x))
		} else {
			*v = FloatValue(x)
		}
	case nil:
		*v = StringValue("")
	default:
		b, err := jsoniter.Marshal(x)
		if err != nil {
			return err
		}
		*v = StringValue(string(b))
	}
	return nil
}

// Attributes is the flat map of scalar tag values carried by a span. The
// typed lookups drive use-case classification; missing keys read as zero
// values.
type Attributes map[string]Value

func (a Attributes) Str(key string) string {
	v, _ := a[key].Str()
	return v
}

func (a Attributes) Int(key string) int64 {
	v, _ := a[key].Int()
	return v
}

func (a Attributes) Float(key string) float64 {
	v, _ := a[key].Float()
	return v
}

func (a Attributes) Bool(key string) bool {
	v, _ := a[key].Bool()
	return v
}

// Has reports whether the key is present at all.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}
