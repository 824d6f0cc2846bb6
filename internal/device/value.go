package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType is the declared type of a property.
type ValueType int

// Property value types.
const (
	TypeInvalid ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
)

// String returns the type name.
func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a property value tagged with its type.
//
// Numeric values always carry both Int and Float so that either reading
// is faithful to what was received.
type Value struct {
	Type  ValueType
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// BoolValue returns a bool value.
func BoolValue(b bool) Value {
	v := Value{Type: TypeBool, Bool: b}
	if b {
		v.Int, v.Float = 1, 1
	}
	return v
}

// IntValue returns an int value with Float populated.
func IntValue(i int64) Value {
	return Value{Type: TypeInt, Int: i, Float: float64(i)}
}

// FloatValue returns a float value with Int populated (truncated).
func FloatValue(f float64) Value {
	return Value{Type: TypeFloat, Int: int64(f), Float: f}
}

// StringValue returns a string value.
func StringValue(s string) Value {
	return Value{Type: TypeString, Str: s}
}

// String formats the value for logs.
func (v Value) String() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeString:
		return v.Str
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes the value the way the hub expects. Bools are sent
// as 1/0 numbers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case TypeBool:
		if v.Bool {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case TypeInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case TypeFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrTypeMismatch)
		}
		return json.Marshal(v.Float)
	case TypeString:
		return json.Marshal(v.Str)
	default:
		return nil, fmt.Errorf("%w: invalid value", ErrTypeMismatch)
	}
}

// Coerce converts v to type t.
//
// Numbers convert between int and float. A bool property accepts the
// numbers 0 and 1. Anything else fails with ErrTypeMismatch.
func (v Value) Coerce(t ValueType) (Value, error) {
	if v.Type == t {
		return v, nil
	}

	switch t {
	case TypeBool:
		if v.Type == TypeInt || v.Type == TypeFloat {
			switch v.Float {
			case 0:
				return BoolValue(false), nil
			case 1:
				return BoolValue(true), nil
			}
		}
	case TypeInt:
		switch v.Type {
		case TypeFloat:
			return IntValue(int64(v.Float)), nil
		case TypeBool:
			return IntValue(v.Int), nil
		}
	case TypeFloat:
		switch v.Type {
		case TypeInt, TypeBool:
			return FloatValue(float64(v.Int)), nil
		}
	}

	return Value{}, fmt.Errorf("%w: cannot use %s %s as %s", ErrTypeMismatch, v.Type, v, t)
}

// Param is one named value in a report, control or action payload.
type Param struct {
	ID    string
	Value Value
}

// Params is an ordered parameter list with typed append helpers.
type Params []Param

// AddBool appends a bool parameter.
func (p *Params) AddBool(id string, b bool) { *p = append(*p, Param{ID: id, Value: BoolValue(b)}) }

// AddInt appends an int parameter.
func (p *Params) AddInt(id string, i int64) { *p = append(*p, Param{ID: id, Value: IntValue(i)}) }

// AddFloat appends a float parameter.
func (p *Params) AddFloat(id string, f float64) { *p = append(*p, Param{ID: id, Value: FloatValue(f)}) }

// AddString appends a string parameter.
func (p *Params) AddString(id, s string) { *p = append(*p, Param{ID: id, Value: StringValue(s)}) }

// MarshalJSON encodes the list as a JSON object in list order.
func (p Params) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, param := range p {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(param.ID)
		if err != nil {
			return nil, err
		}
		val, err := param.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", param.ID, err)
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// Lookup returns the value of the first parameter named id.
func (p Params) Lookup(id string) (Value, bool) {
	for _, param := range p {
		if param.ID == id {
			return param.Value, true
		}
	}
	return Value{}, false
}
