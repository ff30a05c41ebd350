package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ValueType identifies which variant a Value holds.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeBool
	TypeList
	TypeMap
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a JSON-compatible property value: string, number, bool, null,
// list or map. The zero Value is null.
type Value struct {
	typ  ValueType
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{typ: TypeString, str: s} }

// Number returns a numeric value. NaN and infinities have no JSON form and
// become null.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{typ: TypeNumber, num: f}
}

func Int(i int64) Value { return Number(float64(i)) }

func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

func List(items ...Value) Value {
	return Value{typ: TypeList, list: append([]Value(nil), items...)}
}

func Map(m map[string]Value) Value {
	cpy := make(map[string]Value, len(m))
	for k, v := range m {
		cpy[k] = v
	}
	return Value{typ: TypeMap, m: cpy}
}

func (v Value) Type() ValueType { return v.typ }

func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) AsString() (string, bool) { return v.str, v.typ == TypeString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.typ == TypeNumber }

func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

func (v Value) AsList() ([]Value, bool) {
	if v.typ != TypeList {
		return nil, false
	}
	return append([]Value(nil), v.list...), true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.typ != TypeMap {
		return nil, false
	}
	cpy := make(map[string]Value, len(v.m))
	for k, item := range v.m {
		cpy[k] = item
	}
	return cpy, true
}

// Get returns the map entry for key. It reports false for non-map values.
func (v Value) Get(key string) (Value, bool) {
	if v.typ != TypeMap {
		return Value{}, false
	}
	item, ok := v.m[key]
	return item, ok
}

// With returns a copy of a map value with key set. Non-map values are
// treated as an empty map.
func (v Value) With(key string, item Value) Value {
	out := Value{typ: TypeMap, m: make(map[string]Value, len(v.m)+1)}
	if v.typ == TypeMap {
		for k, existing := range v.m {
			out.m[k] = existing
		}
	}
	out.m[key] = item
	return out
}

// Keys returns map keys in sorted order.
func (v Value) Keys() []string {
	if v.typ != TypeMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeString:
		return v.str == o.str
	case TypeNumber:
		return v.num == o.num
	case TypeBool:
		return v.b == o.b
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeString:
		return json.Marshal(v.str)
	case TypeNumber:
		return json.Marshal(v.num)
	case TypeBool:
		return json.Marshal(v.b)
	case TypeList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case TypeMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("request: unknown value type %d", v.typ)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ParseValue decodes a JSON document into a Value.
func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("request: number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{typ: TypeList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{typ: TypeMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("request: unsupported json type %T", raw)
	}
}
