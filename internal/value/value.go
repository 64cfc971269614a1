// Package value holds the dynamic payload type carried by calls, replies and
// events. Objects keep the key order of the document they were decoded from.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

var (
	ErrMissingField = errors.New("missing field")
	ErrTrailingData = errors.New("trailing data after JSON value")
)

// Value is an immutable JSON-shaped value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  *object
}

type object struct {
	keys []string
	vals map[string]Value
}

func (o *object) set(key string, v Value) {
	if _, exists := o.vals[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

// Pair is one key/value member used to build objects.
type Pair struct {
	Key   string
	Value Value
}

func NullValue() Value { return Value{} }

func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

func NumberValue(f float64) Value {
	return Value{kind: Number, num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

func IntValue(i int64) Value {
	return Value{kind: Number, num: json.Number(strconv.FormatInt(i, 10))}
}

func StringValue(s string) Value { return Value{kind: String, str: s} }

func ArrayValue(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)
	return Value{kind: Array, arr: arr}
}

// ObjectValue builds an object; later duplicates of a key replace earlier
// ones but keep the first position.
func ObjectValue(pairs ...Pair) Value {
	o := &object{vals: make(map[string]Value, len(pairs))}
	for _, p := range pairs {
		o.set(p.Key, p.Value)
	}
	return Value{kind: Object, obj: o}
}

// EmptyObject returns {}.
func EmptyObject() Value { return ObjectValue() }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == Bool
}

func (v Value) Float() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := v.num.Float64()
	return f, err == nil
}

func (v Value) Int() (int64, bool) {
	if v.kind != Number {
		return 0, false
	}
	if i, err := v.num.Int64(); err == nil {
		return i, true
	}
	f, err := v.num.Float64()
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

func (v Value) Str() (string, bool) {
	return v.str, v.kind == String
}

// Items returns the elements of an array.
func (v Value) Items() ([]Value, bool) {
	if v.kind != Array {
		return nil, false
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out, true
}

// Len is the element count of an array or the member count of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		if v.obj == nil {
			return 0
		}
		return len(v.obj.keys)
	}
	return 0
}

// Index returns the i-th array element.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Keys returns object keys in document order, nil for non-objects.
func (v Value) Keys() []string {
	if v.kind != Object || v.obj == nil {
		return nil
	}
	out := make([]string, len(v.obj.keys))
	copy(out, v.obj.keys)
	return out
}

func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object || v.obj == nil {
		return Value{}, false
	}
	m, ok := v.obj.vals[key]
	return m, ok
}

// Has reports whether an object carries key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// With returns a copy of the object with key set to m. A non-object
// receiver is treated as an empty object.
func (v Value) With(key string, m Value) Value {
	o := &object{vals: make(map[string]Value, v.Len()+1)}
	if v.kind == Object && v.obj != nil {
		for _, k := range v.obj.keys {
			o.set(k, v.obj.vals[k])
		}
	}
	o.set(key, m)
	return Value{kind: Object, obj: o}
}

// Path walks nested objects. The error names the first missing segment.
func (v Value) Path(keys ...string) (Value, error) {
	cur := v
	for i, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(keys[:i+1], "."))
		}
		cur = next
	}
	return cur, nil
}

// Text renders scalars without JSON quoting; composites are rendered as JSON.
func (v Value) Text() string {
	switch v.kind {
	case String:
		return v.str
	case Null:
		return ""
	}
	return v.String()
}

func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

// Equal compares structurally. Numbers compare by value, object key order
// is ignored.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == o.b
	case Number:
		a, _ := v.Float()
		b, _ := o.Float()
		return a == b
	case String:
		return v.str == o.str
	case Array:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if v.Len() != o.Len() {
			return false
		}
		for _, k := range v.Keys() {
			om, ok := o.Get(k)
			if !ok {
				return false
			}
			vm, _ := v.Get(k)
			if !vm.Equal(om) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		if v.num == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(v.num.String())
	case String:
		data, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := v.obj.vals[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("encode value: unknown kind %d", v.kind)
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes exactly one JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, ErrTrailingData
	}
	return v, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("value: parse %q: %v", s, err))
	}
	return v
}

// FromGo converts an arbitrary Go value through its JSON encoding.
func FromGo(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	case json.RawMessage:
		return Parse(t)
	case nil:
		return Value{}, nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("marshal %T: %w", x, err)
	}
	return Parse(data)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: Number, num: t}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: Array, arr: items}, nil
		case '{':
			o := &object{vals: make(map[string]Value)}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T, not string", kt)
				}
				member, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				o.set(key, member)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: Object, obj: o}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected JSON token %v", tok)
}
