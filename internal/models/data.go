package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type valueKind uint8

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
	kindRaw
)

// Value is one entry of an open event/payload map. It holds a string, a
// number, a bool, null, or an already-encoded nested JSON document.
type Value struct {
	kind valueKind
	str  string
	num  float64
	b    bool
	raw  json.RawMessage
}

func String(s string) Value  { return Value{kind: kindString, str: s} }
func Number(n float64) Value { return Value{kind: kindNumber, num: n} }
func Int(n int) Value        { return Value{kind: kindNumber, num: float64(n)} }
func Bool(b bool) Value      { return Value{kind: kindBool, b: b} }
func Null() Value            { return Value{} }

// Raw wraps a nested JSON document. Invalid JSON is stored as null.
func Raw(doc json.RawMessage) Value {
	if !json.Valid(doc) {
		return Value{}
	}
	return Value{kind: kindRaw, raw: append(json.RawMessage(nil), doc...)}
}

func (v Value) IsNull() bool { return v.kind == kindNull }

// Str returns the string form of a string value, or its JSON text otherwise.
func (v Value) Str() string {
	switch v.kind {
	case kindString:
		return v.str
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindRaw:
		return string(v.raw)
	default:
		return ""
	}
}

func (v Value) Num() (float64, bool) {
	return v.num, v.kind == kindNumber
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindString:
		return json.Marshal(v.str)
	case kindNumber:
		return json.Marshal(v.num)
	case kindBool:
		return json.Marshal(v.b)
	case kindRaw:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty value")
	}

	switch trimmed[0] {
	case 'n':
		*v = Null()
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '{', '[':
		if !json.Valid(trimmed) {
			return fmt.Errorf("invalid nested value")
		}
		*v = Value{kind: kindRaw, raw: append(json.RawMessage(nil), trimmed...)}
		return nil
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		*v = Number(n)
		return nil
	}
}

// Data is the schema-open key/value extension point on events and payloads.
type Data map[string]Value

// String returns the string form of key, or "" when absent.
func (d Data) String(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	return v.Str()
}

func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}
