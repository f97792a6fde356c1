// Package row defines the opaque row encoding used only by the hash-join
// operator (package join): a flat, ordered mapping from field name to a
// scalar value. The storage engine itself never interprets page
// contents — row encoding is explicitly the join collaborator's concern,
// not the core's — so this format is fixed here, once, for that one
// consumer.
package row

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ValueType tags the wire type of a Field's value.
type ValueType byte

const (
	TypeNull   ValueType = 0
	TypeString ValueType = 1
	TypeInt64  ValueType = 2
	TypeFloat64 ValueType = 3
	TypeBool   ValueType = 4
)

// Field is one named value in a Row.
type Field struct {
	Name  string
	Type  ValueType
	Value interface{} // string | int64 | float64 | bool | nil
}

// Row is an ordered set of fields, the unit the hash-join operator
// consumes and produces.
type Row struct {
	Fields []Field
}

// New creates an empty row.
func New() *Row {
	return &Row{}
}

// Set adds or overwrites a named field.
func (r *Row) Set(name string, value interface{}) {
	t, v := inferType(value)
	for i, f := range r.Fields {
		if f.Name == name {
			r.Fields[i].Type, r.Fields[i].Value = t, v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Type: t, Value: v})
}

// Get returns a field's value, if present.
func (r *Row) Get(name string) (interface{}, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of r.
func (r *Row) Clone() *Row {
	out := &Row{Fields: make([]Field, len(r.Fields))}
	copy(out.Fields, r.Fields)
	return out
}

func inferType(value interface{}) (ValueType, interface{}) {
	switch v := value.(type) {
	case nil:
		return TypeNull, nil
	case string:
		return TypeString, v
	case int:
		return TypeInt64, int64(v)
	case int64:
		return TypeInt64, v
	case float64:
		return TypeFloat64, v
	case bool:
		return TypeBool, v
	default:
		return TypeNull, nil
	}
}

// ---------- binary encoding ----------
//
// Format: [field_count:uint16] then, per field:
//   [name_len:uint16][name bytes][type:byte][value bytes...]
// string values are [len:uint32][bytes]; int64/float64 are 8 bytes;
// bool is 1 byte; null has no value bytes.

// Encode serializes r to its binary wire form.
func (r *Row) Encode() ([]byte, error) {
	buf := make([]byte, 2, 128)
	binary.LittleEndian.PutUint16(buf, uint16(len(r.Fields)))

	for _, f := range r.Fields {
		if len(f.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("row: field name too long: %s", f.Name)
		}
		nameLen := make([]byte, 2)
		binary.LittleEndian.PutUint16(nameLen, uint16(len(f.Name)))
		buf = append(buf, nameLen...)
		buf = append(buf, f.Name...)
		buf = append(buf, byte(f.Type))

		valBytes, err := encodeValue(f.Type, f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	return buf, nil
}

// Decode parses a Row from its binary wire form.
func Decode(data []byte) (*Row, error) {
	if len(data) < 2 {
		return nil, errors.New("row: data too short")
	}
	r := New()
	off := 0
	count := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return nil, errors.New("row: truncated field name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen > len(data) {
			return nil, errors.New("row: truncated field name")
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		if off >= len(data) {
			return nil, errors.New("row: truncated field type")
		}
		t := ValueType(data[off])
		off++

		val, n, err := decodeValue(t, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		r.Fields = append(r.Fields, Field{Name: name, Type: t, Value: val})
	}
	return r, nil
}

func encodeValue(t ValueType, v interface{}) ([]byte, error) {
	switch t {
	case TypeNull:
		return nil, nil
	case TypeBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.(int64)))
		return buf, nil
	case TypeFloat64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case TypeString:
		s := v.(string)
		buf := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(buf, uint32(len(s)))
		copy(buf[4:], s)
		return buf, nil
	default:
		return nil, fmt.Errorf("row: unknown value type %d", t)
	}
}

func decodeValue(t ValueType, data []byte) (interface{}, int, error) {
	switch t {
	case TypeNull:
		return nil, 0, nil
	case TypeBool:
		if len(data) < 1 {
			return nil, 0, errors.New("row: truncated bool")
		}
		return data[0] != 0, 1, nil
	case TypeInt64:
		if len(data) < 8 {
			return nil, 0, errors.New("row: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, nil
	case TypeFloat64:
		if len(data) < 8 {
			return nil, 0, errors.New("row: truncated float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case TypeString:
		if len(data) < 4 {
			return nil, 0, errors.New("row: truncated string length")
		}
		slen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+slen {
			return nil, 0, errors.New("row: truncated string")
		}
		return string(data[4 : 4+slen]), 4 + slen, nil
	default:
		return nil, 0, fmt.Errorf("row: unknown value type %d", t)
	}
}

// KeyString renders a value to the string form used for join-key
// equality, matching the spec's "key equality is on the string form of
// the key field" rule.
func KeyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
