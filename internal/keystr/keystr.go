package keystr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type-class prefixes, ordered by the canonical BSON comparison order.
// Byte-wise comparison of encoded keys must agree with that order across
// every node, since both the scan order and the digest input depend on it.
const (
	classMinKey    = 0x05
	classUndefined = 0x0a
	classNull      = 0x10
	classNumber    = 0x20
	classString    = 0x3c
	classBinary    = 0x5a
	classObjectID  = 0x64
	classBool      = 0x6e
	classDateTime  = 0x78
	classTimestamp = 0x82
	classMaxKey    = 0xf0
)

const RecordIDSize = 8

// AppendValue appends the order-preserving encoding of a single BSON value.
func AppendValue(dst []byte, v bson.RawValue) ([]byte, error) {
	switch v.Type {
	case bsontype.MinKey:
		return append(dst, classMinKey), nil
	case bsontype.MaxKey:
		return append(dst, classMaxKey), nil
	case bsontype.Undefined:
		return append(dst, classUndefined), nil
	case bsontype.Null:
		return append(dst, classNull), nil
	case bsontype.Double:
		return appendNumber(dst, v.Double()), nil
	case bsontype.Int32:
		return appendNumber(dst, float64(v.Int32())), nil
	case bsontype.Int64:
		return appendNumber(dst, float64(v.Int64())), nil
	case bsontype.String:
		dst = append(dst, classString)
		return appendEscaped(dst, []byte(v.StringValue())), nil
	case bsontype.Binary:
		sub, data := v.Binary()
		dst = append(dst, classBinary, sub)
		return appendEscaped(dst, data), nil
	case bsontype.ObjectID:
		oid := v.ObjectID()
		dst = append(dst, classObjectID)
		return append(dst, oid[:]...), nil
	case bsontype.Boolean:
		dst = append(dst, classBool)
		if v.Boolean() {
			return append(dst, 0x01), nil
		}
		return append(dst, 0x00), nil
	case bsontype.DateTime:
		dst = append(dst, classDateTime)
		return appendOrderedInt64(dst, v.DateTime()), nil
	case bsontype.Timestamp:
		t, i := v.Timestamp()
		dst = append(dst, classTimestamp)
		return binary.BigEndian.AppendUint64(dst, uint64(t)<<32|uint64(i)), nil
	default:
		return nil, fmt.Errorf("unsupported key type %s", v.Type)
	}
}

// Encode encodes a compound key as the concatenation of its component
// values. Each component is self-terminating, so concatenated keys still
// compare correctly byte-wise.
func Encode(vals ...bson.RawValue) ([]byte, error) {
	var dst []byte
	var err error
	for _, v := range vals {
		dst, err = AppendValue(dst, v)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// Decode reverses Encode, returning the component values in order.
// Numeric components decode as doubles; the class byte does not retain
// the original integer width.
func Decode(key []byte) ([]bson.RawValue, error) {
	var vals []bson.RawValue
	for len(key) > 0 {
		v, rest, err := decodeOne(key)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		key = rest
	}
	return vals, nil
}

func decodeOne(key []byte) (bson.RawValue, []byte, error) {
	if len(key) == 0 {
		return bson.RawValue{}, nil, fmt.Errorf("empty key")
	}
	class, rest := key[0], key[1:]
	switch class {
	case classMinKey:
		return bson.RawValue{Type: bsontype.MinKey}, rest, nil
	case classMaxKey:
		return bson.RawValue{Type: bsontype.MaxKey}, rest, nil
	case classUndefined:
		return bson.RawValue{Type: bsontype.Undefined}, rest, nil
	case classNull:
		return bson.RawValue{Type: bsontype.Null}, rest, nil
	case classNumber:
		if len(rest) < 8 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated number key")
		}
		f := orderedBitsToFloat(binary.BigEndian.Uint64(rest[:8]))
		buf := binary.LittleEndian.AppendUint64(nil, math.Float64bits(f))
		return bson.RawValue{Type: bsontype.Double, Value: buf}, rest[8:], nil
	case classString:
		s, rest, err := decodeEscaped(rest)
		if err != nil {
			return bson.RawValue{}, nil, err
		}
		buf := binary.LittleEndian.AppendUint32(nil, uint32(len(s)+1))
		buf = append(buf, s...)
		buf = append(buf, 0x00)
		return bson.RawValue{Type: bsontype.String, Value: buf}, rest, nil
	case classBinary:
		if len(rest) < 1 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated binary key")
		}
		sub := rest[0]
		data, rest, err := decodeEscaped(rest[1:])
		if err != nil {
			return bson.RawValue{}, nil, err
		}
		buf := binary.LittleEndian.AppendUint32(nil, uint32(len(data)))
		buf = append(buf, sub)
		buf = append(buf, data...)
		return bson.RawValue{Type: bsontype.Binary, Value: buf}, rest, nil
	case classObjectID:
		if len(rest) < 12 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated objectid key")
		}
		return bson.RawValue{Type: bsontype.ObjectID, Value: append([]byte(nil), rest[:12]...)}, rest[12:], nil
	case classBool:
		if len(rest) < 1 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated bool key")
		}
		return bson.RawValue{Type: bsontype.Boolean, Value: rest[:1]}, rest[1:], nil
	case classDateTime:
		if len(rest) < 8 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated datetime key")
		}
		ms := orderedUint64ToInt64(binary.BigEndian.Uint64(rest[:8]))
		buf := binary.LittleEndian.AppendUint64(nil, uint64(ms))
		return bson.RawValue{Type: bsontype.DateTime, Value: buf}, rest[8:], nil
	case classTimestamp:
		if len(rest) < 8 {
			return bson.RawValue{}, nil, fmt.Errorf("truncated timestamp key")
		}
		packed := binary.BigEndian.Uint64(rest[:8])
		buf := binary.LittleEndian.AppendUint32(nil, uint32(packed))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(packed>>32))
		return bson.RawValue{Type: bsontype.Timestamp, Value: buf}, rest[8:], nil
	default:
		return bson.RawValue{}, nil, fmt.Errorf("unknown key class 0x%02x", class)
	}
}

// Rehydrate decodes an encoded key back into a document shaped like the
// key pattern, pairing decoded values with the pattern's field names.
func Rehydrate(pattern bson.D, key []byte) (bson.D, error) {
	vals, err := Decode(key)
	if err != nil {
		return nil, err
	}
	if len(vals) != len(pattern) {
		return nil, fmt.Errorf("key has %d components, pattern has %d fields", len(vals), len(pattern))
	}
	doc := make(bson.D, 0, len(pattern))
	for i, elem := range pattern {
		doc = append(doc, bson.E{Key: elem.Key, Value: ValueToGo(vals[i])})
	}
	return doc, nil
}

// ValueToGo converts a decoded raw value into the matching driver type,
// for readable health log output.
func ValueToGo(v bson.RawValue) interface{} {
	switch v.Type {
	case bsontype.MinKey:
		return primitive.MinKey{}
	case bsontype.MaxKey:
		return primitive.MaxKey{}
	case bsontype.Undefined:
		return primitive.Undefined{}
	case bsontype.Null:
		return primitive.Null{}
	case bsontype.Double:
		return v.Double()
	case bsontype.String:
		return v.StringValue()
	case bsontype.Binary:
		sub, data := v.Binary()
		return primitive.Binary{Subtype: sub, Data: data}
	case bsontype.ObjectID:
		return v.ObjectID()
	case bsontype.Boolean:
		return v.Boolean()
	case bsontype.DateTime:
		return primitive.DateTime(v.DateTime())
	case bsontype.Timestamp:
		t, i := v.Timestamp()
		return primitive.Timestamp{T: t, I: i}
	default:
		return v
	}
}

// AppendRecordID appends the record location suffix to an index entry key.
func AppendRecordID(key []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(key, id)
}

// SplitRecordID splits an index entry key into the value part and the
// trailing record location.
func SplitRecordID(key []byte) ([]byte, uint64, error) {
	if len(key) < RecordIDSize {
		return nil, 0, fmt.Errorf("key too short for record id: %d bytes", len(key))
	}
	cut := len(key) - RecordIDSize
	return key[:cut], binary.BigEndian.Uint64(key[cut:]), nil
}

// Compare compares two encoded keys.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func appendNumber(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	dst = append(dst, classNumber)
	return binary.BigEndian.AppendUint64(dst, bits)
}

func orderedBitsToFloat(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func appendOrderedInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v)^(1<<63))
}

func orderedUint64ToInt64(u uint64) int64 {
	return int64(u ^ (1 << 63))
}

// appendEscaped writes variable-length bytes so that the terminator sorts
// below every possible continuation: literal 0x00 becomes 0x00 0xff and
// the terminator is 0x00 0x00.
func appendEscaped(dst, data []byte) []byte {
	for _, b := range data {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xff)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

func decodeEscaped(key []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(key); i++ {
		b := key[i]
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		if i+1 >= len(key) {
			return nil, nil, fmt.Errorf("truncated escape sequence")
		}
		switch key[i+1] {
		case 0x00:
			return out, key[i+2:], nil
		case 0xff:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("invalid escape byte 0x%02x", key[i+1])
		}
	}
	return nil, nil, fmt.Errorf("unterminated key bytes")
}
