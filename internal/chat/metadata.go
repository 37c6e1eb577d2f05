package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetadataKind discriminates the closed set of metadata value shapes.
type MetadataKind string

const (
	MetadataKindString MetadataKind = "string"
	MetadataKindNumber MetadataKind = "number"
	MetadataKindBool   MetadataKind = "bool"
	MetadataKindMap    MetadataKind = "map"
)

// ErrInvalidMetadata indicates a metadata value with an unknown or malformed kind.
var ErrInvalidMetadata = errors.New("chat: invalid metadata value")

// MetadataValue is a tagged variant over string, number, bool, and nested
// map. The explicit discriminator keeps the wire format extensible without
// admitting arbitrary untyped payloads.
type MetadataValue struct {
	Kind   MetadataKind
	Str    string
	Num    float64
	Bool   bool
	Nested Metadata
}

// Metadata is a string-keyed collection of tagged values.
type Metadata map[string]MetadataValue

// StringValue wraps a string as a MetadataValue.
func StringValue(value string) MetadataValue {
	return MetadataValue{Kind: MetadataKindString, Str: value}
}

// NumberValue wraps a float64 as a MetadataValue.
func NumberValue(value float64) MetadataValue {
	return MetadataValue{Kind: MetadataKindNumber, Num: value}
}

// BoolValue wraps a bool as a MetadataValue.
func BoolValue(value bool) MetadataValue {
	return MetadataValue{Kind: MetadataKindBool, Bool: value}
}

// MapValue wraps a nested Metadata as a MetadataValue.
func MapValue(value Metadata) MetadataValue {
	return MetadataValue{Kind: MetadataKindMap, Nested: value}
}

type metadataValueWire struct {
	Kind   MetadataKind               `json:"kind"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// MarshalJSON encodes the value with its kind discriminator.
func (v MetadataValue) MarshalJSON() ([]byte, error) {
	wire := metadataValueWire{Kind: v.Kind}
	switch v.Kind {
	case MetadataKindString:
		raw, err := json.Marshal(v.Str)
		if err != nil {
			return nil, err
		}
		wire.Value = raw
	case MetadataKindNumber:
		raw, err := json.Marshal(v.Num)
		if err != nil {
			return nil, err
		}
		wire.Value = raw
	case MetadataKindBool:
		raw, err := json.Marshal(v.Bool)
		if err != nil {
			return nil, err
		}
		wire.Value = raw
	case MetadataKindMap:
		wire.Fields = make(map[string]json.RawMessage, len(v.Nested))
		for key, nested := range v.Nested {
			raw, err := json.Marshal(nested)
			if err != nil {
				return nil, err
			}
			wire.Fields[key] = raw
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidMetadata, v.Kind)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a tagged value, rejecting unknown kinds.
func (v *MetadataValue) UnmarshalJSON(data []byte) error {
	var wire metadataValueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case MetadataKindString:
		v.Kind = wire.Kind
		return json.Unmarshal(wire.Value, &v.Str)
	case MetadataKindNumber:
		v.Kind = wire.Kind
		return json.Unmarshal(wire.Value, &v.Num)
	case MetadataKindBool:
		v.Kind = wire.Kind
		return json.Unmarshal(wire.Value, &v.Bool)
	case MetadataKindMap:
		v.Kind = wire.Kind
		v.Nested = make(Metadata, len(wire.Fields))
		for key, raw := range wire.Fields {
			var nested MetadataValue
			if err := json.Unmarshal(raw, &nested); err != nil {
				return err
			}
			v.Nested[key] = nested
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidMetadata, wire.Kind)
	}
}

// EncodeMetadata serializes metadata for storage. Nil metadata encodes to
// the empty string.
func EncodeMetadata(metadata Metadata) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeMetadata parses a stored metadata column. The empty string decodes
// to nil.
func DecodeMetadata(encoded string) (Metadata, error) {
	if encoded == "" {
		return nil, nil
	}
	var metadata Metadata
	if err := json.Unmarshal([]byte(encoded), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}
