// Package serialization converts cache elements to and from the byte payloads
// stored by the block disk.
package serialization

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KevoDB/diskcache/pkg/element"
)

var (
	// ErrMalformed is returned when a payload cannot be decoded into an element
	ErrMalformed = errors.New("malformed element payload")
	// ErrUnknownSerializer is returned by New for an unsupported name
	ErrUnknownSerializer = errors.New("unknown serializer")
)

// Serializer converts elements to and from bytes.
type Serializer interface {
	Serialize(e *element.Element) ([]byte, error)
	Deserialize(data []byte) (*element.Element, error)
}

// Names accepted by New.
const (
	NameStandard = "standard"
	NameZstd     = "zstd"
	NameS2       = "s2"
)

// New returns the serializer registered under name. An empty name selects
// the standard serializer.
func New(name string) (Serializer, error) {
	switch name {
	case "", NameStandard:
		return Standard{}, nil
	case NameZstd:
		return NewCompressing(Standard{}, CodecZstd)
	case NameS2:
		return NewCompressing(Standard{}, CodecS2)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSerializer, name)
	}
}

// Field numbers of the standard element encoding.
const (
	fieldRegion     protowire.Number = 1
	fieldGroup      protowire.Number = 2
	fieldName       protowire.Number = 3
	fieldValue      protowire.Number = 4
	fieldCreateTime protowire.Number = 5
	fieldLastAccess protowire.Number = 6
	fieldMaxLife    protowire.Number = 7
	fieldFlags      protowire.Number = 8
)

const (
	flagEternal uint64 = 1 << iota
	flagSpool
)

// Standard encodes elements in the protobuf wire format. Unknown fields are
// skipped on decode so newer writers stay readable.
type Standard struct{}

// Serialize implements Serializer.
func (Standard) Serialize(e *element.Element) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot serialize nil element")
	}

	buf := make([]byte, 0, len(e.Value)+len(e.Key.Name)+len(e.Key.Group)+len(e.Region)+48)
	buf = appendString(buf, fieldRegion, e.Region)
	buf = appendString(buf, fieldGroup, e.Key.Group)
	buf = appendString(buf, fieldName, e.Key.Name)

	buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Value)

	buf = appendTime(buf, fieldCreateTime, e.Attributes.CreateTime)
	buf = appendTime(buf, fieldLastAccess, e.Attributes.LastAccess)
	if e.Attributes.MaxLife > 0 {
		buf = protowire.AppendTag(buf, fieldMaxLife, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.Attributes.MaxLife))
	}

	var flags uint64
	if e.Attributes.IsEternal {
		flags |= flagEternal
	}
	if e.Attributes.IsSpool {
		flags |= flagSpool
	}
	buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
	buf = protowire.AppendVarint(buf, flags)

	return buf, nil
}

// Deserialize implements Serializer.
func (Standard) Deserialize(data []byte) (*element.Element, error) {
	e := &element.Element{}
	var sawValue bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldRegion && typ == protowire.BytesType:
			e.Region, n = protowire.ConsumeString(data)
		case num == fieldGroup && typ == protowire.BytesType:
			e.Key.Group, n = protowire.ConsumeString(data)
		case num == fieldName && typ == protowire.BytesType:
			e.Key.Name, n = protowire.ConsumeString(data)
		case num == fieldValue && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				e.Value = append([]byte(nil), v...)
				sawValue = true
			}
		case num == fieldCreateTime && typ == protowire.VarintType:
			e.Attributes.CreateTime, n = consumeTime(data)
		case num == fieldLastAccess && typ == protowire.VarintType:
			e.Attributes.LastAccess, n = consumeTime(data)
		case num == fieldMaxLife && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			e.Attributes.MaxLife = time.Duration(v)
		case num == fieldFlags && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			e.Attributes.IsEternal = v&flagEternal != 0
			e.Attributes.IsSpool = v&flagSpool != 0
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if !sawValue || !e.Key.Valid() {
		return nil, fmt.Errorf("%w: missing key or value", ErrMalformed)
	}
	return e, nil
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendTime(buf []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(t.UnixNano()))
}

func consumeTime(data []byte) (time.Time, int) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return time.Time{}, n
	}
	return time.Unix(0, int64(v)), n
}
