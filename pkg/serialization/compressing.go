package serialization

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/KevoDB/diskcache/pkg/element"
)

// ErrUnknownCodec is returned when a payload carries an unsupported codec tag
var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec identifies the compression applied to a payload. It is stored as the
// first byte of every compressed payload.
type Codec byte

const (
	CodecNone Codec = iota
	CodecZstd
	CodecS2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecS2:
		return "s2"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// Compressing wraps another serializer and compresses its output. Payloads
// written with any codec can be read back regardless of the configured one.
type Compressing struct {
	inner Serializer
	codec Codec

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressing creates a compressing serializer around inner.
func NewCompressing(inner Serializer, codec Codec) (*Compressing, error) {
	if inner == nil {
		return nil, errors.New("inner serializer cannot be nil")
	}
	switch codec {
	case CodecNone, CodecZstd, CodecS2:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &Compressing{
		inner:   inner,
		codec:   codec,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Codec returns the codec used for new payloads.
func (c *Compressing) Codec() Codec {
	return c.codec
}

// Serialize implements Serializer.
func (c *Compressing) Serialize(e *element.Element) ([]byte, error) {
	raw, err := c.inner.Serialize(e)
	if err != nil {
		return nil, err
	}

	out := []byte{byte(c.codec)}
	switch c.codec {
	case CodecZstd:
		out = c.encoder.EncodeAll(raw, out)
	case CodecS2:
		out = append(out, s2.Encode(nil, raw)...)
	default:
		out = append(out, raw...)
	}
	return out, nil
}

// Deserialize implements Serializer.
func (c *Compressing) Deserialize(data []byte) (*element.Element, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var raw []byte
	var err error
	switch Codec(data[0]) {
	case CodecNone:
		raw = data[1:]
	case CodecZstd:
		raw, err = c.decoder.DecodeAll(data[1:], nil)
	case CodecS2:
		raw, err = s2.Decode(nil, data[1:])
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCodec, data[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
	}

	return c.inner.Deserialize(raw)
}

// Close releases the codec resources.
func (c *Compressing) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
