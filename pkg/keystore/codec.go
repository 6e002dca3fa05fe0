package keystore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KevoDB/diskcache/pkg/element"
)

// keyFileMagic starts every key file in the current format.
var keyFileMagic = [4]byte{'B', 'D', 'K', '1'}

// maxRecordSize guards against allocating absurd buffers for corrupt lengths.
const maxRecordSize = 64 << 20

// Field numbers of a key file record.
const (
	recordGroup  protowire.Number = 1
	recordName   protowire.Number = 2
	recordBlocks protowire.Number = 3
)

// Format identifies the key file encoding that was read.
type Format int

const (
	FormatEmpty Format = iota
	FormatCurrent
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatEmpty:
		return "empty"
	case FormatCurrent:
		return "current"
	case FormatLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// keyFileDecoder is one strategy for reading a key file body.
type keyFileDecoder interface {
	format() Format
	decode(r *bufio.Reader) ([]Entry, error)
}

// currentDecoder reads back-to-back varint length delimited records.
type currentDecoder struct{}

// legacyDecoder reads a single gob encoded map written before the magic
// signature existed.
type legacyDecoder struct{}

// emptyDecoder handles zero length files.
type emptyDecoder struct{}

// selectDecoder picks a strategy from the first bytes of the file and
// consumes the signature when present.
func selectDecoder(r *bufio.Reader) (keyFileDecoder, error) {
	head, err := r.Peek(len(keyFileMagic))
	switch {
	case len(head) == 0 && errors.Is(err, io.EOF):
		return emptyDecoder{}, nil
	case bytes.Equal(head, keyFileMagic[:]):
		if _, err := r.Discard(len(keyFileMagic)); err != nil {
			return nil, err
		}
		return currentDecoder{}, nil
	case err != nil && !errors.Is(err, io.EOF):
		return nil, err
	default:
		return legacyDecoder{}, nil
	}
}

func (emptyDecoder) format() Format { return FormatEmpty }

func (emptyDecoder) decode(*bufio.Reader) ([]Entry, error) { return nil, nil }

func (currentDecoder) format() Format { return FormatCurrent }

func (currentDecoder) decode(r *bufio.Reader) ([]Entry, error) {
	var entries []Entry
	var buf []byte

	for {
		length, err := binary.ReadUvarint(r)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d length: %w", len(entries), err)
		}
		if length > maxRecordSize {
			return nil, fmt.Errorf("record %d length %d exceeds limit", len(entries), length)
		}

		if cap(buf) < int(length) {
			buf = make([]byte, length)
		}
		buf = buf[:length]
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("record %d body: %w", len(entries), err)
		}

		entry, err := decodeRecord(buf)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
}

func (legacyDecoder) format() Format { return FormatLegacy }

func (legacyDecoder) decode(r *bufio.Reader) ([]Entry, error) {
	var m map[element.Key][]uint32
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("legacy key map: %w", err)
	}

	entries := make([]Entry, 0, len(m))
	for k, blocks := range m {
		entries = append(entries, Entry{Key: k, Blocks: blocks})
	}
	return entries, nil
}

// appendRecord appends one length delimited record to buf.
func appendRecord(buf []byte, e Entry) []byte {
	var rec []byte
	if e.Key.Group != "" {
		rec = protowire.AppendTag(rec, recordGroup, protowire.BytesType)
		rec = protowire.AppendString(rec, e.Key.Group)
	}
	if e.Key.Name != "" {
		rec = protowire.AppendTag(rec, recordName, protowire.BytesType)
		rec = protowire.AppendString(rec, e.Key.Name)
	}

	var packed []byte
	for _, b := range e.Blocks {
		packed = protowire.AppendVarint(packed, uint64(b))
	}
	rec = protowire.AppendTag(rec, recordBlocks, protowire.BytesType)
	rec = protowire.AppendBytes(rec, packed)

	return protowire.AppendBytes(buf, rec)
}

func decodeRecord(data []byte) (Entry, error) {
	var e Entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Entry{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == recordGroup && typ == protowire.BytesType:
			e.Key.Group, n = protowire.ConsumeString(data)
		case num == recordName && typ == protowire.BytesType:
			e.Key.Name, n = protowire.ConsumeString(data)
		case num == recordBlocks && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(data)
			for len(packed) > 0 && n >= 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Entry{}, protowire.ParseError(m)
				}
				if v > math.MaxUint32 {
					return Entry{}, fmt.Errorf("block index %d out of range", v)
				}
				e.Blocks = append(e.Blocks, uint32(v))
				packed = packed[m:]
			}
		case num == recordBlocks && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			if n >= 0 && v > math.MaxUint32 {
				return Entry{}, fmt.Errorf("block index %d out of range", v)
			}
			e.Blocks = append(e.Blocks, uint32(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return Entry{}, protowire.ParseError(n)
		}
		data = data[n:]
	}

	if !e.Key.Valid() {
		return Entry{}, errors.New("record without key")
	}
	if len(e.Blocks) == 0 {
		return Entry{}, fmt.Errorf("record %q without blocks", e.Key)
	}
	return e, nil
}

// writeKeyFile writes the signature followed by one record per entry.
func writeKeyFile(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(keyFileMagic[:]); err != nil {
		return err
	}

	var buf []byte
	for _, e := range entries {
		buf = appendRecord(buf[:0], e)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// readKeyFile decodes a key file in any supported format.
func readKeyFile(r io.Reader) ([]Entry, Format, error) {
	br := bufio.NewReader(r)
	dec, err := selectDecoder(br)
	if err != nil {
		return nil, FormatEmpty, err
	}
	entries, err := dec.decode(br)
	return entries, dec.format(), err
}
