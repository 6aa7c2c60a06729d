// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package entry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgryski/go-farm"
)

const (
	HeaderSize = 4 + 1 + 8 + 8 + 8 // checksum + kind + timestamp + key size + value size

	MaxKeySize   = 1 << 10
	MaxValueSize = (1 << 30) - 1

	kindOff      = 4
	timestampOff = 5
	keySizeOff   = 13
	valueSizeOff = 21
)

var (
	ErrCorrupt       = errors.New("corrupt record")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
)

// Kind discriminates live values from deletions.  The zero value is
// deliberately invalid so a zeroed region of a file never decodes.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindTombstone
)

func (k Kind) Valid() bool {
	return k == KindPut || k == KindTombstone
}

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is a single decoded record.  Key and Value may alias the buffer
// they were decoded from.
type Entry struct {
	Kind      Kind
	Timestamp int64
	Key       []byte
	Value     []byte
}

func Put(key, value []byte, ts int64) Entry {
	return Entry{Kind: KindPut, Timestamp: ts, Key: key, Value: value}
}

func Tombstone(key []byte, ts int64) Entry {
	return Entry{Kind: KindTombstone, Timestamp: ts, Key: key}
}

// Len is the number of bytes the encoded record occupies.
func (e Entry) Len() int {
	return HeaderSize + len(e.Key) + len(e.Value)
}

// ValueOffset is the offset of the value relative to the start of the record.
func (e Entry) ValueOffset() int {
	return HeaderSize + len(e.Key)
}

// Validate checks the entry can be encoded.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid %s", e.Kind)
	}
	if len(e.Key) > MaxKeySize {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(e.Key), MaxKeySize)
	}
	if len(e.Value) > MaxValueSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(e.Value), MaxValueSize)
	}
	if e.Kind == KindTombstone && len(e.Value) != 0 {
		return errors.New("tombstone must not carry a value")
	}
	return nil
}

// Encode returns the on-disk representation of e.
func Encode(e Entry) ([]byte, error) {
	return AppendEncode(make([]byte, 0, e.Len()), e)
}

// AppendEncode appends the encoded form of e to dst.
func AppendEncode(dst []byte, e Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return dst, err
	}

	start := len(dst)
	var header [HeaderSize]byte
	header[kindOff] = byte(e.Kind)
	binary.LittleEndian.PutUint64(header[timestampOff:keySizeOff], uint64(e.Timestamp))
	binary.LittleEndian.PutUint64(header[keySizeOff:valueSizeOff], uint64(len(e.Key)))
	binary.LittleEndian.PutUint64(header[valueSizeOff:HeaderSize], uint64(len(e.Value)))

	dst = append(dst, header[:]...)
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)

	rec := dst[start:]
	binary.LittleEndian.PutUint32(rec[:kindOff], checksum(rec[kindOff:]))

	return dst, nil
}

func checksum(b []byte) uint32 {
	return uint32(farm.Hash64(b))
}

// Header is the fixed-size prefix of a record.
type Header struct {
	Checksum  uint32
	Kind      Kind
	Timestamp int64
	KeySize   uint64
	ValueSize uint64
}

// DecodeHeader parses and sanity checks a record header.  It does not
// verify the checksum, which needs the rest of the record.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrCorrupt, HeaderSize, len(b))
	}
	// bounds check elimination
	_ = b[HeaderSize-1]

	h := Header{
		Checksum:  binary.LittleEndian.Uint32(b[:kindOff]),
		Kind:      Kind(b[kindOff]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[timestampOff:keySizeOff])),
		KeySize:   binary.LittleEndian.Uint64(b[keySizeOff:valueSizeOff]),
		ValueSize: binary.LittleEndian.Uint64(b[valueSizeOff:HeaderSize]),
	}
	if !h.Kind.Valid() {
		return Header{}, fmt.Errorf("%w: %s", ErrCorrupt, h.Kind)
	}
	if h.KeySize > MaxKeySize || h.ValueSize > MaxValueSize {
		return Header{}, fmt.Errorf("%w: key size %d, value size %d out of range", ErrCorrupt, h.KeySize, h.ValueSize)
	}
	if h.Kind == KindTombstone && h.ValueSize != 0 {
		return Header{}, fmt.Errorf("%w: tombstone with value size %d", ErrCorrupt, h.ValueSize)
	}
	return h, nil
}

// Len is the length of the whole record described by h.
func (h Header) Len() int64 {
	return HeaderSize + int64(h.KeySize) + int64(h.ValueSize)
}

// ValueOffset is the offset of the value relative to the start of the record.
func (h Header) ValueOffset() int64 {
	return HeaderSize + int64(h.KeySize)
}

// Decode parses the record starting at buf[off:].  It returns the entry
// and the number of bytes consumed.  The returned key and value alias buf.
func Decode(buf []byte, off int) (Entry, int, error) {
	if off < 0 || off > len(buf) {
		return Entry{}, 0, fmt.Errorf("%w: offset %d outside buffer of %d bytes", ErrCorrupt, off, len(buf))
	}
	rec := buf[off:]
	h, err := DecodeHeader(rec)
	if err != nil {
		return Entry{}, 0, err
	}
	if h.Len() > int64(len(rec)) {
		return Entry{}, 0, fmt.Errorf("%w: record of %d bytes runs past buffer (%d remaining)", ErrCorrupt, h.Len(), len(rec))
	}
	return finish(h, rec[:h.Len()])
}

// DecodeBody verifies and decodes a full record whose header has already
// been parsed into h.  rec must hold exactly h.Len() bytes.
func DecodeBody(h Header, rec []byte) (Entry, int, error) {
	if int64(len(rec)) != h.Len() {
		return Entry{}, 0, fmt.Errorf("%w: record length %d, header says %d", ErrCorrupt, len(rec), h.Len())
	}
	return finish(h, rec)
}

func finish(h Header, rec []byte) (Entry, int, error) {
	if actual := checksum(rec[kindOff:]); actual != h.Checksum {
		return Entry{}, 0, fmt.Errorf("%w: checksum failed (%d != %d)", ErrCorrupt, h.Checksum, actual)
	}
	keyEnd := HeaderSize + int(h.KeySize)
	e := Entry{
		Kind:      h.Kind,
		Timestamp: h.Timestamp,
		Key:       rec[HeaderSize:keyEnd:keyEnd],
		Value:     rec[keyEnd:],
	}
	return e, len(rec), nil
}
