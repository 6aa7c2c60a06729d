// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hint

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/cask/internal/entry"
)

// RecordHeaderSize is the size of a hint record without its key.
const RecordHeaderSize = 4 + 1 + 8 + 8 + 8

// MinPageSize is the smallest page that can hold a hint record for a
// maximum-size key.
const MinPageSize = pageHeaderSize + lenPrefixSize + RecordHeaderSize + entry.MaxKeySize

// Record is the last state of one key in one segment: where its value
// lives, or that it was deleted.
type Record struct {
	Kind        entry.Kind
	Timestamp   int64
	ValueOffset int64
	ValueSize   uint64
	Key         []byte
}

// MarshalRecord encodes r as a page payload.
func MarshalRecord(r Record) ([]byte, error) {
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("invalid %s", r.Kind)
	}
	if len(r.Key) > entry.MaxKeySize {
		return nil, fmt.Errorf("%w: %d > %d bytes", entry.ErrKeyTooLarge, len(r.Key), entry.MaxKeySize)
	}

	buf := make([]byte, RecordHeaderSize+len(r.Key))
	buf[4] = byte(r.Kind)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(r.Timestamp))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(r.ValueOffset))
	binary.LittleEndian.PutUint64(buf[21:29], r.ValueSize)
	copy(buf[RecordHeaderSize:], r.Key)
	binary.LittleEndian.PutUint32(buf[:4], uint32(farm.Hash64(buf[4:])))
	return buf, nil
}

// UnmarshalRecord decodes and verifies a page payload.  The returned key
// aliases b.
func UnmarshalRecord(b []byte) (Record, error) {
	if len(b) < RecordHeaderSize {
		return Record{}, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, len(b))
	}
	if expected, actual := binary.LittleEndian.Uint32(b[:4]), uint32(farm.Hash64(b[4:])); expected != actual {
		return Record{}, fmt.Errorf("%w: checksum failed (%d != %d)", ErrCorrupt, expected, actual)
	}
	r := Record{
		Kind:        entry.Kind(b[4]),
		Timestamp:   int64(binary.LittleEndian.Uint64(b[5:13])),
		ValueOffset: int64(binary.LittleEndian.Uint64(b[13:21])),
		ValueSize:   binary.LittleEndian.Uint64(b[21:29]),
		Key:         b[RecordHeaderSize:len(b):len(b)],
	}
	if !r.Kind.Valid() {
		return Record{}, fmt.Errorf("%w: %s", ErrCorrupt, r.Kind)
	}
	if len(r.Key) > entry.MaxKeySize || r.ValueSize > entry.MaxValueSize || r.ValueOffset < 0 {
		return Record{}, fmt.Errorf("%w: key size %d, value size %d, offset %d", ErrCorrupt, len(r.Key), r.ValueSize, r.ValueOffset)
	}
	if r.Kind == entry.KindTombstone && r.ValueSize != 0 {
		return Record{}, fmt.Errorf("%w: tombstone with value size %d", ErrCorrupt, r.ValueSize)
	}
	return r, nil
}
