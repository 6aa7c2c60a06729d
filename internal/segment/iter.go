// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/bpowers/cask/internal/entry"
)

const iterBufferSize = 256 * 1024

// Item is one record yielded by Iter.
type Item struct {
	Entry entry.Entry
	// Offset is where the record starts.
	Offset int64
	// ValueOffset is where the record's value starts; this is what the
	// keydir points at.
	ValueOffset int64
}

// Iter replays a segment's records from the beginning.  It is lazy,
// finite and forward-only; call Segment.Iter or Reset to start over.
type Iter struct {
	s   *Segment
	r   *bufio.Reader
	off int64
	end int64
	err error
}

// Iter returns an iterator over the records currently in the segment.
// Records appended after the call are not visited.
func (s *Segment) Iter() *Iter {
	it := &Iter{s: s}
	it.Reset()
	return it
}

// Reset rewinds the iterator to the first record.
func (it *Iter) Reset() {
	it.off = FileHeaderSize
	it.end = it.s.Size()
	it.err = nil
	section := io.NewSectionReader(it.s.f, it.off, it.end-it.off)
	if it.r == nil {
		it.r = bufio.NewReaderSize(section, iterBufferSize)
	} else {
		it.r.Reset(section)
	}
}

// Next returns the next record.  It returns false at the end of the
// segment or at the first record that can't be decoded; Err tells the
// two apart.
func (it *Iter) Next() (Item, bool) {
	if it.err != nil || it.off >= it.end {
		return Item{}, false
	}

	var headerBuf [entry.HeaderSize]byte
	if _, err := io.ReadFull(it.r, headerBuf[:]); err != nil {
		it.fail(err)
		return Item{}, false
	}
	h, err := entry.DecodeHeader(headerBuf[:])
	if err != nil {
		it.fail(err)
		return Item{}, false
	}
	if it.off+h.Len() > it.end {
		it.fail(fmt.Errorf("%w: record of %d bytes runs past end of segment (%d)", ErrShortRead, h.Len(), it.end))
		return Item{}, false
	}

	rec := make([]byte, h.Len())
	copy(rec, headerBuf[:])
	if _, err := io.ReadFull(it.r, rec[entry.HeaderSize:]); err != nil {
		it.fail(err)
		return Item{}, false
	}
	e, n, err := entry.DecodeBody(h, rec)
	if err != nil {
		it.fail(err)
		return Item{}, false
	}

	item := Item{
		Entry:       e,
		Offset:      it.off,
		ValueOffset: it.off + h.ValueOffset(),
	}
	it.off += int64(n)
	return item, true
}

func (it *Iter) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	it.err = fmt.Errorf("segment %d offset %d: %w", it.s.id, it.off, err)
}

// Err returns the reason iteration stopped early, or nil if it reached
// the end of the segment (or hasn't finished yet).
func (it *Iter) Err() error {
	return it.err
}

// Offset is the end of the last good record visited.  After a failed
// iteration it marks where the torn or corrupt tail begins.
func (it *Iter) Offset() int64 {
	return it.off
}
