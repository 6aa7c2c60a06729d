// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bpowers/cask/internal/zero"
)

const (
	DefaultPageSize = 4096

	pageHeaderSize = 8
	lenPrefixSize  = 8
)

var (
	ErrPageFull = errors.New("hint page full")
	ErrCorrupt  = errors.New("corrupt hint data")
)

// Page is a fixed-size block that is filled from the end toward the
// start.  The first 8 bytes hold the free boundary: the offset of the
// most recently written record.  Each record is a uint64 length followed
// by that many bytes of payload.
//
//	+----------+--------- free ---------+-----+-------+-------+
//	| boundary |                        | len | rec n | ... 1 |
//	+----------+------------------------+-----+-------+-------+
//	0          8                    boundary            blockSize
type Page struct {
	blockSize int
	buf       []byte
	n         int
}

// NewPage returns an empty page of blockSize bytes.
func NewPage(blockSize int) *Page {
	p := &Page{
		blockSize: blockSize,
		buf:       make([]byte, blockSize),
	}
	p.setBoundary(blockSize)
	return p
}

func (p *Page) boundary() int {
	return int(binary.LittleEndian.Uint64(p.buf[:pageHeaderSize]))
}

func (p *Page) setBoundary(off int) {
	binary.LittleEndian.PutUint64(p.buf[:pageHeaderSize], uint64(off))
}

// Write stores rec below the records already in the page.  If it doesn't
// fit, Write returns ErrPageFull and leaves the page untouched.
func (p *Page) Write(rec []byte) error {
	need := lenPrefixSize + len(rec)
	start := p.boundary() - need
	if start < pageHeaderSize {
		return ErrPageFull
	}
	binary.LittleEndian.PutUint64(p.buf[start:start+lenPrefixSize], uint64(len(rec)))
	copy(p.buf[start+lenPrefixSize:], rec)
	p.setBoundary(start)
	p.n++
	return nil
}

// Flush writes the whole block at blockID * blockSize.
func (p *Page) Flush(w io.WriterAt, blockID int64) error {
	off := blockID * int64(p.blockSize)
	if n, err := w.WriteAt(p.buf, off); err != nil {
		return fmt.Errorf("WriteAt(%d): %w", off, err)
	} else if n != len(p.buf) {
		return fmt.Errorf("WriteAt(%d): short write of %d (wanted %d)", off, n, len(p.buf))
	}
	return nil
}

// Load replaces the page's contents with the block at blockID and checks
// that its records are well formed.
func (p *Page) Load(r io.ReaderAt, blockID int64) error {
	off := blockID * int64(p.blockSize)
	n, err := r.ReadAt(p.buf, off)
	if n != len(p.buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: block %d: read %d of %d bytes", ErrCorrupt, blockID, n, len(p.buf))
		}
		return fmt.Errorf("ReadAt(%d): %w", off, err)
	}

	recs, err := p.Records()
	if err != nil {
		p.Reset()
		return fmt.Errorf("block %d: %w", blockID, err)
	}
	p.n = len(recs)
	return nil
}

// Records returns the page's records, most recently written first.  The
// returned slices alias the page.
func (p *Page) Records() ([][]byte, error) {
	off := p.boundary()
	if off < pageHeaderSize || off > p.blockSize {
		return nil, fmt.Errorf("%w: free boundary %d outside [%d, %d]", ErrCorrupt, off, pageHeaderSize, p.blockSize)
	}

	var recs [][]byte
	for off < p.blockSize {
		if off+lenPrefixSize > p.blockSize {
			return nil, fmt.Errorf("%w: length prefix at %d runs past block", ErrCorrupt, off)
		}
		n := binary.LittleEndian.Uint64(p.buf[off : off+lenPrefixSize])
		off += lenPrefixSize
		if n > uint64(p.blockSize-off) {
			return nil, fmt.Errorf("%w: record of %d bytes at %d runs past block", ErrCorrupt, n, off)
		}
		end := off + int(n)
		recs = append(recs, p.buf[off:end:end])
		off = end
	}
	return recs, nil
}

// Reset empties the page for reuse.
func (p *Page) Reset() {
	zero.Bytes(p.buf)
	p.setBoundary(p.blockSize)
	p.n = 0
}

// Len is the number of records in the page.
func (p *Page) Len() int {
	return p.n
}

// Free is the number of unused bytes, including the space the next
// record's length prefix will take.
func (p *Page) Free() int {
	return p.boundary() - pageHeaderSize
}
