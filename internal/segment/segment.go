// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package segment implements cask's append-only log files.
//
// A segment is a 64-byte file header followed by back-to-back records in
// the format of package entry.  Exactly one segment per store is active
// and accepts appends; every other segment is sealed and never modified
// again.  Segments are reference counted so that a segment retired by a
// merge stays open until the last reader is done with it.
package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/bpowers/cask/internal/entry"
)

var (
	ErrShortRead       = errors.New("short read")
	ErrSealed          = errors.New("segment is sealed")
	ErrTruncatedHeader = errors.New("segment shorter than its file header")
)

// File is usually an *os.File, but specified as an interface for easier testing.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// Option configures a newly created segment.
type Option func(*options)

type options struct {
	syncWrites bool
}

// WithSyncWrites makes every Append fsync before returning.
func WithSyncWrites(sync bool) Option {
	return func(opts *options) {
		opts.syncWrites = sync
	}
}

type Segment struct {
	id    uint64
	epoch uint64
	path  string
	f     File

	syncWrites bool
	sealed     atomic.Bool
	// size is the end of the last complete record: the write cursor.
	size atomic.Int64

	refs       atomic.Int64
	dropped    atomic.Bool
	remove     bool
	companions []string
}

// Create makes a new, empty, active segment at path.  It fails if a file
// already exists there.
func Create(path string, id, epoch uint64, opts ...Option) (*Segment, error) {
	var options options
	for _, opt := range opts {
		opt(&options)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	s, err := newSegment(f, path, id, epoch, options)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return s, nil
}

func newSegment(f File, path string, id, epoch uint64, options options) (*Segment, error) {
	var headerBuf [FileHeaderSize]byte
	if err := newFileHeader(id, epoch).MarshalTo(headerBuf[:]); err != nil {
		return nil, err
	}
	if n, err := f.WriteAt(headerBuf[:], 0); err != nil {
		return nil, fmt.Errorf("f.WriteAt: %w", err)
	} else if n != FileHeaderSize {
		return nil, fmt.Errorf("f.WriteAt: short write of %d (wanted %d)", n, FileHeaderSize)
	}
	// try to expose errors when writing to the backing file early
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("f.Sync: %w", err)
	}

	s := &Segment{
		id:         id,
		epoch:      epoch,
		path:       path,
		f:          f,
		syncWrites: options.syncWrites,
	}
	s.size.Store(FileHeaderSize)
	s.refs.Store(1)
	return s, nil
}

// Open opens an existing segment read-only.  The returned segment is
// sealed.  A file too short to hold a header returns ErrTruncatedHeader:
// it was created but never held a committed record.
func Open(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}

	stats, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if stats.Size() < FileHeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w (%d < %d)", path, ErrTruncatedHeader, stats.Size(), FileHeaderSize)
	}

	headerBuf := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.ReadAt: %w", err)
	}
	var header fileHeader
	if err := header.UnmarshalBytes(headerBuf); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fileHeader.UnmarshalBytes(%s): %w", path, err)
	}

	s := &Segment{
		id:    header.id,
		epoch: header.epoch,
		path:  path,
		f:     f,
	}
	s.size.Store(stats.Size())
	s.sealed.Store(true)
	s.refs.Store(1)
	return s, nil
}

func (s *Segment) ID() uint64 {
	return s.id
}

// Epoch orders segments for replay: segments replay in (epoch, id) order.
func (s *Segment) Epoch() uint64 {
	return s.epoch
}

func (s *Segment) Path() string {
	return s.path
}

// Size is the offset just past the last complete record.
func (s *Segment) Size() int64 {
	return s.size.Load()
}

func (s *Segment) Sealed() bool {
	return s.sealed.Load()
}

// Empty reports whether the segment holds no records.
func (s *Segment) Empty() bool {
	return s.Size() <= FileHeaderSize
}

// Append writes e at the end of the segment and returns the offset at
// which its value begins.  The write cursor only advances once the whole
// record is written, so a failed append is overwritten by the next one
// instead of becoming a torn record in the middle of the log.
func (s *Segment) Append(e entry.Entry) (valueOff int64, err error) {
	if s.sealed.Load() {
		return 0, ErrSealed
	}

	buf, err := entry.Encode(e)
	if err != nil {
		return 0, err
	}

	off := s.size.Load()
	n, err := s.f.WriteAt(buf, off)
	if err != nil {
		return 0, fmt.Errorf("f.WriteAt(%d): %w", off, err)
	} else if n != len(buf) {
		return 0, fmt.Errorf("f.WriteAt(%d): short write of %d (wanted %d)", off, n, len(buf))
	}
	if s.syncWrites {
		if err := s.f.Sync(); err != nil {
			return 0, fmt.Errorf("f.Sync: %w", err)
		}
	}

	s.size.Store(off + int64(len(buf)))
	return off + int64(e.ValueOffset()), nil
}

// ReadValue reads exactly size bytes at off.  A segment shorter than
// off+size means a stale index entry or corruption and is reported as
// ErrShortRead.
func (s *Segment) ReadValue(off int64, size uint64) ([]byte, error) {
	if off < FileHeaderSize {
		return nil, fmt.Errorf("offset %d inside segment header", off)
	}
	buf := make([]byte, size)
	n, err := s.f.ReadAt(buf, off)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: segment %d: read %d of %d bytes at offset %d", ErrShortRead, s.id, n, size, off)
	}
	return nil, fmt.Errorf("f.ReadAt(%d, len: %d): %w", off, size, err)
}

// ReadEntry reads and verifies the record of length recordLen at off.
func (s *Segment) ReadEntry(off, recordLen int64) (entry.Entry, error) {
	if recordLen < entry.HeaderSize {
		return entry.Entry{}, fmt.Errorf("%w: record length %d", entry.ErrCorrupt, recordLen)
	}
	buf, err := s.ReadValue(off, uint64(recordLen))
	if err != nil {
		return entry.Entry{}, err
	}
	e, _, err := entry.Decode(buf, 0)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("segment %d offset %d: %w", s.id, off, err)
	}
	return e, nil
}

// Sync flushes the segment to stable storage.
func (s *Segment) Sync() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}
	return nil
}

// Seal syncs the segment and makes it read-only.  Sealing twice is a no-op.
func (s *Segment) Seal() error {
	if s.sealed.Load() {
		return nil
	}
	if err := s.Sync(); err != nil {
		return err
	}
	s.sealed.Store(true)
	// make the file read-only
	if err := os.Chmod(s.path, 0444); err != nil {
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	return nil
}

// Acquire takes a reference for a reader.  It returns false if the
// segment has already been closed or retired and released.
func (s *Segment) Acquire() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference taken with Acquire.
func (s *Segment) Release() error {
	if s.refs.Add(-1) == 0 {
		return s.destroy()
	}
	return nil
}

// Close drops the owner's reference.  The file is closed once every
// reader has released the segment.
func (s *Segment) Close() error {
	return s.drop(false)
}

// Retire is like Close, but also removes the segment file and any
// companion files once the last reader is gone.
func (s *Segment) Retire(companions ...string) error {
	s.companions = companions
	return s.drop(true)
}

func (s *Segment) drop(remove bool) error {
	if !s.dropped.CompareAndSwap(false, true) {
		return nil
	}
	s.remove = remove
	return s.Release()
}

func (s *Segment) destroy() error {
	err := s.f.Close()
	if err != nil {
		err = fmt.Errorf("f.Close: %w", err)
	}
	if !s.remove {
		return err
	}
	for _, path := range append([]string{s.path}, s.companions...) {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = fmt.Errorf("os.Remove: %w", rmErr)
		}
	}
	return err
}
