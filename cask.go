// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package cask is an embedded, log-structured key-value store.
//
// Every write is appended to the active segment file and an in-memory
// keydir maps each live key to the location of its latest value, so a
// Get is a single positioned read.  Segments that are no longer being
// written to are sealed; Merge rewrites the live values out of sealed
// segments and deletes them.  Hint files next to each sealed segment
// let Open rebuild the keydir without reading every value.
package cask

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bpowers/cask/internal/entry"
	"github.com/bpowers/cask/internal/flock"
	"github.com/bpowers/cask/internal/hint"
	"github.com/bpowers/cask/internal/keydir"
	"github.com/bpowers/cask/internal/segment"
)

// Cask is a handle to an open store.  It is safe for concurrent use.
type Cask struct {
	dir    string
	opts   options
	logger *slog.Logger
	lock   *flock.Lock

	// mergeMu serializes merges; Close takes it to wait for a merge
	// in progress.
	mergeMu sync.Mutex

	mu       sync.RWMutex
	closed   bool
	keydir   *keydir.Keydir
	segments map[uint64]*segment.Segment
	active   *segment.Segment
	// activeHints is the last state of each key written to the active
	// segment; it becomes the segment's hint file when it is sealed.
	activeHints map[string]hint.Record
	nextID      uint64
	mergeFloor  uint64
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Keys          int
	Segments      int
	ActiveSegment uint64
}

// Open opens the store in dir, creating dir if needed, and rebuilds the
// keydir from the segments already there.  Only one Cask may have a
// directory open at a time; a second Open fails with ErrLocked.
func Open(dir string, opts ...Option) (*Cask, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	lock, err := flock.TryLock(filepath.Join(dir, lockFileName))
	if errors.Is(err, flock.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	} else if err != nil {
		return nil, err
	}

	c := &Cask{
		dir:         dir,
		opts:        options,
		logger:      options.logger,
		lock:        lock,
		keydir:      keydir.New(),
		segments:    make(map[uint64]*segment.Segment),
		activeHints: make(map[string]hint.Record),
	}
	if err := c.recover(); err != nil {
		_ = c.closeSegments()
		_ = lock.Unlock()
		return nil, err
	}
	return c, nil
}

// Get returns the current value of key, or ErrNotFound.
func (c *Cask) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	e, ok := c.keydir.Get(key)
	if !ok {
		c.mu.RUnlock()
		return nil, ErrNotFound
	}
	seg := c.segments[e.SegmentID]
	if seg == nil || !seg.Acquire() {
		c.mu.RUnlock()
		return nil, fmt.Errorf("keydir points at missing segment %d", e.SegmentID)
	}
	c.mu.RUnlock()
	defer func() { _ = seg.Release() }()

	// read the whole record so the checksum covers what we return
	recordLen := int64(entry.HeaderSize+len(key)) + int64(e.ValueSize)
	off := e.ValueOffset - int64(entry.HeaderSize+len(key))
	rec, err := seg.ReadEntry(off, recordLen)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if rec.Kind != entry.KindPut || !bytes.Equal(rec.Key, key) {
		return nil, fmt.Errorf("%w: segment %d offset %d holds a %s for a different key", ErrCorrupt, seg.ID(), off, rec.Kind)
	}
	return rec.Value, nil
}

// Put sets key to value.
func (c *Cask) Put(key, value []byte) error {
	return c.write(entry.Put(key, value, time.Now().UnixNano()))
}

// Delete removes key.  Deleting a key that isn't present is not an error.
func (c *Cask) Delete(key []byte) error {
	if len(key) > entry.MaxKeySize {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(key), entry.MaxKeySize)
	}
	c.mu.RLock()
	closed := c.closed
	_, ok := c.keydir.Get(key)
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	} else if !ok {
		return nil
	}
	return c.write(entry.Tombstone(key, time.Now().UnixNano()))
}

func (c *Cask) write(e entry.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if !c.active.Empty() && c.active.Size()+int64(e.Len()) > c.opts.maxSegmentSize {
		if err := c.rotateLocked(); err != nil {
			return err
		}
	}

	valueOff, err := c.active.Append(e)
	if err != nil {
		return err
	}

	kdEntry := keydir.Entry{
		SegmentID:   c.active.ID(),
		ValueOffset: valueOff,
		ValueSize:   uint64(len(e.Value)),
		Tombstone:   e.Kind == entry.KindTombstone,
		Timestamp:   e.Timestamp,
	}
	c.keydir.Apply(keydir.Record{Source: keydir.RawEntry, Key: e.Key, Entry: kdEntry})
	c.activeHints[string(e.Key)] = hintRecord(kdEntry)
	return nil
}

func hintRecord(e keydir.Entry) hint.Record {
	kind := entry.KindPut
	if e.Tombstone {
		kind = entry.KindTombstone
	}
	return hint.Record{
		Kind:        kind,
		Timestamp:   e.Timestamp,
		ValueOffset: e.ValueOffset,
		ValueSize:   e.ValueSize,
	}
}

// rotateLocked starts a new active segment and seals the old one.  The
// new segment is created first so a failure leaves the old one writable.
// c.mu must be held for writing.
func (c *Cask) rotateLocked() error {
	old, oldHints := c.active, c.activeHints
	next, err := c.createSegmentLocked()
	if err != nil {
		return err
	}
	c.active = next
	if err := c.sealLocked(old, oldHints); err != nil {
		return fmt.Errorf("sealing segment %d: %w", old.ID(), err)
	}
	c.logger.Info("rotated active segment", "sealed", old.ID(), "active", next.ID(), "size", old.Size())
	return nil
}

func (c *Cask) createSegmentLocked() (*segment.Segment, error) {
	id := c.nextID
	seg, err := segment.Create(segmentPath(c.dir, id), id, id, segment.WithSyncWrites(c.opts.syncWrites))
	if err != nil {
		return nil, err
	}
	c.nextID++
	c.segments[id] = seg
	c.activeHints = make(map[string]hint.Record)
	return seg, nil
}

// sealLocked seals seg and writes hints as its hint file.  A hint file
// that can't be written is only logged: recovery rescans segments
// without one.
func (c *Cask) sealLocked(seg *segment.Segment, hints map[string]hint.Record) error {
	if err := seg.Seal(); err != nil {
		return err
	}
	if err := c.writeHints(seg.ID(), hints); err != nil {
		c.logger.Warn("writing hint file", "segment", seg.ID(), "err", err)
	}
	return nil
}

func (c *Cask) writeHints(id uint64, records map[string]hint.Record) error {
	w, err := hint.NewWriter(hintPath(c.dir, id), c.opts.hintPageSize)
	if err != nil {
		return err
	}
	for key, r := range records {
		r.Key = []byte(key)
		if err := w.Add(r); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Close()
}

// Sync flushes the active segment to stable storage.
func (c *Cask) Sync() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.active.Sync()
}

// Stats returns a summary of the store.
func (c *Cask) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var activeID uint64
	if c.active != nil {
		activeID = c.active.ID()
	}
	return Stats{
		Keys:          c.keydir.Len(),
		Segments:      len(c.segments),
		ActiveSegment: activeID,
	}
}

// Close waits for any merge in progress, seals the active segment and
// releases the directory.  Calling Close again returns ErrClosed.
func (c *Cask) Close() error {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	var errs []error
	if err := writeMeta(c.dir, meta{nextID: c.nextID, mergeFloor: c.mergeFloor}); err != nil {
		errs = append(errs, err)
	}
	if c.active.Empty() {
		// nothing to keep; the id is already accounted for in META
		delete(c.segments, c.active.ID())
		if err := c.active.Retire(hintPath(c.dir, c.active.ID())); err != nil {
			errs = append(errs, err)
		}
	} else if err := c.sealLocked(c.active, c.activeHints); err != nil {
		errs = append(errs, err)
	}
	if err := syncDir(c.dir); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.closeSegments())
	if err := c.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cask) closeSegments() error {
	var errs []error
	for id, seg := range c.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", id, err))
		}
	}
	c.segments = nil
	return errors.Join(errs...)
}
