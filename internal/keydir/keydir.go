// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package keydir is the in-memory index from key to the location of its
// latest value.  A Keydir does no I/O and no locking of its own; callers
// serialize mutations.
package keydir

// Entry locates a value on disk.
type Entry struct {
	SegmentID   uint64
	ValueOffset int64
	ValueSize   uint64
	Tombstone   bool
	Timestamp   int64
}

// Source says where a Record was read from.
type Source uint8

const (
	// RawEntry records come from scanning a segment.
	RawEntry Source = iota
	// HintRecord records come from a hint file.
	HintRecord
)

func (s Source) String() string {
	switch s {
	case RawEntry:
		return "segment"
	case HintRecord:
		return "hint"
	default:
		return "unknown"
	}
}

// Record is one replayed index record.
type Record struct {
	Source Source
	Key    []byte
	Entry  Entry
}

type Keydir struct {
	m map[string]Entry
}

func New() *Keydir {
	return &Keydir{m: make(map[string]Entry)}
}

func (kd *Keydir) Get(key []byte) (Entry, bool) {
	e, ok := kd.m[string(key)]
	return e, ok
}

// Put sets the entry for key, replacing any existing one.
func (kd *Keydir) Put(key []byte, e Entry) {
	kd.m[string(key)] = e
}

// Delete removes key.  Deleting an absent key is a no-op.
func (kd *Keydir) Delete(key []byte) {
	delete(kd.m, string(key))
}

func (kd *Keydir) Len() int {
	return len(kd.m)
}

// Range calls f for each key until f returns false.  f must not modify
// the keydir.
func (kd *Keydir) Range(f func(key string, e Entry) bool) {
	for k, e := range kd.m {
		if !f(k, e) {
			return
		}
	}
}

// CompareAndSwap replaces key's entry with next only if it is currently
// old.  Merge uses it to repoint keys without clobbering writes that
// landed while it was copying.
func (kd *Keydir) CompareAndSwap(key []byte, old, next Entry) bool {
	cur, ok := kd.m[string(key)]
	if !ok || cur != old {
		return false
	}
	kd.m[string(key)] = next
	return true
}

// Apply replays r: a tombstone removes the key, anything else sets it.
// Applying the records of a set of segments oldest to newest yields the
// same keydir no matter how many times it is done.
func (kd *Keydir) Apply(r Record) {
	if r.Entry.Tombstone {
		kd.Delete(r.Key)
		return
	}
	kd.Put(r.Key, r.Entry)
}
