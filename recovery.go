// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bpowers/cask/internal/entry"
	"github.com/bpowers/cask/internal/hint"
	"github.com/bpowers/cask/internal/keydir"
	"github.com/bpowers/cask/internal/segment"
)

// recover rebuilds the keydir from the segments in c.dir and creates a
// fresh active segment.
func (c *Cask) recover() error {
	m, err := readMeta(c.dir)
	if err != nil {
		return err
	}
	c.mergeFloor = m.mergeFloor

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("os.ReadDir: %w", err)
	}

	var (
		segs     []*segment.Segment
		haveSegs bool
		maxID    uint64
		segIDs   = make(map[uint64]bool)
		hintIDs  []uint64
	)
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpExt) {
			// an interrupted hint or META write
			c.removeFile(filepath.Join(c.dir, name))
			continue
		}
		if id, ok := parseID(name, hintExt); ok {
			hintIDs = append(hintIDs, id)
			continue
		}
		id, ok := parseID(name, segmentExt)
		if !ok {
			continue
		}
		if !haveSegs || id > maxID {
			maxID = id
		}
		haveSegs = true

		path := filepath.Join(c.dir, name)
		if id < c.mergeFloor {
			// merged away by a merge that committed before a crash
			c.logger.Info("removing merged segment", "segment", id, "mergeFloor", c.mergeFloor)
			c.removeFile(path)
			c.removeFile(hintPath(c.dir, id))
			continue
		}

		seg, err := segment.Open(path)
		if errors.Is(err, segment.ErrTruncatedHeader) {
			c.logger.Warn("removing segment with torn header", "segment", id, "err", err)
			c.removeFile(path)
			c.removeFile(hintPath(c.dir, id))
			continue
		} else if err != nil {
			c.logger.Error("skipping unreadable segment", "segment", id, "err", err)
			continue
		}
		if seg.ID() != id {
			c.logger.Error("skipping segment with mismatched id", "segment", id, "headerID", seg.ID())
			_ = seg.Close()
			continue
		}
		segs = append(segs, seg)
		segIDs[id] = true
		c.segments[id] = seg
	}

	for _, id := range hintIDs {
		if !segIDs[id] {
			c.removeFile(hintPath(c.dir, id))
		}
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Epoch() != segs[j].Epoch() {
			return segs[i].Epoch() < segs[j].Epoch()
		}
		return segs[i].ID() < segs[j].ID()
	})
	for _, seg := range segs {
		c.replay(seg)
	}

	c.nextID = m.nextID
	if haveSegs && maxID+1 > c.nextID {
		c.nextID = maxID + 1
	}
	active, err := c.createSegmentLocked()
	if err != nil {
		return err
	}
	c.active = active

	if err := writeMeta(c.dir, meta{nextID: c.nextID, mergeFloor: c.mergeFloor}); err != nil {
		return err
	}
	if err := syncDir(c.dir); err != nil {
		return err
	}

	c.logger.Info("opened cask", "dir", c.dir, "segments", len(segs), "keys", c.keydir.Len(), "active", active.ID())
	return nil
}

func (c *Cask) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing file", "path", path, "err", err)
	}
}

// replay applies one sealed segment to the keydir, from its hint file if
// that is usable and by scanning the segment otherwise.
func (c *Cask) replay(seg *segment.Segment) {
	if records, ok := c.loadHints(seg); ok {
		for _, r := range records {
			c.keydir.Apply(keydir.Record{
				Source: keydir.HintRecord,
				Key:    r.Key,
				Entry: keydir.Entry{
					SegmentID:   seg.ID(),
					ValueOffset: r.ValueOffset,
					ValueSize:   r.ValueSize,
					Tombstone:   r.Kind == entry.KindTombstone,
					Timestamp:   r.Timestamp,
				},
			})
		}
		c.logger.Debug("replayed segment", "segment", seg.ID(), "source", keydir.HintRecord, "records", len(records))
		return
	}

	hints := make(map[string]hint.Record)
	n := 0
	it := seg.Iter()
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		e := keydir.Entry{
			SegmentID:   seg.ID(),
			ValueOffset: item.ValueOffset,
			ValueSize:   uint64(len(item.Entry.Value)),
			Tombstone:   item.Entry.Kind == entry.KindTombstone,
			Timestamp:   item.Entry.Timestamp,
		}
		c.keydir.Apply(keydir.Record{Source: keydir.RawEntry, Key: item.Entry.Key, Entry: e})
		hints[string(item.Entry.Key)] = hintRecord(e)
		n++
	}
	if err := it.Err(); err != nil {
		c.logger.Warn("stopping replay at last good record", "segment", seg.ID(), "offset", it.Offset(), "err", err)
	}
	c.logger.Debug("replayed segment", "segment", seg.ID(), "source", keydir.RawEntry, "records", n)

	if err := c.writeHints(seg.ID(), hints); err != nil {
		c.logger.Warn("regenerating hint file", "segment", seg.ID(), "err", err)
	}
}

// loadHints returns the records of seg's hint file, or false if there is
// no hint file or it can't be trusted.
func (c *Cask) loadHints(seg *segment.Segment) ([]hint.Record, bool) {
	path := hintPath(c.dir, seg.ID())
	hintStat, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false
	} else if err != nil {
		c.logger.Warn("stat hint file", "segment", seg.ID(), "err", err)
		return nil, false
	}
	segStat, err := os.Stat(seg.Path())
	if err != nil {
		c.logger.Warn("stat segment", "segment", seg.ID(), "err", err)
		return nil, false
	}
	if hintStat.ModTime().Before(segStat.ModTime()) {
		c.logger.Info("ignoring stale hint file", "segment", seg.ID())
		return nil, false
	}

	records, err := hint.ReadFile(path, c.opts.hintPageSize)
	if err != nil {
		c.logger.Warn("ignoring unreadable hint file", "segment", seg.ID(), "err", err)
		return nil, false
	}
	for _, r := range records {
		if r.ValueOffset < segment.FileHeaderSize || r.ValueOffset+int64(r.ValueSize) > seg.Size() {
			c.logger.Warn("ignoring hint file pointing past its segment", "segment", seg.ID(), "offset", r.ValueOffset, "size", seg.Size())
			return nil, false
		}
	}
	return records, true
}
