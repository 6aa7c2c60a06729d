// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bpowers/cask/internal/entry"
	"github.com/bpowers/cask/internal/hint"
	"github.com/bpowers/cask/internal/keydir"
	"github.com/bpowers/cask/internal/segment"
)

// move is one live value being copied forward by a merge.
type move struct {
	key []byte
	old keydir.Entry
	new keydir.Entry
}

type mergePlan struct {
	inputs   map[uint64]*segment.Segment
	maxInput uint64
	moves    []move
}

// mergeOutput is a segment written by a merge along with its hint file.
type mergeOutput struct {
	seg   *segment.Segment
	hints *hint.Writer
}

// Merge rewrites the live values in every sealed segment into new
// segments and deletes the old ones.  Reads and writes continue while
// values are copied; a key written or deleted during the merge keeps its
// newer state.
func (c *Cask) Merge() error {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	plan, err := c.planMerge()
	if err != nil || plan == nil {
		return err
	}
	c.logger.Info("merge started", "inputs", len(plan.inputs), "keys", len(plan.moves), "maxInput", plan.maxInput)

	outputs, err := c.copyLive(plan)
	if err != nil {
		for _, out := range outputs {
			out.discard(c.dir)
		}
		return fmt.Errorf("merge: %w", err)
	}

	return c.commitMerge(plan, outputs)
}

// planMerge picks the merge inputs and snapshots the keys that live in
// them.  It returns a nil plan if there is nothing to merge.
func (c *Cask) planMerge() (*mergePlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	// every input must be older than the active segment so that outputs,
	// which replay with the inputs' epoch, replay before anything newer.
	rotate := !c.active.Empty()
	for id := range c.segments {
		if id > c.active.ID() {
			rotate = true
		}
	}
	if rotate {
		if err := c.rotateLocked(); err != nil {
			return nil, err
		}
	}

	plan := &mergePlan{inputs: make(map[uint64]*segment.Segment)}
	for id, seg := range c.segments {
		if seg == c.active {
			continue
		}
		plan.inputs[id] = seg
		if id > plan.maxInput {
			plan.maxInput = id
		}
	}
	if len(plan.inputs) == 0 {
		return nil, nil
	}

	c.keydir.Range(func(key string, e keydir.Entry) bool {
		if _, ok := plan.inputs[e.SegmentID]; ok {
			plan.moves = append(plan.moves, move{key: []byte(key), old: e})
		}
		return true
	})
	// read each input front to back
	sort.Slice(plan.moves, func(i, j int) bool {
		a, b := plan.moves[i].old, plan.moves[j].old
		if a.SegmentID != b.SegmentID {
			return a.SegmentID < b.SegmentID
		}
		return a.ValueOffset < b.ValueOffset
	})
	return plan, nil
}

func (c *Cask) allocID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// copyLive writes every value in plan.moves to new segments and fills in
// each move's new location.  It runs without c.mu: inputs are sealed and
// can't be retired while mergeMu is held.
func (c *Cask) copyLive(plan *mergePlan) ([]*mergeOutput, error) {
	var outputs []*mergeOutput
	var out *mergeOutput

	for i := range plan.moves {
		mv := &plan.moves[i]
		src := plan.inputs[mv.old.SegmentID]
		recordLen := int64(entry.HeaderSize+len(mv.key)) + int64(mv.old.ValueSize)
		rec, err := src.ReadEntry(mv.old.ValueOffset-int64(entry.HeaderSize+len(mv.key)), recordLen)
		if err != nil {
			return outputs, err
		}
		e := entry.Put(mv.key, rec.Value, mv.old.Timestamp)

		if out == nil || (!out.seg.Empty() && out.seg.Size()+int64(e.Len()) > c.opts.maxSegmentSize) {
			if out != nil {
				if err := out.finish(); err != nil {
					return outputs, err
				}
			}
			if out, err = c.newMergeOutput(plan.maxInput); err != nil {
				return outputs, err
			}
			outputs = append(outputs, out)
		}

		valueOff, err := out.seg.Append(e)
		if err != nil {
			return outputs, err
		}
		mv.new = keydir.Entry{
			SegmentID:   out.seg.ID(),
			ValueOffset: valueOff,
			ValueSize:   mv.old.ValueSize,
			Timestamp:   mv.old.Timestamp,
		}
		if err := out.hints.Add(hint.Record{
			Kind:        entry.KindPut,
			Timestamp:   mv.new.Timestamp,
			ValueOffset: mv.new.ValueOffset,
			ValueSize:   mv.new.ValueSize,
			Key:         mv.key,
		}); err != nil {
			return outputs, err
		}
	}
	if out != nil {
		if err := out.finish(); err != nil {
			return outputs, err
		}
	}
	if err := syncDir(c.dir); err != nil {
		return outputs, err
	}
	return outputs, nil
}

func (c *Cask) newMergeOutput(epoch uint64) (*mergeOutput, error) {
	id := c.allocID()
	seg, err := segment.Create(segmentPath(c.dir, id), id, epoch)
	if err != nil {
		return nil, err
	}
	w, err := hint.NewWriter(hintPath(c.dir, id), c.opts.hintPageSize)
	if err != nil {
		_ = seg.Retire()
		return nil, err
	}
	return &mergeOutput{seg: seg, hints: w}, nil
}

// finish seals the output segment and publishes its hint file.
func (o *mergeOutput) finish() error {
	if err := o.seg.Seal(); err != nil {
		return err
	}
	w := o.hints
	o.hints = nil
	return w.Close()
}

func (o *mergeOutput) discard(dir string) {
	if o.hints != nil {
		o.hints.Abort()
	}
	_ = o.seg.Retire(hintPath(dir, o.seg.ID()))
}

// commitMerge makes the merge durable and swaps the outputs in for the
// inputs.  Writing META with the new merge floor is the commit point:
// from then on recovery deletes the inputs even if we crash before
// getting to it ourselves.
func (c *Cask) commitMerge(plan *mergePlan, outputs []*mergeOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := plan.maxInput + 1
	if err := writeMeta(c.dir, meta{nextID: c.nextID, mergeFloor: floor}); err != nil {
		for _, out := range outputs {
			out.discard(c.dir)
		}
		return fmt.Errorf("merge: %w", err)
	}
	if err := syncDir(c.dir); err != nil {
		// the rename happened, so the merge is committed as far as the
		// next Open is concerned whether or not this made it to disk
		c.logger.Warn("syncing directory after merge commit", "err", err)
	}
	c.mergeFloor = floor

	repointed := 0
	for _, mv := range plan.moves {
		if c.keydir.CompareAndSwap(mv.key, mv.old, mv.new) {
			repointed++
		}
	}
	for _, out := range outputs {
		c.segments[out.seg.ID()] = out.seg
	}
	var errs []error
	for id, seg := range plan.inputs {
		delete(c.segments, id)
		if err := seg.Retire(hintPath(c.dir, id)); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", id, err))
		}
	}

	c.logger.Info("merge finished",
		"inputs", len(plan.inputs),
		"outputs", len(outputs),
		"repointed", repointed,
		"superseded", len(plan.moves)-repointed)
	if err := errors.Join(errs...); err != nil {
		// inputs are already gone from the store; leftover files are
		// removed by the next Open
		c.logger.Warn("removing merged segments", "err", err)
	}
	return nil
}
