// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bpowers/cask/internal/entry"
	"github.com/bpowers/cask/internal/hint"
	"github.com/bpowers/cask/internal/segment"
)

const DefaultMaxSegmentSize = 64 << 20

// Option configures a Cask.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	maxSegmentSize int64
	hintPageSize   int
	syncWrites     bool
}

func defaultOptions() options {
	return options{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxSegmentSize: DefaultMaxSegmentSize,
		hintPageSize:   hint.DefaultPageSize,
	}
}

func (o *options) validate() error {
	if o.logger == nil {
		return fmt.Errorf("nil logger")
	}
	if minSize := int64(segment.FileHeaderSize + entry.HeaderSize); o.maxSegmentSize < minSize {
		return fmt.Errorf("max segment size %d smaller than minimum %d", o.maxSegmentSize, minSize)
	}
	if o.hintPageSize < hint.MinPageSize {
		return fmt.Errorf("hint page size %d smaller than minimum %d", o.hintPageSize, hint.MinPageSize)
	}
	return nil
}

// WithLogger sets an optional logger for recovery and merge progress.
// If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithMaxSegmentSize sets the size at which the active segment is sealed
// and a new one started.  A single record larger than this still gets a
// segment of its own.
func WithMaxSegmentSize(size int64) Option {
	return func(opts *options) {
		opts.maxSegmentSize = size
	}
}

// WithHintPageSize sets the block size of hint files.  It must be large
// enough to hold a hint record for a maximum-size key.
func WithHintPageSize(size int) Option {
	return func(opts *options) {
		opts.hintPageSize = size
	}
}

// WithSyncWrites makes every Put and Delete fsync before returning.
// Without it, writes are durable after Sync or Close.
func WithSyncWrites(sync bool) Option {
	return func(opts *options) {
		opts.syncWrites = sync
	}
}
