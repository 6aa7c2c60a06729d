// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"errors"

	"github.com/bpowers/cask/internal/entry"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("cask is closed")
	ErrLocked   = errors.New("cask directory is in use by another process")

	ErrKeyTooLarge   = entry.ErrKeyTooLarge
	ErrValueTooLarge = entry.ErrValueTooLarge
	ErrCorrupt       = entry.ErrCorrupt
)
