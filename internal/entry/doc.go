// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package entry encodes and decodes the records stored in cask log
// segments.  Every record is either a PUT of a key/value pair or a
// TOMBSTONE marking the key deleted.
//
// A record starts with a fixed 29-byte header and is variable length:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| checksum          |kind| timestamp... |
//	+----+----+----+----+----+----+----+----+
//	| ...timestamp | key size...            |
//	+----+----+----+----+----+----+----+----+
//	| ...key size  | value size...          |
//	+----+----+----+----+----+----+----+----+
//	| ...value size| key...  | value...     |
//	+----+----+----+----+----+----+----+----+
//
// All integers are little endian and fixed width, so segments are portable
// across architectures.  The checksum covers everything after it, which
// lets a reader detect both bit rot and a torn write at the tail of a log.
package entry
