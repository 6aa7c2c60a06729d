// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package segment

import (
	"encoding/binary"
	"fmt"
)

const (
	magicSegmentHeader = 0xCA5CF11E
	fileFormatVersion  = 1

	// FileHeaderSize is the offset of the first record in every segment.
	FileHeaderSize = 64
)

type fileHeader struct {
	magic         uint32
	formatVersion uint32
	id            uint64
	epoch         uint64
}

func newFileHeader(id, epoch uint64) *fileHeader {
	return &fileHeader{
		magic:         magicSegmentHeader,
		formatVersion: fileFormatVersion,
		id:            id,
		epoch:         epoch,
	}
}

func (h *fileHeader) MarshalTo(headerBytes []byte) error {
	if len(headerBytes) < FileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), FileHeaderSize)
	}
	binary.LittleEndian.PutUint32(headerBytes[0:4], h.magic)
	binary.LittleEndian.PutUint32(headerBytes[4:8], h.formatVersion)
	binary.LittleEndian.PutUint64(headerBytes[8:16], h.id)
	binary.LittleEndian.PutUint64(headerBytes[16:24], h.epoch)
	for i := 24; i < FileHeaderSize; i++ {
		headerBytes[i] = 0
	}
	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < FileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), FileHeaderSize)
	}

	headerBytes = headerBytes[:FileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[0:4])
	if h.magic != magicSegmentHeader {
		return fmt.Errorf("bad magic number on segment (%x) -- not a cask segment or corrupted", h.magic)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[4:8])
	if h.formatVersion != fileFormatVersion {
		return fmt.Errorf("this version of cask can only read v%d segments; found v%d", fileFormatVersion, h.formatVersion)
	}

	h.id = binary.LittleEndian.Uint64(headerBytes[8:16])
	h.epoch = binary.LittleEndian.Uint64(headerBytes[16:24])

	return nil
}
