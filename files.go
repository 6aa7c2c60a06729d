// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dgryski/go-farm"
)

const (
	lockFileName = "LOCK"
	metaFileName = "META"

	segmentExt = ".log"
	hintExt    = ".hint"
	tmpExt     = ".tmp"

	metaVersion = 1
	metaSize    = 4 + 4 + 8 + 8
)

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+segmentExt)
}

func hintPath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+hintExt)
}

// parseID returns the id of a file named "<id><ext>".
func parseID(name, ext string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ext)
	if !ok || base == "" {
		return 0, false
	}
	// reject "+1.log", "01.log" and friends so every id has one name
	if base != "0" && (base[0] < '1' || base[0] > '9') {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// syncDir makes renames and creations in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("os.Open(%s): %w", dir, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("dir.Sync: %w", err)
	}
	return nil
}

// meta is the store's small amount of state that doesn't live in
// segments: the next segment id to hand out, and the merge floor.
// Every segment with an id below mergeFloor has been merged away, even
// if a crash left its file behind.
type meta struct {
	nextID     uint64
	mergeFloor uint64
}

func (m meta) marshal() []byte {
	buf := make([]byte, metaSize)
	binary.LittleEndian.PutUint32(buf[4:8], metaVersion)
	binary.LittleEndian.PutUint64(buf[8:16], m.nextID)
	binary.LittleEndian.PutUint64(buf[16:24], m.mergeFloor)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(farm.Hash64(buf[4:])))
	return buf
}

func unmarshalMeta(buf []byte) (meta, error) {
	if len(buf) != metaSize {
		return meta{}, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrCorrupt, metaFileName, len(buf), metaSize)
	}
	if expected, actual := binary.LittleEndian.Uint32(buf[0:4]), uint32(farm.Hash64(buf[4:])); expected != actual {
		return meta{}, fmt.Errorf("%w: %s checksum failed (%d != %d)", ErrCorrupt, metaFileName, expected, actual)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != metaVersion {
		return meta{}, fmt.Errorf("this version of cask can only read v%d %s files; found v%d", metaVersion, metaFileName, v)
	}
	return meta{
		nextID:     binary.LittleEndian.Uint64(buf[8:16]),
		mergeFloor: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// readMeta returns the zero meta if the store has never written one.
func readMeta(dir string) (meta, error) {
	buf, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return meta{}, nil
	} else if err != nil {
		return meta{}, fmt.Errorf("os.ReadFile: %w", err)
	}
	return unmarshalMeta(buf)
}

// writeMeta atomically replaces the META file.  Once the rename has
// happened the new contents are visible to the next Open; callers still
// need syncDir to make that durable.
func writeMeta(dir string, m meta) error {
	f, err := os.CreateTemp(dir, metaFileName+".*"+tmpExt)
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	if _, err := f.Write(m.marshal()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(f.Name(), filepath.Join(dir, metaFileName)); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}
