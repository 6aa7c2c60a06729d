// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Writer builds a hint file.  Records go to a temporary file next to
// path which is only renamed into place by Close, so a reader never sees
// a partially written hint file.
type Writer struct {
	path    string
	f       *os.File
	page    *Page
	blockID int64
	count   int
}

// NewWriter starts a hint file that will be published at path.
func NewWriter(path string, blockSize int) (*Writer, error) {
	if blockSize < MinPageSize {
		return nil, fmt.Errorf("hint page size %d smaller than minimum %d", blockSize, MinPageSize)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("os.CreateTemp: %w", err)
	}
	return &Writer{
		path: path,
		f:    f,
		page: NewPage(blockSize),
	}, nil
}

// Add appends r to the file, starting a new block when the current one
// is full.
func (w *Writer) Add(r Record) error {
	rec, err := MarshalRecord(r)
	if err != nil {
		return err
	}
	err = w.page.Write(rec)
	if errors.Is(err, ErrPageFull) {
		if err := w.page.Flush(w.f, w.blockID); err != nil {
			return err
		}
		w.blockID++
		w.page.Reset()
		err = w.page.Write(rec)
	}
	if err != nil {
		return fmt.Errorf("record for %d-byte key: %w", len(r.Key), err)
	}
	w.count++
	return nil
}

// Len is the number of records added so far.
func (w *Writer) Len() int {
	return w.count
}

// Close flushes the last block, syncs the file and renames it into
// place.  On error the temporary file is removed.
func (w *Writer) Close() error {
	if w.page.Len() > 0 {
		if err := w.page.Flush(w.f, w.blockID); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// Abort discards the hint file.
func (w *Writer) Abort() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}

// ReadFile loads every record in the hint file at path.  Any malformed
// block or record fails the whole file.
func ReadFile(path string, blockSize int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if stat.Size()%int64(blockSize) != 0 {
		return nil, fmt.Errorf("%w: %s: size %d not a multiple of block size %d", ErrCorrupt, path, stat.Size(), blockSize)
	}

	var records []Record
	page := NewPage(blockSize)
	blocks := stat.Size() / int64(blockSize)
	for blockID := int64(0); blockID < blocks; blockID++ {
		if err := page.Load(f, blockID); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		recs, err := page.Records()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, rec := range recs {
			r, err := UnmarshalRecord(rec)
			if err != nil {
				return nil, fmt.Errorf("%s block %d: %w", path, blockID, err)
			}
			// page is reused for the next block
			r.Key = append([]byte(nil), r.Key...)
			records = append(records, r)
		}
	}
	return records, nil
}
