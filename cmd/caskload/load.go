// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
)

const (
	genPrefix    = "pref_"
	genSuffixLen = 16
	genHMACKey   = "d259c7f656caf7f1"
)

// store is the part of *cask.Cask the loader needs.
type store interface {
	Put(key, value []byte) error
}

// load puts every key:value line from r.  Values may contain ':'; a line
// without one is an error.
func load(s store, r io.Reader) (int, error) {
	n, lineno := 0, 0
	sc := bufio.NewScanner(bufio.NewReaderSize(r, 16*1024))
	sc.Buffer(make([]byte, 64*1024), 2<<20)
	for sc.Scan() {
		lineno++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return n, fmt.Errorf("line %d: expected key:value", lineno)
		}
		if err := s.Put(k, v); err != nil {
			return n, fmt.Errorf("line %d: Put: %w", lineno, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading input: %w", err)
	}
	return n, nil
}

func newRand() *rand.Rand {
	var seedBytes [8]byte
	_, _ = crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

// generate puts count pairs whose keys are the hex HMAC of a random
// value, so keys are unique and uniformly distributed.
func generate(s store, count int) (int, error) {
	rng := newRand()
	h := hmac.New(sha256.New, []byte(genHMACKey))

	for i := 0; i < count; i++ {
		var buf [genSuffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			return i, err
		}
		value := fmt.Sprintf("%s%x", genPrefix, buf)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		if err := s.Put([]byte(key), []byte(value)); err != nil {
			return i, fmt.Errorf("Put: %w", err)
		}
	}
	return count, nil
}
