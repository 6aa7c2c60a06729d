// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cask

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/cask/internal/entry"
	"github.com/bpowers/cask/internal/segment"
)

func openTest(t testing.TB, dir string, opts ...Option) *Cask {
	t.Helper()
	c, err := Open(dir, opts...)
	require.NoError(t, err)
	return c
}

// crash abandons c the way a killed process would: nothing is sealed,
// no hint or META file is written.
func crash(t testing.TB, c *Cask) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	_ = c.closeSegments()
	require.NoError(t, c.lock.Unlock())
}

func requireContents(t *testing.T, c *Cask, expected map[string]string) {
	t.Helper()
	for k, v := range expected {
		actual, err := c.Get([]byte(k))
		require.NoError(t, err, "key %q", k)
		require.Equal(t, v, string(actual), "key %q", k)
	}
	require.Equal(t, len(expected), c.Stats().Keys)
}

func segmentIDsOnDisk(t *testing.T, dir string) []uint64 {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var ids []uint64
	for _, e := range entries {
		if id, ok := parseID(e.Name(), segmentExt); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestCask_Scenario(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	require.NoError(t, c.Put([]byte("k"), []byte("v1")))
	require.NoError(t, c.Put([]byte("k"), []byte("v2")))
	v, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	require.NoError(t, c.Delete([]byte("k")))
	_, err = c.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, c.Close())

	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	_, err = c.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCask_ScenarioAfterCrash(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	require.NoError(t, c.Put([]byte("k"), []byte("v1")))
	require.NoError(t, c.Put([]byte("k"), []byte("v2")))
	require.NoError(t, c.Delete([]byte("k")))
	require.NoError(t, c.Put([]byte("other"), []byte("x")))
	require.NoError(t, c.Sync())
	crash(t, c)

	// no hint file, so this goes through the raw scan
	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	_, err := c.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	requireContents(t, c, map[string]string{"other": "x"})
}

func TestOpen_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	defer func() { _ = c.Close() }()
	assert.Equal(t, uint64(0), c.Stats().ActiveSegment)
	assert.Equal(t, []uint64{0}, segmentIDsOnDisk(t, dir))
	assert.Equal(t, 0, c.Stats().Keys)
}

func TestOpen_CreatesDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "a", "b")

	c := openTest(t, dir)
	require.NoError(t, c.Close())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpen_ActiveAfterExistingSegments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	for id := uint64(0); id < 4; id++ {
		seg, err := segment.Create(segmentPath(dir, id), id, id)
		require.NoError(t, err)
		_, err = seg.Append(entry.Put([]byte("key"), []byte(strconv.FormatUint(id, 10)), int64(id)))
		require.NoError(t, err)
		_, err = seg.Append(entry.Put([]byte("key"+strconv.FormatUint(id, 10)), []byte("x"), int64(id)))
		require.NoError(t, err)
		require.NoError(t, seg.Close())
	}

	c := openTest(t, dir)
	defer func() { _ = c.Close() }()
	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.ActiveSegment)
	assert.Equal(t, 5, stats.Segments)
	requireContents(t, c, map[string]string{
		"key":  "3",
		"key0": "x",
		"key1": "x",
		"key2": "x",
		"key3": "x",
	})
}

func TestOpen_IDsNeverReused(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	require.NoError(t, c.Put([]byte("a"), []byte("1")))
	require.NoError(t, c.Close())

	// an empty active segment is dropped at close, but its id is not
	// handed out again
	for i := 0; i < 3; i++ {
		c = openTest(t, dir)
		require.NoError(t, c.Close())
	}
	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	assert.Equal(t, uint64(4), c.Stats().ActiveSegment)
	assert.Equal(t, []uint64{0, 4}, segmentIDsOnDisk(t, dir))
}

func TestOpen_Locked(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	_, err := Open(dir)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, c.Close())

	c = openTest(t, dir)
	require.NoError(t, c.Close())
}

func TestOpen_BadOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Open(dir, WithHintPageSize(128))
	assert.Error(t, err)
	_, err = Open(dir, WithMaxSegmentSize(10))
	assert.Error(t, err)
	_, err = Open(dir, WithLogger(nil))
	assert.Error(t, err)
}

func TestCask_Closed(t *testing.T) {
	t.Parallel()

	c := openTest(t, t.TempDir())
	require.NoError(t, c.Put([]byte("a"), []byte("1")))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Close(), ErrClosed)
	_, err := c.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Put([]byte("a"), []byte("2")), ErrClosed)
	assert.ErrorIs(t, c.Delete([]byte("a")), ErrClosed)
	assert.ErrorIs(t, c.Sync(), ErrClosed)
	assert.ErrorIs(t, c.Merge(), ErrClosed)
}

func TestCask_SizeLimits(t *testing.T) {
	t.Parallel()
	c := openTest(t, t.TempDir())
	defer func() { _ = c.Close() }()

	big := bytes.Repeat([]byte{'k'}, entry.MaxKeySize+1)
	assert.ErrorIs(t, c.Put(big, []byte("v")), ErrKeyTooLarge)
	assert.ErrorIs(t, c.Delete(big), ErrKeyTooLarge)
	// nothing was written
	assert.True(t, c.active.Empty())

	largest := bytes.Repeat([]byte{'k'}, entry.MaxKeySize)
	require.NoError(t, c.Put(largest, []byte("v")))
	v, err := c.Get(largest)
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestCask_EmptyKeyAndValue(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	require.NoError(t, c.Put([]byte{}, []byte("empty key")))
	require.NoError(t, c.Put([]byte("empty value"), nil))
	require.NoError(t, c.Close())

	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	requireContents(t, c, map[string]string{
		"":            "empty key",
		"empty value": "",
	})
}

func TestCask_DeleteAbsent(t *testing.T) {
	t.Parallel()
	c := openTest(t, t.TempDir())
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Delete([]byte("never written")))
	assert.True(t, c.active.Empty())
}

func TestCask_Rotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir, WithMaxSegmentSize(512))
	expected := make(map[string]string)
	for i := 0; i < 100; i++ {
		k, v := fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%d", i)
		require.NoError(t, c.Put([]byte(k), []byte(v)))
		expected[k] = v
	}
	stats := c.Stats()
	assert.Greater(t, stats.Segments, 5)
	for _, seg := range c.segments {
		assert.LessOrEqual(t, seg.Size(), int64(512))
		if seg != c.active {
			assert.True(t, seg.Sealed())
		}
	}
	requireContents(t, c, expected)
	require.NoError(t, c.Close())

	// every sealed segment got a hint file
	for _, id := range segmentIDsOnDisk(t, dir) {
		_, err := os.Stat(hintPath(dir, id))
		assert.NoError(t, err, "segment %d", id)
	}

	c = openTest(t, dir, WithMaxSegmentSize(512))
	defer func() { _ = c.Close() }()
	requireContents(t, c, expected)
}

func TestCask_OversizedRecordGetsOwnSegment(t *testing.T) {
	t.Parallel()
	c := openTest(t, t.TempDir(), WithMaxSegmentSize(256))
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Put([]byte("small"), []byte("x")))
	big := bytes.Repeat([]byte{'v'}, 1000)
	require.NoError(t, c.Put([]byte("big"), big))
	require.NoError(t, c.Put([]byte("small2"), []byte("y")))

	v, err := c.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, big, v)
	assert.Equal(t, 3, c.Stats().Segments)
}

func TestCask_RandomOpsReopenMerge(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	opts := []Option{WithMaxSegmentSize(4096)}

	expected := make(map[string]string)
	c := openTest(t, dir, opts...)
	step := func(n int) {
		for i := 0; i < n; i++ {
			k := "key-" + strconv.Itoa(rng.Intn(200))
			if rng.Intn(4) == 0 {
				require.NoError(t, c.Delete([]byte(k)))
				delete(expected, k)
			} else {
				v := strconv.Itoa(rng.Int()) + string(bytes.Repeat([]byte{'.'}, rng.Intn(64)))
				require.NoError(t, c.Put([]byte(k), []byte(v)))
				expected[k] = v
			}
		}
	}

	step(2000)
	requireContents(t, c, expected)
	require.NoError(t, c.Close())

	c = openTest(t, dir, opts...)
	requireContents(t, c, expected)

	before := segmentIDsOnDisk(t, dir)
	require.NoError(t, c.Merge())
	requireContents(t, c, expected)

	// nothing from before the merge is needed, or left on disk
	after := segmentIDsOnDisk(t, dir)
	for _, id := range after {
		assert.NotContains(t, before[:len(before)-1], id)
	}
	for _, id := range before {
		if id != before[len(before)-1] {
			_, err := os.Stat(hintPath(dir, id))
			assert.True(t, os.IsNotExist(err))
		}
	}

	step(1000)
	require.NoError(t, c.Merge())
	requireContents(t, c, expected)
	step(500)
	crash(t, c)

	c = openTest(t, dir, opts...)
	defer func() { _ = c.Close() }()
	requireContents(t, c, expected)
}

func TestCask_MergeReclaimsSpace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir, WithMaxSegmentSize(1024))
	for i := 0; i < 500; i++ {
		require.NoError(t, c.Put([]byte("hot"), []byte(strconv.Itoa(i))))
	}
	require.NoError(t, c.Put([]byte("cold"), []byte("c")))
	require.NoError(t, c.Put([]byte("gone"), []byte("g")))
	require.NoError(t, c.Delete([]byte("gone")))
	require.Greater(t, c.Stats().Segments, 10)

	require.NoError(t, c.Merge())
	// one output plus the fresh active segment
	assert.Equal(t, 2, c.Stats().Segments)
	requireContents(t, c, map[string]string{"hot": "499", "cold": "c"})

	// merging again with nothing new is harmless
	require.NoError(t, c.Merge())
	requireContents(t, c, map[string]string{"hot": "499", "cold": "c"})
	require.NoError(t, c.Close())

	c = openTest(t, dir, WithMaxSegmentSize(1024))
	defer func() { _ = c.Close() }()
	_, err := c.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
	requireContents(t, c, map[string]string{"hot": "499", "cold": "c"})
}

func TestCask_MergeEmpty(t *testing.T) {
	t.Parallel()
	c := openTest(t, t.TempDir())
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Merge())
	assert.Equal(t, 1, c.Stats().Segments)
}

func TestCask_MergeWithConcurrentWrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir, WithMaxSegmentSize(2048))
	const writers = 8
	const perWriter = 300

	// seed every key so merges have something to copy
	for w := 0; w < writers; w++ {
		for i := 0; i < 20; i++ {
			require.NoError(t, c.Put([]byte(fmt.Sprintf("w%d-k%d", w, i)), []byte("seed")))
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("w%d-k%d", w, i%20))
				// keys are private to a writer, so it always reads
				// back what it just wrote
				if i%50 == 49 {
					assert.NoError(t, c.Delete(k))
					_, err := c.Get(k)
					assert.ErrorIs(t, err, ErrNotFound)
				} else {
					assert.NoError(t, c.Put(k, []byte(strconv.Itoa(i))))
					v, err := c.Get(k)
					if assert.NoError(t, err) {
						assert.Equal(t, strconv.Itoa(i), string(v))
					}
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, c.Merge())
		}
	}()
	wg.Wait()

	// each writer's last op for key k%20 is at the largest i with that
	// remainder
	expected := make(map[string]string)
	for w := 0; w < writers; w++ {
		for k := 0; k < 20; k++ {
			last := perWriter - 20 + k
			if last%50 == 49 {
				continue
			}
			expected[fmt.Sprintf("w%d-k%d", w, k)] = strconv.Itoa(last)
		}
	}
	requireContents(t, c, expected)
	require.NoError(t, c.Merge())
	requireContents(t, c, expected)
	require.NoError(t, c.Close())

	c = openTest(t, dir, WithMaxSegmentSize(2048))
	defer func() { _ = c.Close() }()
	requireContents(t, c, expected)
}

func TestCask_ConcurrentReads(t *testing.T) {
	t.Parallel()
	c := openTest(t, t.TempDir(), WithMaxSegmentSize(1024))
	defer func() { _ = c.Close() }()

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Put([]byte(strconv.Itoa(i)), []byte(strconv.Itoa(i*i))))
	}

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				i := n % 100
				v, err := c.Get([]byte(strconv.Itoa(i)))
				if assert.NoError(t, err) {
					assert.Equal(t, strconv.Itoa(i*i), string(v))
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			assert.NoError(t, c.Merge())
		}
	}()
	wg.Wait()
}

func TestCask_GetDetectsCorruption(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir)
	require.NoError(t, c.Put([]byte("key"), []byte("value")))
	require.NoError(t, c.Close())

	// flip a value byte; the hint file still points at it
	path := segmentPath(dir, 0)
	require.NoError(t, os.Chmod(path, 0644))
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, buf, 0644))
	// keep the hint file fresh relative to the segment
	now := time.Now()
	require.NoError(t, os.Chtimes(path, now.Add(-time.Minute), now.Add(-time.Minute)))

	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	_, err = c.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCask_FailedRotationKeepsActiveWritable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := openTest(t, dir, WithMaxSegmentSize(300))
	require.NoError(t, c.Put([]byte("a"), bytes.Repeat([]byte{'a'}, 150)))
	activeID := c.Stats().ActiveSegment

	// take the next segment's name so the rotation can't create it
	blocker := segmentPath(dir, c.nextID)
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	assert.Error(t, c.Put([]byte("b"), bytes.Repeat([]byte{'b'}, 100)))
	require.NoError(t, os.Remove(blocker))

	assert.Equal(t, activeID, c.Stats().ActiveSegment)
	assert.False(t, c.active.Sealed())
	require.NoError(t, c.Put([]byte("c"), []byte("z")))
	require.NoError(t, c.Put([]byte("b"), bytes.Repeat([]byte{'b'}, 100)))
	assert.NotEqual(t, activeID, c.Stats().ActiveSegment)
	assert.True(t, c.segments[activeID].Sealed())

	expected := map[string]string{
		"a": strings.Repeat("a", 150),
		"b": strings.Repeat("b", 100),
		"c": "z",
	}
	requireContents(t, c, expected)
	require.NoError(t, c.Close())

	c = openTest(t, dir)
	defer func() { _ = c.Close() }()
	requireContents(t, c, expected)
}
