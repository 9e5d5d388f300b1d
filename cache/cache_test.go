// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgbase/imgbase/codec"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c := New(cfg, NewMemoryBackend(), "memory", testLogger())
	t.Cleanup(func() { c.Close() })
	return c
}

func testArtifact(payload string) *Artifact {
	return &Artifact{
		Data: []byte(payload),
		Meta: codec.Metadata{Format: codec.FormatPNG, Width: 1, Height: 1, Size: len(payload)},
	}
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 10})

	calls := 0
	art, hit, err := c.GetOrCompute("aa00000000000000000000000000aa00", func() (*Artifact, error) {
		calls++
		return testArtifact("payload"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("payload"), art.Data)

	art, hit, err = c.GetOrCompute("aa00000000000000000000000000aa00", func() (*Artifact, error) {
		calls++
		return nil, errors.New("should not run")
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("payload"), art.Data)
	assert.Equal(t, len("payload"), art.Meta.Size)
	assert.Equal(t, 1, calls)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestGetOrComputeCoalesces(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 10})

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	producer := func() (*Artifact, error) {
		calls.Add(1)
		close(started)
		<-release
		return testArtifact("shared"), nil
	}

	const followers = 8
	var wg sync.WaitGroup
	results := make([]*Artifact, followers+1)
	errsOut := make([]error, followers+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, errsOut[0] = c.GetOrCompute("bb00000000000000000000000000bb00", producer)
	}()
	<-started

	for i := 1; i <= followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errsOut[i] = c.GetOrCompute("bb00000000000000000000000000bb00", func() (*Artifact, error) {
				calls.Add(1)
				return testArtifact("wrong"), nil
			})
		}(i)
	}
	// Give followers time to join the in-flight computation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one producer invocation")
	for i := 0; i <= followers; i++ {
		require.NoError(t, errsOut[i])
		assert.True(t, bytes.Equal(results[i].Data, []byte("shared")))
	}
	// Everyone after the single computation counts as a hit.
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(followers), stats.Hits)
}

func TestFailedProduceNotCached(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 10})

	boom := errors.New("decode exploded")
	_, _, err := c.GetOrCompute("cc00000000000000000000000000cc00", func() (*Artifact, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Entries)

	// A later call retries the producer rather than caching the error.
	art, hit, err := c.GetOrCompute("cc00000000000000000000000000cc00", func() (*Artifact, error) {
		return testArtifact("recovered"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("recovered"), art.Data)
}

func TestEvictionBySize(t *testing.T) {
	// Envelope overhead is metadata JSON plus the 4-byte header, so budget
	// for three small artifacts and insert four.
	small := testArtifact("xxxxxxxx")
	raw, err := encodeArtifact(small)
	require.NoError(t, err)
	perEntry := int64(len(raw))

	c := newTestCache(t, Config{MaxBytes: perEntry * 3, MaxEntries: 100})

	keys := []string{
		"0100000000000000000000000000000a",
		"0200000000000000000000000000000a",
		"0300000000000000000000000000000a",
		"0400000000000000000000000000000a",
	}
	for _, key := range keys {
		_, _, err := c.GetOrCompute(key, func() (*Artifact, error) { return testArtifact("xxxxxxxx"), nil })
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.SizeBytes, perEntry*3)

	// The first-inserted (least recently used) key is the one gone.
	assert.Nil(t, c.Get(keys[0]))
	assert.NotNil(t, c.Get(keys[1]))
}

func TestEvictionByEntryCount(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 2})

	keys := []string{
		"1100000000000000000000000000000b",
		"2200000000000000000000000000000b",
		"3300000000000000000000000000000b",
	}
	for _, key := range keys {
		_, _, err := c.GetOrCompute(key, func() (*Artifact, error) { return testArtifact("v"), nil })
		require.NoError(t, err)
	}
	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Nil(t, c.Get(keys[0]))
	assert.NotNil(t, c.Get(keys[2]))
}

func TestAccessRefreshesRecency(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 2})

	a := "aa0000000000000000000000000000cc"
	b := "bb0000000000000000000000000000cc"
	d := "dd0000000000000000000000000000cc"
	for _, key := range []string{a, b} {
		_, _, err := c.GetOrCompute(key, func() (*Artifact, error) { return testArtifact("v"), nil })
		require.NoError(t, err)
	}
	// Touch a so b becomes the LRU victim.
	require.NotNil(t, c.Get(a))
	_, _, err := c.GetOrCompute(d, func() (*Artifact, error) { return testArtifact("v"), nil })
	require.NoError(t, err)

	assert.NotNil(t, c.Get(a))
	assert.Nil(t, c.Get(b))
}

func TestOversizeArtifactNotCached(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 16, MaxEntries: 10})

	big := make([]byte, 1024)
	art, hit, err := c.GetOrCompute("ee00000000000000000000000000ee00", func() (*Artifact, error) {
		return &Artifact{Data: big, Meta: codec.Metadata{Format: codec.FormatPNG}}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Len(t, art.Data, 1024)
	assert.Equal(t, 0, c.Stats().Entries)
}

// failingBackend errors on every read so lookups degrade to misses.
type failingBackend struct{ Backend }

func (f *failingBackend) Get(key string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func TestBackendReadFailureIsMiss(t *testing.T) {
	inner := NewMemoryBackend()
	c := New(Config{MaxBytes: 1 << 20, MaxEntries: 10}, &failingBackend{Backend: inner}, "memory", testLogger())
	defer c.Close()

	key := "ff00000000000000000000000000ff00"
	calls := 0
	_, _, err := c.GetOrCompute(key, func() (*Artifact, error) {
		calls++
		return testArtifact("v1"), nil
	})
	require.NoError(t, err)

	// Entry is indexed but every read fails, so the next call recomputes.
	art, hit, err := c.GetOrCompute(key, func() (*Artifact, error) {
		calls++
		return testArtifact("v2"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []byte("v2"), art.Data)
}

func TestInvalidateAndClear(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 10})

	keys := []string{
		"a100000000000000000000000000000d",
		"a200000000000000000000000000000d",
	}
	for _, key := range keys {
		_, _, err := c.GetOrCompute(key, func() (*Artifact, error) { return testArtifact("v"), nil })
		require.NoError(t, err)
	}

	assert.True(t, c.Invalidate(keys[0]))
	assert.False(t, c.Invalidate(keys[0]))
	assert.Nil(t, c.Get(keys[0]))

	count, freed := c.Clear()
	assert.Equal(t, 1, count)
	assert.Greater(t, freed, int64(0))
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Nil(t, c.Get(keys[1]))
}

func TestSweepExpired(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxEntries: 10, MaxAge: 30 * time.Millisecond})

	old := "b100000000000000000000000000000e"
	_, _, err := c.GetOrCompute(old, func() (*Artifact, error) { return testArtifact("old"), nil })
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	fresh := "b200000000000000000000000000000e"
	_, _, err = c.GetOrCompute(fresh, func() (*Artifact, error) { return testArtifact("fresh"), nil })
	require.NoError(t, err)

	removed := c.SweepExpired()
	assert.Equal(t, 1, removed)
	assert.Nil(t, c.Get(old))
	assert.NotNil(t, c.Get(fresh))
}

func TestIndexRebuildFromBackend(t *testing.T) {
	backend := NewMemoryBackend()
	raw, err := encodeArtifact(testArtifact("persisted"))
	require.NoError(t, err)
	_, err = backend.Put("c100000000000000000000000000000f", raw)
	require.NoError(t, err)

	c := New(Config{MaxBytes: 1 << 20, MaxEntries: 10}, backend, "memory", testLogger())
	defer c.Close()

	art := c.Get("c100000000000000000000000000000f")
	require.NotNil(t, art)
	assert.Equal(t, []byte("persisted"), art.Data)
	assert.Equal(t, 1, c.Stats().Entries)
}
