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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgbase/imgbase/codec"
)

const testKey = "deadbeef00000000000000000000cafe"

func TestDiskBackendRoundTrip(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	payload := bytes.Repeat([]byte("imgbase"), 128)
	stored, err := backend.Put(testKey, payload)
	require.NoError(t, err)
	// Repetitive payloads compress; accounted size is the on-disk size.
	assert.Less(t, stored, int64(len(payload)))

	got, err := backend.Get(testKey)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	var walked []string
	err = backend.Walk(func(key string, size int64, modified time.Time) error {
		walked = append(walked, key)
		assert.Equal(t, stored, size)
		assert.WithinDuration(t, time.Now(), modified, time.Minute)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testKey}, walked)

	require.NoError(t, backend.Delete(testKey))
	_, err = backend.Get(testKey)
	assert.ErrorIs(t, err, ErrNotFound)
	// Deleting a missing key is not an error.
	assert.NoError(t, backend.Delete(testKey))
}

func TestDiskBackendRejectsMalformedKeys(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	for _, key := range []string{"", "short", "../../etc/passwd", "ABCDEF00112233445566778899AABBCC"} {
		_, err := backend.Put(key, []byte("x"))
		assert.Error(t, err, "key %q", key)
	}
}

func TestMemoryBackendNotFound(t *testing.T) {
	backend := NewMemoryBackend()
	_, err := backend.Get(testKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactEnvelope(t *testing.T) {
	art := &Artifact{
		Data: []byte{0x89, 0x50, 0x4e, 0x47},
		Meta: codec.Metadata{
			OriginalFormat: codec.FormatJPEG,
			Format:         codec.FormatPNG,
			Width:          640, Height: 480,
			Size: 4, Mode: "RGBA",
		},
	}
	raw, err := encodeArtifact(art)
	require.NoError(t, err)

	got, err := decodeArtifact(raw)
	require.NoError(t, err)
	assert.Equal(t, art.Data, got.Data)
	assert.Equal(t, art.Meta, got.Meta)

	_, err = decodeArtifact([]byte{0x00})
	assert.Error(t, err)
	_, err = decodeArtifact([]byte{0xff, 0xff, 0xff, 0xff, 0x01})
	assert.Error(t, err)
}
