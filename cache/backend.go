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
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/imgbase/imgbase/codec"
)

// ErrNotFound is returned by backends when a key has no stored artifact.
var ErrNotFound = errors.New("cache: entry not found")

// Artifact is a produced conversion result: output bytes plus the metadata
// describing them.
type Artifact struct {
	Data []byte
	Meta codec.Metadata
}

// Backend is the narrow storage interface behind the cache. Coalescing and
// eviction live above it and are backend-independent.
//
// Put returns the stored size in bytes, which the cache accounts toward its
// budget; a compressing backend reports the compressed size. Walk visits
// every stored key, letting the cache rebuild its index after a restart.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) (int64, error)
	Delete(key string) error
	Walk(fn func(key string, size int64, modified time.Time) error) error
	Close() error
}

// Artifacts travel through backends as a small envelope:
// 4-byte big-endian metadata length, metadata JSON, artifact bytes.

func encodeArtifact(a *Artifact) ([]byte, error) {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(meta)+len(a.Data))
	binary.BigEndian.PutUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	out = append(out, a.Data...)
	return out, nil
}

func decodeArtifact(data []byte) (*Artifact, error) {
	if len(data) < 4 {
		return nil, errors.New("cache: short artifact envelope")
	}
	n := binary.BigEndian.Uint32(data)
	if int64(n)+4 > int64(len(data)) {
		return nil, errors.New("cache: corrupt artifact envelope")
	}
	var a Artifact
	if err := json.Unmarshal(data[4:4+n], &a.Meta); err != nil {
		return nil, err
	}
	a.Data = data[4+n:]
	return &a, nil
}
