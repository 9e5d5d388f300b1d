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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/golang/snappy"
)

const diskSuffix = ".art"

// Fingerprints are lowercase hex; anything else never reaches the backend.
var diskKeyPattern = regexp.MustCompile(`^[0-9a-f]{8,64}$`)

// diskBackend stores one snappy-compressed envelope file per fingerprint.
type diskBackend struct {
	dir string
}

// NewDiskBackend creates (if needed) and opens a cache directory.
func NewDiskBackend(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating dir %s: %w", dir, err)
	}
	return &diskBackend{dir: dir}, nil
}

func (d *diskBackend) path(key string) (string, error) {
	if !diskKeyPattern.MatchString(key) {
		return "", fmt.Errorf("cache: malformed key %q", key)
	}
	return filepath.Join(d.dir, key+diskSuffix), nil
}

func (d *diskBackend) Get(key string) ([]byte, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

func (d *diskBackend) Put(key string, data []byte) (int64, error) {
	path, err := d.path(key)
	if err != nil {
		return 0, err
	}
	compressed := snappy.Encode(nil, data)
	// Write-then-rename keeps readers from seeing partial files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return int64(len(compressed)), nil
}

func (d *diskBackend) Delete(key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *diskBackend) Walk(fn func(key string, size int64, modified time.Time) error) error {
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, diskSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, diskSuffix)
		if !diskKeyPattern.MatchString(key) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if err := fn(key, info.Size(), info.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

func (d *diskBackend) Close() error { return nil }
