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
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
)

// FromConfig builds the configured backend and wraps it in a cache. A redis
// backend that cannot be reached is a startup error, not a silent fallback.
func FromConfig(cfg config.CacheConfig, log *logrus.Entry) (*Cache, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "memory":
		backend = NewMemoryBackend()
	case "disk":
		backend, err = NewDiskBackend(cfg.Dir)
	case "redis":
		backend, err = NewRedisBackend(cfg.RedisAddr, cfg.MaxAge())
	default:
		return nil, errs.New(errs.InputInvalid, "unknown cache backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CacheUnavailable, err, "opening %s cache backend", cfg.Backend)
	}
	c := New(Config{
		MaxBytes:      cfg.MaxBytes(),
		MaxEntries:    cfg.MaxEntries,
		MaxAge:        cfg.MaxAge(),
		SweepInterval: cfg.CleanupInterval(),
	}, backend, cfg.Backend, log)
	return c, nil
}
