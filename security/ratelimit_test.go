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

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
)

func newTestLimiter(rpm, burst int) *Limiter {
	cfg := config.Default().Security
	cfg.RateLimitRequestsPerMinute = rpm
	cfg.RateLimitBurstSize = burst
	return NewLimiter(cfg)
}

func TestLimiterBurstThenDeny(t *testing.T) {
	l := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		allowed, _ := l.Check("10.0.0.1")
		assert.True(t, allowed, "request %d within burst", i)
	}
	allowed, retryAfter := l.Check("10.0.0.1")
	require.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	err := l.Err(retryAfter)
	assert.True(t, errs.IsKind(err, errs.RateLimited))
}

func TestLimiterClientsIndependent(t *testing.T) {
	l := newTestLimiter(60, 1)

	allowed, _ := l.Check("10.0.0.1")
	assert.True(t, allowed)
	allowed, _ = l.Check("10.0.0.1")
	assert.False(t, allowed)

	// A different client has its own full bucket.
	allowed, _ = l.Check("10.0.0.2")
	assert.True(t, allowed)
	assert.Equal(t, 2, l.Size())
}

func TestLimiterRefills(t *testing.T) {
	// 6000 rpm = 100 tokens/sec, so a drained bucket recovers quickly.
	l := newTestLimiter(6000, 1)

	allowed, _ := l.Check("10.0.0.1")
	require.True(t, allowed)
	allowed, retryAfter := l.Check("10.0.0.1")
	require.False(t, allowed)

	time.Sleep(retryAfter + 5*time.Millisecond)
	allowed, _ = l.Check("10.0.0.1")
	assert.True(t, allowed)
}

func TestLimiterDenialConsumesNothing(t *testing.T) {
	l := newTestLimiter(1, 1) // one token per minute

	allowed, _ := l.Check("10.0.0.1")
	require.True(t, allowed)

	// Repeated denials must not push the retry horizon further out.
	_, first := l.Check("10.0.0.1")
	for i := 0; i < 5; i++ {
		_, again := l.Check("10.0.0.1")
		assert.LessOrEqual(t, again, first)
	}
}
