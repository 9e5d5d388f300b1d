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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
)

// pruneAfter is how long an idle client's bucket survives before it is
// dropped. A dropped bucket refills to full burst, which is the correct
// steady state for a client that has been away that long.
const pruneAfter = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out admission tokens per client, one token bucket each.
// It is consulted before validation so a denied request spends no CPU on
// content checks.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket

	limit rate.Limit
	burst int

	lastPrune time.Time
}

// NewLimiter builds a limiter from the security configuration. The refill
// rate is requests-per-minute; burst is the bucket capacity.
func NewLimiter(cfg config.SecurityConfig) *Limiter {
	return &Limiter{
		clients:   make(map[string]*clientBucket),
		limit:     rate.Limit(float64(cfg.RateLimitRequestsPerMinute) / 60.0),
		burst:     cfg.RateLimitBurstSize,
		lastPrune: time.Now(),
	}
}

// Check spends one token for the client. When the bucket is empty it
// reports the positive wait until the next token without consuming anything.
func (l *Limiter) Check(clientID string) (allowed bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.clients[clientID]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientID] = b
	}
	b.lastSeen = now
	if now.Sub(l.lastPrune) > pruneAfter {
		l.pruneLocked(now)
	}
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Err builds the RATE_LIMITED error carrying the retry hint.
func (l *Limiter) Err(retryAfter time.Duration) error {
	return errs.New(errs.RateLimited, "rate limit exceeded, retry in %.0f seconds",
		retryAfter.Seconds()+0.5)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for id, b := range l.clients {
		if now.Sub(b.lastSeen) > pruneAfter {
			delete(l.clients, id)
		}
	}
	l.lastPrune = now
}

// Size reports the tracked client count, for the status endpoint.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
