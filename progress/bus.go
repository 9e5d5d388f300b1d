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

package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Next after the subscription is unsubscribed.
var ErrClosed = errors.New("progress: subscription closed")

// DefaultBufferSize bounds each subscription's pending-event buffer.
const DefaultBufferSize = 256

var (
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "progress", Name: "events_published_total",
		Help: "Events published to the bus.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "progress", Name: "events_dropped_total",
		Help: "Buffered events dropped by slow subscribers.",
	})
)

// Bus fans job events out to subscriber rooms keyed by job id. Publish
// never blocks: slow subscribers lose intermediate events instead.
type Bus struct {
	mu      sync.Mutex
	rooms   map[string]map[*Subscription]struct{}
	bufSize int
	log     *logrus.Entry
}

// NewBus creates a bus with the default per-subscription buffer size.
func NewBus(log *logrus.Entry) *Bus {
	return NewBusWithBuffer(log, DefaultBufferSize)
}

// NewBusWithBuffer creates a bus with an explicit per-subscription buffer
// size.
func NewBusWithBuffer(log *logrus.Entry, bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{
		rooms:   make(map[string]map[*Subscription]struct{}),
		bufSize: bufSize,
		log:     log.WithField("component", "progress"),
	}
}

// Subscribe registers a new subscriber for the job's events.
func (b *Bus) Subscribe(jobID string) *Subscription {
	s := &Subscription{
		bus:    b,
		jobID:  jobID,
		cap:    b.bufSize,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	b.mu.Lock()
	room := b.rooms[jobID]
	if room == nil {
		room = make(map[*Subscription]struct{})
		b.rooms[jobID] = room
	}
	room[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscription and wakes any blocked Next.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	if room, ok := b.rooms[s.jobID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(b.rooms, s.jobID)
		}
	}
	b.mu.Unlock()
	s.close()
}

// Publish delivers the event to every current subscriber of the job's room.
// It never blocks on any of them.
func (b *Bus) Publish(jobID string, ev Event) {
	ev.JobID = jobID
	b.mu.Lock()
	room := b.rooms[jobID]
	subs := make([]*Subscription, 0, len(room))
	for s := range room {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	metricPublished.Inc()
	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribers reports the current room size for a job.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[jobID])
}

// Subscription is one subscriber's ordered view of a job's events. Events
// are buffered up to cap; overflow drops the oldest non-terminal event and
// flags the loss on the next delivered event.
type Subscription struct {
	bus   *Bus
	jobID string
	cap   int

	mu     sync.Mutex
	buf    []Event
	lost   bool
	closed bool

	notify chan struct{}
	quit   chan struct{}
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() string { return s.jobID }

// Next returns the next pending event, blocking until one is published, the
// context ends, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			if s.lost {
				ev.EventsLost = true
				s.lost = false
			}
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-s.notify:
		case <-s.quit:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch {
	case ev.Type == EventBatchProgress && len(s.buf) > 0 && s.buf[len(s.buf)-1].Type == EventBatchProgress:
		// Consecutive progress snapshots coalesce; the latest wins.
		s.buf[len(s.buf)-1] = ev
	case len(s.buf) >= s.cap:
		if s.dropOldestLocked() {
			s.buf = append(s.buf, ev)
		} else if ev.Type.Terminal() {
			// Buffer entirely terminal; grow rather than lose a terminal.
			s.buf = append(s.buf, ev)
		} else {
			s.lost = true
			metricDropped.Inc()
		}
	default:
		s.buf = append(s.buf, ev)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dropOldestLocked removes the oldest non-terminal buffered event. Reports
// whether anything was dropped.
func (s *Subscription) dropOldestLocked() bool {
	for i := range s.buf {
		if !s.buf[i].Type.Terminal() {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			s.lost = true
			metricDropped.Inc()
			return true
		}
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
}

// Pending reports the buffered event count, for tests and the status
// endpoint.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
