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

// Package progress implements the job event fan-out: per-job subscriber
// rooms with bounded buffers, ordered delivery and a drop-oldest policy that
// never loses a terminal event.
package progress

// EventType names a job lifecycle event. The string values are the wire
// event names pushed to WebSocket clients.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventBatchStarted   EventType = "batch_started"
	EventBatchProgress  EventType = "batch_progress"
	EventFileProcessed  EventType = "file_processed"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchCancelled EventType = "batch_cancelled"
	EventBatchError     EventType = "batch_error"
	EventQueueStatus    EventType = "queue_status"
	EventActiveQueues   EventType = "active_queues"
)

// Terminal reports whether the event ends a job's lifecycle. Terminal events
// are exempt from buffer drops.
func (t EventType) Terminal() bool {
	switch t {
	case EventBatchCompleted, EventBatchCancelled, EventBatchError:
		return true
	}
	return false
}

// Event is one published job event. JobID routes it to a room and stays off
// the wire; the payload already carries queue_id where the protocol wants it.
type Event struct {
	Type       EventType   `json:"event"`
	JobID      string      `json:"-"`
	Data       interface{} `json:"data"`
	EventsLost bool        `json:"events_lost,omitempty"`
}
