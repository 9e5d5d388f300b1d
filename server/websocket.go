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

package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/errs"
	"github.com/imgbase/imgbase/progress"
)

const (
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadLimit        = 1 << 20
	wsSendBacklog      = 64
)

var wsBufferPool = new(sync.Pool)

// envelope is the wire form of every server-to-client message.
type envelope struct {
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
	EventsLost bool        `json:"events_lost,omitempty"`
}

// clientMessage is the wire form of every client-to-server message.
type clientMessage struct {
	Event string `json:"event"`
	Data  struct {
		QueueID string `json:"queue_id"`
	} `json:"data"`
}

// websocketHandler upgrades connections at /socket.io/ and runs a session
// per connection.
func (s *Server) websocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
		CheckOrigin:     wsHandshakeValidator(s.cfg.Server.WSOrigins, s.log),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("WebSocket upgrade failed")
			return
		}
		sess := &wsSession{
			id:     uuid.NewString(),
			server: s,
			conn:   conn,
			send:   make(chan envelope, wsSendBacklog),
			quit:   make(chan struct{}),
			rooms:  make(map[string]*progress.Subscription),
			log:    s.log.WithField("remote", conn.RemoteAddr().String()),
		}
		sess.run()
	})
}

// wsHandshakeValidator verifies the Origin header during the upgrade. A "*"
// entry accepts every origin; requests without an Origin header (non-browser
// clients) are always accepted.
func wsHandshakeValidator(allowedOrigins []string, log *logrus.Entry) func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		if origin != "" {
			origins.Add(strings.ToLower(origin))
		}
	}
	return func(req *http.Request) bool {
		if _, ok := req.Header["Origin"]; !ok {
			return true
		}
		origin := strings.ToLower(req.Header.Get("Origin"))
		if allowAll || origins.Contains(origin) || originHostAllowed(origins, origin) {
			return true
		}
		log.WithField("origin", origin).Warn("rejected WebSocket connection")
		return false
	}
}

// originHostAllowed also accepts a bare-hostname allow entry against a full
// origin URL.
func originHostAllowed(origins mapset.Set[string], browserOrigin string) bool {
	u, err := url.Parse(browserOrigin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return origins.Contains(u.Hostname())
}

// wsSession is one connected client: a read loop parsing client messages, a
// write loop owning the connection for output and pings, and one forwarder
// per joined room.
type wsSession struct {
	id     string
	server *Server
	conn   *websocket.Conn
	log    *logrus.Entry

	send chan envelope
	quit chan struct{}

	mu    sync.Mutex
	rooms map[string]*progress.Subscription
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func (sess *wsSession) run() {
	sess.conn.SetReadLimit(wsReadLimit)
	sess.wg.Add(1)
	go sess.writeLoop()

	sess.enqueue(envelope{Event: string(progress.EventConnected), Data: map[string]string{"sid": sess.id}})
	sess.readLoop()

	sess.close()
	sess.wg.Wait()
}

func (sess *wsSession) close() {
	sess.closeOnce.Do(func() {
		close(sess.quit)
		sess.mu.Lock()
		for jobID, sub := range sess.rooms {
			sess.server.bus.Unsubscribe(sub)
			delete(sess.rooms, jobID)
		}
		sess.mu.Unlock()
		sess.conn.Close()
	})
}

// enqueue hands an envelope to the write loop without ever blocking the
// caller; a stalled connection sheds messages (the progress bus already
// flags losses end to end).
func (sess *wsSession) enqueue(env envelope) {
	select {
	case sess.send <- env:
	case <-sess.quit:
	default:
	}
}

func (sess *wsSession) readLoop() {
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Time{})
		return nil
	})
	for {
		var msg clientMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.WithError(err).Debug("WebSocket read ended")
			}
			return
		}
		sess.dispatch(msg)
	}
}

func (sess *wsSession) dispatch(msg clientMessage) {
	jobID := msg.Data.QueueID
	switch msg.Event {
	case "join_queue":
		sess.joinQueue(jobID)
	case "leave_queue":
		sess.leaveQueue(jobID)
	case "request_progress":
		sess.sendSnapshot(string(progress.EventBatchProgress), jobID)
	case "get_queue_status":
		sess.sendSnapshot(string(progress.EventQueueStatus), jobID)
	case "cancel_batch":
		sess.cancelBatch(jobID)
	case "get_active_queues":
		sess.enqueue(envelope{
			Event: string(progress.EventActiveQueues),
			Data:  map[string]interface{}{"active_queues": sess.server.scheduler.ActiveJobs()},
		})
	default:
		sess.enqueue(envelope{
			Event: string(progress.EventBatchError),
			Data:  map[string]string{"error": "unknown event " + msg.Event},
		})
	}
}

func (sess *wsSession) joinQueue(jobID string) {
	if jobID == "" {
		return
	}
	sess.mu.Lock()
	if _, joined := sess.rooms[jobID]; joined {
		sess.mu.Unlock()
		return
	}
	sub := sess.server.bus.Subscribe(jobID)
	sess.rooms[jobID] = sub
	sess.mu.Unlock()

	sess.wg.Add(1)
	go sess.forward(sub)
	// Immediate snapshot so late joiners of terminal jobs still see state.
	sess.sendSnapshot(string(progress.EventBatchProgress), jobID)
}

func (sess *wsSession) leaveQueue(jobID string) {
	sess.mu.Lock()
	sub, ok := sess.rooms[jobID]
	if ok {
		delete(sess.rooms, jobID)
	}
	sess.mu.Unlock()
	if ok {
		sess.server.bus.Unsubscribe(sub)
	}
}

// forward relays one room's events to the socket until the subscription or
// the session ends.
func (sess *wsSession) forward(sub *progress.Subscription) {
	defer sess.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sess.quit
		cancel()
	}()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		sess.enqueue(envelope{Event: string(ev.Type), Data: ev.Data, EventsLost: ev.EventsLost})
	}
}

func (sess *wsSession) sendSnapshot(event, jobID string) {
	snap, err := sess.server.scheduler.Progress(jobID)
	if err != nil {
		sess.enqueue(errorEnvelope(jobID, err))
		return
	}
	sess.enqueue(envelope{Event: event, Data: snap})
}

func (sess *wsSession) cancelBatch(jobID string) {
	snap, err := sess.server.scheduler.Cancel(jobID)
	if err != nil && snap == nil {
		sess.enqueue(errorEnvelope(jobID, err))
		return
	}
	// Terminal confirmation arrives through the room subscription; answer
	// the requester directly as well in case it never joined.
	sess.enqueue(envelope{Event: string(progress.EventBatchCancelled), Data: snap})
}

func errorEnvelope(jobID string, err error) envelope {
	e := errs.Convert(err)
	return envelope{
		Event: string(progress.EventBatchError),
		Data: map[string]interface{}{
			"queue_id":   jobID,
			"error":      e.Message,
			"error_code": string(e.Kind),
		},
	}
}

// writeLoop is the sole writer on the connection: outbound envelopes plus
// idle pings.
func (sess *wsSession) writeLoop() {
	defer sess.wg.Done()
	pingTimer := time.NewTimer(wsPingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case env := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteJSON(env); err != nil {
				sess.log.WithError(err).Debug("WebSocket write failed")
				sess.close()
				return
			}
			if !pingTimer.Stop() {
				<-pingTimer.C
			}
			pingTimer.Reset(wsPingInterval)

		case <-pingTimer.C:
			sess.conn.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			pingTimer.Reset(wsPingInterval)

		case <-sess.quit:
			return
		}
	}
}
