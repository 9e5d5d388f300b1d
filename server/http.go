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

// Package server is the HTTP and WebSocket edge: it translates requests into
// core operations and core errors into status codes, and owns nothing else.
package server

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/batch"
	"github.com/imgbase/imgbase/cache"
	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/progress"
	"github.com/imgbase/imgbase/security"
)

// Server bundles the edge with its core collaborators.
type Server struct {
	cfg       *config.Config
	scheduler *batch.Scheduler
	cache     *cache.Cache
	validator *security.Validator
	limiter   *security.Limiter
	bus       *progress.Bus
	log       *logrus.Entry

	httpSrv  *http.Server
	listener net.Listener
}

// New wires the edge to the core singletons.
func New(cfg *config.Config, scheduler *batch.Scheduler, c *cache.Cache,
	validator *security.Validator, limiter *security.Limiter,
	bus *progress.Bus, log *logrus.Entry) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: scheduler,
		cache:     c,
		validator: validator,
		limiter:   limiter,
		bus:       bus,
		log:       log.WithField("component", "server"),
	}
}

// Handler builds the full handler stack: cors, then gzip, then the route
// mux. Exported so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/convert/to-base64", s.rateLimited(s.handleToBase64))
	mux.HandleFunc("POST /api/convert/to-base64-advanced", s.rateLimited(s.handleToBase64Advanced))
	mux.HandleFunc("POST /api/convert/from-base64", s.rateLimited(s.handleFromBase64))
	mux.HandleFunc("POST /api/validate-base64", s.rateLimited(s.handleValidateBase64))
	mux.HandleFunc("POST /api/convert/batch-start", s.rateLimited(s.handleBatchStart))
	mux.HandleFunc("GET /api/convert/batch-progress/{id}", s.handleBatchProgress)
	mux.HandleFunc("DELETE /api/convert/batch-cancel/{id}", s.handleBatchCancel)
	mux.HandleFunc("GET /api/convert/batch-status", s.handleBatchStatus)
	mux.HandleFunc("POST /api/convert/batch-cleanup", s.handleBatchCleanup)
	mux.HandleFunc("GET /api/cache/status", s.handleCacheStatus)
	mux.HandleFunc("DELETE /api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("POST /api/security/scan", s.rateLimited(s.handleSecurityScan))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/socket.io/", s.websocketHandler())

	return newCorsHandler(newGzipHandler(mux), s.cfg.Server.CORSOrigins)
}

// Start opens the listener and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.Handler()}
	go s.httpSrv.Serve(listener)
	s.log.WithField("url", fmt.Sprintf("http://%v/", listener.Addr())).Info("HTTP endpoint opened")
	return nil
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.log.Info("HTTP endpoint closed")
	return err
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func newCorsHandler(next http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodDelete},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(next)
}

var gzPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func newGzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		// WebSocket upgrades must see the raw connection.
		if isWebsocket(r) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")

		gz := gzPool.Get().(*gzip.Writer)
		defer gzPool.Put(gz)

		gz.Reset(w)
		defer gz.Close()

		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, Writer: gz}, r)
	})
}

// isWebsocket checks the header of an http request for a websocket upgrade
// request.
func isWebsocket(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
