// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/roomsync/pkg/archive"
	"github.com/livekit/roomsync/pkg/config"
)

// StatusServer exposes health, metrics, room snapshots and the event feed
// over HTTP.
type StatusServer struct {
	config      *config.ServiceConfig
	roomService *RoomService
	feed        *EventFeed
	httpServer  *http.Server
	running     atomic.Bool
	doneChan    chan struct{}
}

func NewStatusServer(conf *config.ServiceConfig, source RoomSource, store archive.Store, feed *EventFeed) *StatusServer {
	s := &StatusServer{
		config:      conf,
		roomService: NewRoomService(source, store),
		feed:        feed,
		doneChan:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /counters", s.roomService.GetCounters)
	mux.HandleFunc("GET /rooms", s.roomService.ListRooms)
	mux.HandleFunc("GET /rooms/{name}", s.roomService.GetRoom)
	mux.HandleFunc("DELETE /rooms/{name}", s.roomService.DeleteRoom)
	if feed != nil {
		mux.Handle("GET /events", feed)
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		negroni.HandlerFunc(RemoveDoubleSlashes),
	}
	if len(conf.CORSOrigins) > 0 {
		middlewares = append(middlewares, cors.New(cors.Options{
			AllowedOrigins: conf.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodDelete},
		}))
	}

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(conf.BindAddress, fmt.Sprint(conf.Port)),
		Handler: configureMiddlewares(mux, middlewares...),
	}
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *StatusServer) IsRunning() bool {
	return s.running.Load()
}

// Start serves until Stop is called or ctx is done.
func (s *StatusServer) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	// ensure we could listen
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.running.Store(false)
		return err
	}

	go func() {
		logger.Infow("starting status server", "address", s.httpServer.Addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorw("status server failed", err)
		}
	}()

	select {
	case <-s.doneChan:
	case <-ctx.Done():
	}

	if s.feed != nil {
		s.feed.Close()
	}

	// wait for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.running.Store(false)
	return nil
}

func (s *StatusServer) Stop() {
	select {
	case <-s.doneChan:
	default:
		close(s.doneChan)
	}
}

func (s *StatusServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}

// ServePrometheus serves /metrics on its own listener until ctx is done.
func ServePrometheus(ctx context.Context, bindAddress string, port uint32) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:    net.JoinHostPort(bindAddress, fmt.Sprint(port)),
		Handler: configureMiddlewares(mux, negroni.NewRecovery()),
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		logger.Infow("starting prometheus server", "address", httpServer.Addr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorw("prometheus server failed", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
