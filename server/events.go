// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package server

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// EventMessage is one timeline event on the stream
type EventMessage struct {
	CallSID model.SID   `json:"call_sid"`
	Event   model.Event `json:"event"`
}

// Hub fans session timeline events out to websocket clients. Slow clients
// lose events rather than blocking the engine.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
	logger  zerolog.Logger
}

type hubClient struct {
	send chan EventMessage
	done chan struct{}
}

var _ engine.EventSink = (*Hub)(nil)

// NewHub creates an event hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger,
	}
}

// Publish implements engine.EventSink
func (h *Hub) Publish(callID model.SID, ev model.Event) {
	msg := EventMessage{CallSID: callID, Event: ev}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug().Str("call_sid", callID.String()).Msg("Event client lagging, event dropped")
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (*hubClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &hubClient{
		send: make(chan EventMessage, clientBuffer),
		done: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unsubscribe(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.done)
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.opts.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	l := zerolog.Ctx(r.Context())
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c, ok := s.hub.subscribe()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	l.Debug().Msg("Event client connected")

	// Reader: the stream is one-way, reads only detect the client leaving
	go func() {
		defer s.hub.unsubscribe(c)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.unsubscribe(c)
		conn.Close()
		l.Debug().Msg("Event client disconnected")
	}()
	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		}
	}
}
