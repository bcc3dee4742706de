// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrSessionClosed the client session is closed
var ErrSessionClosed = errors.New("client session closed")

// ErrSlowClient the client is not reading its frames fast enough
var ErrSlowClient = errors.New("client send buffer full")

// clientSession a client's websocket connection
type clientSession struct {
	goutils.Component
	id        string
	ws        *websocket.Conn
	config    *common.ClientSessionConfig
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

// ConnectionID the unique connection ID
func (s *clientSession) ConnectionID() string {
	return s.id
}

// Push queue an event for sending to the client
//
// A client whose send buffer is full is dropped.
func (s *clientSession) Push(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s payload", event)
		return err
	}
	frame, err := json.Marshal(relay.Frame{Event: event, Data: data})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s frame", event)
		return err
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		log.WithFields(s.LogTags).Error("Send buffer full, dropping client")
		s.close()
		return ErrSlowClient
	}
}

// close stop the session
func (s *clientSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// writeLoop send queued frames and keep-alive pings until the session closes
func (s *clientSession) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	pingInterval := time.Second * time.Duration(s.config.PingIntervalSec)
	writeTimeout := time.Second * time.Duration(s.config.WriteTimeoutSec)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		_ = s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		// Unblock the read loop
		_ = s.ws.Close()
	}()
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Frame write failed")
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeTimeout),
			); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Ping failed")
				s.close()
				return
			}
		}
	}
}

// readLoop pass client frames to the relay until the connection fails
func (s *clientSession) readLoop(ctxt context.Context, relayer relay.NotificationRelay) {
	pongTimeout := time.Second * time.Duration(s.config.PongTimeoutSec)
	s.ws.SetReadLimit(s.config.MaxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, frame, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Connection lost")
			}
			return
		}
		if err := s.limiter.Wait(ctxt); err != nil {
			return
		}
		// Any client frame counts as a sign of life
		_ = s.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		if err := relayer.HandleFrame(ctxt, s.id, frame); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to process client frame")
			if errors.Is(err, relay.ErrConnectionClosed) || errors.Is(err, ErrSessionClosed) {
				return
			}
		}
	}
}

// ==============================================================================

// WebSocketSessionHandler serves the relay's client websocket sessions
type WebSocketSessionHandler struct {
	goutils.RestAPIHandler
	relay       relay.NotificationRelay
	config      common.ClientSessionConfig
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetWebSocketSessionHandler define WebSocketSessionHandler
func GetWebSocketSessionHandler(
	baseContext context.Context,
	relayer relay.NotificationRelay,
	httpConfig *common.HTTPConfig,
	sessionConfig common.ClientSessionConfig,
	wg *sync.WaitGroup,
) (*WebSocketSessionHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket-session",
	}
	allowedOrigins := map[string]bool{}
	for _, origin := range sessionConfig.AllowedOrigins {
		allowedOrigins[origin] = true
	}
	return &WebSocketSessionHandler{
		RestAPIHandler: defineRestAPIHandler(httpConfig, logTags),
		relay:          relayer,
		config:         sessionConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 || allowedOrigins["*"] {
					return true
				}
				return allowedOrigins[r.Header.Get("Origin")]
			},
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Serve upgrade the request to a websocket, and run the client session over it
func (h *WebSocketSessionHandler) Serve(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	connID := uuid.New().String()
	logTags := log.Fields{"connection": connID, "remote": r.RemoteAddr}
	for k, v := range h.LogTags {
		logTags[k] = v
	}
	session := &clientSession{
		Component: goutils.Component{LogTags: logTags},
		id:        connID,
		ws:        ws,
		config:    &h.config,
		send:      make(chan []byte, h.config.SendBufferLen),
		closed:    make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(h.config.MaxFramesPerSec), h.config.FrameBurst),
	}
	sessionCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	h.relay.Connect(session)
	log.WithFields(logTags).Info("Client connected")
	defer log.WithFields(logTags).Info("Client disconnected")

	sessionWG := sync.WaitGroup{}
	sessionWG.Add(1)
	go session.writeLoop(&sessionWG)

	// Close the session on server shutdown
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-sessionCtxt.Done():
		case <-session.closed:
		}
		session.close()
	}()

	session.readLoop(sessionCtxt, h.relay)

	h.relay.Disconnect(connID)
	session.close()
	sessionWG.Wait()
}

// ServeHandler Wrapper around Serve
func (h *WebSocketSessionHandler) ServeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r)
	}
}
