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

// Package relay relays user notifications from the queue to the users' connected clients
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/auth"
	"github.com/alwitt/notifrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Client protocol events
const (
	EventAuthenticate = "authenticate"
	EventAckNots      = "ack_nots"
	EventMessage      = "message"
	EventError        = "error"
)

// Client protocol response status
const (
	StatusOK             = "OK"
	StatusAuthFailed     = "ERR_AUTH_FAILED"
	StatusInvalidMessage = "ERR_INVALID_MESSAGE"
	StatusUnauthorized   = "ERR_UNAUTHORIZED"
)

// Frame a client protocol frame
type Frame struct {
	// Event the event name
	Event string `json:"event"`
	// Data the event payload
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResponse response to a client request
type StatusResponse struct {
	Status string `json:"status"`
}

// authenticateRequest payload of an authenticate event
type authenticateRequest struct {
	SessionID string `json:"session_id"`
}

// ClientConnection a client's transport session as seen by the relay
type ClientConnection interface {
	// ConnectionID the unique connection ID
	ConnectionID() string
	// Push queue an event for sending to the client. Must not block.
	Push(event string, payload interface{}) error
}

// NotificationRelay binds client connections, session authentication, and the users'
// notification queues together
type NotificationRelay interface {
	// Connect start tracking a new client connection
	Connect(conn ClientConnection)
	// Disconnect stop tracking a client connection
	Disconnect(connID string)
	// HandleFrame process a frame received from a client
	HandleFrame(ctxt context.Context, connID string, raw []byte) error
	// StartEventLoop start the relay's event loops
	StartEventLoop(wg *sync.WaitGroup) error
	// Stop stop the event loops, and release every queue subscription
	Stop() error
}

// NotificationRelayParam parameters for the NotificationRelay
type NotificationRelayParam struct {
	// Workers number of workers starting and stopping queue subscriptions
	Workers int `validate:"required,gte=1"`
	// QueueCallTimeout max duration of one queue operation
	QueueCallTimeout time.Duration `validate:"required"`
}

// reconcileRequest bring an identity's queue subscription in line with its connections
type reconcileRequest struct {
	identity string
	done     chan error
}

// RoutingKey requests for the same identity are processed in order
func (r reconcileRequest) RoutingKey() string {
	return r.identity
}

// notificationRelayImpl implements NotificationRelay
type notificationRelayImpl struct {
	goutils.Component
	rootCtxt       context.Context
	param          NotificationRelayParam
	authenticator  auth.SessionAuthenticator
	registry       ConnectionRegistry
	bridge         QueueBridge
	tp             common.TaskProcessor
	lock           sync.RWMutex
	connections    map[string]ClientConnection
	// authenticating connections are excluded from fan-out until their replay
	authenticating map[string]bool
}

// GetNotificationRelay define new NotificationRelay
func GetNotificationRelay(
	rootCtxt context.Context,
	param NotificationRelayParam,
	authenticator auth.SessionAuthenticator,
	registry ConnectionRegistry,
	bridge QueueBridge,
	instance string,
) (NotificationRelay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "notification-relay", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay parameters")
		return nil, err
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		rootCtxt, fmt.Sprintf("%s.subscriptions", instance), param.Workers*4, param.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instanceImpl := &notificationRelayImpl{
		Component:      goutils.Component{LogTags: logTags},
		rootCtxt:       rootCtxt,
		param:          param,
		authenticator:  authenticator,
		registry:       registry,
		bridge:         bridge,
		tp:             tp,
		connections:    make(map[string]ClientConnection),
		authenticating: make(map[string]bool),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(reconcileRequest{}), instanceImpl.processReconcile,
	); err != nil {
		return nil, err
	}
	return instanceImpl, nil
}

// StartEventLoop start the relay's event loops
func (r *notificationRelayImpl) StartEventLoop(wg *sync.WaitGroup) error {
	return r.tp.StartEventLoop(wg)
}

// Stop stop the event loops, and release every queue subscription
func (r *notificationRelayImpl) Stop() error {
	err := r.tp.StopEventLoop()
	r.bridge.StopAll()
	return err
}

// =======================================================================
// Connection lifecycle

// Connect start tracking a new client connection
func (r *notificationRelayImpl) Connect(conn ClientConnection) {
	r.lock.Lock()
	r.connections[conn.ConnectionID()] = conn
	r.lock.Unlock()
	r.registry.Track(conn.ConnectionID())
	log.WithFields(r.LogTags).Debugf("Connected %s", conn.ConnectionID())
}

// Disconnect stop tracking a client connection
func (r *notificationRelayImpl) Disconnect(connID string) {
	r.lock.Lock()
	delete(r.connections, connID)
	delete(r.authenticating, connID)
	r.lock.Unlock()
	identity, emptied := r.registry.Unregister(connID)
	log.WithFields(r.LogTags).Debugf("Disconnected %s (%s)", connID, identity)
	if emptied {
		r.requestReconcile(r.rootCtxt, identity)
	}
}

func (r *notificationRelayImpl) getConnection(connID string) (ClientConnection, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}

// getFanOutTarget get a connection, and whether its live deliveries are held back
func (r *notificationRelayImpl) getFanOutTarget(connID string) (ClientConnection, bool, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, false, ErrUnknownConnection
	}
	return conn, r.authenticating[connID], nil
}

// =======================================================================
// Client requests

// HandleFrame process a frame received from a client
func (r *notificationRelayImpl) HandleFrame(
	ctxt context.Context, connID string, raw []byte,
) error {
	conn, err := r.getConnection(connID)
	if err != nil {
		return err
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Undecodable frame from %s", connID)
		return conn.Push(EventError, StatusResponse{Status: StatusInvalidMessage})
	}
	switch frame.Event {
	case EventAuthenticate:
		return r.handleAuthenticate(ctxt, conn, frame.Data)
	case EventAckNots:
		return r.handleAckNots(ctxt, conn, frame.Data)
	default:
		log.WithFields(r.LogTags).Debugf("Unknown event %q from %s", frame.Event, connID)
		return conn.Push(EventError, StatusResponse{Status: StatusInvalidMessage})
	}
}

// decodeEventData parse an event payload. Payloads sent as a JSON encoded string are
// accepted as well.
func decodeEventData(data json.RawMessage, target interface{}) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("no event data")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(inner)
	}
	return json.Unmarshal(data, target)
}

func (r *notificationRelayImpl) handleAuthenticate(
	ctxt context.Context, conn ClientConnection, data json.RawMessage,
) error {
	connID := conn.ConnectionID()
	var request authenticateRequest
	if err := decodeEventData(data, &request); err != nil || request.SessionID == "" {
		return conn.Push(EventAuthenticate, StatusResponse{Status: StatusInvalidMessage})
	}
	identity, err := r.authenticator.Authenticate(ctxt, request.SessionID)
	if err != nil {
		return conn.Push(EventAuthenticate, StatusResponse{Status: StatusAuthFailed})
	}

	// Hold back live deliveries until the replay; whatever arrives meanwhile is pending,
	// so the replay includes it
	r.setAuthenticating(connID, true)
	defer r.setAuthenticating(connID, false)

	result, err := r.registry.Register(connID, identity)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Infof(
			"Connection %s gone before authentication finished", connID,
		)
		return err
	}
	if result.PreviousEmptied {
		r.requestReconcile(ctxt, result.PreviousIdentity)
	}
	if err := r.reconcile(ctxt, identity); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to subscribe to notifications of %s", identity,
		)
		// Without a subscription the connection would never see a notification
		r.registry.Unbind(connID)
		r.requestReconcile(ctxt, identity)
		return conn.Push(EventAuthenticate, StatusResponse{Status: StatusAuthFailed})
	}
	log.WithFields(r.LogTags).Infof("Connection %s authenticated as %s", connID, identity)
	if err := conn.Push(EventAuthenticate, StatusResponse{Status: StatusOK}); err != nil {
		return err
	}
	// Catch the client up on what it has yet to acknowledge
	r.setAuthenticating(connID, false)
	for _, notification := range r.bridge.GetUnacknowledged(identity) {
		if err := conn.Push(EventMessage, notification); err != nil {
			return err
		}
	}
	return nil
}

// setAuthenticating mark whether a connection is between binding and replay
func (r *notificationRelayImpl) setAuthenticating(connID string, authenticating bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !authenticating {
		delete(r.authenticating, connID)
		return
	}
	if _, ok := r.connections[connID]; ok {
		r.authenticating[connID] = true
	}
}

func (r *notificationRelayImpl) handleAckNots(
	ctxt context.Context, conn ClientConnection, data json.RawMessage,
) error {
	identity, ok := r.registry.ResolveIdentity(conn.ConnectionID())
	if !ok {
		return conn.Push(EventAckNots, StatusResponse{Status: StatusUnauthorized})
	}
	var ids []int64
	if err := decodeEventData(data, &ids); err != nil {
		return conn.Push(EventAckNots, StatusResponse{Status: StatusInvalidMessage})
	}
	acked := 0
	for _, id := range ids {
		ackCtxt, cancel := context.WithTimeout(ctxt, r.param.QueueCallTimeout)
		if r.bridge.Acknowledge(ackCtxt, identity, id) {
			acked++
		}
		cancel()
	}
	log.WithFields(r.LogTags).Debugf("%s acknowledged %d of %d", identity, acked, len(ids))
	return conn.Push(EventAckNots, StatusResponse{Status: StatusOK})
}

// =======================================================================
// Queue subscriptions

// reconcile request an identity's subscription be reconciled, and wait for it
func (r *notificationRelayImpl) reconcile(ctxt context.Context, identity string) error {
	done := make(chan error, 1)
	if err := r.tp.Submit(ctxt, reconcileRequest{identity: identity, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// requestReconcile request an identity's subscription be reconciled, without waiting
func (r *notificationRelayImpl) requestReconcile(ctxt context.Context, identity string) {
	if err := r.tp.Submit(ctxt, reconcileRequest{identity: identity}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to request subscription update for %s", identity,
		)
	}
}

// processReconcile subscribe to an identity's queue iff it has connections
func (r *notificationRelayImpl) processReconcile(param interface{}) error {
	request, ok := param.(reconcileRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	var err error
	if r.registry.HasConnections(request.identity) {
		ctxt, cancel := context.WithTimeout(r.rootCtxt, r.param.QueueCallTimeout)
		err = r.bridge.Start(ctxt, request.identity, r.fanOut)
		cancel()
	} else {
		err = r.bridge.Stop(request.identity)
	}
	if request.done != nil {
		request.done <- err
	}
	return err
}

// fanOut push a new notification to every connection of the identity
func (r *notificationRelayImpl) fanOut(identity string, notification common.Notification) {
	for _, connID := range r.registry.ConnectionsFor(identity) {
		conn, held, err := r.getFanOutTarget(connID)
		if err != nil {
			// Disconnected while fanning out
			continue
		}
		if held {
			// Delivered by the replay once authentication completes
			continue
		}
		if err := conn.Push(EventMessage, notification); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to push %s to %s", notification, connID,
			)
		}
	}
}
