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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/dataplane"
	"github.com/alwitt/notifrelay/relay"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type testBroker struct {
	connected bool
}

func (b testBroker) Connected() bool {
	return b.connected
}

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Notifrelay-Request-ID",
			DoNotLogHeaders: []string{"Cookie"},
		},
	}
}

func testSessionConfig() common.ClientSessionConfig {
	return common.ClientSessionConfig{
		SendBufferLen:   8,
		PingIntervalSec: 1,
		PongTimeoutSec:  5,
		WriteTimeoutSec: 1,
		MaxFrameBytes:   4096,
		MaxFramesPerSec: 100,
		FrameBurst:      100,
	}
}

func TestHealthHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: welcome text
	{
		uut, err := GetAPIRestHealthHandler(testBroker{connected: true}, testHTTPConfig())
		assert.Nil(err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		resp := httptest.NewRecorder()
		uut.WelcomeHandler()(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(WelcomeText, resp.Body.String())
	}

	// Case 1: alive
	{
		uut, err := GetAPIRestHealthHandler(testBroker{connected: false}, testHTTPConfig())
		assert.Nil(err)
		req := httptest.NewRequest(http.MethodGet, "/alive", nil)
		resp := httptest.NewRecorder()
		uut.AliveHandler()(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 2: ready follows the broker connection
	{
		uut, err := GetAPIRestHealthHandler(testBroker{connected: true}, testHTTPConfig())
		assert.Nil(err)
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		resp := httptest.NewRecorder()
		uut.ReadyHandler()(resp, req)
		assert.Equal(http.StatusOK, resp.Code)
	}
	{
		uut, err := GetAPIRestHealthHandler(testBroker{connected: false}, testHTTPConfig())
		assert.Nil(err)
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		resp := httptest.NewRecorder()
		uut.ReadyHandler()(resp, req)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}
}

func TestClientSessionPush(t *testing.T) {
	assert := assert.New(t)

	uut := &clientSession{
		id:     "conn-1",
		send:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	// Case 0: queued
	assert.Nil(uut.Push(relay.EventAuthenticate, relay.StatusResponse{Status: relay.StatusOK}))
	{
		frame := <-uut.send
		assert.JSONEq(`{"event":"authenticate","data":{"status":"OK"}}`, string(frame))
	}

	// Case 1: a client not keeping up is dropped
	assert.Nil(uut.Push(relay.EventMessage, common.Notification{ID: 1}))
	assert.ErrorIs(uut.Push(relay.EventMessage, common.Notification{ID: 2}), ErrSlowClient)
	assert.ErrorIs(uut.Push(relay.EventMessage, common.Notification{ID: 3}), ErrSessionClosed)
}

// ==============================================================================

type testQueueMessage struct {
	lock sync.Mutex
	data []byte
	acks int
}

func (m *testQueueMessage) Data() []byte { return m.data }

func (m *testQueueMessage) Ack(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.acks++
	return nil
}

func (m *testQueueMessage) Nak() error { return nil }

func (m *testQueueMessage) String() string { return string(m.data) }

func (m *testQueueMessage) ackCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.acks
}

type testConsumer struct {
	lock    sync.Mutex
	forward dataplane.ForwardMessageHandlerCB
	closed  bool
}

func (c *testConsumer) StartReading(
	forwardCB dataplane.ForwardMessageHandlerCB, _ dataplane.AlertOnErrorCB, _ *sync.WaitGroup,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.forward = forwardCB
	return nil
}

func (c *testConsumer) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *testConsumer) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

type testConsumerFactory struct {
	lock      sync.Mutex
	consumers map[string]*testConsumer
}

func (f *testConsumerFactory) OpenConsumer(
	_ context.Context, identity string,
) (dataplane.NotificationConsumer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	consumer := &testConsumer{}
	f.consumers[identity] = consumer
	return consumer, nil
}

func (f *testConsumerFactory) get(identity string) *testConsumer {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.consumers[identity]
}

type testAuthenticator struct{}

func (a testAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "alice-session" {
		return "alice", nil
	}
	return "", fmt.Errorf("unknown session")
}

func (a testAuthenticator) Sweep() {}

func readFrame(assert *assert.Assertions, conn *websocket.Conn) relay.Frame {
	var frame relay.Frame
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
	_, raw, err := conn.ReadMessage()
	assert.Nil(err)
	assert.Nil(json.Unmarshal(raw, &frame))
	return frame
}

func TestWebSocketSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &testConsumerFactory{consumers: map[string]*testConsumer{}}
	bridge := relay.GetQueueBridge(factory, &wg, "ut-websocket")
	relayer, err := relay.GetNotificationRelay(
		utCtxt,
		relay.NotificationRelayParam{Workers: 2, QueueCallTimeout: time.Second},
		testAuthenticator{},
		relay.GetConnectionRegistry("ut-websocket"),
		bridge,
		"ut-websocket",
	)
	assert.Nil(err)
	assert.Nil(relayer.StartEventLoop(&wg))
	defer func() {
		assert.Nil(relayer.Stop())
	}()

	uut, err := GetWebSocketSessionHandler(
		utCtxt, relayer, testHTTPConfig(), testSessionConfig(), &wg,
	)
	assert.Nil(err)
	health, err := GetAPIRestHealthHandler(testBroker{connected: true}, testHTTPConfig())
	assert.Nil(err)

	server := httptest.NewServer(DefineRelayRouter("/", "/socket", health, uut))
	defer server.Close()

	// Case 0: plain GET on the base path
	{
		resp, err := http.Get(server.URL)
		assert.Nil(err)
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(WelcomeText, string(body))
	}
	{
		resp, err := http.Get(server.URL + "/ready")
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)

	// Case 1: garbage frame
	assert.Nil(client.WriteMessage(websocket.TextMessage, []byte("hello")))
	{
		frame := readFrame(assert, client)
		assert.Equal(relay.EventError, frame.Event)
		assert.JSONEq(`{"status":"ERR_INVALID_MESSAGE"}`, string(frame.Data))
	}

	// Case 2: authenticate
	assert.Nil(client.WriteMessage(
		websocket.TextMessage,
		[]byte(`{"event":"authenticate","data":{"session_id":"alice-session"}}`),
	))
	{
		frame := readFrame(assert, client)
		assert.Equal(relay.EventAuthenticate, frame.Event)
		assert.JSONEq(`{"status":"OK"}`, string(frame.Data))
	}
	assert.True(bridge.IsSubscribed("alice"))

	// Case 3: notification pushed to the client
	msg := &testQueueMessage{data: []byte(`{"id":42,"message":{"text":"hi"}}`)}
	assert.Nil(factory.get("alice").forward(utCtxt, msg))
	{
		frame := readFrame(assert, client)
		assert.Equal(relay.EventMessage, frame.Event)
		assert.JSONEq(`{"id":42,"message":{"text":"hi"}}`, string(frame.Data))
	}

	// Case 4: acknowledge
	assert.Nil(client.WriteMessage(
		websocket.TextMessage, []byte(`{"event":"ack_nots","data":[42]}`),
	))
	{
		frame := readFrame(assert, client)
		assert.Equal(relay.EventAckNots, frame.Event)
		assert.JSONEq(`{"status":"OK"}`, string(frame.Data))
	}
	assert.Equal(1, msg.ackCount())

	// Case 5: client leaves
	assert.Nil(client.Close())
	assert.Eventually(func() bool {
		return !bridge.IsSubscribed("alice")
	}, time.Second*2, time.Millisecond*10)
	assert.True(factory.get("alice").isClosed())
}
