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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/dataplane"
)

// mockMessage in-memory QueueMessage
type mockMessage struct {
	lock   sync.Mutex
	data   []byte
	acks   int
	naks   int
	ackErr error
	// when set, Ack signals ackStarted then waits for ackRelease to close
	ackStarted chan struct{}
	ackRelease chan struct{}
}

func newMockNotification(id int64, message string) *mockMessage {
	raw, _ := json.Marshal(message)
	payload, _ := common.EncodeNotification(common.Notification{ID: id, Message: raw})
	return &mockMessage{data: payload}
}

func (m *mockMessage) Data() []byte {
	return m.data
}

// holdAck make the next Ack wait until the returned release function is called. The
// returned channel receives once Ack is entered.
func (m *mockMessage) holdAck() (<-chan struct{}, func()) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.ackStarted = make(chan struct{}, 1)
	m.ackRelease = make(chan struct{})
	release := m.ackRelease
	return m.ackStarted, func() { close(release) }
}

func (m *mockMessage) Ack(_ context.Context) error {
	m.lock.Lock()
	started, release := m.ackStarted, m.ackRelease
	m.ackStarted, m.ackRelease = nil, nil
	m.lock.Unlock()
	if started != nil {
		started <- struct{}{}
		<-release
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.ackErr != nil {
		return m.ackErr
	}
	m.acks++
	return nil
}

func (m *mockMessage) Nak() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.naks++
	return nil
}

func (m *mockMessage) String() string {
	return fmt.Sprintf("MOCK[%s]", string(m.data))
}

func (m *mockMessage) counts() (int, int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.acks, m.naks
}

// mockConsumer in-memory NotificationConsumer
type mockConsumer struct {
	lock    sync.Mutex
	forward dataplane.ForwardMessageHandlerCB
	reading bool
	closed  bool
	// onReading is called once reading starts
	onReading func(c *mockConsumer)
}

func (c *mockConsumer) StartReading(
	forwardCB dataplane.ForwardMessageHandlerCB,
	_ dataplane.AlertOnErrorCB,
	_ *sync.WaitGroup,
) error {
	c.lock.Lock()
	if c.reading {
		c.lock.Unlock()
		return fmt.Errorf("already reading")
	}
	c.reading = true
	c.forward = forwardCB
	hook := c.onReading
	c.lock.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (c *mockConsumer) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *mockConsumer) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// deliver hand a message to the reader, as the queue would
func (c *mockConsumer) deliver(msg dataplane.QueueMessage) error {
	c.lock.Lock()
	forward := c.forward
	closed := c.closed
	c.lock.Unlock()
	if forward == nil || closed {
		return fmt.Errorf("not reading")
	}
	return forward(context.Background(), msg)
}

// mockConsumerFactory in-memory NotificationConsumerFactory
type mockConsumerFactory struct {
	lock      sync.Mutex
	opened    map[string]int
	consumers map[string]*mockConsumer
	openErr   error
	onReading func(c *mockConsumer)
}

func newMockConsumerFactory() *mockConsumerFactory {
	return &mockConsumerFactory{
		opened: make(map[string]int), consumers: make(map[string]*mockConsumer),
	}
}

func (f *mockConsumerFactory) OpenConsumer(
	_ context.Context, identity string,
) (dataplane.NotificationConsumer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	consumer := &mockConsumer{onReading: f.onReading}
	f.opened[identity]++
	f.consumers[identity] = consumer
	return consumer, nil
}

func (f *mockConsumerFactory) setOpenErr(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.openErr = err
}

func (f *mockConsumerFactory) setOnReading(hook func(c *mockConsumer)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onReading = hook
}

func (f *mockConsumerFactory) openCount(identity string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.opened[identity]
}

func (f *mockConsumerFactory) latest(identity string) *mockConsumer {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.consumers[identity]
}

// mockAuthenticator in-memory SessionAuthenticator
type mockAuthenticator struct {
	sessions map[string]string
}

func (a *mockAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	identity, ok := a.sessions[token]
	if !ok {
		return "", fmt.Errorf("unknown session %s", token)
	}
	return identity, nil
}

func (a *mockAuthenticator) Sweep() {}

// pushedEvent an event pushed to a client
type pushedEvent struct {
	event   string
	payload interface{}
}

// mockConnection in-memory ClientConnection
type mockConnection struct {
	id     string
	lock   sync.Mutex
	pushed []pushedEvent
}

func (c *mockConnection) ConnectionID() string {
	return c.id
}

func (c *mockConnection) Push(event string, payload interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pushed = append(c.pushed, pushedEvent{event: event, payload: payload})
	return nil
}

// take return and clear the pushed events
func (c *mockConnection) take() []pushedEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := c.pushed
	c.pushed = nil
	return result
}

// messageIDs the notification IDs among the pushed events
func messageIDs(events []pushedEvent) []int64 {
	result := []int64{}
	for _, event := range events {
		if event.event != EventMessage {
			continue
		}
		result = append(result, event.payload.(common.Notification).ID)
	}
	return result
}
