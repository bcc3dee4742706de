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

package dataplane

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// QueueMessage a message read from a user's notification queue, pending acknowledgment
type QueueMessage interface {
	// Data the message body
	Data() []byte
	// Ack acknowledge the message at the queue, waiting for the queue's confirmation
	Ack(ctxt context.Context) error
	// Nak release the message back to the queue for redelivery
	Nak() error
	// String toString function
	String() string
}

// jetStreamMessage implements QueueMessage over a JetStream message
type jetStreamMessage struct {
	msg *nats.Msg
}

// Data the message body
func (m jetStreamMessage) Data() []byte {
	return m.msg.Data
}

// Ack acknowledge the message at JetStream
func (m jetStreamMessage) Ack(ctxt context.Context) error {
	return m.msg.AckSync(nats.Context(ctxt))
}

// Nak negatively acknowledge the message at JetStream
func (m jetStreamMessage) Nak() error {
	return m.msg.Nak()
}

// String toString function
func (m jetStreamMessage) String() string {
	return msgToString(m.msg)
}

// msgToString helper function for converting a JetStream message to a string
func msgToString(msg *nats.Msg) string {
	meta, err := msg.Metadata()
	if err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d D:%d]",
			meta.Consumer,
			meta.Stream,
			meta.Sequence.Stream,
			meta.Sequence.Consumer,
			meta.NumDelivered,
		)
	}
	return msg.Subject
}
