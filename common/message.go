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

package common

import (
	"encoding/json"
	"fmt"
)

// Notification a notification destined for one user
type Notification struct {
	// ID is the notification ID. Unique within a user's queue.
	ID int64 `json:"id"`
	// Message is the opaque notification content
	Message json.RawMessage `json:"message"`
}

// String toString function for Notification
func (n Notification) String() string {
	return fmt.Sprintf("NOTIFICATION[%d] (%d B)", n.ID, len(n.Message))
}

// ParseNotification decode a notification from the queue wire format
func ParseNotification(data []byte) (Notification, error) {
	var wire struct {
		ID      *int64          `json:"id"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Notification{}, fmt.Errorf("malformed notification: %w", err)
	}
	if wire.ID == nil {
		return Notification{}, fmt.Errorf("malformed notification: missing id")
	}
	if len(wire.Message) == 0 {
		wire.Message = json.RawMessage("null")
	}
	return Notification{ID: *wire.ID, Message: wire.Message}, nil
}

// EncodeNotification encode a notification into the queue wire format
func EncodeNotification(n Notification) ([]byte, error) {
	if len(n.Message) == 0 {
		n.Message = json.RawMessage("null")
	}
	return json.Marshal(&n)
}
