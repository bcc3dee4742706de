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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotificationParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: not JSON
	{
		_, err := ParseNotification([]byte("{not json"))
		assert.NotNil(err)
	}

	// Case 1: missing id
	{
		_, err := ParseNotification([]byte(`{"message":"hello"}`))
		assert.NotNil(err)
	}

	// Case 2: id must be numeric
	{
		_, err := ParseNotification([]byte(`{"id":"one","message":"hello"}`))
		assert.NotNil(err)
	}

	// Case 3: opaque message kept as is
	{
		n, err := ParseNotification([]byte(`{"id":1,"message":{"a":[1,2]}}`))
		assert.Nil(err)
		assert.Equal(int64(1), n.ID)
		assert.JSONEq(`{"a":[1,2]}`, string(n.Message))
	}

	// Case 4: message absent
	{
		n, err := ParseNotification([]byte(`{"id":1650000000000}`))
		assert.Nil(err)
		assert.Equal(int64(1650000000000), n.ID)
		assert.Equal("null", string(n.Message))
	}

	// Case 5: encode for the queue
	{
		raw, err := EncodeNotification(Notification{ID: 7, Message: json.RawMessage(`"hi"`)})
		assert.Nil(err)
		assert.JSONEq(`{"id":7,"message":"hi"}`, string(raw))
	}
}
